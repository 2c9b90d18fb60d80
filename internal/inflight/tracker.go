// Package inflight tracks remediation actions that are currently
// executing, so they can be hidden from re-triggering and timed for
// diagnostics.
//
// The tracker is NOT thread-safe; callers hold the external API lock.
package inflight

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/safehub/safehub/internal/metrics"
	"github.com/safehub/safehub/internal/models"
)

// Tracker records which actions are in flight and since when.
type Tracker struct {
	actions map[models.ActionID]time.Time
	now     func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		actions: make(map[models.ActionID]time.Time),
		now:     time.Now,
	}
}

// MarkInFlight records the action as executing, overwriting any existing
// entry and its start time.
func (t *Tracker) MarkInFlight(actionID models.ActionID) {
	t.actions[actionID] = t.now()
}

// UnmarkInFlight removes the action's in-flight entry and reports whether
// doing so could change visible state. The entry is always removed when
// present, but the return value is true only when the action still
// resolves against the given issue: a nil issue or a vanished action
// means the caller raced with a removal and nothing visible changed.
func (t *Tracker) UnmarkInFlight(actionID models.ActionID, issue *models.Issue, outcome models.ActionOutcome) bool {
	startedAt, ok := t.actions[actionID]
	if !ok {
		log.Warn().Stringer("action", actionID).Msg("Unmark of unknown in-flight action ignored")
		return false
	}
	delete(t.actions, actionID)

	duration := t.now().Sub(startedAt)
	metrics.ActionDurationSeconds.WithLabelValues(string(outcome)).Observe(duration.Seconds())
	log.Info().
		Stringer("action", actionID).
		Dur("duration", duration).
		Str("outcome", string(outcome)).
		Msg("Action finished")

	if issue == nil {
		return false
	}
	return issue.Action(actionID.SourceActionID) != nil
}

// IsInFlight reports whether the action is currently executing.
func (t *Tracker) IsInFlight(actionID models.ActionID) bool {
	_, ok := t.actions[actionID]
	return ok
}

// Action resolves the action within the issue's action list, hiding
// actions that are in flight so they cannot be re-triggered.
func (t *Tracker) Action(actionID models.ActionID, issue *models.Issue) *models.Action {
	if issue == nil || t.IsInFlight(actionID) {
		return nil
	}
	return issue.Action(actionID.SourceActionID)
}

// ActionsForSource returns the in-flight actions belonging to one source
// and user, in no particular order.
func (t *Tracker) ActionsForSource(sourceID string, userID int32) []models.ActionID {
	var out []models.ActionID
	for id := range t.actions {
		if id.Issue.SourceID == sourceID && id.Issue.UserID == userID {
			out = append(out, id)
		}
	}
	return out
}

// Clear removes every in-flight entry.
func (t *Tracker) Clear() {
	t.actions = make(map[models.ActionID]time.Time)
}

// ClearForUser removes in-flight entries belonging to one user.
func (t *Tracker) ClearForUser(userID int32) {
	for id := range t.actions {
		if id.Issue.UserID == userID {
			delete(t.actions, id)
		}
	}
}
