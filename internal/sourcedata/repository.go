// Package sourcedata holds the latest raw report per source and user,
// validates incoming reports against the sources configuration, detects
// whether new data changes visible state, and keeps per-source error and
// timeout bookkeeping.
//
// The repository is NOT thread-safe; callers hold the external API lock.
package sourcedata

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/safehub/safehub/internal/config"
	"github.com/safehub/safehub/internal/dismissal"
	"github.com/safehub/safehub/internal/inflight"
	"github.com/safehub/safehub/internal/logging"
	"github.com/safehub/safehub/internal/metrics"
	"github.com/safehub/safehub/internal/models"
	"github.com/safehub/safehub/internal/refresh"
)

// SourceState classifies the most recent interaction with a source, for
// diagnostics only.
type SourceState string

const (
	StateNoData       SourceState = "no_data"
	StateDataProvided SourceState = "data_provided"
	StateCleared      SourceState = "cleared"
	StateError        SourceState = "error"
	StateTimeout      SourceState = "timeout"
)

// Caller is the identity of the process pushing a report.
type Caller struct {
	PackageName string
	CertHashes  []string // hex SHA-256 of the caller's signing certificates
}

// Rewriter is a source-specific post-processing hook applied to incoming
// reports before they are stored. Used for compatibility fixes that
// rewrite intent-bearing fields.
type Rewriter func(data *models.SourceData) *models.SourceData

// Repository stores the latest report per (source, user).
type Repository struct {
	cfg        *config.SourcesConfig
	dismissals *dismissal.Store
	actions    *inflight.Tracker
	refreshes  *refresh.Tracker

	data        map[models.SourceKey]*models.SourceData
	sourceError map[models.SourceKey]bool
	lastUpdated map[models.SourceKey]time.Time
	lastState   map[models.SourceKey]SourceState

	rewriters        map[string]Rewriter
	isManagedProfile func(userID int32) bool
	now              func() time.Time
}

// NewRepository creates a repository over the given collaborators.
// isManagedProfile reports whether a user id is a managed profile; nil
// means no user is.
func NewRepository(cfg *config.SourcesConfig, dismissals *dismissal.Store, actions *inflight.Tracker, refreshes *refresh.Tracker, isManagedProfile func(int32) bool) *Repository {
	if isManagedProfile == nil {
		isManagedProfile = func(int32) bool { return false }
	}
	return &Repository{
		cfg:              cfg,
		dismissals:       dismissals,
		actions:          actions,
		refreshes:        refreshes,
		data:             make(map[models.SourceKey]*models.SourceData),
		sourceError:      make(map[models.SourceKey]bool),
		lastUpdated:      make(map[models.SourceKey]time.Time),
		lastState:        make(map[models.SourceKey]SourceState),
		rewriters:        make(map[string]Rewriter),
		isManagedProfile: isManagedProfile,
		now:              time.Now,
	}
}

// SetConfig swaps in a reloaded sources configuration.
func (r *Repository) SetConfig(cfg *config.SourcesConfig) {
	r.cfg = cfg
}

// RegisterRewriter installs a post-processing hook for one source.
func (r *Repository) RegisterRewriter(sourceID string, rw Rewriter) {
	r.rewriters[sourceID] = rw
}

// SetSourceData validates and stores a source's report, returning whether
// visible aggregated state may have changed. A nil data evicts the stored
// report. The accompanying event is processed before the data is applied,
// since event handling reads prior state.
func (r *Repository) SetSourceData(data *models.SourceData, sourceID string, event models.SafetyEvent, caller Caller, userID int32) (bool, error) {
	const op = "set_source_data"
	source, err := r.validateRequest(op, sourceID, caller, userID)
	if err != nil {
		return false, err
	}
	if data != nil {
		if err := r.validateData(op, source, data, userID); err != nil {
			return false, err
		}
		if rw := r.rewriters[sourceID]; rw != nil {
			data = rw(data)
		}
	}

	eventChanged, err := r.processEvent(op, sourceID, event, userID)
	if err != nil {
		return false, err
	}
	if event.Type == models.EventSourceStateChanged {
		if r.resolveVanishedActions(sourceID, userID, data) {
			eventChanged = true
		}
	}

	key := models.SourceKey{SourceID: sourceID, UserID: userID}
	stored := r.data[key]
	differs := !data.Equal(stored)

	if data == nil {
		delete(r.data, key)
		r.lastState[key] = StateCleared
	} else {
		r.data[key] = data
		r.lastState[key] = StateDataProvided
	}
	r.lastUpdated[key] = r.now()

	errorCleared := r.sourceError[key]
	delete(r.sourceError, key)

	r.dismissals.UpdateIssuesForSource(issueIDSet(data), sourceID, userID)

	if logging.IsLevelEnabled(zerolog.DebugLevel) {
		ids := make([]string, 0)
		if data != nil {
			for i := range data.Issues {
				ids = append(ids, data.Issues[i].ID)
			}
		}
		log.Debug().Str("sourceId", sourceID).Int32("userId", userID).Strs("issueIds", ids).Msg("Stored source report")
	}

	return differs || eventChanged || errorCleared, nil
}

// GetSourceData validates the caller and returns the stored report, or
// nil if the source has not provided one.
func (r *Repository) GetSourceData(sourceID string, caller Caller, userID int32) (*models.SourceData, error) {
	if _, err := r.validateRequest("get_source_data", sourceID, caller, userID); err != nil {
		return nil, err
	}
	return r.data[models.SourceKey{SourceID: sourceID, UserID: userID}], nil
}

// ReportError validates and records a source's explicit failure report,
// returning whether visible state changed. An error whose event resolves
// an action only resolves the action; it does not mark the source
// errored.
func (r *Repository) ReportError(details models.SourceError, sourceID string, caller Caller, userID int32) (bool, error) {
	const op = "report_error"
	if _, err := r.validateRequest(op, sourceID, caller, userID); err != nil {
		return false, err
	}
	eventChanged, err := r.processEvent(op, sourceID, details.Event, userID)
	if err != nil {
		return false, err
	}
	if details.Event.Type == models.EventActionSucceeded || details.Event.Type == models.EventActionFailed {
		return eventChanged, nil
	}

	metrics.SourceErrorsTotal.WithLabelValues(sourceID).Inc()
	key := models.SourceKey{SourceID: sourceID, UserID: userID}
	hadData := r.data[key] != nil
	wasErrored := r.sourceError[key]
	delete(r.data, key)
	r.sourceError[key] = true
	r.lastState[key] = StateError
	r.lastUpdated[key] = r.now()
	log.Warn().Str("sourceId", sourceID).Int32("userId", userID).Msg("Source reported an error")

	return eventChanged || hadData || !wasErrored, nil
}

// MarkRefreshTimedOut records that a source never answered a refresh.
// When setError is true the source is additionally marked errored.
func (r *Repository) MarkRefreshTimedOut(key models.SourceKey, setError bool) bool {
	metrics.RefreshTimeoutsTotal.WithLabelValues(key.SourceID).Inc()
	r.lastState[key] = StateTimeout
	if !setError {
		return false
	}
	hadData := r.data[key] != nil
	wasErrored := r.sourceError[key]
	delete(r.data, key)
	r.sourceError[key] = true
	if hadData {
		r.dismissals.UpdateIssuesForSource(nil, key.SourceID, key.UserID)
	}
	return hadData || !wasErrored
}

// Data returns the stored report without caller validation. For internal
// aggregation use only.
func (r *Repository) Data(key models.SourceKey) *models.SourceData {
	return r.data[key]
}

// HasError reports whether the source's last interaction was an error.
func (r *Repository) HasError(key models.SourceKey) bool {
	return r.sourceError[key]
}

// StateOf returns the diagnostic classification of the source's last
// interaction.
func (r *Repository) StateOf(key models.SourceKey) SourceState {
	if s, ok := r.lastState[key]; ok {
		return s
	}
	return StateNoData
}

// LastUpdated returns when the source last interacted, if ever.
func (r *Repository) LastUpdated(key models.SourceKey) (time.Time, bool) {
	t, ok := r.lastUpdated[key]
	return t, ok
}

// Issue returns the currently stored issue for the key, or nil.
func (r *Repository) Issue(key models.IssueKey) *models.Issue {
	data := r.data[models.SourceKey{SourceID: key.SourceID, UserID: key.UserID}]
	if data == nil {
		return nil
	}
	for i := range data.Issues {
		if data.Issues[i].ID == key.SourceIssueID {
			return &data.Issues[i]
		}
	}
	return nil
}

// Clear drops all stored reports and bookkeeping.
func (r *Repository) Clear() {
	r.data = make(map[models.SourceKey]*models.SourceData)
	r.sourceError = make(map[models.SourceKey]bool)
	r.lastUpdated = make(map[models.SourceKey]time.Time)
	r.lastState = make(map[models.SourceKey]SourceState)
}

// ClearForUser drops stored reports and bookkeeping for one user.
func (r *Repository) ClearForUser(userID int32) {
	for key := range r.data {
		if key.UserID == userID {
			delete(r.data, key)
		}
	}
	for key := range r.sourceError {
		if key.UserID == userID {
			delete(r.sourceError, key)
		}
	}
	for key := range r.lastUpdated {
		if key.UserID == userID {
			delete(r.lastUpdated, key)
		}
	}
	for key := range r.lastState {
		if key.UserID == userID {
			delete(r.lastState, key)
		}
	}
}

// resolveVanishedActions applies the in-flight heuristic for ambiguous
// state-changed events: an in-flight action whose issue is absent from
// the incoming report is taken to have resolved its issue.
func (r *Repository) resolveVanishedActions(sourceID string, userID int32, incoming *models.SourceData) bool {
	changed := false
	for _, actionID := range r.actions.ActionsForSource(sourceID, userID) {
		if containsIssue(incoming, actionID.Issue.SourceIssueID) {
			continue
		}
		r.actions.UnmarkInFlight(actionID, nil, models.OutcomeIssueRemoved)
		changed = true
	}
	return changed
}

func containsIssue(data *models.SourceData, issueID string) bool {
	if data == nil {
		return false
	}
	for i := range data.Issues {
		if data.Issues[i].ID == issueID {
			return true
		}
	}
	return false
}

func issueIDSet(data *models.SourceData) map[string]struct{} {
	if data == nil {
		return nil
	}
	ids := make(map[string]struct{}, len(data.Issues))
	for i := range data.Issues {
		ids[data.Issues[i].ID] = struct{}{}
	}
	return ids
}
