// Package refresh tracks outstanding source refresh broadcasts. The core
// owns no timers for refreshes; the daemon calls TimedOut after its own
// deadline fires. Retry and backoff live outside the core.
//
// Not thread-safe; callers hold the external API lock.
package refresh

import (
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/safehub/safehub/internal/models"
)

// Tracker matches refresh-completed events against the broadcast that
// requested them.
type Tracker struct {
	outstanding map[string]map[models.SourceKey]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{outstanding: make(map[string]map[models.SourceKey]struct{})}
}

// Begin registers a refresh broadcast to the given sources and returns
// its broadcast id.
func (t *Tracker) Begin(reason string, sources []models.SourceKey) string {
	id := ulid.Make().String()
	waiting := make(map[models.SourceKey]struct{}, len(sources))
	for _, s := range sources {
		waiting[s] = struct{}{}
	}
	t.outstanding[id] = waiting
	log.Info().Str("broadcastId", id).Str("reason", reason).Int("sources", len(sources)).Msg("Refresh requested")
	return id
}

// Complete marks one source's response to a broadcast. Returns true if
// the source was still outstanding for that broadcast.
func (t *Tracker) Complete(broadcastID string, key models.SourceKey) bool {
	waiting, ok := t.outstanding[broadcastID]
	if !ok {
		log.Warn().Str("broadcastId", broadcastID).Stringer("source", key).Msg("Refresh completion for unknown broadcast")
		return false
	}
	if _, was := waiting[key]; !was {
		return false
	}
	delete(waiting, key)
	if len(waiting) == 0 {
		delete(t.outstanding, broadcastID)
		log.Info().Str("broadcastId", broadcastID).Msg("Refresh complete")
	}
	return true
}

// TimedOut abandons a broadcast and returns the sources that never
// responded.
func (t *Tracker) TimedOut(broadcastID string) []models.SourceKey {
	waiting, ok := t.outstanding[broadcastID]
	if !ok {
		return nil
	}
	delete(t.outstanding, broadcastID)
	out := make([]models.SourceKey, 0, len(waiting))
	for key := range waiting {
		out = append(out, key)
	}
	return out
}

// Clear abandons every outstanding broadcast.
func (t *Tracker) Clear() {
	t.outstanding = make(map[string]map[models.SourceKey]struct{})
}
