// Package dismissal tracks per-issue dismissal and hide state. Dismissal
// fields are persisted to a single snapshot file; hidden/resurface-timer
// fields are in-memory only and reset on restart.
//
// The store is NOT thread-safe. Every method must be called under the
// single external API lock; the lock is handed to the store at
// construction so the background snapshot writer can take consistent
// copies of state.
package dismissal

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/safehub/safehub/internal/metrics"
	"github.com/safehub/safehub/internal/models"
	"github.com/safehub/safehub/internal/policy"
)

type record struct {
	firstSeenAt             time.Time
	dismissedAt             *time.Time
	dismissCount            int
	notificationDismissedAt *time.Time

	// Not persisted: duplicate suppression state restarts from scratch.
	hidden              bool
	resurfaceTimerStart *time.Time
}

// Store owns dismissal records and their persistence scheduling.
type Store struct {
	pol     policy.Config
	records map[models.IssueKey]*record
	writer  *snapshotWriter
	now     func() time.Time
}

// NewStore creates a store persisting to path. apiLock is the external
// lock serializing all access to the core; the snapshot writer acquires
// it briefly when copying state for a write.
func NewStore(path string, pol policy.Config, apiLock sync.Locker) *Store {
	s := &Store{
		pol:     pol,
		records: make(map[models.IssueKey]*record),
		now:     time.Now,
	}
	s.writer = newSnapshotWriter(path, apiLock, s.snapshot)
	return s
}

// Start launches the background snapshot writer.
func (s *Store) Start() {
	s.writer.start()
}

// Stop flushes any pending write and stops the writer.
func (s *Store) Stop() {
	s.writer.stop()
}

// IsDismissed reports whether the issue is currently dismissed. A
// dismissed issue resurfaces once the severity-dependent delay elapses,
// unless it has been dismissed more times than the policy allows.
func (s *Store) IsDismissed(key models.IssueKey, severity models.SeverityLevel) bool {
	r, ok := s.records[key]
	if !ok || r.dismissedAt == nil {
		return false
	}
	if r.dismissCount > s.pol.MaxResurfaceDismissCount(severity) {
		return true
	}
	return s.now().Sub(*r.dismissedAt) < s.pol.ResurfaceDelay(severity)
}

// Dismiss records a dismissal of the issue. Dismissing also dismisses the
// issue's notification.
func (s *Store) Dismiss(key models.IssueKey) {
	r, ok := s.records[key]
	if !ok {
		log.Warn().Stringer("issue", key).Msg("Dismiss of untracked issue ignored")
		return
	}
	now := s.now()
	r.dismissedAt = &now
	r.dismissCount++
	r.notificationDismissedAt = &now
	metrics.IssuesDismissedTotal.Inc()
	s.writer.schedule()
}

// DismissNotification records a dismissal of only the issue's
// notification; the issue itself stays visible.
func (s *Store) DismissNotification(key models.IssueKey) {
	r, ok := s.records[key]
	if !ok {
		log.Warn().Stringer("issue", key).Msg("Notification dismiss of untracked issue ignored")
		return
	}
	now := s.now()
	r.notificationDismissedAt = &now
	s.writer.schedule()
}

// IsNotificationDismissedNow reports whether the issue's notification is
// currently suppressed: either the issue itself is dismissed, or the
// notification was dismissed and its resurface interval (if any) has not
// elapsed.
func (s *Store) IsNotificationDismissedNow(key models.IssueKey, severity models.SeverityLevel) bool {
	if s.IsDismissed(key, severity) {
		return true
	}
	r, ok := s.records[key]
	if !ok || r.notificationDismissedAt == nil {
		return false
	}
	interval := s.pol.NotificationResurfaceInterval
	if interval == nil {
		return true
	}
	return s.now().Sub(*r.notificationDismissedAt) < *interval
}

// CopyDismissalData copies dismissal state from one tracked issue to
// another. Used to align duplicate issues.
func (s *Store) CopyDismissalData(from, to models.IssueKey) {
	src, to2, ok := s.pair(from, to, "dismissal data")
	if !ok {
		return
	}
	to2.dismissedAt = copyTime(src.dismissedAt)
	to2.dismissCount = src.dismissCount
	to2.notificationDismissedAt = copyTime(src.notificationDismissedAt)
	s.writer.schedule()
}

// CopyNotificationDismissalData copies only notification-dismissal state
// from one tracked issue to another.
func (s *Store) CopyNotificationDismissalData(from, to models.IssueKey) {
	src, to2, ok := s.pair(from, to, "notification dismissal data")
	if !ok {
		return
	}
	to2.notificationDismissedAt = copyTime(src.notificationDismissedAt)
	s.writer.schedule()
}

func (s *Store) pair(from, to models.IssueKey, what string) (*record, *record, bool) {
	src, ok := s.records[from]
	if !ok {
		log.Warn().Stringer("issue", from).Msgf("Copy of %s from untracked issue ignored", what)
		return nil, nil, false
	}
	dst, ok := s.records[to]
	if !ok {
		log.Warn().Stringer("issue", to).Msgf("Copy of %s to untracked issue ignored", what)
		return nil, nil, false
	}
	return src, dst, true
}

// UpdateIssuesForSource reconciles tracked records for one source and
// user against the ids it currently reports: records for vanished ids are
// purged, fresh ids get a record with firstSeenAt set to now. Idempotent;
// schedules a write only when something actually changed.
func (s *Store) UpdateIssuesForSource(reportedIDs map[string]struct{}, sourceID string, userID int32) {
	changed := false
	for key := range s.records {
		if key.SourceID != sourceID || key.UserID != userID {
			continue
		}
		if _, still := reportedIDs[key.SourceIssueID]; !still {
			delete(s.records, key)
			changed = true
		}
	}
	now := s.now()
	for id := range reportedIDs {
		key := models.IssueKey{SourceID: sourceID, SourceIssueID: id, UserID: userID}
		if _, tracked := s.records[key]; !tracked {
			s.records[key] = &record{firstSeenAt: now}
			changed = true
		}
	}
	if changed {
		s.writer.schedule()
	}
}

// IsHidden reports whether the issue is suppressed as a duplicate.
//
// This is the one side-effecting read in the core: a hidden issue whose
// resurface timer has elapsed is un-hidden here, during the read, because
// hide timing is evaluated lazily rather than by a scheduler.
func (s *Store) IsHidden(key models.IssueKey) bool {
	r, ok := s.records[key]
	if !ok || !r.hidden {
		return false
	}
	if r.resurfaceTimerStart != nil && s.now().Sub(*r.resurfaceTimerStart) >= s.pol.HiddenIssueResurfaceDelay {
		r.hidden = false
		r.resurfaceTimerStart = nil
		return false
	}
	return true
}

// HideIssue suppresses the issue and restarts its suppression window by
// clearing any running resurface timer.
func (s *Store) HideIssue(key models.IssueKey) {
	r, ok := s.records[key]
	if !ok {
		log.Warn().Stringer("issue", key).Msg("Hide of untracked issue ignored")
		return
	}
	r.hidden = true
	r.resurfaceTimerStart = nil
}

// ResurfaceHiddenIssueAfterPeriod starts the issue's resurface timer if
// none is running. Idempotent once started.
func (s *Store) ResurfaceHiddenIssueAfterPeriod(key models.IssueKey) {
	r, ok := s.records[key]
	if !ok {
		log.Warn().Stringer("issue", key).Msg("Resurface of untracked issue ignored")
		return
	}
	if r.resurfaceTimerStart == nil {
		now := s.now()
		r.resurfaceTimerStart = &now
	}
}

// FirstSeenAt returns when the issue was first reported, if tracked.
func (s *Store) FirstSeenAt(key models.IssueKey) (time.Time, bool) {
	r, ok := s.records[key]
	if !ok {
		return time.Time{}, false
	}
	return r.firstSeenAt, true
}

// Clear removes all records.
func (s *Store) Clear() {
	s.records = make(map[models.IssueKey]*record)
	s.writer.schedule()
}

// ClearForUser removes all records belonging to one user.
func (s *Store) ClearForUser(userID int32) {
	changed := false
	for key := range s.records {
		if key.UserID == userID {
			delete(s.records, key)
			changed = true
		}
	}
	if changed {
		s.writer.schedule()
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
