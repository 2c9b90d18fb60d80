// Package safetycenter composes the aggregation core behind a single
// facade. DataManager owns the one API lock that serializes every caller;
// the repositories beneath it are not thread-safe and are only touched
// with the lock held. Every mutation that could change visible aggregated
// state triggers a cache rebuild for the affected user, so callers never
// refresh the cache themselves.
package safetycenter

import (
	"sync"

	"github.com/safehub/safehub/internal/aggregation"
	"github.com/safehub/safehub/internal/config"
	"github.com/safehub/safehub/internal/dedup"
	"github.com/safehub/safehub/internal/dismissal"
	"github.com/safehub/safehub/internal/inflight"
	"github.com/safehub/safehub/internal/models"
	"github.com/safehub/safehub/internal/policy"
	"github.com/safehub/safehub/internal/refresh"
	"github.com/safehub/safehub/internal/sourcedata"
)

// Options configures a DataManager.
type Options struct {
	// SnapshotPath is where dismissal state is persisted.
	SnapshotPath string
	// IsManagedProfile reports whether a user id is a managed profile.
	// Nil means no user is.
	IsManagedProfile func(userID int32) bool
}

// DataManager is the single entry point into the aggregation core.
type DataManager struct {
	mu  sync.Mutex
	cfg *config.SourcesConfig
	pol policy.Config

	dismissals *dismissal.Store
	actions    *inflight.Tracker
	refreshes  *refresh.Tracker
	sources    *sourcedata.Repository
	issues     *aggregation.Repository

	subscribers []func(userID int32)
}

// NewDataManager wires the core components together.
func NewDataManager(cfg *config.SourcesConfig, pol policy.Config, opts Options) *DataManager {
	m := &DataManager{cfg: cfg, pol: pol}
	m.dismissals = dismissal.NewStore(opts.SnapshotPath, pol, &m.mu)
	m.actions = inflight.NewTracker()
	m.refreshes = refresh.NewTracker()
	m.sources = sourcedata.NewRepository(cfg, m.dismissals, m.actions, m.refreshes, opts.IsManagedProfile)
	m.issues = aggregation.NewRepository(cfg, m.sources, dedup.NewDeduplicator(m.dismissals), m.dismissals, pol, opts.IsManagedProfile)
	return m
}

// Start loads persisted dismissal state and launches the background
// snapshot writer. Call once before serving requests.
func (m *DataManager) Start() {
	m.mu.Lock()
	m.dismissals.LoadFromFile(m.cfg.IsConfigured)
	m.mu.Unlock()
	m.dismissals.Start()
}

// Stop flushes pending persistence work.
func (m *DataManager) Stop() {
	m.dismissals.Stop()
}

// Subscribe registers a callback invoked (outside the API lock) after a
// mutation changed a user's aggregated view.
func (m *DataManager) Subscribe(fn func(userID int32)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// RegisterRewriter installs a source-specific report post-processing
// hook, such as the lock screen compatibility fix.
func (m *DataManager) RegisterRewriter(sourceID string, rw sourcedata.Rewriter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources.RegisterRewriter(sourceID, rw)
}

// SetConfig swaps in a reloaded sources configuration and rebuilds every
// cached view against it.
func (m *DataManager) SetConfig(cfg *config.SourcesConfig) {
	m.mu.Lock()
	m.cfg = cfg
	m.sources.SetConfig(cfg)
	m.issues.SetConfig(cfg)
	users := m.issues.CachedUsers()
	for _, userID := range users {
		m.issues.UpdateIssues(userID)
	}
	subs := m.snapshotSubscribers()
	m.mu.Unlock()
	for _, userID := range users {
		notify(subs, userID)
	}
}

// SetSourceData validates and stores a source report, rebuilding the
// user's aggregated view if anything visible changed.
func (m *DataManager) SetSourceData(data *models.SourceData, sourceID string, event models.SafetyEvent, caller sourcedata.Caller, userID int32) error {
	m.mu.Lock()
	changed, err := m.sources.SetSourceData(data, sourceID, event, caller, userID)
	if err == nil && changed {
		m.issues.UpdateIssues(userID)
	}
	subs := m.snapshotSubscribers()
	m.mu.Unlock()
	if err == nil && changed {
		notify(subs, userID)
	}
	return err
}

// GetSourceData validates the caller and returns the stored report.
func (m *DataManager) GetSourceData(sourceID string, caller sourcedata.Caller, userID int32) (*models.SourceData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sources.GetSourceData(sourceID, caller, userID)
}

// ReportError records a source's failure report.
func (m *DataManager) ReportError(details models.SourceError, sourceID string, caller sourcedata.Caller, userID int32) error {
	m.mu.Lock()
	changed, err := m.sources.ReportError(details, sourceID, caller, userID)
	if err == nil && changed {
		m.issues.UpdateIssues(userID)
	}
	subs := m.snapshotSubscribers()
	m.mu.Unlock()
	if err == nil && changed {
		notify(subs, userID)
	}
	return err
}

// MarkRefreshTimedOut records that a source never answered a refresh.
func (m *DataManager) MarkRefreshTimedOut(key models.SourceKey, setError bool) {
	m.mu.Lock()
	changed := m.sources.MarkRefreshTimedOut(key, setError)
	if changed {
		m.issues.UpdateIssues(key.UserID)
	}
	subs := m.snapshotSubscribers()
	m.mu.Unlock()
	if changed {
		notify(subs, key.UserID)
	}
}

// BeginRefresh starts a refresh broadcast to every active source
// applicable to the user and returns its broadcast id.
func (m *DataManager) BeginRefresh(reason string, userID int32) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []models.SourceKey
	for _, source := range m.cfg.ActiveSources() {
		keys = append(keys, models.SourceKey{SourceID: source.ID, UserID: userID})
	}
	return m.refreshes.Begin(reason, keys)
}

// RefreshTimedOut abandons a broadcast and returns the sources that never
// responded, so the caller can mark them timed out.
func (m *DataManager) RefreshTimedOut(broadcastID string) []models.SourceKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshes.TimedOut(broadcastID)
}

// DismissIssue dismisses an issue and rebuilds the user's view.
func (m *DataManager) DismissIssue(key models.IssueKey) {
	m.mu.Lock()
	_, tracked := m.dismissals.FirstSeenAt(key)
	m.dismissals.Dismiss(key)
	if tracked {
		m.issues.UpdateIssues(key.UserID)
	}
	subs := m.snapshotSubscribers()
	m.mu.Unlock()
	if tracked {
		notify(subs, key.UserID)
	}
}

// DismissNotification dismisses only an issue's notification.
func (m *DataManager) DismissNotification(key models.IssueKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dismissals.DismissNotification(key)
}

// IsIssueDismissed reports whether an issue is currently dismissed.
func (m *DataManager) IsIssueDismissed(key models.IssueKey, severity models.SeverityLevel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dismissals.IsDismissed(key, severity)
}

// IsNotificationDismissedNow reports whether an issue's notification is
// currently suppressed.
func (m *DataManager) IsNotificationDismissedNow(key models.IssueKey, severity models.SeverityLevel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dismissals.IsNotificationDismissedNow(key, severity)
}

// MarkActionInFlight records an executing action and rebuilds the view,
// since in-flight actions are hidden from re-triggering.
func (m *DataManager) MarkActionInFlight(actionID models.ActionID) {
	m.mu.Lock()
	m.actions.MarkInFlight(actionID)
	m.issues.UpdateIssues(actionID.Issue.UserID)
	subs := m.snapshotSubscribers()
	m.mu.Unlock()
	notify(subs, actionID.Issue.UserID)
}

// UnmarkActionInFlight removes an action's in-flight entry, reporting
// whether visible state changed.
func (m *DataManager) UnmarkActionInFlight(actionID models.ActionID, outcome models.ActionOutcome) bool {
	m.mu.Lock()
	issue := m.sources.Issue(actionID.Issue)
	changed := m.actions.UnmarkInFlight(actionID, issue, outcome)
	if changed {
		m.issues.UpdateIssues(actionID.Issue.UserID)
	}
	subs := m.snapshotSubscribers()
	m.mu.Unlock()
	if changed {
		notify(subs, actionID.Issue.UserID)
	}
	return changed
}

// ActionIsInFlight reports whether an action is currently executing.
func (m *DataManager) ActionIsInFlight(actionID models.ActionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.actions.IsInFlight(actionID)
}

// GetAction resolves an action against the current issue, hiding actions
// that are in flight.
func (m *DataManager) GetAction(actionID models.ActionID) *models.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.actions.Action(actionID, m.sources.Issue(actionID.Issue))
}

// GetIssuesForUser returns the user's visible aggregated issues.
func (m *DataManager) GetIssuesForUser(userID int32) []dedup.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.issues.IssuesForUser(userID)
}

// GetIssuesDedupedSortedDescFor returns visible issues across a profile
// group, sorted by descending severity.
func (m *DataManager) GetIssuesDedupedSortedDescFor(group models.UserProfileGroup) []dedup.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.issues.IssuesDedupedSortedDescFor(group)
}

// GetGroupMappingFor returns the source-group ids a bucket survivor
// relates to.
func (m *DataManager) GetGroupMappingFor(key models.IssueKey) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.issues.GroupMappingFor(key)
}

// CountLoggableIssuesFor counts visible issues from loggable sources
// across a profile group.
func (m *DataManager) CountLoggableIssuesFor(group models.UserProfileGroup) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.issues.CountLoggableIssuesFor(group)
}

// Clear wipes all state. For user removal and test reset.
func (m *DataManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources.Clear()
	m.actions.Clear()
	m.refreshes.Clear()
	m.dismissals.Clear()
	m.issues.Clear()
}

// ClearForUser wipes all state belonging to one user, leaving every other
// user untouched.
func (m *DataManager) ClearForUser(userID int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources.ClearForUser(userID)
	m.actions.ClearForUser(userID)
	m.dismissals.ClearForUser(userID)
	m.issues.ClearForUser(userID)
}

func (m *DataManager) snapshotSubscribers() []func(int32) {
	subs := make([]func(int32), len(m.subscribers))
	copy(subs, m.subscribers)
	return subs
}

func notify(subs []func(int32), userID int32) {
	for _, fn := range subs {
		fn(userID)
	}
}
