// Package aggregation maintains the per-user cache of deduplicated,
// severity-sorted issues. The cache is always rebuilt from current source
// reports and dismissal state; it is never mutated in place.
//
// Not thread-safe; callers hold the external API lock.
package aggregation

import (
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/safehub/safehub/internal/config"
	"github.com/safehub/safehub/internal/dedup"
	"github.com/safehub/safehub/internal/dismissal"
	"github.com/safehub/safehub/internal/metrics"
	"github.com/safehub/safehub/internal/models"
	"github.com/safehub/safehub/internal/policy"
	"github.com/safehub/safehub/internal/sourcedata"
)

// Repository caches the aggregated issue list per user.
type Repository struct {
	cfg          *config.SourcesConfig
	sources      *sourcedata.Repository
	deduplicator *dedup.Deduplicator
	dismissals   *dismissal.Store
	pol          policy.Config

	cached           map[int32][]dedup.Entry
	groupMappings    map[models.IssueKey][]string
	isManagedProfile func(int32) bool
}

// NewRepository creates a repository over the given collaborators.
func NewRepository(cfg *config.SourcesConfig, sources *sourcedata.Repository, deduplicator *dedup.Deduplicator, dismissals *dismissal.Store, pol policy.Config, isManagedProfile func(int32) bool) *Repository {
	if isManagedProfile == nil {
		isManagedProfile = func(int32) bool { return false }
	}
	return &Repository{
		cfg:              cfg,
		sources:          sources,
		deduplicator:     deduplicator,
		dismissals:       dismissals,
		pol:              pol,
		cached:           make(map[int32][]dedup.Entry),
		groupMappings:    make(map[models.IssueKey][]string),
		isManagedProfile: isManagedProfile,
	}
}

// SetConfig swaps in a reloaded sources configuration. Cached lists stay
// valid until the next update pass.
func (r *Repository) SetConfig(cfg *config.SourcesConfig) {
	r.cfg = cfg
}

// UpdateIssues recomputes the user's aggregated issue list from scratch:
// all issues from every applicable active source, sorted by descending
// severity, then deduplicated when the platform supports it.
func (r *Repository) UpdateIssues(userID int32) {
	entries := r.collect(userID)
	sortBySeverityDesc(entries)

	r.dropMappingsForUser(userID)
	if r.pol.DedupEnabled {
		result := r.deduplicator.Deduplicate(entries)
		for key, groups := range result.GroupMapping {
			r.groupMappings[key] = groups
		}
		entries = result.Kept
		log.Debug().
			Int32("userId", userID).
			Int("issues", len(entries)).
			Int("filtered", len(result.FilteredOut)).
			Msg("Rebuilt aggregated issues")
	}
	r.cached[userID] = entries
	r.updateActiveGauge()
}

func (r *Repository) collect(userID int32) []dedup.Entry {
	managed := r.isManagedProfile(userID)
	var entries []dedup.Entry
	for _, source := range r.cfg.ActiveSources() {
		if managed && !source.ManagedProfiles {
			continue
		}
		data := r.sources.Data(models.SourceKey{SourceID: source.ID, UserID: userID})
		if data == nil {
			continue
		}
		groupID, _ := r.cfg.GroupID(source.ID)
		for i := range data.Issues {
			issue := data.Issues[i]
			entries = append(entries, dedup.Entry{
				Issue:   issue,
				Key:     models.IssueKey{SourceID: source.ID, SourceIssueID: issue.ID, UserID: userID},
				GroupID: groupID,
			})
		}
	}
	return entries
}

// IssuesForUser returns the cached aggregated list minus issues that are
// hidden right now. Hidden state decays over time independently of the
// last aggregation pass, so it is read live here rather than cached.
// Dismissed issues stay in the list; callers classify them with the
// dismissal queries.
func (r *Repository) IssuesForUser(userID int32) []dedup.Entry {
	cached := r.cached[userID]
	out := make([]dedup.Entry, 0, len(cached))
	for _, entry := range cached {
		if r.dismissals.IsHidden(entry.Key) {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// IssuesDedupedSortedDescFor returns the union of visible issues across
// the profile group's running users, re-sorted by descending severity.
func (r *Repository) IssuesDedupedSortedDescFor(group models.UserProfileGroup) []dedup.Entry {
	var out []dedup.Entry
	for _, userID := range group.RunningUserIDs() {
		out = append(out, r.IssuesForUser(userID)...)
	}
	sortBySeverityDesc(out)
	return out
}

// GroupMappingFor returns the source-group ids associated with a bucket
// survivor: its own group plus those of the duplicates it absorbed.
// Empty for keys the last dedup pass produced no mapping for.
func (r *Repository) GroupMappingFor(key models.IssueKey) []string {
	return r.groupMappings[key]
}

// CountLoggableIssuesFor counts visible issues across the profile group
// whose owning source is marked loggable.
func (r *Repository) CountLoggableIssuesFor(group models.UserProfileGroup) int {
	count := 0
	for _, userID := range group.RunningUserIDs() {
		for _, entry := range r.IssuesForUser(userID) {
			if source, ok := r.cfg.Source(entry.Key.SourceID); ok && source.Loggable {
				count++
			}
		}
	}
	return count
}

// CachedUsers returns the user ids with a cached aggregated list.
func (r *Repository) CachedUsers() []int32 {
	out := make([]int32, 0, len(r.cached))
	for userID := range r.cached {
		out = append(out, userID)
	}
	return out
}

// Clear drops every cached list and mapping.
func (r *Repository) Clear() {
	r.cached = make(map[int32][]dedup.Entry)
	r.groupMappings = make(map[models.IssueKey][]string)
	r.updateActiveGauge()
}

// ClearForUser drops cached state for one user.
func (r *Repository) ClearForUser(userID int32) {
	delete(r.cached, userID)
	r.dropMappingsForUser(userID)
	r.updateActiveGauge()
}

func (r *Repository) dropMappingsForUser(userID int32) {
	for key := range r.groupMappings {
		if key.UserID == userID {
			delete(r.groupMappings, key)
		}
	}
}

func (r *Repository) updateActiveGauge() {
	counts := make(map[models.SeverityLevel]int)
	for _, entries := range r.cached {
		for _, entry := range entries {
			counts[entry.Issue.Severity]++
		}
	}
	for _, severity := range []models.SeverityLevel{
		models.SeverityInformation,
		models.SeverityRecommendation,
		models.SeverityCriticalWarning,
	} {
		metrics.IssuesActive.WithLabelValues(severity.String()).Set(float64(counts[severity]))
	}
}

func sortBySeverityDesc(entries []dedup.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Issue.Severity > entries[j].Issue.Severity
	})
}
