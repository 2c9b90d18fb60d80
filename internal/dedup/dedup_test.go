package dedup

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safehub/safehub/internal/dismissal"
	"github.com/safehub/safehub/internal/models"
	"github.com/safehub/safehub/internal/policy"
)

func newTestStore(t *testing.T) *dismissal.Store {
	t.Helper()
	pol := policy.Default()
	pol.HiddenIssueResurfaceDelay = time.Hour
	return dismissal.NewStore(filepath.Join(t.TempDir(), "d.json"), pol, &sync.Mutex{})
}

func entry(source, issueID string, user int32, severity models.SeverityLevel, group, dedupGroup, dedupID string) Entry {
	return Entry{
		Issue: models.Issue{
			ID:         issueID,
			Severity:   severity,
			DedupGroup: dedupGroup,
			DedupID:    dedupID,
		},
		Key:     models.IssueKey{SourceID: source, SourceIssueID: issueID, UserID: user},
		GroupID: group,
	}
}

func trackAll(store *dismissal.Store, entries []Entry) {
	bySource := make(map[models.SourceKey]map[string]struct{})
	for _, e := range entries {
		sk := models.SourceKey{SourceID: e.Key.SourceID, UserID: e.Key.UserID}
		if bySource[sk] == nil {
			bySource[sk] = make(map[string]struct{})
		}
		bySource[sk][e.Key.SourceIssueID] = struct{}{}
	}
	for sk, ids := range bySource {
		store.UpdateIssuesForSource(ids, sk.SourceID, sk.UserID)
	}
}

func TestKeepsHighestPriorityRepresentative(t *testing.T) {
	store := newTestStore(t)
	d := NewDeduplicator(store)
	entries := []Entry{
		entry("srcA", "x1", 0, models.SeverityCriticalWarning, "groupA", "g", "d1"),
		entry("srcB", "x2", 0, models.SeverityRecommendation, "groupB", "g", "d1"),
	}
	trackAll(store, entries)

	result := d.Deduplicate(entries)

	require.Len(t, result.Kept, 1)
	assert.Equal(t, "x1", result.Kept[0].Issue.ID)
	require.Len(t, result.FilteredOut, 1)
	assert.Equal(t, "x2", result.FilteredOut[0].Issue.ID)

	assert.Equal(t, []string{"groupA", "groupB"}, result.GroupMapping[result.Kept[0].Key])
	assert.True(t, store.IsHidden(result.FilteredOut[0].Key), "duplicates are hidden, not deleted")
}

func TestDismissalPropagatesDownwardOnly(t *testing.T) {
	store := newTestStore(t)
	d := NewDeduplicator(store)
	critical := entry("srcA", "x1", 0, models.SeverityCriticalWarning, "groupA", "g", "d1")
	recommendation := entry("srcB", "x2", 0, models.SeverityRecommendation, "groupB", "g", "d1")
	entries := []Entry{critical, recommendation}
	trackAll(store, entries)

	// Dismissing the critical one propagates to the recommendation.
	store.Dismiss(critical.Key)
	d.Deduplicate([]Entry{critical, recommendation})
	assert.True(t, store.IsDismissed(recommendation.Key, recommendation.Issue.Severity))

	// Reset: only the recommendation dismissed; the critical one must
	// not inherit from below.
	store.Clear()
	trackAll(store, entries)
	store.Dismiss(recommendation.Key)
	d.Deduplicate([]Entry{critical, recommendation})
	assert.False(t, store.IsDismissed(critical.Key, critical.Issue.Severity))
}

func TestNotificationDismissalAlignment(t *testing.T) {
	store := newTestStore(t)
	d := NewDeduplicator(store)
	top := entry("srcA", "x1", 0, models.SeverityCriticalWarning, "groupA", "g", "d1")
	dup := entry("srcB", "x2", 0, models.SeverityRecommendation, "groupB", "g", "d1")
	entries := []Entry{top, dup}
	trackAll(store, entries)

	store.DismissNotification(top.Key)
	d.Deduplicate([]Entry{top, dup})

	assert.True(t, store.IsNotificationDismissedNow(dup.Key, dup.Issue.Severity))
	assert.False(t, store.IsDismissed(dup.Key, dup.Issue.Severity), "only notification state copied")
}

func TestIssuesWithoutDedupKeysAreNeverDeduplicated(t *testing.T) {
	store := newTestStore(t)
	d := NewDeduplicator(store)
	entries := []Entry{
		entry("srcA", "x1", 0, models.SeverityCriticalWarning, "groupA", "", ""),
		entry("srcB", "x2", 0, models.SeverityCriticalWarning, "groupB", "", ""),
		entry("srcC", "x3", 0, models.SeverityRecommendation, "groupC", "g", "d1"),
	}
	trackAll(store, entries)

	result := d.Deduplicate(entries)
	assert.Len(t, result.Kept, 3)
	assert.Empty(t, result.FilteredOut)
	assert.Nil(t, result.GroupMapping[entries[0].Key], "no dedup info without keys")
	assert.Equal(t, []string{"groupC"}, result.GroupMapping[entries[2].Key])
}

func TestBucketsSplitByUser(t *testing.T) {
	store := newTestStore(t)
	d := NewDeduplicator(store)
	entries := []Entry{
		entry("srcA", "x1", 0, models.SeverityCriticalWarning, "groupA", "g", "d1"),
		entry("srcA", "x1", 1, models.SeverityCriticalWarning, "groupA", "g", "d1"),
	}
	trackAll(store, entries)

	result := d.Deduplicate(entries)
	assert.Len(t, result.Kept, 2, "same dedup keys for different users never collapse")
	assert.Empty(t, result.FilteredOut)
}

func TestHiddenSurvivorGetsResurfaceTimer(t *testing.T) {
	store := newTestStore(t)
	d := NewDeduplicator(store)
	top := entry("srcA", "x1", 0, models.SeverityCriticalWarning, "groupA", "g", "d1")
	dup := entry("srcB", "x2", 0, models.SeverityRecommendation, "groupB", "g", "d1")
	entries := []Entry{top, dup}
	trackAll(store, entries)

	// First pass hides the duplicate. A later pass where the former
	// duplicate is the only survivor must start its resurface countdown
	// rather than leaving it hidden forever.
	d.Deduplicate([]Entry{top, dup})
	require.True(t, store.IsHidden(dup.Key))

	result := d.Deduplicate([]Entry{dup})
	require.Len(t, result.Kept, 1)
	assert.True(t, store.IsHidden(dup.Key), "still hidden until the timer elapses")
}

func TestEmptyInput(t *testing.T) {
	store := newTestStore(t)
	d := NewDeduplicator(store)
	result := d.Deduplicate(nil)
	assert.Empty(t, result.Kept)
	assert.Empty(t, result.FilteredOut)
	assert.Empty(t, result.GroupMapping)
}
