// Package dedup collapses duplicate issues reported by different sources.
// Issues opt in by carrying a (dedup group, dedup id) pair; buckets are
// additionally split by user. The highest-priority member of a bucket
// survives, dismissal state is aligned across members, and suppressed
// duplicates are hidden rather than deleted so they can resurface if the
// survivor is later resolved.
//
// Not thread-safe; callers hold the external API lock.
package dedup

import (
	"sort"

	"github.com/safehub/safehub/internal/dismissal"
	"github.com/safehub/safehub/internal/metrics"
	"github.com/safehub/safehub/internal/models"
)

// Entry is one candidate issue together with its identity and the id of
// the source group it belongs to.
type Entry struct {
	Issue   models.Issue    `json:"issue"`
	Key     models.IssueKey `json:"key"`
	GroupID string          `json:"groupId"`
}

// Result is the outcome of one deduplication pass.
type Result struct {
	// Kept is the input list with duplicates removed, order preserved.
	Kept []Entry
	// FilteredOut holds the suppressed duplicates.
	FilteredOut []Entry
	// GroupMapping maps each bucket survivor's key to the sorted union
	// of group ids of every bucket member.
	GroupMapping map[models.IssueKey][]string
}

// Deduplicator resolves duplicate buckets against dismissal state.
type Deduplicator struct {
	dismissals *dismissal.Store
}

// NewDeduplicator creates a deduplicator over the dismissal store.
func NewDeduplicator(dismissals *dismissal.Store) *Deduplicator {
	return &Deduplicator{dismissals: dismissals}
}

type bucketKey struct {
	group  string
	id     string
	userID int32
}

// Deduplicate processes a list already sorted by descending severity.
// Bucket order therefore follows priority order.
func (d *Deduplicator) Deduplicate(sorted []Entry) Result {
	result := Result{GroupMapping: make(map[models.IssueKey][]string)}

	buckets := make(map[bucketKey][]int)
	var bucketOrder []bucketKey
	for i := range sorted {
		issue := &sorted[i].Issue
		if issue.DedupGroup == "" || issue.DedupID == "" {
			continue
		}
		bk := bucketKey{group: issue.DedupGroup, id: issue.DedupID, userID: sorted[i].Key.UserID}
		if _, seen := buckets[bk]; !seen {
			bucketOrder = append(bucketOrder, bk)
		}
		buckets[bk] = append(buckets[bk], i)
	}

	remove := make(map[int]struct{})
	for _, bk := range bucketOrder {
		members := buckets[bk]
		if len(members) >= 2 {
			d.alignDismissals(sorted, members)
			for _, idx := range members[1:] {
				remove[idx] = struct{}{}
			}
		}

		top := sorted[members[0]]
		// A promoted survivor that is still hidden must not stay hidden
		// forever; make sure its resurface countdown is running.
		if d.dismissals.IsHidden(top.Key) {
			d.dismissals.ResurfaceHiddenIssueAfterPeriod(top.Key)
		}
		result.GroupMapping[top.Key] = groupUnion(sorted, members)
	}

	result.Kept = sorted[:0]
	for i := range sorted {
		if _, drop := remove[i]; drop {
			entry := sorted[i]
			d.dismissals.HideIssue(entry.Key)
			metrics.IssuesDedupFilteredTotal.Inc()
			result.FilteredOut = append(result.FilteredOut, entry)
			continue
		}
		result.Kept = append(result.Kept, sorted[i])
	}
	return result
}

// alignDismissals propagates dismissal and notification-dismissal state
// from the highest-priority dismissed member downward. Only members of
// lower or equal severity inherit; a higher-severity duplicate is never
// auto-dismissed by a lower one.
func (d *Deduplicator) alignDismissals(sorted []Entry, members []int) {
	if donor, ok := d.firstWhere(sorted, members, d.dismissals.IsDismissed); ok {
		for _, idx := range members {
			if idx == donor {
				continue
			}
			if sorted[idx].Issue.Severity <= sorted[donor].Issue.Severity {
				d.dismissals.CopyDismissalData(sorted[donor].Key, sorted[idx].Key)
			}
		}
	}
	if donor, ok := d.firstWhere(sorted, members, d.dismissals.IsNotificationDismissedNow); ok {
		for _, idx := range members {
			if idx == donor {
				continue
			}
			if sorted[idx].Issue.Severity <= sorted[donor].Issue.Severity {
				d.dismissals.CopyNotificationDismissalData(sorted[donor].Key, sorted[idx].Key)
			}
		}
	}
}

func (d *Deduplicator) firstWhere(sorted []Entry, members []int, pred func(models.IssueKey, models.SeverityLevel) bool) (int, bool) {
	for _, idx := range members {
		if pred(sorted[idx].Key, sorted[idx].Issue.Severity) {
			return idx, true
		}
	}
	return 0, false
}

func groupUnion(sorted []Entry, members []int) []string {
	seen := make(map[string]struct{}, len(members))
	var groups []string
	for _, idx := range members {
		groupID := sorted[idx].GroupID
		if groupID == "" {
			continue
		}
		if _, dup := seen[groupID]; dup {
			continue
		}
		seen[groupID] = struct{}{}
		groups = append(groups, groupID)
	}
	sort.Strings(groups)
	return groups
}
