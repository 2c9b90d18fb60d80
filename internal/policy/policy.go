// Package policy holds the externally configured timing knobs for issue
// dismissal resurfacing and duplicate suppression. All delays are
// evaluated lazily in read paths; the core schedules no timers for them.
package policy

import (
	"time"

	"github.com/safehub/safehub/internal/models"
)

// Config is the resurface/suppression policy in effect. Values come from
// device configuration; the zero value is unusable, use Default.
type Config struct {
	// ResurfaceDelays maps severity to how long after a dismissal the
	// issue becomes visible again.
	ResurfaceDelays map[models.SeverityLevel]time.Duration
	// MaxResurfaceDismissCounts maps severity to how many dismissals an
	// issue survives before it stays dismissed forever.
	MaxResurfaceDismissCounts map[models.SeverityLevel]int
	// NotificationResurfaceInterval is how long after a dismissal the
	// issue's notification may reappear. Nil means never.
	NotificationResurfaceInterval *time.Duration
	// HiddenIssueResurfaceDelay is how long a duplicate-suppressed issue
	// stays hidden once its resurface timer starts.
	HiddenIssueResurfaceDelay time.Duration
	// DedupEnabled gates the deduplication pass; when false aggregation
	// serves all issues, sorted only.
	DedupEnabled bool
}

const (
	defaultResurfaceDelay    = 180 * 24 * time.Hour
	defaultHiddenDelay       = 2 * 24 * time.Hour
	defaultCriticalDismisses = 1
)

// Default returns the policy used when device configuration provides no
// overrides.
func Default() Config {
	return Config{
		ResurfaceDelays: map[models.SeverityLevel]time.Duration{
			models.SeverityInformation:     defaultResurfaceDelay,
			models.SeverityRecommendation:  defaultResurfaceDelay,
			models.SeverityCriticalWarning: defaultResurfaceDelay,
		},
		MaxResurfaceDismissCounts: map[models.SeverityLevel]int{
			models.SeverityInformation:     0,
			models.SeverityRecommendation:  0,
			models.SeverityCriticalWarning: defaultCriticalDismisses,
		},
		NotificationResurfaceInterval: nil,
		HiddenIssueResurfaceDelay:     defaultHiddenDelay,
		DedupEnabled:                  true,
	}
}

// ResurfaceDelay returns the dismissal resurface delay for a severity.
func (c Config) ResurfaceDelay(severity models.SeverityLevel) time.Duration {
	if d, ok := c.ResurfaceDelays[severity]; ok {
		return d
	}
	return defaultResurfaceDelay
}

// MaxResurfaceDismissCount returns how many dismissals keep resurfacing
// for a severity. A dismiss count above this is permanent.
func (c Config) MaxResurfaceDismissCount(severity models.SeverityLevel) int {
	if n, ok := c.MaxResurfaceDismissCounts[severity]; ok {
		return n
	}
	return 0
}
