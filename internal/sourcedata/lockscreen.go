package sourcedata

import (
	"strings"

	"github.com/safehub/safehub/internal/models"
)

// Intent actions the lock screen source still sends but which no longer
// resolve on current builds.
var deprecatedLockScreenIntents = map[string]string{
	"android.app.action.SET_NEW_PASSWORD":     "android.settings.SECURITY_SETTINGS",
	"com.android.settings.SCREEN_LOCK_LEGACY": "android.settings.SECURITY_SETTINGS",
}

// NewLockScreenRewriter returns the compatibility fix for the lock screen
// source: deprecated intent-bearing action fields are rewritten to their
// current equivalents before the report is stored, so stale actions stay
// usable without waiting for a source-side update.
func NewLockScreenRewriter() Rewriter {
	return func(data *models.SourceData) *models.SourceData {
		if data == nil {
			return nil
		}
		rewritten := *data
		rewritten.Issues = make([]models.Issue, len(data.Issues))
		copy(rewritten.Issues, data.Issues)
		for i := range rewritten.Issues {
			issue := &rewritten.Issues[i]
			if len(issue.Actions) == 0 {
				continue
			}
			actions := make([]models.Action, len(issue.Actions))
			copy(actions, issue.Actions)
			for j := range actions {
				intent := strings.TrimSpace(actions[j].IntentAction)
				if replacement, ok := deprecatedLockScreenIntents[intent]; ok {
					actions[j].IntentAction = replacement
				}
			}
			issue.Actions = actions
		}
		return &rewritten
	}
}
