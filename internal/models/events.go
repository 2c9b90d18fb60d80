package models

// SafetyEventType discriminates what triggered a source update.
type SafetyEventType string

const (
	EventSourceStateChanged  SafetyEventType = "source_state_changed"
	EventRefreshRequested    SafetyEventType = "refresh_requested"
	EventActionSucceeded     SafetyEventType = "action_succeeded"
	EventActionFailed        SafetyEventType = "action_failed"
	EventDeviceLocaleChanged SafetyEventType = "device_locale_changed"
	EventDeviceRebooted      SafetyEventType = "device_rebooted"
)

// SafetyEvent accompanies every report and error a source pushes. Which
// payload fields are required depends on Type: refresh events carry the
// broadcast id they respond to, action events carry the issue and action
// ids they resolve. Unknown types are accepted and treated as no-ops so
// newer callers can talk to older cores.
type SafetyEvent struct {
	Type               SafetyEventType `json:"type"`
	RefreshBroadcastID string          `json:"refreshBroadcastId,omitempty"`
	SourceIssueID      string          `json:"sourceIssueId,omitempty"`
	SourceActionID     string          `json:"sourceActionId,omitempty"`
}

// ActionOutcome classifies how an in-flight action finished.
type ActionOutcome string

const (
	OutcomeSucceeded    ActionOutcome = "succeeded"
	OutcomeFailed       ActionOutcome = "failed"
	OutcomeCleared      ActionOutcome = "cleared"
	OutcomeTimedOut     ActionOutcome = "timed_out"
	OutcomeUnknown      ActionOutcome = "unknown"
	OutcomeIssueRemoved ActionOutcome = "issue_removed"
)

// SourceError is a source's explicit failure report.
type SourceError struct {
	Event SafetyEvent `json:"event"`
}
