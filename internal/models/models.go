// Package models defines the value types shared by the safety center
// aggregation core: issue identity, per-source reports, and the safety
// events that accompany them.
package models

import (
	"fmt"
	"reflect"
)

// SeverityLevel orders issues and source statuses from informational to
// critical. Higher values sort first in aggregated views.
type SeverityLevel int

const (
	SeverityUnspecified SeverityLevel = iota
	SeverityInformation
	SeverityRecommendation
	SeverityCriticalWarning
)

// String returns the wire/log name of the severity level.
func (s SeverityLevel) String() string {
	switch s {
	case SeverityUnspecified:
		return "unspecified"
	case SeverityInformation:
		return "information"
	case SeverityRecommendation:
		return "recommendation"
	case SeverityCriticalWarning:
		return "critical_warning"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Category groups issues by the area of the device they affect.
type Category string

const (
	CategoryGeneral        Category = "general"
	CategoryLockscreen     Category = "lockscreen"
	CategoryAccounts       Category = "accounts"
	CategoryPrivacy        Category = "privacy"
	CategoryDevice         Category = "device"
	CategoryPasswords      Category = "passwords"
	CategoryPersonalSafety Category = "personal_safety"
	CategoryData           Category = "data"
)

// IssueKey is the stable identity of one issue instance reported by one
// source for one user. It is comparable and used as a map key everywhere.
type IssueKey struct {
	SourceID      string `json:"sourceId"`
	SourceIssueID string `json:"sourceIssueId"`
	UserID        int32  `json:"userId"`
}

func (k IssueKey) String() string {
	return fmt.Sprintf("%s/%d/%s", k.SourceID, k.UserID, k.SourceIssueID)
}

// ActionID identifies one remediation action on one issue.
type ActionID struct {
	Issue          IssueKey `json:"issue"`
	SourceActionID string   `json:"sourceActionId"`
}

func (a ActionID) String() string {
	return fmt.Sprintf("%s#%s", a.Issue, a.SourceActionID)
}

// SourceKey identifies the report slot for one source and one user.
type SourceKey struct {
	SourceID string `json:"sourceId"`
	UserID   int32  `json:"userId"`
}

func (k SourceKey) String() string {
	return fmt.Sprintf("%s/%d", k.SourceID, k.UserID)
}

// Action is a remediation a user can take on an issue.
type Action struct {
	ID             string `json:"id"`
	Label          string `json:"label"`
	InFlightLabel  string `json:"inFlightLabel,omitempty"`
	IntentAction   string `json:"intentAction,omitempty"`
	WillResolve    bool   `json:"willResolve"`
	SuccessMessage string `json:"successMessage,omitempty"`
}

// Issue is one safety issue reported by a source. DedupGroup and DedupID
// are both empty or both set; issues missing either are never deduplicated.
type Issue struct {
	ID         string        `json:"id"`
	Title      string        `json:"title"`
	Summary    string        `json:"summary"`
	Severity   SeverityLevel `json:"severity"`
	Category   Category      `json:"category"`
	DedupGroup string        `json:"dedupGroup,omitempty"`
	DedupID    string        `json:"dedupId,omitempty"`
	Actions    []Action      `json:"actions,omitempty"`
}

// Action returns the action with the given id, or nil.
func (i *Issue) Action(actionID string) *Action {
	for idx := range i.Actions {
		if i.Actions[idx].ID == actionID {
			return &i.Actions[idx]
		}
	}
	return nil
}

// SourceStatus is the overall state a source reports for itself.
type SourceStatus struct {
	Title    string        `json:"title"`
	Summary  string        `json:"summary"`
	Severity SeverityLevel `json:"severity"`
}

// SourceData is one source's complete report for one user. Reports replace
// the previous one wholesale; they are never merged.
type SourceData struct {
	Status *SourceStatus `json:"status,omitempty"`
	Issues []Issue       `json:"issues,omitempty"`
}

// Equal reports value equality between two reports. Used to decide whether
// an incoming report changes visible state.
func (d *SourceData) Equal(other *SourceData) bool {
	if d == nil || other == nil {
		return d == other
	}
	return reflect.DeepEqual(*d, *other)
}

// UserProfileGroup is a primary user together with its managed profiles.
type UserProfileGroup struct {
	ProfileParentID      int32   `json:"profileParentId"`
	ManagedProfileIDs    []int32 `json:"managedProfileIds,omitempty"`
	ManagedRunningStates []bool  `json:"managedRunningStates,omitempty"`
}

// RunningUserIDs returns the parent user plus all currently running
// managed profiles.
func (g UserProfileGroup) RunningUserIDs() []int32 {
	ids := []int32{g.ProfileParentID}
	for i, id := range g.ManagedProfileIDs {
		if i < len(g.ManagedRunningStates) && g.ManagedRunningStates[i] {
			ids = append(ids, id)
		}
	}
	return ids
}

// Contains reports whether the given user belongs to the profile group.
func (g UserProfileGroup) Contains(userID int32) bool {
	if userID == g.ProfileParentID {
		return true
	}
	for _, id := range g.ManagedProfileIDs {
		if id == userID {
			return true
		}
	}
	return false
}
