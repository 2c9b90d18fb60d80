package inflight

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/safehub/safehub/internal/models"
)

func actionID(source, issue, action string, user int32) models.ActionID {
	return models.ActionID{
		Issue:          models.IssueKey{SourceID: source, SourceIssueID: issue, UserID: user},
		SourceActionID: action,
	}
}

func issueWithAction(issueID, actionID string) *models.Issue {
	return &models.Issue{
		ID:      issueID,
		Actions: []models.Action{{ID: actionID, Label: "Fix it"}},
	}
}

func TestInFlightHidesAction(t *testing.T) {
	tr := NewTracker()
	id := actionID("src", "i1", "a1", 0)
	issue := issueWithAction("i1", "a1")

	assert.NotNil(t, tr.Action(id, issue), "resolves before marking")

	tr.MarkInFlight(id)
	assert.True(t, tr.IsInFlight(id))
	assert.Nil(t, tr.Action(id, issue), "in-flight actions are hidden from re-triggering")

	changed := tr.UnmarkInFlight(id, issue, models.OutcomeSucceeded)
	assert.True(t, changed)
	assert.False(t, tr.IsInFlight(id))
	assert.NotNil(t, tr.Action(id, issue), "resolves again after unmarking")
}

func TestUnmarkAlwaysRemovesButReportsNoChangeWithoutIssue(t *testing.T) {
	tr := NewTracker()
	id := actionID("src", "i1", "a1", 0)

	tr.MarkInFlight(id)
	changed := tr.UnmarkInFlight(id, nil, models.OutcomeCleared)
	assert.False(t, changed, "nil issue means nothing visible changed")
	assert.False(t, tr.IsInFlight(id), "entry removed regardless")
}

func TestUnmarkReportsNoChangeWhenActionVanished(t *testing.T) {
	tr := NewTracker()
	id := actionID("src", "i1", "a1", 0)
	tr.MarkInFlight(id)

	// The issue still exists, but the action id no longer resolves.
	issue := issueWithAction("i1", "other-action")
	changed := tr.UnmarkInFlight(id, issue, models.OutcomeSucceeded)
	assert.False(t, changed)
	assert.False(t, tr.IsInFlight(id))
}

func TestUnmarkUnknownActionWarnsAndReturnsFalse(t *testing.T) {
	tr := NewTracker()
	changed := tr.UnmarkInFlight(actionID("src", "i1", "a1", 0), issueWithAction("i1", "a1"), models.OutcomeSucceeded)
	assert.False(t, changed)
}

func TestMarkOverwritesStartTime(t *testing.T) {
	tr := NewTracker()
	id := actionID("src", "i1", "a1", 0)

	base := time.Now()
	tr.now = func() time.Time { return base }
	tr.MarkInFlight(id)

	tr.now = func() time.Time { return base.Add(time.Minute) }
	tr.MarkInFlight(id)
	assert.Equal(t, base.Add(time.Minute), tr.actions[id])
}

func TestActionsForSource(t *testing.T) {
	tr := NewTracker()
	tr.MarkInFlight(actionID("srcA", "i1", "a1", 0))
	tr.MarkInFlight(actionID("srcA", "i2", "a1", 0))
	tr.MarkInFlight(actionID("srcA", "i1", "a1", 1))
	tr.MarkInFlight(actionID("srcB", "i1", "a1", 0))

	got := tr.ActionsForSource("srcA", 0)
	assert.Len(t, got, 2)
	for _, id := range got {
		assert.Equal(t, "srcA", id.Issue.SourceID)
		assert.Equal(t, int32(0), id.Issue.UserID)
	}
}

func TestClearForUser(t *testing.T) {
	tr := NewTracker()
	tr.MarkInFlight(actionID("src", "i1", "a1", 0))
	tr.MarkInFlight(actionID("src", "i1", "a1", 1))

	tr.ClearForUser(1)
	assert.True(t, tr.IsInFlight(actionID("src", "i1", "a1", 0)))
	assert.False(t, tr.IsInFlight(actionID("src", "i1", "a1", 1)))
}
