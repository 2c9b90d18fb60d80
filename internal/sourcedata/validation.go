package sourcedata

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/safehub/safehub/internal/config"
	sherrors "github.com/safehub/safehub/internal/errors"
	"github.com/safehub/safehub/internal/models"
)

// validateRequest enforces the caller-identity and configuration rules
// shared by every read and write. A failure indicates a misbehaving or
// malicious caller and is fatal to the single call.
func (r *Repository) validateRequest(op, sourceID string, caller Caller, userID int32) (*config.Source, error) {
	source, ok := r.cfg.Source(sourceID)
	if !ok {
		return nil, sherrors.NewRequestError(sherrors.ErrorTypeNotFound, op, sourceID, userID, sherrors.ErrUnknownSource)
	}
	if !source.Enabled {
		return nil, sherrors.Validationf(op, sourceID, userID, "source is disabled")
	}
	if source.Type == config.SourceTypeStatic {
		return nil, sherrors.Validationf(op, sourceID, userID, "static sources cannot interact with the safety center")
	}
	if caller.PackageName != source.PackageName {
		return nil, sherrors.NewRequestError(sherrors.ErrorTypeIdentity, op, sourceID, userID, sherrors.ErrWrongPackage)
	}
	if !r.cfg.MatchesCert(sourceID, caller.CertHashes) {
		return nil, sherrors.NewRequestError(sherrors.ErrorTypeIdentity, op, sourceID, userID, sherrors.ErrBadCertificate)
	}
	if r.isManagedProfile(userID) && !source.ManagedProfiles {
		return nil, sherrors.NewRequestError(sherrors.ErrorTypeUnsupported, op, sourceID, userID,
			errors.New("source does not support managed profiles"))
	}
	return source, nil
}

// validateData enforces the content rules on an incoming report: status
// presence per source type, severity bounds, and the per-source issue
// category allowlist.
func (r *Repository) validateData(op string, source *config.Source, data *models.SourceData, userID int32) error {
	switch source.Type {
	case config.SourceTypeDynamic:
		if data.Status == nil {
			return sherrors.Validationf(op, source.ID, userID, "dynamic source must provide a status")
		}
	case config.SourceTypeIssueOnly:
		if data.Status != nil {
			return sherrors.Validationf(op, source.ID, userID, "issue-only source cannot provide a status")
		}
	}
	if data.Status != nil && data.Status.Severity > source.MaxSeverity {
		return sherrors.Validationf(op, source.ID, userID,
			"status severity %s exceeds allowed maximum %s", data.Status.Severity, source.MaxSeverity)
	}
	for i := range data.Issues {
		issue := &data.Issues[i]
		if issue.ID == "" {
			return sherrors.Validationf(op, source.ID, userID, "issue without an id")
		}
		if issue.Severity == models.SeverityUnspecified {
			return sherrors.Validationf(op, source.ID, userID, "issue %q has unspecified severity", issue.ID)
		}
		if issue.Severity > source.MaxSeverity {
			return sherrors.Validationf(op, source.ID, userID,
				"issue %q severity %s exceeds allowed maximum %s", issue.ID, issue.Severity, source.MaxSeverity)
		}
		if !source.AllowsCategory(issue.Category) {
			return sherrors.Validationf(op, source.ID, userID,
				"issue %q category %q not allowed for this source", issue.ID, issue.Category)
		}
		if (issue.DedupGroup == "") != (issue.DedupID == "") {
			return sherrors.Validationf(op, source.ID, userID,
				"issue %q must set both dedup group and dedup id or neither", issue.ID)
		}
	}
	return nil
}

// processEvent dispatches on the event kind accompanying a report or
// error. It runs before new data is applied so it can see prior state.
// Returns whether the event itself changed visible state.
func (r *Repository) processEvent(op, sourceID string, event models.SafetyEvent, userID int32) (bool, error) {
	switch event.Type {
	case models.EventRefreshRequested:
		if event.RefreshBroadcastID == "" {
			return false, sherrors.Validationf(op, sourceID, userID, "refresh event without a broadcast id")
		}
		key := models.SourceKey{SourceID: sourceID, UserID: userID}
		return r.refreshes.Complete(event.RefreshBroadcastID, key), nil

	case models.EventActionSucceeded, models.EventActionFailed:
		if event.SourceIssueID == "" || event.SourceActionID == "" {
			return false, sherrors.Validationf(op, sourceID, userID, "action event without issue and action ids")
		}
		issueKey := models.IssueKey{SourceID: sourceID, SourceIssueID: event.SourceIssueID, UserID: userID}
		actionID := models.ActionID{Issue: issueKey, SourceActionID: event.SourceActionID}
		outcome := models.OutcomeSucceeded
		if event.Type == models.EventActionFailed {
			outcome = models.OutcomeFailed
		}
		return r.actions.UnmarkInFlight(actionID, r.Issue(issueKey), outcome), nil

	case models.EventSourceStateChanged, models.EventDeviceLocaleChanged, models.EventDeviceRebooted:
		return false, nil

	default:
		// Newer platforms may send event kinds this core does not know;
		// forward compatibility requires treating them as no-ops.
		log.Warn().Str("sourceId", sourceID).Str("eventType", string(event.Type)).Msg("Ignoring unknown safety event type")
		return false, nil
	}
}
