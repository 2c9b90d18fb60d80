// Package api exposes the aggregation core over HTTP for the daemon:
// JSON endpoints mapping 1:1 to the DataManager facade, a Prometheus
// /metrics endpoint, and a websocket stream of data-changed events.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	sherrors "github.com/safehub/safehub/internal/errors"
	"github.com/safehub/safehub/internal/models"
	"github.com/safehub/safehub/internal/safetycenter"
	"github.com/safehub/safehub/internal/sourcedata"
)

// Server serves the safety center HTTP API.
type Server struct {
	manager *safetycenter.DataManager
	hub     *Hub
}

// NewServer creates a server over the facade and subscribes the
// websocket hub to change notifications.
func NewServer(manager *safetycenter.DataManager) *Server {
	s := &Server{manager: manager, hub: NewHub()}
	manager.Subscribe(s.hub.NotifyChanged)
	return s
}

// Hub returns the server's websocket hub; callers run and stop it.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Routes builds the HTTP routing table.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sources/{sourceID}/data", s.handleSetSourceData)
	mux.HandleFunc("GET /api/sources/{sourceID}/data", s.handleGetSourceData)
	mux.HandleFunc("POST /api/sources/{sourceID}/error", s.handleReportError)
	mux.HandleFunc("GET /api/users/{userID}/issues", s.handleGetIssues)
	mux.HandleFunc("POST /api/issues/dismiss", s.handleDismissIssue)
	mux.HandleFunc("POST /api/issues/dismiss-notification", s.handleDismissNotification)
	mux.HandleFunc("GET /api/issues/groups", s.handleGroupMapping)
	mux.HandleFunc("POST /api/actions/mark", s.handleMarkAction)
	mux.HandleFunc("POST /api/actions/unmark", s.handleUnmarkAction)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws", s.hub.ServeWS)
	return mux
}

// callerPayload is the caller identity sent with source requests.
type callerPayload struct {
	PackageName string   `json:"packageName"`
	CertHashes  []string `json:"certHashes,omitempty"`
}

func (p callerPayload) caller() sourcedata.Caller {
	return sourcedata.Caller{PackageName: p.PackageName, CertHashes: p.CertHashes}
}

type setSourceDataRequest struct {
	Data   *models.SourceData `json:"data"`
	Event  models.SafetyEvent `json:"event"`
	Caller callerPayload      `json:"caller"`
	UserID int32              `json:"userId"`
}

func (s *Server) handleSetSourceData(w http.ResponseWriter, r *http.Request) {
	var req setSourceDataRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := s.manager.SetSourceData(req.Data, r.PathValue("sourceID"), req.Event, req.Caller.caller(), req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetSourceData(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}
	caller := sourcedata.Caller{
		PackageName: r.URL.Query().Get("package"),
		CertHashes:  r.URL.Query()["cert"],
	}
	data, err := s.manager.GetSourceData(r.PathValue("sourceID"), caller, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

type reportErrorRequest struct {
	Error  models.SourceError `json:"error"`
	Caller callerPayload      `json:"caller"`
	UserID int32              `json:"userId"`
}

func (s *Server) handleReportError(w http.ResponseWriter, r *http.Request) {
	var req reportErrorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.manager.ReportError(req.Error, r.PathValue("sourceID"), req.Caller.caller(), req.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetIssues(w http.ResponseWriter, r *http.Request) {
	userID64, err := strconv.ParseInt(r.PathValue("userID"), 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user id"})
		return
	}
	writeJSON(w, http.StatusOK, s.manager.GetIssuesForUser(int32(userID64)))
}

func (s *Server) handleDismissIssue(w http.ResponseWriter, r *http.Request) {
	var key models.IssueKey
	if !decodeBody(w, r, &key) {
		return
	}
	s.manager.DismissIssue(key)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDismissNotification(w http.ResponseWriter, r *http.Request) {
	var key models.IssueKey
	if !decodeBody(w, r, &key) {
		return
	}
	s.manager.DismissNotification(key)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGroupMapping(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}
	key := models.IssueKey{
		SourceID:      r.URL.Query().Get("sourceId"),
		SourceIssueID: r.URL.Query().Get("issueId"),
		UserID:        userID,
	}
	groups := s.manager.GetGroupMappingFor(key)
	if groups == nil {
		groups = []string{}
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleMarkAction(w http.ResponseWriter, r *http.Request) {
	var actionID models.ActionID
	if !decodeBody(w, r, &actionID) {
		return
	}
	s.manager.MarkActionInFlight(actionID)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type unmarkActionRequest struct {
	Action  models.ActionID      `json:"action"`
	Outcome models.ActionOutcome `json:"outcome"`
}

func (s *Server) handleUnmarkAction(w http.ResponseWriter, r *http.Request) {
	var req unmarkActionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	changed := s.manager.UnmarkActionInFlight(req.Action, req.Outcome)
	writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

func queryUserID(w http.ResponseWriter, r *http.Request) (int32, bool) {
	raw := r.URL.Query().Get("user")
	userID64, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid or missing user parameter"})
		return 0, false
	}
	return int32(userID64), true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	if !sherrors.IsInvalidRequest(err) {
		log.Error().Err(err).Msg("Request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	status := http.StatusBadRequest
	var reqErr *sherrors.RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.Type {
		case sherrors.ErrorTypeNotFound:
			status = http.StatusNotFound
		case sherrors.ErrorTypeIdentity:
			status = http.StatusForbidden
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("Failed to encode API response")
	}
}
