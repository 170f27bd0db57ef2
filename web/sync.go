package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/Vantage/vantage-books-sync/internal/database"
	"github.com/Vantage/vantage-books-sync/models"
	"github.com/Vantage/vantage-books-sync/syncer"
)

type triggerSyncRequest struct {
	ConnectionID string `json:"connection_id"`
	SyncType     string `json:"sync_type"`
	Scope        string `json:"scope"`
}

// triggerSync starts a manual, full or incremental run.
func (s *Server) triggerSync(w http.ResponseWriter, r *http.Request) {
	org := s.requireOrg(w, r)
	if org == "" {
		return
	}

	var req triggerSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderJSON(w, http.StatusUnprocessableEntity, models.APIError{
			Code: http.StatusUnprocessableEntity, Message: err.Error()})
		return
	}

	syncType := models.SyncType(req.SyncType)
	if syncType == "" {
		syncType = models.SyncManual
	}
	// Webhook-class runs ride the priority queue and are minted only by the
	// webhook intake, never by API callers.
	switch syncType {
	case models.SyncFull, models.SyncIncremental, models.SyncManual:
	default:
		renderJSON(w, http.StatusUnprocessableEntity, models.APIError{
			Code:    http.StatusUnprocessableEntity,
			Message: fmt.Sprintf("invalid sync_type %q", req.SyncType),
		})
		return
	}

	runID, err := s.engine.TriggerSync(r.Context(), &syncer.TriggerSyncInput{
		OrganizationID: org,
		ConnectionID:   req.ConnectionID,
		SyncType:       syncType,
		Scope:          req.Scope,
		TriggeredBy:    "api",
	})
	if err != nil {
		s.renderError(w, err)
		return
	}
	renderJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

type controlSyncRequest struct {
	Action string `json:"action"`
}

// controlSync pauses, resumes or cancels a run.
func (s *Server) controlSync(w http.ResponseWriter, r *http.Request) {
	org := s.requireOrg(w, r)
	if org == "" {
		return
	}

	var req controlSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderJSON(w, http.StatusUnprocessableEntity, models.APIError{
			Code: http.StatusUnprocessableEntity, Message: err.Error()})
		return
	}

	action := models.ControlAction(req.Action)
	switch action {
	case models.ControlPause, models.ControlResume, models.ControlCancel:
	default:
		renderJSON(w, http.StatusUnprocessableEntity, models.APIError{
			Code:    http.StatusUnprocessableEntity,
			Message: fmt.Sprintf("unknown action %q", req.Action),
		})
		return
	}

	runID := mux.Vars(r)["runID"]
	run, err := s.db.GetRun(r.Context(), runID)
	if err != nil {
		s.renderError(w, err)
		return
	}
	if run.OrganizationID != org {
		renderJSON(w, http.StatusNotFound, models.APIError{
			Code: http.StatusNotFound, Message: "run not found"})
		return
	}

	if err := s.engine.ControlSync(r.Context(), runID, action); err != nil {
		s.renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, map[string]string{"run_id": runID, "action": req.Action})
}

// syncHistory lists past runs, newest first. Filterable by connection,
// status and entity.
func (s *Server) syncHistory(w http.ResponseWriter, r *http.Request) {
	org := s.requireOrg(w, r)
	if org == "" {
		return
	}

	q := r.URL.Query()
	input := database.ListRunsInput{
		OrganizationID: org,
		ConnectionID:   q.Get("connection_id"),
		Status:         models.RunStatus(q.Get("status")),
		Entity:         models.EntityType(q.Get("entity")),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			input.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			input.Offset = n
		}
	}

	runs, err := s.db.ListRuns(r.Context(), input)
	if err != nil {
		s.renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, runs)
}

func (s *Server) getSyncConfig(w http.ResponseWriter, r *http.Request) {
	org := s.requireOrg(w, r)
	if org == "" {
		return
	}

	cfg, err := s.db.GetSyncConfig(r.Context(), org)
	if err != nil {
		s.renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, syncConfigResponse(cfg))
}

type syncConfigRequest struct {
	EnabledEntities []string `json:"enabled_entities"`
	SyncInterval    string   `json:"sync_interval"`
	FullSyncEvery   string   `json:"full_sync_every"`
	MaxRetries      int      `json:"max_retries"`
	RetryDelay      string   `json:"retry_delay"`
	MaxRecords      int      `json:"max_records_per_sync"`
	WebhookEnabled  bool     `json:"webhook_enabled"`
}

// putSyncConfig replaces the organization's sync settings. Durations are
// Go duration strings, e.g. "15m" or "24h".
func (s *Server) putSyncConfig(w http.ResponseWriter, r *http.Request) {
	org := s.requireOrg(w, r)
	if org == "" {
		return
	}

	var req syncConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderJSON(w, http.StatusUnprocessableEntity, models.APIError{
			Code: http.StatusUnprocessableEntity, Message: err.Error()})
		return
	}

	input := database.SaveSyncConfigInput{
		OrganizationID: org,
		MaxRetries:     req.MaxRetries,
		MaxRecords:     req.MaxRecords,
		WebhookEnabled: req.WebhookEnabled,
	}

	for _, name := range req.EnabledEntities {
		et, err := models.ParseEntityType(name)
		if err != nil {
			renderJSON(w, http.StatusUnprocessableEntity, models.APIError{
				Code: http.StatusUnprocessableEntity, Message: err.Error()})
			return
		}
		input.EnabledEntities = append(input.EnabledEntities, et)
	}

	durations := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{req.SyncInterval, "sync_interval", &input.SyncInterval},
		{req.FullSyncEvery, "full_sync_every", &input.FullSyncEvery},
		{req.RetryDelay, "retry_delay", &input.RetryDelay},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			renderJSON(w, http.StatusUnprocessableEntity, models.APIError{
				Code:    http.StatusUnprocessableEntity,
				Message: fmt.Sprintf("invalid %s: %v", d.name, err),
			})
			return
		}
		*d.dst = parsed
	}

	cfg, err := s.db.SaveSyncConfig(r.Context(), &input)
	if err != nil {
		s.renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, syncConfigResponse(cfg))
}

// syncConfigResponse renders durations as strings so GET output matches
// the PUT input format.
func syncConfigResponse(cfg *models.SyncConfig) map[string]any {
	names := make([]string, 0, len(cfg.Entities()))
	for _, et := range cfg.Entities() {
		names = append(names, string(et))
	}
	return map[string]any{
		"organization_id":      cfg.OrganizationID,
		"enabled_entities":     names,
		"sync_interval":        cfg.SyncInterval.String(),
		"full_sync_every":      cfg.FullSyncEvery.String(),
		"max_retries":          cfg.MaxRetries,
		"retry_delay":          cfg.RetryDelay.String(),
		"max_records_per_sync": cfg.MaxRecords,
		"webhook_enabled":      cfg.WebhookEnabled,
		"updated_at":           cfg.UpdatedAt,
	}
}
