package web

import (
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/Vantage/vantage-books-sync/models"
)

// getFreshness returns the per-entity freshness report and health grade for
// the default connection, or for ?connection_id= when given.
func (s *Server) getFreshness(w http.ResponseWriter, r *http.Request) {
	org := s.requireOrg(w, r)
	if org == "" {
		return
	}

	report, err := s.fresh.GetFreshness(r.Context(), org, r.URL.Query().Get("connection_id"))
	if err != nil {
		s.renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, report)
}

// webhookIntake accepts Intuit change notifications. It always acknowledges
// parseable payloads quickly so Intuit does not disable the subscription.
func (s *Server) webhookIntake(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		renderJSON(w, http.StatusBadRequest, models.APIError{
			Code: http.StatusBadRequest, Message: "failed to read body"})
		return
	}

	if err := s.hooks.Process(r.Context(), body); err != nil {
		s.logger.Error("webhook processing failed", zap.Error(err))
		renderJSON(w, http.StatusInternalServerError, models.APIError{
			Code: http.StatusInternalServerError, Message: "webhook processing failed"})
		return
	}
	w.WriteHeader(http.StatusOK)
}
