// Package web exposes the connector's HTTP surface: the OAuth connect and
// callback flow, sync control, history, freshness, and the webhook intake.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Vantage/vantage-books-sync/freshness"
	"github.com/Vantage/vantage-books-sync/internal/database"
	"github.com/Vantage/vantage-books-sync/models"
	"github.com/Vantage/vantage-books-sync/oauth"
	"github.com/Vantage/vantage-books-sync/syncer"
	"github.com/Vantage/vantage-books-sync/webhook"
)

// orgHeader carries the caller's organization. The service sits behind the
// platform gateway, which authenticates the caller and sets the header.
const orgHeader = "X-Org-ID"

// Server wires the HTTP handlers to the domain services.
type Server struct {
	addr    string
	oauth   *oauth.Service
	engine  *syncer.Engine
	db      *database.Db
	fresh   *freshness.Aggregator
	hooks   *webhook.Processor
	logger  *zap.Logger
	httpSrv *http.Server
}

// NewServer builds the HTTP server. Pass nil for hooks to disable the
// webhook intake route.
func NewServer(addr string, oauthSvc *oauth.Service, engine *syncer.Engine, db *database.Db, fresh *freshness.Aggregator, hooks *webhook.Processor, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		addr:   addr,
		oauth:  oauthSvc,
		engine: engine,
		db:     db,
		fresh:  fresh,
		hooks:  hooks,
		logger: logger,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/connect", s.connect).Methods(http.MethodPost)
	api.HandleFunc("/callback", s.callback).Methods(http.MethodGet)
	api.HandleFunc("/connections", s.listConnections).Methods(http.MethodGet)
	api.HandleFunc("/connections/{id}", s.getConnection).Methods(http.MethodGet)
	api.HandleFunc("/connections/{id}", s.disconnect).Methods(http.MethodDelete)

	api.HandleFunc("/sync", s.triggerSync).Methods(http.MethodPost)
	api.HandleFunc("/sync/history", s.syncHistory).Methods(http.MethodGet)
	api.HandleFunc("/sync/config", s.getSyncConfig).Methods(http.MethodGet)
	api.HandleFunc("/sync/config", s.putSyncConfig).Methods(http.MethodPut)
	api.HandleFunc("/sync/{runID}/control", s.controlSync).Methods(http.MethodPost)

	api.HandleFunc("/freshness", s.getFreshness).Methods(http.MethodGet)

	if s.hooks != nil {
		api.HandleFunc("/webhooks/quickbooks", s.webhookIntake).Methods(http.MethodPost)
	}

	return r
}

// Start serves until the context is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	renderJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// orgID extracts the organization from the gateway header.
func orgID(r *http.Request) string {
	return r.Header.Get(orgHeader)
}

// requireOrg writes a 400 and returns "" when the org header is missing.
func (s *Server) requireOrg(w http.ResponseWriter, r *http.Request) string {
	org := orgID(r)
	if org == "" {
		renderJSON(w, http.StatusBadRequest, models.APIError{
			Code:    http.StatusBadRequest,
			Message: "missing " + orgHeader + " header",
		})
	}
	return org
}

func renderJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// renderError maps domain errors onto HTTP statuses.
func (s *Server) renderError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, database.ErrConnectionNotFound),
		errors.Is(err, database.ErrRunNotFound),
		errors.Is(err, oauth.ErrNoActiveConnection):
		status = http.StatusNotFound
	case errors.Is(err, database.ErrSyncAlreadyRunning),
		errors.Is(err, database.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, oauth.ErrInvalidState),
		errors.Is(err, oauth.ErrExpiredState):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, database.ErrInvalidInput):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, oauth.ErrDependency):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	renderJSON(w, status, models.APIError{Code: status, Message: err.Error()})
}
