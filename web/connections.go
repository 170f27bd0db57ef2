package web

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Vantage/vantage-books-sync/models"
	"github.com/Vantage/vantage-books-sync/oauth"
)

type connectRequest struct {
	RedirectURL    string `json:"redirect_url"`
	ConnectionName string `json:"connection_name"`
	IsAdditional   bool   `json:"is_additional"`
}

// connect starts the OAuth flow and returns the Intuit authorize URL.
func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	org := s.requireOrg(w, r)
	if org == "" {
		return
	}

	var req connectRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			renderJSON(w, http.StatusUnprocessableEntity, models.APIError{
				Code: http.StatusUnprocessableEntity, Message: err.Error()})
			return
		}
	}

	grant, err := s.oauth.GenerateAuthorizationURL(r.Context(), org, oauth.AuthorizeOptions{
		RedirectURL:    req.RedirectURL,
		ConnectionName: req.ConnectionName,
		IsAdditional:   req.IsAdditional,
	})
	if err != nil {
		s.renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, grant)
}

// callback completes the OAuth flow. Intuit redirects the browser here, so
// the org comes from the stored state rather than the gateway header.
func (s *Server) callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("code")
	state := q.Get("state")
	realmID := q.Get("realmId")

	if code == "" || state == "" || realmID == "" {
		renderJSON(w, http.StatusUnprocessableEntity, models.APIError{
			Code:    http.StatusUnprocessableEntity,
			Message: "code, state and realmId query parameters are required",
		})
		return
	}

	tokens, err := s.oauth.ExchangeCodeForTokens(r.Context(), code, state, realmID)
	if err != nil {
		s.renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, map[string]any{
		"realm_id":   tokens.RealmID,
		"expires_at": tokens.ExpiresAt,
	})
}

func (s *Server) listConnections(w http.ResponseWriter, r *http.Request) {
	org := s.requireOrg(w, r)
	if org == "" {
		return
	}

	summaries, err := s.oauth.GetAllConnections(r.Context(), org)
	if err != nil {
		s.renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, summaries)
}

func (s *Server) getConnection(w http.ResponseWriter, r *http.Request) {
	org := s.requireOrg(w, r)
	if org == "" {
		return
	}

	conn, err := s.db.GetConnection(r.Context(), org, mux.Vars(r)["id"])
	if err != nil {
		s.renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, conn.Summary())
}

// disconnect revokes a connection's tokens and marks it revoked.
func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	org := s.requireOrg(w, r)
	if org == "" {
		return
	}

	if err := s.oauth.RevokeTokens(r.Context(), org, mux.Vars(r)["id"]); err != nil {
		s.renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
