package qbapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vantage/vantage-books-sync/models"
)

// staticTokenSource serves a fixed token and counts refreshes.
type staticTokenSource struct {
	token        string
	refreshed    string
	refreshCalls int
	refreshErr   error
}

func (s *staticTokenSource) Token(context.Context) (*models.TokenSet, error) {
	return &models.TokenSet{AccessToken: s.token, RealmID: "realm-1"}, nil
}

func (s *staticTokenSource) Refresh(context.Context) (*models.TokenSet, error) {
	s.refreshCalls++
	if s.refreshErr != nil {
		return nil, s.refreshErr
	}
	return &models.TokenSet{AccessToken: s.refreshed, RealmID: "realm-1"}, nil
}

func customerPage(n int, startID int) map[string]any {
	items := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, map[string]any{
			"Id":          fmt.Sprintf("%d", startID+i),
			"DisplayName": fmt.Sprintf("Customer %d", startID+i),
		})
	}
	return map[string]any{"QueryResponse": map[string]any{"Customer": items}}
}

func TestFetchPageQuery(t *testing.T) {
	ctx := context.Background()

	t.Run("full page sets HasMore", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			assert.Equal(t, "/v3/company/realm-1/query", r.URL.Path)

			query := r.URL.Query().Get("query")
			assert.Contains(t, query, "SELECT * FROM Customer")
			assert.Contains(t, query, "STARTPOSITION 1 MAXRESULTS 2")
			assert.Equal(t, minorVersion, r.URL.Query().Get("minorversion"))

			_ = json.NewEncoder(w).Encode(customerPage(2, 1))
		}))
		defer srv.Close()

		c := NewClient(srv.URL, 5*time.Second, nil)
		page, err := c.FetchPage(ctx, &staticTokenSource{token: "tok"}, PageRequest{
			RealmID: "realm-1", Entity: models.EntityCustomers, StartPos: 1, PageSize: 2,
		})
		require.NoError(t, err)
		require.Len(t, page.Records, 2)
		assert.True(t, page.HasMore)
		assert.Equal(t, "1", page.Records[0].RemoteID)
		assert.JSONEq(t, `{"Id":"1","DisplayName":"Customer 1"}`, string(page.Records[0].Payload))
	})

	t.Run("short page is final", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(customerPage(1, 5))
		}))
		defer srv.Close()

		c := NewClient(srv.URL, 5*time.Second, nil)
		page, err := c.FetchPage(ctx, &staticTokenSource{token: "tok"}, PageRequest{
			RealmID: "realm-1", Entity: models.EntityCustomers, StartPos: 1, PageSize: 2,
		})
		require.NoError(t, err)
		assert.Len(t, page.Records, 1)
		assert.False(t, page.HasMore)
	})

	t.Run("empty response omits record array", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"QueryResponse":{}}`))
		}))
		defer srv.Close()

		c := NewClient(srv.URL, 5*time.Second, nil)
		page, err := c.FetchPage(ctx, &staticTokenSource{token: "tok"}, PageRequest{
			RealmID: "realm-1", Entity: models.EntityCustomers, StartPos: 1, PageSize: 2,
		})
		require.NoError(t, err)
		assert.Empty(t, page.Records)
		assert.False(t, page.HasMore)
	})

	t.Run("incremental query carries the watermark", func(t *testing.T) {
		since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			query := r.URL.Query().Get("query")
			assert.Contains(t, query, "WHERE Metadata.LastUpdatedTime >= '2026-03-01T12:00:00Z'")
			_ = json.NewEncoder(w).Encode(customerPage(0, 0))
		}))
		defer srv.Close()

		c := NewClient(srv.URL, 5*time.Second, nil)
		_, err := c.FetchPage(ctx, &staticTokenSource{token: "tok"}, PageRequest{
			RealmID: "realm-1", Entity: models.EntityCustomers, StartPos: 1, PageSize: 2, Since: since,
		})
		require.NoError(t, err)
	})

	t.Run("record without Id is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"QueryResponse":{"Customer":[{"DisplayName":"no id"}]}}`))
		}))
		defer srv.Close()

		c := NewClient(srv.URL, 5*time.Second, nil)
		_, err := c.FetchPage(ctx, &staticTokenSource{token: "tok"}, PageRequest{
			RealmID: "realm-1", Entity: models.EntityCustomers, StartPos: 1, PageSize: 2,
		})
		assert.Error(t, err)
	})
}

func TestFetchPage401Refresh(t *testing.T) {
	ctx := context.Background()

	t.Run("single refresh and retry", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "Bearer stale" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(customerPage(1, 1))
		}))
		defer srv.Close()

		ts := &staticTokenSource{token: "stale", refreshed: "fresh"}
		c := NewClient(srv.URL, 5*time.Second, nil)
		page, err := c.FetchPage(ctx, ts, PageRequest{
			RealmID: "realm-1", Entity: models.EntityCustomers, StartPos: 1, PageSize: 2,
		})
		require.NoError(t, err)
		assert.Len(t, page.Records, 1)
		assert.Equal(t, 1, ts.refreshCalls)
	})

	t.Run("second 401 is returned", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		ts := &staticTokenSource{token: "stale", refreshed: "still-stale"}
		c := NewClient(srv.URL, 5*time.Second, nil)
		_, err := c.FetchPage(ctx, ts, PageRequest{
			RealmID: "realm-1", Entity: models.EntityCustomers, StartPos: 1, PageSize: 2,
		})
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
		assert.Equal(t, 1, ts.refreshCalls)
	})

	t.Run("refresh failure is surfaced", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		ts := &staticTokenSource{token: "stale", refreshErr: fmt.Errorf("refresh grant rejected")}
		c := NewClient(srv.URL, 5*time.Second, nil)
		_, err := c.FetchPage(ctx, ts, PageRequest{
			RealmID: "realm-1", Entity: models.EntityCustomers, StartPos: 1, PageSize: 2,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "refresh after 401")
	})
}

func TestFetchPageErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("429 carries the Retry-After hint", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		c := NewClient(srv.URL, 5*time.Second, nil)
		_, err := c.FetchPage(ctx, &staticTokenSource{token: "tok"}, PageRequest{
			RealmID: "realm-1", Entity: models.EntityCustomers, StartPos: 1, PageSize: 2,
		})
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.True(t, apiErr.Transient())
		assert.Equal(t, 30*time.Second, RetryAfterHint(err))
	})

	t.Run("fault body is decoded", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"Fault":{"Error":[{"Message":"Invalid query","code":"4000"}]}}`))
		}))
		defer srv.Close()

		c := NewClient(srv.URL, 5*time.Second, nil)
		_, err := c.FetchPage(ctx, &staticTokenSource{token: "tok"}, PageRequest{
			RealmID: "realm-1", Entity: models.EntityCustomers, StartPos: 1, PageSize: 2,
		})
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Contains(t, apiErr.Detail, "Invalid query")
		assert.Contains(t, apiErr.Detail, "4000")
		assert.False(t, apiErr.Transient())
	})

	t.Run("network failure classifies transient", func(t *testing.T) {
		c := NewClient("http://127.0.0.1:1", time.Second, nil)
		_, err := c.FetchPage(ctx, &staticTokenSource{token: "tok"}, PageRequest{
			RealmID: "realm-1", Entity: models.EntityCustomers, StartPos: 1, PageSize: 2,
		})
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	})
}

func TestFetchReports(t *testing.T) {
	ctx := context.Background()

	t.Run("one record per report type", func(t *testing.T) {
		var paths []string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			paths = append(paths, r.URL.Path)
			_, _ = w.Write([]byte(`{"Header":{"ReportName":"x"}}`))
		}))
		defer srv.Close()

		c := NewClient(srv.URL, 5*time.Second, nil)
		page, err := c.FetchPage(ctx, &staticTokenSource{token: "tok"}, PageRequest{
			RealmID: "realm-1", Entity: models.EntityReports, StartPos: 1, PageSize: 100,
		})
		require.NoError(t, err)
		require.Len(t, page.Records, 3)
		assert.False(t, page.HasMore)
		assert.Equal(t, "ProfitAndLoss", page.Records[0].RemoteID)
		assert.Contains(t, paths, "/v3/company/realm-1/reports/BalanceSheet")
	})

	t.Run("reports are a single page", func(t *testing.T) {
		c := NewClient("http://unused", time.Second, nil)
		page, err := c.FetchPage(ctx, &staticTokenSource{token: "tok"}, PageRequest{
			RealmID: "realm-1", Entity: models.EntityReports, StartPos: 101, PageSize: 100,
		})
		require.NoError(t, err)
		assert.Empty(t, page.Records)
		assert.False(t, page.HasMore)
	})
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", &APIError{StatusCode: 429}, true},
		{"server error", &APIError{StatusCode: 503}, true},
		{"network", &APIError{StatusCode: 0}, true},
		{"bad request", &APIError{StatusCode: 400}, false},
		{"unauthorized", &APIError{StatusCode: 401}, false},
		{"json syntax", &json.SyntaxError{}, false},
		{"unknown error", fmt.Errorf("connection reset"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}
