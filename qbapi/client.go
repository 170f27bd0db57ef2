// Package qbapi is the QuickBooks Online data API client used by the sync
// engine. It performs authenticated paged reads per entity and classifies
// failures so the engine's retry policy can tell transient from permanent.
package qbapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Vantage/vantage-books-sync/models"
)

// minorVersion pins the QBO API minor version for stable response shapes.
const minorVersion = "75"

// TokenSource supplies a live access token for one connection. Refresh is
// invoked after a 401 so the request can be retried once with new credentials.
type TokenSource interface {
	Token(ctx context.Context) (*models.TokenSet, error)
	Refresh(ctx context.Context) (*models.TokenSet, error)
}

// Record is one upstream record: its remote id plus the raw JSON payload.
type Record struct {
	RemoteID string
	Payload  json.RawMessage
}

// Page is one page of records for an entity.
type Page struct {
	Records []Record
	HasMore bool
}

// PageRequest addresses one page of one entity.
type PageRequest struct {
	RealmID  string
	Entity   models.EntityType
	StartPos int // 1-based STARTPOSITION
	PageSize int
	// Since limits the query to records updated after the watermark. Zero
	// means a full pull.
	Since time.Time
}

// APIError is a data API failure with enough detail for retry classification.
type APIError struct {
	StatusCode int
	Detail     string
	// RetryAfter is the upstream backoff hint from a 429, when present.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("quickbooks api error (status %d): %s", e.StatusCode, e.Detail)
}

// Transient reports whether the failure is worth retrying: rate limits,
// server errors, and anything below the HTTP layer.
func (e *APIError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500 || e.StatusCode == 0
}

// IsTransient classifies any error from FetchPage. Network-level failures
// (timeouts, resets) arrive unwrapped and count as transient.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	var decodeErr *json.SyntaxError
	if errors.As(err, &decodeErr) {
		return false
	}
	return true
}

// RetryAfterHint extracts the upstream backoff hint, or zero.
func RetryAfterHint(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// Client talks to the QBO data API for any connection; per-request auth comes
// from the TokenSource.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient builds the data API client.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// FetchPage reads one page of records. A 401 triggers exactly one refresh and
// retry; a second 401 is returned as-is.
func (c *Client) FetchPage(ctx context.Context, ts TokenSource, req PageRequest) (*Page, error) {
	tok, err := ts.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain access token: %w", err)
	}

	page, err := c.fetchOnce(ctx, tok.AccessToken, req)
	if err == nil {
		return page, nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
		c.logger.Info("access token rejected, refreshing once",
			zap.String("realm_id", req.RealmID),
			zap.String("entity", string(req.Entity)))
		tok, refreshErr := ts.Refresh(ctx)
		if refreshErr != nil {
			return nil, fmt.Errorf("token refresh after 401 failed: %w", refreshErr)
		}
		return c.fetchOnce(ctx, tok.AccessToken, req)
	}

	return nil, err
}

func (c *Client) fetchOnce(ctx context.Context, accessToken string, req PageRequest) (*Page, error) {
	if req.Entity == models.EntityReports {
		return c.fetchReport(ctx, accessToken, req)
	}
	return c.queryPage(ctx, accessToken, req)
}

// queryPage uses the QBO query endpoint with STARTPOSITION/MAXRESULTS paging.
func (c *Client) queryPage(ctx context.Context, accessToken string, req PageRequest) (*Page, error) {
	query := fmt.Sprintf("SELECT * FROM %s", req.Entity.Resource())
	if !req.Since.IsZero() {
		query += fmt.Sprintf(" WHERE Metadata.LastUpdatedTime >= '%s'", req.Since.UTC().Format(time.RFC3339))
	}
	query += fmt.Sprintf(" STARTPOSITION %d MAXRESULTS %d", req.StartPos, req.PageSize)

	endpoint := fmt.Sprintf("%s/v3/company/%s/query?query=%s&minorversion=%s",
		c.baseURL, url.PathEscape(req.RealmID), url.QueryEscape(query), minorVersion)

	body, err := c.get(ctx, accessToken, endpoint)
	if err != nil {
		return nil, err
	}

	// The query response keys the record array by resource name.
	var envelope struct {
		QueryResponse map[string]json.RawMessage `json:"QueryResponse"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode query response: %w", err)
	}

	raw, ok := envelope.QueryResponse[req.Entity.Resource()]
	if !ok {
		// Empty page: QBO omits the array entirely.
		return &Page{}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("failed to decode %s records: %w", req.Entity, err)
	}

	page := &Page{HasMore: len(items) == req.PageSize}
	for _, item := range items {
		var idHolder struct {
			ID string `json:"Id"`
		}
		if err := json.Unmarshal(item, &idHolder); err != nil || idHolder.ID == "" {
			return nil, fmt.Errorf("record without Id in %s response", req.Entity)
		}
		page.Records = append(page.Records, Record{RemoteID: idHolder.ID, Payload: item})
	}
	return page, nil
}

// reportTypes are the prebuilt reports mirrored for the reports entity.
var reportTypes = []string{"ProfitAndLoss", "BalanceSheet", "CashFlow"}

// fetchReport pulls the prebuilt report endpoints. Reports are not paged;
// each report type becomes one mirror record and the page is always final.
func (c *Client) fetchReport(ctx context.Context, accessToken string, req PageRequest) (*Page, error) {
	if req.StartPos > 1 {
		return &Page{}, nil
	}

	page := &Page{}
	for _, reportType := range reportTypes {
		endpoint := fmt.Sprintf("%s/v3/company/%s/reports/%s?minorversion=%s",
			c.baseURL, url.PathEscape(req.RealmID), reportType, minorVersion)

		body, err := c.get(ctx, accessToken, endpoint)
		if err != nil {
			return nil, err
		}
		page.Records = append(page.Records, Record{RemoteID: reportType, Payload: body})
	}
	return page, nil
}

func (c *Client) get(ctx context.Context, accessToken, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network-level failure: transient by classification.
		return nil, &APIError{StatusCode: 0, Detail: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{StatusCode: 0, Detail: err.Error()}
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Detail:     faultDetail(body, resp.StatusCode),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return body, nil
}

// faultDetail extracts the first Fault error from a QBO error body.
func faultDetail(body []byte, status int) string {
	var fault struct {
		Fault struct {
			Error []struct {
				Message string `json:"Message"`
				Code    string `json:"code"`
			} `json:"Error"`
		} `json:"Fault"`
	}
	if err := json.Unmarshal(body, &fault); err == nil && len(fault.Fault.Error) > 0 {
		return fmt.Sprintf("%s (%s)", fault.Fault.Error[0].Message, fault.Fault.Error[0].Code)
	}
	return http.StatusText(status)
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
