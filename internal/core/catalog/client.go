// Package catalog is the HTTP client for the external botanical catalog.
//
// Every call passes admission control in a fixed order: the external rate
// limit class first, then the circuit breaker. A call denied by the limiter
// never touches the breaker, and a call rejected by the breaker never touches
// the network.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/florasync/florasync/internal/core"
	"github.com/florasync/florasync/internal/core/engine"
	"github.com/florasync/florasync/internal/metrics"
	"github.com/florasync/florasync/internal/observability"
)

const (
	defaultTimeout  = 15 * time.Second
	defaultPageSize = 50
	listPath        = "/species-list"
	detailPath      = "/species/details/{id}"
)

// Config configures a Client.
type Config struct {
	Provider  string
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string

	// RequestsPerSecond paces calls inside the rate-limit window. Zero
	// disables pacing.
	RequestsPerSecond float64
	Burst             int

	Limiter    *engine.RateLimiter
	Breaker    *engine.CircuitBreaker
	HTTPClient *http.Client
	Logger     *logging.Logger
	Clock      func() time.Time
}

// Client fetches species pages and details from the provider.
type Client struct {
	provider string
	apiKey   string
	timeout  time.Duration
	http     *resty.Client
	limiter  *engine.RateLimiter
	breaker  *engine.CircuitBreaker
	pacer    *rate.Limiter
	logger   *logging.Logger
	clock    func() time.Time
}

// New builds a client. Limiter and Breaker are required.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("catalog base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid catalog base URL: %w", err)
	}
	if cfg.Limiter == nil || cfg.Breaker == nil {
		return nil, errors.New("catalog client requires a rate limiter and a circuit breaker")
	}
	if cfg.Provider == "" {
		cfg.Provider = "catalog"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	var rc *resty.Client
	if cfg.HTTPClient != nil {
		rc = resty.NewWithClient(cfg.HTTPClient)
	} else {
		rc = resty.New()
	}
	rc.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Accept", "application/json").
		SetRetryCount(0)
	if cfg.UserAgent != "" {
		rc.SetHeader("User-Agent", cfg.UserAgent)
	}

	c := &Client{
		provider: cfg.Provider,
		apiKey:   cfg.APIKey,
		timeout:  cfg.Timeout,
		http:     rc,
		limiter:  cfg.Limiter,
		breaker:  cfg.Breaker,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.pacer = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c, nil
}

// Provider returns the provider name used for limiter keys and cursors.
func (c *Client) Provider() string {
	return c.provider
}

// FetchPage fetches the page addressed by cursor. An empty cursor is page 1.
func (c *Client) FetchPage(ctx context.Context, cursor string, pageSize int) (*core.CatalogPage, error) {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	number := PageFromCursor(cursor)

	body, err := c.do(ctx, "fetch_page", listPath, nil, map[string]string{
		"page":     strconv.Itoa(number),
		"per_page": strconv.Itoa(pageSize),
	})
	if err != nil {
		return nil, err
	}

	var payload listResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &core.UpstreamError{Op: "fetch_page", StatusCode: http.StatusOK, Message: "malformed listing: " + err.Error()}
	}

	page := &core.CatalogPage{
		Items:    make([]core.CatalogItem, 0, len(payload.Data)),
		Number:   number,
		LastPage: payload.LastPage,
		Total:    payload.Total,
	}
	if payload.CurrentPage > 0 {
		page.Number = payload.CurrentPage
	}
	for _, dto := range payload.Data {
		item := dto.item()
		if item.ID == "" {
			continue
		}
		page.Items = append(page.Items, item)
	}
	page.HasMore = page.LastPage > page.Number
	if page.HasMore {
		page.NextCursor = Cursor(page.Number + 1)
	}
	return page, nil
}

// FetchByID fetches one species. A 404 returns core.ErrNotFound.
func (c *Client) FetchByID(ctx context.Context, id string) (*core.CatalogItem, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("catalog item id is required")
	}

	body, err := c.do(ctx, "fetch_by_id", detailPath, map[string]string{"id": id}, nil)
	if err != nil {
		return nil, err
	}

	var dto speciesDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		return nil, &core.UpstreamError{Op: "fetch_by_id", StatusCode: http.StatusOK, Message: "malformed detail: " + err.Error()}
	}
	item := dto.item()
	if item.ID == "" {
		item.ID = id
	}
	return &item, nil
}

func (c *Client) do(ctx context.Context, op, path string, pathParams, query map[string]string) ([]byte, error) {
	started := c.now()

	decision := c.limiter.Check(ctx, c.provider, engine.ClassExternal)
	if !decision.Allowed {
		metrics.RecordCatalogRequest(op, "throttled", 0)
		return nil, &core.ThrottledError{
			Scope:      c.provider,
			ResetAt:    decision.ResetAt,
			RetryAfter: max(decision.ResetAt.Sub(started), 0),
		}
	}

	pass, err := c.breaker.Allow(ctx)
	if err != nil {
		metrics.RecordCatalogRequest(op, "circuit_open", 0)
		unavailable := &core.UnavailableError{Dependency: c.provider, Err: err}
		var openErr *engine.CircuitOpenError
		if errors.As(err, &openErr) {
			unavailable.RetryAt = openErr.RetryAt
		}
		return nil, unavailable
	}
	defer func() { _ = pass.Close() }()

	if c.pacer != nil {
		if err := c.pacer.Wait(ctx); err != nil {
			_ = pass.Neutral()
			return nil, err
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := map[string]string{"key": c.apiKey}
	for k, v := range query {
		params[k] = v
	}
	req := c.http.R().SetContext(reqCtx).SetQueryParams(params)
	if len(pathParams) > 0 {
		req.SetPathParams(pathParams)
	}
	resp, err := req.Get(path)
	elapsed := c.now().Sub(started)

	if err != nil {
		if ctx.Err() != nil {
			// The caller gave up; that says nothing about the provider.
			_ = pass.Neutral()
			return nil, ctx.Err()
		}
		_ = pass.Failure()
		metrics.RecordCatalogRequest(op, "transient", elapsed)
		timeout := isTimeout(err)
		observability.Resolve(c.logger).Warn("Catalog request failed",
			zap.String("provider", c.provider),
			zap.String("op", op),
			zap.Bool("timeout", timeout),
			zap.Error(err))
		return nil, &core.TransientError{Op: op, Timeout: timeout, Err: err}
	}

	status := resp.StatusCode()
	switch {
	case status >= 200 && status < 300:
		_ = pass.Success()
		metrics.RecordCatalogRequest(op, "success", elapsed)
		return resp.Body(), nil
	case status == http.StatusTooManyRequests:
		_ = pass.Neutral()
		metrics.RecordCatalogRequest(op, "rate_limited", elapsed)
		wait := retryAfter(resp.Header(), c.now())
		if err := c.limiter.Record429(ctx, c.provider, engine.ClassExternal, wait); err != nil {
			observability.Resolve(c.logger).Warn("Failed to record provider backoff",
				zap.String("provider", c.provider),
				zap.Error(err))
		}
		if wait <= 0 {
			wait = c.limiter.Limit(engine.ClassExternal).WindowDuration
		}
		return nil, &core.ThrottledError{Scope: c.provider, RetryAfter: wait, ResetAt: c.now().Add(wait), Upstream: true}
	case status == http.StatusNotFound && op == "fetch_by_id":
		_ = pass.Neutral()
		metrics.RecordCatalogRequest(op, "not_found", elapsed)
		return nil, core.ErrNotFound
	case status >= 400 && status < 500:
		_ = pass.Neutral()
		metrics.RecordCatalogRequest(op, "upstream_error", elapsed)
		return nil, &core.UpstreamError{Op: op, StatusCode: status, Message: truncate(resp.String(), 200)}
	default:
		_ = pass.Failure()
		metrics.RecordCatalogRequest(op, "transient", elapsed)
		return nil, &core.TransientError{Op: op, StatusCode: status}
	}
}

func (c *Client) now() time.Time {
	if c.clock != nil {
		return c.clock()
	}
	return time.Now().UTC()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(value string, limit int) string {
	value = strings.TrimSpace(value)
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}
