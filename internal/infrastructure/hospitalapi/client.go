// Package hospitalapi is the client for the remote hospital API: search,
// create, update, fetch and delete over JSON/HTTP.
package hospitalapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/medledger/hms-forms/internal/domain/reference"
	"github.com/medledger/hms-forms/internal/observability/metrics"
	"github.com/medledger/hms-forms/pkg/circuitbreaker"
)

var (
	// ErrUnauthorized is returned when the session stays rejected after one refresh
	ErrUnauthorized = errors.New("hospital api: session expired")
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("hospital api: record not found")
)

// StatusError is an unexpected HTTP status from the remote API
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("hospital api: %s %s: %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("hospital api: %s %s: %d", e.Method, e.Path, e.StatusCode)
}

// Result is the outcome of create, update and delete. Success false is a
// well-formed rejection; Message carries the remote explanation.
type Result struct {
	Success  bool
	RecordID string
	Message  string
}

// Record is a fetched entity
type Record map[string]interface{}

// String returns field as text, empty when absent
func (r Record) String(field string) string {
	return scalar(r[field])
}

// Strings flattens every scalar field to text
func (r Record) Strings() map[string]string {
	out := make(map[string]string, len(r))
	for k, v := range r {
		if s := scalar(v); s != "" {
			out[k] = s
		}
	}
	return out
}

func scalar(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

// SearchCache stores read-only search snapshots
type SearchCache interface {
	Get(ctx context.Context, category reference.Category, query string) ([]reference.Candidate, bool)
	Put(ctx context.Context, category reference.Category, query string, candidates []reference.Candidate)
}

// Config holds client configuration
type Config struct {
	BaseURL      string
	AccessToken  string
	RefreshToken string
	RefreshPath  string
	Timeout      time.Duration
	// SearchRate limits outbound searches per second; zero disables the limit
	SearchRate  float64
	SearchBurst int
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		BaseURL:     "http://localhost:3000/api",
		RefreshPath: "/auth/refresh",
		Timeout:     15 * time.Second,
		SearchRate:  10,
		SearchBurst: 5,
	}
}

// Client talks to the remote hospital API
type Client struct {
	baseURL     string
	refreshPath string
	http        *http.Client
	tokens      *TokenSource
	limiter     *rate.Limiter
	reads       *circuitbreaker.CircuitBreaker
	writes      *circuitbreaker.CircuitBreaker
	cache       SearchCache
	logger      *zap.Logger
	tracer      trace.Tracer
}

// New creates a client. breakers and cache may be nil.
func New(cfg Config, breakers *circuitbreaker.Manager, cache SearchCache, m *metrics.Metrics, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("hospital api base url is required")
	}
	if breakers == nil {
		breakers = circuitbreaker.NewManager(logger)
	}

	c := &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		refreshPath: cfg.RefreshPath,
		http:        &http.Client{Timeout: cfg.Timeout},
		limiter:     rate.NewLimiter(rate.Inf, 0),
		cache:       cache,
		logger:      logger,
		tracer:      otel.Tracer("hospitalapi"),
	}
	if cfg.SearchRate > 0 {
		burst := cfg.SearchBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.SearchRate), burst)
	}
	c.tokens = NewTokenSource(cfg.AccessToken, cfg.RefreshToken, c.exchange, logger)

	breakerCfg := func(name string) circuitbreaker.Config {
		bc := circuitbreaker.DefaultConfig(name)
		bc.IsSuccessful = healthy
		bc.OnStateChange = func(name string, to circuitbreaker.State) {
			m.SetBreakerState(name, to.Ordinal())
		}
		return bc
	}
	var err error
	if c.reads, err = breakers.GetOrCreate("hospital-api.read", breakerCfg("hospital-api.read")); err != nil {
		return nil, err
	}
	if c.writes, err = breakers.GetOrCreate("hospital-api.write", breakerCfg("hospital-api.write")); err != nil {
		return nil, err
	}
	return c, nil
}

// healthy reports errors that say nothing about the remote being down
func healthy(err error) bool {
	if err == nil || errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNotFound) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode < 500 && se.StatusCode != http.StatusTooManyRequests
	}
	return false
}

type envelope struct {
	Success  *bool           `json:"success"`
	Message  string          `json:"message"`
	RecordID string          `json:"recordId"`
	Data     json.RawMessage `json:"data"`
}

func (e envelope) ok(status int) bool {
	if e.Success != nil {
		return *e.Success
	}
	return status >= 200 && status < 300
}

// Search returns candidates of category matching query
func (c *Client) Search(ctx context.Context, category reference.Category, query string) ([]reference.Candidate, error) {
	ctx, span := c.tracer.Start(ctx, "hospitalapi.search",
		trace.WithAttributes(attribute.String("category", string(category))))
	defer span.End()

	if c.cache != nil {
		if cached, ok := c.cache.Get(ctx, category, query); ok {
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return cached, nil
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	path := "/" + category.Resource() + "/search"
	res, err := c.reads.Execute(ctx, func() (interface{}, error) {
		resp, err := c.do(ctx, http.MethodGet, path, url.Values{"q": {query}}, nil, "")
		if err != nil {
			return nil, err
		}
		if resp.status >= 300 || !resp.env.ok(resp.status) {
			return nil, &StatusError{Method: http.MethodGet, Path: path, StatusCode: resp.status, Message: resp.env.Message}
		}
		return resp, nil
	})
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	resp := res.(*response)

	var rows []Record
	if len(resp.env.Data) > 0 && string(resp.env.Data) != "null" {
		if err := json.Unmarshal(resp.env.Data, &rows); err != nil {
			return nil, fmt.Errorf("decode %s search: %w", category, err)
		}
	}
	candidates := make([]reference.Candidate, 0, len(rows))
	for _, row := range rows {
		fields := row.Strings()
		id := fields["id"]
		delete(fields, "id")
		candidates = append(candidates, reference.Candidate{ID: id, Fields: fields})
	}
	span.SetAttributes(attribute.Int("results", len(candidates)))

	if c.cache != nil {
		c.cache.Put(ctx, category, query, candidates)
	}
	return candidates, nil
}

// Create stores a new record of resource
func (c *Client) Create(ctx context.Context, resource string, payload interface{}, idempotencyKey string) (*Result, error) {
	return c.write(ctx, http.MethodPost, "/"+resource, payload, idempotencyKey)
}

// Update replaces record id of resource
func (c *Client) Update(ctx context.Context, resource, id string, payload interface{}, idempotencyKey string) (*Result, error) {
	return c.write(ctx, http.MethodPut, "/"+resource+"/"+url.PathEscape(id), payload, idempotencyKey)
}

// Delete removes record id of resource
func (c *Client) Delete(ctx context.Context, resource, id string) (*Result, error) {
	return c.write(ctx, http.MethodDelete, "/"+resource+"/"+url.PathEscape(id), nil, "")
}

func (c *Client) write(ctx context.Context, method, path string, payload interface{}, idempotencyKey string) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "hospitalapi.write",
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("path", path),
		))
	defer span.End()

	res, err := c.writes.Execute(ctx, func() (interface{}, error) {
		resp, err := c.do(ctx, method, path, nil, payload, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if resp.status >= 500 || resp.status == http.StatusTooManyRequests {
			return nil, &StatusError{Method: method, Path: path, StatusCode: resp.status, Message: resp.env.Message}
		}
		return resp, nil
	})
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	resp := res.(*response)

	result := &Result{Success: resp.env.ok(resp.status), Message: resp.env.Message, RecordID: resp.env.RecordID}
	if result.RecordID == "" && len(resp.env.Data) > 0 {
		var data Record
		if err := json.Unmarshal(resp.env.Data, &data); err == nil {
			result.RecordID = data.String("id")
		}
	}
	if !result.Success && result.Message == "" {
		result.Message = http.StatusText(resp.status)
	}
	span.SetAttributes(attribute.Bool("success", result.Success))
	return result, nil
}

// Get fetches record id of resource
func (c *Client) Get(ctx context.Context, resource, id string) (Record, error) {
	ctx, span := c.tracer.Start(ctx, "hospitalapi.get",
		trace.WithAttributes(attribute.String("resource", resource)))
	defer span.End()

	path := "/" + resource + "/" + url.PathEscape(id)
	res, err := c.reads.Execute(ctx, func() (interface{}, error) {
		resp, err := c.do(ctx, http.MethodGet, path, nil, nil, "")
		if err != nil {
			return nil, err
		}
		if resp.status == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, resource, id)
		}
		if resp.status >= 300 || !resp.env.ok(resp.status) {
			return nil, &StatusError{Method: http.MethodGet, Path: path, StatusCode: resp.status, Message: resp.env.Message}
		}
		return resp, nil
	})
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	var record Record
	if err := json.Unmarshal(res.(*response).env.Data, &record); err != nil {
		return nil, fmt.Errorf("decode %s: %w", resource, err)
	}
	if record == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, resource, id)
	}
	return record, nil
}

type response struct {
	status int
	env    envelope
}

// do sends one request, refreshing the session and retrying exactly once
// when the remote answers 401.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload interface{}, idempotencyKey string) (*response, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	for attempt := 0; ; attempt++ {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", idempotencyKey)
		}
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s %s: %w", method, path, err)
		}

		if resp.StatusCode == http.StatusUnauthorized {
			if attempt > 0 {
				return nil, ErrUnauthorized
			}
			c.logger.Info("session rejected, refreshing", zap.String("path", path))
			if _, err := c.tokens.Refresh(ctx, token); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
			}
			continue
		}

		out := &response{status: resp.StatusCode}
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := json.Unmarshal(raw, &out.env); err != nil && resp.StatusCode < 300 {
				return nil, fmt.Errorf("decode %s %s: %w", method, path, err)
			}
		}
		return out, nil
	}
}

// exchange renews the session against the refresh endpoint
func (c *Client) exchange(ctx context.Context, refreshToken string) (string, string, error) {
	body, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return "", "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.refreshPath, bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	var env struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Data    struct {
			AccessToken  string `json:"accessToken"`
			RefreshToken string `json:"refreshToken"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return "", "", fmt.Errorf("decode refresh: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !env.Success || env.Data.AccessToken == "" {
		return "", "", &StatusError{Method: http.MethodPost, Path: c.refreshPath, StatusCode: resp.StatusCode, Message: env.Message}
	}
	return env.Data.AccessToken, env.Data.RefreshToken, nil
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
