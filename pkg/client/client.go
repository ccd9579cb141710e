// Package client provides the HTTP clients for the posts, classifier and
// prices services. Every request is gated by the service's rate limiter and
// every failure is reported as an *UpstreamError. Nothing is retried here.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/tickertrail/pkg/cache"
)

// Prometheus metrics for upstream requests.
var (
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickertrail_upstream_requests_total",
		Help: "Total upstream requests by service and status",
	}, []string{"service", "status"})

	upstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tickertrail_upstream_request_duration_seconds",
		Help:    "Upstream request duration in seconds by service",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"service"})

	upstreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickertrail_upstream_errors_total",
		Help: "Total upstream errors by service and class",
	}, []string{"service", "class"})
)

// maxErrorBody bounds how much of an error response is read for its message.
const maxErrorBody = 4 << 10

// Gate admits requests for a named service. *ratelimit.Registry implements it.
type Gate interface {
	Acquire(ctx context.Context, service string) error
}

// Config holds the connection settings of one upstream service.
type Config struct {
	// BaseURL is the service root, e.g. "http://localhost:8081".
	BaseURL string `mapstructure:"base_url"`

	// UserAgent is sent with every request.
	UserAgent string `mapstructure:"user_agent"`

	// Timeout bounds a single HTTP exchange.
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns a configuration for the service at baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:   baseURL,
		UserAgent: "tickertrail/1.0",
		Timeout:   30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url must be http or https (got %q)", c.BaseURL)
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user-agent is required")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0 (got %s)", c.Timeout)
	}
	return nil
}

// Client is the rate-limited HTTP client of one upstream service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	service    string
	gate       Gate
	cache      *cache.Manager
	config     Config
	logger     zerolog.Logger
}

// New creates a client for service. Requests are admitted through gate.
func New(service string, cfg Config, gate Gate, logger zerolog.Logger) (*Client, error) {
	if service == "" {
		return nil, fmt.Errorf("service name is required")
	}
	if gate == nil {
		return nil, fmt.Errorf("rate limit gate is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s client: %w", service, err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		service:    service,
		gate:       gate,
		config:     cfg,
		logger:     logger.With().Str("service", service).Logger(),
	}, nil
}

// Service returns the service name.
func (c *Client) Service() string {
	return c.service
}

// SetCache enables response caching for GET requests that ask for it.
func (c *Client) SetCache(m *cache.Manager) {
	c.cache = m
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Do waits for a rate-limiter token and performs the request.
//
// Transport failures and non-2xx responses are returned as *UpstreamError;
// the response body is closed in that case. A caller cancelled while waiting
// for a token gets the context error.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if err := c.gate.Acquire(ctx, c.service); err != nil {
		return nil, fmt.Errorf("acquire %s token: %w", c.service, err)
	}

	start := time.Now()
	defer func() {
		upstreamRequestDuration.WithLabelValues(c.service).Observe(time.Since(start).Seconds())
	}()

	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Msg("Executing upstream request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		upstreamRequestsTotal.WithLabelValues(c.service, "network_error").Inc()
		return nil, c.fail(&UpstreamError{
			Service: c.service,
			Class:   ErrorClassNetwork,
			Message: fmt.Sprintf("%s %s", req.Method, req.URL.Path),
			Err:     err,
		})
	}

	upstreamRequestsTotal.WithLabelValues(c.service, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		class := classifyStatus(resp.StatusCode)
		if class == "" {
			class = ErrorClassClient
		}
		return nil, c.fail(&UpstreamError{
			Service:    c.service,
			StatusCode: resp.StatusCode,
			Class:      class,
			Message:    errorMessage(resp),
		})
	}

	return resp, nil
}

func (c *Client) fail(err *UpstreamError) error {
	upstreamErrorsTotal.WithLabelValues(c.service, string(err.Class)).Inc()

	event := c.logger.Warn()
	if err.StatusCode == http.StatusNotFound {
		event = c.logger.Debug()
	}
	event.Int("status", err.StatusCode).
		Str("error_class", string(err.Class)).
		Str("message", err.Message).
		AnErr("cause", err.Err).
		Msg("Upstream request failed")
	return err
}

// getJSON performs a GET and decodes the JSON response into out.
// A positive ttl serves and stores the response through the cache, if one is set.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, ttl time.Duration, out any) error {
	key := cache.Key{Service: c.service, Path: path, Params: query}
	cached := c.cache != nil && ttl > 0

	if cached {
		entry, err := c.cache.Get(ctx, key)
		switch {
		case err == nil:
			c.logger.Debug().Str("key", key.String()).Msg("Cache hit")
			return c.decode(entry.StatusCode, entry.Data, out)
		case !errors.Is(err, cache.ErrCacheMiss):
			c.logger.Warn().Err(err).Str("key", key.String()).Msg("Cache get error")
		}
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if cached && cache.Cacheable(resp) {
		entry, err := cache.ResponseToEntry(resp, ttl)
		if err != nil {
			return c.fail(&UpstreamError{Service: c.service, StatusCode: resp.StatusCode, Class: ErrorClassNetwork, Message: "read response", Err: err})
		}
		if err := c.cache.Set(ctx, key, entry); err != nil {
			c.logger.Warn().Err(err).Str("key", key.String()).Msg("Failed to cache response")
		}
		return c.decode(resp.StatusCode, entry.Data, out)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.fail(&UpstreamError{Service: c.service, StatusCode: resp.StatusCode, Class: ErrorClassNetwork, Message: "read response", Err: err})
	}
	return c.decode(resp.StatusCode, body, out)
}

// postJSON sends in as a JSON body and decodes the response into out.
func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.fail(&UpstreamError{Service: c.service, StatusCode: resp.StatusCode, Class: ErrorClassNetwork, Message: "read response", Err: err})
	}
	return c.decode(resp.StatusCode, body, out)
}

func (c *Client) decode(status int, body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return c.fail(&UpstreamError{
			Service:    c.service,
			StatusCode: status,
			Class:      ErrorClassDecode,
			Message:    "decode response",
			Err:        err,
		})
	}
	return nil
}

// errorMessage extracts {"error": "..."} from an error body, or falls back to
// the status line.
func errorMessage(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return resp.Status
}
