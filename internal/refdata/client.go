// Package refdata looks up free-text descriptions and coordinates for dish
// and place names from a MediaWiki-style REST summary endpoint.
package refdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/onnwee/dishmatch/internal/geo"
)

// Defaults for ClientConfig.
const (
	DefaultTimeout           = 5 * time.Second
	DefaultRequestsPerSecond = 10
	DefaultBurst             = 5
	DefaultFailureThreshold  = 5
	DefaultBreakerTimeout    = 30 * time.Second
	DefaultUserAgent         = "dishmatch/1.0"
)

// Errors returned by the client.
var (
	ErrUpstream    = errors.New("reference data upstream error")
	ErrEmptyName   = errors.New("empty name")
	ErrCircuitOpen = errors.New("reference data circuit open")

	// ErrThrottled means the outbound rate limit could not admit the call
	// before the caller's deadline. The breaker does not see these.
	ErrThrottled = errors.New("reference data request throttled")
)

const maxSummaryBytes = 1 << 20

// Summary is the reference data known about a name.
type Summary struct {
	Title       string     `json:"title"`
	Extract     string     `json:"extract"`
	Coordinates *geo.Point `json:"coordinates,omitempty"`
}

// Lookuper fetches a Summary. Unknown names yield nil without error.
type Lookuper interface {
	Lookup(ctx context.Context, name string) (*Summary, error)
}

// ClientConfig configures Client.
type ClientConfig struct {
	// BaseURL is the REST root, e.g. https://en.wikipedia.org/api/rest_v1.
	BaseURL string
	// Timeout bounds each upstream request (default: 5s).
	Timeout time.Duration
	// RequestsPerSecond and Burst bound the outbound request rate.
	RequestsPerSecond float64
	Burst             int
	// FailureThreshold consecutive failures open the breaker (default: 5).
	FailureThreshold uint32
	// BreakerTimeout is how long the breaker stays open (default: 30s).
	BreakerTimeout time.Duration
	UserAgent      string

	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *Metrics
}

// Client calls the upstream summary endpoint behind a rate limiter and a
// circuit breaker.
type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker[*Summary]
	logger    *slog.Logger
	metrics   *Metrics
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = DefaultBreakerTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	logger := cfg.Logger
	threshold := cfg.FailureThreshold
	breaker := gobreaker.NewCircuitBreaker[*Summary](gobreaker.Settings{
		Name:        "refdata",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// A caller giving up says nothing about upstream health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})

	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		http:      cfg.HTTPClient,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		breaker:   breaker,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

// BreakerState reports the circuit breaker state ("closed", "half-open", "open").
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// Lookup implements Lookuper.
func (c *Client) Lookup(ctx context.Context, name string) (*Summary, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyName
	}

	start := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		c.metrics.observeRequest(ResultThrottled, time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: %w", ErrThrottled, err)
	}
	summary, err := c.breaker.Execute(func() (*Summary, error) {
		return c.fetch(ctx, name)
	})
	elapsed := time.Since(start).Seconds()

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		c.metrics.observeRequest(ResultRejected, elapsed)
		return nil, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	case err != nil:
		c.metrics.observeRequest(ResultError, elapsed)
		return nil, err
	case summary == nil:
		c.metrics.observeRequest(ResultNotFound, elapsed)
		return nil, nil
	default:
		c.metrics.observeRequest(ResultOK, elapsed)
		return summary, nil
	}
}

// ResolveCoordinates returns the coordinates recorded for name, or nil.
func (c *Client) ResolveCoordinates(ctx context.Context, name string) (*geo.Point, error) {
	return coordinatesOf(c.Lookup(ctx, name))
}

// Describe returns the summary text for name, or "".
func (c *Client) Describe(ctx context.Context, name string) (string, error) {
	return extractOf(c.Lookup(ctx, name))
}

type summaryResponse struct {
	Title       string `json:"title"`
	Extract     string `json:"extract"`
	Coordinates *struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"coordinates"`
}

func (c *Client) fetch(ctx context.Context, name string) (*Summary, error) {
	endpoint := c.baseURL + "/page/summary/" + url.PathEscape(strings.ReplaceAll(name, " ", "_"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build reference data request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d for %q", ErrUpstream, resp.StatusCode, name)
	}

	var body summaryResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxSummaryBytes)).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode summary: %w", ErrUpstream, err)
	}

	s := &Summary{Title: body.Title, Extract: strings.TrimSpace(body.Extract)}
	if body.Coordinates != nil {
		p := geo.Point{Lat: body.Coordinates.Lat, Lng: body.Coordinates.Lon}
		if p.Valid() {
			s.Coordinates = &p
		}
	}
	c.logger.Debug("fetched reference data", slog.String("name", name), slog.Bool("has_coordinates", s.Coordinates != nil))
	return s, nil
}

func coordinatesOf(s *Summary, err error) (*geo.Point, error) {
	if err != nil || s == nil || s.Coordinates == nil {
		return nil, err
	}
	p := *s.Coordinates
	return &p, nil
}

func extractOf(s *Summary, err error) (string, error) {
	if err != nil || s == nil {
		return "", err
	}
	return s.Extract, nil
}
