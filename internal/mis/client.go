package mis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/appointment-sync/pkg/logging"
)

var misTracer = otel.Tracer("appointment-sync.internal.mis")

// QueryTimeLayout is the date format the informer expects in Date1/Date2.
const QueryTimeLayout = "2006-01-02T15:04:05"

var (
	// ErrFetchExhausted is returned once every fetch attempt has failed.
	ErrFetchExhausted = errors.New("mis: fetch attempts exhausted")
	// ErrNotConfigured is returned when no informer URL is set.
	ErrNotConfigured = errors.New("mis: informer url not configured")
)

// ClientConfig configures the informer client.
type ClientConfig struct {
	BaseURL        string
	StatusFilter   string
	RequestTimeout time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	HealthTimeout  time.Duration
	Location       *time.Location
}

// Client polls the MIS informer endpoint for tomorrow's appointments.
type Client struct {
	http   *resty.Client
	cfg    ClientConfig
	now    func() time.Time
	logger *logging.Logger
}

// NewClient builds an informer client. Unset timeouts and attempt counts fall
// back to 30s per request, 10 attempts and a 10s health probe; a zero
// RetryDelay retries immediately.
func NewClient(cfg ClientConfig, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 10 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if strings.TrimSpace(cfg.StatusFilter) == "" {
		cfg.StatusFilter = "1"
	}
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)

	httpClient := resty.New().
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Accept", "application/json")

	return &Client{
		http:   httpClient,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
}

// WithClock overrides the clock used to compute the request window.
func (c *Client) WithClock(now func() time.Time) *Client {
	if now != nil {
		c.now = now
	}
	return c
}

// Configured reports whether an informer URL is set.
func (c *Client) Configured() bool {
	return c.cfg.BaseURL != ""
}

// BuildURL returns the informer URL for the window [tomorrow, day after).
func (c *Client) BuildURL(now time.Time) string {
	start, end := DayWindow(Tomorrow(now, c.cfg.Location))
	params := url.Values{}
	params.Set("Date1", start.Format(QueryTimeLayout))
	params.Set("Date2", end.Format(QueryTimeLayout))
	params.Set("Status", c.cfg.StatusFilter)

	sep := "?"
	if strings.Contains(c.cfg.BaseURL, "?") {
		sep = "&"
	}
	return c.cfg.BaseURL + sep + params.Encode()
}

// Fetch downloads and decodes tomorrow's feed, retrying transient failures
// with a fixed delay. The wait between attempts honours ctx.
func (c *Client) Fetch(ctx context.Context) (*Feed, error) {
	if c.cfg.BaseURL == "" {
		return nil, ErrNotConfigured
	}
	ctx, span := misTracer.Start(ctx, "mis.fetch")
	defer span.End()

	fullURL := c.BuildURL(c.now())
	span.SetAttributes(attribute.Int("mis.max_attempts", c.cfg.MaxRetries))

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		feed, err := c.fetchOnce(ctx, fullURL)
		if err == nil {
			span.SetAttributes(attribute.Int("mis.attempts", attempt), attribute.Int("mis.records", feed.Received()))
			c.logger.Info("mis: feed fetched", "attempt", attempt, "records", feed.Received())
			return feed, nil
		}
		lastErr = err
		c.logger.Warn("mis: fetch attempt failed", "attempt", attempt, "max_attempts", c.cfg.MaxRetries, "error", err)

		if attempt == c.cfg.MaxRetries {
			break
		}
		if err := sleepCtx(ctx, c.cfg.RetryDelay); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("mis: fetch interrupted: %w", err)
		}
	}
	err := fmt.Errorf("%w after %d attempts: %v", ErrFetchExhausted, c.cfg.MaxRetries, lastErr)
	span.RecordError(err)
	return nil, err
}

func (c *Client) fetchOnce(ctx context.Context, fullURL string) (*Feed, error) {
	resp, err := c.http.R().SetContext(ctx).Get(fullURL)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode())
	}
	feed, err := DecodeFeed(resp.Body())
	if err != nil {
		return nil, err
	}
	return feed, nil
}

// FetchFromFile decodes a saved informer payload.
func (c *Client) FetchFromFile(path string) (*Feed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mis: read feed file: %w", err)
	}
	feed, err := DecodeFeed(raw)
	if err != nil {
		return nil, err
	}
	c.logger.Info("mis: feed loaded from file", "path", path, "records", feed.Received())
	return feed, nil
}

// HealthCheck reports whether the informer host answers below 500 on its base path.
func (c *Client) HealthCheck(ctx context.Context) bool {
	if c.cfg.BaseURL == "" {
		return false
	}
	base, _, _ := strings.Cut(c.cfg.BaseURL, "?")
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()

	resp, err := c.http.R().SetContext(ctx).Get(base)
	if err != nil {
		c.logger.Warn("mis: health check failed", "error", err)
		return false
	}
	return resp.StatusCode() < http.StatusInternalServerError
}

// RequestInfo describes the request the next Fetch would issue.
type RequestInfo struct {
	BaseURL     string    `json:"base_url"`
	DateFrom    time.Time `json:"date_from"`
	DateTo      time.Time `json:"date_to"`
	FullURL     string    `json:"full_url"`
	MaxAttempts int       `json:"max_attempts"`
	RetryDelay  string    `json:"retry_delay"`
	Timeout     string    `json:"timeout"`
}

// RequestInfo reports the request parameters for the window relative to now.
func (c *Client) RequestInfo(now time.Time) RequestInfo {
	start, end := DayWindow(Tomorrow(now, c.cfg.Location))
	return RequestInfo{
		BaseURL:     c.cfg.BaseURL,
		DateFrom:    start,
		DateTo:      end,
		FullURL:     c.BuildURL(now),
		MaxAttempts: c.cfg.MaxRetries,
		RetryDelay:  c.cfg.RetryDelay.String(),
		Timeout:     c.cfg.RequestTimeout.String(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
