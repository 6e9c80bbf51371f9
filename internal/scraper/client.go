// Package scraper fetches target pages through the paid scraping proxy and
// classifies every failure as close to the network call as possible.
package scraper

import (
	"context"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/skiptrace/internal/gate"
	"github.com/timmy/skiptrace/internal/logger"
)

// Config holds the proxy client settings.
type Config struct {
	Endpoint    string
	Token       string
	Render      bool
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Page is a successfully fetched target page.
type Page struct {
	URL        string
	Body       []byte
	StatusCode int
	Attempts   int
}

// Client fetches one URL at a time through the proxy. Every attempt,
// retries included, holds its own slot of the shared gate.
type Client struct {
	http  *resty.Client
	gate  *gate.Gate
	cfg   Config
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a proxy client bound to the process-wide gate.
func NewClient(cfg Config, g *gate.Gate) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}

	client := resty.New()
	client.SetTimeout(cfg.Timeout)
	client.SetHeader("Accept", "text/html,application/xhtml+xml")

	return &Client{
		http:  client,
		gate:  g,
		cfg:   cfg,
		sleep: sleepCtx,
	}
}

// Fetch retrieves targetURL. Retryable failures are retried up to
// MaxRetries times with growing backoff; terminal failures return at once.
// The returned error is always a *FetchError.
func (c *Client) Fetch(ctx context.Context, targetURL string) (*Page, error) {
	ctx = logger.SetComponent(ctx, "scraper")
	var lastErr *FetchError
	for attempt := 1; attempt <= c.cfg.MaxRetries+1; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, c.backoff(attempt-1)); err != nil {
				return nil, &FetchError{Outcome: OutcomeOther, Attempts: attempt - 1, Err: err}
			}
		}

		page, ferr := c.attempt(ctx, targetURL)
		if ferr == nil {
			page.Attempts = attempt
			return page, nil
		}
		ferr.Attempts = attempt
		if ferr.Outcome != OutcomeRetryable {
			return nil, ferr
		}
		lastErr = ferr

		logger.With(logger.Fields{
			logger.FieldAttempt: attempt,
			logger.FieldStatus:  ferr.StatusCode,
		}).Warn(ctx, "Retryable fetch failure: url=%s, error=%v", targetURL, ferr.Err)
	}
	return nil, lastErr
}

// attempt makes one proxy request while holding a gate slot.
func (c *Client) attempt(ctx context.Context, targetURL string) (page *Page, ferr *FetchError) {
	err := c.gate.Do(ctx, func() error {
		page, ferr = c.roundTrip(ctx, targetURL)
		return nil
	})
	if err != nil {
		return nil, &FetchError{Outcome: OutcomeOther, Err: err}
	}
	return page, ferr
}

func (c *Client) roundTrip(ctx context.Context, targetURL string) (*Page, *FetchError) {
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"token":  c.cfg.Token,
			"url":    targetURL,
			"render": strconv.FormatBool(c.cfg.Render),
		}).
		Get(c.cfg.Endpoint)
	if err != nil {
		return nil, classifyTransport(err, ctx.Err())
	}

	logger.With(logger.Fields{
		logger.FieldStatus: resp.StatusCode(),
		logger.FieldSize:   len(resp.Body()),
	}).WithDuration(time.Since(start).Milliseconds()).Debug(ctx, "Proxy response: url=%s", targetURL)

	if ferr := classifyResponse(resp.StatusCode(), resp.Header().Get("Content-Type"), resp.Body()); ferr != nil {
		return nil, ferr
	}
	return &Page{URL: targetURL, Body: resp.Body(), StatusCode: resp.StatusCode()}, nil
}

// backoff returns the wait before retry n (1-based): base*2^(n-1) capped at
// BackoffMax, plus up to 20% jitter.
func (c *Client) backoff(n int) time.Duration {
	d := c.cfg.BackoffBase << (n - 1)
	if d <= 0 || d > c.cfg.BackoffMax {
		d = c.cfg.BackoffMax
	}
	if jitter := int64(d) / 5; jitter > 0 {
		d += time.Duration(rand.Int64N(jitter))
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
