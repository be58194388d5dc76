// Package httpx is the outbound HTTP layer shared by all collectors. Every
// upstream call goes through one Client, which applies a per-host rate limit
// and a per-host circuit breaker so one failing provider cannot slow down or
// error-amplify the rest of a cycle.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const defaultUserAgent = "web3-signals/1.0"

// StatusError is returned for non-2xx upstream responses. Callers that care
// about a specific status (429 backoff, 404 tolerance) unwrap to this.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.URL, e.StatusCode)
}

// Client wraps http.Client with per-host throttling and breaking.
type Client struct {
	http      *http.Client
	log       zerolog.Logger
	userAgent string

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker

	// Per-host request rates. Hosts not listed fall back to defaultRate.
	rates       map[string]rate.Limit
	defaultRate rate.Limit
}

// New creates the shared upstream client.
func New(log zerolog.Logger) *Client {
	return &Client{
		http:      &http.Client{Timeout: 20 * time.Second},
		log:       log.With().Str("component", "httpx").Logger(),
		userAgent: defaultUserAgent,
		limiters:  map[string]*rate.Limiter{},
		breakers:  map[string]*gobreaker.CircuitBreaker{},
		rates: map[string]rate.Limit{
			// Free-tier providers with tight limits get slow lanes.
			"api.coingecko.com":   rate.Every(2 * time.Second),
			"api.etherscan.io":    rate.Every(250 * time.Millisecond),
			"api.whale-alert.io":  rate.Every(6 * time.Second),
			"oauth.reddit.com":    rate.Every(1100 * time.Millisecond),
			"www.reddit.com":      rate.Every(1100 * time.Millisecond),
			"cryptopanic.com":     rate.Every(2 * time.Second),
			"api.anthropic.com":   rate.Every(1 * time.Second),
			"api.alternative.me":  rate.Every(1 * time.Second),
			"api.dexscreener.com": rate.Every(500 * time.Millisecond),
			"blockchain.info":     rate.Every(1 * time.Second),
			"news.google.com":     rate.Every(1 * time.Second),
			"api.binance.com":     rate.Every(100 * time.Millisecond),
			"fapi.binance.com":    rate.Every(100 * time.Millisecond),
		},
		defaultRate: rate.Every(200 * time.Millisecond),
	}
}

// SetUserAgent overrides the default User-Agent (Reddit requires a custom one).
func (c *Client) SetUserAgent(ua string) { c.userAgent = ua }

func (c *Client) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.limiters[host]; ok {
		return l
	}
	limit, ok := c.rates[host]
	if !ok {
		limit = c.defaultRate
	}
	l := rate.NewLimiter(limit, 3)
	c.limiters[host] = l
	return l
}

func (c *Client) breaker(host string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[host]; ok {
		return b
	}
	log := c.log
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 2,
		Interval:    2 * time.Minute,
		Timeout:     90 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("host", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
	c.breakers[host] = b
	return b
}

// Do executes a prepared request through the host's limiter and breaker and
// returns the response body. Non-2xx responses become *StatusError.
func (c *Client) Do(ctx context.Context, req *http.Request) ([]byte, error) {
	host := req.URL.Host

	if err := c.limiter(host).Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait for %s: %w", host, err)
	}

	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	result, err := c.breaker(host).Execute(func() (interface{}, error) {
		resp, err := c.http.Do(req.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("request to %s failed: %w", host, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return nil, fmt.Errorf("failed to read response from %s: %w", host, err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &StatusError{
				StatusCode: resp.StatusCode,
				URL:        req.URL.Redacted(),
				Body:       truncate(string(body), 200),
			}
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// GetJSON fetches a URL and unmarshals the JSON body into dest. Extra headers
// are applied as key, value pairs.
func (c *Client) GetJSON(ctx context.Context, rawURL string, dest any, headers ...string) error {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	applyHeaders(req, headers)

	body, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("failed to parse response from %s: %w", req.URL.Host, err)
	}
	return nil
}

// GetBody fetches a URL and returns the raw body (RSS feeds, HTML).
func (c *Client) GetBody(ctx context.Context, rawURL string, headers ...string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	applyHeaders(req, headers)
	return c.Do(ctx, req)
}

// PostJSON sends a JSON payload and unmarshals the JSON response into dest.
func (c *Client) PostJSON(ctx context.Context, rawURL string, payload, dest any, headers ...string) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, rawURL, strings.NewReader(string(blob)))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	applyHeaders(req, headers)

	body, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("failed to parse response from %s: %w", req.URL.Host, err)
	}
	return nil
}

// PostForm sends a form-encoded payload (Reddit OAuth token endpoint).
func (c *Client) PostForm(ctx context.Context, rawURL string, form url.Values, dest any, headers ...string) error {
	req, err := http.NewRequest(http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	applyHeaders(req, headers)

	body, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("failed to parse response from %s: %w", req.URL.Host, err)
	}
	return nil
}

// GetJSONRetry is GetJSON with bounded retries on transport errors, 429 and
// 5xx. The delay doubles per attempt starting from baseDelay.
func (c *Client) GetJSONRetry(ctx context.Context, rawURL string, dest any, maxRetries int, baseDelay time.Duration, headers ...string) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = c.GetJSON(ctx, rawURL, dest, headers...)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	// Transport errors and breaker rejections are worth retrying once the
	// backoff has elapsed.
	return true
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

func applyHeaders(req *http.Request, headers []string) {
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
