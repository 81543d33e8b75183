// Package transport implements the retrying HTTP transport on top of gocolly.
// A Transport owns one collector, and therefore one cookie jar, for its whole
// lifetime so that session state set by earlier responses carries over.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/legal-registry-crawler/internal/crawler"
	"github.com/JakeFAU/legal-registry-crawler/internal/metrics"
	"github.com/JakeFAU/legal-registry-crawler/internal/policy/ratelimit"
)

// DefaultUserAgent mimics a desktop browser; registry front-ends reject bare clients.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
	Headers      map[string]string
	RateLimitRPS float64
	Retry        RetryConfig
}

// Primer runs once per session after the first successful GET. It may issue
// its own requests through f. Returning true makes the transport refetch the
// original request so the caller sees the primed page.
type Primer func(ctx context.Context, f crawler.Fetcher, first crawler.FetchResponse) (bool, error)

// Option customizes a Transport.
type Option func(*Transport)

// WithPrimer installs a session primer.
func WithPrimer(p Primer) Option {
	return func(t *Transport) { t.primer = p }
}

// WithSleeper replaces the backoff wait, mainly for tests.
func WithSleeper(fn func(context.Context, time.Duration) error) Option {
	return func(t *Transport) { t.sleep = fn }
}

// Transport implements crawler.Fetcher with retries and session affinity.
type Transport struct {
	cfg     Config
	policy  *ExponentialRetryPolicy
	base    *colly.Collector
	limiter *ratelimit.Limiter
	logger  *zap.Logger
	sleep   func(context.Context, time.Duration) error

	primer  Primer
	primeMu sync.Mutex
	primed  bool
}

// New builds a Transport with a fresh cookie jar.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	collectorOpts := []colly.CollectorOption{
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.UserAgent(cfg.UserAgent),
	}
	if cfg.MaxBodyBytes > 0 {
		collectorOpts = append(collectorOpts, colly.MaxBodySize(cfg.MaxBodyBytes))
	}
	c := colly.NewCollector(collectorOpts...)
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)

	t := &Transport{
		cfg:    cfg,
		policy: NewExponentialRetryPolicy(cfg.Retry),
		base:   c,
		logger: logger.Named("transport"),
		sleep:  crawler.Sleep,
	}
	if cfg.RateLimitRPS > 0 {
		t.limiter = ratelimit.New(ratelimit.Config{RPS: cfg.RateLimitRPS, Burst: 1})
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Get is shorthand for a GET Fetch.
func (t *Transport) Get(ctx context.Context, rawURL string) (crawler.FetchResponse, error) {
	return t.Fetch(ctx, crawler.FetchRequest{Method: http.MethodGet, URL: rawURL})
}

// PostForm is shorthand for a form-encoded POST Fetch.
func (t *Transport) PostForm(ctx context.Context, rawURL string, form url.Values) (crawler.FetchResponse, error) {
	return t.Fetch(ctx, crawler.FetchRequest{Method: http.MethodPost, URL: rawURL, Form: form})
}

// Fetch executes the request with retries. Non-retryable statuses return an
// *crawler.HTTPError; a spent budget returns an *crawler.ExhaustedError.
func (t *Transport) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	resp, err := t.fetchWithRetry(ctx, request)
	if err != nil {
		return resp, err
	}
	if t.primer == nil || !isGet(request.Method) || !t.claimPrimer() {
		return resp, nil
	}
	refetch, err := t.primer(ctx, t, resp)
	if err != nil {
		t.logger.Warn("session primer failed", zap.String("url", request.URL), zap.Error(err))
		return resp, nil
	}
	if !refetch {
		return resp, nil
	}
	return t.fetchWithRetry(ctx, request)
}

func (t *Transport) claimPrimer() bool {
	t.primeMu.Lock()
	defer t.primeMu.Unlock()
	if t.primed {
		return false
	}
	t.primed = true
	return true
}

func (t *Transport) fetchWithRetry(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	method := strings.ToUpper(strings.TrimSpace(request.Method))
	if method == "" {
		method = http.MethodGet
	}
	if _, err := url.ParseRequestURI(request.URL); err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("fetch: invalid url %q: %w", request.URL, err)
	}

	var lastErr error
	attempts := 0
	for {
		if t.limiter != nil {
			if err := t.limiter.Wait(ctx, request.URL); err != nil {
				return crawler.FetchResponse{}, err
			}
		}
		attempts++
		resp, err := t.attempt(ctx, method, request)
		resp.Attempts = attempts
		t.logAttempt(method, request.URL, attempts, resp, err)
		if err == nil {
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, ctxErr)
		}
		var httpErr *crawler.HTTPError
		if errors.As(err, &httpErr) && !httpErr.Retryable() {
			return resp, err
		}
		lastErr = err
		if !t.policy.ShouldRetry(err, attempts) {
			break
		}
		delay := t.policy.Backoff(attempts - 1)
		metrics.ObserveRetry(request.URL, retryReason(err))
		t.logger.Debug("retrying request",
			zap.String("url", request.URL),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := t.sleep(ctx, delay); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, err)
		}
	}
	if !Retryable(lastErr) {
		return crawler.FetchResponse{}, lastErr
	}
	return crawler.FetchResponse{}, &crawler.ExhaustedError{Attempts: attempts, Last: lastErr}
}

func (t *Transport) attempt(
	ctx context.Context,
	method string,
	request crawler.FetchRequest,
) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := t.base.Clone()
	collector.Context = ctx

	collector.OnResponse(func(r *colly.Response) {
		result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
		if r.Headers != nil {
			result.Headers = r.Headers.Clone()
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	target, body, hdr := t.buildRequest(method, request)
	done := make(chan error, 1)
	go func() {
		done <- collector.Request(method, target, body, nil, hdr)
	}()

	select {
	case <-ctx.Done():
		return crawler.FetchResponse{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err == nil {
			err = fetchErr
		}
		if err != nil {
			return crawler.FetchResponse{Duration: time.Since(start)}, &crawler.NetworkError{URL: request.URL, Err: err}
		}
	}
	if result.StatusCode < 200 || result.StatusCode >= 400 {
		return result, &crawler.HTTPError{StatusCode: result.StatusCode, URL: request.URL}
	}
	return result, nil
}

func (t *Transport) buildRequest(method string, request crawler.FetchRequest) (string, io.Reader, http.Header) {
	hdr := http.Header{}
	for k, v := range t.cfg.Headers {
		hdr.Set(k, v)
	}
	for k, values := range request.Headers {
		for _, v := range values {
			hdr.Add(k, v)
		}
	}
	target := request.URL
	if len(request.Form) == 0 {
		return target, nil, hdr
	}
	if method == http.MethodGet || method == http.MethodHead {
		u, err := url.Parse(target)
		if err == nil {
			q := u.Query()
			for k, values := range request.Form {
				for _, v := range values {
					q.Add(k, v)
				}
			}
			u.RawQuery = q.Encode()
			target = u.String()
		}
		return target, nil, hdr
	}
	if hdr.Get("Content-Type") == "" {
		hdr.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return target, strings.NewReader(request.Form.Encode()), hdr
}

func (t *Transport) logAttempt(method, rawURL string, attempt int, resp crawler.FetchResponse, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, crawler.ErrNetwork):
		outcome = "network_error"
	default:
		outcome = "http_error"
	}
	metrics.ObserveFetchAttempt(rawURL, method, outcome, resp.Duration)
	fields := []zap.Field{
		zap.String("method", method),
		zap.String("url", rawURL),
		zap.Int("attempt", attempt),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", resp.Duration),
		zap.String("outcome", outcome),
	}
	if err != nil {
		t.logger.Warn("fetch attempt failed", append(fields, zap.Error(err))...)
		return
	}
	t.logger.Debug("fetch attempt", fields...)
}

func retryReason(err error) string {
	var httpErr *crawler.HTTPError
	if errors.As(err, &httpErr) {
		return fmt.Sprintf("status_%d", httpErr.StatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "network"
}

func isGet(method string) bool {
	return method == "" || strings.EqualFold(method, http.MethodGet)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
	}
}
