package dsa

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// Limit is a token bucket rate: RPS with a burst capacity.
type Limit struct {
	RPS   float64
	Burst int
}

var defaultLimit = Limit{RPS: 8, Burst: 8}

// TransportOptions configures the retrying, rate-limited transport.
type TransportOptions struct {
	RetryMax    int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	JitterFn    func(base time.Duration, attempt int) time.Duration
	Clock       Clock
	Metrics     *Metrics

	// HostLimits is keyed by req.URL.Host; unknown hosts get defaultLimit.
	HostLimits map[string]Limit
}

func envFloat(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
	}
	return def
}

func envInt(key string, def, min int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= min {
			return n
		}
	}
	return def
}

// DefaultTransportOptionsFromEnv returns transport defaults for the DSA host
// of apiURL, tuned by DSA_RPS, DSA_BURST, DSA_RETRY_MAX, DSA_RETRY_BASE_MS and
// DSA_RETRY_CAP_MS.
func DefaultTransportOptionsFromEnv(apiURL string) TransportOptions {
	lim := Limit{
		RPS:   envFloat("DSA_RPS", defaultLimit.RPS),
		Burst: envInt("DSA_BURST", defaultLimit.Burst, 1),
	}
	hosts := map[string]Limit{}
	if u, err := url.Parse(apiURL); err == nil && u.Host != "" {
		hosts[u.Host] = lim
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var rngMu sync.Mutex
	return TransportOptions{
		RetryMax:    envInt("DSA_RETRY_MAX", 3, 0),
		BackoffBase: time.Duration(envInt("DSA_RETRY_BASE_MS", 250, 0)) * time.Millisecond,
		BackoffCap:  time.Duration(envInt("DSA_RETRY_CAP_MS", 5000, 1)) * time.Millisecond,
		Clock:       realClock{},
		JitterFn: func(base time.Duration, _ int) time.Duration {
			if base <= 0 {
				return 0
			}
			rngMu.Lock()
			defer rngMu.Unlock()
			return time.Duration(rng.Int63n(base.Nanoseconds()))
		},
		Metrics:    NewMetrics(),
		HostLimits: hosts,
	}
}

// NewHTTPClient builds an *http.Client that rate-limits and retries through
// a RetryingLimiterTransport.
func NewHTTPClient(opts TransportOptions, timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout, Transport: NewRetryingLimiterTransport(opts)}
}

type tokenBucket struct {
	mu     sync.Mutex
	rps    float64
	ceil   float64
	burst  float64
	tokens float64
	last   time.Time
	clock  Clock
}

func newTokenBucket(lim Limit, clock Clock) *tokenBucket {
	if lim.RPS <= 0 {
		lim.RPS = defaultLimit.RPS
	}
	burst := float64(max(1, lim.Burst))
	return &tokenBucket{rps: lim.RPS, ceil: lim.RPS, burst: burst, tokens: burst, last: clock.Now(), clock: clock}
}

// take consumes a token if available, otherwise reports how long until one is.
func (tb *tokenBucket) take() (time.Duration, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := tb.clock.Now()
	if d := now.Sub(tb.last).Seconds() * tb.rps; d > 0 {
		tb.tokens = math.Min(tb.burst, tb.tokens+d)
		tb.last = now
	}
	if tb.tokens >= 1 {
		tb.tokens--
		return 0, true
	}
	return time.Duration((1 - tb.tokens) / tb.rps * float64(time.Second)), false
}

func (tb *tokenBucket) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait, ok := tb.take()
		if ok {
			return nil
		}
		// sleep in short slices so cancellation is observed
		tb.clock.Sleep(minDur(max(wait, time.Millisecond), 50*time.Millisecond))
	}
}

// scale multiplies the current rate by f, bounded to [1, ceiling].
func (tb *tokenBucket) scale(f float64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.rps = math.Max(1, math.Min(tb.ceil, tb.rps*f))
}

func (tb *tokenBucket) rate() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.rps
}

// RetryingLimiterTransport rate-limits requests per host and retries 429,
// selected 5xx responses and transient network errors.
type RetryingLimiterTransport struct {
	Base     http.RoundTripper
	Opts     TransportOptions
	limMu    sync.Mutex
	limiters map[string]*tokenBucket
}

func NewRetryingLimiterTransport(opts TransportOptions) *RetryingLimiterTransport {
	return &RetryingLimiterTransport{Opts: opts, limiters: make(map[string]*tokenBucket)}
}

func (t *RetryingLimiterTransport) limiter(host string) *tokenBucket {
	t.limMu.Lock()
	defer t.limMu.Unlock()
	if tb, ok := t.limiters[host]; ok {
		return tb
	}
	lim, ok := t.Opts.HostLimits[host]
	if !ok {
		lim = defaultLimit
	}
	tb := newTokenBucket(lim, t.clock())
	t.limiters[host] = tb
	return tb
}

func (t *RetryingLimiterTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *RetryingLimiterTransport) clock() Clock {
	if t.Opts.Clock != nil {
		return t.Opts.Clock
	}
	return realClock{}
}

// replayable buffers a write body so it can be resent on retry.
func replayable(req *http.Request) error {
	if req.Body == nil || req.GetBody != nil {
		return nil
	}
	buf, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return err
	}
	req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(buf)), nil }
	req.Body = io.NopCloser(bytes.NewReader(buf))
	return nil
}

func (t *RetryingLimiterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := replayable(req); err != nil {
		return nil, err
	}
	ctx := req.Context()
	lim := t.limiter(req.URL.Host)
	m := t.Opts.Metrics
	if m != nil {
		m.IncRequest(req.URL.Host, req.Method)
	}
	rc := retryCountersFrom(ctx)

	attempts := max(1, t.Opts.RetryMax+1)
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return nil, err
		}
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			req.Body = body
		}
		last := attempt == attempts-1

		resp, err := t.base().RoundTrip(req)
		if err != nil {
			if last || !isTransientNetErr(err) || ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			rc.addNet()
			if m != nil {
				m.IncRetry()
			}
			lim.scale(0.9)
			t.pause(t.backoff(attempt))
			continue
		}
		if m != nil {
			m.IncStatus(resp.StatusCode)
		}
		if resp.StatusCode < 300 {
			lim.scale(1.05)
		}
		if !shouldRetryStatus(resp.StatusCode) {
			return resp, nil
		}
		if last {
			// No retry left here, but the server still asked us to slow down.
			if parseRetryAfter(resp.Header.Get("Retry-After"), t.clock().Now()) > 0 {
				lim.scale(0.5)
			} else {
				lim.scale(0.75)
			}
			return resp, nil
		}

		resp.Body.Close()
		rc.addStatus(resp.StatusCode)
		if m != nil {
			m.IncRetry()
		}
		wait := parseRetryAfter(resp.Header.Get("Retry-After"), t.clock().Now())
		if wait > 0 {
			lim.scale(0.5)
			wait = minDur(wait, t.backoffCap())
		} else {
			lim.scale(0.75)
			wait = t.backoff(attempt)
		}
		t.pause(wait)
	}
	if lastErr == nil {
		lastErr = errors.New("dsa: retries exhausted")
	}
	return nil, lastErr
}

func (t *RetryingLimiterTransport) backoffCap() time.Duration {
	if t.Opts.BackoffCap > 0 {
		return t.Opts.BackoffCap
	}
	return 5 * time.Second
}

// backoff is base*2^attempt plus jitter, capped.
func (t *RetryingLimiterTransport) backoff(attempt int) time.Duration {
	base := t.Opts.BackoffBase
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	d := minDur(time.Duration(float64(base)*math.Pow(2, float64(attempt))), t.backoffCap())
	if t.Opts.JitterFn != nil {
		d += t.Opts.JitterFn(d, attempt)
	}
	return minDur(d, t.backoffCap())
}

func (t *RetryingLimiterTransport) pause(d time.Duration) {
	if d <= 0 {
		return
	}
	if t.Opts.Metrics != nil {
		t.Opts.Metrics.AddBackoff(d)
	}
	t.clock().Sleep(d)
}

func isTransientNetErr(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "timeout") || strings.Contains(msg, "temporary")
}

func shouldRetryStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout
}

func parseRetryAfter(h string, now time.Time) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(h); err == nil && when.After(now) {
		return when.Sub(now)
	}
	return 0
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
