package client

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// RetryPolicy controls how failed calls are retried. Jitter is a fraction in
// [0, 1] applied symmetrically to each backoff.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
	RetryOnStatus  []int
}

// DefaultRetryPolicy retries 429 and gateway failures three times.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2,
		Jitter:         0.1,
		RetryOnStatus: []int{
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}
}

// Backoff returns the wait before the given retry attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		d = float64(p.MaxBackoff)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}

func (p RetryPolicy) retryStatus(code int) bool {
	for _, c := range p.RetryOnStatus {
		if c == code {
			return true
		}
	}
	return false
}

// CircuitState is the state of a CircuitBreaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerSettings configures a CircuitBreaker.
type BreakerSettings struct {
	FailureThreshold int
	SuccessThreshold int
	OpenFor          time.Duration
	OnStateChange    func(from, to CircuitState)
}

// DefaultBreakerSettings opens after five consecutive failures for 30 seconds.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{FailureThreshold: 5, SuccessThreshold: 2, OpenFor: 30 * time.Second}
}

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("supabase: circuit breaker is open")

// CircuitBreaker stops calling Supabase after repeated failures.
type CircuitBreaker struct {
	mu        sync.Mutex
	settings  BreakerSettings
	state     CircuitState
	failures  int
	successes int
	openedAt  time.Time
	lastErr   error
	now       func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(settings BreakerSettings) *CircuitBreaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 1
	}
	if settings.SuccessThreshold <= 0 {
		settings.SuccessThreshold = 1
	}
	return &CircuitBreaker{settings: settings, now: time.Now}
}

// Allow returns ErrCircuitOpen while the breaker is open.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen {
		if cb.now().Sub(cb.openedAt) < cb.settings.OpenFor {
			return ErrCircuitOpen
		}
		cb.setState(CircuitHalfOpen)
	}
	return nil
}

// Success records a successful call.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.settings.SuccessThreshold {
			cb.setState(CircuitClosed)
		}
	}
}

// Failure records a failed call.
func (cb *CircuitBreaker) Failure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastErr = err
	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.settings.FailureThreshold {
			cb.setState(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.setState(CircuitOpen)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// LastError returns the most recent recorded failure.
func (cb *CircuitBreaker) LastError() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastErr
}

// caller holds cb.mu.
func (cb *CircuitBreaker) setState(next CircuitState) {
	prev := cb.state
	cb.state = next
	cb.failures = 0
	cb.successes = 0
	if next == CircuitOpen {
		cb.openedAt = cb.now()
	}
	if cb.settings.OnStateChange != nil && prev != next {
		go cb.settings.OnStateChange(prev, next)
	}
}

// StatusError is the last retryable status once retries are exhausted.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return "supabase: " + http.StatusText(e.StatusCode)
}

// RetryTransport is an http.RoundTripper that retries transient failures and
// trips a circuit breaker. Request bodies are replayed through GetBody.
type RetryTransport struct {
	Base    http.RoundTripper
	Policy  RetryPolicy
	Breaker *CircuitBreaker

	total   atomic.Int64
	retried atomic.Int64
	failed  atomic.Int64
}

// NewRetryTransport wraps base (http.DefaultTransport when nil).
func NewRetryTransport(base http.RoundTripper, policy RetryPolicy, breaker BreakerSettings) *RetryTransport {
	if base == nil {
		base = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:        50,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	return &RetryTransport{Base: base, Policy: policy, Breaker: NewCircuitBreaker(breaker)}
}

func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.total.Add(1)
	if err := t.Breaker.Allow(); err != nil {
		t.failed.Add(1)
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= t.Policy.MaxRetries; attempt++ {
		if attempt > 0 {
			t.retried.Add(1)
			timer := time.NewTimer(t.Policy.Backoff(attempt))
			select {
			case <-req.Context().Done():
				timer.Stop()
				t.failed.Add(1)
				return nil, req.Context().Err()
			case <-timer.C:
			}
			if req.Body != nil && req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, err
				}
				req = req.Clone(req.Context())
				req.Body = body
			} else if req.Body != nil && req.Body != http.NoBody {
				break
			}
		}

		resp, err := t.Base.RoundTrip(req)
		if err != nil {
			lastErr = err
			if transientNetError(err) {
				continue
			}
			t.Breaker.Failure(err)
			t.failed.Add(1)
			return nil, err
		}
		if t.Policy.retryStatus(resp.StatusCode) && attempt < t.Policy.MaxRetries {
			lastErr = &StatusError{StatusCode: resp.StatusCode}
			resp.Body.Close()
			continue
		}
		if resp.StatusCode >= 500 {
			t.Breaker.Failure(&StatusError{StatusCode: resp.StatusCode})
		} else {
			t.Breaker.Success()
		}
		return resp, nil
	}

	if lastErr == nil {
		lastErr = errors.New("supabase: request body cannot be replayed")
	}
	t.Breaker.Failure(lastErr)
	t.failed.Add(1)
	return nil, lastErr
}

// Stats returns request counters.
func (t *RetryTransport) Stats() map[string]int64 {
	return map[string]int64{
		"total":   t.total.Load(),
		"retried": t.retried.Load(),
		"failed":  t.failed.Load(),
	}
}

func transientNetError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// NewResilient creates a client whose HTTP calls go through a RetryTransport.
func NewResilient(cfg Config, policy RetryPolicy, breaker BreakerSettings) (*Client, *RetryTransport, error) {
	var base http.RoundTripper
	timeout := 30 * time.Second
	if cfg.HTTPClient != nil {
		base = cfg.HTTPClient.Transport
		if cfg.HTTPClient.Timeout > 0 {
			timeout = cfg.HTTPClient.Timeout
		}
	}
	transport := NewRetryTransport(base, policy, breaker)
	cfg.HTTPClient = &http.Client{Transport: transport, Timeout: timeout}
	c, err := New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return c, transport, nil
}

type requestIDKey struct{}

// WithRequestID stores the id forwarded as X-Request-ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// GetRequestID returns the id stored by WithRequestID.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// GenerateRequestID returns a new random request id.
func GenerateRequestID() string {
	return uuid.NewString()
}
