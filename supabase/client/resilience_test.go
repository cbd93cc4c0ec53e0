package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries:     retries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
		RetryOnStatus:  []int{http.StatusServiceUnavailable, http.StatusTooManyRequests},
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond, Multiplier: 2}
	cases := map[int]time.Duration{0: 0, 1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 3: 300 * time.Millisecond, 6: 300 * time.Millisecond}
	for attempt, want := range cases {
		if got := p.Backoff(attempt); got != want {
			t.Errorf("Backoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(BreakerSettings{FailureThreshold: 2, SuccessThreshold: 1, OpenFor: time.Minute})
	cb.now = func() time.Time { return now }

	cb.Failure(errors.New("a"))
	if cb.State() != CircuitClosed {
		t.Fatalf("state = %s after one failure", cb.State())
	}
	cb.Failure(errors.New("b"))
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow = %v, want ErrCircuitOpen", err)
	}
	if cb.LastError() == nil || cb.LastError().Error() != "b" {
		t.Fatalf("LastError = %v", cb.LastError())
	}

	now = now.Add(2 * time.Minute)
	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow after timeout = %v", err)
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("state = %s, want half-open", cb.State())
	}
	cb.Success()
	if cb.State() != CircuitClosed {
		t.Fatalf("state = %s, want closed", cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(BreakerSettings{FailureThreshold: 1, SuccessThreshold: 2, OpenFor: time.Second})
	cb.now = func() time.Time { return now }

	cb.Failure(errors.New("down"))
	now = now.Add(2 * time.Second)
	_ = cb.Allow()
	cb.Failure(errors.New("still down"))
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}
}

func TestCircuitStateString(t *testing.T) {
	if CircuitHalfOpen.String() != "half-open" || CircuitState(9).String() != "unknown" {
		t.Fatal("unexpected state names")
	}
}

func TestRetryTransportRetriesAndReplaysBody(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != "payload" {
			t.Errorf("attempt body = %q", body)
		}
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	transport := NewRetryTransport(nil, fastPolicy(3), DefaultBreakerSettings())
	client := &http.Client{Transport: transport}

	req, _ := http.NewRequest(http.MethodPost, server.URL, bytes.NewReader([]byte("payload")))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if transport.Stats()["retried"] != 2 {
		t.Fatalf("stats = %v", transport.Stats())
	}
}

func TestRetryTransportReturnsLastRetryableResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	transport := NewRetryTransport(nil, fastPolicy(1), DefaultBreakerSettings())
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := (&http.Client{Transport: transport}).Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestRetryTransportCircuitOpen(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	transport := NewRetryTransport(nil, fastPolicy(0), BreakerSettings{FailureThreshold: 2, SuccessThreshold: 1, OpenFor: time.Hour})
	client := &http.Client{Transport: transport}
	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		resp.Body.Close()
	}

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	if _, err := client.Do(req); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestRetryTransportHonoursContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	policy := fastPolicy(5)
	policy.InitialBackoff = time.Second
	policy.MaxBackoff = time.Second
	transport := NewRetryTransport(nil, policy, DefaultBreakerSettings())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	if _, err := (&http.Client{Transport: transport}).Do(req); err == nil {
		t.Fatal("expected context error")
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	if GetRequestID(context.Background()) != "" {
		t.Fatal("empty context should have no request id")
	}
	id := GenerateRequestID()
	if GetRequestID(WithRequestID(context.Background(), id)) != id {
		t.Fatal("request id not stored")
	}
}
