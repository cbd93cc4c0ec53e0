package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/labcv/labcv/internal/logging"
)

func TestCORSMiddleware(t *testing.T) {
	m := NewCORSMiddleware([]string{"https://labcv.app", "*.vercel.app"})
	h := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))

	cases := []struct {
		origin  string
		allowed bool
	}{
		{"https://labcv.app", true},
		{"https://preview-1.vercel.app", true},
		{"https://evil-labcv.app", false},
		{"https://example.com", false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/cvs", nil)
		req.Header.Set("Origin", tc.origin)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if tc.allowed {
			assert.Equal(t, tc.origin, rec.Header().Get("Access-Control-Allow-Origin"), tc.origin)
		} else {
			assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"), tc.origin)
		}
	}

	pre := httptest.NewRequest(http.MethodOptions, "/api/cvs", nil)
	pre.Header.Set("Origin", "https://labcv.app")
	pre.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, pre)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestTracingMiddlewarePropagatesTraceID(t *testing.T) {
	m := NewTracingMiddleware(nil)
	var seen string
	h := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logging.GetTraceID(r.Context())
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TraceHeader, "trace-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "trace-123", rec.Header().Get(TraceHeader))
	assert.Equal(t, "trace-123", seen)
}
