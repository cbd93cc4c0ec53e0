package httpapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	app "github.com/labcv/labcv/internal/app"
	"github.com/labcv/labcv/internal/app/core/service"
	"github.com/labcv/labcv/internal/app/domain/payment"
	"github.com/labcv/labcv/internal/app/services/payments"
	"github.com/labcv/labcv/internal/app/storage"
	"github.com/labcv/labcv/internal/app/storage/memory"
	"github.com/labcv/labcv/internal/config"
	"github.com/labcv/labcv/internal/errors"
	"github.com/labcv/labcv/internal/middleware"
)

const (
	testJWTSecret = "handler-test-secret-with-at-least-32-characters"
	adminID       = "admin-1"
)

var yappySecret = base64.StdEncoding.EncodeToString([]byte("ipn-key.merchant-salt"))

type testServer struct {
	app     *app.Application
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := &config.Config{
		PublicURL:      "http://localhost:3000",
		AdminUserIDs:   adminID,
		AllowedOrigins: "http://localhost:3000",
		Supabase:       config.SupabaseConfig{JWTSecret: testJWTSecret},
		Yappy:          config.YappyConfig{SecretKey: yappySecret},
		Limits:         config.LimitsConfig{RequestsPerSecond: 1000, Burst: 1000, ChatPerMinute: 1000},
		Product:        *config.DefaultProduct(),
	}
	application, err := app.New(cfg, app.Deps{Store: memory.New()}, nil)
	require.NoError(t, err)
	h, err := NewHandler(application, Options{})
	require.NoError(t, err)
	return &testServer{app: application, handler: h}
}

func token(t *testing.T, subject string) string {
	t.Helper()
	claims := &middleware.Claims{
		Email: subject + "@example.com",
		Role:  "authenticated",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

func (s *testServer) do(t *testing.T, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, user))
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

func (s *testServer) createCV(t *testing.T, user, title string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/cvs", user, map[string]string{"title": title})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, rec, &created)
	require.NotEmpty(t, created.ID)
	return created.ID
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status  string `json:"status"`
		Store   string `json:"store"`
		Modules []struct {
			Name string `json:"name"`
		} `json:"modules"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Store)
	assert.NotEmpty(t, body.Modules)
}

func TestRequiresAuthentication(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.do(t, http.MethodGet, "/api/cvs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.do(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCVLifecycle(t *testing.T) {
	srv := newTestServer(t)
	id := srv.createCV(t, "user-1", "Mi CV")

	rec := srv.do(t, http.MethodGet, "/api/cvs", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	decodeBody(t, rec, &list)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, "Mi CV", list[0].Title)

	// Other users cannot see the CV.
	rec = srv.do(t, http.MethodGet, "/api/cvs/"+id, "user-2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = srv.do(t, http.MethodPatch, "/api/cvs/"+id, "user-1", map[string]string{"title": "Renombrado"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = srv.do(t, http.MethodDelete, "/api/cvs/"+id, "user-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestDecodeRejectsInvalidBodies(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodPost, "/api/cvs", "user-1", map[string]string{"template": "baroque"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp struct {
		Code    string                 `json:"code"`
		Details map[string]interface{} `json:"details"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, string(errors.CodeValidation), resp.Code)
	assert.Contains(t, resp.Details["fields"], "template:oneof")

	rec = srv.do(t, http.MethodPost, "/api/cvs", "user-1", map[string]string{"owner": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownloadRequiresPayment(t *testing.T) {
	srv := newTestServer(t)
	id := srv.createCV(t, "user-1", "")

	rec := srv.do(t, http.MethodGet, "/api/cvs/"+id+"/download", "user-1", nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec = srv.do(t, http.MethodGet, "/api/cvs/"+id+"/access", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Allowed bool `json:"allowed"`
	}
	decodeBody(t, rec, &status)
	assert.False(t, status.Allowed)
}

func ipnURL(t *testing.T, orderID, status, hash string) string {
	t.Helper()
	q := url.Values{}
	q.Set("orderId", orderID)
	q.Set("status", status)
	q.Set("domain", "labcv.app")
	q.Set("hash", hash)
	return "/api/payments/yappy/ipn?" + q.Encode()
}

func TestPaymentFlowGrantsDownload(t *testing.T) {
	srv := newTestServer(t)
	id := srv.createCV(t, "user-1", "Pagado")

	rec := srv.do(t, http.MethodPost, "/api/cvs/"+id+"/payments", "user-1", map[string]string{"phone": "6123-4567"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var started struct {
		Payment struct {
			ID      string `json:"id"`
			OrderID string `json:"order_id"`
			Status  string `json:"status"`
		} `json:"payment"`
		Reused bool `json:"reused"`
	}
	decodeBody(t, rec, &started)
	assert.Equal(t, string(payment.StatusPending), started.Payment.Status)

	// A second start reuses the open payment.
	rec = srv.do(t, http.MethodPost, "/api/cvs/"+id+"/payments", "user-1", map[string]string{"phone": "61234567"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Tampered hash.
	rec = srv.do(t, http.MethodGet, ipnURL(t, started.Payment.OrderID, payment.YappyExecuted, "deadbeef"), "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	hash, err := payments.SignIPN(yappySecret, started.Payment.OrderID, payment.YappyExecuted, "labcv.app")
	require.NoError(t, err)
	rec = srv.do(t, http.MethodGet, ipnURL(t, started.Payment.OrderID, payment.YappyExecuted, hash), "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ack struct {
		Success bool   `json:"success"`
		Status  string `json:"status"`
	}
	decodeBody(t, rec, &ack)
	assert.True(t, ack.Success)
	assert.Equal(t, string(payment.StatusCompleted), ack.Status)

	rec = srv.do(t, http.MethodGet, "/api/payments/"+started.Payment.ID, "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(t, http.MethodGet, "/api/cvs/"+id+"/download", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")))
}

func TestIPNMissingParameters(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.do(t, http.MethodGet, "/api/payments/yappy/ipn?orderId=X", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRoutes(t *testing.T) {
	srv := newTestServer(t)
	srv.createCV(t, "user-1", "Uno")

	rec := srv.do(t, http.MethodGet, "/api/admin/stats", "user-1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = srv.do(t, http.MethodGet, "/api/admin/stats", adminID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var stats storage.Stats
	decodeBody(t, rec, &stats)
	assert.Equal(t, 1, stats.CVs)

	rec = srv.do(t, http.MethodGet, "/api/admin/cvs?q=Uno", adminID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var found struct {
		Total int `json:"total"`
	}
	decodeBody(t, rec, &found)
	assert.Equal(t, 1, found.Total)

	rec = srv.do(t, http.MethodPost, "/api/admin/jobs/missing/run", adminID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = srv.do(t, http.MethodGet, "/api/admin/audit", adminID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []auditEntry
	decodeBody(t, rec, &entries)
	// stats, cvs and the failed job run were recorded; the audit read itself
	// is added after it responds.
	require.Len(t, entries, 3)
	assert.Equal(t, "/api/admin/jobs/missing/run", entries[0].Path)
	assert.Equal(t, http.StatusNotFound, entries[0].Status)
	assert.Equal(t, adminID, entries[0].User)
}

func TestAdminCannotDemoteSelf(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.do(t, http.MethodPut, "/api/admin/users/"+adminID+"/role", adminID, map[string]string{"role": "user"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/cvs", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestToServiceError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{service.Invalid("bad"), http.StatusBadRequest},
		{service.Unauthorized("who"), http.StatusUnauthorized},
		{service.Forbidden("no"), http.StatusForbidden},
		{service.PaymentRequired("pay"), http.StatusPaymentRequired},
		{service.Conflict("busy"), http.StatusConflict},
		{service.Unavailable("down", fmt.Errorf("dial")), http.StatusServiceUnavailable},
		{fmt.Errorf("wrap: %w", storage.ErrNotFound), http.StatusNotFound},
		{storage.ErrStaleTransition, http.StatusConflict},
		{storage.ErrAccessDenied, http.StatusPaymentRequired},
		{errors.RateLimitExceeded("api", 3), http.StatusTooManyRequests},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, toServiceError(tc.err).HTTPStatus, tc.err.Error())
	}
	assert.Equal(t, "bad", toServiceError(service.Invalid("bad")).Message)
}
