package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labcv/labcv/internal/config"
)

func fakeYappy(t *testing.T, statusCode string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/payments/validate/merchant":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "M-1", body["merchantId"])
			assert.Equal(t, testDomain, body["urlDomain"])
			_, _ = w.Write([]byte(`{"status":{"code":"YP-0000","description":"ok"},"body":{"token":"tok-1","epochTime":1760000000}}`))
		case "/payments/payment-wc":
			assert.Equal(t, "tok-1", r.Header.Get("Authorization"))
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "2.99", body["total"])
			assert.Equal(t, "60000000", body["aliasYappy"])
			assert.EqualValues(t, 1760000000, body["paymentDate"])
			_, _ = w.Write([]byte(`{"status":{"code":"YP-0000"},"body":{"transactionId":"TX-9","token":"wc-token","documentName":"doc"}}`))
		case "/payments/order-status":
			assert.Equal(t, "LC123", r.URL.Query().Get("orderId"))
			_, _ = w.Write([]byte(`{"status":{"code":"` + statusCode + `","description":"Orden no encontrada"},"body":{"status":"E"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func newYappy(t *testing.T, baseURL string) *YappyClient {
	t.Helper()
	c, err := NewYappyClient(config.YappyConfig{
		BaseURL:    baseURL,
		MerchantID: "M-1",
		SecretKey:  testSecret,
		Domain:     testDomain,
		IPNURL:     testDomain + "/api/payments/yappy/ipn",
	}, nil, nil)
	require.NoError(t, err)
	return c
}

func TestYappyCreateOrder(t *testing.T) {
	server := fakeYappy(t, "YP-0000")
	defer server.Close()

	checkout, err := newYappy(t, server.URL).CreateOrder(context.Background(), Order{OrderID: "LC123", Phone: "60000000", AmountCents: 299})
	require.NoError(t, err)
	assert.Equal(t, Checkout{TransactionID: "TX-9", Token: "wc-token", DocumentName: "doc"}, checkout)
}

func TestYappyOrderStatus(t *testing.T) {
	server := fakeYappy(t, "YP-0000")
	defer server.Close()

	code, err := newYappy(t, server.URL).OrderStatus(context.Background(), "LC123")
	require.NoError(t, err)
	assert.Equal(t, "E", code)
}

func TestYappyRejectedStatus(t *testing.T) {
	server := fakeYappy(t, "YP-0404")
	defer server.Close()

	_, err := newYappy(t, server.URL).OrderStatus(context.Background(), "LC123")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrYappyRejected))
	assert.Contains(t, err.Error(), "YP-0404")
}

func TestYappyVerifyIPN(t *testing.T) {
	c := newYappy(t, "http://unused")
	hash, err := SignIPN(testSecret, "LC123", "E", testDomain)
	require.NoError(t, err)

	assert.True(t, c.VerifyIPN(IPN{OrderID: "LC123", Status: "E", Domain: testDomain, Hash: hash}))
	assert.False(t, c.VerifyIPN(IPN{OrderID: "LC123", Status: "R", Domain: testDomain, Hash: hash}))
	assert.False(t, c.VerifyIPN(IPN{OrderID: "LC123", Status: "E", Domain: testDomain}))
}

func TestSignIPNRejectsBadSecret(t *testing.T) {
	_, err := SignIPN("not base64!", "o", "E", "d")
	assert.Error(t, err)
}

func TestNewYappyClientRequiresCredentials(t *testing.T) {
	_, err := NewYappyClient(config.YappyConfig{BaseURL: "http://x"}, nil, nil)
	assert.Error(t, err)
}
