package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/labcv/labcv/internal/app/domain/payment"
	"github.com/labcv/labcv/internal/config"
	"github.com/labcv/labcv/internal/httputil"
	"github.com/labcv/labcv/internal/logging"
)

const yappyOK = "YP-0000"

// ErrYappyRejected is returned when Yappy answers with a non-success code.
var ErrYappyRejected = errors.New("yappy rejected the request")

// YappyClient talks to the Yappy "botón de pago" API.
type YappyClient struct {
	api *httputil.APIClient
	cfg config.YappyConfig
	log *logging.Logger
}

var _ Gateway = (*YappyClient)(nil)

func NewYappyClient(cfg config.YappyConfig, httpClient *http.Client, log *logging.Logger) (*YappyClient, error) {
	if strings.TrimSpace(cfg.MerchantID) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, errors.New("yappy merchant id and secret key are required")
	}
	if log == nil {
		log = logging.NewDefault("yappy")
	}
	return &YappyClient{
		api: httputil.NewAPIClient(httputil.APIClientConfig{
			BaseURL:    cfg.BaseURL,
			Timeout:    20 * time.Second,
			MaxRetries: 2,
			HTTPClient: httpClient,
		}),
		cfg: cfg,
		log: log,
	}, nil
}

// checkStatus returns the "body" object of a successful answer.
func checkStatus(raw []byte) (gjson.Result, error) {
	res := gjson.ParseBytes(raw)
	code := res.Get("status.code").String()
	if code != yappyOK {
		desc := res.Get("status.description").String()
		return gjson.Result{}, fmt.Errorf("%w: %s %s", ErrYappyRejected, code, desc)
	}
	return res.Get("body"), nil
}

// validateMerchant returns the session token and the server epoch used as
// paymentDate.
func (c *YappyClient) validateMerchant(ctx context.Context) (string, int64, error) {
	raw, err := c.api.Do(ctx, http.MethodPost, "/payments/validate/merchant", map[string]string{
		"merchantId": c.cfg.MerchantID,
		"urlDomain":  c.cfg.Domain,
	}, nil)
	if err != nil {
		return "", 0, fmt.Errorf("validate merchant: %w", err)
	}
	body, err := checkStatus(raw)
	if err != nil {
		return "", 0, fmt.Errorf("validate merchant: %w", err)
	}
	token := body.Get("token").String()
	if token == "" {
		return "", 0, errors.New("validate merchant: empty token")
	}
	return token, body.Get("epochTime").Int(), nil
}

func (c *YappyClient) CreateOrder(ctx context.Context, o Order) (Checkout, error) {
	token, epoch, err := c.validateMerchant(ctx)
	if err != nil {
		return Checkout{}, err
	}
	amount := payment.FormatCents(o.AmountCents)
	raw, err := c.api.Do(ctx, http.MethodPost, "/payments/payment-wc", map[string]interface{}{
		"merchantId":  c.cfg.MerchantID,
		"orderId":     o.OrderID,
		"domain":      c.cfg.Domain,
		"paymentDate": epoch,
		"aliasYappy":  o.Phone,
		"ipnUrl":      c.cfg.IPNURL,
		"discount":    "0.00",
		"taxes":       "0.00",
		"subtotal":    amount,
		"total":       amount,
	}, map[string]string{"Authorization": token})
	if err != nil {
		return Checkout{}, fmt.Errorf("create order: %w", err)
	}
	body, err := checkStatus(raw)
	if err != nil {
		return Checkout{}, fmt.Errorf("create order: %w", err)
	}
	out := Checkout{
		TransactionID: body.Get("transactionId").String(),
		Token:         body.Get("token").String(),
		DocumentName:  body.Get("documentName").String(),
	}
	if out.TransactionID == "" {
		return Checkout{}, errors.New("create order: empty transaction id")
	}
	c.log.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id":       o.OrderID,
		"transaction_id": out.TransactionID,
	}).Info("yappy order created")
	return out, nil
}

func (c *YappyClient) OrderStatus(ctx context.Context, orderID string) (string, error) {
	token, _, err := c.validateMerchant(ctx)
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("merchantId", c.cfg.MerchantID)
	q.Set("orderId", orderID)
	raw, err := c.api.Do(ctx, http.MethodGet, "/payments/order-status?"+q.Encode(), nil, map[string]string{"Authorization": token})
	if err != nil {
		return "", fmt.Errorf("order status: %w", err)
	}
	body, err := checkStatus(raw)
	if err != nil {
		return "", fmt.Errorf("order status: %w", err)
	}
	return body.Get("status").String(), nil
}

func (c *YappyClient) VerifyIPN(n IPN) bool {
	return verifyIPN(c.cfg.SecretKey, n)
}
