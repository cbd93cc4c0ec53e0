package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/labcv/labcv/internal/app/domain/payment"
)

// Order is what the gateway needs to open a payment.
type Order struct {
	OrderID     string
	Phone       string
	AmountCents int64
	Currency    string
	Description string
}

// Checkout is the provider's answer to a new order. Token and DocumentName
// are handed to the browser button.
type Checkout struct {
	TransactionID string `json:"transaction_id"`
	Token         string `json:"token,omitempty"`
	DocumentName  string `json:"document_name,omitempty"`
}

// IPN is the instant payment notification sent by the provider.
type IPN struct {
	OrderID string
	Status  string
	Domain  string
	Hash    string
}

// Gateway is a payment provider.
type Gateway interface {
	CreateOrder(ctx context.Context, o Order) (Checkout, error)
	// OrderStatus returns the provider code for the order (E, R, C, X, or
	// anything else while pending).
	OrderStatus(ctx context.Context, orderID string) (string, error)
	VerifyIPN(n IPN) bool
}

// SignIPN computes the hash the provider attaches to an IPN. The HMAC key is
// the first dot-separated field of the base64-decoded secret.
func SignIPN(secret, orderID, status, domain string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(secret))
	if err != nil {
		return "", fmt.Errorf("decode yappy secret: %w", err)
	}
	key := strings.SplitN(string(decoded), ".", 2)[0]
	if key == "" {
		return "", errors.New("yappy secret has an empty key")
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(orderID + status + domain))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func verifyIPN(secret string, n IPN) bool {
	if n.Hash == "" || n.OrderID == "" {
		return false
	}
	want, err := SignIPN(secret, n.OrderID, n.Status, n.Domain)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(strings.ToLower(strings.TrimSpace(n.Hash))))
}

// Sandbox is an in-process gateway for development and tests. Orders stay
// pending until SetStatus is called.
type Sandbox struct {
	secret string

	mu       sync.Mutex
	statuses map[string]string
	orders   []Order
	// FailCreate makes CreateOrder fail with this error when set.
	FailCreate error
	// FailStatus makes OrderStatus fail with this error when set.
	FailStatus error
}

var _ Gateway = (*Sandbox)(nil)

// NewSandbox creates a sandbox that signs IPNs with secret.
func NewSandbox(secret string) *Sandbox {
	return &Sandbox{secret: secret, statuses: make(map[string]string)}
}

func (s *Sandbox) CreateOrder(_ context.Context, o Order) (Checkout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCreate != nil {
		return Checkout{}, s.FailCreate
	}
	s.orders = append(s.orders, o)
	s.statuses[o.OrderID] = "P"
	return Checkout{TransactionID: "SBX-" + o.OrderID, Token: "sandbox-token", DocumentName: "sandbox"}, nil
}

func (s *Sandbox) OrderStatus(_ context.Context, orderID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailStatus != nil {
		return "", s.FailStatus
	}
	code, ok := s.statuses[orderID]
	if !ok {
		return "", fmt.Errorf("sandbox: unknown order %s", orderID)
	}
	return code, nil
}

// SetStatus sets the provider code reported for orderID.
func (s *Sandbox) SetStatus(orderID, code string) {
	s.mu.Lock()
	s.statuses[orderID] = code
	s.mu.Unlock()
}

// Orders returns the orders created so far.
func (s *Sandbox) Orders() []Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Order(nil), s.orders...)
}

func (s *Sandbox) VerifyIPN(n IPN) bool {
	return verifyIPN(s.secret, n)
}

// Settle makes the order report the provider code of status.
func (s *Sandbox) Settle(orderID string, status payment.Status) {
	s.SetStatus(orderID, yappyCode(status))
}

func yappyCode(status payment.Status) string {
	switch status {
	case payment.StatusCompleted:
		return payment.YappyExecuted
	case payment.StatusFailed:
		return payment.YappyRejected
	case payment.StatusCancelled:
		return payment.YappyCanceled
	case payment.StatusExpired:
		return payment.YappyExpired
	}
	return "P"
}
