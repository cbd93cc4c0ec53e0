package payment

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a payment.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
)

// AllStatuses lists every known status in display order.
var AllStatuses = []Status{StatusPending, StatusCompleted, StatusFailed, StatusCancelled, StatusExpired}

// ParseStatus accepts any casing.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown payment status %q", raw)
	}
	return s, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether the status ends the payment lifecycle.
func (s Status) Terminal() bool {
	return s.Valid() && s != StatusPending
}

// ErrInvalidTransition is returned for moves the state machine forbids.
var ErrInvalidTransition = errors.New("invalid payment status transition")

// CheckTransition validates from -> to. It returns changed=false for a
// same-status update, which callers treat as an idempotent no-op.
//
// PENDING may move to any terminal status. Terminal statuses are final except
// EXPIRED -> COMPLETED, which records a provider confirmation that arrived
// after the local deadline.
func CheckTransition(from, to Status) (changed bool, err error) {
	if !to.Valid() {
		return false, fmt.Errorf("%w: unknown target %q", ErrInvalidTransition, to)
	}
	if from == to {
		return false, nil
	}
	switch {
	case from == StatusPending:
		return true, nil
	case IsLateCompletion(from, to):
		return true, nil
	}
	return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// IsLateCompletion reports the EXPIRED -> COMPLETED exception.
func IsLateCompletion(from, to Status) bool {
	return from == StatusExpired && to == StatusCompleted
}

// Provider identifies the payment gateway.
type Provider string

const ProviderYappy Provider = "yappy"

// Payment is a single attempt to pay for a CV download.
type Payment struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	CVID          string     `json:"cv_id"`
	Provider      Provider   `json:"provider"`
	OrderID       string     `json:"order_id"`
	TransactionID string     `json:"transaction_id,omitempty"`
	AmountCents   int64      `json:"amount_cents"`
	Currency      string     `json:"currency"`
	Phone         string     `json:"phone,omitempty"`
	Status        Status     `json:"status"`
	StatusReason  string     `json:"status_reason,omitempty"`
	ExpiresAt     time.Time  `json:"expires_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// PastDeadline reports whether a pending payment outlived its window.
func (p Payment) PastDeadline(now time.Time) bool {
	return p.Status == StatusPending && !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// Amount formats the amount as a decimal string, e.g. "2.99".
func (p Payment) Amount() string {
	return FormatCents(p.AmountCents)
}

// FormatCents renders cents as a two-decimal string.
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// Log events.
const (
	EventCreated        = "created"
	EventStatusChanged  = "status_changed"
	EventLateCompletion = "late_completion"
	EventManualStatus   = "manual_status"
	EventProviderError  = "provider_error"
	EventIPNReceived    = "ipn_received"
)

// Log is an append-only audit row.
type Log struct {
	ID         string         `json:"id"`
	PaymentID  string         `json:"payment_id"`
	Event      string         `json:"event"`
	FromStatus Status         `json:"from_status,omitempty"`
	ToStatus   Status         `json:"to_status,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Transition is a compare-and-set request: the store applies it only when the
// payment is still in From.
type Transition struct {
	PaymentID     string
	From          Status
	To            Status
	Reason        string
	TransactionID string
	Event         string
	Details       map[string]any
	At            time.Time
}

// Apply returns the payment as it looks after the transition.
func (t Transition) Apply(p Payment) Payment {
	p.Status = t.To
	p.StatusReason = t.Reason
	if t.TransactionID != "" {
		p.TransactionID = t.TransactionID
	}
	if t.To == StatusCompleted {
		at := t.At
		p.CompletedAt = &at
	}
	p.UpdatedAt = t.At
	return p
}

// LogEntry builds the audit row written alongside the transition.
func (t Transition) LogEntry() Log {
	event := t.Event
	if event == "" {
		event = EventStatusChanged
		if IsLateCompletion(t.From, t.To) {
			event = EventLateCompletion
		}
	}
	details := make(map[string]any, len(t.Details)+1)
	for k, v := range t.Details {
		details[k] = v
	}
	if t.Reason != "" {
		details["reason"] = t.Reason
	}
	return Log{
		PaymentID:  t.PaymentID,
		Event:      event,
		FromStatus: t.From,
		ToStatus:   t.To,
		Details:    details,
		CreatedAt:  t.At,
	}
}
