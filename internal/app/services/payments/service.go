// Package payments runs Yappy payments for CV downloads: it opens orders,
// reconciles their status with the provider and grants download access once
// a payment completes.
package payments

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/labcv/labcv/internal/app/core/service"
	"github.com/labcv/labcv/internal/app/domain/access"
	"github.com/labcv/labcv/internal/app/domain/cv"
	"github.com/labcv/labcv/internal/app/domain/payment"
	"github.com/labcv/labcv/internal/app/domain/profile"
	"github.com/labcv/labcv/internal/app/metrics"
	"github.com/labcv/labcv/internal/app/services/notify"
	"github.com/labcv/labcv/internal/app/storage"
	"github.com/labcv/labcv/internal/config"
	"github.com/labcv/labcv/internal/logging"
)

// Transition sources reported in metrics and logs.
const (
	SourceStart = "start"
	SourceIPN   = "ipn"
	SourcePoll  = "poll"
	SourceCron  = "cron"
	SourceAdmin = "admin"
)

const (
	maxTransitionAttempts = 3
	// grantRepairWindow bounds how far back completed payments are checked
	// for a missing download grant.
	grantRepairWindow = 7 * 24 * time.Hour
)

// CVLookup reads CVs for ownership checks and receipts.
type CVLookup interface {
	GetCV(ctx context.Context, id string) (cv.CV, error)
}

// ProfileLookup reads the payer's e-mail for the receipt.
type ProfileLookup interface {
	GetProfile(ctx context.Context, id string) (profile.Profile, error)
}

// AccessGranter is the part of the access service payments depend on.
type AccessGranter interface {
	EnsureGrant(ctx context.Context, userID, cvID, paymentID string, completedAt time.Time) (access.Grant, bool, error)
	HasAccess(ctx context.Context, userID, cvID string) (bool, error)
}

// Options carries the optional collaborators of the service.
type Options struct {
	Profiles  ProfileLookup
	Mailer    notify.Mailer
	PublicURL string
}

// Service manages the payment lifecycle.
type Service struct {
	store    storage.PaymentStore
	cvs      CVLookup
	access   AccessGranter
	gateway  Gateway
	pricing  config.PricingSettings
	settings config.PaymentSettings
	opts     Options
	log      *logging.Logger
	now      func() time.Time
}

func New(store storage.PaymentStore, cvs CVLookup, granter AccessGranter, gateway Gateway, product config.Product, opts Options, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("payments")
	}
	return &Service{
		store:    store,
		cvs:      cvs,
		access:   granter,
		gateway:  gateway,
		pricing:  product.Pricing,
		settings: product.Payments,
		opts:     opts,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Descriptor() service.Descriptor {
	return service.Descriptor{Name: "payments", Capabilities: []string{"yappy", "ipn", "reconcile"}}
}

var phoneDigits = regexp.MustCompile(`\D`)

// NormalizePhone returns the 8-digit Panamanian mobile number Yappy uses as
// alias, accepting an optional 507 prefix.
func NormalizePhone(raw string) (string, bool) {
	digits := phoneDigits.ReplaceAllString(raw, "")
	if len(digits) == 11 && strings.HasPrefix(digits, "507") {
		digits = digits[3:]
	}
	if len(digits) != 8 || digits[0] != '6' {
		return "", false
	}
	return digits, true
}

// newOrderID returns a 15-character alphanumeric reference.
func newOrderID() string {
	return "LC" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:13])
}

// Started is the answer to Start.
type Started struct {
	Payment  payment.Payment `json:"payment"`
	Checkout *Checkout       `json:"checkout,omitempty"`
	Reused   bool            `json:"reused"`
}

// Start opens a payment for the CV download. An open payment for the same CV
// is returned instead of creating a second one.
func (s *Service) Start(ctx context.Context, userID, cvID, phone string) (Started, error) {
	alias, ok := NormalizePhone(phone)
	if !ok {
		return Started{}, service.Invalid("Ingresa un número Yappy válido de 8 dígitos")
	}
	c, err := s.cvs.GetCV(ctx, cvID)
	if err != nil {
		return Started{}, err
	}
	if c.UserID != userID {
		return Started{}, storage.ErrNotFound
	}

	has, err := s.access.HasAccess(ctx, userID, cvID)
	if err != nil {
		return Started{}, fmt.Errorf("check access: %w", err)
	}
	if !has {
		has, err = s.restoreAccess(ctx, userID, cvID)
		if err != nil {
			return Started{}, err
		}
	}
	if has {
		return Started{}, service.Conflict("Ya tienes acceso para descargar este CV")
	}

	now := s.now()
	if open, err := s.store.FindOpenPayment(ctx, userID, cvID, now); err == nil {
		return Started{Payment: open, Reused: true}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Started{}, fmt.Errorf("find open payment: %w", err)
	}

	p, err := s.store.CreatePayment(ctx, payment.Payment{
		UserID:      userID,
		CVID:        cvID,
		Provider:    payment.ProviderYappy,
		OrderID:     newOrderID(),
		AmountCents: s.pricing.AmountCents,
		Currency:    s.pricing.Currency,
		Phone:       alias,
		Status:      payment.StatusPending,
		ExpiresAt:   now.Add(s.settings.Window),
	})
	if err != nil {
		return Started{}, fmt.Errorf("create payment: %w", err)
	}
	log := s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"payment_id": p.ID,
		"order_id":   p.OrderID,
		"cv_id":      cvID,
	})

	checkout, err := s.gateway.CreateOrder(ctx, Order{
		OrderID:     p.OrderID,
		Phone:       alias,
		AmountCents: p.AmountCents,
		Currency:    p.Currency,
		Description: s.pricing.Description,
	})
	if err != nil {
		log.WithError(err).Warn("yappy order failed")
		if _, terr := s.transition(ctx, p, payment.StatusFailed, transitionOpts{
			source:  SourceStart,
			reason:  "provider_error",
			event:   payment.EventProviderError,
			details: map[string]any{"error": err.Error()},
		}); terr != nil {
			log.WithError(terr).Error("mark payment failed")
		}
		return Started{}, service.Unavailable("No pudimos iniciar el pago con Yappy. Intenta de nuevo.", err)
	}

	if err := s.store.SetTransactionID(ctx, p.ID, checkout.TransactionID); err != nil {
		return Started{}, fmt.Errorf("store transaction id: %w", err)
	}
	p.TransactionID = checkout.TransactionID
	log.WithField("transaction_id", checkout.TransactionID).Info("payment started")
	return Started{Payment: p, Checkout: &checkout}, nil
}

// Status returns a payment of the user. Pending payments are reconciled
// first; a provider failure is logged and the stored state returned.
func (s *Service) Status(ctx context.Context, userID, paymentID string, admin bool) (payment.Payment, error) {
	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return payment.Payment{}, err
	}
	if p.UserID != userID && !admin {
		return payment.Payment{}, storage.ErrNotFound
	}
	if p.Status == payment.StatusCompleted {
		if _, err := s.ensureAccess(ctx, p); err != nil {
			s.log.WithContext(ctx).WithError(err).WithField("payment_id", p.ID).Warn("grant on status failed")
		}
		return p, nil
	}
	if p.Status != payment.StatusPending {
		return p, nil
	}
	updated, err := s.Reconcile(ctx, p)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).WithField("payment_id", p.ID).Warn("reconcile on status failed")
		return p, nil
	}
	return updated, nil
}

// Reconcile asks the provider for the order status and applies it. A pending
// payment past its deadline expires unless the provider reports execution;
// a rejection or cancellation reported after the deadline still expires it.
// EXPIRED payments are checked for a late completion.
func (s *Service) Reconcile(ctx context.Context, p payment.Payment) (payment.Payment, error) {
	return s.reconcile(ctx, p, SourcePoll)
}

func (s *Service) reconcile(ctx context.Context, p payment.Payment, source string) (payment.Payment, error) {
	if p.Status != payment.StatusPending && p.Status != payment.StatusExpired {
		return p, nil
	}
	code, err := s.gateway.OrderStatus(ctx, p.OrderID)
	if err != nil {
		if p.PastDeadline(s.now()) {
			return s.expire(ctx, p, source)
		}
		return p, fmt.Errorf("order status: %w", err)
	}

	to, final := payment.FromYappy(code)
	if final && (to == payment.StatusCompleted || !p.PastDeadline(s.now())) {
		updated, err := s.transition(ctx, p, to, transitionOpts{source: source, reason: "yappy:" + strings.ToUpper(code)})
		if errors.Is(err, payment.ErrInvalidTransition) {
			// EXPIRED stays EXPIRED unless the provider executed the payment.
			return p, nil
		}
		return updated, err
	}
	if p.PastDeadline(s.now()) {
		return s.expire(ctx, p, source)
	}
	return p, nil
}

func (s *Service) expire(ctx context.Context, p payment.Payment, source string) (payment.Payment, error) {
	if p.Status != payment.StatusPending {
		return p, nil
	}
	return s.transition(ctx, p, payment.StatusExpired, transitionOpts{source: source, reason: "deadline"})
}

// HandleIPN applies a provider notification after verifying its hash.
func (s *Service) HandleIPN(ctx context.Context, n IPN) (payment.Payment, error) {
	if !s.gateway.VerifyIPN(n) {
		s.log.LogSecurityEvent(ctx, "yappy_ipn_invalid_hash", map[string]interface{}{
			"order_id": n.OrderID,
			"status":   n.Status,
			"domain":   n.Domain,
		})
		return payment.Payment{}, service.Unauthorized("Firma de notificación inválida")
	}
	p, err := s.store.GetPaymentByOrderID(ctx, n.OrderID)
	if err != nil {
		return payment.Payment{}, err
	}
	if _, err := s.store.AppendPaymentLog(ctx, payment.Log{
		PaymentID:  p.ID,
		Event:      payment.EventIPNReceived,
		FromStatus: p.Status,
		Details:    map[string]any{"status": n.Status, "domain": n.Domain},
	}); err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("append ipn log")
	}

	to, final := payment.FromYappy(n.Status)
	if !final {
		return p, nil
	}
	if to != payment.StatusCompleted && p.PastDeadline(s.now()) {
		return s.expire(ctx, p, SourceIPN)
	}
	updated, err := s.transition(ctx, p, to, transitionOpts{source: SourceIPN, reason: "yappy:" + strings.ToUpper(n.Status)})
	if errors.Is(err, payment.ErrInvalidTransition) {
		s.log.WithContext(ctx).WithFields(map[string]interface{}{
			"payment_id": p.ID,
			"current":    p.Status,
			"reported":   to,
		}).Warn("ignoring ipn for finished payment")
		return p, nil
	}
	return updated, err
}

// ExpireStale marks pending payments past their deadline as EXPIRED without
// asking the provider.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	pending, err := s.store.ListPendingPayments(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending payments: %w", err)
	}
	now := s.now()
	expired := 0
	for _, p := range pending {
		if !p.PastDeadline(now) {
			continue
		}
		updated, err := s.expire(ctx, p, SourceCron)
		if err != nil {
			s.log.WithContext(ctx).WithError(err).WithField("payment_id", p.ID).Warn("expire payment")
			continue
		}
		if updated.Status == payment.StatusExpired {
			expired++
		}
	}
	return expired, nil
}

// ReconcilePending reconciles every pending payment once and restores
// missing grants of recently completed payments.
func (s *Service) ReconcilePending(ctx context.Context) (int, error) {
	pending, err := s.store.ListPendingPayments(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending payments: %w", err)
	}
	changed := 0
	for _, p := range pending {
		updated, err := s.Reconcile(ctx, p)
		if err != nil {
			s.log.WithContext(ctx).WithError(err).WithField("payment_id", p.ID).Warn("reconcile payment")
			continue
		}
		if updated.Status != p.Status {
			changed++
		}
	}
	repaired, err := s.RepairGrants(ctx)
	if err != nil {
		return changed, err
	}
	return changed + repaired, nil
}

// RepairGrants grants access for completed payments that are missing it,
// which happens when the grant failed after the status was stored.
func (s *Service) RepairGrants(ctx context.Context) (int, error) {
	missing, err := s.store.ListCompletedWithoutAccess(ctx, s.now().Add(-grantRepairWindow))
	if err != nil {
		return 0, fmt.Errorf("list completed payments without access: %w", err)
	}
	repaired := 0
	for _, p := range missing {
		created, err := s.ensureAccess(ctx, p)
		if err != nil {
			continue
		}
		if created {
			s.log.WithContext(ctx).WithField("payment_id", p.ID).Warn("download access restored")
			repaired++
		}
	}
	return repaired, nil
}

// restoreAccess grants access when the user's newest completed payment for
// the CV never got its grant.
func (s *Service) restoreAccess(ctx context.Context, userID, cvID string) (bool, error) {
	completed, err := s.store.ListPayments(ctx, storage.PaymentFilter{
		Status: payment.StatusCompleted,
		UserID: userID,
		CVID:   cvID,
		Page:   storage.Page{Limit: 1},
	})
	if err != nil {
		return false, fmt.Errorf("list completed payments: %w", err)
	}
	if len(completed) == 0 {
		return false, nil
	}
	return s.ensureAccess(ctx, completed[0])
}

// Detail is a payment with its audit log.
type Detail struct {
	Payment payment.Payment `json:"payment"`
	Logs    []payment.Log   `json:"logs"`
}

func (s *Service) List(ctx context.Context, filter storage.PaymentFilter) ([]payment.Payment, error) {
	return s.store.ListPayments(ctx, filter)
}

func (s *Service) Get(ctx context.Context, id string) (Detail, error) {
	p, err := s.store.GetPayment(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	logs, err := s.store.ListPaymentLogs(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	return Detail{Payment: p, Logs: logs}, nil
}

// ForceReconcile reconciles one payment on admin request.
func (s *Service) ForceReconcile(ctx context.Context, id string) (payment.Payment, error) {
	p, err := s.store.GetPayment(ctx, id)
	if err != nil {
		return payment.Payment{}, err
	}
	updated, err := s.reconcile(ctx, p, SourceAdmin)
	if err != nil {
		return p, service.Unavailable("Yappy no respondió. Intenta más tarde.", err)
	}
	return updated, nil
}

// MarkStatus sets the status after a manual review.
func (s *Service) MarkStatus(ctx context.Context, adminID, id, rawStatus, reason string) (payment.Payment, error) {
	to, err := payment.ParseStatus(rawStatus)
	if err != nil {
		return payment.Payment{}, service.InvalidCause("Estado de pago desconocido", err)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return payment.Payment{}, service.Invalid("Indica el motivo del cambio")
	}
	p, err := s.store.GetPayment(ctx, id)
	if err != nil {
		return payment.Payment{}, err
	}
	updated, err := s.transition(ctx, p, to, transitionOpts{
		source:  SourceAdmin,
		reason:  reason,
		event:   payment.EventManualStatus,
		details: map[string]any{"admin_id": adminID},
	})
	if errors.Is(err, payment.ErrInvalidTransition) {
		return p, service.Conflict(fmt.Sprintf("No se puede pasar un pago %s a %s", p.Status, to))
	}
	return updated, err
}

type transitionOpts struct {
	source  string
	reason  string
	event   string
	details map[string]any
}

// transition moves p to status `to` with a compare-and-set. When another
// actor changed the payment first, the current row is re-read; the move is
// retried only if it is still allowed from the new status.
func (s *Service) transition(ctx context.Context, p payment.Payment, to payment.Status, opts transitionOpts) (payment.Payment, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		changed, err := payment.CheckTransition(p.Status, to)
		if err != nil {
			if attempt > 0 {
				return p, nil
			}
			return p, err
		}
		if !changed {
			if to == payment.StatusCompleted {
				// Repeated completion: make sure the grant landed.
				_, err = s.ensureAccess(ctx, p)
				return p, err
			}
			return p, nil
		}

		from := p.Status
		updated, err := s.store.TransitionPayment(ctx, payment.Transition{
			PaymentID: p.ID,
			From:      from,
			To:        to,
			Reason:    opts.reason,
			Event:     opts.event,
			Details:   opts.details,
			At:        s.now(),
		})
		if errors.Is(err, storage.ErrStaleTransition) {
			s.log.WithContext(ctx).WithFields(map[string]interface{}{
				"payment_id": p.ID,
				"expected":   from,
				"current":    updated.Status,
			}).Info("payment changed concurrently")
			p = updated
			continue
		}
		if err != nil {
			return p, fmt.Errorf("transition payment: %w", err)
		}

		metrics.RecordPaymentTransition(string(to), opts.source)
		entry := s.log.WithContext(ctx).WithFields(map[string]interface{}{
			"payment_id": updated.ID,
			"order_id":   updated.OrderID,
			"from":       from,
			"to":         to,
			"source":     opts.source,
		})
		if payment.IsLateCompletion(from, to) {
			entry.Warn("late payment completion")
		} else {
			entry.Info("payment status changed")
		}

		if to == payment.StatusCompleted {
			if _, err := s.ensureAccess(ctx, updated); err != nil {
				return updated, err
			}
		}
		return updated, nil
	}
	// Lost every race: report the winner's state.
	return p, nil
}

// ensureAccess grants download access for a completed payment when it is
// missing and sends the receipt with the new grant. Safe to call repeatedly.
func (s *Service) ensureAccess(ctx context.Context, p payment.Payment) (bool, error) {
	completedAt := p.UpdatedAt
	if p.CompletedAt != nil {
		completedAt = *p.CompletedAt
	}
	_, created, err := s.access.EnsureGrant(ctx, p.UserID, p.CVID, p.ID, completedAt)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).WithField("payment_id", p.ID).Error("grant access for completed payment")
		return false, fmt.Errorf("grant access: %w", err)
	}
	if created {
		s.sendReceipt(ctx, p)
	}
	return created, nil
}

func (s *Service) sendReceipt(ctx context.Context, p payment.Payment) {
	if s.opts.Mailer == nil || s.opts.Profiles == nil {
		return
	}
	log := s.log.WithContext(ctx).WithField("payment_id", p.ID)
	owner, err := s.opts.Profiles.GetProfile(ctx, p.UserID)
	if err != nil || owner.Email == "" {
		log.WithError(err).Warn("receipt skipped: no e-mail")
		return
	}
	receipt := notify.Receipt{
		Name:     owner.FullName,
		Amount:   p.Amount(),
		Currency: p.Currency,
		OrderID:  p.OrderID,
		PaidAt:   s.now(),
	}
	if p.CompletedAt != nil {
		receipt.PaidAt = *p.CompletedAt
	}
	if c, err := s.cvs.GetCV(ctx, p.CVID); err == nil {
		receipt.CVTitle = c.Title
	}
	if s.opts.PublicURL != "" {
		receipt.DownloadURL = strings.TrimSuffix(s.opts.PublicURL, "/") + "/cvs/" + p.CVID
	}
	msg, err := notify.ReceiptEmail(owner.Email, receipt)
	if err == nil {
		err = s.opts.Mailer.Send(ctx, msg)
	}
	if err != nil {
		log.WithError(err).Warn("receipt e-mail failed")
	}
}
