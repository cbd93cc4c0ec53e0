package payments

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/labcv/labcv/internal/app/core/service"
	"github.com/labcv/labcv/internal/app/domain/access"
	"github.com/labcv/labcv/internal/app/domain/cv"
	"github.com/labcv/labcv/internal/app/domain/payment"
	"github.com/labcv/labcv/internal/app/domain/profile"
	accesssvc "github.com/labcv/labcv/internal/app/services/access"
	"github.com/labcv/labcv/internal/app/services/notify"
	"github.com/labcv/labcv/internal/app/storage"
	"github.com/labcv/labcv/internal/app/storage/memory"
	"github.com/labcv/labcv/internal/config"
)

var testSecret = base64.StdEncoding.EncodeToString([]byte("ipn-key.merchant-salt"))

const testDomain = "https://labcv.app"

type fixture struct {
	svc     *Service
	store   *memory.Store
	access  *accesssvc.Service
	gateway *Sandbox
	mailer  *notify.LogMailer
	clock   *time.Time
	cvID    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	product := config.DefaultProduct()

	if _, err := store.UpsertProfile(ctx, profile.Profile{ID: "u1", Email: "ana@example.com", FullName: "Ana", Role: profile.RoleUser}); err != nil {
		t.Fatalf("profile: %v", err)
	}
	c, err := store.CreateCV(ctx, cv.CV{UserID: "u1", Title: "Backend", Status: cv.StatusDraft, Template: cv.TemplateClassic})
	if err != nil {
		t.Fatalf("create cv: %v", err)
	}

	granter := accesssvc.New(store, product.Access, nil)
	gateway := NewSandbox(testSecret)
	mailer := notify.NewLogMailer(nil)
	svc := New(store, store, granter, gateway, *product, Options{Profiles: store, Mailer: mailer, PublicURL: "https://labcv.app"}, nil)
	clock := time.Now().UTC()
	svc.now = func() time.Time { return clock }

	return &fixture{svc: svc, store: store, access: granter, gateway: gateway, mailer: mailer, clock: &clock, cvID: c.ID}
}

func (f *fixture) ipn(t *testing.T, orderID, status string) IPN {
	t.Helper()
	hash, err := SignIPN(testSecret, orderID, status, testDomain)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return IPN{OrderID: orderID, Status: status, Domain: testDomain, Hash: hash}
}

func (f *fixture) logEvents(t *testing.T, paymentID string) []string {
	t.Helper()
	logs, err := f.store.ListPaymentLogs(context.Background(), paymentID)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	events := make([]string, 0, len(logs))
	for _, l := range logs {
		events = append(events, l.Event)
	}
	return events
}

func contains(items []string, want string) bool {
	for _, it := range items {
		if it == want {
			return true
		}
	}
	return false
}

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"6000-0000", "60000000", true},
		{"+507 6123 4567", "61234567", true},
		{"2123-4567", "", false},
		{"612345", "", false},
	}
	for _, tc := range cases {
		got, ok := NormalizePhone(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("NormalizePhone(%q) = %q, %v", tc.in, got, ok)
		}
	}
}

func TestStartCreatesAndReusesPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started, err := f.svc.Start(ctx, "u1", f.cvID, "6000-0000")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	p := started.Payment
	if p.Status != payment.StatusPending || p.AmountCents != 299 || p.Phone != "60000000" {
		t.Fatalf("payment = %+v", p)
	}
	if len(p.OrderID) != 15 {
		t.Fatalf("order id %q is not 15 chars", p.OrderID)
	}
	if started.Checkout == nil || started.Checkout.TransactionID != "SBX-"+p.OrderID {
		t.Fatalf("checkout = %+v", started.Checkout)
	}

	again, err := f.svc.Start(ctx, "u1", f.cvID, "60000000")
	if err != nil {
		t.Fatalf("start again: %v", err)
	}
	if !again.Reused || again.Payment.ID != p.ID {
		t.Fatalf("expected reuse of %s, got %+v", p.ID, again)
	}
	if n := len(f.gateway.Orders()); n != 1 {
		t.Fatalf("gateway orders = %d, want 1", n)
	}
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Start(ctx, "u1", f.cvID, "123"); !errors.Is(err, service.ErrInvalidInput) {
		t.Fatalf("err = %v, want invalid", err)
	}
	if _, err := f.svc.Start(ctx, "u2", f.cvID, "60000000"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want not found for foreign cv", err)
	}
}

func TestStartProviderFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.gateway.FailCreate = errors.New("connection refused")

	_, err := f.svc.Start(context.Background(), "u1", f.cvID, "60000000")
	if !errors.Is(err, service.ErrUnavailable) {
		t.Fatalf("err = %v, want unavailable", err)
	}
	list, _ := f.svc.List(context.Background(), storage.PaymentFilter{UserID: "u1"})
	if len(list) != 1 || list[0].Status != payment.StatusFailed {
		t.Fatalf("payments = %+v", list)
	}
	if !contains(f.logEvents(t, list[0].ID), payment.EventProviderError) {
		t.Fatalf("provider_error not logged")
	}
}

func TestIPNCompletesAndGrantsAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started, err := f.svc.Start(ctx, "u1", f.cvID, "60000000")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	orderID := started.Payment.OrderID

	bad := f.ipn(t, orderID, "E")
	bad.Hash = "deadbeef"
	if _, err := f.svc.HandleIPN(ctx, bad); !errors.Is(err, service.ErrUnauthorized) {
		t.Fatalf("err = %v, want unauthorized", err)
	}

	p, err := f.svc.HandleIPN(ctx, f.ipn(t, orderID, "E"))
	if err != nil {
		t.Fatalf("ipn: %v", err)
	}
	if p.Status != payment.StatusCompleted || p.CompletedAt == nil {
		t.Fatalf("payment = %+v", p)
	}
	if ok, _ := f.access.HasAccess(ctx, "u1", f.cvID); !ok {
		t.Fatal("access not granted")
	}
	sent := f.mailer.Sent()
	if len(sent) != 1 || sent[0].To != "ana@example.com" {
		t.Fatalf("receipts = %+v", sent)
	}

	// Repeated notifications are no-ops.
	if _, err := f.svc.HandleIPN(ctx, f.ipn(t, orderID, "E")); err != nil {
		t.Fatalf("duplicate ipn: %v", err)
	}
	if p, err := f.svc.HandleIPN(ctx, f.ipn(t, orderID, "R")); err != nil || p.Status != payment.StatusCompleted {
		t.Fatalf("rejected after completion: %+v %v", p, err)
	}
	if len(f.mailer.Sent()) != 1 {
		t.Fatal("duplicate receipt sent")
	}

	if _, err := f.svc.Start(ctx, "u1", f.cvID, "60000000"); !errors.Is(err, service.ErrConflict) {
		t.Fatalf("err = %v, want conflict once access exists", err)
	}
}

func TestReconcileExpiresThenLateCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started, err := f.svc.Start(ctx, "u1", f.cvID, "60000000")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	p, err := f.svc.Status(ctx, "u1", started.Payment.ID, false)
	if err != nil || p.Status != payment.StatusPending {
		t.Fatalf("status before deadline = %+v, %v", p, err)
	}

	*f.clock = f.clock.Add(11 * time.Minute)
	p, err = f.svc.Status(ctx, "u1", started.Payment.ID, false)
	if err != nil || p.Status != payment.StatusExpired {
		t.Fatalf("status after deadline = %+v, %v", p, err)
	}

	f.gateway.Settle(p.OrderID, payment.StatusCompleted)
	p, err = f.svc.ForceReconcile(ctx, p.ID)
	if err != nil {
		t.Fatalf("force reconcile: %v", err)
	}
	if p.Status != payment.StatusCompleted {
		t.Fatalf("status = %s, want late COMPLETED", p.Status)
	}
	if !contains(f.logEvents(t, p.ID), payment.EventLateCompletion) {
		t.Fatal("late_completion not logged")
	}
	if ok, _ := f.access.HasAccess(ctx, "u1", f.cvID); !ok {
		t.Fatal("late completion did not grant access")
	}
}

func TestReconcileProviderCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started, err := f.svc.Start(ctx, "u1", f.cvID, "60000000")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.gateway.SetStatus(started.Payment.OrderID, "C")

	p, err := f.svc.Reconcile(ctx, started.Payment)
	if err != nil || p.Status != payment.StatusCancelled {
		t.Fatalf("reconcile = %+v, %v", p, err)
	}

	f.gateway.FailStatus = errors.New("timeout")
	second, err := f.svc.Start(ctx, "u1", f.cvID, "60000000")
	if err != nil {
		t.Fatalf("start second: %v", err)
	}
	if _, err := f.svc.Reconcile(ctx, second.Payment); err == nil {
		t.Fatal("expected provider error before deadline")
	}
	*f.clock = f.clock.Add(time.Hour)
	p, err = f.svc.Reconcile(ctx, second.Payment)
	if err != nil || p.Status != payment.StatusExpired {
		t.Fatalf("reconcile past deadline = %+v, %v", p, err)
	}
}

func TestExpireStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Start(ctx, "u1", f.cvID, "60000000"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if n, err := f.svc.ExpireStale(ctx); err != nil || n != 0 {
		t.Fatalf("expire before deadline = %d, %v", n, err)
	}
	*f.clock = f.clock.Add(15 * time.Minute)
	if n, err := f.svc.ExpireStale(ctx); err != nil || n != 1 {
		t.Fatalf("expire after deadline = %d, %v", n, err)
	}
}

func TestMarkStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started, err := f.svc.Start(ctx, "u1", f.cvID, "60000000")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	id := started.Payment.ID

	if _, err := f.svc.MarkStatus(ctx, "admin1", id, "completed", ""); !errors.Is(err, service.ErrInvalidInput) {
		t.Fatalf("err = %v, want reason required", err)
	}
	if _, err := f.svc.MarkStatus(ctx, "admin1", id, "refunded", "x"); !errors.Is(err, service.ErrInvalidInput) {
		t.Fatalf("err = %v, want unknown status", err)
	}
	p, err := f.svc.MarkStatus(ctx, "admin1", id, "completed", "comprobante verificado")
	if err != nil || p.Status != payment.StatusCompleted {
		t.Fatalf("mark = %+v, %v", p, err)
	}
	if _, err := f.svc.MarkStatus(ctx, "admin1", id, "failed", "error"); !errors.Is(err, service.ErrConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}

	detail, err := f.svc.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var manual *payment.Log
	for i := range detail.Logs {
		if detail.Logs[i].Event == payment.EventManualStatus {
			manual = &detail.Logs[i]
		}
	}
	if manual == nil || manual.Details["admin_id"] != "admin1" {
		t.Fatalf("manual_status log = %+v", detail.Logs)
	}
}

func TestStatusHidesForeignPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started, err := f.svc.Start(ctx, "u1", f.cvID, "60000000")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.svc.Status(ctx, "u2", started.Payment.ID, false); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
	if _, err := f.svc.Status(ctx, "admin", started.Payment.ID, true); err != nil {
		t.Fatalf("admin status: %v", err)
	}
}

// racingStore lets another actor complete the payment just before the
// service's own transition lands.
type racingStore struct {
	*memory.Store
	raced bool
}

func (r *racingStore) TransitionPayment(ctx context.Context, tr payment.Transition) (payment.Payment, error) {
	if !r.raced {
		r.raced = true
		if _, err := r.Store.TransitionPayment(ctx, payment.Transition{
			PaymentID: tr.PaymentID,
			From:      payment.StatusPending,
			To:        payment.StatusCompleted,
			Reason:    "ipn",
		}); err != nil {
			return payment.Payment{}, err
		}
	}
	return r.Store.TransitionPayment(ctx, tr)
}

func TestStaleTransitionReportsWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started, err := f.svc.Start(ctx, "u1", f.cvID, "60000000")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	f.svc.store = &racingStore{Store: f.store}
	*f.clock = f.clock.Add(time.Hour)
	n, err := f.svc.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 0 {
		t.Fatalf("expired = %d, want 0 after losing the race", n)
	}
	p, _ := f.store.GetPayment(ctx, started.Payment.ID)
	if p.Status != payment.StatusCompleted {
		t.Fatalf("status = %s, want winner's COMPLETED", p.Status)
	}
}

// flakyGranter fails the first grants it is asked for.
type flakyGranter struct {
	*accesssvc.Service
	failures int
}

func (g *flakyGranter) EnsureGrant(ctx context.Context, userID, cvID, paymentID string, completedAt time.Time) (access.Grant, bool, error) {
	if g.failures > 0 {
		g.failures--
		return access.Grant{}, false, errors.New("db blip")
	}
	return g.Service.EnsureGrant(ctx, userID, cvID, paymentID, completedAt)
}

// completedWithoutGrant leaves a COMPLETED payment whose grant failed.
func completedWithoutGrant(t *testing.T, f *fixture) payment.Payment {
	t.Helper()
	ctx := context.Background()
	started, err := f.svc.Start(ctx, "u1", f.cvID, "60000000")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.svc.access = &flakyGranter{Service: f.access, failures: 1}

	if _, err := f.svc.HandleIPN(ctx, f.ipn(t, started.Payment.OrderID, "E")); err == nil {
		t.Fatal("expected grant failure to surface")
	}
	p, _ := f.store.GetPayment(ctx, started.Payment.ID)
	if p.Status != payment.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", p.Status)
	}
	if ok, _ := f.access.HasAccess(ctx, "u1", f.cvID); ok {
		t.Fatal("access granted despite failure")
	}
	if len(f.mailer.Sent()) != 0 {
		t.Fatal("receipt sent without a grant")
	}
	return p
}

func TestFailedGrantIsRestored(t *testing.T) {
	restore := map[string]func(t *testing.T, f *fixture, p payment.Payment){
		"repeated ipn": func(t *testing.T, f *fixture, p payment.Payment) {
			got, err := f.svc.HandleIPN(context.Background(), f.ipn(t, p.OrderID, "E"))
			if err != nil || got.Status != payment.StatusCompleted {
				t.Fatalf("ipn = %+v, %v", got, err)
			}
		},
		"status poll": func(t *testing.T, f *fixture, p payment.Payment) {
			if _, err := f.svc.Status(context.Background(), "u1", p.ID, false); err != nil {
				t.Fatalf("status: %v", err)
			}
		},
		"reconcile job": func(t *testing.T, f *fixture, p payment.Payment) {
			n, err := f.svc.ReconcilePending(context.Background())
			if err != nil || n != 1 {
				t.Fatalf("reconcile pending = %d, %v", n, err)
			}
		},
		"poller": func(t *testing.T, f *fixture, p payment.Payment) {
			NewReconcilePoller(f.store, f.svc, time.Minute, nil).tick(context.Background())
		},
		"new start": func(t *testing.T, f *fixture, p payment.Payment) {
			if _, err := f.svc.Start(context.Background(), "u1", f.cvID, "60000000"); !errors.Is(err, service.ErrConflict) {
				t.Fatalf("err = %v, want conflict instead of a second payment", err)
			}
		},
	}
	for name, run := range restore {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			p := completedWithoutGrant(t, f)

			run(t, f, p)

			ctx := context.Background()
			if ok, _ := f.access.HasAccess(ctx, "u1", f.cvID); !ok {
				t.Fatal("access not restored")
			}
			if n := len(f.mailer.Sent()); n != 1 {
				t.Fatalf("receipts = %d, want 1", n)
			}
			list, _ := f.svc.List(ctx, storage.PaymentFilter{UserID: "u1"})
			if len(list) != 1 {
				t.Fatalf("payments = %d, want 1", len(list))
			}
			if n, err := f.svc.RepairGrants(ctx); err != nil || n != 0 {
				t.Fatalf("repair after restore = %d, %v", n, err)
			}
		})
	}
}

func TestRejectionAfterDeadlineExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	polled, err := f.svc.Start(ctx, "u1", f.cvID, "60000000")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	*f.clock = f.clock.Add(11 * time.Minute)
	f.gateway.SetStatus(polled.Payment.OrderID, "R")
	p, err := f.svc.Reconcile(ctx, polled.Payment)
	if err != nil || p.Status != payment.StatusExpired {
		t.Fatalf("reconcile R past deadline = %+v, %v", p, err)
	}

	notified, err := f.svc.Start(ctx, "u1", f.cvID, "60000000")
	if err != nil {
		t.Fatalf("start second: %v", err)
	}
	*f.clock = f.clock.Add(11 * time.Minute)
	p, err = f.svc.HandleIPN(ctx, f.ipn(t, notified.Payment.OrderID, "C"))
	if err != nil || p.Status != payment.StatusExpired {
		t.Fatalf("ipn C past deadline = %+v, %v", p, err)
	}
}
