package payments

import (
	"context"
	"sync"
	"time"

	"github.com/labcv/labcv/internal/app/domain/payment"
	"github.com/labcv/labcv/internal/app/storage"
	"github.com/labcv/labcv/internal/app/system"
	"github.com/labcv/labcv/internal/logging"
)

const maxPollBackoff = 5 * time.Minute

// ReconcilePoller reconciles pending payments on an interval. A payment whose
// provider lookup fails is retried with doubling backoff.
type ReconcilePoller struct {
	store    storage.PaymentStore
	service  *Service
	interval time.Duration
	log      *logging.Logger

	mu          sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     bool
	nextAttempt map[string]time.Time
	failures    map[string]int
}

var _ system.Service = (*ReconcilePoller)(nil)

func NewReconcilePoller(store storage.PaymentStore, svc *Service, interval time.Duration, log *logging.Logger) *ReconcilePoller {
	if log == nil {
		log = logging.NewDefault("payments-poller")
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &ReconcilePoller{
		store:       store,
		service:     svc,
		interval:    interval,
		log:         log,
		nextAttempt: make(map[string]time.Time),
		failures:    make(map[string]int),
	}
}

func (p *ReconcilePoller) Name() string { return "payments-reconcile" }

func (p *ReconcilePoller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.tick(runCtx)
			}
		}
	}()

	p.log.WithField("interval", p.interval.String()).Info("payment reconcile poller started")
	return nil
}

func (p *ReconcilePoller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *ReconcilePoller) tick(ctx context.Context) {
	pending, err := p.store.ListPendingPayments(ctx)
	if err != nil {
		p.log.WithError(err).Warn("list pending payments failed")
		return
	}

	now := time.Now()
	seen := make(map[string]struct{}, len(pending))
	for _, pay := range pending {
		seen[pay.ID] = struct{}{}
		if !p.shouldAttempt(pay.ID, now) {
			continue
		}
		updated, err := p.service.Reconcile(ctx, pay)
		if err != nil {
			p.log.WithError(err).WithField("payment_id", pay.ID).Warn("reconcile failed")
			p.backoff(pay.ID)
			continue
		}
		if updated.Status != payment.StatusPending {
			p.clearSchedule(pay.ID)
			continue
		}
		p.scheduleNext(pay.ID, p.interval)
	}
	p.forgetMissing(seen)

	if _, err := p.service.RepairGrants(ctx); err != nil {
		p.log.WithError(err).Warn("repair download grants failed")
	}
}

func (p *ReconcilePoller) shouldAttempt(id string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	next, ok := p.nextAttempt[id]
	return !ok || !now.Before(next)
}

func (p *ReconcilePoller) scheduleNext(id string, after time.Duration) {
	p.mu.Lock()
	p.nextAttempt[id] = time.Now().Add(after)
	p.mu.Unlock()
}

func (p *ReconcilePoller) backoff(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[id]++
	after := p.interval
	for i := 0; i < p.failures[id] && after < maxPollBackoff; i++ {
		after *= 2
	}
	if after > maxPollBackoff {
		after = maxPollBackoff
	}
	p.nextAttempt[id] = time.Now().Add(after)
}

func (p *ReconcilePoller) clearSchedule(id string) {
	p.mu.Lock()
	delete(p.nextAttempt, id)
	delete(p.failures, id)
	p.mu.Unlock()
}

// forgetMissing drops bookkeeping for payments that are no longer pending.
func (p *ReconcilePoller) forgetMissing(pending map[string]struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.nextAttempt {
		if _, ok := pending[id]; !ok {
			delete(p.nextAttempt, id)
			delete(p.failures, id)
		}
	}
}
