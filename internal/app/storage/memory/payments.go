package memory

import (
	"context"
	"sort"
	"time"

	"github.com/labcv/labcv/internal/app/domain/access"
	"github.com/labcv/labcv/internal/app/domain/payment"
	"github.com/labcv/labcv/internal/app/storage"
)

// PaymentStore implementation -------------------------------------------------

func (s *Store) CreatePayment(_ context.Context, p payment.Payment) (payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.paymentsByOrder[p.OrderID]; exists {
		return payment.Payment{}, storage.ErrConflict
	}
	if p.ID == "" {
		p.ID = newID()
	}
	ts := now()
	p.CreatedAt = ts
	p.UpdatedAt = ts
	if p.Status == "" {
		p.Status = payment.StatusPending
	}
	s.payments[p.ID] = p
	s.paymentsByOrder[p.OrderID] = p.ID
	s.appendLogLocked(payment.Log{
		PaymentID: p.ID,
		Event:     payment.EventCreated,
		ToStatus:  p.Status,
		Details:   map[string]any{"amount_cents": p.AmountCents, "currency": p.Currency},
		CreatedAt: ts,
	})
	return clonePayment(p), nil
}

func (s *Store) GetPayment(_ context.Context, id string) (payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[id]
	if !ok {
		return payment.Payment{}, storage.ErrNotFound
	}
	return clonePayment(p), nil
}

func (s *Store) GetPaymentByOrderID(_ context.Context, orderID string) (payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.paymentsByOrder[orderID]
	if !ok {
		return payment.Payment{}, storage.ErrNotFound
	}
	return clonePayment(s.payments[id]), nil
}

func (s *Store) FindOpenPayment(_ context.Context, userID, cvID string, at time.Time) (payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		found payment.Payment
		ok    bool
	)
	for _, p := range s.payments {
		if p.UserID != userID || p.CVID != cvID || p.Status != payment.StatusPending {
			continue
		}
		if !p.ExpiresAt.After(at) {
			continue
		}
		if !ok || p.CreatedAt.After(found.CreatedAt) {
			found, ok = p, true
		}
	}
	if !ok {
		return payment.Payment{}, storage.ErrNotFound
	}
	return clonePayment(found), nil
}

func (s *Store) ListPayments(_ context.Context, filter storage.PaymentFilter) ([]payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]payment.Payment, 0)
	for _, p := range s.payments {
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if filter.UserID != "" && p.UserID != filter.UserID {
			continue
		}
		if filter.CVID != "" && p.CVID != filter.CVID {
			continue
		}
		result = append(result, clonePayment(p))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return paginate(result, filter.Page), nil
}

func (s *Store) ListPendingPayments(_ context.Context) ([]payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]payment.Payment, 0)
	for _, p := range s.payments {
		if p.Status == payment.StatusPending {
			result = append(result, clonePayment(p))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) ListCompletedWithoutAccess(_ context.Context, since time.Time) ([]payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]payment.Payment, 0)
	for _, p := range s.payments {
		if p.Status != payment.StatusCompleted || p.CompletedAt == nil || p.CompletedAt.Before(since) {
			continue
		}
		if id, ok := s.grantKeys[grantKey(p.UserID, p.CVID)]; ok {
			g := s.grants[id]
			if g.PaymentID == p.ID || !g.GrantedAt.Before(*p.CompletedAt) {
				continue
			}
		}
		result = append(result, clonePayment(p))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CompletedAt.Before(*result[j].CompletedAt) })
	return result, nil
}

func (s *Store) SetTransactionID(_ context.Context, id, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return storage.ErrNotFound
	}
	p.TransactionID = transactionID
	p.UpdatedAt = now()
	s.payments[id] = p
	return nil
}

func (s *Store) TransitionPayment(_ context.Context, t payment.Transition) (payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[t.PaymentID]
	if !ok {
		return payment.Payment{}, storage.ErrNotFound
	}
	if p.Status != t.From {
		return clonePayment(p), storage.ErrStaleTransition
	}
	if t.At.IsZero() {
		t.At = now()
	}
	p = t.Apply(p)
	s.payments[p.ID] = p
	s.appendLogLocked(t.LogEntry())
	return clonePayment(p), nil
}

func (s *Store) AppendPaymentLog(_ context.Context, l payment.Log) (payment.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payments[l.PaymentID]; !ok {
		return payment.Log{}, storage.ErrNotFound
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now()
	}
	return s.appendLogLocked(l), nil
}

func (s *Store) ListPaymentLogs(_ context.Context, paymentID string) ([]payment.Log, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]payment.Log(nil), s.paymentLogs[paymentID]...), nil
}

func (s *Store) appendLogLocked(l payment.Log) payment.Log {
	if l.ID == "" {
		l.ID = newID()
	}
	s.paymentLogs[l.PaymentID] = append(s.paymentLogs[l.PaymentID], l)
	return l
}

func clonePayment(p payment.Payment) payment.Payment {
	if p.CompletedAt != nil {
		at := *p.CompletedAt
		p.CompletedAt = &at
	}
	return p
}

// AccessStore implementation --------------------------------------------------

func grantKey(userID, cvID string) string { return userID + "|" + cvID }

func (s *Store) UpsertAccess(_ context.Context, g access.Grant) (access.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := grantKey(g.UserID, g.CVID)
	if id, ok := s.grantKeys[key]; ok {
		g.ID = id
	} else if g.ID == "" {
		g.ID = newID()
	}
	if g.GrantedAt.IsZero() {
		g.GrantedAt = now()
	}
	g.DownloadsUsed = 0
	g.RevokedAt = nil
	s.grants[g.ID] = g
	s.grantKeys[key] = g.ID
	return cloneGrant(g), nil
}

func (s *Store) GetAccess(_ context.Context, userID, cvID string) (access.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.grantKeys[grantKey(userID, cvID)]
	if !ok {
		return access.Grant{}, storage.ErrNotFound
	}
	return cloneGrant(s.grants[id]), nil
}

func (s *Store) GetAccessByID(_ context.Context, id string) (access.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.grants[id]
	if !ok {
		return access.Grant{}, storage.ErrNotFound
	}
	return cloneGrant(g), nil
}

func (s *Store) ListAccess(_ context.Context, cvID string) ([]access.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]access.Grant, 0)
	for _, g := range s.grants {
		if cvID == "" || g.CVID == cvID {
			result = append(result, cloneGrant(g))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].GrantedAt.After(result[j].GrantedAt) })
	return result, nil
}

func (s *Store) ConsumeDownload(_ context.Context, userID, cvID string, at time.Time) (access.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.grantKeys[grantKey(userID, cvID)]
	if !ok {
		return access.Grant{}, storage.ErrAccessDenied
	}
	g := s.grants[id]
	if allowed, _ := g.Evaluate(at); !allowed {
		return cloneGrant(g), storage.ErrAccessDenied
	}
	g.DownloadsUsed++
	s.grants[id] = g
	return cloneGrant(g), nil
}

func (s *Store) RevokeAccess(_ context.Context, id string, at time.Time) (access.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[id]
	if !ok {
		return access.Grant{}, storage.ErrNotFound
	}
	if g.RevokedAt == nil {
		g.RevokedAt = &at
		s.grants[id] = g
	}
	return cloneGrant(g), nil
}

func (s *Store) ListExpiredAccess(_ context.Context, from, to time.Time) ([]access.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]access.Grant, 0)
	for _, g := range s.grants {
		if g.ExpiresAt == nil || g.ExpiresAt.Before(from) || !g.ExpiresAt.Before(to) {
			continue
		}
		result = append(result, cloneGrant(g))
	}
	return result, nil
}

func cloneGrant(g access.Grant) access.Grant {
	if g.ExpiresAt != nil {
		at := *g.ExpiresAt
		g.ExpiresAt = &at
	}
	if g.RevokedAt != nil {
		at := *g.RevokedAt
		g.RevokedAt = &at
	}
	return g
}
