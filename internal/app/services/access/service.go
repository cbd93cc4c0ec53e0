// Package access decides whether a user may download the full PDF of a CV.
package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/labcv/labcv/internal/app/core/service"
	"github.com/labcv/labcv/internal/app/domain/access"
	"github.com/labcv/labcv/internal/app/storage"
	"github.com/labcv/labcv/internal/config"
	"github.com/labcv/labcv/internal/logging"
)

// DeniedMessage is shown when a download is attempted without access.
const DeniedMessage = "Debes completar el pago para descargar tu CV"

// Service manages cv_download_access grants.
type Service struct {
	store    storage.AccessStore
	settings config.AccessSettings
	log      *logging.Logger
	now      func() time.Time
}

func New(store storage.AccessStore, settings config.AccessSettings, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("access")
	}
	return &Service{
		store:    store,
		settings: settings,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Descriptor() service.Descriptor {
	return service.Descriptor{Name: "access", Capabilities: []string{"grant", "check", "consume", "revoke"}}
}

func (s *Service) newGrant(userID, cvID string) access.Grant {
	at := s.now()
	g := access.Grant{
		UserID:       userID,
		CVID:         cvID,
		GrantedAt:    at,
		MaxDownloads: s.settings.MaxDownloads,
	}
	if s.settings.Duration > 0 {
		expires := at.Add(s.settings.Duration)
		g.ExpiresAt = &expires
	}
	return g
}

// Grant gives the user access to the CV after a completed payment. A second
// grant for the same pair resets usage and expiry.
func (s *Service) Grant(ctx context.Context, userID, cvID, paymentID string) (access.Grant, error) {
	g := s.newGrant(userID, cvID)
	g.PaymentID = paymentID
	stored, err := s.store.UpsertAccess(ctx, g)
	if err != nil {
		return access.Grant{}, fmt.Errorf("grant access: %w", err)
	}
	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"grant_id":   stored.ID,
		"user_id":    userID,
		"cv_id":      cvID,
		"payment_id": paymentID,
	}).Info("download access granted")
	return stored, nil
}

// EnsureGrant grants access for a completed payment unless the pair already
// holds a grant for it: one carrying the payment id or issued at or after the
// completion. Revoked grants count, so an admin revocation sticks. created
// reports whether a grant was written.
func (s *Service) EnsureGrant(ctx context.Context, userID, cvID, paymentID string, completedAt time.Time) (g access.Grant, created bool, err error) {
	current, err := s.store.GetAccess(ctx, userID, cvID)
	switch {
	case err == nil:
		if current.PaymentID == paymentID || !current.GrantedAt.Before(completedAt) {
			return current, false, nil
		}
	case !errors.Is(err, storage.ErrNotFound):
		return access.Grant{}, false, fmt.Errorf("load access: %w", err)
	}
	g, err = s.Grant(ctx, userID, cvID, paymentID)
	if err != nil {
		return access.Grant{}, false, err
	}
	return g, true, nil
}

// AdminGrant gives access without a payment.
func (s *Service) AdminGrant(ctx context.Context, adminID, userID, cvID string) (access.Grant, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(cvID) == "" {
		return access.Grant{}, service.Invalid("Usuario y CV son obligatorios")
	}
	g := s.newGrant(userID, cvID)
	g.GrantedBy = adminID
	stored, err := s.store.UpsertAccess(ctx, g)
	if err != nil {
		return access.Grant{}, fmt.Errorf("grant access: %w", err)
	}
	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"grant_id": stored.ID,
		"admin_id": adminID,
		"user_id":  userID,
		"cv_id":    cvID,
	}).Info("download access granted by admin")
	return stored, nil
}

// Check reports whether userID may download cvID. Admins are always allowed.
func (s *Service) Check(ctx context.Context, userID, cvID string, admin bool) (access.Status, error) {
	if admin {
		return access.Status{Allowed: true, Reason: access.ReasonAdmin}, nil
	}
	g, err := s.store.GetAccess(ctx, userID, cvID)
	if errors.Is(err, storage.ErrNotFound) {
		return access.Status{Reason: access.ReasonNoAccess}, nil
	}
	if err != nil {
		return access.Status{}, err
	}
	return access.StatusOf(g, s.now()), nil
}

// HasAccess is Check without the details.
func (s *Service) HasAccess(ctx context.Context, userID, cvID string) (bool, error) {
	st, err := s.Check(ctx, userID, cvID, false)
	return st.Allowed, err
}

// ConsumeDownload spends one download of the grant. Admins consume nothing.
func (s *Service) ConsumeDownload(ctx context.Context, userID, cvID string, admin bool) (access.Status, error) {
	if admin {
		return access.Status{Allowed: true, Reason: access.ReasonAdmin}, nil
	}
	at := s.now()
	g, err := s.store.ConsumeDownload(ctx, userID, cvID, at)
	if errors.Is(err, storage.ErrAccessDenied) {
		return access.Status{}, service.PaymentRequired(DeniedMessage)
	}
	if err != nil {
		return access.Status{}, fmt.Errorf("consume download: %w", err)
	}
	st := access.StatusOf(g, at)
	// The grant was usable before this download.
	st.Allowed, st.Reason = true, access.ReasonActive
	return st, nil
}

func (s *Service) Revoke(ctx context.Context, id string) (access.Grant, error) {
	g, err := s.store.RevokeAccess(ctx, id, s.now())
	if err != nil {
		return access.Grant{}, err
	}
	s.log.WithContext(ctx).WithField("grant_id", id).Info("download access revoked")
	return g, nil
}

func (s *Service) List(ctx context.Context, cvID string) ([]access.Grant, error) {
	return s.store.ListAccess(ctx, cvID)
}

// Sweep logs the grants that expired during the last window. Expiry is
// evaluated on read, so nothing is written.
func (s *Service) Sweep(ctx context.Context, window time.Duration) (int, error) {
	to := s.now()
	grants, err := s.store.ListExpiredAccess(ctx, to.Add(-window), to)
	if err != nil {
		return 0, fmt.Errorf("list expired access: %w", err)
	}
	for _, g := range grants {
		s.log.WithContext(ctx).WithFields(map[string]interface{}{
			"grant_id":       g.ID,
			"user_id":        g.UserID,
			"cv_id":          g.CVID,
			"downloads_used": g.DownloadsUsed,
		}).Info("download access expired")
	}
	return len(grants), nil
}
