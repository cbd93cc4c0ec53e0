// Package profiles mirrors Supabase users into the profiles table and
// decides who is an administrator.
package profiles

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/labcv/labcv/internal/app/core/service"
	"github.com/labcv/labcv/internal/app/domain/profile"
	"github.com/labcv/labcv/internal/app/storage"
	"github.com/labcv/labcv/internal/logging"
)

// Identity is the authenticated caller as seen by the auth middleware.
type Identity struct {
	UserID   string
	Email    string
	FullName string
}

// Service manages profiles.
type Service struct {
	store  storage.ProfileStore
	admins Allowlist
	log    *logging.Logger
}

func New(store storage.ProfileStore, admins Allowlist, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("profiles")
	}
	if admins == nil {
		admins = Allowlist{}
	}
	return &Service{store: store, admins: admins, log: log}
}

func (s *Service) Descriptor() service.Descriptor {
	return service.Descriptor{Name: "profiles", Capabilities: []string{"ensure", "roles"}}
}

// Ensure creates the profile on first sight and refreshes the e-mail
// afterwards. The stored role is never changed here.
func (s *Service) Ensure(ctx context.Context, id Identity) (profile.Profile, error) {
	if strings.TrimSpace(id.UserID) == "" {
		return profile.Profile{}, service.Invalid("Usuario inválido")
	}
	existing, err := s.store.GetProfile(ctx, id.UserID)
	switch {
	case err == nil:
		if existing.Email == id.Email && (id.FullName == "" || existing.FullName == id.FullName) {
			return s.decorate(existing), nil
		}
	case errors.Is(err, storage.ErrNotFound):
		s.log.WithContext(ctx).WithField("user_id", id.UserID).Info("creating profile")
	default:
		return profile.Profile{}, err
	}

	p, err := s.store.UpsertProfile(ctx, profile.Profile{
		ID:       id.UserID,
		Email:    strings.TrimSpace(id.Email),
		FullName: strings.TrimSpace(id.FullName),
		Role:     profile.RoleUser,
	})
	if err != nil {
		return profile.Profile{}, fmt.Errorf("upsert profile: %w", err)
	}
	return s.decorate(p), nil
}

// decorate reports allowlisted users as admins without persisting the role.
func (s *Service) decorate(p profile.Profile) profile.Profile {
	if s.admins.Contains(p.ID) {
		p.Role = profile.RoleAdmin
	}
	return p
}

func (s *Service) Get(ctx context.Context, id string) (profile.Profile, error) {
	p, err := s.store.GetProfile(ctx, id)
	if err != nil {
		return profile.Profile{}, err
	}
	return s.decorate(p), nil
}

func (s *Service) List(ctx context.Context, filter storage.ProfileFilter) ([]profile.Profile, error) {
	items, err := s.store.ListProfiles(ctx, filter)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i] = s.decorate(items[i])
	}
	return items, nil
}

// IsAdmin reports whether the user is allowlisted or stored as admin.
func (s *Service) IsAdmin(ctx context.Context, id string) (bool, error) {
	if s.admins.Contains(id) {
		return true, nil
	}
	p, err := s.store.GetProfile(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.IsAdmin(), nil
}

// SetRole changes the stored role. ref may be a user id or an e-mail address.
func (s *Service) SetRole(ctx context.Context, ref string, role profile.Role) (profile.Profile, error) {
	if !role.Valid() {
		return profile.Profile{}, service.Invalid("Rol inválido")
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return profile.Profile{}, service.Invalid("Debes indicar el usuario")
	}

	var (
		p   profile.Profile
		err error
	)
	if strings.Contains(ref, "@") {
		p, err = s.store.GetProfileByEmail(ctx, ref)
	} else {
		p, err = s.store.GetProfile(ctx, ref)
	}
	if err != nil {
		return profile.Profile{}, err
	}

	updated, err := s.store.SetProfileRole(ctx, p.ID, role)
	if err != nil {
		return profile.Profile{}, err
	}
	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"profile_id": p.ID,
		"role":       role,
	}).Info("profile role changed")
	return updated, nil
}
