package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/labcv/labcv/internal/app/domain/access"
	"github.com/labcv/labcv/internal/app/domain/cv"
	"github.com/labcv/labcv/internal/app/domain/learning"
	"github.com/labcv/labcv/internal/app/domain/payment"
	"github.com/labcv/labcv/internal/app/domain/profile"
	"github.com/labcv/labcv/internal/app/domain/prompt"
	"github.com/labcv/labcv/internal/app/domain/training"
	"github.com/labcv/labcv/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu sync.RWMutex

	profiles map[string]profile.Profile

	cvs          map[string]cv.CV
	versions     map[string][]cv.Version
	messages     map[string][]cv.Message
	messageIndex map[string]cv.Message
	assets       map[string][]cv.Asset

	payments        map[string]payment.Payment
	paymentsByOrder map[string]string
	paymentLogs     map[string][]payment.Log

	grants    map[string]access.Grant
	grantKeys map[string]string

	prompts      map[string]prompt.Version
	patterns     map[string]learning.Pattern
	patternByTag map[string]string
	feedback     []learning.Feedback

	sessions         map[string]training.Session
	trainingMessages map[string][]training.Message
	trainingIndex    map[string]training.Message
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		profiles:         make(map[string]profile.Profile),
		cvs:              make(map[string]cv.CV),
		versions:         make(map[string][]cv.Version),
		messages:         make(map[string][]cv.Message),
		messageIndex:     make(map[string]cv.Message),
		assets:           make(map[string][]cv.Asset),
		payments:         make(map[string]payment.Payment),
		paymentsByOrder:  make(map[string]string),
		paymentLogs:      make(map[string][]payment.Log),
		grants:           make(map[string]access.Grant),
		grantKeys:        make(map[string]string),
		prompts:          make(map[string]prompt.Version),
		patterns:         make(map[string]learning.Pattern),
		patternByTag:     make(map[string]string),
		sessions:         make(map[string]training.Session),
		trainingMessages: make(map[string][]training.Message),
		trainingIndex:    make(map[string]training.Message),
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func newID() string { return uuid.NewString() }

func now() time.Time { return time.Now().UTC() }

func paginate[T any](items []T, page storage.Page) []T {
	page = page.Normalize()
	if page.Offset >= len(items) {
		return []T{}
	}
	end := page.Offset + page.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[page.Offset:end]
}

// ProfileStore implementation -------------------------------------------------

func (s *Store) UpsertProfile(_ context.Context, p profile.Profile) (profile.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now()
	if existing, ok := s.profiles[p.ID]; ok {
		existing.Email = p.Email
		if p.FullName != "" {
			existing.FullName = p.FullName
		}
		existing.UpdatedAt = ts
		s.profiles[p.ID] = existing
		return existing, nil
	}
	if p.ID == "" {
		p.ID = newID()
	}
	if !p.Role.Valid() {
		p.Role = profile.RoleUser
	}
	p.CreatedAt = ts
	p.UpdatedAt = ts
	s.profiles[p.ID] = p
	return p, nil
}

func (s *Store) GetProfile(_ context.Context, id string) (profile.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[id]
	if !ok {
		return profile.Profile{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *Store) GetProfileByEmail(_ context.Context, email string) (profile.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.profiles {
		if strings.EqualFold(p.Email, email) {
			return p, nil
		}
	}
	return profile.Profile{}, storage.ErrNotFound
}

func (s *Store) ListProfiles(_ context.Context, filter storage.ProfileFilter) ([]profile.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := strings.ToLower(strings.TrimSpace(filter.Query))
	result := make([]profile.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		if filter.Role != "" && p.Role != filter.Role {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(p.Email+" "+p.FullName), query) {
			continue
		}
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return paginate(result, filter.Page), nil
}

func (s *Store) SetProfileRole(_ context.Context, id string, role profile.Role) (profile.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[id]
	if !ok {
		return profile.Profile{}, storage.ErrNotFound
	}
	p.Role = role
	p.UpdatedAt = now()
	s.profiles[id] = p
	return p, nil
}
