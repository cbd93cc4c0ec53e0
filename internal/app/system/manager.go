package system

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/labcv/labcv/internal/logging"
)

// Manager owns a set of services.
type Manager struct {
	mu       sync.Mutex
	services []Service
	started  []Service
	log      *logging.Logger
}

func NewManager(log *logging.Logger) *Manager {
	if log == nil {
		log = logging.NewDefault("system")
	}
	return &Manager{log: log}
}

// Register adds a service. Registering after Start is an error.
func (m *Manager) Register(svc Service) error {
	if svc == nil {
		return errors.New("nil service")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.started) > 0 {
		return fmt.Errorf("register %s: manager already started", svc.Name())
	}
	for _, existing := range m.services {
		if existing.Name() == svc.Name() {
			return fmt.Errorf("service %s already registered", svc.Name())
		}
	}
	m.services = append(m.services, svc)
	return nil
}

// Start starts every service. If one fails, the ones already started are
// stopped and the error is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, svc := range m.services {
		if err := svc.Start(ctx); err != nil {
			m.stopLocked(ctx)
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
		m.started = append(m.started, svc)
		m.log.WithField("service", svc.Name()).Info("service started")
	}
	return nil
}

// Stop stops started services in reverse order.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(ctx)
}

func (m *Manager) stopLocked(ctx context.Context) error {
	var errs []error
	for i := len(m.started) - 1; i >= 0; i-- {
		svc := m.started[i]
		if err := svc.Stop(ctx); err != nil {
			m.log.WithError(err).WithField("service", svc.Name()).Warn("service stop failed")
			errs = append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
			continue
		}
		m.log.WithField("service", svc.Name()).Info("service stopped")
	}
	m.started = nil
	return errors.Join(errs...)
}

// Names lists registered services.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.services))
	for _, svc := range m.services {
		out = append(out, svc.Name())
	}
	return out
}
