package system

import (
	"context"
	"fmt"
)

// Manager registers Services and starts/stops them as a unit, in
// registration order on start and reverse order on stop.
type Manager struct {
	services []Service
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a service to the manager. Nil services are ignored.
func (m *Manager) Register(svc Service) {
	if svc == nil {
		return
	}
	m.services = append(m.services, svc)
}

// Services returns the registered services in registration order.
func (m *Manager) Services() []Service {
	out := make([]Service, len(m.services))
	copy(out, m.services)
	return out
}

// Start starts every registered service in order. If any service fails to
// start, the services already started are stopped in reverse order before
// the error is returned.
func (m *Manager) Start(ctx context.Context) error {
	started := make([]Service, 0, len(m.services))
	for _, svc := range m.services {
		if err := svc.Start(ctx); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				_ = started[i].Stop(ctx)
			}
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
		started = append(started, svc)
	}
	return nil
}

// Stop stops every registered service in reverse order, collecting (but not
// short-circuiting on) individual failures.
func (m *Manager) Stop(ctx context.Context) error {
	var firstErr error
	for i := len(m.services) - 1; i >= 0; i-- {
		if err := m.services[i].Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop %s: %w", m.services[i].Name(), err)
		}
	}
	return firstErr
}
