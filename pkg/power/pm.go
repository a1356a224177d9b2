// Package power implements the device power reference count, the per-client
// wake-lock, and the thermal veto consulted before powering up.
package power

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
)

// Hooks are the platform operations run on the first and last reference
type Hooks struct {
	PowerUp   func(ctx context.Context) error
	PowerDown func(ctx context.Context) error
}

// Manager is the device-wide power reference count
type Manager struct {
	log     *logrus.Entry
	hooks   Hooks
	thermal Thermal
	// OnChange observes the reference count after every change
	OnChange func(count int)

	mu    sync.Mutex
	count int
}

// NewManager creates a powered-off manager
func NewManager(log *logrus.Entry, hooks Hooks, thermal Thermal) *Manager {
	if thermal == nil {
		thermal = &ThermalState{}
	}
	return &Manager{log: log, hooks: hooks, thermal: thermal}
}

// Get takes a reference, powering up on the first one. A failed power-up
// leaves the count unchanged.
func (m *Manager) Get(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.count == 0 {
		if m.thermal.Suspended() {
			m.log.Warn("power up rejected due to device thermal limit exceeded")
			return driver.NewError(unix.EAGAIN, "thermal suspended")
		}
		m.log.Info("powering up")
		if m.hooks.PowerUp != nil {
			if err := m.hooks.PowerUp(ctx); err != nil {
				return err
			}
		}
	}
	m.count++
	m.changed()
	return nil
}

// GetIfPowered takes a reference only when the device is already powered.
// It fails with EAGAIN otherwise.
func (m *Manager) GetIfPowered() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count == 0 {
		return driver.NewError(unix.EAGAIN, "device powered off")
	}
	m.count++
	m.changed()
	return nil
}

// Put drops a reference, powering down on the last one
func (m *Manager) Put(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.count == 0 {
		m.log.Warn("unbalanced power put")
		return
	}
	m.count--
	m.changed()
	if m.count > 0 {
		return
	}
	m.log.Info("powering down")
	if m.hooks.PowerDown != nil {
		if err := m.hooks.PowerDown(ctx); err != nil {
			m.log.WithError(err).Warn("power down failed")
		}
	}
}

// IfPowered runs fn with the reference count held steady, only when the
// device is powered. It reports whether fn ran.
func (m *Manager) IfPowered(fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count == 0 {
		return false
	}
	fn()
	return true
}

// Count returns the current reference count
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// Powered reports whether any reference is held
func (m *Manager) Powered() bool { return m.Count() > 0 }

// Thermal returns the thermal source consulted on power up
func (m *Manager) Thermal() Thermal { return m.thermal }

func (m *Manager) changed() {
	if m.OnChange != nil {
		m.OnChange(m.count)
	}
}
