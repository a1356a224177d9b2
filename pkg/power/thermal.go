package power

import "sync/atomic"

// Thermal reports whether the thermal subsystem has suspended the device
type Thermal interface {
	Suspended() bool
}

// ThermalState is a settable thermal source
type ThermalState struct {
	suspended atomic.Bool
}

// Suspended implements Thermal
func (t *ThermalState) Suspended() bool { return t.suspended.Load() }

// SetSuspended changes the reported state
func (t *ThermalState) SetSuspended(v bool) { t.suspended.Store(v) }
