// Package mapping keeps the ordered set of device address ranges mapped into
// a device group.
package mapping

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
)

// Mapping is one device address range of a group
type Mapping struct {
	DeviceAddress uint64
	Size          uint64
	HostAddress   uint64
	Flags         driver.MapFlag
	Dir           driver.DmaDataDirection

	// Backing is the host memory behind the range, if any
	Backing []byte
	// Priv is owned by whoever created the mapping
	Priv any

	// Release is called after the mapping is removed from the registry by Clear.
	// Required.
	Release func(m *Mapping)
	// Show writes a debugfs description of the mapping. Optional.
	Show func(m *Mapping, w io.Writer)

	syncs atomic.Uint64
}

// End returns the first address past the mapping
func (m *Mapping) End() uint64 { return m.DeviceAddress + m.Size }

// Contains reports whether iova falls in [DeviceAddress, End)
func (m *Mapping) Contains(iova uint64) bool {
	return iova >= m.DeviceAddress && iova < m.End()
}

// RecordSync counts a cache maintenance operation on the mapping
func (m *Mapping) RecordSync() { m.syncs.Add(1) }

// Syncs returns the number of recorded cache maintenance operations
func (m *Mapping) Syncs() uint64 { return m.syncs.Load() }

func less(a, b *Mapping) bool { return a.DeviceAddress < b.DeviceAddress }

// Registry is a lock-protected ordered index of mappings keyed by device address
type Registry struct {
	mu   sync.Mutex
	tree *btree.BTreeG[*Mapping]
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{tree: btree.NewG(16, less)}
}

// Add inserts m. A mapping without a release closure is rejected with EINVAL;
// an existing entry at the same address, or an overlapping range, with EBUSY.
func (r *Registry) Add(m *Mapping) error {
	if m.Release == nil {
		return driver.NewError(unix.EINVAL, "mapping has no release")
	}
	if m.Size == 0 || m.End() < m.DeviceAddress {
		return driver.Errorf(unix.EINVAL, "bad mapping range %#x+%#x", m.DeviceAddress, m.Size)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tree.Has(m) {
		return driver.Errorf(unix.EBUSY, "mapping at %#x already present", m.DeviceAddress)
	}
	if prev := r.containingLocked(m.DeviceAddress); prev != nil {
		return driver.Errorf(unix.EBUSY, "%#x overlaps mapping at %#x", m.DeviceAddress, prev.DeviceAddress)
	}
	overlap := false
	r.tree.AscendGreaterOrEqual(m, func(next *Mapping) bool {
		overlap = next.DeviceAddress < m.End()
		return false
	})
	if overlap {
		return driver.Errorf(unix.EBUSY, "%#x+%#x overlaps a later mapping", m.DeviceAddress, m.Size)
	}
	r.tree.ReplaceOrInsert(m)
	return nil
}

// Find returns the mapping starting exactly at iova
func (r *Registry) Find(iova uint64) *Mapping {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, _ := r.tree.Get(&Mapping{DeviceAddress: iova})
	return m
}

// FindIOVARange returns the mapping whose range contains iova
func (r *Registry) FindIOVARange(iova uint64) *Mapping {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.containingLocked(iova)
}

func (r *Registry) containingLocked(iova uint64) *Mapping {
	var found *Mapping
	r.tree.DescendLessOrEqual(&Mapping{DeviceAddress: iova}, func(m *Mapping) bool {
		if m.Contains(iova) {
			found = m
		}
		return false
	})
	return found
}

// Unlink removes m without releasing it. It reports whether m was present.
func (r *Registry) Unlink(m *Mapping) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.tree.Get(m)
	if !ok || cur != m {
		return false
	}
	r.tree.Delete(m)
	return true
}

// Remove unlinks and returns the mapping starting at iova, or nil
func (r *Registry) Remove(iova uint64) *Mapping {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, _ := r.tree.Delete(&Mapping{DeviceAddress: iova})
	return m
}

// Clear unlinks every mapping in address order and releases each one
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		m, ok := r.tree.DeleteMin()
		if !ok {
			return
		}
		m.Release(m)
	}
}

// Count returns the number of mappings
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree.Len()
}

// TotalSize sums the sizes of all mappings
func (r *Registry) TotalSize() uint64 {
	var total uint64
	r.Range(func(m *Mapping) bool {
		total += m.Size
		return true
	})
	return total
}

// Range calls fn for each mapping in address order while holding the lock
func (r *Registry) Range(fn func(m *Mapping) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tree.Ascend(btree.ItemIteratorG[*Mapping](fn))
}

// Show writes every mapping that has a show closure
func (r *Registry) Show(w io.Writer) {
	r.Range(func(m *Mapping) bool {
		if m.Show != nil {
			m.Show(m, w)
		}
		return true
	})
}

// ShowHost is the debugfs line for a host buffer mapping
func ShowHost(m *Mapping, w io.Writer) {
	fmt.Fprintf(w, "  %#x %d %s %#x\n", m.DeviceAddress,
		(m.Size+driver.MmapPageSize-1)/driver.MmapPageSize, DirRW(m.Dir), m.HostAddress)
}

// DirRW renders a DMA direction the way the mappings view does
func DirRW(d driver.DmaDataDirection) string {
	return [...]string{"rw", "r", "w", "?"}[d&3]
}
