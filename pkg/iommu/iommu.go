// Package iommu models the accelerator IOMMU: one translation domain per
// device group, attached to the hardware under a PASID.
package iommu

import (
	"sync"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
)

// PASIDInvalid marks a detached domain
const PASIDInvalid = ^uint32(0)

// DefaultNumPASIDs is used when the device tree does not say otherwise
const DefaultNumPASIDs = 8

type translation struct {
	iova uint64
	size uint64
	host []byte
}

// Domain is one IOVA address space
type Domain struct {
	mmu   *MMU
	mu    sync.Mutex
	pasid uint32
	iova  *iovaAllocator
	xlat  *btree.BTreeG[*translation]
}

// PASID returns the attached PASID or PASIDInvalid
func (d *Domain) PASID() uint32 {
	d.mmu.mu.Lock()
	defer d.mmu.mu.Unlock()
	return d.pasid
}

// Detached reports whether the domain is not attached to the hardware
func (d *Domain) Detached() bool { return d.PASID() == PASIDInvalid }

// Map allocates an IOVA range of len(host) bytes translating to host
func (d *Domain) Map(host []byte, gcipFlags uint64) (uint64, error) {
	if len(host) == 0 {
		return 0, driver.NewError(unix.EINVAL, "map of empty buffer")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	iova, err := d.iova.alloc(uint64(len(host)))
	if err != nil {
		return 0, err
	}
	d.xlat.ReplaceOrInsert(&translation{iova: iova, size: uint64(len(host)), host: host})
	d.mmu.log.WithFields(logrus.Fields{"pasid": d.PASID(), "iova": iova, "size": len(host), "flags": gcipFlags}).
		Debug("map iova")
	return iova, nil
}

// Unmap removes the translation starting at iova
func (d *Domain) Unmap(iova uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.xlat.Delete(&translation{iova: iova})
	if !ok {
		return
	}
	d.iova.release(t.iova, t.size)
}

// Translate returns the host bytes behind [iova, iova+size)
func (d *Domain) Translate(iova, size uint64) ([]byte, error) {
	d.mu.Lock()
	var hit *translation
	d.xlat.DescendLessOrEqual(&translation{iova: iova}, func(t *translation) bool {
		hit = t
		return false
	})
	d.mu.Unlock()

	if hit == nil || iova+size > hit.iova+hit.size {
		d.mmu.fault(d.PASID(), iova)
		return nil, driver.Errorf(unix.EFAULT, "unmapped iova %#x+%#x", iova, size)
	}
	off := iova - hit.iova
	return hit.host[off : off+size], nil
}

// Available returns the unallocated IOVA bytes of the domain
func (d *Domain) Available() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.iova.available()
}

// FaultHandler is told about translation faults
type FaultHandler func(pasid uint32, iova uint64)

// MMU owns the PASID table
type MMU struct {
	mu       sync.Mutex
	log      *logrus.Entry
	base     uint64
	size     uint64
	attached []*Domain
	onFault  FaultHandler
}

// New creates an MMU with numPASIDs slots; PASID 0 is the kernel's default domain
func New(log *logrus.Entry, base, size uint64, numPASIDs int) *MMU {
	if numPASIDs <= 1 {
		numPASIDs = DefaultNumPASIDs
	}
	return &MMU{
		log:      log,
		base:     base,
		size:     size,
		attached: make([]*Domain, numPASIDs),
	}
}

// SetFaultHandler installs h for translation faults
func (m *MMU) SetFaultHandler(h FaultHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFault = h
}

func (m *MMU) fault(pasid uint32, iova uint64) {
	m.mu.Lock()
	h := m.onFault
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"pasid": pasid, "addr": iova}).Warn("page fault")
	if h != nil {
		h(pasid, iova)
	}
}

// AllocDomain creates a detached domain over the MMU's IOVA window
func (m *MMU) AllocDomain() *Domain {
	return &Domain{
		mmu:   m,
		pasid: PASIDInvalid,
		iova:  newIOVAAllocator(m.base, m.size),
		xlat:  btree.NewG(8, func(a, b *translation) bool { return a.iova < b.iova }),
	}
}

// Attach binds d to the lowest free PASID
func (m *MMU) Attach(d *Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.pasid != PASIDInvalid {
		return driver.Errorf(unix.EBUSY, "domain already attached to pasid %d", d.pasid)
	}
	for pasid := 1; pasid < len(m.attached); pasid++ {
		if m.attached[pasid] == nil {
			m.attached[pasid] = d
			d.pasid = uint32(pasid)
			return nil
		}
	}
	return driver.NewError(unix.EBUSY, "no free pasid")
}

// Detach unbinds d from its PASID
func (m *MMU) Detach(d *Domain) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.pasid == PASIDInvalid || d.pasid == 0 || int(d.pasid) >= len(m.attached) {
		return
	}
	m.attached[d.pasid] = nil
	d.pasid = PASIDInvalid
}

// FreeDomain detaches d if needed
func (m *MMU) FreeDomain(d *Domain) {
	m.Detach(d)
}

// DomainForPASID returns the domain attached at pasid, if any
func (m *MMU) DomainForPASID(pasid uint32) *Domain {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(pasid) >= len(m.attached) {
		return nil
	}
	return m.attached[pasid]
}

// NumPASIDs returns the size of the PASID table
func (m *MMU) NumPASIDs() int { return len(m.attached) }
