package fence

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
)

// MaxIIFs is the size of the inter-IP fence id space
const MaxIIFs = 1 << 16

// IIF is an inter-IP fence: a shared-memory fence that the accelerator and
// its peers signal by id
type IIF struct {
	state
	ID uint16

	mgr *IIFManager
}

func (f *IIF) Kind() Kind { return KindIIF }

func (f *IIF) Status() int { return f.status() }

func (f *IIF) Done() <-chan struct{} { return f.done }

// Signal completes the fence. Signaling twice returns EINVAL.
func (f *IIF) Signal(errno int) error {
	if err := checkErrno(errno); err != nil {
		return err
	}
	if !f.signal(errno) {
		return errAlreadySignaled
	}
	return nil
}

// Release returns the id to the manager
func (f *IIF) Release() {
	if f.mgr != nil {
		f.mgr.release(f)
	}
}

func (f *IIF) String() string { return fmt.Sprintf("iif %d", f.ID) }

// IIFManager owns the inter-IP fence id space shared with peers
type IIFManager struct {
	mu     sync.Mutex
	fences map[uint16]*IIF
	next   uint32
}

// NewIIFManager creates an empty manager
func NewIIFManager() *IIFManager {
	return &IIFManager{fences: make(map[uint16]*IIF)}
}

// Create allocates a fence with the next free id
func (m *IIFManager) Create() (*IIF, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.fences) >= MaxIIFs {
		return nil, driver.NewError(unix.ENOSPC, "iif ids exhausted")
	}
	for {
		id := uint16(m.next % MaxIIFs)
		m.next++
		if _, used := m.fences[id]; !used {
			f := &IIF{state: newState(), ID: id, mgr: m}
			m.fences[id] = f
			return f, nil
		}
	}
}

// Lookup returns the live fence with id
func (m *IIFManager) Lookup(id uint16) (*IIF, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.fences[id]
	return f, ok
}

// SignalID signals the fence with id, as a peer IP would
func (m *IIFManager) SignalID(id uint16, errno int) error {
	f, ok := m.Lookup(id)
	if !ok {
		return driver.Errorf(unix.ENOENT, "iif %d", id)
	}
	return f.Signal(errno)
}

// Count returns the number of live fences
func (m *IIFManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fences)
}

func (m *IIFManager) release(f *IIF) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fences[f.ID] == f {
		delete(m.fences, f.ID)
	}
}
