package mailbox

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
	"github.com/emergingrobotics/go-edgetpu/pkg/iremap"
)

// KCIMailboxID is the fixed index of the KCI mailbox
const KCIMailboxID = 0

// Range is a half-open span of mailbox indices
type Range struct {
	Start int `yaml:"start" toml:"start"`
	End   int `yaml:"end" toml:"end"`
}

// Len returns the number of indices in r
func (r Range) Len() int { return r.End - r.Start }

// Config describes the mailbox table of a device
type Config struct {
	NumMailboxes int
	// NumVII counts the VII mailboxes following the KCI mailbox, including
	// the one taken by the in-kernel VII when UseIKV is set.
	NumVII   int
	UseIKV   bool
	External map[uint32]Range
}

// ResolveIKV applies the force_ikv parameter: 0 disables the in-kernel VII,
// 1 enables it, anything else defers to the device tree.
func ResolveIKV(force int, deviceTree bool) bool {
	switch force {
	case 0:
		return false
	case 1:
		return true
	default:
		return deviceTree
	}
}

// Manager owns the fixed table of mailboxes
type Manager struct {
	mu       sync.Mutex
	pool     *iremap.Pool
	boxes    []*Mailbox
	vii      Range
	ikvIndex int
	useIKV   bool
	external map[uint32]Range
}

// NewManager builds the mailbox table described by cfg
func NewManager(cfg Config, pool *iremap.Pool) (*Manager, error) {
	if cfg.NumMailboxes < 1 || cfg.NumVII < 0 || 1+cfg.NumVII > cfg.NumMailboxes {
		return nil, driver.Errorf(unix.EINVAL, "bad mailbox geometry: %d mailboxes, %d VII",
			cfg.NumMailboxes, cfg.NumVII)
	}
	if cfg.UseIKV && cfg.NumVII < 1 {
		return nil, driver.NewError(unix.EINVAL, "in-kernel VII needs a VII mailbox")
	}
	m := &Manager{
		pool:     pool,
		boxes:    make([]*Mailbox, cfg.NumMailboxes),
		vii:      Range{Start: 1, End: 1 + cfg.NumVII},
		ikvIndex: -1,
		useIKV:   cfg.UseIKV,
		external: make(map[uint32]Range),
	}
	for i := range m.boxes {
		m.boxes[i] = newMailbox(i)
	}
	if cfg.UseIKV {
		m.vii.End--
		m.ikvIndex = m.vii.End
		m.vii.End = m.vii.Start
	}
	for typ, r := range cfg.External {
		if r.Start <= KCIMailboxID || r.End > cfg.NumMailboxes || r.Len() <= 0 {
			return nil, driver.Errorf(unix.EINVAL, "bad external mailbox range %d-%d for type %d",
				r.Start, r.End, typ)
		}
		m.external[typ] = r
	}
	return m, nil
}

// UseIKV reports whether the in-kernel VII owns the shared VII mailbox
func (m *Manager) UseIKV() bool { return m.useIKV }

// NumUserVII returns the number of per-group VII mailboxes
func (m *Manager) NumUserVII() int { return m.vii.Len() }

// Get returns mailbox id, or nil when out of range
func (m *Manager) Get(id int) *Mailbox {
	if id < 0 || id >= len(m.boxes) {
		return nil
	}
	return m.boxes[id]
}

func (m *Manager) allocQueues(mb *Mailbox, kind Kind, attr driver.MailboxAttr, cmdBytes, respBytes int) error {
	cmd, err := m.pool.Alloc(cmdBytes)
	if err != nil {
		return err
	}
	resp, err := m.pool.Alloc(respBytes)
	if err != nil {
		cmd.Free()
		return err
	}
	mb.configure(kind, attr, cmd.Data, resp.Data, func() {
		cmd.Free()
		resp.Free()
	})
	return nil
}

func (m *Manager) allocFixed(id int, kind Kind, cmdElem, respElem int, elems uint32) (*Mailbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mb := m.boxes[id]
	if mb.Kind() != KindFree {
		return nil, driver.Errorf(unix.EBUSY, "%s already allocated", mb)
	}
	attr := driver.MailboxAttr{SizeofCmd: uint32(cmdElem), SizeofResp: uint32(respElem)}
	if err := m.allocQueues(mb, kind, attr, cmdElem*int(elems), respElem*int(elems)); err != nil {
		return nil, err
	}
	return mb, nil
}

// AllocKCI configures the reserved KCI mailbox
func (m *Manager) AllocKCI(cmdElem, respElem int, elems uint32) (*Mailbox, error) {
	return m.allocFixed(KCIMailboxID, KindKCI, cmdElem, respElem, elems)
}

// AllocIKV configures the shared in-kernel VII mailbox
func (m *Manager) AllocIKV(cmdElem, respElem int, elems uint32) (*Mailbox, error) {
	if !m.useIKV {
		return nil, driver.NewError(unix.EOPNOTSUPP, "in-kernel VII disabled")
	}
	return m.allocFixed(m.ikvIndex, KindIKV, cmdElem, respElem, elems)
}

// ValidateAttr checks the queue geometry requested by user space
func ValidateAttr(attr driver.MailboxAttr) error {
	if attr.SizeofCmd == 0 || attr.SizeofResp == 0 {
		return driver.NewError(unix.EINVAL, "zero mailbox element size")
	}
	if attr.CmdQueueSize == 0 || attr.RespQueueSize == 0 {
		return driver.NewError(unix.EINVAL, "zero mailbox queue size")
	}
	cmdElems := attr.CmdQueueSize * driver.MailboxQueueSizeUnitBytes / attr.SizeofCmd
	respElems := attr.RespQueueSize * driver.MailboxQueueSizeUnitBytes / attr.SizeofResp
	if cmdElems == 0 || respElems == 0 ||
		cmdElems > driver.MaxMailboxQueueElements || respElems > driver.MaxMailboxQueueElements {
		return driver.Errorf(unix.EINVAL, "mailbox queue of %d/%d elements out of range", cmdElems, respElems)
	}
	return nil
}

func (m *Manager) allocInRange(r Range, kind Kind, attr driver.MailboxAttr, count int) ([]*Mailbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var picked []*Mailbox
	for id := r.Start; id < r.End && len(picked) < count; id++ {
		if m.boxes[id].Kind() == KindFree {
			picked = append(picked, m.boxes[id])
		}
	}
	if len(picked) < count {
		return nil, driver.Errorf(unix.EBUSY, "no free %s mailbox", kind)
	}
	cmdBytes := int(attr.CmdQueueSize) * driver.MailboxQueueSizeUnitBytes
	respBytes := int(attr.RespQueueSize) * driver.MailboxQueueSizeUnitBytes
	for i, mb := range picked {
		if err := m.allocQueues(mb, kind, attr, cmdBytes, respBytes); err != nil {
			for _, done := range picked[:i] {
				done.reset(false)
			}
			return nil, err
		}
	}
	return picked, nil
}

// AllocVII hands a per-group VII mailbox to a device group
func (m *Manager) AllocVII(attr driver.MailboxAttr) (*Mailbox, error) {
	if m.useIKV {
		return nil, driver.NewError(unix.EOPNOTSUPP, "per-group VII disabled by in-kernel VII")
	}
	if err := ValidateAttr(attr); err != nil {
		return nil, err
	}
	boxes, err := m.allocInRange(m.vii, KindVII, attr, 1)
	if err != nil {
		return nil, err
	}
	return boxes[0], nil
}

// ExternalRange returns the index range configured for an external mailbox type
func (m *Manager) ExternalRange(typ uint32) (Range, error) {
	r, ok := m.external[typ]
	if !ok {
		return Range{}, driver.Errorf(unix.EINVAL, "unknown external mailbox type %d", typ)
	}
	return r, nil
}

// AllocExternal hands count mailboxes of an external type to a client
func (m *Manager) AllocExternal(typ uint32, count int, attr driver.MailboxAttr) ([]*Mailbox, error) {
	r, err := m.ExternalRange(typ)
	if err != nil {
		return nil, err
	}
	if count <= 0 || count > r.Len() {
		return nil, driver.Errorf(unix.EINVAL, "bad external mailbox count %d", count)
	}
	if err := ValidateAttr(attr); err != nil {
		return nil, err
	}
	return m.allocInRange(r, KindExternal, attr, count)
}

// Release returns mb to the pool. The KCI and in-kernel VII mailboxes are
// never released.
func (m *Manager) Release(mb *Mailbox, skipCSR bool) {
	if mb == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch mb.Kind() {
	case KindKCI, KindIKV, KindFree:
		return
	}
	mb.reset(skipCSR)
}

// Show writes the allocation table
func (m *Manager) Show(w io.Writer) {
	for _, mb := range m.boxes {
		if k := mb.Kind(); k != KindFree {
			fmt.Fprintf(w, "mailbox %d %s\n", mb.ID, k)
		}
	}
}
