// Package mailbox models the accelerator's hardware mailboxes and hands them
// out to the KCI, to device groups, to the in-kernel VII and to external
// clients.
package mailbox

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
)

// CSR register offsets within a mailbox's register page
const (
	RegContextEnable    = 0x00
	RegPriority         = 0x04
	RegCmdQueueDoorbell = 0x08
	RegCmdQueueHead     = 0x10
	RegCmdQueueTail     = 0x14
	RegRespQueueHead    = 0x18
	RegRespQueueTail    = 0x1c
	RegCmdQueueSize     = 0x20
	RegRespQueueSize    = 0x24
	RegIRQStatus        = 0x28
)

// CSRSize is the size of one mailbox register window
const CSRSize = driver.MmapPageSize

// Kind says who a mailbox is allocated to
type Kind int

const (
	KindFree Kind = iota
	KindKCI
	KindVII
	KindIKV
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindKCI:
		return "kci"
	case KindVII:
		return "vii"
	case KindIKV:
		return "ikv"
	case KindExternal:
		return "ext"
	default:
		return "free"
	}
}

// Mailbox is one hardware mailbox: a register page, a command ring the host
// produces into and a response ring the firmware produces into.
type Mailbox struct {
	ID int

	mu      sync.Mutex
	csr     []byte
	kind    Kind
	attr    driver.MailboxAttr
	cmd     *Queue
	resp    *Queue
	release func()

	doorbell chan struct{}
	irq      chan struct{}
}

func newMailbox(id int) *Mailbox {
	return &Mailbox{
		ID:       id,
		csr:      make([]byte, CSRSize),
		doorbell: make(chan struct{}, 1),
		irq:      make(chan struct{}, 1),
	}
}

// ReadReg reads a 32-bit CSR
func (m *Mailbox) ReadReg(off int) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return binary.LittleEndian.Uint32(m.csr[off:])
}

// WriteReg writes a 32-bit CSR
func (m *Mailbox) WriteReg(off int, v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	binary.LittleEndian.PutUint32(m.csr[off:], v)
}

// CSR returns the register page for mmap
func (m *Mailbox) CSR() []byte { return m.csr }

// Kind returns the current owner kind
func (m *Mailbox) Kind() Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kind
}

// Attr returns the attributes the mailbox was configured with
func (m *Mailbox) Attr() driver.MailboxAttr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attr
}

// Cmd returns the command ring, nil until configured
func (m *Mailbox) Cmd() *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cmd
}

// Resp returns the response ring, nil until configured
func (m *Mailbox) Resp() *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resp
}

// Enabled reports whether the context enable register is set
func (m *Mailbox) Enabled() bool { return m.ReadReg(RegContextEnable) != 0 }

// Enable sets the context enable register
func (m *Mailbox) Enable() { m.WriteReg(RegContextEnable, 1) }

// Disable clears the context enable register
func (m *Mailbox) Disable() { m.WriteReg(RegContextEnable, 0) }

// RingDoorbell tells the firmware the command ring has new elements
func (m *Mailbox) RingDoorbell() {
	m.WriteReg(RegCmdQueueDoorbell, 1)
	select {
	case m.doorbell <- struct{}{}:
	default:
	}
}

// Doorbell is the firmware side of RingDoorbell
func (m *Mailbox) Doorbell() <-chan struct{} { return m.doorbell }

// RaiseIRQ tells the host the response ring has new elements
func (m *Mailbox) RaiseIRQ() {
	m.WriteReg(RegIRQStatus, 1)
	select {
	case m.irq <- struct{}{}:
	default:
	}
}

// IRQ is the host side of RaiseIRQ
func (m *Mailbox) IRQ() <-chan struct{} { return m.irq }

// AckIRQ clears the interrupt status register
func (m *Mailbox) AckIRQ() { m.WriteReg(RegIRQStatus, 0) }

// configure installs rings of the given geometry, backed by cmdMem and respMem
func (m *Mailbox) configure(kind Kind, attr driver.MailboxAttr, cmdMem, respMem []byte, release func()) {
	cmd := NewQueue(cmdMem, int(attr.SizeofCmd), uint32(len(cmdMem)/int(attr.SizeofCmd)))
	resp := NewQueue(respMem, int(attr.SizeofResp), uint32(len(respMem)/int(attr.SizeofResp)))
	cmd.onUpdate = func(head, tail uint32) {
		m.WriteReg(RegCmdQueueHead, head)
		m.WriteReg(RegCmdQueueTail, tail)
	}
	resp.onUpdate = func(head, tail uint32) {
		m.WriteReg(RegRespQueueHead, head)
		m.WriteReg(RegRespQueueTail, tail)
	}

	m.mu.Lock()
	m.kind = kind
	m.attr = attr
	m.cmd = cmd
	m.resp = resp
	m.release = release
	clear(m.csr)
	binary.LittleEndian.PutUint32(m.csr[RegPriority:], uint32(attr.Priority))
	binary.LittleEndian.PutUint32(m.csr[RegCmdQueueSize:], cmd.Size())
	binary.LittleEndian.PutUint32(m.csr[RegRespQueueSize:], resp.Size())
	m.mu.Unlock()
}

// reset returns the mailbox to the free state. When skipCSR is set the
// register page is left untouched because the device is not accessible.
func (m *Mailbox) reset(skipCSR bool) {
	m.mu.Lock()
	release := m.release
	m.kind = KindFree
	m.attr = driver.MailboxAttr{}
	m.cmd, m.resp, m.release = nil, nil, nil
	if !skipCSR {
		clear(m.csr)
	}
	m.mu.Unlock()

	if release != nil {
		release()
	}
	select {
	case <-m.doorbell:
	default:
	}
	select {
	case <-m.irq:
	default:
	}
}

// ResetQueues empties both rings and clears pending doorbells
func (m *Mailbox) ResetQueues() {
	if q := m.Cmd(); q != nil {
		q.Reset()
	}
	if q := m.Resp(); q != nil {
		q.Reset()
	}
	select {
	case <-m.doorbell:
	default:
	}
}

func (m *Mailbox) String() string {
	return fmt.Sprintf("mailbox %d (%s)", m.ID, m.Kind())
}
