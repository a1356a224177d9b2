package device

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
	"github.com/emergingrobotics/go-edgetpu/pkg/mailbox"
	"github.com/emergingrobotics/go-edgetpu/pkg/power"
)

type vmaKind int

const (
	vmaInvalid vmaKind = iota
	vmaFullCSR
	vmaVIICSR
	vmaVIICmdQueue
	vmaVIIRespQueue
	vmaExtCSR
	vmaExtCmdQueue
	vmaExtRespQueue
	vmaLog
	vmaTrace
)

func (k vmaKind) external() bool {
	return k == vmaExtCSR || k == vmaExtCmdQueue || k == vmaExtRespQueue
}

func (k vmaKind) telemetry() bool { return k == vmaLog || k == vmaTrace }

// event returns the wake-lock class a mapping of kind k keeps counted
func (k vmaKind) event() (power.Event, bool) {
	switch k {
	case vmaFullCSR:
		return power.EventFullCSR, true
	case vmaVIICSR:
		return power.EventMboxCSR, true
	case vmaVIICmdQueue:
		return power.EventCmdQueue, true
	case vmaVIIRespQueue:
		return power.EventRespQueue, true
	case vmaExtCSR:
		return power.EventExtMboxCSR, true
	case vmaExtCmdQueue:
		return power.EventExtCmdQueue, true
	case vmaExtRespQueue:
		return power.EventExtRespQueue, true
	}
	return 0, false
}

// vmaOf decodes an mmap offset into the region kind and, for telemetry, the
// buffer index
func vmaOf(offset uint64) (vmaKind, int) {
	switch offset {
	case driver.MmapFullCSROffset:
		return vmaFullCSR, 0
	case driver.MmapCSROffset:
		return vmaVIICSR, 0
	case driver.MmapCmdQueueOffset:
		return vmaVIICmdQueue, 0
	case driver.MmapRespQueueOffset:
		return vmaVIIRespQueue, 0
	case driver.MmapExtCSROffset:
		return vmaExtCSR, 0
	case driver.MmapExtCmdQueueOffset:
		return vmaExtCmdQueue, 0
	case driver.MmapExtRespQueueOffset:
		return vmaExtRespQueue, 0
	case driver.MmapLogBufferOffset:
		return vmaLog, 0
	case driver.MmapTraceBufferOffset:
		return vmaTrace, 0
	case driver.MmapLog1BufferOffset:
		return vmaLog, 1
	case driver.MmapTrace1BufferOffset:
		return vmaTrace, 1
	case driver.MmapLog2BufferOffset:
		return vmaLog, 2
	case driver.MmapTrace2BufferOffset:
		return vmaTrace, 2
	case driver.MmapLog3BufferOffset:
		return vmaLog, 3
	case driver.MmapTrace3BufferOffset:
		return vmaTrace, 3
	}
	return vmaInvalid, 0
}

// vmaPrivate is shared by every piece of a split mapping
type vmaPrivate struct {
	c     *Client
	kind  vmaKind
	index int
	refs  atomic.Int32
}

func (p *vmaPrivate) get() { p.refs.Add(1) }

func (p *vmaPrivate) put() {
	if p.refs.Add(-1) == 0 {
		p.c.log.WithField("kind", p.kind).Trace("vma private released")
	}
}

// open accounts one more live piece of the mapping
func (p *vmaPrivate) open() {
	p.get()
	if evt, ok := p.kind.event(); ok {
		p.c.wakelock.IncEvent(evt)
	}
	if p.kind.telemetry() {
		p.c.d.telemetry.mmapped(p.telemetryKind(), 1)
	}
}

func (p *vmaPrivate) close() {
	if evt, ok := p.kind.event(); ok {
		p.c.wakelock.DecEvent(evt)
	}
	if p.kind.telemetry() {
		p.c.d.telemetry.mmapped(p.telemetryKind(), -1)
	}
	p.put()
}

func (p *vmaPrivate) telemetryKind() telemetryKind {
	if p.kind == vmaTrace {
		return telemetryTrace
	}
	return telemetryLog
}

// VMA is a region of the device file mapped by a client. Data aliases the
// device memory behind the region.
type VMA struct {
	Offset uint64
	Data   []byte

	pvt       *vmaPrivate
	closeOnce sync.Once
}

// Split cuts the mapping at byte at. The receiver keeps the head and the
// returned VMA covers the tail; both share the accounting record.
func (v *VMA) Split(at int) (*VMA, error) {
	if at <= 0 || at >= len(v.Data) || at%driver.MmapPageSize != 0 {
		return nil, driver.Errorf(unix.EINVAL, "split at %d of %d bytes", at, len(v.Data))
	}
	tail := &VMA{Offset: v.Offset + uint64(at), Data: v.Data[at:], pvt: v.pvt}
	v.Data = v.Data[:at:at]
	v.pvt.open()
	return tail, nil
}

// Close unmaps the region. Closing twice is a no-op.
func (v *VMA) Close() {
	v.closeOnce.Do(v.pvt.close)
}

// Mmap maps length bytes of the region at offset. CSR and queue regions keep
// a wake-lock event counted until closed, so the wake-lock cannot drop to
// zero while they are mapped.
func (c *Client) Mmap(offset uint64, length int) (*VMA, error) {
	d := c.d
	log := c.log.WithFields(logrus.Fields{"offset": offset, "length": length})
	if offset%driver.MmapPageSize != 0 || length <= 0 {
		return nil, driver.Errorf(unix.EINVAL, "mmap of %d bytes at %#x", length, offset)
	}
	kind, index := vmaOf(offset)
	if kind == vmaInvalid {
		return nil, driver.Errorf(unix.EINVAL, "mmap offset %#x", offset)
	}
	if d.UseIKV() && !kind.telemetry() {
		log.Error("invalid mmap offset for in-kernel vii")
		return nil, driver.Errorf(unix.EINVAL, "mmap offset %#x with in-kernel vii", offset)
	}
	pvt := &vmaPrivate{c: c, kind: kind, index: index}
	pvt.get()

	var (
		region []byte
		err    error
	)
	switch {
	case kind.telemetry():
		region, err = c.mmapTelemetry(pvt.telemetryKind(), index)
	default:
		region, err = c.mmapCounted(kind)
	}
	if err != nil {
		pvt.put()
		log.WithError(err).Debug("mmap failed")
		return nil, err
	}
	if kind.telemetry() {
		d.telemetry.mmapped(pvt.telemetryKind(), 1)
	}
	if length < len(region) {
		region = region[:length:length]
	}
	return &VMA{Offset: offset, Data: region, pvt: pvt}, nil
}

func (c *Client) mmapTelemetry(kind telemetryKind, index int) ([]byte, error) {
	b := c.d.telemetry.buffer(kind, index)
	if b == nil {
		return nil, driver.Errorf(unix.ENODEV, "%s buffer %d not allocated", kind, index)
	}
	return b.Data, nil
}

// mmapCounted maps a region that needs the device powered. The wake-lock
// event is taken first and dropped again on failure.
func (c *Client) mmapCounted(kind vmaKind) ([]byte, error) {
	evt, _ := kind.event()
	if !c.wakelock.IncEvent(evt) {
		return nil, driver.Errorf(unix.EAGAIN, "%s mmap requires a wakelock", evt)
	}
	region, err := c.mmapRegion(kind)
	if err != nil {
		c.wakelock.DecEvent(evt)
		return nil, err
	}
	return region, nil
}

func (c *Client) mmapRegion(kind vmaKind) ([]byte, error) {
	if kind == vmaFullCSR {
		if !c.privileged {
			return nil, driver.NewError(unix.EPERM, "full csr mmap needs root")
		}
		return c.d.csr, nil
	}
	if kind.external() && !c.privileged {
		return nil, driver.NewError(unix.EPERM, "external mailbox mmap needs root")
	}

	c.groupMu.Lock()
	defer c.groupMu.Unlock()
	if c.group == nil {
		return nil, driver.NewError(unix.EINVAL, "client is not in a group")
	}
	return c.group.mailboxRegion(kind)
}

// mailboxRegion returns the CSR page or a queue of the group's VII or
// external mailbox
func (g *Group) mailboxRegion(kind vmaKind) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.finalizedLocked() || !g.attached {
		return nil, g.errnoLocked()
	}
	mb := g.vii
	if kind.external() {
		if g.ext == nil || len(g.ext.boxes) == 0 {
			return nil, driver.NewError(unix.ENOENT, "group holds no external mailbox")
		}
		mb = g.ext.boxes[0]
	}
	if mb == nil {
		return nil, driver.NewError(unix.ENXIO, "group has no vii mailbox")
	}

	var q *mailbox.Queue
	switch kind {
	case vmaVIICSR, vmaExtCSR:
		return mb.CSR(), nil
	case vmaVIICmdQueue, vmaExtCmdQueue:
		q = mb.Cmd()
	default:
		q = mb.Resp()
	}
	if q == nil || q.Bytes() == nil {
		return nil, driver.NewError(unix.ENXIO, "mailbox queue not allocated")
	}
	return q.Bytes(), nil
}
