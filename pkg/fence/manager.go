package fence

import (
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
)

const driverName = "edgetpu"

// Manager tracks the DMA fences user space created through CREATE_SYNC_FENCE
type Manager struct {
	log *logrus.Entry

	mu     sync.Mutex
	fences []*DMAFence
}

// NewManager creates an empty sync-fence manager
func NewManager(log *logrus.Entry) *Manager {
	return &Manager{log: log}
}

// Create makes a fence on a new timeline owned by group, exports it into t,
// and stores the fd in data.Fence
func (m *Manager) Create(t *Table, group uint32, data *driver.CreateSyncFenceData) error {
	f := NewDMAFence(NewTimeline(data.TimelineName), uint64(data.Seqno))
	f.Group = group
	f.onRelease = m.remove

	m.mu.Lock()
	m.fences = append(m.fences, f)
	m.mu.Unlock()

	data.Fence = t.InstallFence(f)
	m.log.WithFields(logrus.Fields{"fence": f.String(), "fd": data.Fence}).Debug("sync fence created")
	return nil
}

// Signal signals the fence behind data.Fence with data.Error
func (m *Manager) Signal(t *Table, data *driver.SignalSyncFenceData) error {
	f, err := t.Fence(data.Fence)
	if err != nil {
		return err
	}
	if data.Error > 0 || data.Error < -MaxErrno {
		return driver.Errorf(unix.EINVAL, "bad fence error %d", data.Error)
	}
	return f.Signal(int(data.Error))
}

// Status fills data.Status for the fence behind data.Fence
func (m *Manager) Status(t *Table, data *driver.SyncFenceStatus) error {
	f, err := t.Fence(data.Fence)
	if err != nil {
		return err
	}
	data.Status = int32(f.Status())
	return nil
}

// GroupShutdown signals every pending fence of group with EPIPE
func (m *Manager) GroupShutdown(group uint32) {
	for _, f := range m.snapshot() {
		if f.Group != group || f.Status() != StatusActive {
			continue
		}
		if err := f.Signal(-int(unix.EPIPE)); err != nil {
			m.log.WithError(err).Warnf("error signaling fence %s", f)
		}
	}
}

// Count returns the number of live fences
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fences)
}

// Show writes the syncfences debug view
func (m *Manager) Show(w io.Writer) {
	for _, f := range m.snapshot() {
		fmt.Fprintf(w, "%s-%s %d-%d ", driverName, f.Timeline.Name, f.Timeline.Context, f.Seqno)
		switch st := f.Status(); {
		case st == StatusActive:
			fmt.Fprint(w, "unsignaled")
		case st < 0:
			fmt.Fprintf(w, "signaled err=%d", st)
		default:
			fmt.Fprint(w, "signaled")
		}
		fmt.Fprintf(w, " group=%d\n", f.Group)
	}
}

func (m *Manager) snapshot() []*DMAFence {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*DMAFence, len(m.fences))
	copy(out, m.fences)
	return out
}

func (m *Manager) remove(f *DMAFence) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, o := range m.fences {
		if o == f {
			m.fences = append(m.fences[:i], m.fences[i+1:]...)
			break
		}
	}
}
