package power

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
)

// Event classes counted while a wake-lock is held, one per kind of mmap
// region that needs the device powered
type Event int

const (
	EventFullCSR Event = iota
	EventMboxCSR
	EventCmdQueue
	EventRespQueue
	EventExtMboxCSR
	EventExtCmdQueue
	EventExtRespQueue
	NumEvents
)

var eventNames = [NumEvents]string{
	"full-csr", "mbox-csr", "cmd-queue", "resp-queue", "ext-mbox-csr", "ext-cmd-queue", "ext-resp-queue",
}

func (e Event) String() string {
	if e < 0 || e >= NumEvents {
		return "unknown"
	}
	return eventNames[e]
}

// Clock is the time source for acquisition accounting
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock reads the wall clock
var SystemClock Clock = systemClock{}

// WakeLock is a client's request count on device power with time accounting.
// Callers serialize Acquire and Release with the mailbox attach they gate by
// holding the lock returned by Lock.
type WakeLock struct {
	clock Clock

	mu         sync.Mutex
	count      int
	total      time.Duration
	acquiredAt time.Time
	events     [NumEvents]int
}

// NewWakeLock creates a released wake-lock
func NewWakeLock(clock Clock) *WakeLock {
	if clock == nil {
		clock = SystemClock
	}
	return &WakeLock{clock: clock}
}

// Lock serializes with other wake-lock state changes and reports the request
// count at the time of locking
func (w *WakeLock) Lock() int {
	w.mu.Lock()
	return w.count
}

// Unlock releases Lock
func (w *WakeLock) Unlock() { w.mu.Unlock() }

// Acquire increments the count and returns its previous value. Lock must be held.
func (w *WakeLock) Acquire() int {
	prev := w.count
	if prev == 0 {
		w.acquiredAt = w.clock.Now()
	}
	w.count++
	return prev
}

// Release decrements the count and returns the new value. Releasing an
// unheld lock fails with EINVAL; dropping the last request while an mmap
// region still needs power fails with EAGAIN. Lock must be held.
func (w *WakeLock) Release() (int, error) {
	if w.count == 0 {
		return 0, driver.NewError(unix.EINVAL, "wakelock not held")
	}
	if w.count == 1 {
		for e, n := range w.events {
			if n > 0 {
				return w.count, driver.Errorf(unix.EAGAIN, "%s still mapped", Event(e))
			}
		}
		w.total += w.clock.Now().Sub(w.acquiredAt)
	}
	w.count--
	return w.count, nil
}

// ForceRelease drops every request regardless of mapped regions and returns
// how many were held. Used when the owning client goes away.
func (w *WakeLock) ForceRelease() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.count
	if n > 0 {
		w.total += w.clock.Now().Sub(w.acquiredAt)
	}
	w.count = 0
	w.events = [NumEvents]int{}
	return n
}

// IncEvent counts a mapped region of class e. It only succeeds while the lock
// is held and reports whether it did.
func (w *WakeLock) IncEvent(e Event) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count == 0 {
		return false
	}
	w.events[e]++
	return true
}

// DecEvent uncounts a mapped region of class e
func (w *WakeLock) DecEvent(e Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.events[e] > 0 {
		w.events[e]--
	}
}

// EventCount returns the mapped regions of class e
func (w *WakeLock) EventCount(e Event) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.events[e]
}

// Count returns the request count
func (w *WakeLock) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Times returns the total acquired time including the current hold, and the
// length of the current hold
func (w *WakeLock) Times() (total, current time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	total = w.total
	if w.count > 0 {
		current = w.clock.Now().Sub(w.acquiredAt)
		total += current
	}
	return total, current
}
