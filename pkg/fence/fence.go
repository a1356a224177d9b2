// Package fence provides the synchronization primitives shared with other
// drivers: DMA fences on named timelines, fence arrays, inter-IP fences, the
// fd table that exports them as sync files, and the in-kernel awaiter.
package fence

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Status values reported for a fence; negative values are the signaled error
const (
	StatusActive   = 0
	StatusSignaled = 1
)

// Kind distinguishes the fence implementations
type Kind int

const (
	KindDMA Kind = iota
	KindDMAArray
	KindIIF
)

func (k Kind) String() string {
	switch k {
	case KindDMA:
		return "dma-fence"
	case KindDMAArray:
		return "dma-fence-array"
	default:
		return "iif"
	}
}

// Fence is a one-shot completion with an optional error
type Fence interface {
	Kind() Kind
	// Status returns StatusActive, StatusSignaled, or the negative errno the
	// fence was signaled with
	Status() int
	// Done is closed once the fence is signaled
	Done() <-chan struct{}
	// Signal completes the fence with a zero or negative errno
	Signal(errno int) error
	// OnSignal runs fn once the fence signals, immediately if it already has.
	// fn must not block.
	OnSignal(fn func())
	String() string
}

// state is the signaling core shared by every fence kind
type state struct {
	mu       sync.Mutex
	signaled bool
	err      int
	done     chan struct{}
	cbs      []func()
}

func newState() state { return state{done: make(chan struct{})} }

func (s *state) status() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case !s.signaled:
		return StatusActive
	case s.err != 0:
		return s.err
	default:
		return StatusSignaled
	}
}

// signal reports false when the fence was already signaled
func (s *state) signal(errno int) bool {
	s.mu.Lock()
	if s.signaled {
		s.mu.Unlock()
		return false
	}
	s.signaled = true
	s.err = errno
	close(s.done)
	cbs := s.cbs
	s.cbs = nil
	s.mu.Unlock()

	for _, fn := range cbs {
		fn()
	}
	return true
}

func (s *state) OnSignal(fn func()) {
	s.mu.Lock()
	if !s.signaled {
		s.cbs = append(s.cbs, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn()
}

var contextCounter atomic.Uint64

// Timeline is a named fence context
type Timeline struct {
	Name    string
	Context uint64
}

// NewTimeline allocates a fresh fence context
func NewTimeline(name string) *Timeline {
	return &Timeline{Name: name, Context: contextCounter.Add(1)}
}

// DMAFence is a software-signaled DMA fence
type DMAFence struct {
	state
	Timeline *Timeline
	Seqno    uint64
	Group    uint32

	refs      atomic.Int32
	onRelease func(*DMAFence)
}

// NewDMAFence creates an unsignaled fence holding one reference
func NewDMAFence(tl *Timeline, seqno uint64) *DMAFence {
	f := &DMAFence{state: newState(), Timeline: tl, Seqno: seqno}
	f.refs.Store(1)
	return f
}

func (f *DMAFence) Kind() Kind { return KindDMA }

func (f *DMAFence) Status() int { return f.status() }

func (f *DMAFence) Done() <-chan struct{} { return f.done }

// Signal completes the fence. Signaling twice returns EINVAL.
func (f *DMAFence) Signal(errno int) error {
	if err := checkErrno(errno); err != nil {
		return err
	}
	if !f.signal(errno) {
		return errAlreadySignaled
	}
	return nil
}

// Get takes a reference
func (f *DMAFence) Get() *DMAFence {
	f.refs.Add(1)
	return f
}

// Put drops a reference and runs the release hook on the last one
func (f *DMAFence) Put() {
	if f.refs.Add(-1) == 0 && f.onRelease != nil {
		f.onRelease(f)
	}
}

func (f *DMAFence) String() string {
	return fmt.Sprintf("edgetpu-%s %d-%d", f.Timeline.Name, f.Timeline.Context, f.Seqno)
}

// Array is a DMA fence that signals once all of its members have signaled,
// with the first member error it observes.
type Array struct {
	state
	Fences []Fence
}

// NewArray builds an array over fences. An empty array is born signaled.
func NewArray(fences []Fence) *Array {
	a := &Array{state: newState(), Fences: fences}
	if len(fences) == 0 {
		a.signal(0)
		return a
	}

	var mu sync.Mutex
	remaining, first := len(fences), 0
	for _, f := range fences {
		f := f
		f.OnSignal(func() {
			mu.Lock()
			remaining--
			if st := f.Status(); st < 0 && first == 0 {
				first = st
			}
			last, errno := remaining == 0, first
			mu.Unlock()
			if last {
				a.signal(errno)
			}
		})
	}
	return a
}

func (a *Array) Kind() Kind { return KindDMAArray }

func (a *Array) Status() int { return a.status() }

func (a *Array) Done() <-chan struct{} { return a.done }

// Signal is rejected: an array signals through its members
func (a *Array) Signal(errno int) error { return errArraySignal }

func (a *Array) String() string { return fmt.Sprintf("dma-fence-array[%d]", len(a.Fences)) }
