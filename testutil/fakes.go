package testutil

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Thermal is a thermal source tests flip at will
type Thermal struct {
	mu        sync.Mutex
	suspended bool
	reads     int
}

// Suspended implements power.Thermal and counts the reads
func (t *Thermal) Suspended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reads++
	return t.suspended
}

// Set changes the reported state
func (t *Thermal) Set(suspended bool) {
	t.mu.Lock()
	t.suspended = suspended
	t.mu.Unlock()
}

// Reads returns how many times Suspended was called
func (t *Thermal) Reads() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reads
}

// Clock is a manual clock that records every reading
type Clock struct {
	mu    sync.Mutex
	now   time.Time
	reads []time.Time
}

// NewClock starts a clock at a fixed instant
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now implements power.Clock
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads = append(c.reads, c.now)
	return c.now
}

// Advance moves the clock forward
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Reads returns the instants handed out so far
func (c *Clock) Reads() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Time(nil), c.reads...)
}

// EventReader owns a non-blocking eventfd and drains its counter
type EventReader struct {
	fd int
}

// NewEventReader creates the eventfd
func NewEventReader() (*EventReader, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &EventReader{fd: fd}, nil
}

// FD returns the descriptor to register with the device
func (e *EventReader) FD() int { return e.fd }

// Read returns and resets the counter, 0 when nothing was signaled
func (e *EventReader) Read() (uint64, error) {
	var b [8]byte
	_, err := unix.Read(e.fd, b[:])
	if errors.Is(err, unix.EAGAIN) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint64(b[:]), nil
}

// Close closes the eventfd
func (e *EventReader) Close() error {
	return unix.Close(e.fd)
}
