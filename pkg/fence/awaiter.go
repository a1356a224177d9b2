package fence

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
)

// Callback runs once per awaited fence. On signal, remaining is the time
// left before the timeout (zero when waiting without one) and err is nil.
// err is ETIMEDOUT when the timeout elapsed and ERESTARTSYS when the awaiter
// exited first.
type Callback func(f Fence, remaining time.Duration, err error)

// Awaiter runs one wait task per fence and calls back when it resolves
type Awaiter struct {
	log *logrus.Entry

	mu      sync.Mutex
	stopped bool
	pending int
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewAwaiter creates a running awaiter
func NewAwaiter(log *logrus.Entry) *Awaiter {
	ctx, cancel := context.WithCancel(context.Background())
	return &Awaiter{log: log, ctx: ctx, cancel: cancel}
}

// Wait starts a task waiting on f. A zero timeout waits until the fence
// signals or the awaiter exits.
func (a *Awaiter) Wait(f Fence, timeout time.Duration, cb Callback) error {
	if f == nil || cb == nil {
		return driver.NewError(unix.EINVAL, "awaiter needs a fence and a callback")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return driver.NewError(unix.EPERM, "awaiter stopped")
	}
	a.pending++
	a.wg.Add(1)
	go a.run(f, timeout, cb)
	return nil
}

func (a *Awaiter) run(f Fence, timeout time.Duration, cb Callback) {
	defer a.wg.Done()
	defer func() {
		a.mu.Lock()
		a.pending--
		a.mu.Unlock()
	}()

	var expired <-chan time.Time
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-f.Done():
		var remaining time.Duration
		if timeout > 0 {
			remaining = max(time.Until(deadline), 0)
		}
		cb(f, remaining, nil)
	case <-expired:
		a.log.WithField("fence", f.String()).Debug("fence wait timed out")
		cb(f, 0, driver.NewError(unix.ETIMEDOUT, "fence wait"))
	case <-a.ctx.Done():
		cb(f, 0, driver.NewError(driver.ERESTARTSYS, "awaiter exited"))
	}
}

// Pending returns the number of running wait tasks
func (a *Awaiter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending
}

// Exit interrupts every running task and waits for their callbacks. Later
// calls to Wait fail with EPERM.
func (a *Awaiter) Exit() {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
	a.cancel()
	a.wg.Wait()
}
