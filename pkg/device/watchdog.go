package device

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/emergingrobotics/go-edgetpu/pkg/config"
	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
)

// watchdog pings the firmware with usage updates while it runs. Strikes
// consecutive failures restart it.
type watchdog struct {
	d       *Device
	period  time.Duration
	strikes int

	mu     sync.Mutex
	cancel context.CancelFunc
	eg     errgroup.Group
}

func newWatchdog(d *Device, cfg config.Watchdog) *watchdog {
	return &watchdog{d: d, period: cfg.Period, strikes: cfg.Strikes}
}

// start arms the watchdog. stateMu is held by the caller.
func (w *watchdog) start() {
	if w.period <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(w.d.ctx)
	w.cancel = cancel
	w.eg.Go(func() error {
		w.run(ctx)
		return nil
	})
}

// stop disarms the watchdog without waiting for it to exit; the goroutine
// may be blocked on the power manager held by the caller
func (w *watchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
}

// wait blocks until every watchdog goroutine has exited
func (w *watchdog) wait() {
	_ = w.eg.Wait()
}

func (w *watchdog) run(ctx context.Context) {
	ticker := time.NewTicker(w.period)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		pctx, cancel := context.WithTimeout(ctx, w.period)
		err := w.d.kci.UpdateUsage(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			misses = 0
			continue
		}
		misses++
		w.d.log.WithError(err).WithField("misses", misses).Warn("watchdog ping failed")
		if misses >= w.strikes {
			w.d.watchdogTimeout(ctx)
			return
		}
	}
}

// watchdogTimeout fails every group and restarts the firmware if the device
// is still powered
func (d *Device) watchdogTimeout(ctx context.Context) {
	d.watchdogTimeouts.Add(1)
	d.log.WithFields(logrus.Fields{"count": d.watchdogTimeouts.Load()}).Error("firmware watchdog timeout")
	d.fatalErrorNotify(driver.ErrorWatchdogTimeout)

	d.pm.IfPowered(func() {
		d.stateMu.Lock()
		defer d.stateMu.Unlock()
		if ctx.Err() != nil || d.State() == StateShutdown {
			return
		}
		if err := d.runFirmwareLocked(d.ctx); err != nil {
			d.log.WithError(err).Error("firmware restart after watchdog timeout failed")
		}
	})
}
