package device

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
	"github.com/emergingrobotics/go-edgetpu/pkg/kci"
)

// debugDumpSize is the buffer handed to the firmware for a debug dump
const debugDumpSize = driver.MmapPageSize

func (d *Device) registerReverseHandlers() {
	d.kci.RegisterReverseHandler(kci.RKCIFirmwareCrash, d.handleFirmwareCrash)
	d.kci.RegisterReverseHandler(kci.RKCIClientFatalError, d.acked(d.handleClientFatalError))
	d.kci.RegisterReverseHandler(kci.RKCIJobLockup, d.acked(d.handleJobLockup))
	d.kci.RegisterReverseHandler(kci.RKCITelemetryLogs, d.acked(d.telemetryHandler(telemetryLog)))
	d.kci.RegisterReverseHandler(kci.RKCITelemetryTraces, d.acked(d.telemetryHandler(telemetryTrace)))
}

// acked wraps a reverse handler with the acknowledgement the firmware waits for
func (d *Device) acked(h kci.ReverseHandler) kci.ReverseHandler {
	return func(ctx context.Context, req kci.Response) {
		h(ctx, req)
		if err := d.kci.RespondReverseAck(ctx, req); err != nil {
			d.log.WithError(err).WithField("code", req.Code).Warn("reverse kci ack failed")
		}
	}
}

// handleFirmwareCrash reacts to a crash report. An unrecoverable fault fails
// every group and leaves the firmware to be reloaded by the next power
// reference; other crash types only collect a dump.
func (d *Device) handleFirmwareCrash(ctx context.Context, req kci.Response) {
	crashType := req.Retval
	if crashType != kci.CrashUnrecoverableFault {
		d.log.WithField("type", crashType).Error("firmware non-fatal crash event")
		d.debugDump(ctx, crashType)
		return
	}

	n := d.crashes.Add(1)
	d.log.WithField("count", n).Error("firmware unrecoverable crash")
	d.stateMu.Lock()
	if d.State() == StateGood {
		d.setState(StateBad)
	}
	d.stateMu.Unlock()

	d.fatalErrorNotify(driver.ErrorFWCrash)
	d.debugDump(ctx, crashType)
}

// debugDump asks the firmware to write its state into a scratch buffer
func (d *Device) debugDump(ctx context.Context, reason uint64) {
	buf, err := d.pool.Alloc(debugDumpSize)
	if err != nil {
		d.log.WithError(err).Warn("no memory for debug dump")
		return
	}
	defer buf.Free()
	if err := d.kci.GetDebugDump(ctx, buf.TPUAddr, uint32(buf.Size()), false); err != nil {
		d.log.WithError(err).WithField("reason", reason).Warn("debug dump failed")
	}
}

// handleClientFatalError fails the group whose PASID the firmware named
func (d *Device) handleClientFatalError(ctx context.Context, req kci.Response) {
	pasid := kci.PASIDOfClientID(uint32(req.Retval))
	g := d.groupByPASID(pasid)
	if g == nil {
		d.log.WithField("pasid", pasid).Warn("client fatal error for unknown context")
		return
	}
	g.fatalErrorNotify(driver.ErrorClientContextCrash)
}

// handleJobLockup fails the group running in the locked-up context
func (d *Device) handleJobLockup(ctx context.Context, req kci.Response) {
	vcid := uint32(req.Retval)
	g := d.groupByVCID(vcid)
	if g == nil {
		d.log.WithField("vcid", vcid).Warn("job lockup for unknown context")
		return
	}
	g.fatalErrorNotify(driver.ErrorRuntimeTimeout)
}

func (d *Device) telemetryHandler(kind telemetryKind) kci.ReverseHandler {
	return func(ctx context.Context, req kci.Response) {
		if err := d.telemetry.notify(kind); err != nil {
			d.log.WithError(err).WithField("kind", kind).Warn("telemetry eventfd signal failed")
		}
	}
}

// HandleFault reports an IOMMU translation fault against the group that owns
// the faulting address space
func (d *Device) HandleFault(pasid uint32, iova uint64) {
	log := d.log.WithFields(logrus.Fields{"pasid": pasid, "iova": iova})
	g := d.groupByPASID(pasid)
	if g == nil {
		log.Warn("fault on an address space no group owns")
		return
	}
	log = log.WithField("group", g.workloadID)
	if m := g.mappings.FindIOVARange(iova); m != nil {
		log.WithFields(logrus.Fields{"start": m.DeviceAddress, "size": m.Size, "dir": m.Dir}).
			Error("fault inside a mapped buffer")
		return
	}
	if m := g.dmabufs.FindIOVARange(iova); m != nil {
		log.WithFields(logrus.Fields{"start": m.DeviceAddress, "size": m.Size}).
			Error("fault inside a mapped dma-buf")
		return
	}
	log.Error("fault on an unmapped address")
}
