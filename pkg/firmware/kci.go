package firmware

import (
	"context"
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
	"github.com/emergingrobotics/go-edgetpu/pkg/kci"
	"github.com/emergingrobotics/go-edgetpu/pkg/mailbox"
)

func (f *Firmware) serveKCI(ctx context.Context, mb *mailbox.Mailbox) error {
	elem := make([]byte, kci.CommandSize)
	out := make([]byte, kci.ResponseSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-mb.Doorbell():
		}
		for mb.Cmd().Pop(elem) {
			if f.hang.Load() {
				continue
			}
			var cmd kci.Command
			cmd.Decode(elem)
			resp := kci.Response{Seq: cmd.Seq, Code: uint16(cmd.Code)}
			resp.Status, resp.Retval = f.handleKCI(&cmd)
			resp.Encode(out)
			if err := mb.Resp().Push(out); err != nil {
				f.log.WithError(err).WithField("code", cmd.Code).Warn("kci response dropped")
				continue
			}
			mb.RaiseIRQ()
		}
	}
}

// dma returns the host view of a command's out-of-line buffer
func (f *Firmware) dma(cmd *kci.Command) ([]byte, bool) {
	if cmd.DMA.Address == 0 || cmd.DMA.Size == 0 || f.opts.Pool == nil {
		return nil, false
	}
	b, err := f.opts.Pool.Lookup(cmd.DMA.Address, int(cmd.DMA.Size))
	if err != nil {
		f.log.WithError(err).WithField("code", cmd.Code).Warn("bad dma descriptor")
		return nil, false
	}
	return b, true
}

// detail returns a command argument passed inline or out of line
func (f *Firmware) detail(cmd *kci.Command) []byte {
	if b, ok := f.dma(cmd); ok {
		return b
	}
	return cmd.Payload[:]
}

func (f *Firmware) handleKCI(cmd *kci.Command) (kci.Status, uint64) {
	switch cmd.Code {
	case kci.CodeFirmwareInfo:
		b, ok := f.dma(cmd)
		if !ok || len(b) < kci.FWInfoSize {
			return kci.StatusInvalidArgument, 0
		}
		f.mu.Lock()
		info := f.opts.Info
		f.mu.Unlock()
		info.Encode(b)
		return kci.StatusOK, 0

	case kci.CodeOpenDevice:
		var d kci.OpenDeviceDetail
		d.Decode(cmd.Payload[:])
		f.openDevice(cmd.DMA.Flags)
		f.log.WithFields(logrus.Fields{"map": cmd.DMA.Flags, "vcid": d.VCID}).Debug("open device")
		return kci.StatusOK, 0

	case kci.CodeCloseDevice:
		f.closeDevice(cmd.DMA.Flags)
		return kci.StatusOK, 0

	case kci.CodeAllocateVMBox:
		b, ok := f.dma(cmd)
		if !ok {
			return kci.StatusInvalidArgument, 0
		}
		var d kci.AllocateVMBoxDetail
		d.Decode(b)
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, exists := f.vmboxes[d.ClientID]; exists {
			return kci.StatusAlreadyExists, 0
		}
		f.vmboxes[d.ClientID] = d
		return kci.StatusOK, 0

	case kci.CodeReleaseVMBox:
		id := binary.LittleEndian.Uint32(cmd.Payload[:])
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, exists := f.vmboxes[id]; !exists {
			return kci.StatusNotFound, 0
		}
		delete(f.vmboxes, id)
		return kci.StatusOK, 0

	case kci.CodeGetUsage:
		b, ok := f.dma(cmd)
		if !ok {
			return kci.StatusInvalidArgument, 0
		}
		kci.EncodeUsage(b, []kci.UsageMetric{
			{Type: kci.UsageTPUActive, Value: f.Cycles() / 1000},
			{Type: kci.UsageCounter, Value: f.executed.Load()},
		})
		return kci.StatusOK, 0

	case kci.CodeMapLogBuffer, kci.CodeMapTraceBuffer:
		if _, ok := f.dma(cmd); !ok {
			return kci.StatusInvalidArgument, 0
		}
		f.mu.Lock()
		if cmd.Code == kci.CodeMapLogBuffer {
			f.records.LogBuffers = append(f.records.LogBuffers, cmd.DMA.Address)
		} else {
			f.records.TraceBuffers = append(f.records.TraceBuffers, cmd.DMA.Address)
		}
		f.mu.Unlock()
		return kci.StatusOK, 0

	case kci.CodeShutdown:
		f.mu.Lock()
		f.shutdowns++
		f.mu.Unlock()
		return kci.StatusOK, 0

	case kci.CodeGetDebugDump:
		if b, ok := f.dma(cmd); ok && cmd.DMA.Flags&1 == 0 {
			copy(b, "edgetpu-dump")
		}
		f.mu.Lock()
		f.records.DebugDumps++
		f.mu.Unlock()
		return kci.StatusOK, 0

	case kci.CodeNotifyThrottling:
		f.mu.Lock()
		f.records.ThrottleLevel = cmd.DMA.Flags
		f.mu.Unlock()
		return kci.StatusOK, 0

	case kci.CodeBlockBusSpeedControl:
		f.mu.Lock()
		f.records.BusBlocked = cmd.DMA.Flags != 0
		f.mu.Unlock()
		return kci.StatusOK, 0

	case kci.CodeThermalControl:
		f.mu.Lock()
		f.records.ThermalEnabled = cmd.DMA.Flags != 0
		f.mu.Unlock()
		return kci.StatusOK, 0

	case kci.CodeSetDeviceProperties:
		b := f.detail(cmd)
		props := &driver.DeviceProperties{}
		copy(props[:], b)
		f.mu.Lock()
		f.records.Properties = props
		f.mu.Unlock()
		return kci.StatusOK, 0

	case kci.CodeSetFreqLimits:
		b := f.detail(cmd)
		f.mu.Lock()
		f.records.FreqLimits = [2]uint32{binary.LittleEndian.Uint32(b[0:]), binary.LittleEndian.Uint32(b[4:])}
		f.mu.Unlock()
		return kci.StatusOK, 0

	case kci.CodeFirmwareTracingLevel:
		f.mu.Lock()
		f.records.TracingLevel = cmd.DMA.Flags
		f.mu.Unlock()
		return kci.StatusOK, uint64(cmd.DMA.Flags)

	case kci.CodeFaultInjection:
		b := f.detail(cmd)
		f.mu.Lock()
		f.records.Faults = append(f.records.Faults, append([]byte(nil), b...))
		f.mu.Unlock()
		return kci.StatusOK, 0

	case kci.CodeFWDebugCmd, kci.CodeFWDebugReset, kci.CodeFWDebugInit:
		return kci.StatusOK, 0

	case kci.CodeRKCIAck:
		code := binary.LittleEndian.Uint16(cmd.Payload[8:])
		f.mu.Lock()
		f.records.Acks = append(f.records.Acks, code)
		f.mu.Unlock()
		return kci.StatusOK, 0
	}
	return kci.StatusUnimplemented, 0
}

func (f *Firmware) openDevice(mailboxMap uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openMap |= mailboxMap
	if f.opts.Mailboxes == nil {
		return
	}
	for id := 0; id < 32; id++ {
		if mailboxMap&(1<<id) == 0 {
			continue
		}
		if _, ok := f.served[id]; ok {
			continue
		}
		mb := f.opts.Mailboxes.Get(id)
		if mb == nil || mb.Cmd() == nil {
			continue
		}
		sctx, cancel := context.WithCancel(f.ctx)
		f.served[id] = cancel
		f.eg.Go(func() error { return f.serveVII(sctx, mb) })
	}
}

func (f *Firmware) closeDevice(mailboxMap uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openMap &^= mailboxMap
	for id, cancel := range f.served {
		if mailboxMap&(1<<id) != 0 {
			cancel()
			delete(f.served, id)
		}
	}
}
