package firmware

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
	"github.com/emergingrobotics/go-edgetpu/pkg/mailbox"
	"github.com/emergingrobotics/go-edgetpu/pkg/vii"
)

type parkedJob struct {
	mb     *mailbox.Mailbox
	format vii.Format
	job    *Job
}

// Hold parks every later job with the given code until ReleaseHeld.
// For litebuf jobs the code is the runtime command code.
func (f *Firmware) Hold(code uint16) {
	f.mu.Lock()
	f.held[code] = true
	f.mu.Unlock()
}

// Parked returns the number of jobs waiting for ReleaseHeld
func (f *Firmware) Parked() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.parked)
}

// ReleaseHeld stops holding and completes every parked job
func (f *Firmware) ReleaseHeld() {
	f.mu.Lock()
	parked := f.parked
	f.parked = nil
	f.held = make(map[uint16]bool)
	f.mu.Unlock()

	for _, p := range parked {
		f.finish(p.mb, p.format, p.job)
	}
}

func (f *Firmware) mailboxFormat(mb *mailbox.Mailbox) vii.Format {
	if mb.Kind() != mailbox.KindIKV {
		return vii.FormatFlatbuffer
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return vii.Format(f.opts.Info.VIIFormat)
}

func (f *Firmware) serveVII(ctx context.Context, mb *mailbox.Mailbox) error {
	q := mb.Cmd()
	if q == nil {
		return nil
	}
	elem := make([]byte, q.ElemSize())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-mb.Doorbell():
		}
		format := f.mailboxFormat(mb)
		for q.Pop(elem) {
			if f.hang.Load() {
				continue
			}
			job, ok := f.decodeJob(mb, format, elem)
			if !ok {
				continue
			}
			f.mu.Lock()
			hold := f.held[job.Code]
			if hold {
				f.parked = append(f.parked, parkedJob{mb: mb, format: format, job: job})
			}
			f.mu.Unlock()
			if !hold {
				f.finish(mb, format, job)
			}
		}
	}
}

func (f *Firmware) decodeJob(mb *mailbox.Mailbox, format vii.Format, elem []byte) (*Job, bool) {
	job := &Job{Mailbox: mb.ID}
	switch format {
	case vii.FormatFlatbuffer:
		var cmd driver.VIICommand
		cmd.Decode(elem)
		job.Seq, job.ClientID, job.Code = cmd.Seq, cmd.ClientID, cmd.Code
		return job, true

	case vii.FormatLitebuf:
		var cmd vii.LitebufCommand
		cmd.Decode(elem)
		job.Seq, job.ClientID = uint64(cmd.Seq), cmd.ClientID

		payload := cmd.Payload[:]
		if addr, size, large := cmd.Large(); large {
			b, err := f.opts.Pool.Lookup(uint64(addr), int(size))
			if err != nil {
				f.log.WithError(err).WithField("seq", job.Seq).Warn("bad large command buffer")
				return nil, false
			}
			payload = b
		}
		rc := &vii.RuntimeCommand{}
		if err := rc.Unmarshal(payload); err != nil {
			f.log.WithError(err).WithField("seq", job.Seq).Warn("bad runtime payload")
		} else {
			job.Runtime = rc
			job.Code = uint16(rc.Code)
		}

		if cmd.AdditionalInfoSize > 0 {
			b, err := f.opts.Pool.Lookup(uint64(cmd.AdditionalInfoAddr), int(cmd.AdditionalInfoSize))
			if err == nil {
				var info *vii.AdditionalInfo
				info, err = vii.UnmarshalAdditionalInfo(b)
				if err == nil {
					job.InFences, job.OutFences = info.InFences, info.OutFences
				}
			}
			if err != nil {
				f.log.WithError(err).WithField("seq", job.Seq).Warn("bad additional info")
			}
		}
		return job, true
	}
	f.log.WithField("format", format).Warn("command in unknown format dropped")
	return nil, false
}

func (f *Firmware) execute(job *Job) Result {
	if f.opts.Execute != nil {
		return f.opts.Execute(job)
	}
	return Result{}
}

// finish runs job, signals its inter-IP out-fences and posts the response
func (f *Firmware) finish(mb *mailbox.Mailbox, format vii.Format, job *Job) {
	res := f.execute(job)
	f.executed.Add(1)

	if f.opts.IIF != nil {
		errno := 0
		if res.Code != 0 {
			errno = -int(unix.EIO)
		}
		for _, id := range job.OutFences {
			if err := f.opts.IIF.SignalID(id, errno); err != nil {
				f.log.WithError(err).WithField("iif", id).Debug("out-fence not signaled")
			}
		}
	}

	resp := mb.Resp()
	if resp == nil {
		return
	}
	out := make([]byte, resp.ElemSize())
	switch format {
	case vii.FormatFlatbuffer:
		r := driver.VIIResponse{Seq: job.Seq, Code: res.Code, ClientID: job.ClientID, Retval: res.Retval}
		r.Encode(out)
	case vii.FormatLitebuf:
		r := vii.LitebufResponse{Seq: uint32(job.Seq), ClientID: job.ClientID, Code: res.Code}
		rr := vii.RuntimeResponse{Status: uint32(res.Code), Retval: res.Retval}
		copy(r.Payload[:], rr.Marshal(nil))
		r.Encode(out)
	}
	if err := resp.Push(out); err != nil {
		f.log.WithError(err).WithField("seq", job.Seq).Warn("vii response dropped")
		return
	}
	mb.RaiseIRQ()
}
