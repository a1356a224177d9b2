// Package ikv implements the in-kernel VII: commands from many clients are
// multiplexed onto one shared firmware mailbox, gated on their in-fences,
// bounded by per-client credits, and completed asynchronously into
// per-client response queues.
package ikv

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
	"github.com/emergingrobotics/go-edgetpu/pkg/iremap"
	"github.com/emergingrobotics/go-edgetpu/pkg/mailbox"
	"github.com/emergingrobotics/go-edgetpu/pkg/vii"
)

// Defaults used when Options leaves a value zero
const (
	DefaultCommandTimeout = 120 * time.Second
	DefaultFenceTimeout   = 10 * time.Second
	DefaultCredits        = driver.NumVIICredits
)

// QueueElements is the depth of both rings of the shared mailbox
const QueueElements = 64

// Options configures the shared endpoint
type Options struct {
	Log            *logrus.Entry
	CommandTimeout time.Duration
	FenceTimeout   time.Duration
	Credits        int
	// OnComplete observes every completion code, firmware or kernel generated
	OnComplete func(code uint16)
}

// IKV is the host end of the shared VII mailbox
type IKV struct {
	mb   *mailbox.Mailbox
	pool *iremap.Pool
	log  *logrus.Entry
	opts Options

	// mu orders enqueues against response processing
	mu       sync.Mutex
	codec    vii.Codec
	seq      uint64
	enabled  bool
	inflight map[uint64]*command
	clients  map[*Client]struct{}

	cancel context.CancelFunc
	eg     *errgroup.Group
}

// New takes the reserved IKV mailbox from mgr. Both rings are sized for the
// larger litebuf packets so either format fits.
func New(mgr *mailbox.Manager, pool *iremap.Pool, opts Options) (*IKV, error) {
	mb, err := mgr.AllocIKV(vii.LitebufCommandSize, vii.LitebufResponseSize, QueueElements)
	if err != nil {
		return nil, err
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.FenceTimeout <= 0 {
		opts.FenceTimeout = DefaultFenceTimeout
	}
	if opts.Credits <= 0 {
		opts.Credits = DefaultCredits
	}
	return &IKV{
		mb:       mb,
		pool:     pool,
		log:      opts.Log.WithField("component", "ikv"),
		opts:     opts,
		inflight: make(map[uint64]*command),
		clients:  make(map[*Client]struct{}),
	}, nil
}

// Mailbox returns the shared hardware mailbox
func (v *IKV) Mailbox() *mailbox.Mailbox { return v.mb }

// SetFormat selects the packet format the firmware reported
func (v *IKV) SetFormat(f vii.Format) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.codec = vii.Codec{Format: f}
}

// Codec returns the packet codec in use
func (v *IKV) Codec() vii.Codec {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.codec
}

// Start enables the mailbox and launches the response worker
func (v *IKV) Start(ctx context.Context) {
	ctx, v.cancel = context.WithCancel(ctx)
	v.eg, ctx = errgroup.WithContext(ctx)

	v.mu.Lock()
	v.enabled = true
	v.mu.Unlock()

	v.mb.Enable()
	v.eg.Go(func() error { return v.responseWorker(ctx) })
}

// Stop halts the response worker. Commands still in flight stay tracked
// until they time out or are canceled.
func (v *IKV) Stop() error {
	v.mu.Lock()
	v.enabled = false
	v.mu.Unlock()

	if v.cancel == nil {
		return nil
	}
	v.cancel()
	err := v.eg.Wait()
	v.cancel = nil
	v.mb.Disable()
	return err
}

// Reset empties both rings after a firmware restart
func (v *IKV) Reset() {
	v.mb.ResetQueues()
}

// Inflight returns the number of commands enqueued to firmware
func (v *IKV) Inflight() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.inflight)
}

// enqueue writes cmd to the shared command ring. A full ring reports
// mailbox.ErrQueueFull so the caller can retry once a response frees a slot.
func (v *IKV) enqueue(cmd *command) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.enabled {
		return driver.NewError(unix.ENODEV, "in-kernel vii disabled")
	}
	v.seq++
	cmd.kseq = v.seq
	v.codec.SetCommandSeq(cmd.packet, cmd.kseq)
	if err := v.mb.Cmd().Push(cmd.packet); err != nil {
		return err
	}
	v.inflight[cmd.kseq] = cmd
	v.mb.RingDoorbell()
	return nil
}

// forget drops cmd from the in-flight table, reporting whether it was there
func (v *IKV) forget(cmd *command) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if cmd.kseq == 0 || v.inflight[cmd.kseq] != cmd {
		return false
	}
	delete(v.inflight, cmd.kseq)
	return true
}

func (v *IKV) responseWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-v.mb.IRQ():
		}
		v.mb.AckIRQ()
		v.FlushResponses()
	}
}

// FlushResponses consumes every response the firmware has posted
func (v *IKV) FlushResponses() {
	codec := v.Codec()
	size := codec.ResponseSize()
	if size == 0 {
		return
	}
	elem := make([]byte, v.mb.Resp().ElemSize())
	for v.mb.Resp().Pop(elem) {
		seq := codec.ResponseSeq(elem)
		v.mu.Lock()
		cmd, ok := v.inflight[seq]
		delete(v.inflight, seq)
		v.mu.Unlock()
		if !ok {
			v.log.WithField("seq", seq).Debug("response for a command no longer in flight")
			continue
		}
		resp := make([]byte, size)
		copy(resp, elem)
		cmd.client.complete(cmd, resp, 0)
	}
	v.kick()
}

// kick retries dispatch for every client, after ring space was freed
func (v *IKV) kick() {
	v.mu.Lock()
	clients := make([]*Client, 0, len(v.clients))
	for c := range v.clients {
		clients = append(clients, c)
	}
	v.mu.Unlock()
	for _, c := range clients {
		c.dispatch()
	}
}

func (v *IKV) register(c *Client) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.clients[c] = struct{}{}
}

func (v *IKV) unregister(c *Client) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.clients, c)
}

func isQueueFull(err error) bool {
	return errors.Is(err, mailbox.ErrQueueFull)
}
