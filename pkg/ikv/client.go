package ikv

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
	"github.com/emergingrobotics/go-edgetpu/pkg/fence"
	"github.com/emergingrobotics/go-edgetpu/pkg/iremap"
	"github.com/emergingrobotics/go-edgetpu/pkg/vii"
)

// Submission is one command handed to Client.Submit
type Submission struct {
	// Packet is the encoded command in the active format
	Packet   []byte
	Priority uint8
	QoSClass uint8
	Atomic   bool
	In, Out  fence.Set
	// Release runs once the command completes, to free the payload
	Release func()
}

// key is the scope of the atomic flag and of FIFO ordering
type key struct {
	prio, qos uint8
}

type command struct {
	client  *Client
	packet  []byte
	userSeq uint64
	kseq    uint64
	order   uint64
	key     key
	atomic  bool
	in, out fence.Set
	info    *iremap.Buffer
	release func()
	ready   bool
	sent    bool
	done    bool
	timer   *time.Timer
}

// Client is one group's view of the shared mailbox: credits, the pending
// command list, and the response queue.
type Client struct {
	ikv *IKV
	id  uint32
	log *logrus.Entry

	credits *semaphore.Weighted
	awaiter *fence.Awaiter
	notify  func()

	mu        sync.Mutex
	order     uint64
	pending   []*command
	sent      map[key]int
	atomicKey map[key]bool
	responses [][]byte
	arrived   chan struct{}
	closed    bool
}

// NewClient registers a client whose commands carry id on the wire. notify,
// when set, runs after every response lands in the queue.
func (v *IKV) NewClient(id uint32, notify func()) *Client {
	c := &Client{
		ikv:       v,
		id:        id,
		log:       v.log.WithField("client_id", id),
		credits:   semaphore.NewWeighted(int64(v.opts.Credits)),
		awaiter:   fence.NewAwaiter(v.log),
		notify:    notify,
		sent:      make(map[key]int),
		atomicKey: make(map[key]bool),
		arrived:   make(chan struct{}, 1),
	}
	v.register(c)
	return c
}

// ID returns the wire client id
func (c *Client) ID() uint32 { return c.id }

// Submit queues a command. It fails with EBUSY and no side effect when the
// client has no credit left.
func (c *Client) Submit(sub Submission) error {
	if err := fence.ValidateArrays(sub.In, sub.Out); err != nil {
		return err
	}
	codec := c.ikv.Codec()
	if codec.CommandSize() == 0 {
		return driver.NewError(unix.EOPNOTSUPP, "vii format unknown")
	}
	if len(sub.Packet) != codec.CommandSize() {
		return driver.Errorf(unix.EINVAL, "command is %d bytes, expected %d", len(sub.Packet), codec.CommandSize())
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return driver.NewError(unix.ENODEV, "client released")
	}
	if !c.credits.TryAcquire(1) {
		return driver.NewError(unix.EBUSY, "out of vii credits")
	}

	cmd := &command{
		client:  c,
		packet:  append([]byte(nil), sub.Packet...),
		key:     key{sub.Priority, sub.QoSClass},
		atomic:  sub.Atomic,
		in:      sub.In,
		out:     sub.Out,
		release: sub.Release,
	}
	cmd.userSeq = codec.CommandSeq(cmd.packet)
	codec.SetCommandClientID(cmd.packet, c.id)

	if err := c.attachInfo(codec, cmd); err != nil {
		c.credits.Release(1)
		return err
	}

	c.mu.Lock()
	c.order++
	cmd.order = c.order
	c.pending = append(c.pending, cmd)
	c.mu.Unlock()

	done, errno := sub.In.Signaled()
	switch {
	case done && errno < 0:
		c.fenceError(cmd, errno)
	case done:
		c.markReady(cmd)
	default:
		err := c.awaiter.Wait(sub.In.Merge(), c.ikv.opts.FenceTimeout, func(f fence.Fence, _ time.Duration, err error) {
			c.inFenceResolved(cmd, f, err)
		})
		if err != nil {
			c.abandon(cmd)
			return err
		}
	}
	return nil
}

// attachInfo writes the additional info blob. Only litebuf commands carry it.
func (c *Client) attachInfo(codec vii.Codec, cmd *command) error {
	if codec.Format != vii.FormatLitebuf {
		return nil
	}
	info := vii.AdditionalInfo{
		InFences:  cmd.in.IIFIDs(),
		OutFences: cmd.out.IIFIDs(),
		TimeoutMs: uint32(c.ikv.opts.CommandTimeout.Milliseconds()),
	}
	if info.Empty() {
		return nil
	}
	buf, err := c.placeInfo(codec, cmd.packet, info.Marshal())
	if err != nil {
		return err
	}
	cmd.info = buf
	return nil
}

// placeInfo copies blob into device memory and points the packet at it. The
// wire size field is 16 bits wide.
func (c *Client) placeInfo(codec vii.Codec, packet, blob []byte) (*iremap.Buffer, error) {
	if len(blob) > math.MaxUint16 {
		return nil, driver.Errorf(unix.EINVAL, "additional info is %d bytes, limit %d", len(blob), math.MaxUint16)
	}
	buf, err := c.ikv.pool.Alloc(len(blob))
	if err != nil {
		return nil, err
	}
	copy(buf.Data, blob)
	codec.SetAdditionalInfo(packet, uint32(buf.TPUAddr), uint16(len(blob)))
	return buf, nil
}

func (c *Client) inFenceResolved(cmd *command, f fence.Fence, err error) {
	c.mu.Lock()
	sent := cmd.sent
	c.mu.Unlock()
	if sent {
		// an earlier dispatch pass already saw the fences signaled
		return
	}
	switch {
	case errors.Is(err, driver.ERESTARTSYS):
		c.abandon(cmd)
	case err != nil:
		c.ikv.forget(cmd)
		c.log.WithField("seq", cmd.userSeq).Error("in-fence wait timed out")
		c.completeKernel(cmd, driver.VIIResponseCodeKernelFenceTimeout,
			uint64(c.ikv.opts.FenceTimeout.Milliseconds()), -int(unix.ETIMEDOUT))
	case f.Status() < 0:
		c.fenceError(cmd, f.Status())
	default:
		c.markReady(cmd)
	}
}

func (c *Client) fenceError(cmd *command, errno int) {
	c.log.WithFields(logrus.Fields{"seq": cmd.userSeq, "errno": errno}).Error("in-fence signaled with error")
	c.completeKernel(cmd, driver.VIIResponseCodeKernelFenceError, uint64(int64(errno)), errno)
}

func (c *Client) markReady(cmd *command) {
	c.mu.Lock()
	cmd.ready = true
	c.mu.Unlock()
	c.dispatch()
}

// dispatch enqueues ready commands, highest priority first and FIFO within a
// (priority, QoS) key. A command is ready once every in-fence has signaled
// cleanly, whether or not its own fence callback has run yet, so commands
// released by the same signal are ordered in one pass. An atomic command
// waits until nothing of its key is in flight, and holds the key until it
// completes.
func (c *Client) dispatch() {
	c.mu.Lock()
	ready := make([]*command, 0, len(c.pending))
	for _, cmd := range c.pending {
		if cmd.sent || cmd.done {
			continue
		}
		if !cmd.ready {
			done, errno := cmd.in.Signaled()
			cmd.ready = done && errno == 0
		}
		if cmd.ready {
			ready = append(ready, cmd)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].key.prio != ready[j].key.prio {
			return ready[i].key.prio < ready[j].key.prio
		}
		return ready[i].order < ready[j].order
	})

	var failed []*command
	var failErr error
	blocked := make(map[key]bool)
	for _, cmd := range ready {
		if blocked[cmd.key] {
			continue
		}
		if c.atomicKey[cmd.key] || (cmd.atomic && c.sent[cmd.key] > 0) {
			blocked[cmd.key] = true
			continue
		}
		err := c.ikv.enqueue(cmd)
		if isQueueFull(err) {
			break
		}
		if err != nil {
			failed = append(failed, cmd)
			failErr = err
			continue
		}
		cmd.sent = true
		c.sent[cmd.key]++
		if cmd.atomic {
			c.atomicKey[cmd.key] = true
		}
		timeout := c.ikv.opts.CommandTimeout
		cmd.timer = time.AfterFunc(timeout, func() { c.commandTimeout(cmd) })
	}
	c.mu.Unlock()

	for _, cmd := range failed {
		c.log.WithError(failErr).WithField("seq", cmd.userSeq).Error("failed to enqueue command")
		c.completeKernel(cmd, driver.VIIResponseCodeKernelEnqueueFailed,
			uint64(int64(driver.NegErrno(failErr))), -int(unix.ECANCELED))
	}
}

func (c *Client) commandTimeout(cmd *command) {
	if !c.ikv.forget(cmd) {
		return
	}
	c.log.WithField("seq", cmd.userSeq).Error("command timed out")
	c.completeKernel(cmd, driver.VIIResponseCodeKernelCmdTimeout,
		uint64(c.ikv.opts.CommandTimeout.Milliseconds()), -int(unix.ETIMEDOUT))
}

func (c *Client) completeKernel(cmd *command, code uint16, retval uint64, fenceErr int) {
	resp := c.ikv.Codec().KernelResponse(0, c.id, code, retval)
	c.complete(cmd, resp, fenceErr)
}

// complete finishes cmd exactly once. The credit is refunded and the
// out-fences are signaled before the response becomes visible, under the
// user sequence number.
func (c *Client) complete(cmd *command, resp []byte, fenceErr int) {
	c.mu.Lock()
	if cmd.done {
		c.mu.Unlock()
		return
	}
	cmd.done = true
	c.unlinkLocked(cmd)
	c.mu.Unlock()

	c.credits.Release(1)
	cmd.out.SignalAll(fenceErr)
	c.releaseCommand(cmd)

	codec := c.ikv.Codec()
	codec.SetResponseSeq(resp, cmd.userSeq)
	c.mu.Lock()
	c.responses = append(c.responses, resp)
	select {
	case c.arrived <- struct{}{}:
	default:
	}
	c.mu.Unlock()

	if c.ikv.opts.OnComplete != nil {
		c.ikv.opts.OnComplete(codec.ResponseCode(resp))
	}
	if c.notify != nil {
		c.notify()
	}
	if cmd.sent {
		c.dispatch()
	}
}

// abandon drops a command that never reached firmware without queueing a
// response, for use when the client is being torn down
func (c *Client) abandon(cmd *command) {
	c.mu.Lock()
	if cmd.done {
		c.mu.Unlock()
		return
	}
	cmd.done = true
	c.unlinkLocked(cmd)
	c.mu.Unlock()

	c.credits.Release(1)
	cmd.out.SignalAll(-int(unix.ECANCELED))
	c.releaseCommand(cmd)
}

func (c *Client) unlinkLocked(cmd *command) {
	for i, p := range c.pending {
		if p == cmd {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	if cmd.timer != nil {
		cmd.timer.Stop()
	}
	if cmd.sent {
		if c.sent[cmd.key]--; c.sent[cmd.key] <= 0 {
			delete(c.sent, cmd.key)
		}
		if cmd.atomic {
			delete(c.atomicKey, cmd.key)
		}
	}
}

func (c *Client) releaseCommand(cmd *command) {
	if cmd.info != nil {
		cmd.info.Free()
	}
	if cmd.release != nil {
		cmd.release()
	}
}

// Response pops the oldest completed response, ENOENT when there is none
func (c *Client) Response() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.responses) == 0 {
		return nil, driver.NewError(unix.ENOENT, "no vii response ready")
	}
	r := c.responses[0]
	c.responses = c.responses[1:]
	return r, nil
}

// WaitResponse blocks until a response is available or ctx ends
func (c *Client) WaitResponse(ctx context.Context) ([]byte, error) {
	for {
		r, err := c.Response()
		if err == nil {
			return r, nil
		}
		select {
		case <-c.arrived:
		case <-ctx.Done():
			return nil, driver.NewErrorWithCause(driver.ErrnoOf(ctx.Err()), "vii response", ctx.Err())
		}
	}
}

// Ready returns the number of queued responses
func (c *Client) Ready() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.responses)
}

// Outstanding returns the number of commands that have not completed
func (c *Client) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Cancel completes every outstanding command with KERNEL_CANCELED and
// reason as retval. Responses the firmware already posted are consumed first.
func (c *Client) Cancel(reason uint32) {
	c.ikv.FlushResponses()

	c.mu.Lock()
	cmds := append([]*command(nil), c.pending...)
	c.mu.Unlock()
	for _, cmd := range cmds {
		c.ikv.forget(cmd)
		c.completeKernel(cmd, driver.VIIResponseCodeKernelCanceled, uint64(reason), -int(unix.ECANCELED))
	}
}

// StopFenceWaits interrupts every in-fence wait; those commands are dropped
func (c *Client) StopFenceWaits() {
	c.awaiter.Exit()
}

// ClearResponses discards queued responses
func (c *Client) ClearResponses() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = nil
}

// Close stops fence waits, cancels what is left, and unregisters the client
func (c *Client) Close(reason uint32) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.StopFenceWaits()
	c.Cancel(reason)
	c.ClearResponses()
	c.ikv.unregister(c)
}
