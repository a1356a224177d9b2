package testutil

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/config"
	"github.com/emergingrobotics/go-edgetpu/pkg/device"
	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
	"github.com/emergingrobotics/go-edgetpu/pkg/firmware"
	"github.com/emergingrobotics/go-edgetpu/pkg/usermem"
)

// Harness is a simulated device with its fakes
type Harness struct {
	Device  *device.Device
	Thermal *Thermal
	Clock   *Clock
	// Logs records every entry the device logged
	Logs *logtest.Hook
}

// Option adjusts the harness before the device is built
type Option func(cfg *config.Device, opts *device.Options)

// WithIKV enables or disables the in-kernel VII
func WithIKV(enabled bool) Option {
	return func(cfg *config.Device, _ *device.Options) {
		if enabled {
			cfg.ForceIKV = 1
		} else {
			cfg.ForceIKV = 0
		}
	}
}

// WithFormat selects the VII format the firmware reports
func WithFormat(format string) Option {
	return func(cfg *config.Device, _ *device.Options) {
		cfg.Firmware.VIIFormat = format
	}
}

// WithConfig runs fn over the configuration
func WithConfig(fn func(cfg *config.Device)) Option {
	return func(cfg *config.Device, _ *device.Options) { fn(cfg) }
}

// WithExecute installs the firmware job handler
func WithExecute(fn func(j *firmware.Job) firmware.Result) Option {
	return func(_ *config.Device, opts *device.Options) { opts.Execute = fn }
}

// Config returns a configuration sized for tests: short timeouts, the
// watchdog off and the in-kernel VII on
func Config() *config.Device {
	cfg := config.Default()
	cfg.Name = "tpu-test"
	cfg.ForceIKV = 1
	cfg.KCITimeout = time.Second
	cfg.IKVTimeout = 5 * time.Second
	cfg.FenceTimeout = time.Second
	cfg.Watchdog.Period = 0
	cfg.Firmware.BootRetries = 1
	return cfg
}

// Logger returns a logger that only prints under go test -v
func Logger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)
	if !testing.Verbose() {
		log.SetOutput(io.Discard)
	}
	return log
}

// NewDevice builds a simulated device closed at the end of the test
func NewDevice(t testing.TB, options ...Option) *Harness {
	t.Helper()
	log := Logger()
	h := &Harness{Thermal: &Thermal{}, Clock: NewClock(), Logs: logtest.NewLocal(log)}
	cfg := Config()
	opts := device.Options{Log: logrus.NewEntry(log), Thermal: h.Thermal, Clock: h.Clock}
	for _, o := range options {
		o(cfg, &opts)
	}
	opts.Config = cfg

	d, err := device.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	h.Device = d
	return h
}

// Open opens a writable client backed by a fresh arena
func (h *Harness) Open(t testing.TB) *device.Client {
	t.Helper()
	return h.OpenWith(t, device.OpenOptions{Writable: true})
}

// OpenWith opens a client with opts, filling in an arena when none is given
func (h *Harness) OpenWith(t testing.TB, opts device.OpenOptions) *device.Client {
	t.Helper()
	if opts.Memory == nil {
		opts.Memory = usermem.NewArena()
	}
	c, err := h.Device.Open(context.Background(), opts)
	require.NoError(t, err)
	return c
}

// Arena returns the address space a harness client was opened with
func Arena(c *device.Client) *usermem.Arena {
	return c.Memory().(*usermem.Arena)
}

// Arg is an ioctl argument layout
type Arg interface {
	Encode(b []byte)
	Decode(b []byte)
}

// Ioctl encodes arg, runs cmd and decodes the result back into arg
func Ioctl(c *device.Client, cmd uint32, arg Arg) error {
	buf := make([]byte, driver.IocSize(cmd))
	if arg != nil {
		arg.Encode(buf)
	}
	err := c.Ioctl(context.Background(), cmd, buf)
	if err == nil && arg != nil {
		arg.Decode(buf)
	}
	return err
}

// RequireErrno fails unless err carries errno
func RequireErrno(t testing.TB, want unix.Errno, err error, msgAndArgs ...interface{}) {
	t.Helper()
	if len(msgAndArgs) == 0 {
		msgAndArgs = []interface{}{"error: %v", err}
	}
	require.Error(t, err, msgAndArgs...)
	require.Equal(t, want, driver.ErrnoOf(err), msgAndArgs...)
}

// Finalized creates and finalizes a group for c with a default mailbox
// attribute, holding a wake-lock when wakelock is set
func Finalized(t testing.TB, c *device.Client, wakelock bool) {
	t.Helper()
	if wakelock {
		require.NoError(t, Ioctl(c, driver.IoctlCmdAcquireWakeLock, nil))
	}
	attr := DefaultAttr()
	require.NoError(t, Ioctl(c, driver.IoctlCmdCreateGroup, &attr))
	require.NoError(t, Ioctl(c, driver.IoctlCmdFinalizeGroup, nil))
}

// DefaultAttr is a valid VII mailbox attribute
func DefaultAttr() driver.MailboxAttr {
	return driver.MailboxAttr{
		CmdQueueSize:  4,
		RespQueueSize: 4,
		SizeofCmd:     driver.SizeOfVIICommand,
		SizeofResp:    driver.SizeOfVIIResponse,
	}
}

// SkipIfNoDevice skips the test unless an edgetpu node exists
func SkipIfNoDevice(t testing.TB) device.NodeInfo {
	t.Helper()
	nodes, err := device.Scan()
	if err != nil || len(nodes) == 0 {
		t.Skip("no edgetpu device available")
	}
	return nodes[0]
}

// TempFile creates a temporary file with given content
func TempFile(t testing.TB, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	return path
}

// MakeRandomBytes creates deterministic test data
func MakeRandomBytes(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte((i*17 + 11) % 256)
	}
	return data
}

// Polling bounds for require.Eventually
const (
	Wait = 5 * time.Second
	Tick = 5 * time.Millisecond
)
