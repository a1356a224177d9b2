package device

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
)

// Errors for device operations
var (
	ErrNoDevices      = errors.New("no edgetpu devices found")
	ErrDeviceClosed   = errors.New("device is closed")
	ErrClientReleased = errors.New("client already released")
)

// State is the firmware state of a device
type State int32

const (
	StateNoFW State = iota
	StateFWLoading
	StateGood
	StateBad
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateNoFW:
		return "nofw"
	case StateFWLoading:
		return "loading"
	case StateGood:
		return "good"
	case StateBad:
		return "bad"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Err returns the error reported to callers while the device is in state s
func (s State) Err() error {
	switch s {
	case StateGood:
		return nil
	case StateFWLoading:
		return driver.NewError(unix.EAGAIN, "firmware loading")
	case StateShutdown:
		return driver.NewError(unix.ESHUTDOWN, "device shutting down")
	default:
		return driver.Errorf(unix.EIO, "firmware %s", s)
	}
}
