package fence

import (
	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
)

// MaxErrno bounds the errno a fence can carry
const MaxErrno = 4095

var (
	errAlreadySignaled = driver.NewError(unix.EINVAL, "fence already signaled")
	errArraySignal     = driver.NewError(unix.EINVAL, "fence arrays signal through their members")
)

func checkErrno(errno int) error {
	if errno > 0 || errno < -MaxErrno {
		return driver.Errorf(unix.EINVAL, "bad fence error %d", errno)
	}
	return nil
}
