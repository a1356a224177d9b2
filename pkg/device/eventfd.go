package device

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
)

// Eventfd is a registered event counter. The descriptor passed at registration
// is duplicated so the caller may close its own copy.
type Eventfd struct {
	fd int
}

// NewEventfd takes a reference on the eventfd behind fd
func NewEventfd(fd int) (*Eventfd, error) {
	if fd < 0 {
		return nil, driver.Errorf(unix.EBADF, "eventfd %d", fd)
	}
	dup, err := unix.Dup(fd)
	if err != nil {
		return nil, driver.NewErrorWithCause(unix.EBADF, "eventfd", err)
	}
	return &Eventfd{fd: dup}, nil
}

// Signal adds one to the counter
func (e *Eventfd) Signal() error {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	_, err := unix.Write(e.fd, b[:])
	return err
}

// Close drops the reference
func (e *Eventfd) Close() error {
	return unix.Close(e.fd)
}
