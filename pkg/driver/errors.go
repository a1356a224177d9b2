package driver

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ERESTARTSYS is the kernel-internal "interrupted, restart" code. It never
// reaches user space through an ioctl but is reported to fence awaiter callbacks.
const ERESTARTSYS unix.Errno = 512

// Error is an errno-carrying error from the driver core
type Error struct {
	Errno   unix.Errno
	Context string
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := errnoString(e.Errno)
	if e.Context != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s: %v", e.Context, msg, e.Cause)
		}
		return fmt.Sprintf("%s: %s", e.Context, msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches a bare unix.Errno or another *Error with the same errno
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case unix.Errno:
		return e.Errno == t
	case *Error:
		return e.Errno == t.Errno
	}
	return false
}

// NewError creates a new Error with the given errno
func NewError(errno unix.Errno, context string) *Error {
	return &Error{
		Errno:   errno,
		Context: context,
	}
}

// NewErrorWithCause creates a new Error with an underlying cause
func NewErrorWithCause(errno unix.Errno, context string, cause error) *Error {
	return &Error{
		Errno:   errno,
		Context: context,
		Cause:   cause,
	}
}

// Errorf formats a context message for an Error
func Errorf(errno unix.Errno, format string, args ...interface{}) *Error {
	return NewError(errno, fmt.Sprintf(format, args...))
}

// ErrnoOf returns the errno an ioctl reports for err
func ErrnoOf(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var drvErr *Error
	if errors.As(err, &drvErr) {
		return drvErr.Errno
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return unix.ETIMEDOUT
	case errors.Is(err, context.Canceled):
		return unix.EINTR
	}
	return unix.EIO
}

// NegErrno returns err as a negative kernel-style return value
func NegErrno(err error) int {
	return -int(ErrnoOf(err))
}

func errnoString(errno unix.Errno) string {
	if errno == ERESTARTSYS {
		return "interrupted system call should be restarted"
	}
	if errno == 0 {
		return "success"
	}
	return errno.Error()
}
