package fence

import (
	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
)

// MaxArrayFences bounds each in/out fence array of a command
const MaxArrayFences = driver.VIICommandMaxNumFences

// Set is a resolved in-fence or out-fence array of a command
type Set []Fence

// Resolve looks up every fd in t and builds the set
func Resolve(t *Table, fds []int32) (Set, error) {
	if len(fds) > MaxArrayFences {
		return nil, driver.Errorf(unix.EINVAL, "%d fences exceeds %d", len(fds), MaxArrayFences)
	}
	set := make(Set, 0, len(fds))
	for _, fd := range fds {
		f, err := t.Fence(fd)
		if err != nil {
			return nil, err
		}
		set = append(set, f)
	}
	return set, nil
}

// ValidateArrays checks the fence-kind rules for a command. In-fences must all
// be DMA fences or all inter-IP fences, and out-fences cannot be DMA fence
// arrays.
func ValidateArrays(in, out Set) error {
	if len(in) > MaxArrayFences || len(out) > MaxArrayFences {
		return driver.NewError(unix.EINVAL, "too many fences")
	}
	if len(in) > 0 {
		iif := in[0].Kind() == KindIIF
		for _, f := range in[1:] {
			if (f.Kind() == KindIIF) != iif {
				return driver.NewError(unix.EINVAL, "in-fences mix dma and inter-ip fences")
			}
		}
	}
	for _, f := range out {
		if f.Kind() == KindDMAArray {
			return driver.NewError(unix.EINVAL, "out-fence is a fence array")
		}
	}
	return nil
}

// Signaled reports whether the set is resolved: every fence has signaled, or
// one has signaled with an error, which is returned
func (s Set) Signaled() (bool, int) {
	done := true
	for _, f := range s {
		switch st := f.Status(); {
		case st < 0:
			return true, st
		case st == StatusActive:
			done = false
		}
	}
	return done, 0
}

// Merge returns a single fence that signals once the whole set has
func (s Set) Merge() Fence {
	if len(s) == 1 {
		return s[0]
	}
	return NewArray(s)
}

// IIFIDs returns the ids of the inter-IP fences in the set
func (s Set) IIFIDs() []uint16 {
	var ids []uint16
	for _, f := range s {
		if iif, ok := f.(*IIF); ok {
			ids = append(ids, iif.ID)
		}
	}
	return ids
}

// SignalAll signals every unsignaled fence. With errno zero, inter-IP fences
// are left alone because the firmware signals those itself.
func (s Set) SignalAll(errno int) {
	for _, f := range s {
		if errno == 0 && f.Kind() == KindIIF {
			continue
		}
		if f.Status() == StatusActive {
			_ = f.Signal(errno)
		}
	}
}
