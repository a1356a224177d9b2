// Package usermem models the address space of a client process. Ioctls that
// carry user pointers (fence fd arrays, litebuf buffers, host buffers to map)
// copy through an IO implementation instead of dereferencing raw addresses.
package usermem

import (
	"encoding/binary"
	"sync"

	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
)

// PageSize is the granularity of arena allocations
const PageSize = 4096

// IO copies between kernel buffers and a user address space
type IO interface {
	CopyIn(addr uint64, dst []byte) error
	CopyOut(addr uint64, src []byte) error
}

// Pinner is implemented by address spaces whose pages can be pinned for DMA
type Pinner interface {
	Pin(addr, size uint64) ([]byte, error)
}

type region struct {
	base uint64
	data []byte
}

func (r *region) end() uint64 { return r.base + uint64(len(r.data)) }

// Arena is an in-process address space made of disjoint allocations
type Arena struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[*region]
	next uint64
}

// NewArena creates an empty address space
func NewArena() *Arena {
	return &Arena{
		tree: btree.NewG(8, func(a, b *region) bool { return a.base < b.base }),
		next: 0x7f0000000000,
	}
}

// Alloc reserves size zeroed bytes and returns their user address
func (a *Arena) Alloc(size int) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	pages := (uint64(size) + PageSize - 1) / PageSize
	if pages == 0 {
		pages = 1
	}
	r := &region{base: a.next, data: make([]byte, size)}
	// leave a guard page between allocations
	a.next += (pages + 1) * PageSize
	a.tree.ReplaceOrInsert(r)
	return r.base
}

// Put allocates a copy of b and returns its user address
func (a *Arena) Put(b []byte) uint64 {
	addr := a.Alloc(len(b))
	_ = a.CopyOut(addr, b)
	return addr
}

// PutInt32s stores v as a packed little-endian array
func (a *Arena) PutInt32s(v []int32) uint64 {
	b := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(b[4*i:], uint32(x))
	}
	return a.Put(b)
}

// Free releases the allocation starting at addr
func (a *Arena) Free(addr uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.tree.Delete(&region{base: addr}); !ok {
		return driver.Errorf(unix.EFAULT, "free of unknown address %#x", addr)
	}
	return nil
}

// Bytes returns the live backing slice for [addr, addr+size)
func (a *Arena) Bytes(addr, size uint64) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lookupLocked(addr, size)
}

func (a *Arena) lookupLocked(addr, size uint64) ([]byte, error) {
	var found *region
	a.tree.DescendLessOrEqual(&region{base: addr}, func(r *region) bool {
		found = r
		return false
	})
	if found == nil || addr+size > found.end() || addr+size < addr {
		return nil, driver.Errorf(unix.EFAULT, "bad user address %#x+%d", addr, size)
	}
	off := addr - found.base
	return found.data[off : off+size], nil
}

// CopyIn implements IO
func (a *Arena) CopyIn(addr uint64, dst []byte) error {
	src, err := a.Bytes(addr, uint64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// CopyOut implements IO
func (a *Arena) CopyOut(addr uint64, src []byte) error {
	dst, err := a.Bytes(addr, uint64(len(src)))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// Pin implements Pinner. The returned slice aliases user memory.
func (a *Arena) Pin(addr, size uint64) ([]byte, error) {
	if size == 0 {
		return nil, driver.NewError(unix.EINVAL, "pin of empty range")
	}
	return a.Bytes(addr, size)
}

// CopyInInt32s reads n little-endian int32 values at addr
func CopyInInt32s(io IO, addr uint64, n int) ([]int32, error) {
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, 4*n)
	if err := io.CopyIn(addr, buf); err != nil {
		return nil, err
	}
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return out, nil
}
