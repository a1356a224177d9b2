// Package iremap manages device-coherent memory that both the host and the
// firmware address, by host slice and by TPU address respectively.
package iremap

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
)

const align = 64

// Buffer is an allocation from a Pool
type Buffer struct {
	TPUAddr uint64
	Data    []byte
	pool    *Pool
}

// Size returns the buffer length in bytes
func (b *Buffer) Size() int { return len(b.Data) }

// Free returns the buffer to its pool
func (b *Buffer) Free() {
	if b == nil || b.pool == nil {
		return
	}
	b.pool.free(b)
	b.pool = nil
}

// Pool is a first-fit allocator over a fixed TPU address window
type Pool struct {
	mu    sync.Mutex
	base  uint64
	size  uint64
	inUse *btree.BTreeG[*Buffer]
	used  uint64
}

// NewPool creates a pool covering [base, base+size)
func NewPool(base, size uint64) *Pool {
	return &Pool{
		base:  base,
		size:  size,
		inUse: btree.NewG(8, func(a, b *Buffer) bool { return a.TPUAddr < b.TPUAddr }),
	}
}

// Alloc reserves size bytes of zeroed coherent memory
func (p *Pool) Alloc(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, driver.NewError(unix.EINVAL, "iremap alloc of zero bytes")
	}
	need := (uint64(size) + align - 1) &^ (align - 1)

	p.mu.Lock()
	defer p.mu.Unlock()

	cursor := p.base
	var addr uint64
	found := false
	p.inUse.Ascend(func(b *Buffer) bool {
		if b.TPUAddr-cursor >= need {
			addr, found = cursor, true
			return false
		}
		cursor = b.TPUAddr + ((uint64(len(b.Data)) + align - 1) &^ (align - 1))
		return true
	})
	if !found {
		if p.base+p.size-cursor < need {
			return nil, driver.Errorf(unix.ENOMEM, "iremap pool exhausted (%d bytes requested)", size)
		}
		addr = cursor
	}
	buf := &Buffer{TPUAddr: addr, Data: make([]byte, size), pool: p}
	p.inUse.ReplaceOrInsert(buf)
	p.used += need
	return buf, nil
}

func (p *Pool) free(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inUse.Delete(b); ok {
		p.used -= (uint64(len(b.Data)) + align - 1) &^ (align - 1)
	}
}

// Lookup returns the live slice backing [addr, addr+size)
func (p *Pool) Lookup(addr uint64, size int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var found *Buffer
	p.inUse.DescendLessOrEqual(&Buffer{TPUAddr: addr}, func(b *Buffer) bool {
		found = b
		return false
	})
	if found == nil || addr+uint64(size) > found.TPUAddr+uint64(len(found.Data)) {
		return nil, driver.Errorf(unix.EFAULT, "no coherent memory at %#x+%d", addr, size)
	}
	off := addr - found.TPUAddr
	return found.Data[off : off+uint64(size)], nil
}

// Used returns the number of bytes allocated
func (p *Pool) Used() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

func (p *Pool) String() string {
	return fmt.Sprintf("iremap[%#x-%#x] used %d", p.base, p.base+p.size, p.Used())
}
