package fence

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
)

// SyncFile is the object behind a sync-file fd
type SyncFile struct {
	Fence Fence
}

// DMABuf is an exported shared buffer
type DMABuf struct {
	Name string
	Data []byte
}

// Size returns the buffer length
func (b *DMABuf) Size() uint64 { return uint64(len(b.Data)) }

// Table is a process fd table for sync files and dma-bufs
type Table struct {
	mu    sync.Mutex
	files map[int32]any
	next  int32
}

// NewTable creates an empty table. Fds start at 3.
func NewTable() *Table {
	return &Table{files: make(map[int32]any), next: 3}
}

// InstallFence exports f as a sync file and returns its fd
func (t *Table) InstallFence(f Fence) int32 {
	return t.install(&SyncFile{Fence: f})
}

// InstallDMABuf exports b and returns its fd
func (t *Table) InstallDMABuf(b *DMABuf) int32 {
	return t.install(b)
}

func (t *Table) install(obj any) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.next
	t.next++
	t.files[fd] = obj
	return fd
}

// Fence returns the fence behind a sync-file fd
func (t *Table) Fence(fd int32) (Fence, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.files[fd]
	if !ok {
		return nil, driver.Errorf(unix.EBADF, "fd %d", fd)
	}
	sf, ok := obj.(*SyncFile)
	if !ok {
		return nil, driver.Errorf(unix.EINVAL, "fd %d is not a sync file", fd)
	}
	return sf.Fence, nil
}

// DMABuf returns the buffer behind a dma-buf fd
func (t *Table) DMABuf(fd int32) (*DMABuf, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.files[fd]
	if !ok {
		return nil, driver.Errorf(unix.EBADF, "fd %d", fd)
	}
	b, ok := obj.(*DMABuf)
	if !ok {
		return nil, driver.Errorf(unix.EINVAL, "fd %d is not a dma-buf", fd)
	}
	return b, nil
}

// Close drops the fd; a DMA fence loses the reference the file held
func (t *Table) Close(fd int32) error {
	t.mu.Lock()
	obj, ok := t.files[fd]
	delete(t.files, fd)
	t.mu.Unlock()
	if !ok {
		return driver.Errorf(unix.EBADF, "fd %d", fd)
	}
	if sf, ok := obj.(*SyncFile); ok {
		if f, ok := sf.Fence.(*DMAFence); ok {
			f.Put()
		}
	}
	return nil
}

// Len returns the number of open fds
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files)
}
