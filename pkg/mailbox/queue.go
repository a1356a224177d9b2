package mailbox

import (
	"errors"
	"sync"
)

// ErrQueueFull is returned by Push when the ring has no free element
var ErrQueueFull = errors.New("mailbox queue full")

// Queue is a ring of fixed-size elements. Head and tail carry a wrap bit
// in bit 31 so a full ring is distinguishable from an empty one.
type Queue struct {
	mu       sync.Mutex
	mem      []byte
	elemSize int
	size     uint32
	head     uint32
	tail     uint32
	onUpdate func(head, tail uint32)
}

// NewQueue creates a ring of size elements of elemSize bytes over mem
func NewQueue(mem []byte, elemSize int, size uint32) *Queue {
	return &Queue{mem: mem, elemSize: elemSize, size: size}
}

const wrapBit = uint32(1) << 31

func (q *Queue) lenLocked() uint32 {
	h, t := q.head&^wrapBit, q.tail&^wrapBit
	if (q.head^q.tail)&wrapBit != 0 {
		return q.size - h + t
	}
	return t - h
}

func (q *Queue) advance(v uint32) uint32 {
	idx, wrap := v&^wrapBit, v&wrapBit
	idx++
	if idx == q.size {
		idx = 0
		wrap ^= wrapBit
	}
	return idx | wrap
}

// ElemSize returns the element size in bytes
func (q *Queue) ElemSize() int { return q.elemSize }

// Size returns the capacity in elements
func (q *Queue) Size() uint32 { return q.size }

// Bytes returns the backing memory
func (q *Queue) Bytes() []byte { return q.mem }

// Len returns the number of queued elements
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.lenLocked())
}

// Space returns the number of free elements
func (q *Queue) Space() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.size - q.lenLocked())
}

// Push copies elem into the slot at the tail
func (q *Queue) Push(elem []byte) error {
	q.mu.Lock()
	if q.lenLocked() == q.size {
		q.mu.Unlock()
		return ErrQueueFull
	}
	off := int(q.tail&^wrapBit) * q.elemSize
	slot := q.mem[off : off+q.elemSize]
	n := copy(slot, elem)
	clear(slot[n:])
	q.tail = q.advance(q.tail)
	head, tail, cb := q.head, q.tail, q.onUpdate
	q.mu.Unlock()

	if cb != nil {
		cb(head, tail)
	}
	return nil
}

// Pop copies the element at the head into dst. It reports false when empty.
func (q *Queue) Pop(dst []byte) bool {
	q.mu.Lock()
	if q.lenLocked() == 0 {
		q.mu.Unlock()
		return false
	}
	off := int(q.head&^wrapBit) * q.elemSize
	copy(dst, q.mem[off:off+q.elemSize])
	q.head = q.advance(q.head)
	head, tail, cb := q.head, q.tail, q.onUpdate
	q.mu.Unlock()

	if cb != nil {
		cb(head, tail)
	}
	return true
}

// Reset empties the ring
func (q *Queue) Reset() {
	q.mu.Lock()
	q.head, q.tail = 0, 0
	cb := q.onUpdate
	q.mu.Unlock()
	if cb != nil {
		cb(0, 0)
	}
}

// Pointers returns the raw head and tail values including the wrap bit
func (q *Queue) Pointers() (head, tail uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head, q.tail
}
