package iommu

import (
	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
)

type span struct {
	start, size uint64
}

func (s span) end() uint64 { return s.start + s.size }

// iovaAllocator hands out page-aligned ranges from a window, tracking the
// free ranges ordered by start address.
type iovaAllocator struct {
	free *btree.BTreeG[span]
}

func newIOVAAllocator(base, size uint64) *iovaAllocator {
	a := &iovaAllocator{free: btree.NewG(8, func(x, y span) bool { return x.start < y.start })}
	a.free.ReplaceOrInsert(span{start: base, size: size})
	return a
}

func pageAlign(n uint64) uint64 {
	return (n + driver.MmapPageSize - 1) &^ (driver.MmapPageSize - 1)
}

func (a *iovaAllocator) alloc(size uint64) (uint64, error) {
	need := pageAlign(size)
	var hit span
	found := false
	a.free.Ascend(func(s span) bool {
		if s.size >= need {
			hit, found = s, true
			return false
		}
		return true
	})
	if !found {
		return 0, driver.Errorf(unix.ENOSPC, "no IOVA space for %#x bytes", size)
	}
	a.free.Delete(hit)
	if hit.size > need {
		a.free.ReplaceOrInsert(span{start: hit.start + need, size: hit.size - need})
	}
	return hit.start, nil
}

func (a *iovaAllocator) release(start, size uint64) {
	s := span{start: start, size: pageAlign(size)}

	var prev span
	hasPrev := false
	a.free.DescendLessOrEqual(s, func(p span) bool {
		prev, hasPrev = p, true
		return false
	})
	if hasPrev && prev.end() == s.start {
		a.free.Delete(prev)
		s = span{start: prev.start, size: prev.size + s.size}
	}

	var next span
	hasNext := false
	a.free.AscendGreaterOrEqual(span{start: s.end()}, func(n span) bool {
		next, hasNext = n, true
		return false
	})
	if hasNext && next.start == s.end() {
		a.free.Delete(next)
		s.size += next.size
	}
	a.free.ReplaceOrInsert(s)
}

func (a *iovaAllocator) available() uint64 {
	var total uint64
	a.free.Ascend(func(s span) bool {
		total += s.size
		return true
	})
	return total
}
