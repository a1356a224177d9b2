//go:build unit

package iommu

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestMMU(numPASIDs int) *MMU {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	return New(logrus.NewEntry(log), 0x10000000, 0x100000, numPASIDs)
}

func TestAttachAssignsLowestPASID(t *testing.T) {
	m := newTestMMU(4)
	a, b, c, d := m.AllocDomain(), m.AllocDomain(), m.AllocDomain(), m.AllocDomain()

	require.NoError(t, m.Attach(a))
	require.NoError(t, m.Attach(b))
	require.NoError(t, m.Attach(c))
	assert.Equal(t, uint32(1), a.PASID())
	assert.Equal(t, uint32(3), c.PASID())

	err := m.Attach(d)
	assert.True(t, errors.Is(err, unix.EBUSY))

	m.Detach(b)
	assert.True(t, b.Detached())
	require.NoError(t, m.Attach(d))
	assert.Equal(t, uint32(2), d.PASID())
	assert.Same(t, d, m.DomainForPASID(2))
	assert.Nil(t, m.DomainForPASID(99))
}

func TestAttachTwice(t *testing.T) {
	m := newTestMMU(4)
	d := m.AllocDomain()
	require.NoError(t, m.Attach(d))
	assert.True(t, errors.Is(m.Attach(d), unix.EBUSY))
}

func TestMapTranslateUnmap(t *testing.T) {
	m := newTestMMU(4)
	d := m.AllocDomain()

	host := []byte("0123456789")
	iova, err := d.Map(host, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10000000), iova)

	got, err := d.Translate(iova+2, 3)
	require.NoError(t, err)
	assert.Equal(t, "234", string(got))

	got[0] = 'X'
	assert.Equal(t, byte('X'), host[2], "translation aliases host memory")

	d.Unmap(iova)
	_, err = d.Translate(iova, 1)
	assert.True(t, errors.Is(err, unix.EFAULT))
	assert.Equal(t, uint64(0x100000), d.Available())
}

func TestTranslateFaultHandler(t *testing.T) {
	m := newTestMMU(4)
	d := m.AllocDomain()
	require.NoError(t, m.Attach(d))

	var faults []uint64
	m.SetFaultHandler(func(pasid uint32, iova uint64) {
		assert.Equal(t, uint32(1), pasid)
		faults = append(faults, iova)
	})
	_, err := d.Translate(0x10004000, 4)
	assert.Error(t, err)
	assert.Equal(t, []uint64{0x10004000}, faults)
}

func TestIOVAAllocatorCoalesces(t *testing.T) {
	a := newIOVAAllocator(0, 0x4000)

	x, err := a.alloc(0x1000)
	require.NoError(t, err)
	y, err := a.alloc(0x1000)
	require.NoError(t, err)
	z, err := a.alloc(0x2000)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 0x1000, 0x2000}, []uint64{x, y, z})

	_, err = a.alloc(1)
	assert.True(t, errors.Is(err, unix.ENOSPC))

	a.release(x, 0x1000)
	a.release(z, 0x2000)
	a.release(y, 0x1000)
	assert.Equal(t, 1, a.free.Len())
	assert.Equal(t, uint64(0x4000), a.available())

	big, err := a.alloc(0x4000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), big)
}
