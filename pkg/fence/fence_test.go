//go:build unit

package fence

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-edgetpu/pkg/driver"
)

func testLog() *logrus.Entry {
	l, _ := test.NewNullLogger()
	return logrus.NewEntry(l)
}

func TestSyncFenceRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		errno  int32
		status int32
	}{
		{"ok", 0, StatusSignaled},
		{"eio", -int32(unix.EIO), -int32(unix.EIO)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(testLog())
			tbl := NewTable()

			create := driver.CreateSyncFenceData{Seqno: 1, TimelineName: "tl"}
			require.NoError(t, m.Create(tbl, 4, &create))

			st := driver.SyncFenceStatus{Fence: create.Fence}
			require.NoError(t, m.Status(tbl, &st))
			assert.Equal(t, int32(StatusActive), st.Status)

			require.NoError(t, m.Signal(tbl, &driver.SignalSyncFenceData{Fence: create.Fence, Error: tt.errno}))
			require.NoError(t, m.Status(tbl, &st))
			assert.Equal(t, tt.status, st.Status)
		})
	}
}

func TestSignalTwice(t *testing.T) {
	m := NewManager(testLog())
	tbl := NewTable()
	create := driver.CreateSyncFenceData{TimelineName: "tl"}
	require.NoError(t, m.Create(tbl, 1, &create))

	require.NoError(t, m.Signal(tbl, &driver.SignalSyncFenceData{Fence: create.Fence}))
	err := m.Signal(tbl, &driver.SignalSyncFenceData{Fence: create.Fence})
	assert.True(t, errors.Is(err, unix.EINVAL))
}

func TestSignalBadErrno(t *testing.T) {
	m := NewManager(testLog())
	tbl := NewTable()
	create := driver.CreateSyncFenceData{TimelineName: "tl"}
	require.NoError(t, m.Create(tbl, 1, &create))

	for _, e := range []int32{1, -4096} {
		err := m.Signal(tbl, &driver.SignalSyncFenceData{Fence: create.Fence, Error: e})
		assert.True(t, errors.Is(err, unix.EINVAL), "error %d", e)
	}
	f, err := tbl.Fence(create.Fence)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, f.Status())
}

func TestUnknownFd(t *testing.T) {
	m := NewManager(testLog())
	tbl := NewTable()
	err := m.Status(tbl, &driver.SyncFenceStatus{Fence: 42})
	assert.True(t, errors.Is(err, unix.EBADF))

	fd := tbl.InstallDMABuf(&DMABuf{Data: make([]byte, 16)})
	err = m.Status(tbl, &driver.SyncFenceStatus{Fence: fd})
	assert.True(t, errors.Is(err, unix.EINVAL))
}

func TestGroupShutdownAndShow(t *testing.T) {
	m := NewManager(testLog())
	tbl := NewTable()

	a := driver.CreateSyncFenceData{Seqno: 3, TimelineName: "a"}
	b := driver.CreateSyncFenceData{Seqno: 4, TimelineName: "b"}
	require.NoError(t, m.Create(tbl, 1, &a))
	require.NoError(t, m.Create(tbl, 2, &b))

	m.GroupShutdown(1)

	fa, _ := tbl.Fence(a.Fence)
	fb, _ := tbl.Fence(b.Fence)
	assert.Equal(t, -int(unix.EPIPE), fa.Status())
	assert.Equal(t, StatusActive, fb.Status())

	var buf bytes.Buffer
	m.Show(&buf)
	out := buf.String()
	assert.Contains(t, out, "edgetpu-a ")
	assert.Contains(t, out, "-3 signaled err=-32 group=1\n")
	assert.Contains(t, out, "-4 unsignaled group=2\n")
}

func TestCloseReleasesFence(t *testing.T) {
	m := NewManager(testLog())
	tbl := NewTable()
	create := driver.CreateSyncFenceData{TimelineName: "tl"}
	require.NoError(t, m.Create(tbl, 1, &create))
	assert.Equal(t, 1, m.Count())

	f, _ := tbl.Fence(create.Fence)
	held := f.(*DMAFence).Get()

	require.NoError(t, tbl.Close(create.Fence))
	assert.Equal(t, 1, m.Count(), "held reference keeps the fence listed")
	held.Put()
	assert.Equal(t, 0, m.Count())

	assert.True(t, errors.Is(tbl.Close(create.Fence), unix.EBADF))
}

func TestArraySignalsAfterMembers(t *testing.T) {
	tl := NewTimeline("x")
	f1 := NewDMAFence(tl, 1)
	f2 := NewDMAFence(tl, 2)
	arr := NewArray([]Fence{f1, f2})

	require.NoError(t, f1.Signal(0))
	assert.Equal(t, StatusActive, arr.Status())
	require.NoError(t, f2.Signal(-int(unix.EIO)))

	select {
	case <-arr.Done():
	case <-time.After(time.Second):
		t.Fatal("array never signaled")
	}
	assert.Equal(t, -int(unix.EIO), arr.Status())
	assert.Error(t, arr.Signal(0))
}

func TestValidateArrays(t *testing.T) {
	iifs := NewIIFManager()
	i1, err := iifs.Create()
	require.NoError(t, err)
	tl := NewTimeline("x")
	d1 := NewDMAFence(tl, 1)
	arr := NewArray([]Fence{NewDMAFence(tl, 2)})

	assert.NoError(t, ValidateArrays(Set{d1, arr}, Set{d1, i1}))
	assert.True(t, errors.Is(ValidateArrays(Set{d1, i1}, nil), unix.EINVAL))
	assert.True(t, errors.Is(ValidateArrays(nil, Set{arr}), unix.EINVAL))

	big := make(Set, MaxArrayFences+1)
	for i := range big {
		big[i] = d1
	}
	assert.True(t, errors.Is(ValidateArrays(big, nil), unix.EINVAL))
}

func TestResolveTooMany(t *testing.T) {
	_, err := Resolve(NewTable(), make([]int32, MaxArrayFences+1))
	assert.True(t, errors.Is(err, unix.EINVAL))
}

func TestSetHelpers(t *testing.T) {
	iifs := NewIIFManager()
	i1, _ := iifs.Create()
	i2, _ := iifs.Create()
	d := NewDMAFence(NewTimeline("x"), 1)
	s := Set{i1, d, i2}

	assert.Equal(t, []uint16{i1.ID, i2.ID}, s.IIFIDs())
	done, _ := s.Signaled()
	assert.False(t, done)

	s.SignalAll(0)
	assert.Equal(t, StatusSignaled, d.Status())
	assert.Equal(t, StatusActive, i1.Status(), "firmware signals inter-ip fences on success")

	require.NoError(t, iifs.SignalID(i1.ID, -int(unix.ETIMEDOUT)))
	done, errno := s.Signaled()
	assert.True(t, done)
	assert.Equal(t, -int(unix.ETIMEDOUT), errno)

	s.SignalAll(-int(unix.ECANCELED))
	assert.Equal(t, -int(unix.ECANCELED), i2.Status())
}

func TestIIFManagerIDs(t *testing.T) {
	m := NewIIFManager()
	a, _ := m.Create()
	b, _ := m.Create()
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, m.Count())

	a.Release()
	_, ok := m.Lookup(a.ID)
	assert.False(t, ok)
	assert.True(t, errors.Is(m.SignalID(a.ID, 0), unix.ENOENT))
}

type callResult struct {
	remaining time.Duration
	err       error
}

func collect(t *testing.T) (Callback, func() callResult) {
	ch := make(chan callResult, 1)
	cb := func(f Fence, remaining time.Duration, err error) {
		ch <- callResult{remaining, err}
	}
	return cb, func() callResult {
		select {
		case r := <-ch:
			return r
		case <-time.After(2 * time.Second):
			t.Fatal("callback never ran")
			return callResult{}
		}
	}
}

func TestAwaiterSignaled(t *testing.T) {
	a := NewAwaiter(testLog())
	defer a.Exit()

	f := NewDMAFence(NewTimeline("x"), 1)
	cb, result := collect(t)
	require.NoError(t, a.Wait(f, time.Second, cb))
	require.NoError(t, f.Signal(0))

	r := result()
	require.NoError(t, r.err)
	assert.Greater(t, r.remaining, time.Duration(0))
	assert.LessOrEqual(t, r.remaining, time.Second)
}

func TestAwaiterNoTimeout(t *testing.T) {
	a := NewAwaiter(testLog())
	defer a.Exit()

	f := NewDMAFence(NewTimeline("x"), 1)
	require.NoError(t, f.Signal(0))
	cb, result := collect(t)
	require.NoError(t, a.Wait(f, 0, cb))

	r := result()
	require.NoError(t, r.err)
	assert.Equal(t, time.Duration(0), r.remaining)
}

func TestAwaiterTimeout(t *testing.T) {
	a := NewAwaiter(testLog())
	defer a.Exit()

	cb, result := collect(t)
	require.NoError(t, a.Wait(NewDMAFence(NewTimeline("x"), 1), 20*time.Millisecond, cb))
	r := result()
	assert.True(t, errors.Is(r.err, unix.ETIMEDOUT))
}

func TestAwaiterExit(t *testing.T) {
	a := NewAwaiter(testLog())

	var mu sync.Mutex
	var errs []error
	cb := func(f Fence, remaining time.Duration, err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, a.Wait(NewDMAFence(NewTimeline("x"), uint64(i)), 0, cb))
	}

	a.Exit()
	require.Len(t, errs, 3)
	for _, err := range errs {
		assert.True(t, errors.Is(err, driver.ERESTARTSYS))
	}
	assert.Equal(t, 0, a.Pending())

	err := a.Wait(NewDMAFence(NewTimeline("x"), 9), 0, cb)
	assert.True(t, errors.Is(err, unix.EPERM))
	assert.True(t, errors.Is(a.Wait(nil, 0, cb), unix.EINVAL))
}
