package dispatch_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dmremap "github.com/dmremap/go-dmremap"
	"github.com/dmremap/go-dmremap/internal/dispatch"
	"github.com/dmremap/go-dmremap/internal/remap"
)

// fakeDevice is a minimal interfaces.SectorDevice whose ReadAt can be
// scripted to fail a fixed number of times per sector.
type fakeDevice struct {
	mu        sync.Mutex
	failCount map[uint64]int
	reads     int32
	writes    int32
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{failCount: make(map[uint64]int)}
}

func (f *fakeDevice) failNTimes(sector uint64, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCount[sector] = n
}

func (f *fakeDevice) ReadAt(ctx context.Context, sector uint64, buf []byte) error {
	atomic.AddInt32(&f.reads, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCount[sector] > 0 {
		f.failCount[sector]--
		return dmremap.ErrMediaError
	}
	return nil
}

func (f *fakeDevice) WriteAt(ctx context.Context, sector uint64, buf []byte) error {
	atomic.AddInt32(&f.writes, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCount[sector] > 0 {
		f.failCount[sector]--
		return dmremap.ErrMediaError
	}
	return nil
}

func (f *fakeDevice) SectorCount() uint64 { return 1 << 20 }
func (f *fakeDevice) Close() error        { return nil }

func TestMapRoutesToMainWhenNoRemap(t *testing.T) {
	main, spare := newFakeDevice(), newFakeDevice()
	idx := remap.New()
	d := dispatch.New(main, spare, idx, nil, 1, nil)

	target, physical := d.Map(42)
	assert.Equal(t, dispatch.TargetMain, target)
	assert.Equal(t, uint64(42), physical)
}

func TestMapRoutesToSpareWhenRemapped(t *testing.T) {
	main, spare := newFakeDevice(), newFakeDevice()
	idx := remap.New()
	idx.Insert(42, 9000, 0)
	d := dispatch.New(main, spare, idx, nil, 1, nil)

	target, physical := d.Map(42)
	assert.Equal(t, dispatch.TargetSpare, target)
	assert.Equal(t, uint64(9000), physical)
}

func TestDoPropagatesMediaErrorWithoutMasking(t *testing.T) {
	main, spare := newFakeDevice(), newFakeDevice()
	main.failNTimes(7, 1)
	idx := remap.New()

	installed := make(chan uint64, 1)
	installer := func(ctx context.Context, logical uint64) {
		installed <- logical
	}
	d := dispatch.New(main, spare, idx, nil, 1, installer)

	buf := make([]byte, 512)
	err := d.Do(context.Background(), 7, 512, dispatch.DirRead, buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, dmremap.ErrMediaError)

	select {
	case got := <-installed:
		assert.Equal(t, uint64(7), got)
	case <-time.After(time.Second):
		t.Fatal("installer was not invoked")
	}
}

func TestDoRequiresConsecutiveFailuresBeforeInstalling(t *testing.T) {
	main, spare := newFakeDevice(), newFakeDevice()
	main.failNTimes(3, 2)
	idx := remap.New()

	var calls int32
	installer := func(ctx context.Context, logical uint64) {
		atomic.AddInt32(&calls, 1)
	}
	d := dispatch.New(main, spare, idx, nil, 2, installer)

	buf := make([]byte, 512)
	_ = d.Do(context.Background(), 3, 512, dispatch.DirRead, buf)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))

	_ = d.Do(context.Background(), 3, 512, dispatch.DirRead, buf)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDoSuccessResetsFailureCount(t *testing.T) {
	main, spare := newFakeDevice(), newFakeDevice()
	main.failNTimes(9, 1)
	idx := remap.New()

	var calls int32
	installer := func(ctx context.Context, logical uint64) {
		atomic.AddInt32(&calls, 1)
	}
	d := dispatch.New(main, spare, idx, nil, 2, installer)

	buf := make([]byte, 512)
	_ = d.Do(context.Background(), 9, 512, dispatch.DirRead, buf) // 1 failure, resets below
	_ = d.Do(context.Background(), 9, 512, dispatch.DirRead, buf) // success, resets count
	_ = d.Do(context.Background(), 9, 512, dispatch.DirRead, buf)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestDoNeverInstallsForSpareSideMediaError(t *testing.T) {
	main, spare := newFakeDevice(), newFakeDevice()
	spare.failNTimes(500, 5)
	idx := remap.New()
	idx.Insert(3, 500, 0)

	var calls int32
	installer := func(ctx context.Context, logical uint64) {
		atomic.AddInt32(&calls, 1)
	}
	d := dispatch.New(main, spare, idx, nil, 1, installer)

	buf := make([]byte, 512)
	err := d.Do(context.Background(), 3, 512, dispatch.DirRead, buf)
	require.Error(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestDoNeverInstallsForMediaErrorOnWrite(t *testing.T) {
	main, spare := newFakeDevice(), newFakeDevice()
	main.failNTimes(11, 5)
	idx := remap.New()

	var calls int32
	installer := func(ctx context.Context, logical uint64) {
		atomic.AddInt32(&calls, 1)
	}
	d := dispatch.New(main, spare, idx, nil, 1, installer)

	buf := make([]byte, 512)
	err := d.Do(context.Background(), 11, 512, dispatch.DirWrite, buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, dmremap.ErrMediaError)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestBufferPoolGetPut(t *testing.T) {
	main, spare := newFakeDevice(), newFakeDevice()
	d := dispatch.New(main, spare, remap.New(), nil, 1, nil)

	buf := d.GetBuffer(512)
	assert.Len(t, buf, 512)
	d.PutBuffer(buf)

	buf2 := d.GetBuffer(512)
	assert.Len(t, buf2, 512)
}
