package meta

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmremap/go-dmremap/backend"
	"github.com/dmremap/go-dmremap/internal/constants"
	"github.com/dmremap/go-dmremap/internal/remap"
)

func newTestSpare() *backend.Memory {
	// MetaSectors' highest position is 8192; give enough headroom past
	// it for that copy's frame plus a few continuation frames.
	return backend.NewMemory(8192 + 64)
}

func TestRecoverOnBlankDeviceFails(t *testing.T) {
	spare := newTestSpare()
	e := New(spare, uuid.New().String(), uuid.New().String(), nil)

	_, _, _, err := e.Recover(context.Background())
	assert.Error(t, err)
}

func TestPersistThenRecoverRoundTrip(t *testing.T) {
	spare := newTestSpare()
	mainUUID := uuid.New().String()
	spareUUID := uuid.New().String()
	e := New(spare, mainUUID, spareUUID, nil)

	entries := []remap.Entry{
		{Logical: 10, Spare: 1, CreatedUnix: 100},
		{Logical: 20, Spare: 2, CreatedUnix: 100},
	}
	require.NoError(t, e.Persist(context.Background(), entries, 1<<20, 1<<16, 100))

	e2 := New(spare, mainUUID, spareUUID, nil)
	idx, seq, stale, err := e2.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	assert.Empty(t, stale)
	assert.Equal(t, 2, idx.Len())

	spareSector, ok := idx.Lookup(10)
	require.True(t, ok)
	assert.Equal(t, uint64(1), spareSector)
}

func TestRecoverPicksHighestSequenceAndFlagsStaleCopies(t *testing.T) {
	spare := newTestSpare()
	mainUUID := uuid.New().String()
	spareUUID := uuid.New().String()
	e := New(spare, mainUUID, spareUUID, nil)

	require.NoError(t, e.Persist(context.Background(), []remap.Entry{{Logical: 1, Spare: 100, CreatedUnix: 1}}, 1, 1, 1))

	// Corrupt copy index 2 after the persist, simulating media corruption
	// that happens between writes rather than a failed write itself.
	garbage := make([]byte, constants.FrameSize)
	for i := range garbage {
		garbage[i] = 0xAA
	}
	require.NoError(t, spare.WriteAt(context.Background(), constants.MetaSectors[2], garbage))

	e2 := New(spare, mainUUID, spareUUID, nil)
	idx, seq, stale, err := e2.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, []int{2}, stale)
	assert.Equal(t, 1, idx.Len())
}

func TestPersistMultiFrameContinuationRoundTrip(t *testing.T) {
	spare := backend.NewMemory(8192 + 64*uint64(constants.FrameSize/constants.SectorSize))
	mainUUID := uuid.New().String()
	spareUUID := uuid.New().String()
	e := New(spare, mainUUID, spareUUID, nil)

	n := constants.MaxEntriesPerFrame + 5
	entries := make([]remap.Entry, n)
	for i := range entries {
		entries[i] = remap.Entry{Logical: uint64(i), Spare: uint64(i + 1000), CreatedUnix: 1}
	}
	require.NoError(t, e.Persist(context.Background(), entries, 1, 1, 1))

	e2 := New(spare, mainUUID, spareUUID, nil)
	idx, _, stale, err := e2.Recover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stale)
	assert.Equal(t, n, idx.Len())
}

func TestPersistSurvivesSingleCopyFailure(t *testing.T) {
	spare := newTestSpare()
	mainUUID := uuid.New().String()
	spareUUID := uuid.New().String()
	e := New(spare, mainUUID, spareUUID, nil)

	// Fail only the first copy's write; the other four must still be
	// attempted and persisted, so Persist succeeds overall.
	spare.FailSectorOnce(constants.MetaSectors[0])

	entries := []remap.Entry{{Logical: 7, Spare: 70, CreatedUnix: 1}}
	require.NoError(t, e.Persist(context.Background(), entries, 1, 1, 1))

	e2 := New(spare, mainUUID, spareUUID, nil)
	idx, seq, stale, err := e2.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, []int{0}, stale)
	assert.Equal(t, 1, idx.Len())
}

func TestPersistFailsOnlyWhenEveryCopyFails(t *testing.T) {
	spare := newTestSpare()
	mainUUID := uuid.New().String()
	spareUUID := uuid.New().String()
	e := New(spare, mainUUID, spareUUID, nil)

	for _, sector := range constants.MetaSectors {
		spare.FailSectorOnce(sector)
	}

	entries := []remap.Entry{{Logical: 9, Spare: 90, CreatedUnix: 1}}
	err := e.Persist(context.Background(), entries, 1, 1, 1)
	assert.ErrorIs(t, err, ErrAllCopiesFailed)
}

func TestRepairCopyFixesStaleSlot(t *testing.T) {
	spare := newTestSpare()
	mainUUID := uuid.New().String()
	spareUUID := uuid.New().String()
	e := New(spare, mainUUID, spareUUID, nil)

	entries := []remap.Entry{{Logical: 5, Spare: 50, CreatedUnix: 1}}
	require.NoError(t, e.Persist(context.Background(), entries, 1, 1, 1))

	garbage := make([]byte, constants.FrameSize)
	require.NoError(t, spare.WriteAt(context.Background(), constants.MetaSectors[4], garbage))

	require.NoError(t, e.RepairCopy(context.Background(), 4, entries, 1, 1, 1))

	e2 := New(spare, mainUUID, spareUUID, nil)
	idx, _, stale, err := e2.Recover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stale)
	assert.Equal(t, 1, idx.Len())
}
