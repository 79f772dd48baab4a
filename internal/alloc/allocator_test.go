package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateSkipsReservedSectors(t *testing.T) {
	a := New(10, []uint64{0, 5})

	seen := map[uint64]bool{}
	for i := 0; i < 8; i++ {
		s, err := a.Allocate()
		require.NoError(t, err)
		assert.False(t, seen[s])
		seen[s] = true
	}
	assert.False(t, seen[0])
	assert.False(t, seen[5])
	assert.Len(t, seen, 8)

	_, err := a.Allocate()
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestCapacityExcludesReserved(t *testing.T) {
	a := New(100, []uint64{0, 1024 % 100, 7})
	assert.Equal(t, uint64(100-3), a.Capacity())
}

func TestReleaseThenReuse(t *testing.T) {
	a := New(3, nil)

	s1, err := a.Allocate()
	require.NoError(t, err)
	s2, err := a.Allocate()
	require.NoError(t, err)
	s3, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 3, a.InUse())

	_, err = a.Allocate()
	assert.ErrorIs(t, err, ErrExhausted)

	require.NoError(t, a.Release(s2))
	assert.Equal(t, 2, a.InUse())

	reused, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, s2, reused)

	_ = s1
	_ = s3
}

func TestReleaseUnallocatedSectorErrors(t *testing.T) {
	a := New(4, nil)
	err := a.Release(2)
	assert.ErrorIs(t, err, ErrNotAllocated)
}

func TestReleaseIsNotDoubleReusable(t *testing.T) {
	a := New(2, nil)
	s, err := a.Allocate()
	require.NoError(t, err)
	require.NoError(t, a.Release(s))
	err = a.Release(s)
	assert.ErrorIs(t, err, ErrNotAllocated)
}

func TestWearLevelingPrefersOldestRelease(t *testing.T) {
	a := New(3, nil)
	s1, _ := a.Allocate()
	s2, _ := a.Allocate()
	_, _ = a.Allocate()

	require.NoError(t, a.Release(s1))
	require.NoError(t, a.Release(s2))

	first, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, s1, first)

	second, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, s2, second)
}
