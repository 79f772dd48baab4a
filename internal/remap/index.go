// Package remap implements the concurrent remap index (spec.md C3): an
// open-hashed map from logical sector to spare sector, backed by a
// power-of-two bucket array that grows and shrinks with load factor,
// plus a flat entry list kept in lockstep for cheap snapshotting.
package remap

import (
	"sync"

	"github.com/dmremap/go-dmremap/internal/constants"
	"github.com/dmremap/go-dmremap/internal/interfaces"
)

// Index invariants (exercised by index_test.go):
//  1. BucketCount() is always a power of two and never below
//     constants.MinBuckets.
//  2. The table grows (doubles) the moment load factor exceeds
//     constants.LoadFactorGrowPercent and shrinks (halves, floored at
//     MinBuckets) the moment it drops below LoadFactorShrinkPercent.
//  3. No two live entries share a Logical sector.
//  4. Snapshot returns a point-in-time copy; mutating the index after
//     a Snapshot call never retroactively changes a result already
//     returned.
//  5. Remove is idempotent: removing an absent key is a no-op, not an
//     error.
type Index struct {
	mu      sync.RWMutex
	buckets [][]Entry
	flat    []Entry
	pos     map[uint64]int // Logical -> index into flat, for O(1) removal
	obs     interfaces.Observer
}

// New creates an empty index with the minimum bucket count.
func New() *Index {
	return &Index{
		buckets: make([][]Entry, constants.MinBuckets),
		pos:     make(map[uint64]int),
	}
}

// SetObserver wires an Observer to receive ObserveResize events. A nil
// obs disables resize reporting; call this once, before the index is shared
// across goroutines, the same as the rest of the index's unsynchronized
// setup.
func (idx *Index) SetObserver(obs interfaces.Observer) {
	idx.obs = obs
}

// Len returns the number of live entries.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.flat)
}

// BucketCount returns the current bucket array size.
func (idx *Index) BucketCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.buckets)
}

// Lookup returns the spare sector remapped for logical, if any.
func (idx *Index) Lookup(logical uint64) (uint64, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	b := idx.buckets[bucketFor(logical, len(idx.buckets))]
	for _, e := range b {
		if e.Logical == logical {
			return e.Spare, true
		}
	}
	return 0, false
}

// Insert adds or updates the remap for logical. It returns true if this
// created a new entry (as opposed to updating an existing one).
func (idx *Index) Insert(logical, spare, createdUnix uint64) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	bi := bucketFor(logical, len(idx.buckets))
	for i, e := range idx.buckets[bi] {
		if e.Logical == logical {
			updated := Entry{Logical: logical, Spare: spare, CreatedUnix: e.CreatedUnix}
			idx.buckets[bi][i] = updated
			idx.flat[idx.pos[logical]] = updated
			return false
		}
	}

	e := Entry{Logical: logical, Spare: spare, CreatedUnix: createdUnix}
	idx.buckets[bi] = append(idx.buckets[bi], e)
	idx.flat = append(idx.flat, e)
	idx.pos[logical] = len(idx.flat) - 1

	idx.maybeGrow()
	return true
}

// Remove deletes the remap for logical if present. Idempotent.
func (idx *Index) Remove(logical uint64) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	bi := bucketFor(logical, len(idx.buckets))
	bucket := idx.buckets[bi]
	found := -1
	for i, e := range bucket {
		if e.Logical == logical {
			found = i
			break
		}
	}
	if found == -1 {
		return false
	}
	idx.buckets[bi] = append(bucket[:found], bucket[found+1:]...)
	idx.removeFromFlat(logical)

	idx.maybeShrink()
	return true
}

// removeFromFlat deletes logical from idx.flat using a swap-with-last,
// fixing up idx.pos for the entry that moved into the vacated slot.
func (idx *Index) removeFromFlat(logical uint64) {
	i, ok := idx.pos[logical]
	if !ok {
		return
	}
	last := len(idx.flat) - 1
	if i != last {
		idx.flat[i] = idx.flat[last]
		idx.pos[idx.flat[i].Logical] = i
	}
	idx.flat = idx.flat[:last]
	delete(idx.pos, logical)
}

// Snapshot returns a copy of every live entry. Safe to retain; further
// mutation of the index does not affect it.
func (idx *Index) Snapshot() []Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]Entry, len(idx.flat))
	copy(out, idx.flat)
	return out
}

// loadFactorPercent returns count*100/bucketCount.
func (idx *Index) loadFactorPercent() int {
	if len(idx.buckets) == 0 {
		return 0
	}
	return len(idx.flat) * 100 / len(idx.buckets)
}

// maybeGrow doubles the bucket count if load factor crossed the grow
// threshold. Caller must hold idx.mu for writing.
func (idx *Index) maybeGrow() {
	if idx.loadFactorPercent() <= constants.LoadFactorGrowPercent {
		return
	}
	idx.resize(len(idx.buckets) * constants.GrowthMultiplier)
}

// maybeShrink halves the bucket count if load factor dropped below the
// shrink threshold, never going below MinBuckets. Caller must hold
// idx.mu for writing.
func (idx *Index) maybeShrink() {
	if len(idx.buckets) <= constants.MinBuckets {
		return
	}
	if idx.loadFactorPercent() >= constants.LoadFactorShrinkPercent {
		return
	}
	newCount := len(idx.buckets) / constants.GrowthMultiplier
	if newCount < constants.MinBuckets {
		newCount = constants.MinBuckets
	}
	idx.resize(newCount)
}

// resize rebuilds the bucket array at the given size, rehashing every
// live entry from idx.flat. Caller must hold idx.mu for writing.
func (idx *Index) resize(newBucketCount int) {
	oldCount := len(idx.buckets)
	buckets := make([][]Entry, newBucketCount)
	for _, e := range idx.flat {
		bi := bucketFor(e.Logical, newBucketCount)
		buckets[bi] = append(buckets[bi], e)
	}
	idx.buckets = buckets
	if idx.obs != nil {
		idx.obs.ObserveResize(oldCount, newBucketCount)
	}
}
