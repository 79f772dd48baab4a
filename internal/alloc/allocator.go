// Package alloc implements the spare-sector allocator (spec.md C4): a
// fixed pool of spare-device sectors, reserved once at construction,
// handed out by a monotonically increasing cursor with wear-leveling
// reuse of released sectors once the cursor runs out.
package alloc

import (
	"errors"
	"sync"
)

// ErrExhausted is returned when no spare sector remains to allocate.
var ErrExhausted = errors.New("alloc: spare pool exhausted")

// ErrNotAllocated is returned by Release for a sector this allocator
// never handed out.
var ErrNotAllocated = errors.New("alloc: sector was not allocated by this pool")

// Allocator hands out spare-device sectors one at a time. New sectors
// come from an ever-increasing cursor first; once the cursor reaches
// the end of the pool, the oldest released sector is reused — the same
// increasing-offset-then-reuse-oldest-released wear-leveling policy a
// block-device-backed allocator uses to spread writes across the
// device instead of hammering the same freed offsets.
type Allocator struct {
	mu        sync.Mutex
	total     uint64
	reserved  map[uint64]bool
	next      uint64
	free      []uint64 // FIFO: oldest released sector first
	allocated map[uint64]bool
}

// New creates an allocator over a spare device with the given total
// sector count. reservedSectors (e.g. the five fixed metadata frame
// sectors, which may be scattered anywhere in the range) are carved
// out up front and never handed out.
func New(totalSectors uint64, reservedSectors []uint64) *Allocator {
	reservedSet := make(map[uint64]bool, len(reservedSectors))
	for _, s := range reservedSectors {
		reservedSet[s] = true
	}

	return &Allocator{
		total:     totalSectors,
		reserved:  reservedSet,
		allocated: make(map[uint64]bool),
	}
}

// Capacity returns the number of sectors this allocator can ever hand
// out (total minus reserved).
func (a *Allocator) Capacity() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total - uint64(len(a.reserved))
}

// InUse returns the number of currently allocated sectors.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocated)
}

// Allocate returns a fresh spare sector, or ErrExhausted if the pool is
// full.
func (a *Allocator) Allocate() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for a.next < a.total {
		s := a.next
		a.next++
		if a.reserved[s] {
			continue
		}
		a.allocated[s] = true
		return s, nil
	}

	if len(a.free) > 0 {
		s := a.free[0]
		a.free = a.free[1:]
		a.allocated[s] = true
		return s, nil
	}

	return 0, ErrExhausted
}

// Release returns a previously allocated sector to the pool for later
// reuse.
func (a *Allocator) Release(sector uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.allocated[sector] {
		return ErrNotAllocated
	}
	delete(a.allocated, sector)
	a.free = append(a.free, sector)
	return nil
}
