// Package dispatch implements the I/O dispatcher (spec.md C7): routing
// a logical sector I/O to the main or spare device (Map), performing
// it, and deciding on completion whether a failure warrants installing
// a new remap (endIO) — without ever masking the original error back
// to the caller. Structurally grounded on the teacher's
// internal/queue/runner.go split between request-arrival processing and
// per-tag completion handling.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/dmremap/go-dmremap/internal/interfaces"
	"github.com/dmremap/go-dmremap/internal/remap"
)

// Direction distinguishes a read from a write.
type Direction int

const (
	DirRead Direction = iota
	DirWrite
)

// Target identifies which backing device an I/O was routed to.
type Target int

const (
	TargetMain Target = iota
	TargetSpare
)

// RemapInstaller is invoked exactly once per logical sector crossing
// the error threshold. It must update the shared remap.Index itself
// (the dispatcher only decides *when* to call it) and persist the
// change; the dispatcher does not wait for it.
type RemapInstaller func(ctx context.Context, logicalSector uint64)

// Dispatcher routes bios between a main and a spare SectorDevice,
// consulting and updating a shared remap.Index.
type Dispatcher struct {
	main   interfaces.SectorDevice
	spare  interfaces.SectorDevice
	index  *remap.Index
	obs    interfaces.Observer
	bufs   *BufferPool

	errorThreshold int
	installer      RemapInstaller

	mu          sync.Mutex
	failCounts  map[uint64]int
	installing  map[uint64]bool
}

// New creates a Dispatcher. errorThreshold is the number of consecutive
// MediaErrors on one logical sector required before installer is
// called; spec.md's default treats a single error as sufficient.
func New(main, spare interfaces.SectorDevice, index *remap.Index, obs interfaces.Observer, errorThreshold int, installer RemapInstaller) *Dispatcher {
	if errorThreshold < 1 {
		errorThreshold = 1
	}
	return &Dispatcher{
		main:           main,
		spare:          spare,
		index:          index,
		obs:            obs,
		bufs:           NewBufferPool(),
		errorThreshold: errorThreshold,
		installer:      installer,
		failCounts:     make(map[uint64]int),
		installing:     make(map[uint64]bool),
	}
}

// Map decides which device a logical sector's I/O should go to, without
// performing any I/O: TargetSpare if a remap entry exists, TargetMain
// otherwise.
func (d *Dispatcher) Map(logicalSector uint64) (Target, uint64) {
	if spareSector, ok := d.index.Lookup(logicalSector); ok {
		return TargetSpare, spareSector
	}
	return TargetMain, logicalSector
}

// Do performs one bio end to end: Map, the device I/O itself, and
// endIO's completion-time bookkeeping. The returned error is always the
// I/O's own error, never altered by remap-installation logic — per the
// dispatcher's critical constraint, a bio is never silently redirected
// mid-flight to paper over a failure the caller must still see.
func (d *Dispatcher) Do(ctx context.Context, logicalSector uint64, length uint32, dir Direction, buf []byte) error {
	target, physicalSector := d.Map(logicalSector)
	device := d.main
	if target == TargetSpare {
		device = d.spare
	}

	start := time.Now()
	var err error
	if dir == DirWrite {
		err = device.WriteAt(ctx, physicalSector, buf)
	} else {
		err = device.ReadAt(ctx, physicalSector, buf)
	}
	latencyNs := time.Since(start).Nanoseconds()

	if d.obs != nil {
		if dir == DirWrite {
			d.obs.ObserveWrite(len(buf), latencyNs, err)
		} else {
			d.obs.ObserveRead(len(buf), latencyNs, err)
		}
	}

	d.endIO(ctx, target, dir, logicalSector, err)
	return err
}

// endIO implements spec.md's EndIO: on a MediaError from a Read routed to
// the main device, it counts the consecutive failure and, once the
// threshold is crossed, kicks off remap installation on its own
// goroutine so the current I/O's error return is never delayed or
// masked. A MediaError already routed to the spare device is not
// eligible — the spare is itself the remap target, there's nowhere
// further to fail over to. A MediaError on a Write is not eligible
// either: spec.md §4.7 step 3 scopes the lazy-remap trigger to reads,
// since remapping can't recover data a failed write never persisted.
func (d *Dispatcher) endIO(ctx context.Context, target Target, dir Direction, logicalSector uint64, err error) {
	if target != TargetMain || dir != DirRead {
		return
	}
	if err == nil {
		d.mu.Lock()
		delete(d.failCounts, logicalSector)
		d.mu.Unlock()
		return
	}
	if !isMediaError(err) {
		return
	}

	d.mu.Lock()
	d.failCounts[logicalSector]++
	count := d.failCounts[logicalSector]
	alreadyInstalling := d.installing[logicalSector]
	shouldInstall := count >= d.errorThreshold && !alreadyInstalling
	if shouldInstall {
		d.installing[logicalSector] = true
	}
	d.mu.Unlock()

	if !shouldInstall || d.installer == nil {
		return
	}

	go func() {
		d.installer(ctx, logicalSector)
		d.mu.Lock()
		delete(d.failCounts, logicalSector)
		delete(d.installing, logicalSector)
		d.mu.Unlock()
	}()
}

// GetBuffer and PutBuffer expose the dispatcher's pooled buffers for
// callers assembling bios.
func (d *Dispatcher) GetBuffer(size int) []byte { return d.bufs.Get(size) }
func (d *Dispatcher) PutBuffer(buf []byte)       { d.bufs.Put(buf) }

// mediaErrorChecker lets isMediaError recognize the root package's
// *Error (and backend's media error) without dispatch importing the
// root package (which would cycle back through the root package's own
// import of dispatch).
type mediaErrorChecker interface {
	IsMediaError() bool
}

func isMediaError(err error) bool {
	for err != nil {
		if c, ok := err.(mediaErrorChecker); ok && c.IsMediaError() {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
