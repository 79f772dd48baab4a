package dmremap

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dmremap/go-dmremap/backend"
	"github.com/dmremap/go-dmremap/internal/alloc"
	"github.com/dmremap/go-dmremap/internal/constants"
	"github.com/dmremap/go-dmremap/internal/dispatch"
	"github.com/dmremap/go-dmremap/internal/interfaces"
	"github.com/dmremap/go-dmremap/internal/meta"
	"github.com/dmremap/go-dmremap/internal/remap"
)

// State is one of the five lifecycle states spec.md §4.8 names. A Device
// only ever moves forward through them; there is no way back to Active
// once PreSuspending has been entered.
type State int

const (
	StateConstructing State = iota
	StateActive
	StatePreSuspending
	StateSuspended
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateConstructing:
		return "constructing"
	case StateActive:
		return "active"
	case StatePreSuspending:
		return "presuspending"
	case StateSuspended:
		return "suspended"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Device is the lifecycle controller (spec.md C8): it owns C1(main),
// C1(spare), the remap index (C3), the spare allocator (C4), the
// metadata engine and its async writer (C5/C6), and the I/O dispatcher
// (C7), and coordinates their construction, quiescence, and teardown.
// Adapted from the teacher's CreateAndServe/StopAndDelete pair,
// generalized to the five explicit states spec.md requires instead of
// the teacher's three-state DeviceState.
type Device struct {
	mu    sync.Mutex
	state State

	main  interfaces.SectorDevice
	spare interfaces.SectorDevice
	ownsMain  bool
	ownsSpare bool

	index      *remap.Index
	allocator  *alloc.Allocator
	metaEngine *meta.Engine
	dispatcher *dispatch.Dispatcher

	metrics  *Metrics
	observer interfaces.Observer
	logger   interfaces.Logger

	params DeviceParams

	inFlight int64
	shutdown int32
}

// Construct builds a Device per spec.md §4.8's Constructing->Active
// transition: opens both backing devices, recovers metadata (or starts
// fresh if no valid copy exists — never a construction error per
// spec.md §4.5/§7), initializes the allocator with the five metadata
// copies reserved, and wires the dispatcher's lazy-remap installer.
func Construct(ctx context.Context, params DeviceParams, opts *Options) (*Device, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts == nil {
		opts = &Options{}
	}
	if opts.Context != nil {
		ctx = opts.Context
	}
	if params.ErrorThreshold < 1 {
		params.ErrorThreshold = constants.DefaultRemapErrorThreshold
	}
	if params.DrainTimeout <= 0 {
		params.DrainTimeout = constants.DefaultDrainTimeout
	}
	if params.WriteTimeout <= 0 {
		params.WriteTimeout = constants.DefaultWriteTimeout
	}

	main, ownsMain, err := openDevice(params.MainDevicePath, opts.MainDevice)
	if err != nil {
		return nil, NewError("construct", CodeIO, "open main device", err)
	}
	spare, ownsSpare, err := openDevice(params.SpareDevicePath, opts.SpareDevice)
	if err != nil {
		if ownsMain {
			main.Close()
		}
		return nil, NewError("construct", CodeIO, "open spare device", err)
	}

	metrics := NewMetrics()
	observer := opts.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	d := &Device{
		state:     StateConstructing,
		main:      main,
		spare:     spare,
		ownsMain:  ownsMain,
		ownsSpare: ownsSpare,
		metrics:   metrics,
		observer:  observer,
		logger:    opts.Logger,
		params:    params,
	}

	// UUIDs identify this attach for the on-disk record's informational
	// fields only; they are not part of recovery's conflict-resolution
	// rule (sequence number alone decides), so regenerating them fresh
	// on every construct is harmless.
	mainUUID, spareUUID := uuid.New().String(), uuid.New().String()
	d.metaEngine = meta.New(spare, mainUUID, spareUUID, d.logger)

	idx, seq, stale, recoverErr := d.metaEngine.Recover(ctx)
	if recoverErr != nil {
		// spec.md §4.5: an empty valid set means a freshly initialized
		// device, not a construction failure.
		d.logf("no valid metadata copy found, starting fresh: %v", recoverErr)
		idx = remap.New()
	} else {
		d.logf("recovered %d remap entries at sequence %d", idx.Len(), seq)
		if len(stale) > 0 {
			go d.repairStaleCopies(context.Background(), stale)
		}
	}
	idx.SetObserver(observer)
	d.index = idx

	// Each metadata copy is a FrameSize frame spanning several sectors;
	// reserve every sector of it, not just its starting sector.
	reserved := make([]uint64, 0, len(constants.MetaSectors)*constants.FrameSize/constants.SectorSize)
	for _, s := range constants.MetaSectors {
		for i := uint64(0); i < constants.FrameSize/constants.SectorSize; i++ {
			reserved = append(reserved, s+i)
		}
	}
	d.allocator = alloc.New(spare.SectorCount(), reserved)
	d.dispatcher = dispatch.New(main, spare, idx, observer, params.ErrorThreshold, d.installRemap)

	d.state = StateActive
	return d, nil
}

func openDevice(path string, explicit interfaces.SectorDevice) (interfaces.SectorDevice, bool, error) {
	if explicit != nil {
		return explicit, false, nil
	}
	dev, err := backend.OpenFileDevice(path)
	if err != nil {
		return nil, false, err
	}
	return dev, true, nil
}

func (d *Device) logf(format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Infof(format, args...)
	}
}

// repairStaleCopies rewrites every metadata copy metaEngine.Recover flagged as
// stale or corrupt with the winning record, per spec.md §4.5. Runs on its
// own goroutine so Construct never blocks on repair I/O.
func (d *Device) repairStaleCopies(ctx context.Context, copies []int) {
	entries := d.index.Snapshot()
	now := uint64(time.Now().Unix())
	for _, idx := range copies {
		if err := d.metaEngine.RepairCopy(ctx, idx, entries, d.main.SectorCount(), d.spare.SectorCount(), now); err != nil {
			d.logf("repair of metadata copy %d failed: %v", idx, err)
		}
	}
}

// installRemap is the dispatch.RemapInstaller wired into the dispatcher:
// it allocates a spare sector, inserts the remap, and enqueues a metadata
// write group — all off the completion path per spec.md §4.7/§4.8's "end_io
// does not call into C5 synchronously for persistence" rule.
func (d *Device) installRemap(ctx context.Context, logical uint64) {
	ssec, err := d.allocator.Allocate()
	if err != nil {
		d.logf("spare pool exhausted installing remap for sector %d: %v", logical, err)
		if d.observer != nil {
			d.observer.ObserveAllocExhausted()
		}
		return
	}

	now := uint64(time.Now().Unix())
	d.index.Insert(logical, ssec, now)
	if d.observer != nil {
		d.observer.ObserveRemapInstalled()
	}

	entries := d.index.Snapshot()
	if err := d.metaEngine.Persist(ctx, entries, d.main.SectorCount(), d.spare.SectorCount(), now); err != nil {
		// spec.md §4.5: AllCopiesFailed leaves the remap active in memory
		// but unpersisted; the next installRemap call (next bad sector)
		// re-attempts a full write group since Persist always submits the
		// current snapshot, which still contains this entry.
		d.logf("metadata persist failed for sector %d: %v", logical, err)
		if d.observer != nil {
			d.observer.ObservePersistenceFailure()
		}
	}
}

// State returns the device's current lifecycle state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Map performs one bio end to end: the routing decision, the underlying
// device I/O, and the completion-time remap-installation policy —
// spec.md §4.7's map/end_io pair collapsed into one synchronous call
// because this module has no kernel-style async submission boundary to
// split them across (the spec itself allows this: "the host integration
// shall translate these to its platform conventions; the spec is about
// semantics, not codes").
func (d *Device) Map(ctx context.Context, bio *Bio) (MapResult, error) {
	if atomic.LoadInt32(&d.shutdown) != 0 {
		return MapResult{}, ErrDeviceClosed
	}

	n := atomic.AddInt64(&d.inFlight, 1)
	if d.observer != nil {
		d.observer.ObserveInFlight(n)
	}
	defer func() {
		n := atomic.AddInt64(&d.inFlight, -1)
		if d.observer != nil {
			d.observer.ObserveInFlight(n)
		}
	}()

	target, physical := d.dispatcher.Map(bio.Sector)
	mr := MapResult{Target: Target(target), PhysicalSector: physical}

	dir := dispatch.DirRead
	if bio.Dir == DirWrite {
		dir = dispatch.DirWrite
	}
	err := d.dispatcher.Do(ctx, bio.Sector, bio.Len, dir, bio.Buffer)
	return mr, err
}

// Presuspend drives Active->PreSuspending: it rejects new Map calls with
// ErrDeviceClosed and cancels any in-flight metadata write, so Postsuspend
// never blocks on a write the dispatcher can no longer feed. It does not
// wait for in_flight to drain — spec.md §4.8 leaves that to Postsuspend.
func (d *Device) Presuspend() error {
	d.mu.Lock()
	if d.state != StateActive {
		d.mu.Unlock()
		return NewError("presuspend", CodeInvalidState, "device is not active", nil)
	}
	d.state = StatePreSuspending
	d.mu.Unlock()

	atomic.StoreInt32(&d.shutdown, 1)
	d.metaEngine.Cancel()
	return nil
}

// Postsuspend drives PreSuspending->Suspended: it waits, bounded by
// DrainTimeout, for in_flight to reach zero. On timeout it logs a warning
// and proceeds rather than hanging forever — spec.md §5's "drain
// discipline" explicitly chooses a bounded wait over an indefinite one.
func (d *Device) Postsuspend() error {
	d.mu.Lock()
	if d.state != StatePreSuspending {
		d.mu.Unlock()
		return NewError("postsuspend", CodeInvalidState, "device is not presuspending", nil)
	}
	d.mu.Unlock()

	deadline := time.Now().Add(d.params.DrainTimeout)
	for atomic.LoadInt64(&d.inFlight) > 0 {
		if time.Now().After(deadline) {
			d.logf("timed out after %s waiting for %d in-flight requests to drain", d.params.DrainTimeout, atomic.LoadInt64(&d.inFlight))
			break
		}
		time.Sleep(time.Millisecond)
	}

	d.mu.Lock()
	d.state = StateSuspended
	d.mu.Unlock()
	return nil
}

// Destruct drives Suspended->Destroyed: it closes the writer (idempotent,
// the cancel from Presuspend already quiesced it) and releases any device
// handle this Device itself opened. Handles supplied via Options are left
// for the caller to close.
func (d *Device) Destruct() error {
	d.mu.Lock()
	if d.state != StateSuspended {
		d.mu.Unlock()
		return NewError("destruct", CodeInvalidState, "device is not suspended", nil)
	}
	d.state = StateDestroyed
	d.mu.Unlock()

	d.metaEngine.Cancel()

	if d.ownsMain {
		d.main.Close()
	}
	if d.ownsSpare {
		d.spare.Close()
	}
	return nil
}

// StatusSnapshot is the read-only view spec.md §6's status(handle)
// returns: lifecycle state, remap-table shape, allocator headroom, and
// the full statistics snapshot.
type StatusSnapshot struct {
	State             State
	RemapCount        int
	BucketCount       int
	AllocatorInUse    int
	AllocatorCapacity uint64
	Metrics           MetricsSnapshot
}

// Status returns a point-in-time snapshot of the device's health and
// statistics. Formatting it for a human is explicitly out of scope
// (spec.md §1 Non-goals); String() below exists only as a debug/logging
// convenience, the same thin treatment the teacher's DeviceInfo gets.
func (d *Device) Status() StatusSnapshot {
	return StatusSnapshot{
		State:             d.State(),
		RemapCount:        d.index.Len(),
		BucketCount:       d.index.BucketCount(),
		AllocatorInUse:    d.allocator.InUse(),
		AllocatorCapacity: d.allocator.Capacity(),
		Metrics:           d.metrics.Snapshot(),
	}
}

func (s StatusSnapshot) String() string {
	return "dmremap: state=" + s.State.String()
}

// InFlight returns the current number of bios inside Map: counted when
// Map starts its I/O and released when Map returns.
func (d *Device) InFlight() int64 {
	return atomic.LoadInt64(&d.inFlight)
}

// Metrics returns the device's built-in atomic counters.
func (d *Device) Metrics() *Metrics {
	return d.metrics
}
