package meta

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmremap/go-dmremap/internal/codec"
	"github.com/dmremap/go-dmremap/internal/constants"
	"github.com/dmremap/go-dmremap/internal/interfaces"
	"github.com/dmremap/go-dmremap/internal/remap"
)

const sectorsPerFrame = constants.FrameSize / constants.SectorSize

// ErrAllCopiesFailed is returned by Persist when every one of the five
// metadata copies failed to write. spec.md §4.5: the caller keeps the
// remap active in memory (flagged PENDING_PERSIST) and retries on the
// next write-triggering event.
var ErrAllCopiesFailed = errors.New("meta: all metadata copies failed to write")

// copyResult is one metadata copy's recovery outcome.
type copyResult struct {
	index int
	frame *codec.Frame
	err   error
}

// Engine owns the five redundant on-disk metadata copies on the spare
// device: recovering the most recent consistent state at startup and
// persisting new state across all five copies, repairing any that were
// stale or corrupt. Grounded on spec.md §4.5/§4.6 and the teacher's
// single-outstanding per-tag write discipline (internal/meta.AsyncWriter).
type Engine struct {
	spare     interfaces.SectorDevice
	mainUUID  string
	spareUUID string
	logger    interfaces.Logger
	writer    *AsyncWriter
	sequence  uint64
}

// New creates a metadata engine over the given spare device.
func New(spare interfaces.SectorDevice, mainUUID, spareUUID string, logger interfaces.Logger) *Engine {
	return &Engine{
		spare:     spare,
		mainUUID:  mainUUID,
		spareUUID: spareUUID,
		logger:    logger,
		writer:    NewAsyncWriter(),
	}
}

func (e *Engine) logf(format string, args ...interface{}) {
	if e.logger != nil {
		e.logger.Warnf(format, args...)
	}
}

// readFrameGroup reads the frame(s) for one copy starting at startSector,
// consulting the first frame's FrameCount to know how many more to read.
func (e *Engine) readFrameGroup(ctx context.Context, startSector uint64) (*codec.Frame, error) {
	first := make([]byte, constants.FrameSize)
	if err := e.spare.ReadAt(ctx, startSector, first); err != nil {
		return nil, err
	}

	// Decode the first frame to learn FrameCount; a corrupt header is
	// reported through Decode's normal error.
	decoded, err := codec.Decode(first)
	if err != nil {
		return nil, err
	}
	if decoded.FrameCount <= 1 {
		return decoded, nil
	}

	bufs := make([][]byte, decoded.FrameCount)
	bufs[0] = first
	for i := 1; i < int(decoded.FrameCount); i++ {
		buf := make([]byte, constants.FrameSize)
		sector := startSector + uint64(i)*sectorsPerFrame
		if err := e.spare.ReadAt(ctx, sector, buf); err != nil {
			return nil, err
		}
		bufs[i] = buf
	}
	return codec.DecodeGroup(bufs)
}

// Recover reads all five metadata copies and returns a remap.Index built
// from the copy with the highest sequence number among those that
// decode successfully ("max-sequence-wins"). It also returns the
// winning sequence number and the set of copy indices that are stale or
// corrupt and need repair.
func (e *Engine) Recover(ctx context.Context) (*remap.Index, uint64, []int, error) {
	results := make([]copyResult, len(constants.MetaSectors))
	for i, sector := range constants.MetaSectors {
		frame, err := e.readFrameGroup(ctx, sector)
		results[i] = copyResult{index: i, frame: frame, err: err}
	}

	best := -1
	for i, r := range results {
		if r.err != nil {
			continue
		}
		if best == -1 || r.frame.Sequence > results[best].frame.Sequence {
			best = i
		}
	}

	if best == -1 {
		return nil, 0, nil, fmt.Errorf("meta: no valid metadata copy found among %d", len(constants.MetaSectors))
	}

	winner := results[best].frame
	idx := remap.New()
	for _, ent := range winner.Entries {
		if ent.Flags&codec.EntryFlagValid == 0 {
			continue
		}
		idx.Insert(ent.LogicalSector, ent.SpareSector, ent.CreatedUnix)
	}

	var stale []int
	for i, r := range results {
		if r.err != nil || r.frame.Sequence != winner.Sequence {
			stale = append(stale, i)
			if r.err != nil {
				e.logf("metadata copy %d unreadable: %v", i, r.err)
			} else {
				e.logf("metadata copy %d stale: sequence %d < %d", i, r.frame.Sequence, winner.Sequence)
			}
		}
	}

	e.sequence = winner.Sequence
	return idx, winner.Sequence, stale, nil
}

// Persist encodes entries as a new write group with the next sequence
// number and writes it to every one of the five copies, via the async
// writer, one copy at a time. spec.md §4.5: atomicity across the five
// writes is not required, and a write group is committed once at least
// one copy succeeds — so every copy is attempted unconditionally, and
// Persist reports ErrAllCopiesFailed only when none of the five landed.
func (e *Engine) Persist(ctx context.Context, entries []remap.Entry, mainSectors, spareSectors uint64, timestampUnix uint64) error {
	e.sequence++
	seq := e.sequence

	codecEntries := make([]codec.Entry, len(entries))
	for i, ent := range entries {
		codecEntries[i] = codec.Entry{
			LogicalSector: ent.Logical,
			SpareSector:   ent.Spare,
			CreatedUnix:   ent.CreatedUnix,
			Flags:         codec.EntryFlagValid,
		}
	}

	failures := 0
	for copyIdx, startSector := range constants.MetaSectors {
		frames, err := codec.EncodeGroup(seq, uint32(copyIdx), e.mainUUID, e.spareUUID, mainSectors, spareSectors, timestampUnix, codecEntries)
		if err != nil {
			failures++
			e.logf("metadata copy %d encode failed: %v", copyIdx, err)
			continue
		}
		if err := e.writeGroup(ctx, startSector, frames); err != nil {
			failures++
			e.logf("metadata copy %d write failed: %v", copyIdx, err)
		}
	}
	if failures == len(constants.MetaSectors) {
		return ErrAllCopiesFailed
	}
	return nil
}

// writeGroup submits the frame chain through the async writer and waits
// for it to complete before returning — Persist itself stays
// synchronous from the caller's point of view; AsyncWriter exists so a
// Presuspend can Cancel a write that has not yet been waited on.
func (e *Engine) writeGroup(ctx context.Context, startSector uint64, frames [][]byte) error {
	err := e.writer.Submit(ctx, func(wctx context.Context) error {
		return e.writeFrames(wctx, startSector, frames)
	})
	if err != nil {
		return err
	}
	return e.writer.Wait(ctx)
}

// writeFrames writes a frame chain starting at startSector. When the
// spare device implements interfaces.AsyncSectorDevice (spec.md §4.1's
// async variant, built "for the metadata write path"), each frame is
// submitted via SubmitWrite and its completion awaited rather than
// calling the synchronous WriteAt directly; devices that don't
// implement it fall back to plain synchronous writes.
func (e *Engine) writeFrames(ctx context.Context, startSector uint64, frames [][]byte) error {
	async, ok := e.spare.(interfaces.AsyncSectorDevice)
	if !ok {
		for i, buf := range frames {
			sector := startSector + uint64(i)*sectorsPerFrame
			if err := e.spare.WriteAt(ctx, sector, buf); err != nil {
				return err
			}
		}
		return nil
	}

	for i, buf := range frames {
		sector := startSector + uint64(i)*sectorsPerFrame
		result := make(chan error, 1)
		async.SubmitWrite(ctx, sector, buf, func(err error) { result <- err })
		select {
		case err := <-result:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Cancel cancels any in-flight write, for use during lifecycle teardown.
func (e *Engine) Cancel() {
	e.writer.Cancel()
}

// RepairCopy rewrites a single stale or corrupt copy index with the
// current entries, used by background lazy repair.
func (e *Engine) RepairCopy(ctx context.Context, copyIdx int, entries []remap.Entry, mainSectors, spareSectors uint64, timestampUnix uint64) error {
	if copyIdx < 0 || copyIdx >= len(constants.MetaSectors) {
		return fmt.Errorf("meta: copy index %d out of range", copyIdx)
	}

	codecEntries := make([]codec.Entry, len(entries))
	for i, ent := range entries {
		codecEntries[i] = codec.Entry{
			LogicalSector: ent.Logical,
			SpareSector:   ent.Spare,
			CreatedUnix:   ent.CreatedUnix,
			Flags:         codec.EntryFlagValid,
		}
	}

	frames, err := codec.EncodeGroup(e.sequence, uint32(copyIdx), e.mainUUID, e.spareUUID, mainSectors, spareSectors, timestampUnix, codecEntries)
	if err != nil {
		return err
	}
	return e.writeGroup(ctx, constants.MetaSectors[copyIdx], frames)
}
