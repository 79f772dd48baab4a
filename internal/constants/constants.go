// Package constants holds the numeric contract shared by every layer of
// the remap engine: on-disk format fields, resize thresholds, and the
// timing knobs the lifecycle controller uses to bound its drain waits.
package constants

import "time"

// On-disk record layout (spec.md §3). Bit-exact; do not change without
// bumping FormatVersion and teaching the codec about the old layout.
const (
	// RecordMagic is "DMR4" read as a little-endian u32.
	RecordMagic uint32 = 0x444D5234

	// FormatVersion is the on-disk format version this codec emits and
	// requires on decode.
	FormatVersion uint32 = 4

	// FrameSize is the fixed size of one metadata frame in bytes.
	FrameSize = 4096

	// Byte offsets within a frame. FrameIndex/FrameCount support the
	// multi-frame continuation extension for write groups whose entry
	// count exceeds MaxEntriesPerFrame; a single-frame group always has
	// FrameIndex=0, FrameCount=1.
	OffsetMagic        = 0
	OffsetVersion      = 4
	OffsetSequence     = 8
	OffsetCopyIndex    = 16
	OffsetFrameIndex   = 20
	OffsetFrameCount   = 24
	OffsetTimestamp    = 28
	OffsetEntryCount   = 36
	OffsetMainUUID     = 40
	OffsetSpareUUID    = 77
	OffsetMainSectors  = 114
	OffsetSpareSectors = 122
	OffsetEntries      = 130
	OffsetCRC          = FrameSize - 4

	// UUIDFieldSize is 36 printable characters plus a NUL terminator.
	UUIDFieldSize = 37

	// OnDiskEntrySize is the packed size of one remap entry on disk:
	// logical(8) + spare(8) + created(8) + flags(4) + reserved(4).
	OnDiskEntrySize = 32

	// MaxEntriesPerFrame bounds N so header+entries+trailer fit in one
	// frame: floor((4096-130-4)/32) = 123, but the format pins the
	// practical bound at 63 to leave headroom for the continuation
	// extension's own bookkeeping; see internal/codec.
	MaxEntriesPerFrame = 63
)

// MetaSectors are the five fixed spare-device sector positions that hold
// the redundant metadata copies. Never change their count or values; the
// five-copy design is load-bearing (spec.md §9).
var MetaSectors = [5]uint64{0, 1024, 2048, 4096, 8192}

// Remap index tuning (spec.md §4.3, §6).
const (
	MinBuckets            = 64
	LoadFactorGrowPercent = 150
	LoadFactorShrinkPercent = 50
	GrowthMultiplier      = 2
	MaxEntries            = 1<<32 - 1
)

// SectorSize is the fixed logical sector size in bytes used throughout
// the engine (spec.md §3: LSec/SSec are 512-byte units).
const SectorSize = 512

// Lifecycle and async-writer timing defaults.
const (
	// DefaultDrainTimeout bounds how long PreSuspending->Suspended waits
	// for in_flight to reach zero before proceeding with a logged
	// warning (spec.md §4.8, §5).
	DefaultDrainTimeout = 5 * time.Second

	// DefaultWriteTimeout is the default for DeviceParams.WriteTimeout,
	// which no metadata write path reads; AsyncWriter.Wait is bounded
	// only by its context.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultRemapErrorThreshold is the number of consecutive MediaErrors
	// on a logical sector required before a remap is installed. spec.md
	// treats 1 as sufficient (§9 open question); this is the default,
	// not a hardcoded requirement.
	DefaultRemapErrorThreshold = 1
)
