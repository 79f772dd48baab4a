package codec

import "github.com/dmremap/go-dmremap/internal/constants"

// Entry flags.
const (
	EntryFlagValid uint32 = 1 << 0
)

// Entry is one logical-sector-to-spare-sector remap, as it appears both
// in the in-memory index (internal/remap) and on disk.
type Entry struct {
	LogicalSector uint64
	SpareSector   uint64
	CreatedUnix   uint64
	Flags         uint32
}

// Valid reports whether the entry's EntryFlagValid bit is set. The
// metadata engine sets the bit on every entry it encodes and skips any
// decoded entry without it.
func (e Entry) Valid() bool {
	return e.Flags&EntryFlagValid != 0
}

// Frame is one decoded 4 KiB metadata frame (spec.md §3, §4.2).
type Frame struct {
	Sequence     uint64
	CopyIndex    uint32
	FrameIndex   uint32
	FrameCount   uint32
	TimestampUnix uint64
	MainUUID     string
	SpareUUID    string
	MainSectors  uint64
	SpareSectors uint64
	Entries      []Entry
}

// MaxEntriesPerFrame is re-exported for callers that only import codec.
const MaxEntriesPerFrame = constants.MaxEntriesPerFrame
