// Package codec implements the on-disk metadata frame format: a fixed
// 4 KiB, CRC32-protected, sequence-numbered layout, hand-packed with
// encoding/binary at fixed byte offsets because the UUID fields make
// the record unalignable as a plain Go struct.
package codec

import (
	"encoding/binary"
	"hash/crc32"
	"strings"

	"github.com/dmremap/go-dmremap/internal/constants"
)

// Encode serializes a Frame into a freshly allocated FrameSize buffer,
// computing and writing the trailing CRC32 over everything preceding it.
func Encode(f *Frame) ([]byte, error) {
	if len(f.Entries) > constants.MaxEntriesPerFrame {
		return nil, newDecodeError(CodeBadEntryCount, "entries exceed per-frame capacity")
	}

	buf := make([]byte, constants.FrameSize)
	binary.LittleEndian.PutUint32(buf[constants.OffsetMagic:], constants.RecordMagic)
	binary.LittleEndian.PutUint32(buf[constants.OffsetVersion:], constants.FormatVersion)
	binary.LittleEndian.PutUint64(buf[constants.OffsetSequence:], f.Sequence)
	binary.LittleEndian.PutUint32(buf[constants.OffsetCopyIndex:], f.CopyIndex)
	binary.LittleEndian.PutUint32(buf[constants.OffsetFrameIndex:], f.FrameIndex)
	binary.LittleEndian.PutUint32(buf[constants.OffsetFrameCount:], f.FrameCount)
	binary.LittleEndian.PutUint64(buf[constants.OffsetTimestamp:], f.TimestampUnix)
	binary.LittleEndian.PutUint32(buf[constants.OffsetEntryCount:], uint32(len(f.Entries)))

	if err := putUUIDField(buf[constants.OffsetMainUUID:constants.OffsetMainUUID+constants.UUIDFieldSize], f.MainUUID); err != nil {
		return nil, err
	}
	if err := putUUIDField(buf[constants.OffsetSpareUUID:constants.OffsetSpareUUID+constants.UUIDFieldSize], f.SpareUUID); err != nil {
		return nil, err
	}

	binary.LittleEndian.PutUint64(buf[constants.OffsetMainSectors:], f.MainSectors)
	binary.LittleEndian.PutUint64(buf[constants.OffsetSpareSectors:], f.SpareSectors)

	off := constants.OffsetEntries
	for _, e := range f.Entries {
		binary.LittleEndian.PutUint64(buf[off:], e.LogicalSector)
		binary.LittleEndian.PutUint64(buf[off+8:], e.SpareSector)
		binary.LittleEndian.PutUint64(buf[off+16:], e.CreatedUnix)
		binary.LittleEndian.PutUint32(buf[off+24:], e.Flags)
		// bytes off+28..off+32 reserved, left zero.
		off += constants.OnDiskEntrySize
	}

	crc := crc32.ChecksumIEEE(buf[:constants.OffsetCRC])
	binary.LittleEndian.PutUint32(buf[constants.OffsetCRC:], crc)
	return buf, nil
}

// Decode parses and validates a FrameSize buffer, rejecting it with a
// *DecodeError describing exactly which check failed.
func Decode(buf []byte) (*Frame, error) {
	if len(buf) < constants.FrameSize {
		return nil, newDecodeError(CodeShortBuffer, "")
	}

	magic := binary.LittleEndian.Uint32(buf[constants.OffsetMagic:])
	if magic != constants.RecordMagic {
		return nil, newDecodeError(CodeBadMagic, "")
	}

	version := binary.LittleEndian.Uint32(buf[constants.OffsetVersion:])
	if version != constants.FormatVersion {
		return nil, newDecodeError(CodeBadVersion, "")
	}

	wantCRC := binary.LittleEndian.Uint32(buf[constants.OffsetCRC:])
	gotCRC := crc32.ChecksumIEEE(buf[:constants.OffsetCRC])
	if wantCRC != gotCRC {
		return nil, newDecodeError(CodeCRCMismatch, "")
	}

	entryCount := binary.LittleEndian.Uint32(buf[constants.OffsetEntryCount:])
	if entryCount > constants.MaxEntriesPerFrame {
		return nil, newDecodeError(CodeBadEntryCount, "")
	}

	mainUUID, err := getUUIDField(buf[constants.OffsetMainUUID : constants.OffsetMainUUID+constants.UUIDFieldSize])
	if err != nil {
		return nil, err
	}
	spareUUID, err := getUUIDField(buf[constants.OffsetSpareUUID : constants.OffsetSpareUUID+constants.UUIDFieldSize])
	if err != nil {
		return nil, err
	}

	f := &Frame{
		Sequence:      binary.LittleEndian.Uint64(buf[constants.OffsetSequence:]),
		CopyIndex:     binary.LittleEndian.Uint32(buf[constants.OffsetCopyIndex:]),
		FrameIndex:    binary.LittleEndian.Uint32(buf[constants.OffsetFrameIndex:]),
		FrameCount:    binary.LittleEndian.Uint32(buf[constants.OffsetFrameCount:]),
		TimestampUnix: binary.LittleEndian.Uint64(buf[constants.OffsetTimestamp:]),
		MainUUID:      mainUUID,
		SpareUUID:     spareUUID,
		MainSectors:   binary.LittleEndian.Uint64(buf[constants.OffsetMainSectors:]),
		SpareSectors:  binary.LittleEndian.Uint64(buf[constants.OffsetSpareSectors:]),
		Entries:       make([]Entry, entryCount),
	}

	off := constants.OffsetEntries
	for i := 0; i < int(entryCount); i++ {
		f.Entries[i] = Entry{
			LogicalSector: binary.LittleEndian.Uint64(buf[off:]),
			SpareSector:   binary.LittleEndian.Uint64(buf[off+8:]),
			CreatedUnix:   binary.LittleEndian.Uint64(buf[off+16:]),
			Flags:         binary.LittleEndian.Uint32(buf[off+24:]),
		}
		off += constants.OnDiskEntrySize
	}

	return f, nil
}

func putUUIDField(dst []byte, s string) error {
	if len(s) > constants.UUIDFieldSize-1 {
		return newDecodeError(CodeBadUUID, "uuid string too long")
	}
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, s)
	return nil
}

func getUUIDField(src []byte) (string, error) {
	nul := len(src)
	for i, b := range src {
		if b == 0 {
			nul = i
			break
		}
	}
	if nul == len(src) {
		return "", newDecodeError(CodeBadUUID, "missing NUL terminator")
	}
	return strings.TrimRight(string(src[:nul]), "\x00"), nil
}

// EncodeGroup splits entries across the minimum number of frames needed
// to hold them, sharing one sequence number across the group — the
// multi-frame continuation path for write groups exceeding
// MaxEntriesPerFrame (spec.md §3's sanctioned growth path).
func EncodeGroup(sequence uint64, copyIndex uint32, mainUUID, spareUUID string, mainSectors, spareSectors uint64, timestampUnix uint64, entries []Entry) ([][]byte, error) {
	frameCount := (len(entries) + constants.MaxEntriesPerFrame - 1) / constants.MaxEntriesPerFrame
	if frameCount == 0 {
		frameCount = 1
	}

	frames := make([][]byte, 0, frameCount)
	for i := 0; i < frameCount; i++ {
		start := i * constants.MaxEntriesPerFrame
		end := start + constants.MaxEntriesPerFrame
		if end > len(entries) {
			end = len(entries)
		}
		f := &Frame{
			Sequence:      sequence,
			CopyIndex:     copyIndex,
			FrameIndex:    uint32(i),
			FrameCount:    uint32(frameCount),
			TimestampUnix: timestampUnix,
			MainUUID:      mainUUID,
			SpareUUID:     spareUUID,
			MainSectors:   mainSectors,
			SpareSectors:  spareSectors,
			Entries:       entries[start:end],
		}
		encoded, err := Encode(f)
		if err != nil {
			return nil, err
		}
		frames = append(frames, encoded)
	}
	return frames, nil
}

// DecodeGroup decodes and concatenates a chain of continuation frames,
// verifying they share one sequence number and are presented in order.
func DecodeGroup(bufs [][]byte) (*Frame, error) {
	if len(bufs) == 0 {
		return nil, newDecodeError(CodeShortBuffer, "empty group")
	}
	first, err := Decode(bufs[0])
	if err != nil {
		return nil, err
	}
	if int(first.FrameCount) != len(bufs) {
		return nil, newDecodeError(CodeBadEntryCount, "frame count mismatch")
	}

	entries := make([]Entry, 0, len(first.Entries)*len(bufs))
	entries = append(entries, first.Entries...)

	for i := 1; i < len(bufs); i++ {
		f, err := Decode(bufs[i])
		if err != nil {
			return nil, err
		}
		if f.Sequence != first.Sequence || f.FrameIndex != uint32(i) || f.FrameCount != first.FrameCount {
			return nil, newDecodeError(CodeBadEntryCount, "continuation frame out of sequence")
		}
		entries = append(entries, f.Entries...)
	}

	first.Entries = entries
	return first, nil
}
