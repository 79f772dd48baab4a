// Package backend provides concrete SectorDevice implementations.
package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/dmremap/go-dmremap/internal/constants"
	"github.com/dmremap/go-dmremap/internal/interfaces"
)

// ShardSize is the byte span covered by one lock in Memory's shard
// array. 64KB gives good parallelism for sector-sized I/O while
// keeping lock overhead reasonable, the same tradeoff the teacher's
// in-memory backend made for 4K-aligned ublk I/O.
const ShardSize = 64 * 1024

// Memory is a RAM-backed SectorDevice, adapted from the teacher's
// sharded in-memory Backend but addressed in sectors rather than
// bytes. It supports fault injection so tests can exercise the lazy
// remap-installation path without a real failing disk.
type Memory struct {
	mu      sync.Mutex // guards faults map only; data access uses shards
	data    []byte
	sectors uint64
	shards  []sync.RWMutex
	faults  map[uint64]int // sector -> remaining injected-failure count
}

// NewMemory creates an in-memory SectorDevice of the given sector
// count.
func NewMemory(sectorCount uint64) *Memory {
	size := sectorCount * constants.SectorSize
	numShards := (size + ShardSize - 1) / ShardSize
	if numShards == 0 {
		numShards = 1
	}
	return &Memory{
		data:    make([]byte, size),
		sectors: sectorCount,
		shards:  make([]sync.RWMutex, numShards),
		faults:  make(map[uint64]int),
	}
}

func (m *Memory) shardRange(byteOff, byteLen uint64) (start, end int) {
	start = int(byteOff / ShardSize)
	end = int((byteOff + byteLen - 1) / ShardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

// FailSectorOnce arranges for the next read or write touching sector to
// fail with ErrMediaError, then succeed normally afterward.
func (m *Memory) FailSectorOnce(sector uint64) {
	m.FailSectorNTimes(sector, 1)
}

// FailSectorNTimes arranges for the next n operations touching sector
// to fail with a media error.
func (m *Memory) FailSectorNTimes(sector uint64, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[sector] = n
}

// checkFault consumes one injected failure for sector, if any remain.
func (m *Memory) checkFault(sector uint64, count int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	failed := false
	for s := sector; s < sector+uint64(count); s++ {
		if m.faults[s] > 0 {
			m.faults[s]--
			failed = true
		}
	}
	return failed
}

func (m *Memory) byteRange(sector uint64, buf []byte) (uint64, uint64, error) {
	n := uint64(len(buf))
	sectors := (n + constants.SectorSize - 1) / constants.SectorSize
	if sector+sectors > m.sectors {
		return 0, 0, fmt.Errorf("range [%d,%d) exceeds device sector count %d", sector, sector+sectors, m.sectors)
	}
	return sector * constants.SectorSize, n, nil
}

// ReadAt implements interfaces.SectorDevice.
func (m *Memory) ReadAt(ctx context.Context, sector uint64, buf []byte) error {
	n := uint64(len(buf))
	sectors := (n + constants.SectorSize - 1) / constants.SectorSize
	if m.checkFault(sector, int(sectors)) {
		return fmt.Errorf("backend: sector %d: %w", sector, ErrMediaError)
	}

	byteOff, byteLen, err := m.byteRange(sector, buf)
	if err != nil {
		return err
	}

	start, end := m.shardRange(byteOff, byteLen)
	for i := start; i <= end; i++ {
		m.shards[i].RLock()
	}
	copy(buf, m.data[byteOff:byteOff+byteLen])
	for i := start; i <= end; i++ {
		m.shards[i].RUnlock()
	}
	return nil
}

// WriteAt implements interfaces.SectorDevice.
func (m *Memory) WriteAt(ctx context.Context, sector uint64, buf []byte) error {
	n := uint64(len(buf))
	sectors := (n + constants.SectorSize - 1) / constants.SectorSize
	if m.checkFault(sector, int(sectors)) {
		return fmt.Errorf("backend: sector %d: %w", sector, ErrMediaError)
	}

	byteOff, byteLen, err := m.byteRange(sector, buf)
	if err != nil {
		return err
	}

	start, end := m.shardRange(byteOff, byteLen)
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}
	copy(m.data[byteOff:byteOff+byteLen], buf)
	for i := start; i <= end; i++ {
		m.shards[i].Unlock()
	}
	return nil
}

// SectorCount implements interfaces.SectorDevice.
func (m *Memory) SectorCount() uint64 {
	return m.sectors
}

// Close implements interfaces.SectorDevice.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	return nil
}

// SubmitWrite implements interfaces.AsyncSectorDevice by running the
// write on its own goroutine and invoking done exactly once, mirroring
// the teacher's single-completion-per-tag discipline.
func (m *Memory) SubmitWrite(ctx context.Context, sector uint64, buf []byte, done interfaces.WriteCompletion) {
	go func() {
		done(m.WriteAt(ctx, sector, buf))
	}()
}

var (
	_ interfaces.SectorDevice      = (*Memory)(nil)
	_ interfaces.AsyncSectorDevice = (*Memory)(nil)
)
