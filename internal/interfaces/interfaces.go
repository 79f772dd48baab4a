// Package interfaces defines the small seams the rest of the module
// programs against: the sector I/O port, logging, and observability.
// Keeping them here (rather than in the root package) lets internal
// packages depend on the contracts without importing the root package
// and creating an import cycle.
package interfaces

import "context"

// SectorDevice is the synchronous sector I/O port (spec.md C1). Offsets
// are in 512-byte sectors, not bytes; the transfer length is len(buf)
// bytes.
type SectorDevice interface {
	ReadAt(ctx context.Context, sector uint64, buf []byte) error
	WriteAt(ctx context.Context, sector uint64, buf []byte) error
	SectorCount() uint64
	Close() error
}

// WriteCompletion is invoked exactly once when an asynchronous write
// finishes, successfully or not.
type WriteCompletion func(err error)

// AsyncSectorDevice is the optional asynchronous extension to
// SectorDevice used by the metadata engine's single-outstanding writer
// (spec.md C6). A device that does not implement it is driven
// synchronously from a helper goroutine instead.
type AsyncSectorDevice interface {
	SectorDevice
	SubmitWrite(ctx context.Context, sector uint64, buf []byte, done WriteCompletion)
}

// Logger is the leveled logging seam every component that can log
// accepts. A nil Logger means silence.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Observer receives point events for C9 statistics. Implementations
// must not block the calling I/O path.
type Observer interface {
	ObserveRead(bytes int, latencyNs int64, err error)
	ObserveWrite(bytes int, latencyNs int64, err error)
	ObserveRemapInstalled()
	ObserveResize(oldBuckets, newBuckets int)
	ObserveInFlight(count int64)
	ObservePersistenceFailure()
	ObserveAllocExhausted()
}
