// Package meta implements the persistent metadata engine (spec.md C5)
// and its single-outstanding, cancellable async writer (C6).
package meta

import (
	"context"
	"errors"
	"sync"
)

// ErrWriteInFlight is returned by Submit when a previous write has not
// yet completed — the writer allows only one outstanding write at a
// time, the same single-outstanding-request discipline the teacher's
// per-tag state machine enforces for FETCH/COMMIT.
var ErrWriteInFlight = errors.New("meta: write already in flight")

type writeState int

const (
	stateIdle writeState = iota
	stateInFlight
)

// AsyncWriter runs at most one write function at a time, delivering its
// result through a single idempotent completion. The completion can be
// fired by either the write function itself returning or by Cancel —
// whichever happens first wins, and the other is a no-op. This is the
// rendezvous spec.md §4.6 requires: Cancel must wake a waiter (including
// the writer's own internal wait) without depending on the underlying
// I/O ever actually finishing, since a real device write may ignore its
// context entirely and hang.
type AsyncWriter struct {
	mu        sync.Mutex
	state     writeState
	cancelFn  context.CancelFunc
	signal    chan struct{}
	fire      func(error)
	err       error
	cancelled bool
}

// NewAsyncWriter returns an idle AsyncWriter.
func NewAsyncWriter() *AsyncWriter {
	return &AsyncWriter{}
}

// Submit starts fn on its own goroutine under a context derived from
// ctx, cancellable independently via Cancel. It returns ErrWriteInFlight
// if a previous write has not yet been collected with Wait or Cancel.
func (w *AsyncWriter) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	w.mu.Lock()
	if w.state == stateInFlight {
		w.mu.Unlock()
		return ErrWriteInFlight
	}

	cctx, cancel := context.WithCancel(ctx)
	signal := make(chan struct{})
	var once sync.Once
	fire := func(err error) {
		once.Do(func() {
			w.mu.Lock()
			w.err = err
			w.mu.Unlock()
			close(signal)
		})
	}

	w.cancelFn = cancel
	w.signal = signal
	w.fire = fire
	w.cancelled = false
	w.err = nil
	w.state = stateInFlight
	w.mu.Unlock()

	go func() {
		err := fn(cctx)
		fire(err)
	}()
	return nil
}

// Wait blocks until the in-flight write's completion fires — either the
// write function returned or Cancel fired it — or ctx is done. Calling
// Wait with no write in flight returns nil immediately.
func (w *AsyncWriter) Wait(ctx context.Context) error {
	w.mu.Lock()
	if w.state == stateIdle {
		w.mu.Unlock()
		return nil
	}
	signal := w.signal
	w.mu.Unlock()

	select {
	case <-signal:
		w.mu.Lock()
		err := w.err
		cancelled := w.cancelled
		w.state = stateIdle
		w.mu.Unlock()
		if cancelled {
			return context.Canceled
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel cancels the in-flight write's context and fires its completion
// itself, immediately, rather than waiting for the write function to
// actually return. A real SectorDevice.WriteAt may ignore its context
// (e.g. a raw unix.Pwrite) and block indefinitely on a stalled device;
// rendezvousing on that real completion would hang teardown exactly the
// way spec.md §9 warns against. The write function's goroutine, if still
// running, keeps running in the background and its eventual result is
// discarded — a deliberate leak, per spec.md §5, chosen over risking an
// indefinite hang. A no-op if nothing is in flight.
func (w *AsyncWriter) Cancel() {
	w.mu.Lock()
	if w.state != stateInFlight {
		w.mu.Unlock()
		return
	}
	cancelFn := w.cancelFn
	fire := w.fire
	w.cancelled = true
	w.state = stateIdle
	w.mu.Unlock()

	cancelFn()
	fire(context.Canceled)
}

// Busy reports whether a write is currently in flight.
func (w *AsyncWriter) Busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == stateInFlight
}
