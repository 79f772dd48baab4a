package meta

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitWaitSuccess(t *testing.T) {
	w := NewAsyncWriter()
	require.NoError(t, w.Submit(context.Background(), func(ctx context.Context) error {
		return nil
	}))
	assert.NoError(t, w.Wait(context.Background()))
}

func TestSubmitWaitPropagatesError(t *testing.T) {
	w := NewAsyncWriter()
	wantErr := errors.New("disk full")
	require.NoError(t, w.Submit(context.Background(), func(ctx context.Context) error {
		return wantErr
	}))
	assert.Equal(t, wantErr, w.Wait(context.Background()))
}

func TestSubmitWhileBusyReturnsErrWriteInFlight(t *testing.T) {
	w := NewAsyncWriter()
	release := make(chan struct{})
	require.NoError(t, w.Submit(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	}))

	err := w.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrWriteInFlight)

	close(release)
	require.NoError(t, w.Wait(context.Background()))
}

func TestWaitWithNothingInFlightReturnsNil(t *testing.T) {
	w := NewAsyncWriter()
	assert.NoError(t, w.Wait(context.Background()))
}

func TestCancelDoesNotWaitForRealCompletion(t *testing.T) {
	w := NewAsyncWriter()
	release := make(chan struct{})
	var fired int32

	require.NoError(t, w.Submit(context.Background(), func(ctx context.Context) error {
		<-release
		atomic.StoreInt32(&fired, 1)
		return nil
	}))

	done := make(chan struct{})
	go func() {
		w.Cancel()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel waited for the real write function to return")
	}
	assert.False(t, w.Busy())
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
	close(release)
}

func TestCancelWithNothingInFlightIsNoOp(t *testing.T) {
	w := NewAsyncWriter()
	w.Cancel() // must not block or panic
	assert.False(t, w.Busy())
}

func TestCancelNeverDeadlocksConcurrentWithCompletion(t *testing.T) {
	w := NewAsyncWriter()
	require.NoError(t, w.Submit(context.Background(), func(ctx context.Context) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	}))

	done := make(chan struct{})
	go func() {
		w.Cancel()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel deadlocked")
	}
}
