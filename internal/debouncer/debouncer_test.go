package debouncer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBurstCollapsesIntoOneTransfer(t *testing.T) {
	var calls atomic.Int32
	d := New(50*time.Millisecond, func(context.Context) error {
		calls.Add(1)
		return nil
	}, discardLogger())
	defer d.Close()

	for range 50 {
		d.RequestTransfer()
	}
	assert.True(t, d.Pending())

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// No second call sneaks in after the window
	time.Sleep(150 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
	assert.False(t, d.Pending())
}

func TestTimerFiresAfterLastRequest(t *testing.T) {
	fired := make(chan time.Time, 1)
	d := New(80*time.Millisecond, func(context.Context) error {
		fired <- time.Now()
		return nil
	}, discardLogger())
	defer d.Close()

	d.RequestTransfer()
	time.Sleep(40 * time.Millisecond)
	last := time.Now()
	d.RequestTransfer()

	select {
	case at := <-fired:
		assert.GreaterOrEqual(t, at.Sub(last), 80*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("transfer never fired")
	}
}

func TestFlushNowMidBurst(t *testing.T) {
	var calls atomic.Int32
	d := New(time.Hour, func(context.Context) error {
		calls.Add(1)
		return nil
	}, discardLogger())
	defer d.Close()

	for range 10 {
		d.RequestTransfer()
	}
	require.NoError(t, d.FlushNow(context.Background()))

	assert.EqualValues(t, 1, calls.Load())
	assert.False(t, d.Pending())
}

func TestFlushNowReturnsTransferError(t *testing.T) {
	boom := errors.New("upload failed")
	d := New(time.Hour, func(context.Context) error { return boom }, discardLogger())
	defer d.Close()

	assert.ErrorIs(t, d.FlushNow(context.Background()), boom)
}

func TestCloseCancelsPendingTimer(t *testing.T) {
	var calls atomic.Int32
	d := New(30*time.Millisecond, func(context.Context) error {
		calls.Add(1)
		return nil
	}, discardLogger())

	d.RequestTransfer()
	d.Close()
	time.Sleep(100 * time.Millisecond)

	assert.Zero(t, calls.Load())
	assert.ErrorIs(t, d.FlushNow(context.Background()), ErrClosed)

	// Requests after close are ignored
	d.RequestTransfer()
	assert.False(t, d.Pending())
}
