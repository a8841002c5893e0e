package debouncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Guizzs26/go-localsync/pkg/metrics"
)

// DefaultWindow is the quiet period used when none is configured
const DefaultWindow = 250 * time.Millisecond

var ErrClosed = errors.New("debouncer closed")

// TransferFunc starts one transfer. It is the transfer engine's drain
type TransferFunc func(ctx context.Context) error

// Debouncer collapses bursts of transfer requests into a single call fired
// one window after the last request. It only affects latency: the outbox
// records are already durable when a request is made
type Debouncer struct {
	window   time.Duration
	transfer TransferFunc
	logger   *slog.Logger

	mu     sync.Mutex
	timer  *time.Timer
	gen    uint64
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(window time.Duration, transfer TransferFunc, logger *slog.Logger) *Debouncer {
	if window <= 0 {
		window = DefaultWindow
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Debouncer{
		window:   window,
		transfer: transfer,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RequestTransfer cancels any pending timer and schedules a new one
func (d *Debouncer) RequestTransfer() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.window, func() { d.fire(gen) })
}

// FlushNow cancels the pending timer and runs the transfer on the caller's
// goroutine, returning its error
func (d *Debouncer) FlushNow(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.stopLocked()
	d.mu.Unlock()

	metrics.DebounceFlushes.WithLabelValues("flush").Inc()
	return d.transfer(ctx)
}

// Pending reports whether a timer is scheduled
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Close cancels the pending timer and waits for a timer-started transfer to return
func (d *Debouncer) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.stopLocked()
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}

func (d *Debouncer) stopLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	// Invalidate callbacks that already fired but have not taken the lock yet
	d.gen++
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if d.closed || gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.wg.Add(1)
	d.mu.Unlock()
	defer d.wg.Done()

	metrics.DebounceFlushes.WithLabelValues("timer").Inc()
	if err := d.transfer(d.ctx); err != nil {
		d.logger.Warn("Debounced transfer failed, outbox kept for retry", "error", err)
	}
}
