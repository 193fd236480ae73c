package session

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultHeartbeatInterval is used until the server suggests another one.
const DefaultHeartbeatInterval = 30 * time.Second

// TickFunc performs one heartbeat. A true ok with a positive next asks the
// scheduler to continue at that interval.
type TickFunc func(ctx context.Context) (next time.Duration, ok bool)

// HeartbeatScheduler runs TickFunc periodically with at most one armed
// timer. Start and Stop may be called from any goroutine, including from
// inside a tick.
type HeartbeatScheduler struct {
	clock clock.Clock
	tick  TickFunc

	mu       sync.Mutex
	cancel   context.CancelFunc
	interval time.Duration
	ticks    int
}

// NewHeartbeatScheduler returns a stopped scheduler. A nil clock means wall
// time.
func NewHeartbeatScheduler(clk clock.Clock, tick TickFunc) *HeartbeatScheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &HeartbeatScheduler{clock: clk, tick: tick}
}

// Start stops any previous run and ticks every interval until ctx ends or
// Stop is called. With immediate the first tick happens right away. An
// already cancelled ctx leaves the scheduler stopped.
func (h *HeartbeatScheduler) Start(ctx context.Context, interval time.Duration, immediate bool) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.interval = interval
	ticker := h.clock.Ticker(interval)
	go h.loop(ctx, ticker, immediate)
}

// Stop ends the current run. It does not wait for a tick in progress.
func (h *HeartbeatScheduler) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// Running reports whether a run is active.
func (h *HeartbeatScheduler) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancel != nil
}

// Interval returns the interval of the current run.
func (h *HeartbeatScheduler) Interval() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interval
}

// Ticks returns how many ticks ran in total.
func (h *HeartbeatScheduler) Ticks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ticks
}

func (h *HeartbeatScheduler) loop(ctx context.Context, ticker *clock.Ticker, immediate bool) {
	defer ticker.Stop()
	if immediate {
		h.fire(ctx, ticker)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.fire(ctx, ticker)
		}
	}
}

func (h *HeartbeatScheduler) fire(ctx context.Context, ticker *clock.Ticker) {
	if ctx.Err() != nil {
		return
	}
	h.mu.Lock()
	h.ticks++
	h.mu.Unlock()

	next, ok := h.tick(ctx)
	if !ok || next <= 0 {
		return
	}

	// ctx is cancelled under mu, so a run replaced meanwhile is seen here.
	h.mu.Lock()
	defer h.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	ticker.Reset(next)
	h.interval = next
}
