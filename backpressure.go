package metacache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// writeState is the backpressure state of a Cache.
type writeState int

const (
	writesEnabled writeState = iota
	writesAwaitingRecheck
	writesDisabled
)

func (s writeState) String() string {
	switch s {
	case writesEnabled:
		return "enabled"
	case writesAwaitingRecheck:
		return "disabled-awaiting-recheck"
	default:
		return "disabled"
	}
}

// backpressure suppresses writes after the backend runs out of space.
// With a non-negative delay, writes re-enable automatically once it elapses.
// It has its own lock so a timer firing never waits on a backend call.
type backpressure struct {
	clock  clockwork.Clock
	timer  clockwork.Timer
	log    *slog.Logger
	delay  time.Duration
	mu     sync.Mutex
	state  writeState
	gen    uint64 // invalidates timers from earlier disables
	trips  int64
	closed bool
}

func newBackpressure(clock clockwork.Clock, delay time.Duration, log *slog.Logger) *backpressure {
	return &backpressure{clock: clock, delay: delay, log: log}
}

func (b *backpressure) current() writeState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *backpressure) enabled() bool {
	return b.current() == writesEnabled
}

// disable stops writes. Disabling an already disabled cache keeps the
// existing recheck schedule.
func (b *backpressure) disable(cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != writesEnabled || b.closed {
		return
	}
	b.trips++
	b.gen++
	if b.delay < 0 {
		b.state = writesDisabled
		b.log.Warn("writes disabled until enabled manually", "error", cause)
		return
	}
	b.state = writesAwaitingRecheck
	gen := b.gen
	b.timer = b.clock.AfterFunc(b.delay, func() { b.recheck(gen) })
	b.log.Warn("writes disabled", "recheck", b.delay, "error", cause)
}

func (b *backpressure) recheck(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.gen || b.state != writesAwaitingRecheck {
		return
	}
	b.state = writesEnabled
	b.timer = nil
	b.log.Info("writes re-enabled after recheck delay")
}

// enable re-enables writes and cancels any pending recheck.
func (b *backpressure) enable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gen++
	b.stopTimer()
	if b.state != writesEnabled {
		b.log.Info("writes enabled")
	}
	b.state = writesEnabled
}

func (b *backpressure) stopTimer() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// close cancels any pending recheck. The state is left as is.
func (b *backpressure) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gen++
	b.closed = true
	b.stopTimer()
}

func (b *backpressure) tripCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trips
}
