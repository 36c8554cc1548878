package transport

import (
	"sync"
	"time"
)

// oneShotTimer wraps time.AfterFunc with idempotent start/stop semantics:
// re-arming stops any previously armed timer, and stopping an
// already-fired or already-stopped timer is always safe. This
// stands in for the RTOS one-shot software timer of spec §5.
type oneShotTimer struct {
	mu    sync.Mutex
	timer *time.Timer
}

// start arms the timer to call fn after d. Any previously armed timer is
// stopped first.
func (t *oneShotTimer) start(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, fn)
}

// stop disarms the timer. Safe to call even if it never started or
// already fired.
func (t *oneShotTimer) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
}
