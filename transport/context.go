package transport

import (
	"sync"
	"sync/atomic"
)

// event is the transport's event-flag bit-set (spec §3 Context).
type event uint32

const (
	evRXComplete event = 1 << iota
	evTXComplete
	evT1_5Exceed
	evT2_0Exceed
	evT3_5Exceed
	evRXTimeout
)

// maxHalfCharCount is the clamp the half-character ISR holds at so the
// counter cannot roll over (spec §4.7).
const maxHalfCharCount = 7

// deviceContext is the per-device runtime state the spec calls "Context": an
// I/O lock, an event bitset, the one-byte RX latch, the half-character
// counter, latched RX error bits, diagnostic counters, and the RX/TX
// admission counters. The I/O lock itself lives on Device (it brackets
// whole RX/TX calls, not just this struct); everything here is the state
// ISRs and the synchronous path share.
type deviceContext struct {
	mu sync.Mutex

	events event
	wake   chan struct{} // buffered(1); posts send non-blocking, waiters re-check events after waking

	rxDatum      byte
	rxDatumEaten bool

	halfCharCount int32 // atomic
	prescaler     int32
	// thresholds, cached as prescaler * {3,4,7} (spec §3 Context)
	t1_5 int32
	t2_0 int32
	t3_5 int32

	rxErrParity  bool
	rxErrOverrun bool
	rxErrFrame   bool

	diagParityErrors  uint32
	diagOverrunErrors uint32
	diagFrameErrors   uint32
	diagBusCommErrors uint32
	lastTXAddress     byte
	lastTXFunction    byte
	lastTXException   byte
	haveLastTX        bool

	rxInProgress int32 // atomic
	txInProgress int32 // atomic
}

const maxInProgress = 4

func newContext(prescaler int) *deviceContext {
	if prescaler <= 0 {
		prescaler = 1
	}
	c := &deviceContext{
		wake:         make(chan struct{}, 1),
		prescaler:    int32(prescaler),
		rxDatumEaten: true,
	}
	c.t1_5 = 3 * c.prescaler
	c.t2_0 = 4 * c.prescaler
	c.t3_5 = 7 * c.prescaler
	return c
}

// postEvent ORs bits into the event set and wakes any waiter. Safe to call
// from a driver's ISR-equivalent goroutine.
func (c *deviceContext) postEvent(e event) {
	c.mu.Lock()
	c.events |= e
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// clearEvent clears bits from the event set.
func (c *deviceContext) clearEvent(e event) {
	c.mu.Lock()
	c.events &^= e
	c.mu.Unlock()
}

// peekEvents returns the current event bitset.
func (c *deviceContext) peekEvents() event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

// resetHalfCharCounter zeroes the half-character tick counter, clearing
// the character-time event flags that were derived from it.
func (c *deviceContext) resetHalfCharCounter() {
	atomic.StoreInt32(&c.halfCharCount, 0)
	c.clearEvent(evT1_5Exceed | evT2_0Exceed | evT3_5Exceed)
}

// tickHalfChar increments the half-character counter (called from the
// half-character ISR) and posts the threshold crossing events. The
// counter clamps at maxHalfCharCount so it cannot roll over.
func (c *deviceContext) tickHalfChar() {
	n := atomic.AddInt32(&c.halfCharCount, 1)
	if n > maxHalfCharCount {
		atomic.StoreInt32(&c.halfCharCount, maxHalfCharCount)
		n = maxHalfCharCount
	}
	var posted event
	if n == c.t1_5 {
		posted |= evT1_5Exceed
	}
	if n == c.t2_0 {
		posted |= evT2_0Exceed
	}
	if n == c.t3_5 {
		posted |= evT3_5Exceed
	}
	if posted != 0 {
		c.postEvent(posted)
	}
}

// latchRXByte installs b as the one-byte RX latch. If the previous byte
// was never consumed, this is a soft overrun: the new byte is dropped and
// the overrun flag latches, in addition to any hardware overrun
// detection surfaced via Driver.HasOverrunError.
func (c *deviceContext) latchRXByte(b byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.rxDatumEaten {
		c.rxErrOverrun = true
		c.diagOverrunErrors = satInc(c.diagOverrunErrors)
		return
	}
	c.rxDatum = b
	c.rxDatumEaten = false
}

// consumeRXByte marks the RX latch as eaten and returns its value.
func (c *deviceContext) consumeRXByte() byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rxDatumEaten = true
	return c.rxDatum
}

// latchRXErrors ORs hardware error bits reported by the driver into the
// context's latches, and bumps the matching saturating diagnostic
// counter.
func (c *deviceContext) latchRXErrors(parity, overrun, frame bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if parity {
		c.rxErrParity = true
		c.diagParityErrors = satInc(c.diagParityErrors)
	}
	if overrun {
		c.rxErrOverrun = true
		c.diagOverrunErrors = satInc(c.diagOverrunErrors)
	}
	if frame {
		c.rxErrFrame = true
		c.diagFrameErrors = satInc(c.diagFrameErrors)
	}
}

// takeRXErrors returns and clears the latched RX error bits.
func (c *deviceContext) takeRXErrors() (parity, overrun, frame bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	parity, overrun, frame = c.rxErrParity, c.rxErrOverrun, c.rxErrFrame
	c.rxErrParity, c.rxErrOverrun, c.rxErrFrame = false, false, false
	return
}

func (c *deviceContext) recordTX(addr, fn byte, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastTXAddress = addr
	c.lastTXFunction = fn
	c.haveLastTX = true
	if fn&0x80 != 0 && len(data) > 0 {
		c.lastTXException = data[0]
	}
}

// admit/release implement the small saturating admission counters of
// spec §5: overflow is reported rather than blocked.
func admit(counter *int32) bool {
	for {
		cur := atomic.LoadInt32(counter)
		if cur >= maxInProgress {
			return false
		}
		if atomic.CompareAndSwapInt32(counter, cur, cur+1) {
			return true
		}
	}
}

func release(counter *int32) {
	atomic.AddInt32(counter, -1)
}

func satInc(v uint32) uint32 {
	if v == ^uint32(0) {
		return v
	}
	return v + 1
}
