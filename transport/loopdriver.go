package transport

import (
	"sync"
	"sync/atomic"
	"time"
)

// LoopDriver is an in-memory software UART: two LoopDrivers created by
// NewLoopPair are cross-wired so bytes written into one arrive as RX
// events on the other. It stands in for a physical line in tests, the
// same role the teacher's PtyPair plays for
// its TCP/RTU-over-pty simulator, but without forking a real pseudo
// terminal.
type LoopDriver struct {
	name string
	peer *LoopDriver
	wire chan byte

	mu       sync.Mutex
	target   ISRTarget
	opened   bool
	baud     int
	lastByte byte

	rxRunning int32 // atomic

	halfCharMu     sync.Mutex
	halfCharPeriod time.Duration
	halfCharStop   chan struct{}

	done chan struct{}
}

// NewLoopPair returns two ends of one simulated serial line.
func NewLoopPair(name string) (a, b *LoopDriver) {
	a = &LoopDriver{name: name + ".a", wire: make(chan byte, 256)}
	b = &LoopDriver{name: name + ".b", wire: make(chan byte, 256)}
	a.peer, b.peer = b, a
	return a, b
}

// Attach implements Driver.
func (d *LoopDriver) Attach(target ISRTarget) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.target = target
}

// Open implements Driver: it starts the background goroutine that plays
// the role of the receive ISR, forwarding bytes pulled off the wire to
// the attached target whenever RX is started.
func (d *LoopDriver) Open(cfg SerialConfig) error {
	d.mu.Lock()
	if d.opened {
		d.mu.Unlock()
		return nil
	}
	d.opened = true
	d.baud = cfg.BaudRate
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.recvLoop()
	return nil
}

// Close implements Driver.
func (d *LoopDriver) Close() error {
	d.mu.Lock()
	if !d.opened {
		d.mu.Unlock()
		return nil
	}
	d.opened = false
	done := d.done
	d.mu.Unlock()

	close(done)
	return nil
}

func (d *LoopDriver) recvLoop() {
	for {
		select {
		case b := <-d.wire:
			if atomic.LoadInt32(&d.rxRunning) == 0 {
				continue
			}
			d.mu.Lock()
			d.lastByte = b
			target := d.target
			d.mu.Unlock()
			if target != nil {
				target.OnRXComplete()
			}
		case <-d.done:
			return
		}
	}
}

// SetDirection implements Driver. The loopback line has no direction
// control signal; this is a no-op.
func (d *LoopDriver) SetDirection(dir Direction) error { return nil }

// RXStart implements Driver.
func (d *LoopDriver) RXStart() error {
	atomic.StoreInt32(&d.rxRunning, 1)
	return nil
}

// RXStop implements Driver.
func (d *LoopDriver) RXStop() error {
	atomic.StoreInt32(&d.rxRunning, 0)
	return nil
}

// RXRead implements Driver: it returns the byte latched by the most
// recent recvLoop iteration.
func (d *LoopDriver) RXRead() (byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastByte, nil
}

// TXStart implements Driver.
func (d *LoopDriver) TXStart() error { return nil }

// TXStop implements Driver.
func (d *LoopDriver) TXStop() error { return nil }

// TXTransmit implements Driver: it places b on the peer's wire and, since
// the loopback line has no real transmit shift register, immediately
// signals TX complete to the attached target.
func (d *LoopDriver) TXTransmit(b byte) error {
	d.mu.Lock()
	peer := d.peer
	target := d.target
	d.mu.Unlock()

	peer.wire <- b
	if target != nil {
		target.OnTXComplete()
	}
	return nil
}

// HalfCharTimerStart implements Driver.
func (d *LoopDriver) HalfCharTimerStart() error {
	d.halfCharMu.Lock()
	defer d.halfCharMu.Unlock()
	if d.halfCharStop != nil {
		return nil
	}
	d.mu.Lock()
	period := halfCharPeriod(d.baud)
	target := d.target
	d.mu.Unlock()

	stop := make(chan struct{})
	d.halfCharStop = stop
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if target != nil {
					target.OnHalfCharTick()
				}
			case <-stop:
				return
			}
		}
	}()
	return nil
}

// HalfCharTimerStop implements Driver.
func (d *LoopDriver) HalfCharTimerStop() error {
	d.halfCharMu.Lock()
	defer d.halfCharMu.Unlock()
	if d.halfCharStop == nil {
		return nil
	}
	close(d.halfCharStop)
	d.halfCharStop = nil
	return nil
}

// HasParityError, HasOverrunError and HasFrameError implement Driver. The
// loopback line never corrupts bytes, so these are always clear.
func (d *LoopDriver) HasParityError() bool  { return false }
func (d *LoopDriver) ClearParityError()     {}
func (d *LoopDriver) HasOverrunError() bool { return false }
func (d *LoopDriver) ClearOverrunError()    {}
func (d *LoopDriver) HasFrameError() bool   { return false }
func (d *LoopDriver) ClearFrameError()      {}
