package transport

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// pollInterval bounds how long a blocked port.Read can hold the read
// goroutine before it rechecks for a close request. go.bug.st/serial has
// no read-cancellation primitive, so RXStop/Close rely on the read
// deadline elapsing rather than an unblocking signal.
const pollInterval = 20 * time.Millisecond

// SerialDriver implements Driver against a physical serial port via
// go.bug.st/serial, the same library the teacher used for its RTU/ASCII
// transport (serial.go). Unlike the teacher's blocking Read-until-gap
// client loop, this driver surfaces each received byte as an ISR-style
// callback so transport.Device can run the spec's character-timer state
// machine on top of it.
type SerialDriver struct {
	Address string
	Logger  *log.Logger

	mu     sync.Mutex
	port   serial.Port
	target ISRTarget
	opened bool

	rxRunning int32 // atomic
	lastByte  byte

	halfCharMu     sync.Mutex
	halfCharPeriod time.Duration
	halfCharStop   chan struct{}

	readerDone chan struct{}
}

// NewSerialDriver returns a driver bound to the named device (e.g.
// "/dev/ttyUSB0" or "COM3").
func NewSerialDriver(address string) *SerialDriver {
	return &SerialDriver{Address: address}
}

func (d *SerialDriver) logf(format string, args ...interface{}) {
	if d.Logger != nil {
		d.Logger.Printf(format, args...)
	}
}

// Attach implements Driver.
func (d *SerialDriver) Attach(target ISRTarget) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.target = target
}

func toSerialStopBits(sb StopBits) serial.StopBits {
	if sb == TwoStopBits {
		return serial.TwoStopBits
	}
	return serial.OneStopBit
}

func toSerialParity(p Parity) serial.Parity {
	switch p {
	case ParityOdd:
		return serial.OddParity
	case ParityEven:
		return serial.EvenParity
	default:
		return serial.NoParity
	}
}

// Open implements Driver.
func (d *SerialDriver) Open(cfg SerialConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opened {
		return nil
	}

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: toSerialStopBits(cfg.StopBits),
		Parity:   toSerialParity(cfg.Parity),
	}
	port, err := serial.Open(d.Address, mode)
	if err != nil {
		return err
	}
	if err := port.SetReadTimeout(pollInterval); err != nil {
		port.Close()
		return err
	}

	d.port = port
	d.opened = true
	d.halfCharPeriod = halfCharPeriod(cfg.BaudRate)
	d.readerDone = make(chan struct{})
	go d.recvLoop(port, d.readerDone)
	return nil
}

// Close implements Driver.
func (d *SerialDriver) Close() error {
	d.mu.Lock()
	if !d.opened {
		d.mu.Unlock()
		return nil
	}
	port := d.port
	done := d.readerDone
	d.opened = false
	d.port = nil
	d.mu.Unlock()

	close(done)
	return port.Close()
}

func (d *SerialDriver) recvLoop(port serial.Port, done chan struct{}) {
	buf := make([]byte, 1)
	for {
		select {
		case <-done:
			return
		default:
		}
		n, err := port.Read(buf)
		if err != nil {
			continue // timeout or transient I/O error, keep polling
		}
		if n == 0 || atomic.LoadInt32(&d.rxRunning) == 0 {
			continue
		}
		d.mu.Lock()
		d.lastByte = buf[0]
		target := d.target
		d.mu.Unlock()
		if target != nil {
			target.OnRXComplete()
		}
	}
}

// SetDirection implements Driver. Half-duplex RS-485 adapters commonly
// wire the driver-enable line to RTS; adapters that ignore RTS are
// unaffected.
func (d *SerialDriver) SetDirection(dir Direction) error {
	d.mu.Lock()
	port := d.port
	d.mu.Unlock()
	if port == nil {
		return nil
	}
	if err := port.SetRTS(dir == DirectionTransmit); err != nil {
		d.logf("transport: SetRTS: %v", err)
	}
	return nil
}

// RXStart implements Driver.
func (d *SerialDriver) RXStart() error {
	atomic.StoreInt32(&d.rxRunning, 1)
	return nil
}

// RXStop implements Driver.
func (d *SerialDriver) RXStop() error {
	atomic.StoreInt32(&d.rxRunning, 0)
	return nil
}

// RXRead implements Driver.
func (d *SerialDriver) RXRead() (byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastByte, nil
}

// TXStart implements Driver.
func (d *SerialDriver) TXStart() error { return nil }

// TXStop implements Driver.
func (d *SerialDriver) TXStop() error { return nil }

// TXTransmit implements Driver. go.bug.st/serial writes synchronously, so
// TX-complete is signaled once the write returns.
func (d *SerialDriver) TXTransmit(b byte) error {
	d.mu.Lock()
	port := d.port
	target := d.target
	d.mu.Unlock()
	if port == nil {
		return nil
	}
	if _, err := port.Write([]byte{b}); err != nil {
		return err
	}
	if target != nil {
		target.OnTXComplete()
	}
	return nil
}

// HalfCharTimerStart implements Driver.
func (d *SerialDriver) HalfCharTimerStart() error {
	d.halfCharMu.Lock()
	defer d.halfCharMu.Unlock()
	if d.halfCharStop != nil {
		return nil
	}
	d.mu.Lock()
	period := d.halfCharPeriod
	target := d.target
	d.mu.Unlock()
	if period <= 0 {
		period = halfCharPeriod(0)
	}

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
func (d *SerialDriver) HalfCharTimerStop() error {
	d.halfCharMu.Lock()
	defer d.halfCharMu.Unlock()
	if d.halfCharStop == nil {
		return nil
	}
	close(d.halfCharStop)
	d.halfCharStop = nil
	return nil
}

// HasParityError, HasOverrunError and HasFrameError implement Driver.
// go.bug.st/serial does not surface per-byte line errors through its
// portable API, so these always report clear; a platform-specific driver
// could latch real UART status bits here instead.
func (d *SerialDriver) HasParityError() bool  { return false }
func (d *SerialDriver) ClearParityError()     {}
func (d *SerialDriver) HasOverrunError() bool { return false }
func (d *SerialDriver) ClearOverrunError()    {}
func (d *SerialDriver) HasFrameError() bool   { return false }
func (d *SerialDriver) ClearFrameError()      {}
