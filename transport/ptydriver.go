//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

package transport

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
)

// PtyDriver implements Driver over one end of a pseudo-terminal pair,
// letting any external program that can open a serial device (a terminal
// emulator, socat, another Modbus stack under test) talk to this stack
// over the SlavePath. Grounded on the teacher's PtyPair
// (internal/simulator/pty.go), restructured from its buffered
// Read/Write wrapper into an ISR-style driver like SerialDriver.
type PtyDriver struct {
	Master *os.File
	Slave  *os.File

	// SlavePath is the pseudo-terminal device path an external program
	// should open (e.g. "/dev/pts/4").
	SlavePath string

	mu     sync.Mutex
	target ISRTarget
	opened bool

	rxRunning int32 // atomic
	lastByte  byte

	halfCharMu     sync.Mutex
	halfCharPeriod time.Duration
	halfCharStop   chan struct{}

	readerDone chan struct{}
}

// NewPtyDriver opens a fresh pseudo-terminal pair and returns a driver
// bound to its master side.
func NewPtyDriver() (*PtyDriver, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, err
	}
	return &PtyDriver{Master: master, Slave: slave, SlavePath: slave.Name()}, nil
}

// Attach implements Driver.
func (d *PtyDriver) Attach(target ISRTarget) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.target = target
}

// Open implements Driver. The pty pair already exists (from
// NewPtyDriver); Open just starts the receive goroutine. cfg is
// otherwise unused: a pseudo-terminal carries no baud/parity of its own,
// but the half-character timer still needs a period to tick at.
func (d *PtyDriver) Open(cfg SerialConfig) error {
	d.mu.Lock()
	if d.opened {
		d.mu.Unlock()
		return nil
	}
	d.opened = true
	d.halfCharPeriod = halfCharPeriod(cfg.BaudRate)
	d.readerDone = make(chan struct{})
	d.mu.Unlock()

	go d.recvLoop()
	return nil
}

// Close implements Driver.
func (d *PtyDriver) Close() error {
	d.mu.Lock()
	if !d.opened {
		d.mu.Unlock()
		return nil
	}
	d.opened = false
	done := d.readerDone
	d.mu.Unlock()

	close(done)
	err1 := d.Master.Close()
	err2 := d.Slave.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (d *PtyDriver) recvLoop() {
	buf := make([]byte, 1)
	for {
		select {
		case <-d.readerDone:
			return
		default:
		}
		d.Master.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := d.Master.Read(buf)
		if err != nil {
			continue
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

// SetDirection implements Driver. A pty has no direction-control line.
func (d *PtyDriver) SetDirection(dir Direction) error { return nil }

// RXStart implements Driver.
func (d *PtyDriver) RXStart() error {
	atomic.StoreInt32(&d.rxRunning, 1)
	return nil
}

// RXStop implements Driver.
func (d *PtyDriver) RXStop() error {
	atomic.StoreInt32(&d.rxRunning, 0)
	return nil
}

// RXRead implements Driver.
func (d *PtyDriver) RXRead() (byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastByte, nil
}

// TXStart implements Driver.
func (d *PtyDriver) TXStart() error { return nil }

// TXStop implements Driver.
func (d *PtyDriver) TXStop() error { return nil }

// TXTransmit implements Driver.
func (d *PtyDriver) TXTransmit(b byte) error {
	d.mu.Lock()
	target := d.target
	d.mu.Unlock()
	if _, err := d.Master.Write([]byte{b}); err != nil {
		return err
	}
	if target != nil {
		target.OnTXComplete()
	}
	return nil
}

// HalfCharTimerStart implements Driver.
func (d *PtyDriver) HalfCharTimerStart() error {
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
func (d *PtyDriver) HalfCharTimerStop() error {
	d.halfCharMu.Lock()
	defer d.halfCharMu.Unlock()
	if d.halfCharStop == nil {
		return nil
	}
	close(d.halfCharStop)
	d.halfCharStop = nil
	return nil
}

// HasParityError, HasOverrunError and HasFrameError implement Driver. A
// pseudo-terminal never raises UART line errors.
func (d *PtyDriver) HasParityError() bool  { return false }
func (d *PtyDriver) ClearParityError()     {}
func (d *PtyDriver) HasOverrunError() bool { return false }
func (d *PtyDriver) ClearOverrunError()    {}
func (d *PtyDriver) HasFrameError() bool   { return false }
func (d *PtyDriver) ClearFrameError()      {}
