package transport

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modbusstack/mbserial/mberrors"
	"github.com/modbusstack/mbserial/wire"
)

// Mode selects the active transmission mode (spec §3 Device).
type Mode int

const (
	ModeRTU Mode = iota
	ModeASCII
)

const maxADU = 256
const maxData = 252

// Device represents one serial interface: the active mode, the driver
// capability set, and the embedded runtime Context. Mode, AsciiLF and
// Prescaler may only change while the device is open and idle (no RX/TX
// in progress).
type Device struct {
	Index     int
	Driver    Driver
	Logger    *log.Logger

	mu        sync.Mutex // guards mode/asciiLF/prescaler and opened
	mode      Mode
	asciiLF   byte
	prescaler int
	opened    bool

	ioMu sync.Mutex // RX and TX serialize on this, per spec §5
	ctx  *deviceContext
}

// NewDevice constructs a closed device in RTU mode with the standard
// 0x0A ASCII line feed and a half-character prescaler of 1.
func NewDevice(index int, driver Driver) *Device {
	d := &Device{
		Index:     index,
		Driver:    driver,
		mode:      ModeRTU,
		asciiLF:   wire.AsciiLineFeed,
		prescaler: 1,
		ctx:       newContext(1),
	}
	driver.Attach(d)
	return d
}

func (d *Device) logf(format string, args ...interface{}) {
	if d.Logger != nil {
		d.Logger.Printf(format, args...)
	}
}

// Open opens the underlying driver with cfg.
func (d *Device) Open(cfg SerialConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opened {
		return mberrors.ErrDeviceOpened
	}
	if err := d.Driver.Open(cfg); err != nil {
		return err
	}
	d.opened = true
	return nil
}

// Close closes the underlying driver.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		return mberrors.ErrDeviceNotOpened
	}
	err := d.Driver.Close()
	d.opened = false
	return err
}

// idle reports whether neither an RX nor a TX is currently in progress.
func (d *Device) idle() bool {
	return atomic.LoadInt32(&d.ctx.rxInProgress) == 0 && atomic.LoadInt32(&d.ctx.txInProgress) == 0
}

// SetMode changes the transmission mode. Only permitted while opened and
// idle (spec §3 Device invariant).
func (d *Device) SetMode(m Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		return mberrors.ErrDeviceNotOpened
	}
	if !d.idle() {
		return mberrors.ErrDeviceFail
	}
	d.mode = m
	return nil
}

// Mode returns the active transmission mode.
func (d *Device) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// SetAsciiLineFeed changes the configured ASCII line-feed character.
// Only permitted while opened and idle.
func (d *Device) SetAsciiLineFeed(lf byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		return mberrors.ErrDeviceNotOpened
	}
	if !d.idle() {
		return mberrors.ErrDeviceFail
	}
	d.asciiLF = lf
	return nil
}

// SetPrescaler changes the half-character-timer prescaler. Only
// permitted while opened and idle.
func (d *Device) SetPrescaler(p int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		return mberrors.ErrDeviceNotOpened
	}
	if !d.idle() {
		return mberrors.ErrDeviceFail
	}
	if p <= 0 {
		return mberrors.ErrInvalidParam
	}
	d.prescaler = p
	d.ctx = newContext(p)
	return nil
}

// ParityErrors, OverrunErrors, FrameErrors and BusCommErrors return the
// saturating diagnostic counters accumulated on this device.
func (d *Device) ParityErrors() uint32  { return atomic.LoadUint32(&d.ctx.diagParityErrors) }
func (d *Device) OverrunErrors() uint32 { return atomic.LoadUint32(&d.ctx.diagOverrunErrors) }
func (d *Device) FrameErrors() uint32   { return atomic.LoadUint32(&d.ctx.diagFrameErrors) }
func (d *Device) BusCommErrors() uint32 { return atomic.LoadUint32(&d.ctx.diagBusCommErrors) }

// LastTX returns the address, function code and (for exception replies)
// exception code of the most recently transmitted frame.
func (d *Device) LastTX() (addr, fn, exception byte, ok bool) {
	d.ctx.mu.Lock()
	defer d.ctx.mu.Unlock()
	return d.ctx.lastTXAddress, d.ctx.lastTXFunction, d.ctx.lastTXException, d.ctx.haveLastTX
}

// NoteBusCommError increments the diagnostic counter for a frame dropped
// before dispatch (spec §9 open question: expose a counter for bus noise
// a master silently drops while waiting for a matching response).
func (d *Device) NoteBusCommError() {
	d.ctx.mu.Lock()
	defer d.ctx.mu.Unlock()
	d.ctx.diagBusCommErrors = satInc(d.ctx.diagBusCommErrors)
}

// OnHalfCharTick implements ISRTarget.
func (d *Device) OnHalfCharTick() { d.ctx.tickHalfChar() }

// OnRXComplete implements ISRTarget. As on real hardware, the ISR fetches
// the received byte from the driver itself before latching it.
func (d *Device) OnRXComplete() {
	b, err := d.Driver.RXRead()
	if err != nil {
		return
	}
	d.ctx.latchRXByte(b)
	d.ctx.latchRXErrors(d.Driver.HasParityError(), d.Driver.HasOverrunError(), d.Driver.HasFrameError())
	if d.Driver.HasParityError() {
		d.Driver.ClearParityError()
	}
	if d.Driver.HasOverrunError() {
		d.Driver.ClearOverrunError()
	}
	if d.Driver.HasFrameError() {
		d.Driver.ClearFrameError()
	}
	d.ctx.postEvent(evRXComplete)
}

// OnTXComplete implements ISRTarget.
func (d *Device) OnTXComplete() {
	d.ctx.postEvent(evTXComplete)
}

// waitAny blocks until any event in mask is posted, or ctx is done.
func (d *Device) waitAny(ctx stdcontext, mask event) (event, error) {
	for {
		if cur := d.ctx.peekEvents() & mask; cur != 0 {
			return cur, nil
		}
		select {
		case <-d.ctx.wake:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// stdcontext is a local alias for the standard library's context.Context,
// kept distinct in name from this package's own deviceContext struct.
type stdcontext = context.Context

// Receive performs one reception, honoring the device's active mode.
func (d *Device) Receive(ctx stdcontext, timeout time.Duration) (wire.Frame, error) {
	d.ioMu.Lock()
	defer d.ioMu.Unlock()

	if !admit(&d.ctx.rxInProgress) {
		return wire.Frame{}, mberrors.ErrRXTooMany
	}
	defer release(&d.ctx.rxInProgress)

	var tmr oneShotTimer
	tmr.start(timeout, func() { d.ctx.postEvent(evRXTimeout) })
	defer tmr.stop()
	d.ctx.clearEvent(evRXTimeout)

	if d.Mode() == ModeASCII {
		return d.receiveASCII(ctx)
	}
	return d.receiveRTU(ctx)
}

func (d *Device) receiveRTU(ctx stdcontext) (wire.Frame, error) {
	if err := d.Driver.RXStart(); err != nil {
		return wire.Frame{}, err
	}
	defer d.Driver.RXStop()

	dataBuf := make([]byte, maxData)
	dec := wire.NewRTUDecoder(dataBuf)
	firstByte := true

	for {
		d.ctx.clearEvent(evRXComplete | evT1_5Exceed)
		if !firstByte {
			d.Driver.HalfCharTimerStart()
			d.ctx.resetHalfCharCounter()
		}
		mask := evRXComplete | evT1_5Exceed
		if firstByte {
			mask |= evRXTimeout
		}
		got, err := d.waitAny(ctx, mask)
		if err != nil {
			return wire.Frame{}, err
		}
		switch {
		case got&evRXComplete != 0:
			d.Driver.HalfCharTimerStop()
			dec.PushByte(d.ctx.consumeRXByte())
			firstByte = false
		case got&evT1_5Exceed != 0:
			dec.End()
			goto controlWait
		case got&evRXTimeout != 0 && firstByte:
			return wire.Frame{}, mberrors.ErrTimeout
		}
	}

controlWait:
	d.Driver.HalfCharTimerStart()
	d.ctx.resetHalfCharCounter()
	for {
		got, err := d.waitAny(ctx, evT2_0Exceed|evRXComplete)
		if err != nil {
			return wire.Frame{}, err
		}
		if got&evRXComplete != 0 {
			dec.PushByte(d.ctx.consumeRXByte())
			d.ctx.clearEvent(evRXComplete)
			continue
		}
		break
	}
	d.Driver.HalfCharTimerStop()

	frame := dec.Frame()
	d.overlayErrors(&frame)
	return frame, nil
}

// asciiLineState is the ASCII receive algorithm's three-state line mode
// (spec §4.7).
type asciiLineState int

const (
	asciiWaitColon asciiLineState = iota
	asciiWaitCR
	asciiWaitLF
)

func (d *Device) receiveASCII(ctx stdcontext) (wire.Frame, error) {
	if err := d.Driver.RXStart(); err != nil {
		return wire.Frame{}, err
	}
	defer d.Driver.RXStop()

	lf := d.currentAsciiLF()
	state := asciiWaitColon
	var dec *wire.ASCIIDecoder

	for {
		got, err := d.waitAny(ctx, evRXComplete|evRXTimeout)
		if err != nil {
			return wire.Frame{}, err
		}
		if got&evRXTimeout != 0 {
			return wire.Frame{}, mberrors.ErrTimeout
		}
		c := d.ctx.consumeRXByte()
		d.ctx.clearEvent(evRXComplete)

		if c == ':' {
			dec = wire.NewASCIIDecoder(make([]byte, maxData))
			state = asciiWaitCR
			continue
		}
		switch state {
		case asciiWaitColon:
			// garbage between frames, ignore
		case asciiWaitCR:
			if c == '\r' {
				dec.End()
				state = asciiWaitLF
			} else {
				dec.PushChar(c)
			}
		case asciiWaitLF:
			if c == lf {
				frame := dec.Frame()
				d.overlayErrors(&frame)
				return frame, nil
			}
			state = asciiWaitColon
		}
	}
}

func (d *Device) currentAsciiLF() byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.asciiLF
}

func (d *Device) overlayErrors(frame *wire.Frame) {
	parity, overrun, frameErr := d.ctx.takeRXErrors()
	if parity {
		frame.Flags |= wire.FlagParityError | wire.FlagDrop
	}
	if overrun {
		frame.Flags |= wire.FlagOverrunError | wire.FlagDrop
	}
	if frameErr {
		frame.Flags |= wire.FlagFrameError | wire.FlagDrop
	}
}

// Transmit sends f over the wire, honoring the device's active mode, and
// (in RTU mode) enforces the 3.5-character inter-frame silence before
// returning.
func (d *Device) Transmit(ctx stdcontext, f wire.Frame) error {
	d.ioMu.Lock()
	defer d.ioMu.Unlock()

	if !admit(&d.ctx.txInProgress) {
		return mberrors.ErrTXTooMany
	}
	defer release(&d.ctx.txInProgress)

	if err := d.Driver.SetDirection(DirectionTransmit); err != nil {
		return err
	}
	if err := d.Driver.TXStart(); err != nil {
		return err
	}

	mode := d.Mode()
	var pull func() (byte, bool)
	if mode == ModeASCII {
		enc := wire.NewASCIIEncoder(f, d.currentAsciiLF())
		pull = func() (byte, bool) {
			if !enc.HasNext() {
				return 0, false
			}
			b, _ := enc.Next()
			return b, true
		}
	} else {
		enc := wire.NewRTUEncoder(f)
		pull = func() (byte, bool) {
			if !enc.HasNext() {
				return 0, false
			}
			b, _ := enc.Next()
			return b, true
		}
	}

	for {
		b, ok := pull()
		if !ok {
			break
		}
		d.ctx.clearEvent(evTXComplete)
		if err := d.Driver.TXTransmit(b); err != nil {
			d.Driver.TXStop()
			return err
		}
		if _, err := d.waitAny(ctx, evTXComplete); err != nil {
			d.Driver.TXStop()
			return err
		}
	}

	if err := d.Driver.TXStop(); err != nil {
		return err
	}
	if err := d.Driver.SetDirection(DirectionReceive); err != nil {
		return err
	}

	if mode == ModeRTU {
		d.Driver.HalfCharTimerStart()
		d.ctx.resetHalfCharCounter()
		if _, err := d.waitAny(ctx, evT3_5Exceed); err != nil {
			return err
		}
		d.Driver.HalfCharTimerStop()
	}

	d.ctx.recordTX(f.Address, f.FunctionCode, f.Data)
	return nil
}

// StartupWait blocks, in RTU mode, until the line has been idle for 3.5
// character times, restarting the wait whenever an unexpected byte
// arrives. In ASCII mode it returns immediately. timeout applies only
// while awaiting the very first character on the line.
func (d *Device) StartupWait(ctx stdcontext, timeout time.Duration) error {
	d.ioMu.Lock()
	defer d.ioMu.Unlock()

	if d.Mode() == ModeASCII {
		return nil
	}
	if !admit(&d.ctx.rxInProgress) {
		return mberrors.ErrRXTooMany
	}
	defer release(&d.ctx.rxInProgress)

	var tmr oneShotTimer
	tmr.start(timeout, func() { d.ctx.postEvent(evRXTimeout) })
	defer tmr.stop()
	d.ctx.clearEvent(evRXTimeout)

	if err := d.Driver.RXStart(); err != nil {
		return err
	}
	defer d.Driver.RXStop()

	firstByteSeen := false
	for {
		d.ctx.clearEvent(evRXComplete | evT3_5Exceed)
		d.Driver.HalfCharTimerStart()
		d.ctx.resetHalfCharCounter()

		mask := evRXComplete | evT3_5Exceed
		if !firstByteSeen {
			mask |= evRXTimeout
		}
		got, err := d.waitAny(ctx, mask)
		if err != nil {
			d.Driver.HalfCharTimerStop()
			return err
		}
		d.Driver.HalfCharTimerStop()

		switch {
		case got&evT3_5Exceed != 0:
			return nil
		case got&evRXComplete != 0:
			d.ctx.consumeRXByte()
			firstByteSeen = true
		case got&evRXTimeout != 0:
			return mberrors.ErrTimeout
		}
	}
}
