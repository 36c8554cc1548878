// Package transport implements the half-duplex transport core: device
// registration, mode selection, the interrupt-driven receive state
// machine with its half-character timer, the transmit path, and
// inter-frame timing, for both RTU and ASCII transmission modes.
package transport

import "time"

// Direction is the half-duplex line direction (spec §4.6).
type Direction int

const (
	DirectionReceive Direction = iota
	DirectionTransmit
)

// Parity is the serial line parity setting.
type Parity int

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

// StopBits is the serial line stop-bit count.
type StopBits int

const (
	OneStopBit StopBits = iota
	TwoStopBits
)

// SerialConfig describes the serial line (spec §6). DataBits must be 8 for
// RTU mode; 7 or 8 for ASCII mode.
type SerialConfig struct {
	BaudRate int
	DataBits int
	Parity   Parity
	StopBits StopBits
}

// Driver is the capability set a physical (or simulated) UART exposes to
// the transport core. The transport never touches hardware registers
// directly; every side effect on the line goes through this interface.
// Attach binds the ISR callback target the driver invokes from its own
// goroutine (standing in for a hardware ISR).
type Driver interface {
	Attach(target ISRTarget)

	Open(cfg SerialConfig) error
	Close() error
	SetDirection(dir Direction) error

	RXStart() error
	RXStop() error
	RXRead() (byte, error)

	TXStart() error
	TXStop() error
	TXTransmit(b byte) error

	HalfCharTimerStart() error
	HalfCharTimerStop() error

	HasParityError() bool
	ClearParityError()
	HasOverrunError() bool
	ClearOverrunError()
	HasFrameError() bool
	ClearFrameError()
}

// ISRTarget is implemented by *Device. A Driver invokes these methods
// from its own goroutine (standing in for a hardware ISR) whenever the
// corresponding hardware event occurs. OnRXComplete takes no byte: as on
// real hardware, the ISR fetches the byte itself via Driver.RXRead()
// before notifying the transport core.
type ISRTarget interface {
	OnHalfCharTick()
	OnRXComplete()
	OnTXComplete()
}

// charTime returns the duration of one serial character (11 bit times)
// at the given baud rate, per spec §6. For baud >= 19200 the Modbus spec
// fixes t1.5 = 750us and t3.5 = 1.75ms regardless of baud; charTime is
// only used below that threshold.
func charTime(baud int) time.Duration {
	if baud <= 0 {
		baud = 19200
	}
	return time.Duration(11) * time.Second / time.Duration(baud)
}

// halfCharPeriod returns the tick period a driver should use for its
// half-character timer. At 19200 baud and above the fixed RTU timings apply
// (t1.5 = 750us, t3.5 = 1.75ms), both of which are exact multiples of a
// 250us half-character tick; below that threshold the tick tracks the
// actual character time at the configured baud rate.
func halfCharPeriod(baud int) time.Duration {
	if baud <= 0 || baud >= 19200 {
		return 250 * time.Microsecond
	}
	return charTime(baud) / 2
}
