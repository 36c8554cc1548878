// Package mberrors defines the sentinel error values shared across the
// modbus stack: codec failures, transport timeouts, and master/slave
// protocol errors. Callers match with errors.Is/errors.As; there are no
// numeric error codes.
package mberrors

import "errors"

// Input validation.
var (
	ErrNullReference  = errors.New("modbus: null reference")
	ErrInvalidParam   = errors.New("modbus: invalid parameter")
	ErrOverflow       = errors.New("modbus: overflow")
	ErrUnderflow      = errors.New("modbus: underflow")
	ErrInvalidMode    = errors.New("modbus: invalid mode")
	ErrInvalidCounter = errors.New("modbus: invalid counter")
)

// Device lifecycle.
var (
	ErrDeviceNotExist     = errors.New("modbus: device does not exist")
	ErrDeviceNotOpened    = errors.New("modbus: device not opened")
	ErrDeviceOpened       = errors.New("modbus: device already opened")
	ErrDeviceModeMismatch = errors.New("modbus: device mode mismatch")
	ErrDeviceFail         = errors.New("modbus: device failure")
)

// Transport.
var (
	ErrTimeout    = errors.New("modbus: timeout")
	ErrRXTooMany  = errors.New("modbus: too many concurrent RX requests")
	ErrTXTooMany  = errors.New("modbus: too many concurrent TX requests")
)

// Codec.
var (
	ErrBufferEnd           = errors.New("modbus: buffer end")
	ErrFrameDecInvalidState = errors.New("modbus: frame decoder in invalid state")
	ErrFrameEncInvalidState = errors.New("modbus: frame encoder in invalid state")
	ErrFrameEncFrameEnd     = errors.New("modbus: frame encoder at end of frame")
)

// Master.
var (
	ErrStillBusy        = errors.New("modbus: master still busy")
	ErrTXBadRequest     = errors.New("modbus: bad request")
	ErrTXBufferLow      = errors.New("modbus: tx buffer too small")
	ErrRXTruncated      = errors.New("modbus: response truncated")
	ErrRXInvalidFormat  = errors.New("modbus: response format invalid")
	ErrRXInvalidSlave   = errors.New("modbus: response from unexpected slave")
	ErrRXInvalidFnCode  = errors.New("modbus: response function code invalid")
	ErrCallbackFailed   = errors.New("modbus: callback failed")
)

// Slave.
var (
	ErrStillPolling          = errors.New("modbus: slave still polling")
	ErrListenOnlyEntered     = errors.New("modbus: listen-only mode already entered")
	ErrListenOnlyExited      = errors.New("modbus: listen-only mode already exited")
	ErrFunctionCodeInvalid   = errors.New("modbus: function code invalid")
	ErrFunctionCodeExists    = errors.New("modbus: function code already registered")
	ErrNoFreeTableItem       = errors.New("modbus: command table full")
	ErrRequestTruncated      = errors.New("modbus: request truncated")
	ErrResponseTruncated     = errors.New("modbus: response truncated")
)

// ModbusException represents an on-wire exception response (fc | 0x80),
// carrying the exception code a slave returned to a master.
type ModbusException struct {
	FunctionCode byte
	Code         byte
}

func (e *ModbusException) Error() string {
	return "modbus: exception " + exceptionName(e.Code)
}

func exceptionName(code byte) string {
	switch code {
	case 0x01:
		return "illegal function"
	case 0x02:
		return "illegal data address"
	case 0x03:
		return "illegal data value"
	case 0x04:
		return "server device failure"
	default:
		return "unknown"
	}
}

// Exception codes placed on the wire (spec §6).
const (
	ExceptionIllegalFunction    byte = 0x01
	ExceptionIllegalDataAddress byte = 0x02
	ExceptionIllegalDataValue   byte = 0x03
	ExceptionServerDeviceFailure byte = 0x04
)
