// Package catalog implements the function-code command table: on the
// master side, request builders and response parsers layered over
// master.Master.Post; on the slave side, request parsers and response
// builders registered into a slave.CommandTable (spec §4.11).
package catalog

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/modbusstack/mbserial/master"
	"github.com/modbusstack/mbserial/mberrors"
)

// Function codes (spec §4.11).
const (
	FuncReadCoils                  byte = 0x01
	FuncReadDiscreteInputs         byte = 0x02
	FuncReadHoldingRegisters       byte = 0x03
	FuncReadInputRegisters         byte = 0x04
	FuncWriteSingleCoil            byte = 0x05
	FuncWriteSingleRegister        byte = 0x06
	FuncWriteMultipleCoils         byte = 0x0F
	FuncWriteMultipleRegisters     byte = 0x10
	FuncMaskWriteRegister          byte = 0x16
	FuncReadWriteMultipleRegisters byte = 0x17
)

// dataBlock packs a sequence of uint16 values big-endian, the wire
// encoding every register-style field uses.
func dataBlock(value ...uint16) []byte {
	data := make([]byte, 2*len(value))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	return data
}

// dataBlockSuffix packs value..., then appends the suffix preceded by its
// own byte count, the shape every "write multiple" request uses.
func dataBlockSuffix(suffix []byte, value ...uint16) []byte {
	data := dataBlock(value...)
	data = append(data, byte(len(suffix)))
	return append(data, suffix...)
}

// Client is the master-side bit-and-register API a caller drives after
// wiring a master.Master to a transport.Device.
type Client struct {
	m    *master.Master
	slot byte // slave address to address; 0 means broadcast
}

// NewClient returns a Client that addresses requests to slaveAddr.
func NewClient(m *master.Master, slaveAddr byte) *Client {
	return &Client{m: m, slot: slaveAddr}
}

// ReadCoils reads quantity coils starting at address (spec §4.11, FC 0x01).
func (c *Client) ReadCoils(ctx context.Context, address, quantity uint16) ([]byte, error) {
	if quantity < 1 || quantity > 2000 {
		return nil, fmt.Errorf("%w: quantity %d must be 1..2000", mberrors.ErrInvalidParam, quantity)
	}
	resp, err := c.m.Post(ctx, c.slot, FuncReadCoils, dataBlock(address, quantity))
	if err != nil {
		return nil, fmt.Errorf("reading coils: %w", err)
	}
	return parseByteCountedPayload(resp)
}

// ReadDiscreteInputs reads quantity discrete inputs starting at address
// (spec §4.11, FC 0x02).
func (c *Client) ReadDiscreteInputs(ctx context.Context, address, quantity uint16) ([]byte, error) {
	if quantity < 1 || quantity > 2000 {
		return nil, fmt.Errorf("%w: quantity %d must be 1..2000", mberrors.ErrInvalidParam, quantity)
	}
	resp, err := c.m.Post(ctx, c.slot, FuncReadDiscreteInputs, dataBlock(address, quantity))
	if err != nil {
		return nil, fmt.Errorf("reading discrete inputs: %w", err)
	}
	return parseByteCountedPayload(resp)
}

// ReadHoldingRegisters reads quantity holding registers starting at
// address (spec §4.11, FC 0x03).
func (c *Client) ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]byte, error) {
	if quantity < 1 || quantity > 125 {
		return nil, fmt.Errorf("%w: quantity %d must be 1..125", mberrors.ErrInvalidParam, quantity)
	}
	resp, err := c.m.Post(ctx, c.slot, FuncReadHoldingRegisters, dataBlock(address, quantity))
	if err != nil {
		return nil, fmt.Errorf("reading holding registers: %w", err)
	}
	return parseByteCountedPayload(resp)
}

// ReadInputRegisters reads quantity input registers starting at address
// (spec §4.11, FC 0x04).
func (c *Client) ReadInputRegisters(ctx context.Context, address, quantity uint16) ([]byte, error) {
	if quantity < 1 || quantity > 125 {
		return nil, fmt.Errorf("%w: quantity %d must be 1..125", mberrors.ErrInvalidParam, quantity)
	}
	resp, err := c.m.Post(ctx, c.slot, FuncReadInputRegisters, dataBlock(address, quantity))
	if err != nil {
		return nil, fmt.Errorf("reading input registers: %w", err)
	}
	return parseByteCountedPayload(resp)
}

func parseByteCountedPayload(resp []byte) ([]byte, error) {
	if len(resp) < 1 {
		return nil, fmt.Errorf("%w: empty response", mberrors.ErrRXInvalidFormat)
	}
	count := int(resp[0])
	if count != len(resp)-1 {
		return nil, fmt.Errorf("%w: byte count %d does not match payload %d", mberrors.ErrRXInvalidFormat, count, len(resp)-1)
	}
	return resp[1:], nil
}

// WriteSingleCoil writes value (0xFF00 for ON, 0x0000 for OFF) to address
// (spec §4.11, FC 0x05).
func (c *Client) WriteSingleCoil(ctx context.Context, address, value uint16) error {
	if value != 0xFF00 && value != 0x0000 {
		return fmt.Errorf("%w: coil value %#04x must be 0xFF00 or 0x0000", mberrors.ErrInvalidParam, value)
	}
	resp, err := c.m.Post(ctx, c.slot, FuncWriteSingleCoil, dataBlock(address, value))
	if err != nil {
		return fmt.Errorf("writing single coil: %w", err)
	}
	return echoCheck(resp, address, value)
}

// WriteSingleRegister writes value to address (spec §4.11, FC 0x06).
func (c *Client) WriteSingleRegister(ctx context.Context, address, value uint16) error {
	resp, err := c.m.Post(ctx, c.slot, FuncWriteSingleRegister, dataBlock(address, value))
	if err != nil {
		return fmt.Errorf("writing single register: %w", err)
	}
	return echoCheck(resp, address, value)
}

func echoCheck(resp []byte, address, value uint16) error {
	if len(resp) != 4 {
		return fmt.Errorf("%w: response size %d, want 4", mberrors.ErrRXInvalidFormat, len(resp))
	}
	if got := binary.BigEndian.Uint16(resp); got != address {
		return fmt.Errorf("%w: echoed address %d, want %d", mberrors.ErrRXInvalidFormat, got, address)
	}
	if got := binary.BigEndian.Uint16(resp[2:]); got != value {
		return fmt.Errorf("%w: echoed value %d, want %d", mberrors.ErrRXInvalidFormat, got, value)
	}
	return nil
}

// WriteMultipleCoils writes quantity coils starting at address from
// packed, which the caller has already packed one bit per coil (LSB of
// the first byte is the first coil) into exactly (quantity+7)/8 bytes
// (spec §4.11, FC 0x0F).
func (c *Client) WriteMultipleCoils(ctx context.Context, address, quantity uint16, packed []byte) error {
	if quantity < 1 || quantity > 1968 {
		return fmt.Errorf("%w: quantity %d must be 1..1968", mberrors.ErrInvalidParam, quantity)
	}
	wantBytes := int((quantity + 7) / 8)
	if len(packed) != wantBytes {
		return fmt.Errorf("%w: packed payload is %d bytes, want %d", mberrors.ErrInvalidParam, len(packed), wantBytes)
	}
	resp, err := c.m.Post(ctx, c.slot, FuncWriteMultipleCoils, dataBlockSuffix(packed, address, quantity))
	if err != nil {
		return fmt.Errorf("writing multiple coils: %w", err)
	}
	return echoCheck(resp, address, quantity)
}

// WriteMultipleRegisters writes the big-endian register values in values
// (2 bytes per register) starting at address (spec §4.11, FC 0x10).
func (c *Client) WriteMultipleRegisters(ctx context.Context, address uint16, values []byte) error {
	if len(values) == 0 || len(values)%2 != 0 {
		return fmt.Errorf("%w: register payload must be a non-empty multiple of 2 bytes", mberrors.ErrInvalidParam)
	}
	quantity := uint16(len(values) / 2)
	if quantity > 123 {
		return fmt.Errorf("%w: quantity %d must be <= 123", mberrors.ErrInvalidParam, quantity)
	}
	resp, err := c.m.Post(ctx, c.slot, FuncWriteMultipleRegisters, dataBlockSuffix(values, address, quantity))
	if err != nil {
		return fmt.Errorf("writing multiple registers: %w", err)
	}
	return echoCheck(resp, address, quantity)
}

// MaskWriteRegister applies (current & andMask) | (orMask & ^andMask) to
// the register at address (spec §4.11, FC 0x16).
func (c *Client) MaskWriteRegister(ctx context.Context, address, andMask, orMask uint16) error {
	resp, err := c.m.Post(ctx, c.slot, FuncMaskWriteRegister, dataBlock(address, andMask, orMask))
	if err != nil {
		return fmt.Errorf("mask writing register: %w", err)
	}
	if len(resp) != 6 {
		return fmt.Errorf("%w: response size %d, want 6", mberrors.ErrRXInvalidFormat, len(resp))
	}
	if got := binary.BigEndian.Uint16(resp); got != address {
		return fmt.Errorf("%w: echoed address %d, want %d", mberrors.ErrRXInvalidFormat, got, address)
	}
	if got := binary.BigEndian.Uint16(resp[2:]); got != andMask {
		return fmt.Errorf("%w: echoed AND-mask %#04x, want %#04x", mberrors.ErrRXInvalidFormat, got, andMask)
	}
	if got := binary.BigEndian.Uint16(resp[4:]); got != orMask {
		return fmt.Errorf("%w: echoed OR-mask %#04x, want %#04x", mberrors.ErrRXInvalidFormat, got, orMask)
	}
	return nil
}

// ReadWriteMultipleRegisters writes writeValues starting at writeAddress,
// then reads readQuantity registers starting at readAddress, in a single
// transaction (spec §4.11, FC 0x17).
func (c *Client) ReadWriteMultipleRegisters(ctx context.Context, readAddress, readQuantity, writeAddress uint16, writeValues []byte) ([]byte, error) {
	if readQuantity < 1 || readQuantity > 125 {
		return nil, fmt.Errorf("%w: read quantity %d must be 1..125", mberrors.ErrInvalidParam, readQuantity)
	}
	if len(writeValues) == 0 || len(writeValues)%2 != 0 {
		return nil, fmt.Errorf("%w: write payload must be a non-empty multiple of 2 bytes", mberrors.ErrInvalidParam)
	}
	writeQuantity := uint16(len(writeValues) / 2)
	if writeQuantity > 121 {
		return nil, fmt.Errorf("%w: write quantity %d must be <= 121", mberrors.ErrInvalidParam, writeQuantity)
	}
	req := dataBlockSuffix(writeValues, readAddress, readQuantity, writeAddress, writeQuantity)
	resp, err := c.m.Post(ctx, c.slot, FuncReadWriteMultipleRegisters, req)
	if err != nil {
		return nil, fmt.Errorf("reading/writing multiple registers: %w", err)
	}
	return parseByteCountedPayload(resp)
}
