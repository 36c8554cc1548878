package catalog

import (
	"encoding/binary"

	"github.com/modbusstack/mbserial/mberrors"
	"github.com/modbusstack/mbserial/slave"
)

// RegisterStandardCommands binds the function-code handlers for FC 0x01,
// 0x02, 0x03, 0x04, 0x05, 0x06, 0x0F, 0x10, 0x16 and 0x17 into table,
// backed by store.
func RegisterStandardCommands(table *slave.CommandTable, store *slave.DataStore) error {
	handlers := map[byte]slave.Handler{
		FuncReadCoils:                  handleReadCoils(store),
		FuncReadDiscreteInputs:         handleReadDiscreteInputs(store),
		FuncReadHoldingRegisters:       handleReadHoldingRegisters(store),
		FuncReadInputRegisters:         handleReadInputRegisters(store),
		FuncWriteSingleCoil:            handleWriteSingleCoil(store),
		FuncWriteSingleRegister:        handleWriteSingleRegister(store),
		FuncWriteMultipleCoils:         handleWriteMultipleCoils(store),
		FuncWriteMultipleRegisters:     handleWriteMultipleRegisters(store),
		FuncMaskWriteRegister:          handleMaskWriteRegister(store),
		FuncReadWriteMultipleRegisters: handleReadWriteMultipleRegisters(store),
	}
	for fn, h := range handlers {
		if err := table.Register(fn, h); err != nil {
			return err
		}
	}
	return nil
}

func packBools(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			out[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return out
}

func unpackBools(data []byte, quantity uint16) []bool {
	out := make([]bool, quantity)
	for i := range out {
		out[i] = data[i/8]&(1<<(uint(i)%8)) != 0
	}
	return out
}

func handleReadCoils(store *slave.DataStore) slave.Handler {
	return func(req []byte) ([]byte, error) {
		address, quantity, err := decodeAddrQuantity(req, 1, 2000)
		if err != nil {
			return nil, err
		}
		bits, err := store.ReadCoils(address, quantity)
		if err != nil {
			return nil, err
		}
		packed := packBools(bits)
		return append([]byte{byte(len(packed))}, packed...), nil
	}
}

func handleReadDiscreteInputs(store *slave.DataStore) slave.Handler {
	return func(req []byte) ([]byte, error) {
		address, quantity, err := decodeAddrQuantity(req, 1, 2000)
		if err != nil {
			return nil, err
		}
		bits, err := store.ReadDiscreteInputs(address, quantity)
		if err != nil {
			return nil, err
		}
		packed := packBools(bits)
		return append([]byte{byte(len(packed))}, packed...), nil
	}
}

func handleReadHoldingRegisters(store *slave.DataStore) slave.Handler {
	return func(req []byte) ([]byte, error) {
		address, quantity, err := decodeAddrQuantity(req, 1, 125)
		if err != nil {
			return nil, err
		}
		regs, err := store.ReadHoldingRegisters(address, quantity)
		if err != nil {
			return nil, err
		}
		return encodeRegisters(regs), nil
	}
}

func handleReadInputRegisters(store *slave.DataStore) slave.Handler {
	return func(req []byte) ([]byte, error) {
		address, quantity, err := decodeAddrQuantity(req, 1, 125)
		if err != nil {
			return nil, err
		}
		regs, err := store.ReadInputRegisters(address, quantity)
		if err != nil {
			return nil, err
		}
		return encodeRegisters(regs), nil
	}
}

func encodeRegisters(regs []uint16) []byte {
	out := make([]byte, 1+2*len(regs))
	out[0] = byte(2 * len(regs))
	for i, v := range regs {
		binary.BigEndian.PutUint16(out[1+2*i:], v)
	}
	return out
}

func decodeAddrQuantity(req []byte, min, max uint16) (address, quantity uint16, err error) {
	if len(req) != 4 {
		return 0, 0, mberrors.ErrRequestTruncated
	}
	address = binary.BigEndian.Uint16(req[0:2])
	quantity = binary.BigEndian.Uint16(req[2:4])
	if quantity < min || quantity > max {
		return 0, 0, &mberrors.ModbusException{Code: mberrors.ExceptionIllegalDataValue}
	}
	return address, quantity, nil
}

func handleWriteSingleCoil(store *slave.DataStore) slave.Handler {
	return func(req []byte) ([]byte, error) {
		if len(req) != 4 {
			return nil, mberrors.ErrRequestTruncated
		}
		address := binary.BigEndian.Uint16(req[0:2])
		value := binary.BigEndian.Uint16(req[2:4])
		if value != 0xFF00 && value != 0x0000 {
			return nil, &mberrors.ModbusException{Code: mberrors.ExceptionIllegalDataValue}
		}
		if err := store.WriteCoil(address, value == 0xFF00); err != nil {
			return nil, err
		}
		return append([]byte{}, req...), nil
	}
}

func handleWriteSingleRegister(store *slave.DataStore) slave.Handler {
	return func(req []byte) ([]byte, error) {
		if len(req) != 4 {
			return nil, mberrors.ErrRequestTruncated
		}
		address := binary.BigEndian.Uint16(req[0:2])
		value := binary.BigEndian.Uint16(req[2:4])
		if err := store.WriteHoldingRegister(address, value); err != nil {
			return nil, err
		}
		return append([]byte{}, req...), nil
	}
}

func handleWriteMultipleCoils(store *slave.DataStore) slave.Handler {
	return func(req []byte) ([]byte, error) {
		if len(req) < 5 {
			return nil, mberrors.ErrRequestTruncated
		}
		address := binary.BigEndian.Uint16(req[0:2])
		quantity := binary.BigEndian.Uint16(req[2:4])
		byteCount := int(req[4])
		if quantity < 1 || quantity > 1968 || byteCount != (int(quantity)+7)/8 || len(req) != 5+byteCount {
			return nil, &mberrors.ModbusException{Code: mberrors.ExceptionIllegalDataValue}
		}
		if err := store.WriteCoils(address, quantity, unpackBools(req[5:], quantity)); err != nil {
			return nil, err
		}
		return dataBlock(address, quantity), nil
	}
}

func handleWriteMultipleRegisters(store *slave.DataStore) slave.Handler {
	return func(req []byte) ([]byte, error) {
		if len(req) < 5 {
			return nil, mberrors.ErrRequestTruncated
		}
		address := binary.BigEndian.Uint16(req[0:2])
		quantity := binary.BigEndian.Uint16(req[2:4])
		byteCount := int(req[4])
		if quantity < 1 || quantity > 123 || byteCount != 2*int(quantity) || len(req) != 5+byteCount {
			return nil, &mberrors.ModbusException{Code: mberrors.ExceptionIllegalDataValue}
		}
		regs := make([]uint16, quantity)
		for i := range regs {
			regs[i] = binary.BigEndian.Uint16(req[5+2*i:])
		}
		if err := store.WriteHoldingRegisters(address, quantity, regs); err != nil {
			return nil, err
		}
		return dataBlock(address, quantity), nil
	}
}

func handleMaskWriteRegister(store *slave.DataStore) slave.Handler {
	return func(req []byte) ([]byte, error) {
		if len(req) != 6 {
			return nil, mberrors.ErrRequestTruncated
		}
		address := binary.BigEndian.Uint16(req[0:2])
		andMask := binary.BigEndian.Uint16(req[2:4])
		orMask := binary.BigEndian.Uint16(req[4:6])
		if err := store.MaskWriteHoldingRegister(address, andMask, orMask); err != nil {
			return nil, err
		}
		return append([]byte{}, req...), nil
	}
}

func handleReadWriteMultipleRegisters(store *slave.DataStore) slave.Handler {
	return func(req []byte) ([]byte, error) {
		if len(req) < 9 {
			return nil, mberrors.ErrRequestTruncated
		}
		readAddress := binary.BigEndian.Uint16(req[0:2])
		readQuantity := binary.BigEndian.Uint16(req[2:4])
		writeAddress := binary.BigEndian.Uint16(req[4:6])
		writeQuantity := binary.BigEndian.Uint16(req[6:8])
		byteCount := int(req[8])
		if readQuantity < 1 || readQuantity > 125 || writeQuantity < 1 || writeQuantity > 121 ||
			byteCount != 2*int(writeQuantity) || len(req) != 9+byteCount {
			return nil, &mberrors.ModbusException{Code: mberrors.ExceptionIllegalDataValue}
		}
		writeRegs := make([]uint16, writeQuantity)
		for i := range writeRegs {
			writeRegs[i] = binary.BigEndian.Uint16(req[9+2*i:])
		}
		if err := store.WriteHoldingRegisters(writeAddress, writeQuantity, writeRegs); err != nil {
			return nil, err
		}
		readRegs, err := store.ReadHoldingRegisters(readAddress, readQuantity)
		if err != nil {
			return nil, err
		}
		return encodeRegisters(readRegs), nil
	}
}
