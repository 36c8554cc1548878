package catalog

import (
	"errors"
	"testing"

	"github.com/modbusstack/mbserial/mberrors"
	"github.com/modbusstack/mbserial/slave"
)

func newStoreAndTable(t *testing.T) (*slave.DataStore, *slave.CommandTable) {
	t.Helper()
	store := slave.NewDataStore()
	table := slave.NewCommandTable()
	if err := RegisterStandardCommands(table, store); err != nil {
		t.Fatalf("RegisterStandardCommands: %v", err)
	}
	return store, table
}

func handlerFor(t *testing.T, table *slave.CommandTable, fn byte) slave.Handler {
	t.Helper()
	h, ok := table.Lookup(fn)
	if !ok {
		t.Fatalf("no handler registered for %#x", fn)
	}
	return h
}

func TestRegisterStandardCommandsRegistersAllTenCodes(t *testing.T) {
	_, table := newStoreAndTable(t)
	for _, fn := range []byte{
		FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters, FuncReadInputRegisters,
		FuncWriteSingleCoil, FuncWriteSingleRegister, FuncWriteMultipleCoils, FuncWriteMultipleRegisters,
		FuncMaskWriteRegister, FuncReadWriteMultipleRegisters,
	} {
		if _, ok := table.Lookup(fn); !ok {
			t.Fatalf("function code %#x not registered", fn)
		}
	}
}

func TestHandleReadCoils(t *testing.T) {
	store, table := newStoreAndTable(t)
	store.WriteCoils(0, 3, []bool{true, false, true})

	resp, err := handlerFor(t, table, FuncReadCoils)(dataBlock(0, 3))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	want := []byte{0x01, 0x05} // byte count 1, bits 0b101
	if string(resp) != string(want) {
		t.Fatalf("got %v, want %v", resp, want)
	}
}

func TestHandleReadCoilsBadQuantityIsException(t *testing.T) {
	_, table := newStoreAndTable(t)
	_, err := handlerFor(t, table, FuncReadCoils)(dataBlock(0, 0))
	var mbErr *mberrors.ModbusException
	if !errors.As(err, &mbErr) || mbErr.Code != mberrors.ExceptionIllegalDataValue {
		t.Fatalf("err = %v, want illegal-data-value exception", err)
	}
}

func TestHandleReadCoilsOutOfRangeAddress(t *testing.T) {
	_, table := newStoreAndTable(t)
	_, err := handlerFor(t, table, FuncReadCoils)(dataBlock(65530, 10))
	if !errors.Is(err, mberrors.ErrOverflow) {
		t.Fatalf("err = %v, want %v", err, mberrors.ErrOverflow)
	}
}

func TestHandleReadHoldingRegisters(t *testing.T) {
	store, table := newStoreAndTable(t)
	store.WriteHoldingRegisters(10, 2, []uint16{0x1111, 0x2222})

	resp, err := handlerFor(t, table, FuncReadHoldingRegisters)(dataBlock(10, 2))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	want := append([]byte{0x04}, dataBlock(0x1111, 0x2222)...)
	if string(resp) != string(want) {
		t.Fatalf("got %v, want %v", resp, want)
	}
}

func TestHandleWriteSingleCoilEchoesRequest(t *testing.T) {
	store, table := newStoreAndTable(t)
	req := dataBlock(5, 0xFF00)
	resp, err := handlerFor(t, table, FuncWriteSingleCoil)(req)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if string(resp) != string(req) {
		t.Fatalf("got %v, want echoed request %v", resp, req)
	}
	got, err := store.ReadCoils(5, 1)
	if err != nil {
		t.Fatalf("ReadCoils: %v", err)
	}
	if !got[0] {
		t.Fatal("coil 5 not set")
	}
}

func TestHandleWriteSingleCoilRejectsBadValue(t *testing.T) {
	_, table := newStoreAndTable(t)
	_, err := handlerFor(t, table, FuncWriteSingleCoil)(dataBlock(5, 0x1234))
	var mbErr *mberrors.ModbusException
	if !errors.As(err, &mbErr) || mbErr.Code != mberrors.ExceptionIllegalDataValue {
		t.Fatalf("err = %v, want illegal-data-value exception", err)
	}
}

func TestHandleWriteMultipleCoils(t *testing.T) {
	store, table := newStoreAndTable(t)
	req := dataBlockSuffix([]byte{0x05}, 0, 3) // 0b101 -> coil0=1 coil1=0 coil2=1
	resp, err := handlerFor(t, table, FuncWriteMultipleCoils)(req)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if string(resp) != string(dataBlock(0, 3)) {
		t.Fatalf("got %v, want echoed address/quantity", resp)
	}
	got, err := store.ReadCoils(0, 3)
	if err != nil {
		t.Fatalf("ReadCoils: %v", err)
	}
	want := []bool{true, false, true}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("coil %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestHandleWriteMultipleCoilsRejectsMismatchedByteCount(t *testing.T) {
	_, table := newStoreAndTable(t)
	req := dataBlockSuffix([]byte{0x05, 0x00}, 0, 3) // byte count should be 1, not 2
	_, err := handlerFor(t, table, FuncWriteMultipleCoils)(req)
	var mbErr *mberrors.ModbusException
	if !errors.As(err, &mbErr) || mbErr.Code != mberrors.ExceptionIllegalDataValue {
		t.Fatalf("err = %v, want illegal-data-value exception", err)
	}
}

func TestHandleMaskWriteRegister(t *testing.T) {
	store, table := newStoreAndTable(t)
	store.WriteHoldingRegister(0, 0x12)

	req := dataBlock(0, 0x00F2, 0x0025)
	resp, err := handlerFor(t, table, FuncMaskWriteRegister)(req)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if string(resp) != string(req) {
		t.Fatalf("got %v, want echoed request %v", resp, req)
	}
	got, err := store.ReadHoldingRegisters(0, 1)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters: %v", err)
	}
	if got[0] != 0x17 {
		t.Fatalf("got %#x, want 0x17", got[0])
	}
}

func TestHandleReadWriteMultipleRegisters(t *testing.T) {
	store, table := newStoreAndTable(t)
	store.WriteHoldingRegisters(0, 2, []uint16{0xAAAA, 0xBBBB})

	writeValues := dataBlock(0x1111)
	req := dataBlockSuffix(writeValues, 0, 2, 10, 1)
	resp, err := handlerFor(t, table, FuncReadWriteMultipleRegisters)(req)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	want := append([]byte{0x04}, dataBlock(0xAAAA, 0xBBBB)...)
	if string(resp) != string(want) {
		t.Fatalf("got %v, want %v", resp, want)
	}
	got, err := store.ReadHoldingRegisters(10, 1)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters: %v", err)
	}
	if got[0] != 0x1111 {
		t.Fatalf("write side-effect: got %#x, want 0x1111", got[0])
	}
}

func TestPackUnpackBoolsRoundTrip(t *testing.T) {
	bits := []bool{true, false, true, true, false, false, false, true, true}
	packed := packBools(bits)
	got := unpackBools(packed, uint16(len(bits)))
	for i := range bits {
		if got[i] != bits[i] {
			t.Fatalf("bit %d = %v, want %v", i, got[i], bits[i])
		}
	}
}
