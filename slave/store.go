package slave

import (
	"sync"

	"github.com/modbusstack/mbserial/mberrors"
)

// maxAddress bounds every one of the four Modbus address spaces
// (spec §4.11).
const maxAddress = 65536

// DataStore is the in-memory register/coil backing a Slave's command
// table reads and writes against. It maintains the four address spaces
// Modbus defines: coils and discrete inputs (single bits), holding and
// input registers (16-bit words).
type DataStore struct {
	mu sync.RWMutex

	coils          []bool
	discreteInputs []bool
	holdingRegs    []uint16
	inputRegs      []uint16
}

// NewDataStore returns a DataStore with every address space sized to
// maxAddress and zeroed.
func NewDataStore() *DataStore {
	return &DataStore{
		coils:          make([]bool, maxAddress),
		discreteInputs: make([]bool, maxAddress),
		holdingRegs:    make([]uint16, maxAddress),
		inputRegs:      make([]uint16, maxAddress),
	}
}

func bitRange(start, quantity uint16) (int, int, error) {
	end := int(start) + int(quantity)
	if quantity == 0 || end > maxAddress {
		return 0, 0, mberrors.ErrOverflow
	}
	return int(start), end, nil
}

// ReadCoils returns quantity coil values starting at address.
func (s *DataStore) ReadCoils(address, quantity uint16) ([]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start, end, err := bitRange(address, quantity)
	if err != nil {
		return nil, err
	}
	out := make([]bool, quantity)
	copy(out, s.coils[start:end])
	return out, nil
}

// WriteCoil sets one coil.
func (s *DataStore) WriteCoil(address uint16, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(address) >= maxAddress {
		return mberrors.ErrOverflow
	}
	s.coils[address] = value
	return nil
}

// WriteCoils sets quantity coils starting at address from values.
func (s *DataStore) WriteCoils(address, quantity uint16, values []bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	start, end, err := bitRange(address, quantity)
	if err != nil {
		return err
	}
	copy(s.coils[start:end], values)
	return nil
}

// ReadDiscreteInputs returns quantity discrete input values starting at
// address.
func (s *DataStore) ReadDiscreteInputs(address, quantity uint16) ([]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start, end, err := bitRange(address, quantity)
	if err != nil {
		return nil, err
	}
	out := make([]bool, quantity)
	copy(out, s.discreteInputs[start:end])
	return out, nil
}

// SetDiscreteInput sets one discrete input, for test fixtures and
// external sensor feeds; discrete inputs are never writable over the
// wire.
func (s *DataStore) SetDiscreteInput(address uint16, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(address) >= maxAddress {
		return mberrors.ErrOverflow
	}
	s.discreteInputs[address] = value
	return nil
}

// ReadHoldingRegisters returns quantity holding register values starting
// at address.
func (s *DataStore) ReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start, end, err := bitRange(address, quantity)
	if err != nil {
		return nil, err
	}
	out := make([]uint16, quantity)
	copy(out, s.holdingRegs[start:end])
	return out, nil
}

// WriteHoldingRegister sets one holding register.
func (s *DataStore) WriteHoldingRegister(address, value uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(address) >= maxAddress {
		return mberrors.ErrOverflow
	}
	s.holdingRegs[address] = value
	return nil
}

// WriteHoldingRegisters sets quantity holding registers starting at
// address from values.
func (s *DataStore) WriteHoldingRegisters(address, quantity uint16, values []uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	start, end, err := bitRange(address, quantity)
	if err != nil {
		return err
	}
	copy(s.holdingRegs[start:end], values)
	return nil
}

// MaskWriteHoldingRegister applies (current & andMask) | (orMask &
// ^andMask) to the register at address.
func (s *DataStore) MaskWriteHoldingRegister(address, andMask, orMask uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(address) >= maxAddress {
		return mberrors.ErrOverflow
	}
	cur := s.holdingRegs[address]
	s.holdingRegs[address] = (cur & andMask) | (orMask &^ andMask)
	return nil
}

// ReadInputRegisters returns quantity input register values starting at
// address.
func (s *DataStore) ReadInputRegisters(address, quantity uint16) ([]uint16, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start, end, err := bitRange(address, quantity)
	if err != nil {
		return nil, err
	}
	out := make([]uint16, quantity)
	copy(out, s.inputRegs[start:end])
	return out, nil
}

// SetInputRegister sets one input register, for test fixtures and
// external sensor feeds; input registers are never writable over the
// wire.
func (s *DataStore) SetInputRegister(address, value uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(address) >= maxAddress {
		return mberrors.ErrOverflow
	}
	s.inputRegs[address] = value
	return nil
}
