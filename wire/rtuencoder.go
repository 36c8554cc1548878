package wire

import "github.com/modbusstack/mbserial/mberrors"

// rtuEncState is the RTU encoder's pull-state sequence (spec §4.5).
type rtuEncState int

const (
	rtuEncAddr rtuEncState = iota
	rtuEncFnCode
	rtuEncData
	rtuEncCRCLo
	rtuEncCRCHi
	rtuEncEnd
)

// RTUEncoder is a pull-style byte producer: Next returns the next wire
// byte and advances; HasNext reports whether another byte remains.
type RTUEncoder struct {
	frame Frame
	state rtuEncState
	pos   int
	crc   CRC16
}

// NewRTUEncoder starts encoding f.
func NewRTUEncoder(f Frame) *RTUEncoder {
	e := &RTUEncoder{frame: f}
	e.crc.Reset()
	return e
}

// HasNext reports whether another byte remains to be pulled.
func (e *RTUEncoder) HasNext() bool {
	return e.state != rtuEncEnd
}

// Next returns the next byte of the encoded frame and advances state.
func (e *RTUEncoder) Next() (byte, error) {
	switch e.state {
	case rtuEncAddr:
		b := e.frame.Address
		e.crc.Update(b)
		e.state = rtuEncFnCode
		return b, nil
	case rtuEncFnCode:
		b := e.frame.FunctionCode
		e.crc.Update(b)
		if len(e.frame.Data) == 0 {
			e.state = rtuEncCRCLo
		} else {
			e.state = rtuEncData
		}
		return b, nil
	case rtuEncData:
		b := e.frame.Data[e.pos]
		e.crc.Update(b)
		e.pos++
		if e.pos >= len(e.frame.Data) {
			e.state = rtuEncCRCLo
		}
		return b, nil
	case rtuEncCRCLo:
		e.state = rtuEncCRCHi
		return e.crc.Lo(), nil
	case rtuEncCRCHi:
		e.state = rtuEncEnd
		return e.crc.Hi(), nil
	default:
		return 0, mberrors.ErrFrameEncFrameEnd
	}
}

// EncodeRTU fully encodes f into a freshly allocated byte slice. Convenience
// wrapper around the pull interface for callers that don't need to stream
// byte-by-byte to a driver.
func EncodeRTU(f Frame) []byte {
	out := make([]byte, 0, 4+len(f.Data))
	enc := NewRTUEncoder(f)
	for enc.HasNext() {
		b, _ := enc.Next()
		out = append(out, b)
	}
	return out
}
