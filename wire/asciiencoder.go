package wire

import "github.com/modbusstack/mbserial/mberrors"

// asciiEncState is the ASCII encoder's pull-state sequence (spec §4.5).
type asciiEncState int

const (
	asciiEncStart asciiEncState = iota
	asciiEncAddrHi
	asciiEncAddrLo
	asciiEncFnCodeHi
	asciiEncFnCodeLo
	asciiEncDataHi
	asciiEncDataLo
	asciiEncLRCHi
	asciiEncLRCLo
	asciiEncCR
	asciiEncLF
	asciiEncEnd
)

// AsciiLineFeed is the default ASCII frame line-feed terminator. Devices
// may configure a different byte for peers that deviate from 0x0A.
const AsciiLineFeed = 0x0A

// ASCIIEncoder is a pull-style character producer emitting the ':' framed,
// two-hex-characters-per-byte ASCII wire format.
type ASCIIEncoder struct {
	frame   Frame
	lf      byte
	state   asciiEncState
	pos     int
	partial byte // latched low nibble's byte, second char pending
	lrc     LRC
}

// NewASCIIEncoder starts encoding f, terminating lines with lf (pass
// AsciiLineFeed for the standard 0x0A).
func NewASCIIEncoder(f Frame, lf byte) *ASCIIEncoder {
	return &ASCIIEncoder{frame: f, lf: lf}
}

// HasNext reports whether another character remains to be pulled.
func (e *ASCIIEncoder) HasNext() bool {
	return e.state != asciiEncEnd
}

// Next returns the next character of the encoded frame and advances state.
func (e *ASCIIEncoder) Next() (byte, error) {
	switch e.state {
	case asciiEncStart:
		e.state = asciiEncAddrHi
		return ':', nil
	case asciiEncAddrHi:
		e.partial = e.frame.Address
		e.lrc.Update(e.partial)
		e.state = asciiEncAddrLo
		return hexHi(e.partial), nil
	case asciiEncAddrLo:
		e.state = asciiEncFnCodeHi
		return hexLo(e.partial), nil
	case asciiEncFnCodeHi:
		e.partial = e.frame.FunctionCode
		e.lrc.Update(e.partial)
		e.state = asciiEncFnCodeLo
		return hexHi(e.partial), nil
	case asciiEncFnCodeLo:
		if len(e.frame.Data) == 0 {
			e.state = asciiEncLRCHi
		} else {
			e.state = asciiEncDataHi
		}
		return hexLo(e.partial), nil
	case asciiEncDataHi:
		e.partial = e.frame.Data[e.pos]
		e.lrc.Update(e.partial)
		e.state = asciiEncDataLo
		return hexHi(e.partial), nil
	case asciiEncDataLo:
		e.pos++
		if e.pos >= len(e.frame.Data) {
			e.state = asciiEncLRCHi
		} else {
			e.state = asciiEncDataHi
		}
		return hexLo(e.partial), nil
	case asciiEncLRCHi:
		e.partial = e.lrc.Finalize()
		e.state = asciiEncLRCLo
		return hexHi(e.partial), nil
	case asciiEncLRCLo:
		e.state = asciiEncCR
		return hexLo(e.partial), nil
	case asciiEncCR:
		e.state = asciiEncLF
		return '\r', nil
	case asciiEncLF:
		e.state = asciiEncEnd
		return e.lf, nil
	default:
		return 0, mberrors.ErrFrameEncFrameEnd
	}
}

// EncodeASCII fully encodes f into a freshly allocated byte slice.
func EncodeASCII(f Frame, lf byte) []byte {
	out := make([]byte, 0, 1+4+2*len(f.Data)+2+2)
	enc := NewASCIIEncoder(f, lf)
	for enc.HasNext() {
		b, _ := enc.Next()
		out = append(out, b)
	}
	return out
}
