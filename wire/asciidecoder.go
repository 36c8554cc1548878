package wire

// ASCIIState names the decoder's current hex-pair position (spec §4.4).
type ASCIIState int

const (
	ASCIIStateAddrHi ASCIIState = iota
	ASCIIStateAddrLo
	ASCIIStateFnCodeHi
	ASCIIStateFnCodeLo
	ASCIIStateDataHi
	ASCIIStateDataLo
	ASCIIStateEnd
)

// ASCIIDecoder consumes one hex character per PushChar call. It operates
// on a pre-stripped payload: the transport layer strips the leading ':'
// and trailing CR/LF before characters reach this decoder. Each decoded
// byte flows through the same 2-byte trailing window as RTUDecoder, with
// LRC standing in for CRC.
type ASCIIDecoder struct {
	data    []byte
	dataLen int

	addr   byte
	fncode byte

	shift      [2]byte
	shiftCount int

	byteCount int
	lrc       LRC
	state     ASCIIState
	highNib   byte
	haveHigh  bool
	flags     Flags
	ended     bool
}

// NewASCIIDecoder returns a decoder appending data bytes into dataBuf.
func NewASCIIDecoder(dataBuf []byte) *ASCIIDecoder {
	d := &ASCIIDecoder{}
	d.Init(dataBuf)
	return d
}

// Init resets the decoder to the ADDR_HI state, bound to a fresh buffer.
func (d *ASCIIDecoder) Init(dataBuf []byte) {
	*d = ASCIIDecoder{data: dataBuf}
}

// State returns the decoder's current hex-pair position.
func (d *ASCIIDecoder) State() ASCIIState {
	return d.state
}

// PushChar feeds one hex character (uppercase 0-9/A-F expected).
func (d *ASCIIDecoder) PushChar(c byte) {
	if d.ended {
		d.flags |= FlagRedundantByte | FlagDrop
		return
	}
	nibble, ok := hexNibble(c)
	if !ok {
		d.flags |= FlagInvalidByte | FlagDrop
		nibble = 0
	}

	if !d.haveHigh {
		d.highNib = nibble
		d.haveHigh = true
		d.advanceHi()
		return
	}
	b := (d.highNib << 4) | nibble
	d.haveHigh = false
	d.byteCount++
	d.consumeByte(b)
}

func (d *ASCIIDecoder) advanceHi() {
	switch d.state {
	case ASCIIStateAddrHi:
		d.state = ASCIIStateAddrLo
	case ASCIIStateFnCodeHi:
		d.state = ASCIIStateFnCodeLo
	case ASCIIStateDataHi:
		d.state = ASCIIStateDataLo
	}
}

func (d *ASCIIDecoder) consumeByte(b byte) {
	switch d.state {
	case ASCIIStateAddrLo:
		d.addr = b
		d.state = ASCIIStateFnCodeHi
	case ASCIIStateFnCodeLo:
		d.fncode = b
		d.lrc.Update(d.addr)
		d.lrc.Update(d.fncode)
		d.state = ASCIIStateDataHi
	default: // ASCIIStateDataLo (and first bytes of the window)
		if d.shiftCount == 2 {
			oldest := d.shift[0]
			d.appendData(oldest)
			d.lrc.Update(oldest)
			d.shift[0] = d.shift[1]
			d.shift[1] = b
		} else {
			d.shift[d.shiftCount] = b
			d.shiftCount++
		}
		d.state = ASCIIStateDataHi
	}
}

func (d *ASCIIDecoder) appendData(b byte) {
	if d.dataLen < len(d.data) {
		d.data[d.dataLen] = b
		d.dataLen++
		return
	}
	d.flags |= FlagBufferOverflow | FlagDrop
}

// End closes the decoder. The held single trailing byte (shift[0], valid
// once shiftCount==1) is the received LRC; anything short of that is a
// truncated frame.
func (d *ASCIIDecoder) End() {
	if d.ended {
		return
	}
	d.ended = true
	d.state = ASCIIStateEnd

	if d.byteCount < 3 || d.shiftCount < 1 {
		d.flags |= FlagTruncated | FlagChecksumMismatch | FlagDrop
		return
	}
	receivedLRC := d.shift[0]
	if d.shiftCount == 2 {
		// One byte of data/window still pending promotion: it belongs
		// to the data buffer, and shift[1] is the actual LRC byte.
		d.appendData(d.shift[0])
		d.lrc.Update(d.shift[0])
		receivedLRC = d.shift[1]
	}
	if receivedLRC != d.lrc.Finalize() {
		d.flags |= FlagChecksumMismatch | FlagDrop
	}
}

// Frame returns the decoded frame. Valid only after End().
func (d *ASCIIDecoder) Frame() Frame {
	return Frame{
		Address:      d.addr,
		FunctionCode: d.fncode,
		Data:         d.data[:d.dataLen],
		Flags:        d.flags,
	}
}

// Flags returns the flags accumulated so far.
func (d *ASCIIDecoder) Flags() Flags {
	return d.flags
}
