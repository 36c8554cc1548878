package wire

// RTUState names the five-state RTU decode state machine (spec §4.3).
type RTUState int

const (
	RTUStateAddr RTUState = iota
	RTUStateFnCode
	RTUStateCRCHi
	RTUStateCRCLo
	RTUStateData
	RTUStateEnd
)

// RTUDecoder consumes one byte per PushByte call and reconstructs a Frame,
// using a 2-byte trailing window to recognize the CRC without knowing the
// frame length in advance: every byte past the function code is installed
// into the CRC_HI slot, demoting the previous CRC_HI into CRC_LO and the
// previous CRC_LO into the data buffer.
type RTUDecoder struct {
	data    []byte
	dataLen int

	addr   byte
	fncode byte

	// shift holds the 2-byte trailing window: shift[0] is the older
	// (CRC_LO position) byte, shift[1] the newer (CRC_HI position).
	shift      [2]byte
	shiftCount int

	byteCount int
	crc       CRC16
	state     RTUState
	flags     Flags
	ended     bool
}

// NewRTUDecoder returns a decoder that appends decoded data bytes into
// dataBuf (caller-owned, bounded).
func NewRTUDecoder(dataBuf []byte) *RTUDecoder {
	d := &RTUDecoder{}
	d.Init(dataBuf)
	return d
}

// Init resets the decoder to the ADDR state, bound to a fresh data buffer.
func (d *RTUDecoder) Init(dataBuf []byte) {
	*d = RTUDecoder{data: dataBuf}
	d.crc.Reset()
}

// State returns the decoder's current state.
func (d *RTUDecoder) State() RTUState {
	return d.state
}

// PushByte feeds one received byte into the decoder.
func (d *RTUDecoder) PushByte(b byte) {
	if d.ended {
		d.flags |= FlagRedundantByte | FlagDrop
		return
	}
	d.byteCount++

	switch d.state {
	case RTUStateAddr:
		d.addr = b
		d.state = RTUStateFnCode
	case RTUStateFnCode:
		d.fncode = b
		d.crc.Update(d.addr)
		d.crc.Update(d.fncode)
		d.state = RTUStateCRCHi
	default:
		// RTUStateCRCHi, RTUStateCRCLo, RTUStateData all share the
		// trailing-window shift: only the state label differs until
		// the window has filled once, after which it is effectively
		// "DATA" for the remainder of the frame.
		if d.shiftCount == 2 {
			oldest := d.shift[0]
			d.appendData(oldest)
			d.crc.Update(oldest)
			d.shift[0] = d.shift[1]
			d.shift[1] = b
			d.state = RTUStateData
		} else {
			d.shift[d.shiftCount] = b
			d.shiftCount++
			switch d.shiftCount {
			case 1:
				d.state = RTUStateCRCLo
			case 2:
				d.state = RTUStateData
			}
		}
	}
}

func (d *RTUDecoder) appendData(b byte) {
	if d.dataLen < len(d.data) {
		d.data[d.dataLen] = b
		d.dataLen++
		return
	}
	d.flags |= FlagBufferOverflow | FlagDrop
}

// End closes the decoder: fewer than 4 observed bytes is truncation;
// otherwise the held trailing window is compared against the computed
// CRC (wire order is low byte first).
func (d *RTUDecoder) End() {
	if d.ended {
		return
	}
	d.ended = true
	d.state = RTUStateEnd

	if d.byteCount < 4 {
		d.flags |= FlagTruncated | FlagChecksumMismatch | FlagDrop
		return
	}
	crcLo, crcHi := d.shift[0], d.shift[1]
	wire := uint16(crcHi)<<8 | uint16(crcLo)
	if wire != d.crc.Finalize() {
		d.flags |= FlagChecksumMismatch | FlagDrop
	}
}

// Frame returns the decoded frame. Valid only after End().
func (d *RTUDecoder) Frame() Frame {
	return Frame{
		Address:      d.addr,
		FunctionCode: d.fncode,
		Data:         d.data[:d.dataLen],
		Flags:        d.flags,
	}
}

// Flags returns the flags accumulated so far (valid before End() too, for
// inspecting overflow mid-stream).
func (d *RTUDecoder) Flags() Flags {
	return d.flags
}
