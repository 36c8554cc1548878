package wire

import (
	"encoding/binary"

	"github.com/modbusstack/mbserial/mberrors"
)

// Emitter is a bounded cursor-based big-endian byte writer over a
// caller-supplied slice. Every write advances the cursor; a write that
// would overrun the slice fails with mberrors.ErrBufferEnd and leaves the
// cursor unchanged.
type Emitter struct {
	buf    []byte
	cursor int
}

// NewEmitter binds an Emitter to the beginning of buf. buf may be empty.
func NewEmitter(buf []byte) *Emitter {
	e := &Emitter{}
	e.Init(buf)
	return e
}

// Init (re-)binds the cursor to the beginning of buf.
func (e *Emitter) Init(buf []byte) {
	e.buf = buf
	e.cursor = 0
}

// Reset returns the cursor to zero, preserving the bound slice.
func (e *Emitter) Reset() {
	e.cursor = 0
}

// WrittenLength returns the current cursor position.
func (e *Emitter) WrittenLength() int {
	return e.cursor
}

// Bytes returns the slice written so far.
func (e *Emitter) Bytes() []byte {
	return e.buf[:e.cursor]
}

// WriteU8 writes one byte and advances the cursor by one.
func (e *Emitter) WriteU8(b byte) error {
	if e.cursor+1 > len(e.buf) {
		return mberrors.ErrBufferEnd
	}
	e.buf[e.cursor] = b
	e.cursor++
	return nil
}

// WriteU16BE writes a big-endian uint16 and advances the cursor by two.
func (e *Emitter) WriteU16BE(v uint16) error {
	if e.cursor+2 > len(e.buf) {
		return mberrors.ErrBufferEnd
	}
	binary.BigEndian.PutUint16(e.buf[e.cursor:], v)
	e.cursor += 2
	return nil
}

// WriteBytes writes raw bytes and advances the cursor by len(b).
func (e *Emitter) WriteBytes(b []byte) error {
	if e.cursor+len(b) > len(e.buf) {
		return mberrors.ErrBufferEnd
	}
	copy(e.buf[e.cursor:], b)
	e.cursor += len(b)
	return nil
}

// Fetcher is the read-side counterpart of Emitter: a bounded cursor-based
// big-endian byte reader over an immutable slice.
type Fetcher struct {
	buf    []byte
	cursor int
}

// NewFetcher binds a Fetcher to the beginning of buf.
func NewFetcher(buf []byte) *Fetcher {
	f := &Fetcher{}
	f.Init(buf)
	return f
}

// Init (re-)binds the cursor to the beginning of buf.
func (f *Fetcher) Init(buf []byte) {
	f.buf = buf
	f.cursor = 0
}

// Reset returns the cursor to zero, preserving the bound slice.
func (f *Fetcher) Reset() {
	f.cursor = 0
}

// WrittenLength returns the current cursor position (bytes consumed).
func (f *Fetcher) WrittenLength() int {
	return f.cursor
}

// Remaining returns the number of unread bytes.
func (f *Fetcher) Remaining() int {
	return len(f.buf) - f.cursor
}

// ReadU8 reads one byte and advances the cursor by one.
func (f *Fetcher) ReadU8() (byte, error) {
	if f.cursor+1 > len(f.buf) {
		return 0, mberrors.ErrBufferEnd
	}
	b := f.buf[f.cursor]
	f.cursor++
	return b, nil
}

// ReadU16BE reads a big-endian uint16 and advances the cursor by two.
func (f *Fetcher) ReadU16BE() (uint16, error) {
	if f.cursor+2 > len(f.buf) {
		return 0, mberrors.ErrBufferEnd
	}
	v := binary.BigEndian.Uint16(f.buf[f.cursor:])
	f.cursor += 2
	return v, nil
}

// ReadBytes reads n raw bytes and advances the cursor by n.
func (f *Fetcher) ReadBytes(n int) ([]byte, error) {
	if f.cursor+n > len(f.buf) {
		return nil, mberrors.ErrBufferEnd
	}
	b := f.buf[f.cursor : f.cursor+n]
	f.cursor += n
	return b, nil
}
