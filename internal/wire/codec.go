package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrShortBuffer    = errors.New("wire: short buffer")
	ErrStringTooLong  = errors.New("wire: string too long")
	ErrPacketTooLarge = errors.New("wire: packet too large")
)

// Encoder appends big-endian fields to a growing buffer.
type Encoder struct {
	buf []byte
	err error
}

// NewEncoder returns an encoder with room for size bytes.
func NewEncoder(size int) *Encoder {
	return &Encoder{buf: make([]byte, 0, size)}
}

func (e *Encoder) PutU8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *Encoder) PutBool(v bool) {
	if v {
		e.PutU8(1)
		return
	}
	e.PutU8(0)
}

func (e *Encoder) PutU16(v uint16) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
}

func (e *Encoder) PutU32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

// PutString writes a u16 length followed by the raw bytes.
func (e *Encoder) PutString(s string) {
	if len(s) > math.MaxUint16 {
		e.fail(fmt.Errorf("%w: %d bytes", ErrStringTooLong, len(s)))
		return
	}
	e.PutU16(uint16(len(s)))
	e.buf = append(e.buf, s...)
}

// PutRaw writes b without a length prefix.
func (e *Encoder) PutRaw(b []byte) {
	e.buf = append(e.buf, b...)
}

// Mark reserves a u16 length slot and returns its offset for Patch.
func (e *Encoder) Mark() int {
	pos := len(e.buf)
	e.PutU16(0)
	return pos
}

// Patch writes the number of bytes from pos to the end into the slot at pos.
func (e *Encoder) Patch(pos int) {
	n := len(e.buf) - pos
	if n > math.MaxUint16 {
		e.fail(fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, n))
		return
	}
	binary.BigEndian.PutUint16(e.buf[pos:], uint16(n))
}

// PokeU16 overwrites a u16 at pos.
func (e *Encoder) PokeU16(pos int, v uint16) {
	binary.BigEndian.PutUint16(e.buf[pos:], v)
}

func (e *Encoder) Len() int { return len(e.buf) }

// Bytes returns the encoded data or the first error hit while encoding.
func (e *Encoder) Bytes() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.buf, nil
}

func (e *Encoder) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

// Decoder reads big-endian fields. The first overrun sticks: later reads
// return zero values and Err reports it.
type Decoder struct {
	buf []byte
	off int
	err error
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf)-d.off < n {
		d.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, d.off, len(d.buf)-d.off)
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *Decoder) U8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) Bool() bool {
	return d.U8() != 0
}

func (d *Decoder) U16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *Decoder) U32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// Str reads a u16 length-prefixed string.
func (d *Decoder) Str() string {
	n := d.U16()
	b := d.take(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}

// Raw returns the next n bytes. The slice aliases the input.
func (d *Decoder) Raw(n int) []byte {
	return d.take(n)
}

// Sub returns a decoder over the next n bytes and advances past them.
func (d *Decoder) Sub(n int) *Decoder {
	b := d.take(n)
	if b == nil {
		return &Decoder{err: d.err}
	}
	return NewDecoder(b)
}

func (d *Decoder) Skip(n int) {
	d.take(n)
}

func (d *Decoder) Remaining() int {
	if d.err != nil {
		return 0
	}
	return len(d.buf) - d.off
}

func (d *Decoder) Offset() int { return d.off }

func (d *Decoder) Err() error { return d.err }
