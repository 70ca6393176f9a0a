// Package axdr implements the tag-prefixed binary encoding used by the
// attribute protocol. Every value on the wire is a one-byte data tag
// followed by a fixed-width payload, or by a count prefix for arrays,
// structures, strings and bit-strings.
package axdr

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Data tags.
const (
	TagArray              byte = 0x01
	TagStructure          byte = 0x02
	TagBitString          byte = 0x04
	TagDoubleLong         byte = 0x05
	TagDoubleLongUnsigned byte = 0x06
	TagOctetString        byte = 0x09
	TagUtf8String         byte = 0x0C
	TagInteger            byte = 0x0F
	TagLong               byte = 0x10
	TagUnsigned           byte = 0x11
	TagLongUnsigned       byte = 0x12
	TagLong64Unsigned     byte = 0x15
	TagEnum               byte = 0x16
	TagDateTime           byte = 0x19
)

var (
	// ErrTag reports a tag byte that does not match the expected type.
	ErrTag = errors.New("axdr: unexpected tag")
	// ErrShort reports a buffer that ends before the value does.
	ErrShort = errors.New("axdr: buffer too short")
	// ErrLength reports a count or length prefix out of range.
	ErrLength = errors.New("axdr: bad length")
)

// Encoder builds an encoded buffer by appending tagged values.
// The zero value is ready to use.
type Encoder struct {
	buf []byte
}

func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) Structure(fields int) *Encoder {
	e.buf = append(e.buf, TagStructure, byte(fields))
	return e
}

func (e *Encoder) Array(elems int) *Encoder {
	e.buf = append(e.buf, TagArray, byte(elems))
	return e
}

func (e *Encoder) Enum(v byte) *Encoder {
	e.buf = append(e.buf, TagEnum, v)
	return e
}

func (e *Encoder) Unsigned(v uint8) *Encoder {
	e.buf = append(e.buf, TagUnsigned, v)
	return e
}

func (e *Encoder) Integer(v int8) *Encoder {
	e.buf = append(e.buf, TagInteger, byte(v))
	return e
}

func (e *Encoder) Long(v int16) *Encoder {
	e.buf = append(e.buf, TagLong)
	e.buf = binary.BigEndian.AppendUint16(e.buf, uint16(v))
	return e
}

func (e *Encoder) LongUnsigned(v uint16) *Encoder {
	e.buf = append(e.buf, TagLongUnsigned)
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
	return e
}

func (e *Encoder) DoubleLong(v int32) *Encoder {
	e.buf = append(e.buf, TagDoubleLong)
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(v))
	return e
}

func (e *Encoder) DoubleLongUnsigned(v uint32) *Encoder {
	e.buf = append(e.buf, TagDoubleLongUnsigned)
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
	return e
}

func (e *Encoder) Long64Unsigned(v uint64) *Encoder {
	e.buf = append(e.buf, TagLong64Unsigned)
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
	return e
}

// BitString8 encodes an 8-bit bit-string: tag, bit count, one payload byte.
func (e *Encoder) BitString8(v byte) *Encoder {
	e.buf = append(e.buf, TagBitString, 8, v)
	return e
}

func (e *Encoder) OctetString(b []byte) *Encoder {
	e.buf = append(e.buf, TagOctetString, byte(len(b)))
	e.buf = append(e.buf, b...)
	return e
}

func (e *Encoder) Utf8String(s string) *Encoder {
	e.buf = append(e.buf, TagUtf8String, byte(len(s)))
	e.buf = append(e.buf, s...)
	return e
}

func (e *Encoder) DateTime(dt DateTime) *Encoder {
	e.buf = append(e.buf, TagDateTime)
	e.buf = append(e.buf, dt[:]...)
	return e
}

// DateTimeOctets encodes a date-time wrapped in an octet-string, the form
// used by the writable time attributes.
func (e *Encoder) DateTimeOctets(dt DateTime) *Encoder {
	return e.OctetString(dt[:])
}

// Decoder reads tagged values from an encoded buffer with bounds checking.
// The first failed read sticks: every later call returns the zero value and
// Err() reports the failure.
type Decoder struct {
	buf []byte
	pos int
	err error
}

func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

func (d *Decoder) Err() error { return d.err }

// Remaining reports how many undecoded bytes are left.
func (d *Decoder) Remaining() int { return len(d.buf) - d.pos }

func (d *Decoder) fail(err error) {
	if d.err == nil {
		d.err = fmt.Errorf("%w at offset %d", err, d.pos)
	}
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.pos+n > len(d.buf) {
		d.fail(ErrShort)
		return nil
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *Decoder) tag(want byte) bool {
	b := d.take(1)
	if b == nil {
		return false
	}
	if b[0] != want {
		d.pos--
		d.fail(ErrTag)
		return false
	}
	return true
}

// PeekTag returns the next tag byte without consuming it.
func (d *Decoder) PeekTag() (byte, error) {
	if d.err != nil {
		return 0, d.err
	}
	if d.pos >= len(d.buf) {
		return 0, ErrShort
	}
	return d.buf[d.pos], nil
}

func (d *Decoder) Structure() int {
	if !d.tag(TagStructure) {
		return 0
	}
	b := d.take(1)
	if b == nil {
		return 0
	}
	return int(b[0])
}

func (d *Decoder) Array() int {
	if !d.tag(TagArray) {
		return 0
	}
	b := d.take(1)
	if b == nil {
		return 0
	}
	return int(b[0])
}

func (d *Decoder) Enum() byte {
	if !d.tag(TagEnum) {
		return 0
	}
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) Unsigned() uint8 {
	if !d.tag(TagUnsigned) {
		return 0
	}
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) Integer() int8 {
	if !d.tag(TagInteger) {
		return 0
	}
	b := d.take(1)
	if b == nil {
		return 0
	}
	return int8(b[0])
}

func (d *Decoder) Long() int16 {
	if !d.tag(TagLong) {
		return 0
	}
	b := d.take(2)
	if b == nil {
		return 0
	}
	return int16(binary.BigEndian.Uint16(b))
}

func (d *Decoder) LongUnsigned() uint16 {
	if !d.tag(TagLongUnsigned) {
		return 0
	}
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *Decoder) DoubleLong() int32 {
	if !d.tag(TagDoubleLong) {
		return 0
	}
	b := d.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (d *Decoder) DoubleLongUnsigned() uint32 {
	if !d.tag(TagDoubleLongUnsigned) {
		return 0
	}
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *Decoder) Long64Unsigned() uint64 {
	if !d.tag(TagLong64Unsigned) {
		return 0
	}
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// BitString8 decodes an 8-bit bit-string into its payload byte.
func (d *Decoder) BitString8() byte {
	if !d.tag(TagBitString) {
		return 0
	}
	n := d.take(1)
	if n == nil {
		return 0
	}
	if n[0] != 8 {
		d.fail(ErrLength)
		return 0
	}
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) OctetString() []byte {
	if !d.tag(TagOctetString) {
		return nil
	}
	n := d.take(1)
	if n == nil {
		return nil
	}
	return d.take(int(n[0]))
}

// OctetStringN decodes an octet-string and requires an exact length.
func (d *Decoder) OctetStringN(n int) []byte {
	b := d.OctetString()
	if d.err != nil {
		return nil
	}
	if len(b) != n {
		d.fail(ErrLength)
		return nil
	}
	return b
}

func (d *Decoder) Utf8String() string {
	if !d.tag(TagUtf8String) {
		return ""
	}
	n := d.take(1)
	if n == nil {
		return ""
	}
	b := d.take(int(n[0]))
	if b == nil {
		return ""
	}
	return string(b)
}

// DateTime decodes a date-time delivered either with the date-time tag or
// wrapped in a 12-byte octet-string, both of which the protocol permits.
func (d *Decoder) DateTime() DateTime {
	var dt DateTime
	t, err := d.PeekTag()
	if err != nil {
		d.fail(err)
		return dt
	}
	var b []byte
	switch t {
	case TagDateTime:
		d.take(1)
		b = d.take(DateTimeLen)
	case TagOctetString:
		b = d.OctetStringN(DateTimeLen)
	default:
		d.fail(ErrTag)
		return dt
	}
	if b == nil {
		return dt
	}
	copy(dt[:], b)
	return dt
}
