// Package wire encodes and decodes the fixed-layout messages exchanged
// between the card and its terminals.
//
// Messages carry no tags: every field is written in a schema-defined order.
// Integers are big-endian, and variable sized blocks (certificates,
// signatures, keys, identifiers) carry a 4-byte length prefix.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxBlock bounds a single length-prefixed block.
const MaxBlock = 1 << 16

var (
	// ErrShortBuffer is returned when a message ends before its schema does.
	ErrShortBuffer = errors.New("wire: short buffer")

	// ErrTrailingData is returned when bytes remain after the last field.
	ErrTrailingData = errors.New("wire: trailing data")

	// ErrBlockTooLarge is returned for length prefixes above MaxBlock.
	ErrBlockTooLarge = errors.New("wire: block too large")
)

// Builder accumulates the fields of one outbound message.
type Builder struct {
	buf []byte
}

func NewBuilder() *Builder {
	return &Builder{buf: make([]byte, 0, 128)}
}

func (b *Builder) Byte(v byte) *Builder {
	b.buf = append(b.buf, v)
	return b
}

func (b *Builder) Uint16(v uint16) *Builder {
	b.buf = binary.BigEndian.AppendUint16(b.buf, v)
	return b
}

func (b *Builder) Uint32(v uint32) *Builder {
	b.buf = binary.BigEndian.AppendUint32(b.buf, v)
	return b
}

// Raw appends p without a length prefix. Used for literal tags.
func (b *Builder) Raw(p []byte) *Builder {
	b.buf = append(b.buf, p...)
	return b
}

// Block appends p behind its 4-byte length.
func (b *Builder) Block(p []byte) *Builder {
	b.buf = binary.BigEndian.AppendUint32(b.buf, uint32(len(p)))
	b.buf = append(b.buf, p...)
	return b
}

// Bytes returns the finished message.
func (b *Builder) Bytes() []byte {
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}

// Concat joins fields into a data-to-be-signed buffer.
func Concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func Uint16Bytes(v uint16) []byte {
	return binary.BigEndian.AppendUint16(nil, v)
}

func Uint32Bytes(v uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, v)
}

// Reader walks an inbound message field by field. The first failure is
// sticky: later calls return zero values and Done reports the error.
type Reader struct {
	data []byte
	off  int
	err  error
}

func NewReader(p []byte) *Reader {
	return &Reader{data: p}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, r.off, len(r.data)-r.off)
		return nil
	}
	p := r.data[r.off : r.off+n]
	r.off += n
	return p
}

func (r *Reader) Byte() byte {
	p := r.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (r *Reader) Uint16() uint16 {
	p := r.take(2)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint16(p)
}

func (r *Reader) Uint32() uint32 {
	p := r.take(4)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint32(p)
}

// Raw reads exactly n bytes.
func (r *Reader) Raw(n int) []byte {
	p := r.take(n)
	if p == nil {
		return nil
	}
	return append([]byte(nil), p...)
}

// Block reads a length-prefixed block.
func (r *Reader) Block() []byte {
	n := r.Uint32()
	if r.err != nil {
		return nil
	}
	if n > MaxBlock {
		r.err = fmt.Errorf("%w: %d", ErrBlockTooLarge, n)
		return nil
	}
	return r.Raw(int(n))
}

// Err returns the first decoding error, if any.
func (r *Reader) Err() error {
	return r.err
}

// Done reports the first decoding error, or ErrTrailingData when the
// message is longer than its schema.
func (r *Reader) Done() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.data) {
		return fmt.Errorf("%w: %d bytes", ErrTrailingData, len(r.data)-r.off)
	}
	return nil
}
