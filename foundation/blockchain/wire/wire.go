// Package wire implements the canonical binary encoding shared by the
// blockchain entities and the peer protocol. Every entity has exactly one
// valid byte representation: integers are little endian fixed width,
// sequences carry a 32 bit unsigned count, fixed width byte strings are
// inlined, and tagged unions lead with a single discriminant byte. Hashes
// are computed over these bytes, so the layout is part of consensus.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFramePayload bounds a single framed message on the network.
const MaxFramePayload = 4 << 20 // 4 MiB

// The closed set of decode failures.
var (
	ErrTruncated     = errors.New("truncated input")
	ErrOverflow      = errors.New("length prefix exceeds remaining bytes")
	ErrUnknownTag    = errors.New("unknown discriminant")
	ErrTrailingBytes = errors.New("trailing bytes after value")
	ErrFrameTooLarge = errors.New("frame exceeds maximum payload size")
)

// Marshaler is the behavior entities implement to write themselves in
// canonical form.
type Marshaler interface {
	MarshalInto(w *Writer)
}

// Unmarshaler is the behavior entities implement to read themselves back.
type Unmarshaler interface {
	UnmarshalFrom(r *Reader) error
}

// Encode returns the canonical serialization of the value.
func Encode(m Marshaler) []byte {
	var w Writer
	m.MarshalInto(&w)
	return w.Bytes()
}

// Decode parses a single root value and fails on trailing garbage.
func Decode(data []byte, u Unmarshaler) error {
	r := NewReader(data)
	if err := u.UnmarshalFrom(r); err != nil {
		return err
	}
	return r.ExpectEOF()
}

// =============================================================================

// Writer accumulates the canonical encoding of a value.
type Writer struct {
	buf []byte
}

// Bytes returns the accumulated encoding.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

// Uint8 writes a single byte.
func (w *Writer) Uint8(v uint8) {
	w.buf = append(w.buf, v)
}

// Uint32 writes a fixed width little endian 32 bit integer.
func (w *Writer) Uint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

// Uint64 writes a fixed width little endian 64 bit integer.
func (w *Writer) Uint64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

// Bool writes a boolean as a single 0 or 1 byte.
func (w *Writer) Bool(v bool) {
	if v {
		w.Uint8(1)
		return
	}
	w.Uint8(0)
}

// Fixed inlines a fixed width byte string without a length.
func (w *Writer) Fixed(b []byte) {
	w.buf = append(w.buf, b...)
}

// Count writes the 32 bit unsigned count that prefixes a sequence.
func (w *Writer) Count(n int) {
	w.Uint32(uint32(n))
}

// String writes a count prefixed UTF-8 string.
func (w *Writer) String(s string) {
	w.Count(len(s))
	w.buf = append(w.buf, s...)
}

// =============================================================================

// Reader consumes a canonical encoding.
type Reader struct {
	data []byte
	off  int
}

// NewReader constructs a Reader over the specified bytes.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.off
}

// ExpectEOF fails if any bytes remain where a single root value
// was expected.
func (r *Reader) ExpectEOF() error {
	if r.Remaining() != 0 {
		return fmt.Errorf("%w: %d bytes", ErrTrailingBytes, r.Remaining())
	}
	return nil
}

// Uint8 reads a single byte.
func (r *Reader) Uint8() (uint8, error) {
	if r.Remaining() < 1 {
		return 0, ErrTruncated
	}

	v := r.data[r.off]
	r.off++
	return v, nil
}

// Uint32 reads a fixed width little endian 32 bit integer.
func (r *Reader) Uint32() (uint32, error) {
	if r.Remaining() < 4 {
		return 0, ErrTruncated
	}

	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

// Uint64 reads a fixed width little endian 64 bit integer.
func (r *Reader) Uint64() (uint64, error) {
	if r.Remaining() < 8 {
		return 0, ErrTruncated
	}

	v := binary.LittleEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v, nil
}

// Bool reads a boolean byte. Any value other than 0 or 1 is malformed,
// a second representation of the same value would break hash identity.
func (r *Reader) Bool() (bool, error) {
	v, err := r.Uint8()
	if err != nil {
		return false, err
	}

	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}

	return false, fmt.Errorf("%w: boolean byte %#02x", ErrUnknownTag, v)
}

// Fixed reads a fixed width byte string into dst.
func (r *Reader) Fixed(dst []byte) error {
	if r.Remaining() < len(dst) {
		return ErrTruncated
	}

	copy(dst, r.data[r.off:])
	r.off += len(dst)
	return nil
}

// Count reads a sequence count and rejects any count that cannot fit in
// the remaining bytes given elements of at least minElemSize bytes.
func (r *Reader) Count(minElemSize int) (int, error) {
	v, err := r.Uint32()
	if err != nil {
		return 0, err
	}

	if minElemSize < 1 {
		minElemSize = 1
	}
	if int64(v)*int64(minElemSize) > int64(r.Remaining()) {
		return 0, fmt.Errorf("%w: count %d", ErrOverflow, v)
	}

	return int(v), nil
}

// String reads a count prefixed UTF-8 string.
func (r *Reader) String() (string, error) {
	n, err := r.Count(1)
	if err != nil {
		return "", err
	}

	s := string(r.data[r.off : r.off+n])
	r.off += n
	return s, nil
}

// =============================================================================
// Frame I/O. Messages travel as a 4 byte big endian payload length
// followed by the payload itself.

// WriteFrame writes a single length prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFramePayload {
		return ErrFrameTooLarge
	}

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))

	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}

	return nil
}

// ReadFrame reads a single length prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(length[:])
	if n > MaxFramePayload {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	return payload, nil
}
