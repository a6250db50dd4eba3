// Package wire implements the length-tag-value codec shared by every
// serialized object in the ebox core: templates, eboxes, challenges,
// responses, stream headers and stream chunks. All multi-byte integers
// are big-endian.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// EndTag terminates a tagged-field object. A well-formed object's field
// list always ends with this sentinel.
const EndTag uint8 = 0x00

// ErrTruncated is returned when the buffer ends before a length-prefixed
// value or primitive can be fully read.
var ErrTruncated = errors.New("wire: truncated input")

// ErrLengthOverflow is returned when a declared length exceeds the bytes
// actually remaining. No other length bound (such as a ciphertext size
// cap) is checked by this package.
var ErrLengthOverflow = errors.New("wire: declared length overflows input")

// ErrFieldMissing is returned by decoders when a required tag never
// appeared before EndTag.
var ErrFieldMissing = errors.New("wire: required field missing")

// Writer accumulates encoded bytes into a growable buffer. The zero
// value is ready to use.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with the given initial capacity hint.
func NewWriter(sizeHint int) *Writer {
	return &Writer{buf: make([]byte, 0, sizeHint)}
}

// Bytes returns the accumulated buffer. The returned slice aliases the
// Writer's internal storage and must not be retained across further
// writes.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// WriteU8 appends a single byte.
func (w *Writer) WriteU8(v uint8) {
	w.buf = append(w.buf, v)
}

// WriteU16 appends a big-endian uint16.
func (w *Writer) WriteU16(v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

// WriteU32 appends a big-endian uint32.
func (w *Writer) WriteU32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

// WriteU64 appends a big-endian uint64.
func (w *Writer) WriteU64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

// WriteRaw appends b unmodified, with no length prefix.
func (w *Writer) WriteRaw(b []byte) {
	w.buf = append(w.buf, b...)
}

// WriteBytes appends a u32-length-prefixed byte string.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteU32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// WriteString appends a u8-length-prefixed UTF-8 string. The caller is
// responsible for ensuring len(s) <= 255; longer strings are not
// rejected and their length byte wraps.
func (w *Writer) WriteString(s string) {
	w.buf = append(w.buf, uint8(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteField appends a (tag:u8, len:u32, value) triple.
func (w *Writer) WriteField(tag uint8, value []byte) {
	w.WriteU8(tag)
	w.WriteU32(uint32(len(value)))
	w.buf = append(w.buf, value...)
}

// WriteEnd appends the sentinel tag terminating a tagged-field object.
func (w *Writer) WriteEnd() {
	w.WriteU8(EndTag)
}

// Reader consumes bytes from a fixed buffer, tracking position.
type Reader struct {
	buf []byte
	pos int
}

// NewReader returns a Reader over buf. buf is not copied.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

// ReadU8 reads a single byte.
func (r *Reader) ReadU8() (uint8, error) {
	if r.Remaining() < 1 {
		return 0, ErrTruncated
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

// ReadU16 reads a big-endian uint16.
func (r *Reader) ReadU16() (uint16, error) {
	if r.Remaining() < 2 {
		return 0, ErrTruncated
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

// ReadU32 reads a big-endian uint32.
func (r *Reader) ReadU32() (uint32, error) {
	if r.Remaining() < 4 {
		return 0, ErrTruncated
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// ReadU64 reads a big-endian uint64.
func (r *Reader) ReadU64() (uint64, error) {
	if r.Remaining() < 8 {
		return 0, ErrTruncated
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// ReadRaw reads exactly n unprefixed bytes.
func (r *Reader) ReadRaw(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, ErrTruncated
	}
	v := r.buf[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

// ReadBytes reads a u32-length-prefixed byte string.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	if int(n) < 0 || r.Remaining() < int(n) {
		return nil, fmt.Errorf("%w: bytes field", ErrLengthOverflow)
	}
	return r.ReadRaw(int(n))
}

// ReadString reads a u8-length-prefixed UTF-8 string.
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadU8()
	if err != nil {
		return "", err
	}
	raw, err := r.ReadRaw(int(n))
	if err != nil {
		return "", fmt.Errorf("%w: string field", ErrLengthOverflow)
	}
	return string(raw), nil
}

// Field is one decoded (tag, value) pair from a tagged-field object.
type Field struct {
	Tag   uint8
	Value []byte
}

// ReadFields reads (tag, len, value) triples until EndTag, returning
// them in encounter order (including any repeated tags — callers that
// want "last value wins" semantics should fold the slice themselves, as
// the template/ebox decoders do). It never returns an error for unknown
// tags; the caller decides what "unknown" means.
func (r *Reader) ReadFields() ([]Field, error) {
	var fields []Field
	for {
		tag, err := r.ReadU8()
		if err != nil {
			return nil, fmt.Errorf("%w: field tag", ErrTruncated)
		}
		if tag == EndTag {
			return fields, nil
		}
		length, err := r.ReadU32()
		if err != nil {
			return nil, fmt.Errorf("%w: field length", ErrTruncated)
		}
		if r.Remaining() < int(length) {
			return nil, fmt.Errorf("%w: field value (tag %d)", ErrLengthOverflow, tag)
		}
		value, err := r.ReadRaw(int(length))
		if err != nil {
			return nil, err
		}
		fields = append(fields, Field{Tag: tag, Value: value})
	}
}

// LastByTag folds fields into a map keyed by tag, keeping the last value
// seen for any tag that repeats — the decode policy spec.md §4.1 calls
// for duplicate tags.
func LastByTag(fields []Field) map[uint8][]byte {
	m := make(map[uint8][]byte, len(fields))
	for _, f := range fields {
		m[f.Tag] = f.Value
	}
	return m
}
