// Package protocol implements the binary wire format spoken between a runner
// and its orchestrator, and the tunnel format spoken with the gateway.
//
// Both formats use BARE primitives: LEB128 varints for lengths, fixed-width
// little-endian integers, length-prefixed strings and byte strings, one-byte
// presence flags for optional fields and one-byte union tags.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"
)

const maxVarintLen = 10

var (
	ErrUnexpectedEOF  = errors.New("unexpected end of buffer")
	ErrInvalidTag     = errors.New("invalid tag")
	ErrDuplicateKey   = errors.New("duplicated key")
	ErrTrailingBytes  = errors.New("remaining bytes")
	ErrInvalidBool    = errors.New("invalid bool")
	ErrInvalidUTF8    = errors.New("invalid utf-8 string")
	ErrVarintOverflow = errors.New("varint overflows 64 bits")
	ErrNonCanonical   = errors.New("non-canonical varint")
)

// DecodeError reports where in the buffer decoding failed.
type DecodeError struct {
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: decode at offset %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError is returned for values that cannot be represented, such as a
// nil union member.
type EncodeError struct {
	Type string
	Err  error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("protocol: encode %s: %v", e.Type, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// errUnknownVariant is wrapped in EncodeError for nil or foreign union values.
var errUnknownVariant = errors.New("unknown union variant")

type writer struct {
	buf []byte
	err error
}

func (w *writer) fail(typ string, v interface{}) {
	if w.err == nil {
		w.err = &EncodeError{Type: typ, Err: fmt.Errorf("%w: %T", errUnknownVariant, v)}
	}
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) i64(v int64)  { w.u64(uint64(v)) }
func (w *writer) uint(v uint64) {
	w.buf = binary.AppendUvarint(w.buf, v)
}

func (w *writer) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) str(v string) {
	w.uint(uint64(len(v)))
	w.buf = append(w.buf, v...)
}

func (w *writer) data(v []byte) {
	w.uint(uint64(len(v)))
	w.buf = append(w.buf, v...)
}

func (w *writer) dataList(v [][]byte) {
	w.uint(uint64(len(v)))
	for _, d := range v {
		w.data(d)
	}
}

func (w *writer) optStr(v *string) {
	w.bool(v != nil)
	if v != nil {
		w.str(*v)
	}
}

func (w *writer) optI64(v *int64) {
	w.bool(v != nil)
	if v != nil {
		w.i64(*v)
	}
}

func (w *writer) optU16(v *uint16) {
	w.bool(v != nil)
	if v != nil {
		w.u16(*v)
	}
}

func (w *writer) optU64(v *uint64) {
	w.bool(v != nil)
	if v != nil {
		w.u64(*v)
	}
}

func (w *writer) optBool(v *bool) {
	w.bool(v != nil)
	if v != nil {
		w.bool(*v)
	}
}

// optData treats a nil slice as absent and any non-nil slice, even an empty
// one, as present.
func (w *writer) optData(v []byte) {
	w.bool(v != nil)
	if v != nil {
		w.data(v)
	}
}

func (w *writer) strMap(m map[string]string) {
	keys := sortedKeys(m)
	w.uint(uint64(len(keys)))
	for _, k := range keys {
		w.str(k)
		w.str(m[k])
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// reader is a decoding cursor with a sticky error: after the first failure
// every accessor returns a zero value and the error is reported once.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = &DecodeError{Offset: r.off, Err: err}
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.fail(ErrUnexpectedEOF)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) i64() int64 { return int64(r.u64()) }

func (r *reader) uint() uint64 {
	if r.err != nil {
		return 0
	}
	var v uint64
	var shift uint
	for i := 0; i < maxVarintLen; i++ {
		if r.off >= len(r.buf) {
			r.fail(ErrUnexpectedEOF)
			return 0
		}
		b := r.buf[r.off]
		r.off++
		if i == maxVarintLen-1 && b > 1 {
			r.fail(ErrVarintOverflow)
			return 0
		}
		v |= uint64(b&0x7f) << shift
		if b < 0x80 {
			// A zero final byte after the first pads the value.
			if i > 0 && b == 0 {
				r.off--
				r.fail(ErrNonCanonical)
				return 0
			}
			return v
		}
		shift += 7
	}
	r.fail(ErrVarintOverflow)
	return 0
}

// length reads a collection length and rejects values that cannot fit in
// the rest of the buffer, so a corrupt prefix never triggers a huge
// allocation.
func (r *reader) length() int {
	n := r.uint()
	if r.err != nil {
		return 0
	}
	if n > uint64(len(r.buf)-r.off) {
		r.fail(ErrUnexpectedEOF)
		return 0
	}
	return int(n)
}

func (r *reader) bool() bool {
	switch r.u8() {
	case 0:
		return false
	case 1:
		return true
	default:
		r.off--
		r.fail(ErrInvalidBool)
		return false
	}
}

func (r *reader) str() string {
	b := r.take(r.length())
	if r.err != nil {
		return ""
	}
	if !utf8.Valid(b) {
		r.fail(ErrInvalidUTF8)
		return ""
	}
	return string(b)
}

func (r *reader) data() []byte {
	b := r.take(r.length())
	if r.err != nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *reader) dataList() [][]byte {
	n := r.length()
	if n == 0 {
		return nil
	}
	out := make([][]byte, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		out = append(out, r.data())
	}
	return out
}

func (r *reader) optStr() *string {
	if !r.bool() {
		return nil
	}
	v := r.str()
	return &v
}

func (r *reader) optI64() *int64 {
	if !r.bool() {
		return nil
	}
	v := r.i64()
	return &v
}

func (r *reader) optU16() *uint16 {
	if !r.bool() {
		return nil
	}
	v := r.u16()
	return &v
}

func (r *reader) optU64() *uint64 {
	if !r.bool() {
		return nil
	}
	v := r.u64()
	return &v
}

func (r *reader) optBool() *bool {
	if !r.bool() {
		return nil
	}
	v := r.bool()
	return &v
}

func (r *reader) optData() []byte {
	if !r.bool() {
		return nil
	}
	return r.data()
}

func (r *reader) strMap() map[string]string {
	n := r.length()
	m := make(map[string]string, n)
	for i := 0; i < n && r.err == nil; i++ {
		start := r.off
		k := r.str()
		if _, dup := m[k]; dup && r.err == nil {
			r.off = start
			r.fail(ErrDuplicateKey)
			return nil
		}
		m[k] = r.str()
	}
	return m
}

// tag reads a union discriminant. Callers report unknown values through
// badTag so the offset points at the tag byte.
func (r *reader) tag() uint8 { return r.u8() }

func (r *reader) badTag() {
	if r.err != nil {
		return
	}
	r.off--
	r.fail(ErrInvalidTag)
}

// finish reports the first decode failure or trailing data.
func (r *reader) finish() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return &DecodeError{Offset: r.off, Err: ErrTrailingBytes}
	}
	return nil
}
