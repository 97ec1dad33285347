// Package codec provides the fixed-width binary primitives shared by all
// wire-schema majors. Payload integers are little-endian; byte runs and
// strings are u64 length-prefixed; maps serialize as a u64 count followed by
// (key, value) pairs in iteration order.
package codec

import (
	"encoding/binary"
	"math"

	"carton/pkg/types"
)

// Writer accumulates an encoded payload.
type Writer struct {
	buf []byte
}

// Bytes returns the accumulated payload.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) U8(v uint8)  { w.buf = append(w.buf, v) }
func (w *Writer) Bool(v bool) { w.U8(map[bool]uint8{false: 0, true: 1}[v]) }

func (w *Writer) U16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *Writer) U32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *Writer) U64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *Writer) I64(v int64)   { w.U64(uint64(v)) }
func (w *Writer) F64(v float64) { w.U64(math.Float64bits(v)) }

// Raw appends bytes verbatim, without a length prefix.
func (w *Writer) Raw(b []byte) { w.buf = append(w.buf, b...) }

// Bytes64 appends a u64 length-prefixed byte run.
func (w *Writer) Bytes64(b []byte) {
	w.U64(uint64(len(b)))
	w.Raw(b)
}

// String appends a u64 length-prefixed UTF-8 string.
func (w *Writer) String(s string) {
	w.U64(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

// U64Slice appends a count-prefixed sequence of u64.
func (w *Writer) U64Slice(v []uint64) {
	w.U64(uint64(len(v)))
	for _, x := range v {
		w.U64(x)
	}
}

// I64Slice appends a count-prefixed sequence of i64.
func (w *Writer) I64Slice(v []int64) {
	w.U64(uint64(len(v)))
	for _, x := range v {
		w.I64(x)
	}
}

// Reader decodes a payload with a sticky error: after the first failure all
// further reads return zero values and Err reports the failure.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader wraps an encoded payload.
func NewReader(b []byte) *Reader { return &Reader{buf: b} }

// Err returns the first decode failure, if any.
func (r *Reader) Err() error { return r.err }

// Done reports decode success with the whole payload consumed.
func (r *Reader) Done() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return types.Errorf(types.ErrDecode, "%d trailing bytes", len(r.buf)-r.off)
	}
	return nil
}

func (r *Reader) fail() {
	if r.err == nil {
		r.err = types.Errorf(types.ErrDecode, "truncated payload at offset %d", r.off)
	}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil || n < 0 || r.off+n > len(r.buf) || r.off+n < r.off {
		r.fail()
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) U8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Bool() bool { return r.U8() != 0 }

func (r *Reader) U16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *Reader) U32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) U64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *Reader) I64() int64   { return int64(r.U64()) }
func (r *Reader) F64() float64 { return math.Float64frombits(r.U64()) }

// Bytes64 reads a u64 length-prefixed byte run. The returned slice aliases
// the payload.
func (r *Reader) Bytes64() []byte {
	n := r.U64()
	if n > uint64(len(r.buf)) {
		r.fail()
		return nil
	}
	return r.take(int(n))
}

// String reads a u64 length-prefixed UTF-8 string.
func (r *Reader) String() string { return string(r.Bytes64()) }

// U64Slice reads a count-prefixed sequence of u64.
func (r *Reader) U64Slice() []uint64 {
	n := r.U64()
	if n > uint64(len(r.buf))/8 {
		r.fail()
		return nil
	}
	out := make([]uint64, n)
	for i := range out {
		out[i] = r.U64()
	}
	return out
}

// I64Slice reads a count-prefixed sequence of i64.
func (r *Reader) I64Slice() []int64 {
	n := r.U64()
	if n > uint64(len(r.buf))/8 {
		r.fail()
		return nil
	}
	out := make([]int64, n)
	for i := range out {
		out[i] = r.I64()
	}
	return out
}
