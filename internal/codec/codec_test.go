package codec

import (
	"bytes"
	"testing"

	"carton/pkg/types"
)

func TestWriterReader_RoundTrip(t *testing.T) {
	var w Writer
	w.U8(0x7F)
	w.Bool(true)
	w.U16(65535)
	w.U32(1 << 30)
	w.U64(1 << 40)
	w.I64(-42)
	w.F64(3.5)
	w.Bytes64([]byte{1, 2, 3})
	w.String("héllo")
	w.U64Slice([]uint64{9, 8, 7})
	w.I64Slice([]int64{-1, 0, 1})

	r := NewReader(w.Bytes())
	if got := r.U8(); got != 0x7F {
		t.Fatalf("u8: %d", got)
	}
	if !r.Bool() {
		t.Fatal("bool")
	}
	if got := r.U16(); got != 65535 {
		t.Fatalf("u16: %d", got)
	}
	if got := r.U32(); got != 1<<30 {
		t.Fatalf("u32: %d", got)
	}
	if got := r.U64(); got != 1<<40 {
		t.Fatalf("u64: %d", got)
	}
	if got := r.I64(); got != -42 {
		t.Fatalf("i64: %d", got)
	}
	if got := r.F64(); got != 3.5 {
		t.Fatalf("f64: %v", got)
	}
	if got := r.Bytes64(); !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("bytes: %v", got)
	}
	if got := r.String(); got != "héllo" {
		t.Fatalf("string: %q", got)
	}
	if got := r.U64Slice(); len(got) != 3 || got[0] != 9 {
		t.Fatalf("u64 slice: %v", got)
	}
	if got := r.I64Slice(); len(got) != 3 || got[0] != -1 {
		t.Fatalf("i64 slice: %v", got)
	}
	if err := r.Done(); err != nil {
		t.Fatalf("done: %v", err)
	}
}

func TestReader_TruncatedIsDecodeError(t *testing.T) {
	r := NewReader([]byte{1, 2, 3})
	_ = r.U64()
	if err := r.Err(); !types.IsDecodeError(err) {
		t.Fatalf("expected decode error, got %v", err)
	}
	// sticky: further reads stay failed
	_ = r.U8()
	if err := r.Err(); !types.IsDecodeError(err) {
		t.Fatalf("sticky error lost: %v", err)
	}
}

func TestReader_BogusLengthPrefix(t *testing.T) {
	var w Writer
	w.U64(1 << 60) // claims a huge byte run
	r := NewReader(w.Bytes())
	_ = r.Bytes64()
	if err := r.Err(); !types.IsDecodeError(err) {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestReader_TrailingBytes(t *testing.T) {
	r := NewReader([]byte{0, 0})
	_ = r.U8()
	if err := r.Done(); !types.IsDecodeError(err) {
		t.Fatalf("expected decode error for trailing bytes, got %v", err)
	}
}
