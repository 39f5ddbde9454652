package safetensors

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/goccy/go-json"

	"github.com/samcharles93/lumen/internal/param"
)

// writeRaw creates a safetensors file from a hand-built header and data.
func writeRaw(t *testing.T, path string, header map[string]tensorHeader, data []byte) {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	var buf bytes.Buffer
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	buf.Write(lenBuf[:])
	buf.Write(headerBytes)
	buf.Write(data)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func TestWriteOpenRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "weights.safetensors")
	state := param.State{
		"_model.geometry.plane": {0.1, -0.2, 1.5},
		"_model.field.color":    {math.Pi},
		"_model.empty":          {},
	}
	meta := map[string]string{"step": "12", "run_id": "abc"}
	if err := WriteFile(path, state, DTypeF64, meta); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if f.DataStart%8 != 0 {
		t.Fatalf("data start %d not 8-byte aligned", f.DataStart)
	}
	if !reflect.DeepEqual(f.Metadata, meta) {
		t.Fatalf("metadata: got %v want %v", f.Metadata, meta)
	}
	info, ok := f.Tensor("_model.geometry.plane")
	if !ok || info.DType != DTypeF64 || !reflect.DeepEqual(info.Shape, []int{3}) {
		t.Fatalf("tensor info: got %+v ok=%v", info, ok)
	}
	got, err := f.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if !reflect.DeepEqual(got, state) {
		t.Fatalf("state: got %v want %v", got, state)
	}
}

func TestWriteF32Rounds(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "weights.safetensors")
	if err := WriteFile(path, param.State{"w": {0.1, 2}}, DTypeF32, nil); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if f.Metadata != nil {
		t.Fatalf("metadata: got %v want none", f.Metadata)
	}
	v, info, err := f.ReadTensorF64("w")
	if err != nil {
		t.Fatalf("ReadTensorF64: %v", err)
	}
	if info.End-info.Start != 8 {
		t.Fatalf("byte range: got %d want 8", info.End-info.Start)
	}
	if want := float64(float32(0.1)); v[0] != want || v[1] != 2 {
		t.Fatalf("values: got %v want [%v 2]", v, want)
	}
}

func TestWriteRejectsHalfPrecision(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := Write(&buf, param.State{"w": {1}}, DTypeF16, nil); !errors.Is(err, ErrUnsupportedDType) {
		t.Fatalf("got %v, want ErrUnsupportedDType", err)
	}
}

func TestReadHalfPrecision(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "half.safetensors")
	data := []byte{
		0x00, 0x3C, // f16 1.0
		0x00, 0xC0, // f16 -2.0
		0x80, 0x3F, // bf16 1.0
	}
	writeRaw(t, path, map[string]tensorHeader{
		"h": {DType: DTypeF16, Shape: []int{2}, DataOffsets: []int64{0, 4}},
		"b": {DType: DTypeBF16, Shape: []int{}, DataOffsets: []int64{4, 6}},
	}, data)

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h, _, err := f.ReadTensorF64("h")
	if err != nil {
		t.Fatalf("read f16: %v", err)
	}
	if h[0] != 1 || h[1] != -2 {
		t.Fatalf("f16: got %v want [1 -2]", h)
	}
	b, _, err := f.ReadTensorF64("b")
	if err != nil {
		t.Fatalf("read bf16: %v", err)
	}
	if len(b) != 1 || b[0] != 1 {
		t.Fatalf("bf16 scalar: got %v want [1]", b)
	}
}

func TestReadTensorErrors(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.safetensors")
	writeRaw(t, path, map[string]tensorHeader{
		"reversed": {DType: DTypeF32, Shape: []int{1}, DataOffsets: []int64{4, 0}},
		"short":    {DType: DTypeF32, Shape: []int{2}, DataOffsets: []int64{0, 4}},
		"int":      {DType: "I32", Shape: []int{1}, DataOffsets: []int64{0, 4}},
	}, make([]byte, 8))

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, name := range []string{"reversed", "short", "int", "missing"} {
		if _, _, err := f.ReadTensorF64(name); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, _, err := f.ReadTensorF64("int"); !errors.Is(err, ErrUnsupportedDType) {
		t.Fatalf("int: got %v, want ErrUnsupportedDType", err)
	}
}

func TestOpenRejectsOversizedHeader(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "huge.safetensors")
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], math.MaxUint32)
	if err := os.WriteFile(path, lenBuf[:], 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for oversized header")
	}
}

func TestFP16Subnormal(t *testing.T) {
	t.Parallel()
	// Smallest positive subnormal half is 2^-24.
	if got := fp16ToFloat32(0x0001); got != float32(math.Ldexp(1, -24)) {
		t.Fatalf("got %v want 2^-24", got)
	}
	if got := fp16ToFloat32(0x7C00); !math.IsInf(float64(got), 1) {
		t.Fatalf("got %v want +Inf", got)
	}
}
