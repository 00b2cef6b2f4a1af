// Package safetensors reads tensors and metadata from .safetensors files.
//
// Only the subset needed for classifier weights is implemented: the
// little-endian header length, the JSON header with per-tensor dtype,
// shape and data offsets, the optional __metadata__ string map, and
// decoding of F32/F16/BF16/I64/I32/I16/U8/BOOL payloads to Go slices.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// maxHeaderSize bounds the JSON header so a corrupt length prefix cannot
// trigger a huge allocation.
const maxHeaderSize = 64 << 20

type tensorEntry struct {
	Dtype       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Tensor is a decoded tensor with its original shape.
type Tensor struct {
	Dtype string
	Shape []int64
	raw   []byte
}

// File is a fully parsed safetensors file. Tensor payloads are kept as
// raw bytes and decoded on demand.
type File struct {
	Metadata map[string]string
	tensors  map[string]tensorEntry
	data     []byte
}

// Open reads and parses path. The whole file is held in memory; the
// weights this package loads are head tensors, not full backbones.
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses an in-memory safetensors file.
func Parse(data []byte) (*File, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("safetensors: file too short (%d bytes)", len(data))
	}
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > maxHeaderSize || 8+headerLen > uint64(len(data)) {
		return nil, fmt.Errorf("safetensors: invalid header length %d", headerLen)
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &header); err != nil {
		return nil, fmt.Errorf("safetensors: parse header: %w", err)
	}

	f := &File{
		Metadata: map[string]string{},
		tensors:  make(map[string]tensorEntry, len(header)),
		data:     data[8+headerLen:],
	}
	for name, raw := range header {
		if name == "__metadata__" {
			if err := json.Unmarshal(raw, &f.Metadata); err != nil {
				return nil, fmt.Errorf("safetensors: parse metadata: %w", err)
			}
			continue
		}
		var entry tensorEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("safetensors: parse entry %q: %w", name, err)
		}
		if entry.DataOffsets[0] < 0 || entry.DataOffsets[1] < entry.DataOffsets[0] ||
			entry.DataOffsets[1] > int64(len(f.data)) {
			return nil, fmt.Errorf("safetensors: tensor %q offsets out of range", name)
		}
		f.tensors[name] = entry
	}
	return f, nil
}

// Names returns the tensor names present in the file in no particular order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.tensors))
	for name := range f.tensors {
		names = append(names, name)
	}
	return names
}

// Has reports whether a tensor with the given name exists.
func (f *File) Has(name string) bool {
	_, ok := f.tensors[name]
	return ok
}

// Tensor returns the named tensor without decoding its payload.
func (f *File) Tensor(name string) (*Tensor, error) {
	entry, ok := f.tensors[name]
	if !ok {
		return nil, fmt.Errorf("safetensors: no tensor %q", name)
	}
	return &Tensor{
		Dtype: entry.Dtype,
		Shape: entry.Shape,
		raw:   f.data[entry.DataOffsets[0]:entry.DataOffsets[1]],
	}, nil
}

// Elems returns the element count implied by the shape.
func (t *Tensor) Elems() int {
	n := 1
	for _, d := range t.Shape {
		n *= int(d)
	}
	return n
}

func dtypeSize(dtype string) (int, error) {
	switch dtype {
	case "F64", "I64", "U64":
		return 8, nil
	case "F32", "I32", "U32":
		return 4, nil
	case "F16", "BF16", "I16", "U16":
		return 2, nil
	case "I8", "U8", "BOOL":
		return 1, nil
	default:
		return 0, fmt.Errorf("safetensors: unsupported dtype %q", dtype)
	}
}

func (t *Tensor) checkSize() error {
	size, err := dtypeSize(t.Dtype)
	if err != nil {
		return err
	}
	if want := t.Elems() * size; want != len(t.raw) {
		return fmt.Errorf("safetensors: dtype %s shape %v wants %d bytes, have %d",
			t.Dtype, t.Shape, want, len(t.raw))
	}
	return nil
}

// Float32s decodes the tensor payload to float32, converting from the
// on-disk dtype where necessary.
func (t *Tensor) Float32s() ([]float32, error) {
	if err := t.checkSize(); err != nil {
		return nil, err
	}
	out := make([]float32, t.Elems())
	switch t.Dtype {
	case "F32":
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.raw[i*4:]))
		}
	case "F64":
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(t.raw[i*8:])))
		}
	case "F16":
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(t.raw[i*2:])).Float32()
		}
	case "BF16":
		for i := range out {
			out[i] = bfloat16.ToFloat32(bfloat16.BF16(binary.LittleEndian.Uint16(t.raw[i*2:])))
		}
	default:
		return nil, fmt.Errorf("safetensors: cannot decode dtype %q as float32", t.Dtype)
	}
	return out, nil
}

// Int32s decodes an integer tensor to int32.
func (t *Tensor) Int32s() ([]int32, error) {
	if err := t.checkSize(); err != nil {
		return nil, err
	}
	out := make([]int32, t.Elems())
	switch t.Dtype {
	case "I32":
		for i := range out {
			out[i] = int32(binary.LittleEndian.Uint32(t.raw[i*4:]))
		}
	case "I64":
		for i := range out {
			out[i] = int32(binary.LittleEndian.Uint64(t.raw[i*8:]))
		}
	case "I16":
		for i := range out {
			out[i] = int32(int16(binary.LittleEndian.Uint16(t.raw[i*2:])))
		}
	case "U8":
		for i := range out {
			out[i] = int32(t.raw[i])
		}
	default:
		return nil, fmt.Errorf("safetensors: cannot decode dtype %q as int32", t.Dtype)
	}
	return out, nil
}

// Bools decodes a BOOL tensor.
func (t *Tensor) Bools() ([]bool, error) {
	if err := t.checkSize(); err != nil {
		return nil, err
	}
	if t.Dtype != "BOOL" {
		return nil, fmt.Errorf("safetensors: cannot decode dtype %q as bool", t.Dtype)
	}
	out := make([]bool, t.Elems())
	for i := range out {
		out[i] = t.raw[i] != 0
	}
	return out, nil
}
