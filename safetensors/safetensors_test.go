package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

type rawTensor struct {
	name  string
	dtype string
	shape []int64
	data  []byte
}

func build(t *testing.T, meta map[string]string, tensors []rawTensor) []byte {
	t.Helper()
	header := map[string]any{}
	if meta != nil {
		header["__metadata__"] = meta
	}
	offset := 0
	var payload []byte
	for _, ts := range tensors {
		header[ts.name] = map[string]any{
			"dtype":        ts.dtype,
			"shape":        ts.shape,
			"data_offsets": []int{offset, offset + len(ts.data)},
		}
		payload = append(payload, ts.data...)
		offset += len(ts.data)
	}
	hj, err := json.Marshal(header)
	require.NoError(t, err)

	out := make([]byte, 8, 8+len(hj)+len(payload))
	binary.LittleEndian.PutUint64(out, uint64(len(hj)))
	out = append(out, hj...)
	return append(out, payload...)
}

func f32le(vals ...float32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func TestParseMetadataAndTensors(t *testing.T) {
	data := build(t, map[string]string{
		"modelspec.architecture": "test_arch",
		"classifier.labels":      "a\nb",
	}, []rawTensor{
		{"w", "F32", []int64{2, 2}, f32le(1, 2, 3, 4)},
		{"idx", "I64", []int64{3}, []byte{
			1, 0, 0, 0, 0, 0, 0, 0,
			2, 0, 0, 0, 0, 0, 0, 0,
			0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		}},
	})

	f, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "test_arch", f.Metadata["modelspec.architecture"])
	assert.Equal(t, "a\nb", f.Metadata["classifier.labels"])
	assert.ElementsMatch(t, []string{"w", "idx"}, f.Names())
	assert.True(t, f.Has("w"))
	assert.False(t, f.Has("b"))

	w, err := f.Tensor("w")
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 2}, w.Shape)
	assert.Equal(t, 4, w.Elems())
	vals, err := w.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, vals)

	idx, err := f.Tensor("idx")
	require.NoError(t, err)
	ints, err := idx.Int32s()
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, -1}, ints)
}

func TestHalfPrecisionDecoding(t *testing.T) {
	f16 := make([]byte, 4)
	binary.LittleEndian.PutUint16(f16, float16.Fromfloat32(1.5).Bits())
	binary.LittleEndian.PutUint16(f16[2:], float16.Fromfloat32(-0.25).Bits())

	// bfloat16 is the top half of the float32 bit pattern
	bf16 := make([]byte, 4)
	binary.LittleEndian.PutUint16(bf16, uint16(math.Float32bits(2.0)>>16))
	binary.LittleEndian.PutUint16(bf16[2:], uint16(math.Float32bits(-3.0)>>16))

	f, err := Parse(build(t, nil, []rawTensor{
		{"half", "F16", []int64{2}, f16},
		{"bhalf", "BF16", []int64{2}, bf16},
	}))
	require.NoError(t, err)

	half, err := f.Tensor("half")
	require.NoError(t, err)
	vals, err := half.Float32s()
	require.NoError(t, err)
	assert.InDelta(t, 1.5, vals[0], 1e-3)
	assert.InDelta(t, -0.25, vals[1], 1e-3)

	bhalf, err := f.Tensor("bhalf")
	require.NoError(t, err)
	vals, err = bhalf.Float32s()
	require.NoError(t, err)
	assert.InDelta(t, 2.0, vals[0], 1e-2)
	assert.InDelta(t, -3.0, vals[1], 1e-2)
}

func TestBoolDecoding(t *testing.T) {
	f, err := Parse(build(t, nil, []rawTensor{
		{"mask", "BOOL", []int64{3}, []byte{1, 0, 1}},
	}))
	require.NoError(t, err)

	mask, err := f.Tensor("mask")
	require.NoError(t, err)
	vals, err := mask.Bools()
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true}, vals)

	_, err = mask.Float32s()
	assert.Error(t, err, "BOOL does not decode as float")
}

func TestParseRejectsCorruptFiles(t *testing.T) {
	_, err := Parse([]byte{1, 2, 3})
	assert.ErrorContains(t, err, "too short")

	huge := make([]byte, 16)
	binary.LittleEndian.PutUint64(huge, 1<<40)
	_, err = Parse(huge)
	assert.ErrorContains(t, err, "header length")

	// offsets pointing past the payload
	hj := []byte(`{"w":{"dtype":"F32","shape":[2],"data_offsets":[0,100]}}`)
	bad := make([]byte, 8, 8+len(hj)+4)
	binary.LittleEndian.PutUint64(bad, uint64(len(hj)))
	bad = append(bad, hj...)
	bad = append(bad, f32le(1)...)
	_, err = Parse(bad)
	assert.ErrorContains(t, err, "offsets out of range")
}

func TestTensorErrors(t *testing.T) {
	f, err := Parse(build(t, nil, []rawTensor{
		{"w", "F32", []int64{2}, f32le(1)}, // shape wants 8 bytes, has 4
	}))
	require.NoError(t, err)

	_, err = f.Tensor("missing")
	assert.ErrorContains(t, err, "no tensor")

	w, err := f.Tensor("w")
	require.NoError(t, err)
	_, err = w.Float32s()
	assert.ErrorContains(t, err, "wants 8 bytes")
}
