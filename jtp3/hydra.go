package jtp3

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/krau/tailtagger/safetensors"
)

const normEps = 1e-5

// HydraHead is the attention-pooling classifier head: one learned query
// per tag attends over the backbone's patch embeddings, the pooled
// vector passes a gated feed-forward block with a residual, and a
// per-tag batched projection produces two values combined into a single
// confidence. Queries are fixed after training; they are composed,
// normalized and cached exactly once at load time.
type HydraHead struct {
	NumHeads   int
	HeadDim    int
	NumClasses int
	AttnDim    int
	InputDim   int
	OutputDim  int

	q   []*mat.Dense // cached normalized queries, one [classes, headDim] per head
	kvW *mat.Dense   // [inputDim, 2*attnDim]

	hasFF            bool
	hidden           int
	ffNormW, ffNormB []float64
	ffIn             *mat.Dense // [attnDim, 2*hidden]
	ffOut            *mat.Dense // [hidden, attnDim]

	// outW is the batched per-tag projection [classes, attnDim,
	// 2*outputDim] flattened row-major. One weight tensor, one pass;
	// never a per-tag loop of separate layers.
	outW []float64
}

// LoadHydra reads the head tensors under prefix (normally "attn_pool.")
// and builds the ready-to-run head, including the one-time query
// composition and normalization.
func LoadHydra(f *safetensors.File, prefix string) (*HydraHead, error) {
	qName := prefix + "q"
	hierarchical := f.Has(prefix + "cls")
	if hierarchical {
		qName = prefix + "cls"
	}
	qt, err := f.Tensor(qName)
	if err != nil {
		return nil, fmt.Errorf("head queries: %w", err)
	}
	if len(qt.Shape) != 3 {
		return nil, fmt.Errorf("queries %s have shape %v, want 3 dims", qName, qt.Shape)
	}

	h := &HydraHead{
		NumHeads:   int(qt.Shape[0]),
		NumClasses: int(qt.Shape[1]),
		HeadDim:    int(qt.Shape[2]),
	}
	h.AttnDim = h.NumHeads * h.HeadDim

	kvt, err := f.Tensor(prefix + "kv.weight")
	if err != nil {
		return nil, fmt.Errorf("kv projection: %w", err)
	}
	if len(kvt.Shape) != 2 || int(kvt.Shape[0]) != 2*h.AttnDim {
		return nil, fmt.Errorf("kv.weight shape %v does not match attention dim %d", kvt.Shape, h.AttnDim)
	}
	h.InputDim = int(kvt.Shape[1])
	kvData, err := kvt.Float32s()
	if err != nil {
		return nil, err
	}
	h.kvW = transposed(kvData, 2*h.AttnDim, h.InputDim)

	if f.Has(prefix + "ff_in.weight") {
		if err := h.loadFF(f, prefix); err != nil {
			return nil, err
		}
	}

	ot, err := f.Tensor(prefix + "out_proj.weight")
	if err != nil {
		return nil, fmt.Errorf("output projection: %w", err)
	}
	if len(ot.Shape) != 3 || int(ot.Shape[0]) != h.NumClasses || int(ot.Shape[1]) != h.AttnDim ||
		ot.Shape[2]%2 != 0 {
		return nil, fmt.Errorf("out_proj.weight shape %v does not match head layout", ot.Shape)
	}
	h.OutputDim = int(ot.Shape[2]) / 2
	oData, err := ot.Float32s()
	if err != nil {
		return nil, err
	}
	h.outW = toFloat64(oData)

	if err := h.cacheQueries(f, prefix, hierarchical); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *HydraHead) loadFF(f *safetensors.File, prefix string) error {
	h.hasFF = true

	it, err := f.Tensor(prefix + "ff_in.weight")
	if err != nil {
		return err
	}
	if len(it.Shape) != 2 || int(it.Shape[1]) != h.AttnDim || it.Shape[0]%2 != 0 {
		return fmt.Errorf("ff_in.weight shape %v does not match attention dim %d", it.Shape, h.AttnDim)
	}
	h.hidden = int(it.Shape[0]) / 2
	iData, err := it.Float32s()
	if err != nil {
		return err
	}
	h.ffIn = transposed(iData, 2*h.hidden, h.AttnDim)

	ot, err := f.Tensor(prefix + "ff_out.weight")
	if err != nil {
		return err
	}
	if len(ot.Shape) != 2 || int(ot.Shape[0]) != h.AttnDim || int(ot.Shape[1]) != h.hidden {
		return fmt.Errorf("ff_out.weight shape %v does not match hidden dim %d", ot.Shape, h.hidden)
	}
	oData, err := ot.Float32s()
	if err != nil {
		return err
	}
	h.ffOut = transposed(oData, h.AttnDim, h.hidden)

	nw, err := f.Tensor(prefix + "ff_norm.weight")
	if err != nil {
		return err
	}
	nb, err := f.Tensor(prefix + "ff_norm.bias")
	if err != nil {
		return err
	}
	wData, err := nw.Float32s()
	if err != nil {
		return err
	}
	bData, err := nb.Float32s()
	if err != nil {
		return err
	}
	if len(wData) != h.AttnDim || len(bData) != h.AttnDim {
		return fmt.Errorf("ff_norm parameters do not match attention dim %d", h.AttnDim)
	}
	h.ffNormW = toFloat64(wData)
	h.ffNormB = toFloat64(bData)
	return nil
}

// cacheQueries builds the per-head query matrices. Flat heads RMS-
// normalize the stored q; hierarchical heads compose class queries from
// root queries through the indexed-addition relations (root ->
// class-group -> class), each step applying its learned per-target
// scale, then normalize. Either way the result is computed once, before
// any inference call can observe the head.
func (h *HydraHead) cacheQueries(f *safetensors.File, prefix string, hierarchical bool) error {
	if !hierarchical {
		qt, err := f.Tensor(prefix + "q")
		if err != nil {
			return err
		}
		qData, err := qt.Float32s()
		if err != nil {
			return err
		}
		h.q = make([]*mat.Dense, h.NumHeads)
		for head := 0; head < h.NumHeads; head++ {
			m := headSlice(qData, head, h.NumClasses, h.HeadDim)
			rmsNormRows(m)
			h.q[head] = m
		}
		return nil
	}

	clsT, err := f.Tensor(prefix + "cls")
	if err != nil {
		return err
	}
	clsData, err := clsT.Float32s()
	if err != nil {
		return err
	}

	var roots []*mat.Dense
	if f.Has(prefix + "roots") {
		rt, err := f.Tensor(prefix + "roots")
		if err != nil {
			return err
		}
		if len(rt.Shape) != 3 || int(rt.Shape[0]) != h.NumHeads || int(rt.Shape[2]) != h.HeadDim {
			return fmt.Errorf("roots shape %v does not match head layout", rt.Shape)
		}
		rData, err := rt.Float32s()
		if err != nil {
			return err
		}
		nRoots := int(rt.Shape[1])
		roots = make([]*mat.Dense, h.NumHeads)
		for head := 0; head < h.NumHeads; head++ {
			m := headSlice(rData, head, nRoots, h.HeadDim)
			rmsNormRows(m)
			roots[head] = m
		}
	}

	h.q = make([]*mat.Dense, h.NumHeads)
	for head := 0; head < h.NumHeads; head++ {
		h.q[head] = headSlice(clsData, head, h.NumClasses, h.HeadDim)
	}

	// roots -> class groups
	if f.Has(prefix + "clsroots.index") {
		if roots == nil {
			return fmt.Errorf("clsroots relation present without root queries")
		}
		if err := h.indexedAdd(f, prefix+"clsroots.", roots); err != nil {
			return err
		}
	}
	// class groups -> classes, reading from a snapshot of the
	// destination itself
	if f.Has(prefix + "clscls.index") {
		src := make([]*mat.Dense, h.NumHeads)
		for head := range h.q {
			src[head] = mat.DenseCopyOf(h.q[head])
		}
		if err := h.indexedAdd(f, prefix+"clscls.", src); err != nil {
			return err
		}
	}

	for _, m := range h.q {
		rmsNormRows(m)
	}
	return nil
}

// indexedAdd applies one relation step: dst[index[1][k]] +=
// src[index[0][k]] * weight[head][k] for every head.
func (h *HydraHead) indexedAdd(f *safetensors.File, prefix string, src []*mat.Dense) error {
	it, err := f.Tensor(prefix + "index")
	if err != nil {
		return err
	}
	if len(it.Shape) != 2 || it.Shape[0] != 2 {
		return fmt.Errorf("%sindex shape %v, want [2, n]", prefix, it.Shape)
	}
	idx, err := it.Int32s()
	if err != nil {
		return err
	}
	n := int(it.Shape[1])

	var weight []float64
	if f.Has(prefix + "weight") {
		wt, err := f.Tensor(prefix + "weight")
		if err != nil {
			return err
		}
		if wt.Elems() != h.NumHeads*n {
			return fmt.Errorf("%sweight has %d elements, want %d", prefix, wt.Elems(), h.NumHeads*n)
		}
		wData, err := wt.Float32s()
		if err != nil {
			return err
		}
		weight = toFloat64(wData)
	}

	for head := 0; head < h.NumHeads; head++ {
		dst := h.q[head]
		s := src[head]
		srcRows, _ := s.Dims()
		dstRows, _ := dst.Dims()
		for k := 0; k < n; k++ {
			from, to := int(idx[k]), int(idx[n+k])
			if from < 0 || from >= srcRows || to < 0 || to >= dstRows {
				return fmt.Errorf("%sindex entry %d out of range", prefix, k)
			}
			scale := 1.0
			if weight != nil {
				scale = weight[head*n+k]
			}
			for d := 0; d < h.HeadDim; d++ {
				dst.Set(to, d, dst.At(to, d)+s.At(from, d)*scale)
			}
		}
	}
	return nil
}

// Forward pools patch embeddings into per-tag confidences in [-1, 1].
// x is [seq, inputDim]; valid masks which sequence positions hold real
// patches. Queries attend only over valid positions.
func (h *HydraHead) Forward(x *mat.Dense, valid []bool) ([]float32, error) {
	seq, dim := x.Dims()
	if dim != h.InputDim {
		return nil, fmt.Errorf("embeddings have dim %d, head wants %d", dim, h.InputDim)
	}
	if len(valid) != seq {
		return nil, fmt.Errorf("mask length %d does not match sequence %d", len(valid), seq)
	}
	anyValid := false
	for _, v := range valid {
		anyValid = anyValid || v
	}
	if !anyValid {
		return nil, fmt.Errorf("no valid patches to attend over")
	}

	kv := mat.NewDense(seq, 2*h.AttnDim, nil)
	kv.Mul(x, h.kvW)

	pooled := mat.NewDense(h.NumClasses, h.AttnDim, nil)
	scale := 1.0 / math.Sqrt(float64(h.HeadDim))

	for head := 0; head < h.NumHeads; head++ {
		k := mat.NewDense(seq, h.HeadDim, nil)
		v := mat.NewDense(seq, h.HeadDim, nil)
		for s := 0; s < seq; s++ {
			for d := 0; d < h.HeadDim; d++ {
				k.Set(s, d, kv.At(s, head*h.HeadDim+d))
				v.Set(s, d, kv.At(s, h.AttnDim+head*h.HeadDim+d))
			}
		}
		rmsNormRows(k)

		scores := mat.NewDense(h.NumClasses, seq, nil)
		scores.Mul(h.q[head], k.T())
		for c := 0; c < h.NumClasses; c++ {
			row := scores.RawRowView(c)
			for s := range row {
				if valid[s] {
					row[s] *= scale
				} else {
					row[s] = math.Inf(-1)
				}
			}
			softmax(row)
		}

		attn := mat.NewDense(h.NumClasses, h.HeadDim, nil)
		attn.Mul(scores, v)
		for c := 0; c < h.NumClasses; c++ {
			for d := 0; d < h.HeadDim; d++ {
				pooled.Set(c, head*h.HeadDim+d, attn.At(c, d))
			}
		}
	}

	if h.hasFF {
		h.feedForward(pooled)
	}

	out := make([]float32, h.NumClasses)
	stride := h.AttnDim * 2 * h.OutputDim
	for c := 0; c < h.NumClasses; c++ {
		row := pooled.RawRowView(c)
		w := h.outW[c*stride : (c+1)*stride]
		sum := 0.0
		for j := 0; j < h.OutputDim; j++ {
			var a, b float64
			for i := 0; i < h.AttnDim; i++ {
				a += row[i] * w[i*2*h.OutputDim+j]
				b += row[i] * w[i*2*h.OutputDim+h.OutputDim+j]
			}
			sum += sigmoid64(a) * sigmoid64(b)
		}
		prob := sum / float64(h.OutputDim)
		out[c] = float32(prob*2.0 - 1.0)
	}
	return out, nil
}

// feedForward applies the gated-linear-unit block with its residual:
// x += ffOut(swiglu(ffIn(layernorm(x)))).
func (h *HydraHead) feedForward(pooled *mat.Dense) {
	f := mat.DenseCopyOf(pooled)
	rows, _ := f.Dims()
	for r := 0; r < rows; r++ {
		layerNorm(f.RawRowView(r), h.ffNormW, h.ffNormB)
	}

	fin := mat.NewDense(rows, 2*h.hidden, nil)
	fin.Mul(f, h.ffIn)

	act := mat.NewDense(rows, h.hidden, nil)
	for r := 0; r < rows; r++ {
		row := fin.RawRowView(r)
		for j := 0; j < h.hidden; j++ {
			act.Set(r, j, silu(row[j])*row[h.hidden+j])
		}
	}

	fout := mat.NewDense(rows, h.AttnDim, nil)
	fout.Mul(act, h.ffOut)
	pooled.Add(pooled, fout)
}

// headSlice copies one head's block of a [heads, rows, dim] tensor into
// a dense matrix.
func headSlice(data []float32, head, rows, dim int) *mat.Dense {
	out := make([]float64, rows*dim)
	base := head * rows * dim
	for i := range out {
		out[i] = float64(data[base+i])
	}
	return mat.NewDense(rows, dim, out)
}

// transposed turns a torch [out, in] weight into an [in, out] matrix so
// activations can right-multiply it.
func transposed(data []float32, outDim, inDim int) *mat.Dense {
	m := mat.NewDense(inDim, outDim, nil)
	for o := 0; o < outDim; o++ {
		for i := 0; i < inDim; i++ {
			m.Set(i, o, float64(data[o*inDim+i]))
		}
	}
	return m
}

func toFloat64(in []float32) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

func rmsNormRows(m *mat.Dense) {
	rows, cols := m.Dims()
	for r := 0; r < rows; r++ {
		row := m.RawRowView(r)
		sum := 0.0
		for _, v := range row {
			sum += v * v
		}
		inv := 1.0 / math.Sqrt(sum/float64(cols)+normEps)
		for i := range row {
			row[i] *= inv
		}
	}
}

func layerNorm(row, weight, bias []float64) {
	mean := 0.0
	for _, v := range row {
		mean += v
	}
	mean /= float64(len(row))
	variance := 0.0
	for _, v := range row {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(row))
	inv := 1.0 / math.Sqrt(variance+normEps)
	for i := range row {
		row[i] = (row[i]-mean)*inv*weight[i] + bias[i]
	}
}

func softmax(row []float64) {
	maxV := math.Inf(-1)
	for _, v := range row {
		maxV = math.Max(maxV, v)
	}
	sum := 0.0
	for i, v := range row {
		row[i] = math.Exp(v - maxV)
		sum += row[i]
	}
	for i := range row {
		row[i] /= sum
	}
}

func silu(x float64) float64 { return x * sigmoid64(x) }

func sigmoid64(x float64) float64 { return 1.0 / (1.0 + math.Exp(-x)) }
