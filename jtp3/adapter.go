// Package jtp3 implements the variable-resolution patch-sequence ViT
// tagger family. Images are color-managed to sRGB, scaled to the
// largest patch grid fitting the sequence budget, sliced into 16x16
// patches and encoded by the backbone; the Hydra attention-pooling head
// turns patch embeddings into per-tag confidences in [-1, 1].
package jtp3

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"
	"gonum.org/v1/gonum/mat"

	"github.com/krau/tailtagger/classifier"
	"github.com/krau/tailtagger/safetensors"
)

const (
	// archPrefix is the backbone architecture this adapter understands.
	archPrefix = "naflexvit_so400m_patch16_siglip"
	// archSuffixHydra marks the Hydra attention-pooling head variant.
	archSuffixHydra = "+rr_hydra"

	// encoderFileName is the patch-encoder graph expected next to the
	// weights file.
	encoderFileName = "encoder.onnx"

	metaArchitecture = "modelspec.architecture"
	metaLabels       = "classifier.labels"
)

// Adapter implements classifier.Adapter for the JTP3 family.
type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (*Adapter) Kind() classifier.Kind { return classifier.KindJTP3 }

// backbone abstracts the patch encoder so head math can be exercised
// without an ONNX runtime environment.
type backbone interface {
	encode(patches []float32, coords []int32, valid []bool) (*mat.Dense, error)
	close() error
}

type handle struct {
	backbone  backbone
	head      *HydraHead
	patchSize int
	maxSeq    int
}

func (h *handle) Close() error { return h.backbone.close() }

// Load reads the safetensors weights file: architecture and vocabulary
// come from its metadata, the Hydra head from its "attn_pool." tensors.
// The patch encoder is an ONNX graph next to the weights file.
func (*Adapter) Load(desc classifier.ModelDescriptor, dev classifier.Device) (classifier.Handle, []string, error) {
	st, err := safetensors.Open(desc.WeightsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read weights: %w", err)
	}

	arch, ok := st.Metadata[metaArchitecture]
	if !ok {
		return nil, nil, fmt.Errorf("weights carry no %s metadata", metaArchitecture)
	}
	if !strings.HasPrefix(arch, archPrefix) {
		return nil, nil, fmt.Errorf("unrecognized architecture %q", arch)
	}
	if suffix := arch[len(archPrefix):]; suffix != archSuffixHydra {
		return nil, nil, fmt.Errorf("unsupported head variant %q", suffix)
	}

	labels, ok := st.Metadata[metaLabels]
	if !ok {
		return nil, nil, fmt.Errorf("weights carry no %s metadata", metaLabels)
	}
	vocab := strings.Split(labels, "\n")

	head, err := LoadHydra(st, "attn_pool.")
	if err != nil {
		return nil, nil, fmt.Errorf("build classifier head: %w", err)
	}
	if head.NumClasses != len(vocab) {
		return nil, nil, fmt.Errorf("head has %d classes for %d vocabulary tags", head.NumClasses, len(vocab))
	}

	encoderPath := filepath.Join(filepath.Dir(desc.WeightsPath), encoderFileName)
	if _, err := os.Stat(encoderPath); err != nil {
		return nil, nil, fmt.Errorf("patch encoder missing: %w", err)
	}
	enc, err := newORTBackbone(encoderPath, DefaultMaxSeq, DefaultPatchSize, head.InputDim, dev)
	if err != nil {
		return nil, nil, err
	}

	return &handle{
		backbone:  enc,
		head:      head,
		patchSize: DefaultPatchSize,
		maxSeq:    DefaultMaxSeq,
	}, vocab, nil
}

// Preprocess runs the color pipeline, picks the resolution and fills a
// patch buffer. Patchify cost is paid on the calling context so the
// worker only runs the forward pass.
func (*Adapter) Preprocess(path string, _ classifier.PreprocessOptions) (classifier.Bundle, error) {
	return Preprocess(path)
}

// Preprocess is the exported form used directly by tests and tools.
func Preprocess(path string) (*PatchBuffer, error) {
	img, err := decodeImage(path)
	if err != nil {
		return nil, err
	}

	h, w := img.Rect.Dy(), img.Rect.Dx()
	outH, outW, err := SelectResolution(h, w, DefaultPatchSize, DefaultMaxSeq)
	if err != nil {
		return nil, err
	}
	if outH != h || outW != w {
		img = imaging.Resize(img, outW, outH, imaging.Lanczos)
	}
	return Patchify(img, DefaultPatchSize, DefaultMaxSeq)
}

// Infer rescales patch bytes to [-1, 1], encodes them and pools with
// the Hydra head.
func (*Adapter) Infer(h classifier.Handle, b classifier.Bundle) ([]float32, error) {
	hd, ok := h.(*handle)
	if !ok {
		return nil, fmt.Errorf("handle is not a jtp3 model")
	}
	buf, ok := b.(*PatchBuffer)
	if !ok {
		return nil, fmt.Errorf("bundle is not a patch buffer")
	}

	patches := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		patches[i] = float32(v)/127.5 - 1.0
	}
	coords := make([]int32, len(buf.Coords))
	for i, v := range buf.Coords {
		coords[i] = int32(v)
	}

	embeddings, err := hd.backbone.encode(patches, coords, buf.Valid)
	if err != nil {
		return nil, err
	}
	return hd.head.Forward(embeddings, buf.Valid)
}

type ortBackbone struct {
	session  *ort.DynamicAdvancedSession
	maxSeq   int
	patchDim int
	embedDim int
}

func newORTBackbone(path string, maxSeq, patchSize, embedDim int, dev classifier.Device) (*ortBackbone, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("inspect encoder graph: %w", err)
	}
	if len(inputs) != 3 || len(outputs) != 1 {
		return nil, fmt.Errorf("encoder graph has %d inputs and %d outputs, want 3/1", len(inputs), len(outputs))
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer opts.Destroy()

	if dev.CUDA {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			slog.Warn("CUDA unavailable, falling back to CPU", slog.String("error", err.Error()))
		} else {
			if err := cudaOpts.Update(map[string]string{"device_id": strconv.Itoa(dev.ID)}); err == nil {
				if err := opts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
					slog.Warn("CUDA provider rejected, falling back to CPU", slog.String("error", err.Error()))
				}
			}
			cudaOpts.Destroy()
		}
	}

	names := make([]string, len(inputs))
	for i, info := range inputs {
		names[i] = info.Name
	}
	session, err := ort.NewDynamicAdvancedSession(path, names, []string{outputs[0].Name}, opts)
	if err != nil {
		return nil, fmt.Errorf("create encoder session: %w", err)
	}
	return &ortBackbone{
		session:  session,
		maxSeq:   maxSeq,
		patchDim: patchSize * patchSize * 3,
		embedDim: embedDim,
	}, nil
}

// encode runs the patch encoder. The mask is passed as int32 0/1, the
// convention the encoder graphs are exported with.
func (b *ortBackbone) encode(patches []float32, coords []int32, valid []bool) (*mat.Dense, error) {
	patchT, err := ort.NewTensor(ort.NewShape(1, int64(b.maxSeq), int64(b.patchDim)), patches)
	if err != nil {
		return nil, err
	}
	defer patchT.Destroy()

	coordT, err := ort.NewTensor(ort.NewShape(1, int64(b.maxSeq), 2), coords)
	if err != nil {
		return nil, err
	}
	defer coordT.Destroy()

	mask := make([]int32, len(valid))
	for i, v := range valid {
		if v {
			mask[i] = 1
		}
	}
	maskT, err := ort.NewTensor(ort.NewShape(1, int64(b.maxSeq)), mask)
	if err != nil {
		return nil, err
	}
	defer maskT.Destroy()

	out, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(b.maxSeq), int64(b.embedDim)))
	if err != nil {
		return nil, err
	}
	defer out.Destroy()

	if err := b.session.Run(
		[]ort.Value{patchT, coordT, maskT},
		[]ort.Value{out},
	); err != nil {
		return nil, err
	}

	data := out.GetData()
	dense := mat.NewDense(b.maxSeq, b.embedDim, nil)
	for s := 0; s < b.maxSeq; s++ {
		row := dense.RawRowView(s)
		for d := 0; d < b.embedDim; d++ {
			row[d] = float64(data[s*b.embedDim+d])
		}
	}
	return dense, nil
}

func (b *ortBackbone) close() error { return b.session.Destroy() }
