// Package jtp2 implements the fixed-resolution SigLIP ViT tagger
// family (JTP_PILOT and JTP_PILOT2). The ONNX graph produces the head
// projection; sigmoid activation (plain) or the gated sigmoid product
// (PILOT2) is applied here, so scores are always in [0,1].
package jtp2

import (
	"fmt"
	"log/slog"
	"strconv"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/krau/tailtagger/classifier"
)

// GatedModelID selects the gated head variant at load time.
const GatedModelID = "JTP_PILOT2"

// Adapter implements classifier.Adapter for the JTP2 family.
type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (*Adapter) Kind() classifier.Kind { return classifier.KindJTP2 }

// runner abstracts the ONNX session so inference math can be exercised
// without a runtime environment.
type runner interface {
	run(input []float32) ([]float32, error)
	close() error
}

type handle struct {
	runner runner
	gated  bool
}

func (h *handle) Close() error { return h.runner.close() }

// Load reads the vocabulary, validates the graph shape against it and
// creates the inference session. PILOT2 graphs project to 2x the class
// count for the gated head.
func (*Adapter) Load(desc classifier.ModelDescriptor, dev classifier.Device) (classifier.Handle, []string, error) {
	vocab, err := ReadTagIndex(desc.VocabPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read vocabulary: %w", err)
	}

	gated := desc.ID == GatedModelID
	outDim := int64(len(vocab))
	if gated {
		outDim *= 2
	}

	inputs, outputs, err := ort.GetInputOutputInfo(desc.WeightsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("inspect model graph: %w", err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, nil, fmt.Errorf("expected 1 input and 1 output, graph has %d/%d", len(inputs), len(outputs))
	}
	if dims := outputs[0].Dimensions; len(dims) == 2 && dims[1] > 0 && dims[1] != outDim {
		return nil, nil, fmt.Errorf("graph outputs %d values, vocabulary wants %d", dims[1], outDim)
	}

	session, err := newORTRunner(desc.WeightsPath, inputs[0].Name, outputs[0].Name, outDim, dev)
	if err != nil {
		return nil, nil, err
	}
	return &handle{runner: session, gated: gated}, vocab, nil
}

func (*Adapter) Preprocess(path string, opts classifier.PreprocessOptions) (classifier.Bundle, error) {
	return Preprocess(path, opts)
}

// Infer runs one forward pass and normalizes the head output.
func (*Adapter) Infer(h classifier.Handle, b classifier.Bundle) ([]float32, error) {
	hd, ok := h.(*handle)
	if !ok {
		return nil, fmt.Errorf("handle is not a jtp2 model")
	}
	input, ok := b.([]float32)
	if !ok {
		return nil, fmt.Errorf("bundle is not a jtp2 tensor")
	}

	raw, err := hd.runner.run(input)
	if err != nil {
		return nil, err
	}
	if hd.gated {
		return gatedHead(raw), nil
	}
	return plainHead(raw), nil
}

type ortRunner struct {
	session *ort.DynamicAdvancedSession
	outDim  int64
}

func newORTRunner(weightsPath, inputName, outputName string, outDim int64, dev classifier.Device) (*ortRunner, error) {
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

	session, err := ort.NewDynamicAdvancedSession(
		weightsPath,
		[]string{inputName},
		[]string{outputName},
		opts,
	)
	if err != nil {
		return nil, fmt.Errorf("create inference session: %w", err)
	}
	return &ortRunner{session: session, outDim: outDim}, nil
}

// run creates per-call tensors; the underlying ONNX Runtime session is
// safe for concurrent Run calls, so parallel inference tasks never
// share buffers.
func (r *ortRunner) run(input []float32) ([]float32, error) {
	in, err := ort.NewTensor(ort.NewShape(1, 3, ImageSize, ImageSize), input)
	if err != nil {
		return nil, err
	}
	defer in.Destroy()

	out, err := ort.NewEmptyTensor[float32](ort.NewShape(1, r.outDim))
	if err != nil {
		return nil, err
	}
	defer out.Destroy()

	if err := r.session.Run([]ort.Value{in}, []ort.Value{out}); err != nil {
		return nil, err
	}

	raw := make([]float32, r.outDim)
	copy(raw, out.GetData())
	return raw, nil
}

func (r *ortRunner) close() error { return r.session.Destroy() }
