package classifier

// Kind identifies a classifier architecture family. The set is closed:
// dispatch happens once at load time through the adapter registry, never
// by runtime type inspection.
type Kind string

const (
	// KindJTP2 is the fixed-resolution 384x384 SigLIP ViT family.
	KindJTP2 Kind = "jtp2"
	// KindJTP3 is the variable-resolution patch-sequence ViT family
	// with the Hydra attention-pooling head.
	KindJTP3 Kind = "jtp3"
)

// Device describes where inference sessions should execute.
type Device struct {
	CUDA bool
	ID   int
}

func (d Device) String() string {
	if d.CUDA {
		return "cuda"
	}
	return "cpu"
}

// Handle owns the loaded weights and any native sessions of one model.
// Handles are read-only after load and safe to share across concurrent
// inference tasks; Close releases native resources.
type Handle interface {
	Close() error
}

// Bundle is an adapter-specific preprocessed input. JTP2 produces a
// fixed 3x384x384 tensor, JTP3 a patch buffer; the manager treats both
// opaquely.
type Bundle any

// PreprocessOptions are the knobs shared by all adapters.
type PreprocessOptions struct {
	// AllowUpscale lets the resize step grow images beyond their natural
	// resolution. Default is shrink-only.
	AllowUpscale bool
}

// Adapter implements the per-architecture contract: load weights and
// vocabulary, preprocess one image, run one forward pass. Score vectors
// are normalized by the adapter itself (JTP2 to [0,1], JTP3 to [-1,1])
// and always have len(vocabulary) entries.
type Adapter interface {
	Kind() Kind
	Load(desc ModelDescriptor, dev Device) (Handle, []string, error)
	Preprocess(imagePath string, opts PreprocessOptions) (Bundle, error)
	Infer(h Handle, b Bundle) ([]float32, error)
}
