package classifier

import (
	"errors"
	"fmt"
)

// Error categories. Each background task catches failures at its own
// boundary and relays them as error events; nothing propagates far
// enough to take a worker down.
type (
	// LoadError covers missing or corrupt weights/vocabulary files and
	// architecture or metadata mismatches. The manager transitions to
	// Failed and fully resets model state when one occurs.
	LoadError struct {
		ModelID string
		Err     error
	}

	// PreprocessError covers unreadable, corrupt or oversized images.
	PreprocessError struct {
		Path string
		Err  error
	}

	// InferenceError covers unexpected forward-pass failures.
	InferenceError struct {
		ModelID string
		Err     error
	}
)

func (e *LoadError) Error() string {
	return fmt.Sprintf("load model %s: %v", e.ModelID, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

func (e *PreprocessError) Error() string {
	return fmt.Sprintf("preprocess %s: %v", e.Path, e.Err)
}

func (e *PreprocessError) Unwrap() error { return e.Err }

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference with model %s: %v", e.ModelID, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

var (
	// ErrTooManyPatches marks an image whose minimal patch grid still
	// exceeds the architecture's sequence budget. It is deterministic
	// and avoidable, so it gets its own sentinel instead of a generic
	// preprocess failure.
	ErrTooManyPatches = errors.New("image exceeds the patch budget even at minimal scale")

	// ErrSuperseded is delivered to a request that was overwritten by a
	// newer one while the model was still loading.
	ErrSuperseded = errors.New("superseded by a newer analysis request")

	// ErrLoadInProgress is returned when an operation cannot run while
	// a model load task is in flight.
	ErrLoadInProgress = errors.New("model load in progress")

	// ErrUnknownModel is returned for model ids outside the discovered set.
	ErrUnknownModel = errors.New("unknown model id")
)
