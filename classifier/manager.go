// Package classifier turns image files into ranked tag suggestions by
// dispatching inference to interchangeable model architectures. The
// Manager owns the only mutable lifecycle state: models load lazily on
// the first analysis request, at most one load task runs at a time, and
// requests arriving mid-load overwrite each other so only the latest
// one is analyzed once loading completes.
package classifier

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the manager's lifecycle state for the active model.
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"
	StateReady    State = "ready"
	StateFailed   State = "failed"
)

// Options configure a Manager.
type Options struct {
	// Device is where adapters should place their sessions.
	Device Device
	// Workers sizes the shared pool running load and inference tasks.
	// Zero means one worker per CPU.
	Workers int
	// Preprocess is handed to every adapter Preprocess call.
	Preprocess PreprocessOptions
	// ActiveModel selects the initially active model id. Empty picks
	// the first discovered model.
	ActiveModel string
}

// Manager orchestrates discovery, lazy loading, request dispatch and
// result relay. All methods are safe for concurrent use.
type Manager struct {
	adapters map[Kind]Adapter
	opts     Options
	pool     *workerPool

	mu       sync.Mutex
	byID     map[string]ModelDescriptor
	order    []ModelDescriptor
	activeID string
	state    State
	model    *loadedModel
	pending  *Request
}

// NewManager discovers models under modelsRoot and prepares the worker
// pool. Nothing is loaded until the first RequestAnalysis call.
func NewManager(modelsRoot string, adapters []Adapter, opts Options) *Manager {
	m := &Manager{
		adapters: make(map[Kind]Adapter, len(adapters)),
		opts:     opts,
		pool:     newWorkerPool(opts.Workers),
		byID:     map[string]ModelDescriptor{},
		state:    StateUnloaded,
	}
	for _, a := range adapters {
		m.adapters[a.Kind()] = a
	}
	m.order = DiscoverModels(modelsRoot)
	for _, desc := range m.order {
		m.byID[desc.ID] = desc
	}

	m.activeID = opts.ActiveModel
	if _, ok := m.byID[m.activeID]; !ok {
		if m.activeID != "" {
			slog.Warn("configured model not installed, falling back to first discovered",
				slog.String("id", m.activeID))
		}
		m.activeID = ""
		if len(m.order) > 0 {
			m.activeID = m.order[0].ID
		}
	}
	return m
}

// Models lists the discovered model descriptors.
func (m *Manager) Models() []ModelDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ModelDescriptor, len(m.order))
	copy(out, m.order)
	return out
}

// ActiveModelID returns the id analysis requests will use.
func (m *Manager) ActiveModelID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RequestAnalysis asks for the image at path to be tagged with the
// active model and returns immediately. Progress and results arrive on
// the returned Request's channel; the emitted ranked list is unfiltered
// (floor threshold only) so callers can re-filter against a changed
// threshold without re-running inference.
//
// If no model is loaded yet, a single load task is started and the
// request is parked. A request arriving while that load is in flight
// overwrites the parked one, which receives an ErrSuperseded event.
func (m *Manager) RequestAnalysis(path string) (*Request, error) {
	m.mu.Lock()
	desc, ok := m.byID[m.activeID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, m.activeID)
	}

	req := newRequest(path)
	switch m.state {
	case StateReady:
		model := m.model
		model.acquire()
		m.mu.Unlock()
		m.dispatch(req, model)

	case StateLoading:
		superseded := m.pending
		m.pending = req
		m.mu.Unlock()
		if superseded != nil {
			superseded.failed(ErrSuperseded)
		}

	case StateUnloaded, StateFailed:
		m.state = StateLoading
		m.pending = req
		m.mu.Unlock()
		m.pool.submit(func() { m.load(desc) }, func(err error) { m.loadDone(nil, err, desc) })
	}
	return req, nil
}

// SwitchActiveModel makes id the active model and unloads the previous
// one. The old model's resources are released once no in-flight
// inference task references them. Switching while a load is running is
// rejected.
func (m *Manager) SwitchActiveModel(id string) error {
	m.mu.Lock()
	if _, ok := m.byID[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownModel, id)
	}
	if m.state == StateLoading {
		m.mu.Unlock()
		return ErrLoadInProgress
	}
	if id == m.activeID && m.state == StateReady {
		m.mu.Unlock()
		return nil
	}
	old := m.model
	m.model = nil
	m.activeID = id
	m.state = StateUnloaded
	m.mu.Unlock()

	if old != nil {
		old.retire()
	}
	slog.Info("active model switched", slog.String("id", id))
	return nil
}

// Close drains the worker pool and releases the active model. In-flight
// tasks run to completion; there is no cancellation.
func (m *Manager) Close() {
	m.pool.close()
	m.mu.Lock()
	old := m.model
	m.model = nil
	m.state = StateUnloaded
	m.mu.Unlock()
	if old != nil {
		old.retire()
	}
}

// load runs on a pool worker. Exactly one load task exists per Loading
// transition.
func (m *Manager) load(desc ModelDescriptor) {
	adapter, ok := m.adapters[desc.Kind]
	if !ok {
		m.loadDone(nil, fmt.Errorf("no adapter for architecture %q", desc.Kind), desc)
		return
	}

	start := time.Now()
	slog.Info("loading model", slog.String("id", desc.ID), slog.String("device", m.opts.Device.String()))
	handle, vocab, err := adapter.Load(desc, m.opts.Device)
	if err != nil {
		m.loadDone(nil, err, desc)
		return
	}
	slog.Info("model loaded",
		slog.String("id", desc.ID),
		slog.Int("tags", len(vocab)),
		slog.Duration("took", time.Since(start).Round(time.Millisecond)))
	m.loadDone(newLoadedModel(desc, adapter, handle, vocab, m.opts.Device), nil, desc)
}

func (m *Manager) loadDone(model *loadedModel, err error, desc ModelDescriptor) {
	m.mu.Lock()
	if m.state != StateLoading {
		// A panic fallback firing after the load already completed.
		m.mu.Unlock()
		if model != nil {
			model.retire()
		}
		return
	}
	parked := m.pending
	m.pending = nil

	if err != nil {
		// No half-loaded state stays observable: model, vocabulary and
		// device binding are all dropped together.
		m.state = StateFailed
		m.model = nil
		m.mu.Unlock()
		slog.Error("model load failed", slog.String("id", desc.ID), slog.String("error", err.Error()))
		if parked != nil {
			parked.failed(&LoadError{ModelID: desc.ID, Err: err})
		}
		return
	}

	m.state = StateReady
	m.model = model
	m.mu.Unlock()

	if parked != nil {
		// Same call path as a fresh request against a ready model.
		model.acquire()
		m.dispatch(parked, model)
	}
}

// dispatch preprocesses on the calling context and hands the forward
// pass to the pool. The caller has already acquired a model reference;
// dispatch owns releasing it.
func (m *Manager) dispatch(req *Request, model *loadedModel) {
	req.started()

	bundle, err := preprocess(model.adapter, req.Path, m.opts.Preprocess)
	if err != nil {
		model.release()
		req.failed(&PreprocessError{Path: req.Path, Err: err})
		return
	}

	m.pool.submit(func() {
		defer model.release()
		scores, err := model.adapter.Infer(model.handle, bundle)
		if err != nil {
			req.failed(&InferenceError{ModelID: model.desc.ID, Err: err})
			return
		}
		if len(scores) != len(model.vocab) {
			req.failed(&InferenceError{
				ModelID: model.desc.ID,
				Err:     fmt.Errorf("got %d scores for %d tags", len(scores), len(model.vocab)),
			})
			return
		}
		req.finished(Rank(model.vocab, scores, 0))
	}, func(err error) {
		req.failed(&InferenceError{ModelID: model.desc.ID, Err: err})
	})
}

// preprocess shields the manager from a panicking adapter; decoders see
// arbitrary files from disk.
func preprocess(a Adapter, path string, opts PreprocessOptions) (b Bundle, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("preprocess panicked: %v", r)
		}
	}()
	return a.Preprocess(path, opts)
}
