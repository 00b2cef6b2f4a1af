package classifier

import (
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	closed atomic.Bool
}

func (h *fakeHandle) Close() error {
	h.closed.Store(true)
	return nil
}

// fakeAdapter lets tests gate the load and inference stages so lifecycle
// transitions can be observed mid-flight.
type fakeAdapter struct {
	loadGate  chan struct{}
	inferGate chan struct{}

	mu         sync.Mutex
	vocab      []string
	scores     []float32
	loadErr    error
	inferErr   error
	inferPanic bool

	loadCalls  atomic.Int32
	lastHandle atomic.Pointer[fakeHandle]
	lastInfer  atomic.Value
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		vocab:  []string{"red", "blue"},
		scores: []float32{0.9, 0.2},
	}
}

func (f *fakeAdapter) Kind() Kind { return KindJTP2 }

func (f *fakeAdapter) Load(desc ModelDescriptor, dev Device) (Handle, []string, error) {
	f.loadCalls.Add(1)
	if f.loadGate != nil {
		<-f.loadGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, nil, f.loadErr
	}
	h := &fakeHandle{}
	f.lastHandle.Store(h)
	return h, f.vocab, nil
}

func (f *fakeAdapter) Preprocess(path string, opts PreprocessOptions) (Bundle, error) {
	return path, nil
}

func (f *fakeAdapter) Infer(h Handle, b Bundle) ([]float32, error) {
	if f.inferGate != nil {
		<-f.inferGate
	}
	f.lastInfer.Store(b.(string))
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inferPanic {
		panic("forward pass blew up")
	}
	if f.inferErr != nil {
		return nil, f.inferErr
	}
	return f.scores, nil
}

func (f *fakeAdapter) set(mutate func(*fakeAdapter)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mutate(f)
}

// modelsRoot lays out installed model directories the discovery scan
// accepts.
func modelsRoot(t *testing.T, ids ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, id := range ids {
		writeFile(t, filepath.Join(root, id, "tags.json"))
		writeFile(t, filepath.Join(root, id, "model.onnx"))
	}
	return root
}

func nextEvent(t *testing.T, req *Request) Event {
	t.Helper()
	select {
	case ev, ok := <-req.Events:
		require.True(t, ok, "events channel closed early")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// terminalEvent skips the started notification and returns the finish
// or error event.
func terminalEvent(t *testing.T, req *Request) Event {
	t.Helper()
	for {
		ev := nextEvent(t, req)
		if ev.Kind != EventStarted {
			return ev
		}
	}
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want },
		3*time.Second, 5*time.Millisecond)
}

func TestLazyLoadAndDispatch(t *testing.T) {
	fake := newFakeAdapter()
	m := NewManager(modelsRoot(t, "JTP_PILOT"), []Adapter{fake}, Options{Workers: 2})
	defer m.Close()

	assert.Equal(t, StateUnloaded, m.State())
	assert.Equal(t, "JTP_PILOT", m.ActiveModelID())

	req, err := m.RequestAnalysis("a.png")
	require.NoError(t, err)

	ev := nextEvent(t, req)
	assert.Equal(t, EventStarted, ev.Kind)
	assert.Equal(t, req.ID, ev.RequestID)

	ev = nextEvent(t, req)
	require.Equal(t, EventFinished, ev.Kind)
	require.Len(t, ev.Results, 2)
	assert.Equal(t, TagScore{Tag: "red", Score: 0.9}, ev.Results[0])
	assert.Equal(t, TagScore{Tag: "blue", Score: 0.2}, ev.Results[1])

	_, ok := <-req.Events
	assert.False(t, ok, "channel should close after the terminal event")

	// the model stays resident for the next request
	req2, err := m.RequestAnalysis("b.png")
	require.NoError(t, err)
	assert.Equal(t, EventFinished, terminalEvent(t, req2).Kind)
	assert.Equal(t, int32(1), fake.loadCalls.Load())
	assert.Equal(t, "b.png", fake.lastInfer.Load())
}

func TestLatestRequestWinsDuringLoad(t *testing.T) {
	fake := newFakeAdapter()
	fake.loadGate = make(chan struct{})
	m := NewManager(modelsRoot(t, "JTP_PILOT"), []Adapter{fake}, Options{Workers: 2})
	defer m.Close()

	req1, err := m.RequestAnalysis("a.png")
	require.NoError(t, err)
	assert.Equal(t, StateLoading, m.State())

	req2, err := m.RequestAnalysis("b.png")
	require.NoError(t, err)

	// the overwritten request fails immediately, before the load ends
	ev := terminalEvent(t, req1)
	assert.Equal(t, EventError, ev.Kind)
	assert.Equal(t, ErrSuperseded.Error(), ev.Err)

	close(fake.loadGate)

	ev = terminalEvent(t, req2)
	require.Equal(t, EventFinished, ev.Kind)
	assert.Equal(t, "b.png", fake.lastInfer.Load())
	assert.Equal(t, int32(1), fake.loadCalls.Load(), "one load task for any number of parked requests")
	waitState(t, m, StateReady)
}

func TestLoadFailureThenRetry(t *testing.T) {
	fake := newFakeAdapter()
	fake.set(func(f *fakeAdapter) { f.loadErr = errors.New("weights corrupt") })
	m := NewManager(modelsRoot(t, "JTP_PILOT"), []Adapter{fake}, Options{Workers: 2})
	defer m.Close()

	req, err := m.RequestAnalysis("a.png")
	require.NoError(t, err)

	ev := terminalEvent(t, req)
	assert.Equal(t, EventError, ev.Kind)
	assert.Contains(t, ev.Err, "weights corrupt")
	assert.Contains(t, ev.Err, "JTP_PILOT")
	waitState(t, m, StateFailed)

	// a later request starts the load over instead of staying wedged
	fake.set(func(f *fakeAdapter) { f.loadErr = nil })
	req2, err := m.RequestAnalysis("b.png")
	require.NoError(t, err)
	assert.Equal(t, EventFinished, terminalEvent(t, req2).Kind)
	assert.Equal(t, int32(2), fake.loadCalls.Load())
	waitState(t, m, StateReady)
}

func TestSwitchReleasesModelAfterInFlightInference(t *testing.T) {
	fake := newFakeAdapter()
	fake.inferGate = make(chan struct{})
	m := NewManager(modelsRoot(t, "JTP_PILOT", "JTP_PILOT2"), []Adapter{fake}, Options{Workers: 2})
	defer m.Close()

	req, err := m.RequestAnalysis("a.png")
	require.NoError(t, err)
	assert.Equal(t, EventStarted, nextEvent(t, req).Kind)

	handle := fake.lastHandle.Load()
	require.NotNil(t, handle)

	// switching mid-inference must not pull the weights out from under
	// the running task
	require.NoError(t, m.SwitchActiveModel("JTP_PILOT2"))
	assert.Equal(t, "JTP_PILOT2", m.ActiveModelID())
	assert.Equal(t, StateUnloaded, m.State())
	assert.False(t, handle.closed.Load())

	close(fake.inferGate)
	assert.Equal(t, EventFinished, terminalEvent(t, req).Kind)
	require.Eventually(t, func() bool { return handle.closed.Load() },
		3*time.Second, 5*time.Millisecond)

	// the next request loads the new model lazily
	req2, err := m.RequestAnalysis("b.png")
	require.NoError(t, err)
	assert.Equal(t, EventFinished, terminalEvent(t, req2).Kind)
	assert.Equal(t, int32(2), fake.loadCalls.Load())
}

func TestSwitchRejectedDuringLoad(t *testing.T) {
	fake := newFakeAdapter()
	fake.loadGate = make(chan struct{})
	m := NewManager(modelsRoot(t, "JTP_PILOT", "JTP_PILOT2"), []Adapter{fake}, Options{Workers: 2})
	defer m.Close()

	req, err := m.RequestAnalysis("a.png")
	require.NoError(t, err)

	err = m.SwitchActiveModel("JTP_PILOT2")
	assert.ErrorIs(t, err, ErrLoadInProgress)
	assert.Equal(t, "JTP_PILOT", m.ActiveModelID())

	close(fake.loadGate)
	assert.Equal(t, EventFinished, terminalEvent(t, req).Kind)
}

func TestSwitchUnknownModel(t *testing.T) {
	m := NewManager(modelsRoot(t, "JTP_PILOT"), []Adapter{newFakeAdapter()}, Options{Workers: 1})
	defer m.Close()
	assert.ErrorIs(t, m.SwitchActiveModel("nope"), ErrUnknownModel)
}

func TestRequestWithoutInstalledModels(t *testing.T) {
	m := NewManager(t.TempDir(), []Adapter{newFakeAdapter()}, Options{Workers: 1})
	defer m.Close()
	_, err := m.RequestAnalysis("a.png")
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestScoreCountMismatch(t *testing.T) {
	fake := newFakeAdapter()
	fake.set(func(f *fakeAdapter) { f.scores = []float32{0.9} })
	m := NewManager(modelsRoot(t, "JTP_PILOT"), []Adapter{fake}, Options{Workers: 1})
	defer m.Close()

	req, err := m.RequestAnalysis("a.png")
	require.NoError(t, err)
	ev := terminalEvent(t, req)
	assert.Equal(t, EventError, ev.Kind)
	assert.Contains(t, ev.Err, "1 scores for 2 tags")
}

func TestInferencePanicIsContained(t *testing.T) {
	fake := newFakeAdapter()
	fake.set(func(f *fakeAdapter) { f.inferPanic = true })
	m := NewManager(modelsRoot(t, "JTP_PILOT"), []Adapter{fake}, Options{Workers: 1})
	defer m.Close()

	req, err := m.RequestAnalysis("a.png")
	require.NoError(t, err)
	ev := terminalEvent(t, req)
	assert.Equal(t, EventError, ev.Kind)
	assert.Contains(t, ev.Err, "panicked")

	// the pool survives and keeps serving
	fake.set(func(f *fakeAdapter) { f.inferPanic = false })
	req2, err := m.RequestAnalysis("b.png")
	require.NoError(t, err)
	assert.Equal(t, EventFinished, terminalEvent(t, req2).Kind)
}
