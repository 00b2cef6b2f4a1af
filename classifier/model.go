package classifier

import (
	"log/slog"
	"sync/atomic"
)

// loadedModel ties a weights handle to its adapter and vocabulary.
// Everything here is read-only after load; only the reference count
// mutates. The manager holds one reference for as long as the model is
// active, and each in-flight inference task holds another, so switching
// models never invalidates a handle a task has already captured.
type loadedModel struct {
	desc    ModelDescriptor
	adapter Adapter
	handle  Handle
	vocab   []string
	device  Device

	refs    atomic.Int64
	retired atomic.Bool
}

func newLoadedModel(desc ModelDescriptor, adapter Adapter, handle Handle, vocab []string, dev Device) *loadedModel {
	m := &loadedModel{
		desc:    desc,
		adapter: adapter,
		handle:  handle,
		vocab:   vocab,
		device:  dev,
	}
	m.refs.Store(1) // the manager's own reference
	return m
}

func (m *loadedModel) acquire() {
	m.refs.Add(1)
}

func (m *loadedModel) release() {
	if m.refs.Add(-1) > 0 {
		return
	}
	if err := m.handle.Close(); err != nil {
		slog.Warn("closing model resources",
			slog.String("model", m.desc.ID), slog.String("error", err.Error()))
	}
}

// retire drops the manager's reference. Native resources go away once
// the last in-flight task releases its own reference.
func (m *loadedModel) retire() {
	if m.retired.CompareAndSwap(false, true) {
		m.release()
	}
}
