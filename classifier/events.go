package classifier

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// EventKind enumerates the completion-channel messages.
type EventKind string

const (
	// EventStarted is emitted once inference has been dispatched.
	EventStarted EventKind = "started"
	// EventFinished carries the ranked results.
	EventFinished EventKind = "finished"
	// EventError carries a failure from any pipeline stage.
	EventError EventKind = "error"
)

// Event is one message on a request's completion channel. RequestID
// echoes the id handed out by RequestAnalysis so callers can discard
// stale results without comparing paths.
type Event struct {
	Kind      EventKind
	RequestID uuid.UUID
	Results   []TagScore
	Err       string
}

// Request is the caller's view of one analysis request. Events delivers
// at most one EventStarted followed by exactly one terminal event
// (EventFinished or EventError), then closes.
type Request struct {
	ID     uuid.UUID
	Path   string
	Events <-chan Event

	events chan Event
	done   atomic.Bool
}

func newRequest(path string) *Request {
	// Buffered for the full event sequence so the manager never blocks
	// on a caller that stopped reading.
	ch := make(chan Event, 3)
	return &Request{
		ID:     uuid.New(),
		Path:   path,
		Events: ch,
		events: ch,
	}
}

func (r *Request) started() {
	r.events <- Event{Kind: EventStarted, RequestID: r.ID}
}

// finished and failed are terminal; the first one wins. A panic fallback
// arriving after a regular failure must not reopen a closed channel.
func (r *Request) finished(results []TagScore) {
	if !r.done.CompareAndSwap(false, true) {
		return
	}
	r.events <- Event{Kind: EventFinished, RequestID: r.ID, Results: results}
	close(r.events)
}

func (r *Request) failed(err error) {
	if !r.done.CompareAndSwap(false, true) {
		return
	}
	r.events <- Event{Kind: EventError, RequestID: r.ID, Err: err.Error()}
	close(r.events)
}
