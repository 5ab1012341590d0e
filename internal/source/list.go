package source

import (
	"fmt"
	"sync"

	"github.com/hacklily/renderd/internal/protocol"
)

// ListSource replays a fixed, bounded list of requests held in memory.
// Used by tests. It self-quits once every request it emitted has been
// responded to.
type ListSource struct {
	items chan Item
	done  chan struct{}

	mu      sync.Mutex
	outputs map[string]protocol.Response
	total   int
}

// NewListSource builds a Source that emits every request in reqs, in
// order. Items is buffered and closed before NewListSource returns; Done
// closes once all of them have been answered.
func NewListSource(reqs []protocol.Request) *ListSource {
	s := &ListSource{
		items:   make(chan Item, len(reqs)),
		done:    make(chan struct{}),
		outputs: make(map[string]protocol.Response, len(reqs)),
		total:   len(reqs),
	}
	for _, r := range reqs {
		req := r
		s.items <- Item{Request: req, Respond: func(resp protocol.Response) { s.record(req.ID, resp) }}
	}
	close(s.items)
	if s.total == 0 {
		close(s.done)
	}
	return s
}

func (s *ListSource) record(id string, resp protocol.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.outputs[id]; dup {
		// Two responses for the same request id can only happen if the
		// Scheduler dispatched the same Item twice, which is a bug in the
		// Scheduler, not a condition this source can recover from.
		panic(fmt.Sprintf("list source: duplicate response for request %q", id))
	}
	s.outputs[id] = resp
	if len(s.outputs) == s.total {
		close(s.done)
	}
}

// Items implements Source.
func (s *ListSource) Items() <-chan Item { return s.items }

// Err implements Source. A ListSource never fails; it only exhausts.
func (s *ListSource) Err() error { return nil }

// Quit implements Source. No-op: a ListSource already has a bounded
// lifetime and closes itself once every response has arrived.
func (s *ListSource) Quit() {}

// Done reports when every emitted request has received a response.
func (s *ListSource) Done() <-chan struct{} { return s.done }

// Outputs returns a snapshot of every response recorded so far, keyed by
// request id.
func (s *ListSource) Outputs() map[string]protocol.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]protocol.Response, len(s.outputs))
	for k, v := range s.outputs {
		out[k] = v
	}
	return out
}
