// Package source implements the Request Source abstraction: a stream of
// incoming render requests paired with a per-request response sink,
// decoupled from where those requests actually come from.
package source

import "github.com/hacklily/renderd/internal/protocol"

// Item is one incoming request plus the callback that delivers its
// Response. Respond must tolerate being called exactly once; calling it
// more than once per Item is a programming error in the source.
type Item struct {
	Request protocol.Request
	Respond protocol.ResponseCallback
}

// Source produces a stream of Items and can be asked to stop.
//
// Items is closed when the source is exhausted (batch/list sources) or
// fails (socket source: connection dropped). Err distinguishes the two:
// nil after a clean exhaustion, non-nil after a failure. The Scheduler
// is the only consumer of Items and Err; reading an Item and calling its
// Respond are typically done from different goroutines, since a
// request's render may still be in flight when the next Item arrives.
//
// Done reports when every Item this source has ever emitted has
// received its Respond callback — the actual "all work for this source
// is finished" signal. It is distinct from Items closing: a bounded
// source (batch/list) typically closes Items well before the last
// dispatched request has a response, since the requests are still being
// rendered. A source with no notion of "every response delivered"
// (the persistent coordinator socket) returns a channel that never
// fires; its lifecycle is driven by Items/Err/Quit instead.
type Source interface {
	Items() <-chan Item
	Err() error
	Quit()
	Done() <-chan struct{}
}
