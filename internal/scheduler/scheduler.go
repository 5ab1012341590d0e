// Package scheduler implements the single-threaded cooperative event
// loop: it owns all pool state directly (no locking needed, since only
// this goroutine ever touches it) and consumes a merged stream of events
// from the Worker Manager, the active Request Source, and in-flight
// dispatches.
package scheduler

import (
	"container/heap"
	"context"
	"log"
	"time"

	"github.com/hacklily/renderd/internal/config"
	"github.com/hacklily/renderd/internal/protocol"
	"github.com/hacklily/renderd/internal/runtime"
	"github.com/hacklily/renderd/internal/sandbox"
	"github.com/hacklily/renderd/internal/source"
	"github.com/hacklily/renderd/internal/wmanager"
	"github.com/hacklily/renderd/internal/worker"
)

// deadSourceRetryDelay is the wait before reinstantiating a Source that
// died after having been ready; wasReadyRetryDelay is the longer wait
// before trying again when that reinstantiation itself fails.
const (
	wasReadyRetryDelay   = 4000 * time.Millisecond
	deadSourceRetryDelay = 2000 * time.Millisecond
)

// readyHeap orders Ready workers least-used-first: the worker with the
// fewest completed renders is dispatched next, so load spreads evenly
// across the pool instead of piling onto whichever worker answers first.
type readyHeap []*worker.Worker

func (h readyHeap) Len() int           { return len(h) }
func (h readyHeap) Less(i, j int) bool  { return h[i].Meta.Uses < h[j].Meta.Uses }
func (h readyHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x interface{}) { *h = append(*h, x.(*worker.Worker)) }
func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type pendingItem struct {
	req     protocol.Request
	respond protocol.ResponseCallback
}

// completion is the single merged outcome of one dispatched request,
// forwarded from a tiny per-dispatch goroutine so the event loop never
// blocks on a worker's two result channels directly.
type completion struct {
	meta    worker.Meta
	handle  *sandbox.Handle
	child   worker.ChildResult
	result  worker.RenderResult
	respond protocol.ResponseCallback
	req     protocol.Request
}

// Scheduler owns the Worker Manager, the active Source, and all Pool
// State (ready/pending queues, worker accounting, shutdown flags).
type Scheduler struct {
	cfg config.Config
	rt  runtime.Runtime

	mgr *wmanager.Manager

	ready   map[protocol.Class]*readyHeap
	pending map[protocol.Class][]pendingItem

	totalWorkers int
	nextID       int
	stopping     bool

	src source.Source

	completions chan completion

	// newSource is factored out so tests can substitute a fake Source
	// constructor instead of dialing a real coordinator/opening a real
	// file.
	newSource func(ctx context.Context) (source.Source, error)
}

// New builds a Scheduler. newSource constructs the configured Source
// (socket/batch/list) on demand, so the Scheduler can reinstantiate it
// after a recoverable failure without cmd/renderd's involvement.
func New(cfg config.Config, rt runtime.Runtime, newSource func(ctx context.Context) (source.Source, error)) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		rt:          rt,
		ready:       make(map[protocol.Class]*readyHeap),
		pending:     make(map[protocol.Class][]pendingItem),
		completions: make(chan completion, 64),
		newSource:   newSource,
	}
}

func (s *Scheduler) classHeap(class protocol.Class) *readyHeap {
	h, ok := s.ready[class]
	if !ok {
		h = &readyHeap{}
		heap.Init(h)
		s.ready[class] = h
	}
	return h
}

func (s *Scheduler) canary() string {
	if s.cfg.Canary != "" {
		return s.cfg.Canary
	}
	return protocol.DefaultCanary
}

func (s *Scheduler) imageFor(class protocol.Class) string {
	if class == protocol.ClassUnstable {
		return s.cfg.UnstableDockerTag
	}
	return s.cfg.StableDockerTag
}

// Run bootstraps the worker pool and the request source, then drives the
// event loop until a graceful shutdown completes. quit, when closed,
// begins graceful shutdown (e.g. wired to SIGINT/SIGTERM by cmd/renderd).
func (s *Scheduler) Run(ctx context.Context, quit <-chan struct{}) error {
	s.mgr = wmanager.New(s.rt, s.canary(), 64)
	go s.mgr.Run(ctx)

	for i := 0; i < s.cfg.StableWorkerCount; i++ {
		s.createWorker(protocol.ClassStable)
	}
	for i := 0; i < s.cfg.UnstableWorkerCount; i++ {
		s.createWorker(protocol.ClassUnstable)
	}

	src, srcErr := s.newSource(ctx)
	if srcErr != nil {
		return srcErr
	}
	s.src = src
	srcEverReady := false
	srcItemsClosed := false

	var retryTimer <-chan time.Time
	mgrEvents := s.mgr.Events()
	mgrClosed := false

	for {
		var srcItems <-chan source.Item
		var srcDone <-chan struct{}
		if s.src != nil && !srcItemsClosed {
			srcItems = s.src.Items()
		}
		if s.src != nil {
			srcDone = s.src.Done()
		}

		select {
		case <-quit:
			quit = nil
			s.beginShutdown()

		case ev, ok := <-mgrEvents:
			if !ok {
				mgrClosed = true
				mgrEvents = nil
				break
			}
			s.handleManagerEvent(ev)

		case item, ok := <-srcItems:
			if !ok {
				srcItemsClosed = true
				failure := s.src.Err()
				if s.stopping {
					// We asked the source to quit ourselves; nothing more
					// to do here.
				} else if failure == nil {
					// Clean exhaustion (batch/list finished enumerating):
					// wait for Done, since requests dispatched before
					// exhaustion may still be rendering.
				} else if srcEverReady {
					s.src = nil
					log.Printf("scheduler: source died (%v); retrying in %s", failure, deadSourceRetryDelay)
					retryTimer = time.After(deadSourceRetryDelay)
				} else {
					s.src = nil
					log.Printf("scheduler: source failed to ever start (%v); shutting down", failure)
					s.beginShutdown()
				}
				break
			}
			srcEverReady = true
			s.enqueue(item)

		case <-srcDone:
			// Every request this source ever emitted has a response now:
			// safe to begin shutdown without failing any of them out.
			// beginShutdown itself Quits and clears s.src.
			s.beginShutdown()

		case c := <-s.completions:
			s.handleCompletion(c)

		case <-retryTimer:
			retryTimer = nil
			newSrc, err := s.newSource(ctx)
			if err != nil {
				log.Printf("scheduler: source reinstantiation failed (%v); retrying in %s", err, wasReadyRetryDelay)
				retryTimer = time.After(wasReadyRetryDelay)
				break
			}
			s.src = newSrc
			srcItemsClosed = false
		}

		if s.stopping && s.totalWorkers == 0 && mgrClosed {
			return nil
		}
	}
}

func (s *Scheduler) createWorker(class protocol.Class) {
	s.nextID++
	meta := worker.Meta{
		ID:        s.nextID,
		Class:     class,
		Image:     s.imageFor(class),
		TimeoutMs: s.cfg.RenderTimeoutMsec,
	}
	s.mgr.Commands() <- wmanager.CreateWorker{Meta: meta}
}

func (s *Scheduler) handleManagerEvent(ev wmanager.Event) {
	switch e := ev.(type) {
	case wmanager.WorkerReady:
		// Counted here rather than at dispatch time so a recycle-created
		// replacement (spawned entirely inside the Manager, never routed
		// through createWorker) is counted too; every WorkerReady is
		// balanced by a WorkerTerminated, bootstrap or recycle, or by the
		// decrement in handleCompletion for a worker that dies after
		// shutdown began.
		s.totalWorkers++
		if s.stopping {
			// A worker finished Creating after shutdown began (e.g. it was
			// in flight when the quit signal arrived); there is nothing
			// left to dispatch to it, so send it straight back for
			// teardown instead of stranding it in an undrained heap.
			s.mgr.Commands() <- wmanager.ReturnWorker{Worker: e.Worker}
			return
		}
		heap.Push(s.classHeap(e.Worker.Meta.Class), e.Worker)
		s.drainPending(e.Worker.Meta.Class)

	case wmanager.WorkerTerminated:
		s.totalWorkers--

	case wmanager.Fatal:
		log.Printf("scheduler: fatal worker manager event: %v", e.Err)
		s.beginShutdown()
	}
}

func (s *Scheduler) enqueue(item source.Item) {
	class := item.Request.Class
	h := s.classHeap(class)
	if h.Len() > 0 {
		s.dispatch(heap.Pop(h).(*worker.Worker), item.Request, item.Respond)
		return
	}
	s.pending[class] = append(s.pending[class], pendingItem{req: item.Request, respond: item.Respond})
}

func (s *Scheduler) drainPending(class protocol.Class) {
	queue := s.pending[class]
	h := s.classHeap(class)
	for len(queue) > 0 && h.Len() > 0 {
		next := queue[0]
		queue = queue[1:]
		s.dispatch(heap.Pop(h).(*worker.Worker), next.req, next.respond)
	}
	s.pending[class] = queue
}

func (s *Scheduler) dispatch(w *worker.Worker, req protocol.Request, respond protocol.ResponseCallback) {
	busy := w.HandleRequest(context.Background(), req, time.Duration(w.Meta.TimeoutMs)*time.Millisecond)
	go func() {
		child := <-busy.ChildCh
		result := <-busy.RespCh
		s.completions <- completion{
			meta:    busy.Meta,
			handle:  busy.Handle(),
			child:   child,
			result:  result,
			respond: respond,
			req:     req,
		}
	}()
}

func (s *Scheduler) handleCompletion(c completion) {
	if c.child.Err == nil {
		fresh := worker.Reattach(c.meta, c.handle, c.child.Child, s.canary())
		c.respond(c.result.Response)
		if s.stopping {
			// No more dispatching once shutdown has begun; hand the
			// worker straight back to the Manager for teardown instead of
			// leaving it stranded in a ready heap nobody drains anymore.
			s.mgr.Commands() <- wmanager.ReturnWorker{Worker: fresh}
			return
		}
		heap.Push(s.classHeap(fresh.Meta.Class), fresh)
		s.drainPending(fresh.Meta.Class)
		return
	}

	// The worker died handling this request; recycle its slot and either
	// retry the request once (dirty crash, uses>0) or deliver the
	// logs-only diagnostic response produced by worker.HandleRequest
	// (fresh worker, uses==0).
	if s.stopping {
		// Shutting down: just close the handle, don't spin up a
		// replacement worker nobody will ever dispatch to. No
		// WorkerTerminated will arrive for this worker, so it leaves the
		// count here.
		c.handle.Close()
		s.totalWorkers--
	} else {
		s.mgr.Commands() <- wmanager.ReportDead{Meta: c.meta, Err: c.child.Err, Handle: c.handle}
	}

	if c.result.Dirty {
		if !s.stopping {
			// Requeue at the front of this class's pending queue so the
			// retry is the next thing dispatched once a worker is free.
			class := c.req.Class
			s.pending[class] = append([]pendingItem{{req: c.req, respond: c.respond}}, s.pending[class]...)
			return
		}
		// Shutting down: there is no fresh worker left to retry this
		// request on, so the dirty crash becomes a final failure.
		c.respond(protocol.Response{Logs: "could not render file: shutting down after worker crash"})
		return
	}

	c.respond(c.result.Response)
}

// beginShutdown transitions into the graceful shutdown sequence: stop
// accepting new work, drain every Ready worker back to the Manager, tell
// the Manager to shut down, and tell the source to quit. The event loop
// keeps running afterward, consuming WorkerTerminated events until
// totalWorkers reaches zero.
func (s *Scheduler) beginShutdown() {
	if s.stopping {
		return
	}
	s.stopping = true

	for _, h := range s.ready {
		for h.Len() > 0 {
			w := heap.Pop(h).(*worker.Worker)
			s.mgr.Commands() <- wmanager.ReturnWorker{Worker: w}
		}
	}

	// Nothing will ever dispatch these now: every Ready worker is being
	// drained above, and newly-Ready workers get routed straight back to
	// the Manager once stopping is set. Fail them out rather than
	// silently dropping the request.
	for _, queue := range s.pending {
		for _, item := range queue {
			item.respond(protocol.Response{Logs: "could not render file: shutting down"})
		}
	}
	s.pending = make(map[protocol.Class][]pendingItem)

	s.mgr.Commands() <- wmanager.Shutdown{}

	if s.src != nil {
		s.src.Quit()
		s.src = nil
	}
}
