// Package wmanager owns worker lifecycle: creation, stderr draining, and
// recycling a worker that died back into a fresh one. It is driven by a
// bounded command mailbox and reports terminal transitions back over an
// event channel, so the Scheduler never blocks on sandbox startup
// latency.
package wmanager

import (
	"bufio"
	"context"
	"fmt"
	"log"

	"github.com/hacklily/renderd/internal/runtime"
	"github.com/hacklily/renderd/internal/worker"
)

// Command is anything the Scheduler can send the Manager.
type Command interface{ isCommand() }

// CreateWorker asks the Manager to bring up a brand new worker slot.
type CreateWorker struct{ Meta worker.Meta }

// ReturnWorker hands a still-Ready worker back for an orderly Stopped
// transition, used while draining the pool during graceful shutdown.
type ReturnWorker struct{ Worker *worker.Worker }

// ReportDead tells the Manager a worker died while Busy. The handle (if
// any) is closed and a fresh replacement is spawned in its place.
type ReportDead struct {
	Meta   worker.Meta
	Err    error
	Handle interface{ Close() }
}

// Abort cancels every in-flight worker creation immediately.
type Abort struct{}

// Shutdown marks the Manager as stopping. It keeps draining the command
// mailbox afterward — in particular, ReturnWorker commands for workers
// that become Ready after Shutdown is sent are still torn down — and
// only closes the event channel once every worker the Manager knows
// about has terminated.
type Shutdown struct{}

func (CreateWorker) isCommand() {}
func (ReturnWorker) isCommand() {}
func (ReportDead) isCommand()   {}
func (Abort) isCommand()        {}
func (Shutdown) isCommand()     {}

// Event is anything the Manager reports back to the Scheduler.
type Event interface{ isEvent() }

// WorkerReady reports a worker that just finished Creating -> Ready.
type WorkerReady struct{ Worker *worker.Worker }

// WorkerTerminated reports a worker that reached Stopped, either because
// it was explicitly returned or because it died and was recycled away.
type WorkerTerminated struct{ Meta worker.Meta }

// Fatal reports an unrecoverable condition: a worker slot could not be
// created (at bootstrap, or when the replacement for a dead worker also
// fails), or a Manager-owned goroutine panicked.
type Fatal struct{ Err error }

func (WorkerReady) isEvent()      {}
func (WorkerTerminated) isEvent() {}
func (Fatal) isEvent()            {}

// Manager consumes Command values from a bounded mailbox, spawning one
// goroutine per piece of async work, and emits Event values describing
// terminal outcomes. Every spawned goroutine is wrapped in a panic
// firewall: a panic becomes a Fatal event instead of crashing the
// process.
type Manager struct {
	rt     runtime.Runtime
	canary string

	cmdCh   chan Command
	eventCh chan Event

	// doneCh receives one signal per finished top-level goroutine
	// (createWorker, terminate, recycle). Run uses it to track how many
	// are still outstanding without relying on sync.WaitGroup, whose
	// Add/Wait pairing can't safely straddle a point where further Adds
	// arrive after a Wait already observed a zero counter — exactly the
	// shape of Shutdown racing new ReturnWorker commands.
	doneCh chan struct{}
}

// New builds a Manager. bufSize sizes both the command and event
// channels; 0 picks a sane default.
func New(rt runtime.Runtime, canary string, bufSize int) *Manager {
	if bufSize <= 0 {
		bufSize = 32
	}
	return &Manager{
		rt:      rt,
		canary:  canary,
		cmdCh:   make(chan Command, bufSize),
		eventCh: make(chan Event, bufSize),
		doneCh:  make(chan struct{}, bufSize),
	}
}

// Commands returns the send side of the command mailbox.
func (m *Manager) Commands() chan<- Command { return m.cmdCh }

// Events returns the receive side of the event stream. Closed once Run
// observes a Shutdown command and every in-flight goroutine has
// returned.
func (m *Manager) Events() <-chan Event { return m.eventCh }

// Run drives the Manager until every worker has terminated after a
// Shutdown command. Intended to be run in its own goroutine; the caller
// stops the Manager by sending Shutdown rather than closing Commands().
func (m *Manager) Run(parentCtx context.Context) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	stopping := false
	outstanding := 0

	spawn := func(fn func()) {
		outstanding++
		go fn()
	}

	for {
		if stopping && outstanding == 0 {
			close(m.eventCh)
			return
		}

		select {
		case cmd := <-m.cmdCh:
			switch c := cmd.(type) {
			case CreateWorker:
				spawn(func() { m.createWorker(ctx, c.Meta, false) })
			case ReturnWorker:
				spawn(func() { m.terminate(c.Worker) })
			case ReportDead:
				if c.Handle != nil {
					c.Handle.Close()
				}
				spawn(func() { m.recycle(ctx, c.Meta) })
			case Abort:
				cancel()
			case Shutdown:
				stopping = true
			}

		case <-m.doneCh:
			outstanding--
		}
	}
}

func (m *Manager) emit(ev Event) {
	defer func() { recover() }()
	m.eventCh <- ev
}

func (m *Manager) createWorker(ctx context.Context, meta worker.Meta, isRecycle bool) {
	defer func() { m.doneCh <- struct{}{} }()
	defer func() {
		if r := recover(); r != nil {
			m.emit(Fatal{Err: fmt.Errorf("panic creating worker %d: %v", meta.ID, r)})
		}
	}()

	w, err := worker.Create(ctx, m.rt, meta, m.canary)
	if err != nil {
		if isRecycle {
			m.emit(Fatal{Err: fmt.Errorf("worker %d failed twice in a row: %w", meta.ID, err)})
			return
		}
		m.emit(Fatal{Err: err})
		return
	}

	// drainStderr runs for the worker's entire lifetime, independent of
	// this goroutine's own completion; it isn't counted as outstanding
	// work, since it naturally winds down once the worker's stderr pipe
	// closes and shouldn't gate Shutdown.
	go m.drainStderr(w)
	m.emit(WorkerReady{Worker: w})
}

// recycle replaces a dead worker's slot with a freshly Creating one,
// resetting Uses to 0. A second consecutive failure escalates to Fatal
// rather than looping forever.
//
// recycle is itself counted as outstanding Manager work (Run's spawn
// increments it when dispatching ReportDead), but it hands that slot
// off to the createWorker goroutine it launches rather than signaling
// doneCh for itself: there is no way to have both recycle's own
// completion and the spawned createWorker's completion signal doneCh
// without a transient window where outstanding reads zero while the
// replacement is still being created. If recycle never reaches the
// handoff (a panic beforehand), it signals doneCh itself instead.
func (m *Manager) recycle(ctx context.Context, meta worker.Meta) {
	handedOff := false
	defer func() {
		if !handedOff {
			m.doneCh <- struct{}{}
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			m.emit(Fatal{Err: fmt.Errorf("panic recycling worker %d: %v", meta.ID, r)})
		}
	}()

	m.emit(WorkerTerminated{Meta: meta})

	fresh := meta
	fresh.Uses = 0
	handedOff = true
	go m.createWorker(ctx, fresh, true)
}

func (m *Manager) terminate(w *worker.Worker) {
	defer func() { m.doneCh <- struct{}{} }()
	defer func() {
		if r := recover(); r != nil {
			m.emit(Fatal{Err: fmt.Errorf("panic terminating worker %d: %v", w.Meta.ID, r)})
		}
	}()

	meta := w.Meta
	w.Terminate()
	m.emit(WorkerTerminated{Meta: meta})
}

// drainStderr copies a worker's stderr to the process log line by line
// until the stream closes. Wrapped in its own panic firewall since it
// runs for the worker's entire lifetime, unsupervised. Not counted as
// outstanding Manager work; see createWorker.
func (m *Manager) drainStderr(w *worker.Worker) {
	defer func() { recover() }()

	scanner := bufio.NewScanner(w.Stderr())
	for scanner.Scan() {
		log.Printf("worker %d (%s) stderr: %s", w.Meta.ID, w.Meta.Class, scanner.Text())
	}
}
