package wmanager

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/hacklily/renderd/internal/runtime"
	"github.com/hacklily/renderd/internal/worker"
)

type fakeChild struct{}

func (fakeChild) Stdin() io.Writer  { return io.Discard }
func (fakeChild) Stdout() io.Reader { return bytes.NewReader(nil) }
func (fakeChild) Stderr() io.Reader { return bytes.NewReader(nil) }
func (fakeChild) Wait() error       { return nil }
func (fakeChild) Kill() error       { return nil }

type fakeRuntime struct {
	failCreate bool
}

func (r *fakeRuntime) Create(ctx context.Context, image string) (string, error) {
	if r.failCreate {
		return "", errors.New("boom")
	}
	return "c1", nil
}
func (r *fakeRuntime) Start(ctx context.Context, id string) error { return nil }
func (r *fakeRuntime) Attach(ctx context.Context, id string) (runtime.Child, error) {
	return fakeChild{}, nil
}
func (r *fakeRuntime) Remove(ctx context.Context, id string) error { return nil }

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestManagerCreateWorkerReady(t *testing.T) {
	m := New(&fakeRuntime{}, "canary", 4)
	go m.Run(context.Background())

	m.Commands() <- CreateWorker{Meta: worker.Meta{ID: 1}}
	ev := waitEvent(t, m.Events())
	ready, ok := ev.(WorkerReady)
	if !ok {
		t.Fatalf("expected WorkerReady, got %T", ev)
	}
	if ready.Worker.Meta.ID != 1 {
		t.Fatalf("unexpected worker id %d", ready.Worker.Meta.ID)
	}

	m.Commands() <- Shutdown{}
	for range m.Events() {
	}
}

func TestManagerCreateWorkerFailureIsFatal(t *testing.T) {
	m := New(&fakeRuntime{failCreate: true}, "canary", 4)
	go m.Run(context.Background())

	m.Commands() <- CreateWorker{Meta: worker.Meta{ID: 1}}
	ev := waitEvent(t, m.Events())
	if _, ok := ev.(Fatal); !ok {
		t.Fatalf("expected Fatal, got %T", ev)
	}

	m.Commands() <- Shutdown{}
	for range m.Events() {
	}
}

func TestManagerRecycleSecondFailureEscalates(t *testing.T) {
	rt := &fakeRuntime{}
	m := New(rt, "canary", 4)
	go m.Run(context.Background())

	m.Commands() <- CreateWorker{Meta: worker.Meta{ID: 1}}
	ev := waitEvent(t, m.Events())
	ready := ev.(WorkerReady)

	rt.failCreate = true
	m.Commands() <- ReportDead{Meta: ready.Worker.Meta, Err: errors.New("dirty crash"), Handle: ready.Worker.Handle()}

	termEv := waitEvent(t, m.Events())
	if _, ok := termEv.(WorkerTerminated); !ok {
		t.Fatalf("expected WorkerTerminated first, got %T", termEv)
	}

	fatalEv := waitEvent(t, m.Events())
	if _, ok := fatalEv.(Fatal); !ok {
		t.Fatalf("expected Fatal after second failed create, got %T", fatalEv)
	}

	m.Commands() <- Shutdown{}
	for range m.Events() {
	}
}

// TestManagerShutdownDrainsCommandsSentAfterShutdown covers the case
// where a ReturnWorker (or ReportDead) command is enqueued after
// Shutdown has already been sent — e.g. a worker that was mid-Busy when
// the quit signal arrived finishes and gets handed back for teardown.
// The Manager must keep draining the mailbox and terminate it, rather
// than leaving it (and Events) stuck forever.
func TestManagerShutdownDrainsCommandsSentAfterShutdown(t *testing.T) {
	m := New(&fakeRuntime{}, "canary", 4)
	go m.Run(context.Background())

	m.Commands() <- CreateWorker{Meta: worker.Meta{ID: 1}}
	ready := waitEvent(t, m.Events()).(WorkerReady)

	m.Commands() <- Shutdown{}
	m.Commands() <- ReturnWorker{Worker: ready.Worker}

	drained := make(chan bool, 1)
	go func() {
		sawTerminated := false
		for ev := range m.Events() {
			if _, ok := ev.(WorkerTerminated); ok {
				sawTerminated = true
			}
		}
		drained <- sawTerminated
	}()

	select {
	case sawTerminated := <-drained:
		if !sawTerminated {
			t.Fatal("expected WorkerTerminated for a worker returned after Shutdown")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Events never closed: Manager deadlocked draining a command sent after Shutdown")
	}
}

func TestManagerReturnWorkerTerminates(t *testing.T) {
	m := New(&fakeRuntime{}, "canary", 4)
	go m.Run(context.Background())

	m.Commands() <- CreateWorker{Meta: worker.Meta{ID: 1}}
	ready := waitEvent(t, m.Events()).(WorkerReady)

	m.Commands() <- ReturnWorker{Worker: ready.Worker}
	ev := waitEvent(t, m.Events())
	if _, ok := ev.(WorkerTerminated); !ok {
		t.Fatalf("expected WorkerTerminated, got %T", ev)
	}

	m.Commands() <- Shutdown{}
	for range m.Events() {
	}
}
