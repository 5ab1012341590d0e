package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/hacklily/renderd/internal/config"
	"github.com/hacklily/renderd/internal/protocol"
	"github.com/hacklily/renderd/internal/runtime"
	"github.com/hacklily/renderd/internal/source"
	"github.com/hacklily/renderd/internal/wmanager"
	"github.com/hacklily/renderd/internal/worker"
)

// scriptedChild mirrors the one in internal/worker's tests: a single
// stdin write triggers a scripted stdout reply, optionally after a
// delay or never at all.
type scriptedChild struct {
	mu      sync.Mutex
	stdout  bytes.Buffer
	reply   string
	delay   time.Duration
	noReply bool
}

func (c *scriptedChild) Stdin() io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		go func() {
			if c.delay > 0 {
				time.Sleep(c.delay)
			}
			if c.noReply {
				return
			}
			c.mu.Lock()
			defer c.mu.Unlock()
			c.stdout.WriteString(c.reply)
			c.stdout.WriteString("\n")
		}()
		return len(p), nil
	})
}
func (c *scriptedChild) Stdout() io.Reader { return &pollingReader{c: c} }
func (c *scriptedChild) Stderr() io.Reader { return bytes.NewReader(nil) }
func (c *scriptedChild) Wait() error       { return nil }
func (c *scriptedChild) Kill() error       { return nil }

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

type pollingReader struct{ c *scriptedChild }

func (r *pollingReader) Read(p []byte) (int, error) {
	for {
		r.c.mu.Lock()
		n, _ := r.c.stdout.Read(p)
		r.c.mu.Unlock()
		if n > 0 {
			return n, nil
		}
		time.Sleep(time.Millisecond)
	}
}

var _ runtime.Child = (*scriptedChild)(nil)

// happyRuntime hands back a fresh scriptedChild that always answers with
// a well-formed JSON response whose logs carry the default canary.
type happyRuntime struct {
	mu      sync.Mutex
	created int
}

func (r *happyRuntime) Create(ctx context.Context, image string) (string, error) {
	r.mu.Lock()
	r.created++
	id := r.created
	r.mu.Unlock()
	return fmt.Sprintf("container-%d", id), nil
}
func (r *happyRuntime) Start(ctx context.Context, id string) error { return nil }
func (r *happyRuntime) Attach(ctx context.Context, id string) (runtime.Child, error) {
	reply := `{"files":["out.svg"],"logs":"` + protocol.DefaultCanary + `","midi":""}`
	return &scriptedChild{reply: reply}, nil
}
func (r *happyRuntime) Remove(ctx context.Context, id string) error { return nil }

func TestSchedulerSimpleRoundTrip(t *testing.T) {
	cfg := config.Config{
		StableWorkerCount: 2,
		RenderTimeoutMsec: 2000,
	}

	reqs := []protocol.Request{
		{ID: "r1", Class: protocol.ClassStable, Backend: protocol.BackendSVG},
		{ID: "r2", Class: protocol.ClassStable, Backend: protocol.BackendSVG},
	}
	var list *source.ListSource
	newSource := func(ctx context.Context) (source.Source, error) {
		list = source.NewListSource(reqs)
		return list, nil
	}

	sched := New(cfg, &happyRuntime{}, newSource)

	quit := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- sched.Run(context.Background(), quit) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not shut down after the list source was exhausted")
	}

	outputs := list.Outputs()
	if len(outputs) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(outputs))
	}
	for id, resp := range outputs {
		if len(resp.Files) != 1 {
			t.Fatalf("request %s: expected 1 file, got %v", id, resp.Files)
		}
	}
}

// TestSchedulerTotalWorkersCountsWorkersNeverRoutedThroughCreateWorker
// covers a worker.Worker that becomes Ready without ever passing
// through Scheduler.createWorker — exactly the shape of a recycle
// replacement, which the Manager spawns entirely on its own. totalWorkers
// must still see it, or the shutdown exit condition never reaches zero.
func TestSchedulerTotalWorkersCountsWorkersNeverRoutedThroughCreateWorker(t *testing.T) {
	cfg := config.Config{RenderTimeoutMsec: 2000}
	newSource := func(ctx context.Context) (source.Source, error) {
		return source.NewListSource(nil), nil
	}
	sched := New(cfg, &happyRuntime{}, newSource)

	w, err := worker.Create(context.Background(), &happyRuntime{}, worker.Meta{ID: 99, Class: protocol.ClassStable}, protocol.DefaultCanary)
	if err != nil {
		t.Fatalf("worker.Create: %v", err)
	}

	sched.handleManagerEvent(wmanager.WorkerReady{Worker: w})
	if sched.totalWorkers != 1 {
		t.Fatalf("expected totalWorkers=1 after WorkerReady, got %d", sched.totalWorkers)
	}

	sched.handleManagerEvent(wmanager.WorkerTerminated{Meta: w.Meta})
	if sched.totalWorkers != 0 {
		t.Fatalf("expected totalWorkers=0 after WorkerTerminated, got %d", sched.totalWorkers)
	}
}

func TestSchedulerGracefulShutdownOnQuit(t *testing.T) {
	cfg := config.Config{
		StableWorkerCount: 1,
		RenderTimeoutMsec: 2000,
	}

	newSource := func(ctx context.Context) (source.Source, error) {
		return source.NewListSource(nil), nil
	}

	sched := New(cfg, &happyRuntime{}, newSource)

	quit := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- sched.Run(context.Background(), quit) }()

	time.Sleep(50 * time.Millisecond)
	close(quit)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not shut down after quit was closed")
	}
}
