// Package worker implements the per-sandbox state machine: Creating ->
// Ready -> Busy -> {Ready, Dead}, with Ready/Dead/Stopped all able to
// transition to Stopped via Terminate.
//
// Creating and Busy carry asynchronous work; in Go that work is a
// goroutine whose outcome is delivered over one-shot channels rather
// than an explicit future type. Creating workers live inside the
// Manager; a Busy worker is returned by HandleRequest and held by the
// Scheduler's per-dispatch goroutine until its outcome arrives.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hacklily/renderd/internal/protocol"
	"github.com/hacklily/renderd/internal/runtime"
	"github.com/hacklily/renderd/internal/sandbox"
)

// ErrCanaryDied means the reply line read from a worker did not contain
// the liveness canary substring.
var ErrCanaryDied = errors.New("render error: canary died")

// ErrTimeout means the per-request wall-clock timeout fired before the
// worker replied.
var ErrTimeout = errors.New("render error: timeout")

// errDirtyCrash is never surfaced in a Response; it only ever travels
// inside RenderResult.Dirty so the scheduler can decide whether to
// requeue. Kept unexported on purpose.
var errDirtyCrash = errors.New("dirty crash")

// Meta describes a worker slot. Uses counts successful renders since the
// underlying sandbox was (re)created; it is the priority key for the
// Ready heap and the discriminant between a dirty crash and a
// request-attributable crash.
type Meta struct {
	ID        int
	Class     protocol.Class
	Image     string
	TimeoutMs uint64
	Uses      uint64
}

// Worker is a Ready sandbox: a live Handle with an attached Child, ready
// to accept exactly one request.
type Worker struct {
	Meta   Meta
	handle *sandbox.Handle
	child  runtime.Child
	codec  *protocol.WireCodec
	canary string
}

// Create drives a fresh worker slot from Creating to Ready, or returns an
// error representing the Dead(SandboxInitError) terminal state.
func Create(ctx context.Context, rt runtime.Runtime, meta Meta, canary string) (*Worker, error) {
	handle, child, err := sandbox.Create(ctx, rt, meta.Image)
	if err != nil {
		return nil, fmt.Errorf("worker %d (%s): %w", meta.ID, meta.Class, err)
	}
	return &Worker{
		Meta:   meta,
		handle: handle,
		child:  child,
		codec:  protocol.NewWireCodec(child.Stdin(), child.Stdout()),
		canary: canary,
	}, nil
}

// Handle returns the worker's sandbox handle, so a caller driving the
// Ready -> Stopped transition can close it.
func (w *Worker) Handle() *sandbox.Handle {
	return w.handle
}

// Stderr exposes the attached child's stderr stream for draining.
func (w *Worker) Stderr() io.Reader {
	return w.child.Stderr()
}

// Terminate transitions Ready -> Stopped by closing the sandbox handle.
// Safe to call on an already-terminated worker.
func (w *Worker) Terminate() {
	w.handle.Close()
}

// ChildResult is the "child returned to the Manager" view of a completed
// dispatch.
type ChildResult struct {
	Child runtime.Child
	Err   error
	Panic bool
}

// RenderResult is the "deliver this to the caller" view of a completed
// dispatch. Dirty is set when the failure should be retried once on a
// fresh worker rather than delivered to the original caller.
type RenderResult struct {
	Response protocol.Response
	Dirty    bool
	Err      error
	Panic    bool
}

// Busy is the in-flight view of a worker mid-request: two one-shot
// receivers fed from the single underlying computation — the request is
// never re-executed to satisfy the second consumer.
type Busy struct {
	Meta    Meta
	handle  *sandbox.Handle
	ChildCh <-chan ChildResult
	RespCh  <-chan RenderResult
}

// Handle exposes the sandbox handle so the Manager can close it if the
// dispatch fails.
func (b *Busy) Handle() *sandbox.Handle {
	return b.handle
}

type requestOutcome struct {
	line string
	err  error
}

func doRequest(codec *protocol.WireCodec, canary string, req protocol.Request) requestOutcome {
	req.Src = protocol.MungeSrc(req.Backend, req.Src)

	if err := codec.SendRequest(req); err != nil {
		return requestOutcome{err: fmt.Errorf("render error: %w", err)}
	}

	line, err := codec.ReadLine()
	if err != nil {
		return requestOutcome{err: fmt.Errorf("render error: %w", err)}
	}

	if !strings.Contains(line, canary) {
		return requestOutcome{err: ErrCanaryDied}
	}

	return requestOutcome{line: line}
}

// HandleRequest transitions Ready -> Busy and returns the Busy view.
// Enforces the per-request wall-clock timeout by racing the dispatch
// against a sleep; any panic inside the dispatch is caught and reported
// as RenderResult.Panic/ChildResult.Panic rather than crashing the
// goroutine.
func (w *Worker) HandleRequest(ctx context.Context, req protocol.Request, timeout time.Duration) *Busy {
	childCh := make(chan ChildResult, 1)
	respCh := make(chan RenderResult, 1)

	isFresh := w.Meta.Uses == 0
	child := w.child
	codec := w.codec
	canary := w.canary

	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("render panic: %v", r)
				childCh <- ChildResult{Err: err, Panic: true}
				respCh <- RenderResult{Err: err, Panic: true}
			}
		}()

		outcomeCh := make(chan requestOutcome, 1)
		go func() {
			outcomeCh <- doRequest(codec, canary, req)
		}()

		var outcome requestOutcome
		select {
		case outcome = <-outcomeCh:
		case <-time.After(timeout):
			outcome = requestOutcome{err: ErrTimeout}
		case <-ctx.Done():
			outcome = requestOutcome{err: ctx.Err()}
		}

		if outcome.err != nil {
			childCh <- ChildResult{Err: outcome.err}
			if !isFresh {
				respCh <- RenderResult{Dirty: true, Err: errDirtyCrash}
			} else {
				respCh <- RenderResult{Response: protocol.Response{
					Logs: "could not render file: " + outcome.err.Error(),
				}}
			}
			return
		}

		childCh <- ChildResult{Child: child}

		resp, parseErr := protocol.ParseResponse(outcome.line)
		if parseErr != nil {
			respCh <- RenderResult{Response: protocol.Response{
				Logs: "could not parse response: " + parseErr.Error(),
			}}
			return
		}
		resp.Logs = protocol.CollapseDoubleNewlines(resp.Logs)
		respCh <- RenderResult{Response: resp}
	}()

	return &Busy{Meta: w.Meta, handle: w.handle, ChildCh: childCh, RespCh: respCh}
}

// Reattach rebuilds a Ready worker around a Child returned after a
// successful dispatch, incrementing Uses (the Busy -> Ready transition).
func Reattach(meta Meta, handle *sandbox.Handle, child runtime.Child, canary string) *Worker {
	meta.Uses++
	return &Worker{
		Meta:   meta,
		handle: handle,
		child:  child,
		codec:  protocol.NewWireCodec(child.Stdin(), child.Stdout()),
		canary: canary,
	}
}
