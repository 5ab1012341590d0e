// Package sandbox owns a single live isolation container and its attached
// child process.
package sandbox

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	containerruntime "github.com/hacklily/renderd/internal/runtime"
)

// Handle owns one container for its entire lifetime: create, attach,
// close. Construction runs `create`, verifies a non-empty id and zero
// exit, then `start` and `attach` to acquire the child's stdio.
type Handle struct {
	rt    containerruntime.Runtime
	id    string
	mu    sync.Mutex
	alive bool
}

// Create provisions a new sandbox from image and returns the Handle plus
// its attached Child. On return, a background finalizer guarantees
// teardown even if Close is never called explicitly.
func Create(ctx context.Context, rt containerruntime.Runtime, image string) (*Handle, containerruntime.Child, error) {
	id, err := rt.Create(ctx, image)
	if err != nil {
		return nil, nil, fmt.Errorf("sandbox create: %w", err)
	}

	if err := rt.Start(ctx, id); err != nil {
		// Best-effort cleanup of the container we just created.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rt.Remove(cleanupCtx, id)
		cancel()
		return nil, nil, fmt.Errorf("sandbox start: %w", err)
	}

	child, err := rt.Attach(ctx, id)
	if err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rt.Remove(cleanupCtx, id)
		cancel()
		return nil, nil, fmt.Errorf("sandbox attach: %w", err)
	}

	h := &Handle{rt: rt, id: id, alive: true}
	runtime.SetFinalizer(h, finalizeHandle)

	return h, child, nil
}

// ID returns the container id.
func (h *Handle) ID() string {
	return h.id
}

// Close tears the container down. Idempotent; always succeeds from the
// caller's point of view even if the underlying `rm -f` fails (the error
// is logged, not propagated).
func (h *Handle) Close() {
	h.mu.Lock()
	if !h.alive {
		h.mu.Unlock()
		return
	}
	h.alive = false
	id := h.id
	h.mu.Unlock()

	runtime.SetFinalizer(h, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.rt.Remove(ctx, id); err != nil {
		log.Printf("sandbox: rm -f %s: %v", id, err)
	}
}

// finalizeHandle is the drop-guarantee: if a Handle is garbage collected
// while still alive (a programming error upstream — every Handle should
// be explicitly Closed), we still tear the container down rather than
// leak it.
func finalizeHandle(h *Handle) {
	h.mu.Lock()
	wasAlive := h.alive
	h.alive = false
	id := h.id
	h.mu.Unlock()

	if !wasAlive {
		return
	}

	log.Printf("sandbox: %s garbage collected while alive; tearing down in background", id)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.rt.Remove(ctx, id); err != nil {
			log.Printf("sandbox: background rm -f %s: %v", id, err)
		}
	}()
}
