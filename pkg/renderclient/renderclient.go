// Package renderclient is a thin client for the coordinator side of the
// websocket render protocol. It is not used by the Scheduler itself —
// renderd only ever plays the worker role — but it lets tests and
// operator tooling stand in for a real coordinator without depending on
// one.
package renderclient

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hacklily/renderd/internal/protocol"
)

type helloParams struct {
	MaxJobs int `json:"max_jobs"`
}

type helloMessage struct {
	Method string      `json:"method"`
	ID     string      `json:"id"`
	Params helloParams `json:"params"`
}

type renderFrame struct {
	Method string `json:"method"`
	ID     string `json:"id"`
	Params struct {
		Backend protocol.Backend `json:"backend"`
		Src     string           `json:"src"`
		Version protocol.Class   `json:"version"`
	} `json:"params"`
}

type rpcResult struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      string            `json:"id"`
	Result  protocol.Response `json:"result"`
}

type workerConn struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	maxJobs  int
	inFlight int
}

// Coordinator accepts worker connections (renderd instances running
// `ws-worker <url>`) and dispatches render requests to them, matching
// replies back to callers of Render by request id.
type Coordinator struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	workers []*workerConn
	pending map[string]chan protocol.Response
}

// NewCoordinator builds an empty Coordinator. Use Handler to accept
// worker connections over HTTP and Render to dispatch work to them.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		pending: make(map[string]chan protocol.Response),
	}
}

// Handler returns an http.Handler that upgrades incoming connections to
// websockets and treats them as attached workers.
func (c *Coordinator) Handler() http.Handler {
	return http.HandlerFunc(c.serveWorker)
}

func (c *Coordinator) serveWorker(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	var hello helloMessage
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return
	}

	wc := &workerConn{conn: conn, maxJobs: hello.Params.MaxJobs}
	c.mu.Lock()
	c.workers = append(c.workers, wc)
	c.mu.Unlock()

	defer c.removeWorker(wc)

	for {
		var result rpcResult
		if err := conn.ReadJSON(&result); err != nil {
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[result.ID]
		if ok {
			delete(c.pending, result.ID)
		}
		wc.inFlight--
		c.mu.Unlock()
		if ok {
			ch <- result.Result
		}
	}
}

func (c *Coordinator) removeWorker(wc *workerConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.workers {
		if w == wc {
			c.workers = append(c.workers[:i], c.workers[i+1:]...)
			break
		}
	}
}

// Render dispatches req to the least-loaded attached worker with spare
// capacity and blocks until a reply arrives or ctx is done. req.ID is
// filled in with a fresh uuid if empty.
func (c *Coordinator) Render(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	wc, err := c.pickWorker()
	if err != nil {
		return protocol.Response{}, err
	}

	ch := make(chan protocol.Response, 1)
	c.mu.Lock()
	c.pending[req.ID] = ch
	wc.inFlight++
	c.mu.Unlock()

	frame := renderFrame{Method: "render", ID: req.ID}
	frame.Params.Backend = req.Backend
	frame.Params.Src = req.Src
	frame.Params.Version = req.Class

	wc.writeMu.Lock()
	err = wc.conn.WriteJSON(frame)
	wc.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return protocol.Response{}, fmt.Errorf("dispatch render request: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return protocol.Response{}, ctx.Err()
	}
}

func (c *Coordinator) pickWorker() (*workerConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var best *workerConn
	for _, w := range c.workers {
		if w.maxJobs > 0 && w.inFlight >= w.maxJobs {
			continue
		}
		if best == nil || w.inFlight < best.inFlight {
			best = w
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no worker with spare capacity is attached")
	}
	return best, nil
}

// WorkerCount reports how many workers are currently attached.
func (c *Coordinator) WorkerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.workers)
}
