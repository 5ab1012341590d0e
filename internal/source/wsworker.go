package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hacklily/renderd/internal/protocol"
)

const (
	connectTimeout = 2500 * time.Millisecond
	pingInterval   = 500 * time.Millisecond
)

// WSWorkerSource connects to a persistent coordinator over a websocket,
// advertises capacity with an "i_haz_computes" hello, and turns inbound
// "render" frames into Items. Replies go back as JSON-RPC 2.0 results.
// The stream ends (Items closes, Err becomes non-nil) on any read
// failure or an explicit Quit.
type WSWorkerSource struct {
	conn *websocket.Conn

	// writeMu serializes every write to conn: gorilla/websocket forbids
	// concurrent callers of WriteJSON/WriteMessage, but pingLoop writes
	// on its own ticker while respond is invoked from whichever
	// goroutine finishes a dispatch.
	writeMu sync.Mutex

	items chan Item
	quit  chan struct{}
	once  sync.Once

	errMu sync.Mutex
	err   error
}

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

// NewWSWorkerSource dials url with a 2.5s connect timeout, sends the
// hello frame advertising maxJobs of capacity, and starts the
// read/ping loops.
func NewWSWorkerSource(ctx context.Context, url string, maxJobs int) (*WSWorkerSource, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("connect coordinator %s: %w", url, err)
	}

	hello := helloMessage{
		Method: "i_haz_computes",
		ID:     uuid.NewString(),
		Params: helloParams{MaxJobs: maxJobs},
	}
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send hello to %s: %w", url, err)
	}

	s := &WSWorkerSource{
		conn:  conn,
		items: make(chan Item),
		quit:  make(chan struct{}),
	}
	go s.pingLoop()
	go s.readLoop()
	return s, nil
}

func (s *WSWorkerSource) readLoop() {
	defer close(s.items)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(fmt.Errorf("coordinator socket: %w", err))
			return
		}

		var frame renderFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("wsworker: malformed frame, ignoring: %v", err)
			continue
		}
		if frame.Method != "render" {
			continue
		}

		req := protocol.Request{
			ID:      frame.ID,
			Class:   frame.Params.Version,
			Backend: frame.Params.Backend,
			Src:     frame.Params.Src,
		}
		id := frame.ID

		select {
		case s.items <- Item{Request: req, Respond: func(resp protocol.Response) { s.respond(id, resp) }}:
		case <-s.quit:
			return
		}
	}
}

func (s *WSWorkerSource) respond(id string, resp protocol.Response) {
	msg := rpcResult{JSONRPC: "2.0", ID: id, Result: resp}
	s.writeMu.Lock()
	err := s.conn.WriteJSON(msg)
	s.writeMu.Unlock()
	if err != nil {
		log.Printf("wsworker: write reply for %s: %v", id, err)
	}
}

func (s *WSWorkerSource) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				s.fail(fmt.Errorf("coordinator ping: %w", err))
				return
			}
		case <-s.quit:
			return
		}
	}
}

func (s *WSWorkerSource) fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
	s.Quit()
}

// Items implements Source.
func (s *WSWorkerSource) Items() <-chan Item { return s.items }

// Err implements Source.
func (s *WSWorkerSource) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Quit implements Source: closes the underlying connection and stops
// both loops. Safe to call more than once.
func (s *WSWorkerSource) Quit() {
	s.once.Do(func() {
		close(s.quit)
		s.conn.Close()
	})
}

// Done implements Source. A coordinator socket is an open-ended stream
// with no notion of "every response delivered" — its lifecycle is
// driven by Items closing and Err, not by draining to completion — so
// this returns nil, a channel that never fires in a select.
func (s *WSWorkerSource) Done() <-chan struct{} { return nil }
