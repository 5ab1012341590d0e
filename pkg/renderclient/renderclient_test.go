package renderclient

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hacklily/renderd/internal/protocol"
)

func TestCoordinatorRoundTrip(t *testing.T) {
	coord := NewCoordinator()
	srv := httptest.NewServer(coord.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(helloMessage{
		Method: "i_haz_computes",
		ID:     "worker-1",
		Params: helloParams{MaxJobs: 2},
	}); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	// Give the server a moment to register the worker before dispatching.
	deadline := time.Now().Add(2 * time.Second)
	for coord.WorkerCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if coord.WorkerCount() != 1 {
		t.Fatalf("expected 1 attached worker, got %d", coord.WorkerCount())
	}

	go func() {
		var frame renderFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		conn.WriteJSON(rpcResult{
			JSONRPC: "2.0",
			ID:      frame.ID,
			Result:  protocol.Response{Logs: "rendered"},
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := coord.Render(ctx, protocol.Request{Backend: protocol.BackendSVG, Src: "x"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if resp.Logs != "rendered" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCoordinatorRenderNoWorkersErrors(t *testing.T) {
	coord := NewCoordinator()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := coord.Render(ctx, protocol.Request{}); err == nil {
		t.Fatal("expected error when no workers are attached")
	}
}
