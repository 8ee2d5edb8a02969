package nodestream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pasarguard/iplimiter/internal/model"
)

type fakePanel struct {
	mu    sync.Mutex
	nodes []model.Node
	url   string
}

func (f *fakePanel) AcquireToken(ctx context.Context, force bool) (string, error) {
	return "tok", nil
}

func (f *fakePanel) ListNodes(ctx context.Context, force bool) ([]model.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Node, len(f.nodes))
	copy(out, f.nodes)
	return out, nil
}

func (f *fakePanel) BaseURL() string { return f.url }

func (f *fakePanel) setNodes(nodes []model.Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes = nodes
}

func newSSEServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, l := range lines {
			io.WriteString(w, "data: "+l+"\n\n")
			if flusher != nil {
				flusher.Flush()
			}
		}
		// Keep the connection open briefly so the scanner doesn't
		// immediately observe EOF and trigger a reconnect loop during
		// the assertion window.
		time.Sleep(50 * time.Millisecond)
	}))
}

func TestStart_HandlesLinesFromConnectedNode(t *testing.T) {
	srv := newSSEServer(t, []string{"hello", "world"})
	defer srv.Close()

	panel := &fakePanel{
		nodes: []model.Node{{ID: "n1", Name: "Node One", Status: "connected"}},
		url:   srv.URL,
	}

	var mu sync.Mutex
	var received []string
	handle := func(line, nodeID, nodeName string) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, line)
	}

	mgr := New(panel, srv.Client(), handle, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) < 2 {
		t.Fatalf("received = %v; want at least 2 lines", received)
	}
}

func TestRunCancelSweep_StopsDisconnectedNode(t *testing.T) {
	srv := newSSEServer(t, []string{"x"})
	defer srv.Close()

	panel := &fakePanel{
		nodes: []model.Node{{ID: "n1", Name: "Node One", Status: "connected"}},
		url:   srv.URL,
	}

	mgr := New(panel, srv.Client(), func(string, string, string) {}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if len(mgr.RunningNodeIDs()) != 1 {
		t.Fatalf("expected 1 running node, got %v", mgr.RunningNodeIDs())
	}

	panel.setNodes([]model.Node{{ID: "n1", Name: "Node One", Status: "disconnected"}})
	mgr.syncNodeSet(panel.nodes)
	mgr.runCancelSweep(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(mgr.RunningNodeIDs()) != 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if len(mgr.RunningNodeIDs()) != 0 {
		t.Errorf("expected node stream cancelled, still running: %v", mgr.RunningNodeIDs())
	}
}
