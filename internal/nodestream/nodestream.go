// Package nodestream implements C3: one long-lived SSE consumer goroutine
// per connected panel node, plus the discovery/cancel/refresh control
// loops that keep the set of streams in sync with the panel's node
// list. The ticker-and-select shape mirrors the teacher's
// sync_worker.go Run loop.
package nodestream

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pasarguard/iplimiter/internal/metrics"
	"github.com/pasarguard/iplimiter/internal/model"
)

const (
	discoveryInterval  = 2 * time.Minute
	cancelInterval      = 60 * time.Second
	refreshInterval     = 2 * time.Hour
	reconnectDelay      = 10 * time.Second
	spawnStagger        = time.Second
)

// PanelClient is the subset of panelclient.Client the manager needs.
// An interface here lets tests substitute a fake panel and a fake SSE
// source.
type PanelClient interface {
	AcquireToken(ctx context.Context, force bool) (string, error)
	ListNodes(ctx context.Context, force bool) ([]model.Node, error)
	BaseURL() string
}

// LineHandler processes one SSE payload line from a given node.
type LineHandler func(line string, nodeID, nodeName string)

// HTTPDoer abstracts the HTTP client used for SSE connections, so
// tests can substitute a fake transport.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Manager owns one goroutine per connected node and the control loops
// that keep that set current.
type Manager struct {
	panel   PanelClient
	client  HTTPDoer
	handle  LineHandler
	log     *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	nodes   map[string]model.Node
}

// New creates a Manager. client is the HTTP client used for SSE GETs
// (a *http.Client satisfies HTTPDoer).
func New(panel PanelClient, client HTTPDoer, handle LineHandler, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		panel:   panel,
		client:  client,
		handle:  handle,
		log:     log,
		cancels: make(map[string]context.CancelFunc),
		nodes:   make(map[string]model.Node),
	}
}

// Start lists nodes and spawns one stream task per connected node,
// staggered spawnStagger apart, then returns. Callers should call
// RunControlLoops in a separate goroutine to keep the set current.
func (m *Manager) Start(ctx context.Context) error {
	nodes, err := m.panel.ListNodes(ctx, false)
	if err != nil {
		return err
	}
	m.syncNodeSet(nodes)

	for _, n := range nodes {
		if !n.Connected() {
			continue
		}
		m.spawn(ctx, n)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(spawnStagger):
		}
	}
	return nil
}

func (m *Manager) syncNodeSet(nodes []model.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = make(map[string]model.Node, len(nodes))
	for _, n := range nodes {
		m.nodes[n.ID] = n
	}
}

func (m *Manager) spawn(ctx context.Context, n model.Node) {
	m.mu.Lock()
	if _, running := m.cancels[n.ID]; running {
		m.mu.Unlock()
		return
	}
	taskCtx, cancel := context.WithCancel(ctx)
	m.cancels[n.ID] = cancel
	m.mu.Unlock()

	metrics.NodeStreamsActive.Inc()
	go func() {
		defer metrics.NodeStreamsActive.Dec()
		m.runStream(taskCtx, n)
	}()
}

// runStream holds one node's SSE connection open until cancelled,
// reconnecting on any error.
func (m *Manager) runStream(ctx context.Context, n model.Node) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := m.streamOnce(ctx, n); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Warn("node stream disconnected, retrying", "node_id", n.ID, "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (m *Manager) streamOnce(ctx context.Context, n model.Node) error {
	tok, err := m.panel.AcquireToken(ctx, false)
	if err != nil {
		return fmt.Errorf("acquire token: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/node/%s/logs", m.panel.BaseURL(), n.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node logs HTTP %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		m.handle(payload, n.ID, n.Name)
	}
	return scanner.Err()
}

func (m *Manager) cancel(nodeID string) {
	m.mu.Lock()
	cancel, ok := m.cancels[nodeID]
	if ok {
		delete(m.cancels, nodeID)
	}
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// cancelAll stops every running stream task and blocks until the
// manager's bookkeeping reflects no running tasks remain.
func (m *Manager) cancelAll() {
	m.mu.Lock()
	cancels := m.cancels
	m.cancels = make(map[string]context.CancelFunc)
	m.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// RunControlLoops runs the discovery, cancel, and refresh loops until
// ctx is cancelled. Call once, in its own goroutine, after Start.
func (m *Manager) RunControlLoops(ctx context.Context) {
	discovery := time.NewTicker(discoveryInterval)
	cancelTicker := time.NewTicker(cancelInterval)
	refresh := time.NewTicker(refreshInterval)
	defer discovery.Stop()
	defer cancelTicker.Stop()
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			m.cancelAll()
			return
		case <-discovery.C:
			m.runDiscovery(ctx)
		case <-cancelTicker.C:
			m.runCancelSweep(ctx)
		case <-refresh.C:
			m.runRefresh(ctx)
		}
	}
}

func (m *Manager) runDiscovery(ctx context.Context) {
	nodes, err := m.panel.ListNodes(ctx, false)
	if err != nil {
		m.log.Warn("node discovery: list nodes failed", "err", err)
		return
	}
	m.syncNodeSet(nodes)
	for _, n := range nodes {
		if n.Connected() {
			m.spawn(ctx, n)
		}
	}
}

func (m *Manager) runCancelSweep(ctx context.Context) {
	m.mu.Lock()
	running := make([]string, 0, len(m.cancels))
	for id := range m.cancels {
		running = append(running, id)
	}
	nodes := m.nodes
	m.mu.Unlock()

	for _, id := range running {
		if n, ok := nodes[id]; !ok || !n.Connected() {
			m.cancel(id)
		}
	}
}

func (m *Manager) runRefresh(ctx context.Context) {
	m.cancelAll()
	nodes, err := m.panel.ListNodes(ctx, true)
	if err != nil {
		m.log.Warn("node refresh: list nodes failed", "err", err)
		return
	}
	m.syncNodeSet(nodes)
	for _, n := range nodes {
		if n.Connected() {
			m.spawn(ctx, n)
		}
	}
}

// RunningNodeIDs returns the IDs of nodes with a live stream task, for
// tests and diagnostics.
func (m *Manager) RunningNodeIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.cancels))
	for id := range m.cancels {
		ids = append(ids, id)
	}
	return ids
}
