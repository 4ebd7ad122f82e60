package httpx

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/armazem-sao-joaquim/backoffice/internal/core"
	"github.com/armazem-sao-joaquim/backoffice/internal/service"
)

// ErrHubClosed is returned by Acquire after the hub has shut down.
var ErrHubClosed = errors.New("client hub closed")

// OrchestratorFactory builds the per-client orchestrator.
type OrchestratorFactory interface {
	NewOrchestrator(clientID string) (*service.AuthOrchestrator, error)
}

// ClientHubOptions groups dependencies for ClientHub.
type ClientHubOptions struct {
	Factory     OrchestratorFactory
	IdleTimeout time.Duration
	// InitTimeout bounds Initialize for a freshly created client.
	InitTimeout time.Duration
	Clock       core.TimeProvider
	Logger      *slog.Logger
}

// ClientHub maps browser client ids to their orchestrators. Orchestrators are
// created and initialized on first use and closed after logout or when idle.
type ClientHub struct {
	factory     OrchestratorFactory
	idle        time.Duration
	initTimeout time.Duration
	clock       core.TimeProvider
	logger      *slog.Logger

	mu      sync.Mutex
	clients map[string]*hubEntry
	closed  bool
}

type hubEntry struct {
	orch     *service.AuthOrchestrator
	ready    chan struct{}
	err      error
	lastSeen time.Time
	holds    int
}

// NewClientHub constructs a ClientHub.
func NewClientHub(opts ClientHubOptions) (*ClientHub, error) {
	if opts.Factory == nil {
		return nil, errors.New("orchestrator factory is required")
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Minute
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = 15 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = core.RealTimeProvider{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ClientHub{
		factory:     opts.Factory,
		idle:        opts.IdleTimeout,
		initTimeout: opts.InitTimeout,
		clock:       opts.Clock,
		logger:      opts.Logger.With("component", "client_hub"),
		clients:     make(map[string]*hubEntry),
	}, nil
}

// Acquire returns the orchestrator for clientID, creating and initializing it if needed.
// Concurrent callers for a new client wait for the single initialization.
func (h *ClientHub) Acquire(ctx context.Context, clientID string) (*service.AuthOrchestrator, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	entry, ok := h.clients[clientID]
	if ok {
		entry.lastSeen = h.clock.Now()
		h.mu.Unlock()
		return h.wait(ctx, entry)
	}
	entry = &hubEntry{ready: make(chan struct{}), lastSeen: h.clock.Now()}
	h.clients[clientID] = entry
	h.mu.Unlock()

	entry.orch, entry.err = h.factory.NewOrchestrator(clientID)
	if entry.err == nil {
		initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.initTimeout)
		if err := entry.orch.Initialize(initCtx); err != nil && !errors.Is(err, service.ErrSuperseded) {
			h.logger.WarnContext(ctx, "initialize client failed", "client_id", clientID, "error", err)
		}
		cancel()
	}
	close(entry.ready)

	if entry.err != nil {
		h.mu.Lock()
		if h.clients[clientID] == entry {
			delete(h.clients, clientID)
		}
		h.mu.Unlock()
		return nil, entry.err
	}
	return entry.orch, nil
}

func (h *ClientHub) wait(ctx context.Context, entry *hubEntry) (*service.AuthOrchestrator, error) {
	select {
	case <-entry.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if entry.err != nil {
		return nil, entry.err
	}
	return entry.orch, nil
}

// Lookup returns an existing, initialized orchestrator without creating one.
func (h *ClientHub) Lookup(clientID string) (*service.AuthOrchestrator, bool) {
	h.mu.Lock()
	entry, ok := h.clients[clientID]
	if ok {
		entry.lastSeen = h.clock.Now()
	}
	h.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-entry.ready:
		return entry.orch, entry.err == nil
	default:
		return nil, false
	}
}

// Hold pins clientID against idle sweeps, e.g. while a websocket is open.
// The returned function releases the pin.
func (h *ClientHub) Hold(clientID string) func() {
	h.mu.Lock()
	entry, ok := h.clients[clientID]
	if ok {
		entry.holds++
	}
	h.mu.Unlock()
	if !ok {
		return func() {}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			entry.holds--
			entry.lastSeen = h.clock.Now()
			h.mu.Unlock()
		})
	}
}

// Release closes and forgets the orchestrator for clientID.
func (h *ClientHub) Release(clientID string) {
	h.mu.Lock()
	entry, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
	}
	h.mu.Unlock()
	if ok {
		closeEntry(entry)
	}
}

// Sweep closes clients idle for longer than the idle timeout and returns how many were closed.
func (h *ClientHub) Sweep() int {
	cutoff := h.clock.Now().Add(-h.idle)

	h.mu.Lock()
	var stale []*hubEntry
	for id, entry := range h.clients {
		if entry.holds > 0 || !entry.lastSeen.Before(cutoff) {
			continue
		}
		select {
		case <-entry.ready:
		default:
			continue
		}
		stale = append(stale, entry)
		delete(h.clients, id)
	}
	h.mu.Unlock()

	for _, entry := range stale {
		closeEntry(entry)
	}
	return len(stale)
}

// Len reports the number of tracked clients.
func (h *ClientHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Run sweeps idle clients every interval until ctx is done, then closes every client.
func (h *ClientHub) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.Close()
			return nil
		case <-ticker.C:
			if n := h.Sweep(); n > 0 {
				h.logger.DebugContext(ctx, "closed idle clients", "count", n)
			}
		}
	}
}

// Close shuts every orchestrator down. Later Acquire calls fail with ErrHubClosed.
func (h *ClientHub) Close() {
	h.mu.Lock()
	h.closed = true
	entries := h.clients
	h.clients = make(map[string]*hubEntry)
	h.mu.Unlock()

	for _, entry := range entries {
		closeEntry(entry)
	}
}

// closeEntry closes the orchestrator now, or once its initialization finishes.
func closeEntry(entry *hubEntry) {
	select {
	case <-entry.ready:
		if entry.orch != nil {
			entry.orch.Close()
		}
	default:
		go func() {
			<-entry.ready
			if entry.orch != nil {
				entry.orch.Close()
			}
		}()
	}
}
