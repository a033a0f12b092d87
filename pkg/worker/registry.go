package worker

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"docscope/pkg/config"
	"docscope/pkg/logx"
	"docscope/pkg/metrics"
)

// Registry owns the worker channels, one per session, and the system-wide
// analysis semaphore. Workers are spawned lazily and restarted transparently
// after a crash.
type Registry struct {
	cfg      config.Worker
	logger   *logx.Logger
	analysis *semaphore.Weighted

	// spawn builds the transport for a new worker. Swapped in tests for an
	// in-process scripted transport.
	spawn func(sessionID string) Transport

	mu       sync.Mutex
	channels map[string]*Channel
}

// NewRegistry creates a registry. maxConcurrent bounds in-flight query
// (analysis) requests across all sessions; cheap operations are not gated.
func NewRegistry(cfg config.Worker, maxConcurrent int) *Registry {
	r := &Registry{
		cfg:      cfg,
		logger:   logx.NewLogger("worker"),
		analysis: semaphore.NewWeighted(int64(maxConcurrent)),
		channels: make(map[string]*Channel),
	}
	r.spawn = func(string) Transport {
		return NewCommandTransport(cfg.Command, cfg.Args...)
	}
	return r
}

// SetSpawner replaces the transport factory. Test hook.
func (r *Registry) SetSpawner(spawn func(sessionID string) Transport) {
	r.spawn = spawn
}

// EnsureReady returns a live, initialized channel for the session, starting
// or restarting the worker as needed.
func (r *Registry) EnsureReady(ctx context.Context, sessionID, documentPath string, chunkSize, chunkOverlap int) (*Channel, error) {
	r.mu.Lock()
	ch, ok := r.channels[sessionID]
	if ok && !ch.Closed() {
		r.mu.Unlock()
		return ch, nil
	}
	restarting := ok
	r.mu.Unlock()

	if restarting {
		r.logger.Info("Restarting worker for session %s", sessionID)
		metrics.Default().ObserveWorkerRestart()
	}

	ch = NewChannel(sessionID, r.spawn(sessionID), Options{
		RPCTimeout: r.cfg.RPCTimeout,
		AllowEval:  r.cfg.AllowEval,
	})
	if err := ch.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker for session %s: %w", sessionID, err)
	}
	if _, err := ch.Init(ctx, InitParams{
		DocumentPath: documentPath,
		ChunkSize:    chunkSize,
		ChunkOverlap: chunkOverlap,
	}); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to initialize worker for session %s: %w", sessionID, err)
	}

	r.mu.Lock()
	r.channels[sessionID] = ch
	r.mu.Unlock()
	return ch, nil
}

// Get returns the channel for a session if one is live.
func (r *Registry) Get(sessionID string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[sessionID]
	if !ok || ch.Closed() {
		return nil, false
	}
	return ch, true
}

// Query runs a candidate search under the analysis semaphore. Waiters queue
// in FIFO order.
func (r *Registry) Query(ctx context.Context, ch *Channel, query string) (*QueryResult, error) {
	if err := r.analysis.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.analysis.Release(1)
	return ch.Query(ctx, query)
}

// CloseSession shuts down a session's worker if one is running.
func (r *Registry) CloseSession(sessionID string) error {
	r.mu.Lock()
	ch, ok := r.channels[sessionID]
	delete(r.channels, sessionID)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return ch.Close()
}

// CloseAll shuts down every worker. Called on process exit.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	channels := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	r.channels = make(map[string]*Channel)
	r.mu.Unlock()

	for _, ch := range channels {
		if err := ch.Close(); err != nil {
			r.logger.Warn("Failed to close worker: %v", err)
		}
	}
}
