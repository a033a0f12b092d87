// Package session tracks the runtime lifecycle of an analysis session: a
// small checked state machine guarding query execution, plus progress
// reporting for the currently running query.
//
// Lifecycle state is transient and in-memory only. The durable session record
// (active/closed) lives in the store; a process restart resets every session
// to ready.
package session

import (
	"errors"
	"fmt"
	"sync"

	"docscope/pkg/logx"
)

// ErrNotReady is returned when a query is started while the session is not in
// the ready state.
var ErrNotReady = errors.New("session not ready")

// State is the runtime lifecycle state of a session.
type State string

const (
	StateReady      State = "ready"
	StateProcessing State = "processing"
	StateError      State = "error"
)

// validTransitions defines the allowed state graph. Any transition not listed
// here is a bug in the caller, not a recoverable condition.
var validTransitions = map[State][]State{
	StateReady:      {StateProcessing},
	StateProcessing: {StateReady, StateError},
	StateError:      {StateReady},
}

func canTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Progress describes how far the current query has advanced.
type Progress struct {
	Phase   string `json:"phase"` // "scanning", "analyzing", "synthesizing"
	Current int    `json:"current"`
	Total   int    `json:"total"`
}

// Snapshot is a point-in-time view of a lifecycle for reporting.
type Snapshot struct {
	SessionID string   `json:"sessionId"`
	State     State    `json:"state"`
	Iteration int      `json:"iteration"`
	Progress  Progress `json:"progress"`
	LastError string   `json:"lastError,omitempty"`
}

// Lifecycle is the per-session state machine. All methods are safe for
// concurrent use.
type Lifecycle struct {
	mu        sync.Mutex
	sessionID string
	state     State
	iteration int
	progress  Progress
	lastError string
	logger    *logx.Logger
}

// NewLifecycle creates a lifecycle in the ready state.
func NewLifecycle(sessionID string) *Lifecycle {
	return &Lifecycle{
		sessionID: sessionID,
		state:     StateReady,
		logger:    logx.NewLogger("session"),
	}
}

func (l *Lifecycle) transition(to State) error {
	if !canTransition(l.state, to) {
		return fmt.Errorf("invalid lifecycle transition %s -> %s for session %s", l.state, to, l.sessionID)
	}
	l.logger.Debug("Session %s: %s -> %s", l.sessionID, l.state, to)
	l.state = to
	return nil
}

// CanQuery reports whether a new query may start.
func (l *Lifecycle) CanQuery() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == StateReady
}

// StartQuery moves ready -> processing and resets per-query progress.
// Starting from any other state returns ErrNotReady.
func (l *Lifecycle) StartQuery() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateReady {
		return fmt.Errorf("%w: session %s is %s", ErrNotReady, l.sessionID, l.state)
	}
	if err := l.transition(StateProcessing); err != nil {
		return err
	}
	l.iteration = 0
	l.progress = Progress{}
	l.lastError = ""
	return nil
}

// CompleteQuery moves processing -> ready.
func (l *Lifecycle) CompleteQuery() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transition(StateReady)
}

// FailQuery moves processing -> error and records the failure. The error
// state is terminal for the query; Reset returns the session to ready so
// later queries can run.
func (l *Lifecycle) FailQuery(err error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if terr := l.transition(StateError); terr != nil {
		return terr
	}
	if err != nil {
		l.lastError = err.Error()
	}
	return nil
}

// Reset acknowledges a failed query, returning the session to ready. The last
// error is kept for reporting until the next StartQuery.
func (l *Lifecycle) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateReady {
		return nil
	}
	return l.transition(StateReady)
}

// BeginIteration bumps and returns the 1-based iteration counter.
func (l *Lifecycle) BeginIteration() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.iteration++
	return l.iteration
}

// SetProgress updates the reported progress for the running query.
func (l *Lifecycle) SetProgress(phase string, current, total int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.progress = Progress{Phase: phase, Current: current, Total: total}
}

// Snapshot returns a copy of the current state for reporting.
func (l *Lifecycle) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		SessionID: l.sessionID,
		State:     l.state,
		Iteration: l.iteration,
		Progress:  l.progress,
		LastError: l.lastError,
	}
}

// Registry hands out one lifecycle per session id, creating lazily.
type Registry struct {
	mu         sync.Mutex
	lifecycles map[string]*Lifecycle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{lifecycles: make(map[string]*Lifecycle)}
}

// Get returns the lifecycle for a session, creating it in ready if absent.
func (r *Registry) Get(sessionID string) *Lifecycle {
	r.mu.Lock()
	defer r.mu.Unlock()

	lc, ok := r.lifecycles[sessionID]
	if !ok {
		lc = NewLifecycle(sessionID)
		r.lifecycles[sessionID] = lc
	}
	return lc
}

// Remove drops a session's lifecycle, e.g. after deletion.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lifecycles, sessionID)
}
