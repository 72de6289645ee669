package orchestrator

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/plonhq/plon-orchestrator/internal/domain"
)

// activeSession pairs a session with its live control surfaces. The owning
// runSession goroutine performs all transitions; a session has at most one
// transition in flight at a time, guarded by mu.
type activeSession struct {
	mu        sync.Mutex
	session   *domain.Session
	handle    AgentHandle
	cancelled bool
	cancelCtx context.CancelFunc
}

// update runs fn with exclusive ownership of the session
func (a *activeSession) update(fn func(*domain.Session)) {
	a.mu.Lock()
	fn(a.session)
	a.mu.Unlock()
}

// snapshot returns a deep copy safe to hand to readers and the store
func (a *activeSession) snapshot() *domain.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return copySession(a.session)
}

func (a *activeSession) setHandle(h AgentHandle) {
	a.mu.Lock()
	a.handle = h
	a.mu.Unlock()
}

// requestCancel flags the session as cancelled and tears down whatever is
// currently running: the workspace/clone context and the agent process.
func (a *activeSession) requestCancel() {
	a.mu.Lock()
	a.cancelled = true
	handle := a.handle
	cancelCtx := a.cancelCtx
	a.mu.Unlock()

	if cancelCtx != nil {
		cancelCtx()
	}
	if handle != nil {
		handle.Cancel()
	}
}

func (a *activeSession) isCancelled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled
}

func copySession(s *domain.Session) *domain.Session {
	dup := *s
	dup.Log = make([]string, len(s.Log))
	copy(dup.Log, s.Log)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		dup.CompletedAt = &t
	}
	return &dup
}

// Registry holds the in-memory set of non-terminal sessions. It is an
// explicit object owned by the Orchestrator and passed by handle; there is
// no ambient global session state.
type Registry struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]*activeSession
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{byID: make(map[uuid.UUID]*activeSession)}
}

func (r *Registry) add(session *domain.Session, cancel context.CancelFunc) *activeSession {
	as := &activeSession{session: session, cancelCtx: cancel}
	r.mu.Lock()
	r.byID[session.ID] = as
	r.mu.Unlock()
	return as
}

func (r *Registry) get(id uuid.UUID) *activeSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

func (r *Registry) remove(id uuid.UUID) {
	r.mu.Lock()
	delete(r.byID, id)
	r.mu.Unlock()
}

// snapshots returns copies of every registered session
func (r *Registry) snapshots() []*domain.Session {
	r.mu.RLock()
	active := make([]*activeSession, 0, len(r.byID))
	for _, as := range r.byID {
		active = append(active, as)
	}
	r.mu.RUnlock()

	sessions := make([]*domain.Session, 0, len(active))
	for _, as := range active {
		sessions = append(sessions, as.snapshot())
	}
	return sessions
}

// Len returns the number of registered sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
