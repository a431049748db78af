package session

import (
	"sync"
)

// Registry tracks live sessions by id and supports graceful draining: once
// draining starts, new sessions are rejected while in-flight calls finish
// naturally.
//
// The mutex makes the draining check and the waitgroup increment atomic in
// Add, so StartDraining+Wait cannot slip between them.
type Registry struct {
	mu       sync.Mutex
	draining bool
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a session. Returns false while draining, meaning the caller
// must not open the session. A registered session is removed automatically
// when it finalizes.
func (r *Registry) Add(s *Session) bool {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return false
	}
	r.sessions[s.ID] = s
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		<-s.Done()
		r.mu.Lock()
		delete(r.sessions, s.ID)
		r.mu.Unlock()
		r.wg.Done()
	}()

	return true
}

// Get looks up a live session by id. Finalized sessions disappear shortly
// after their Done channel closes.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// ActiveCount returns the number of live sessions.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// IsDraining reports whether the registry is in draining mode.
func (r *Registry) IsDraining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

// StartDraining rejects future Add calls and exits every live session.
func (r *Registry) StartDraining() {
	r.mu.Lock()
	r.draining = true
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	for _, s := range live {
		s.Exit()
	}
}

// Wait blocks until every registered session has finalized.
func (r *Registry) Wait() {
	r.wg.Wait()
}
