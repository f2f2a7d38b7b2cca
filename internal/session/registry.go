package session

import (
	"errors"
	"sort"
	"sync"
)

// ErrSessionExists means a session is already registered for the path.
var ErrSessionExists = errors.New("session already exists for notebook")

// Registry holds every live session keyed by resolved notebook path.
// It is owned by the Manager; nothing else creates or removes
// sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Get returns the session for a resolved path.
func (r *Registry) Get(path string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[path]
	return s, ok
}

// Add registers a new session. ErrSessionExists when the path is
// already taken.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.Path]; ok {
		return ErrSessionExists
	}
	r.sessions[s.Path] = s
	return nil
}

// Remove unregisters and returns the session for a path.
func (r *Registry) Remove(path string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[path]
	if ok {
		delete(r.sessions, path)
	}
	return s, ok
}

// List returns every session, ordered by path for stable output.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
