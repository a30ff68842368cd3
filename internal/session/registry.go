package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrSessionNotFound is returned for an unknown session ID.
var ErrSessionNotFound = errors.New("session not found")

// Registry holds the process's sessions by ID.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	rec      Recorder
	opts     []Option
}

// NewRegistry creates an empty registry. opts are applied to every session
// it creates, before any per-call options.
func NewRegistry(rec Recorder, opts ...Option) *Registry {
	if rec == nil {
		rec = noopRecorder{}
	}
	return &Registry{
		sessions: make(map[string]*Session),
		rec:      rec,
		opts:     opts,
	}
}

// Create builds a session and registers it.
func (r *Registry) Create(cfg Config, opts ...Option) (*Session, error) {
	all := append([]Option{WithRecorder(r.rec)}, r.opts...)
	all = append(all, opts...)
	s, err := New(cfg, all...)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID()]; exists {
		return nil, fmt.Errorf("session %s already exists", s.ID())
	}
	r.sessions[s.ID()] = s
	r.rec.SessionOpened()
	return s, nil
}

// Get looks up a session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// List returns all sessions ordered by creation time.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].created.Equal(out[j].created) {
			return out[i].id < out[j].id
		}
		return out[i].created.Before(out[j].created)
	})
	return out
}

// Remove closes a session and forgets it. The session's points are
// discarded with it.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	err := s.Close()
	r.rec.SessionClosed(id)
	return err
}

// CloseAll removes every session. Used at shutdown.
func (r *Registry) CloseAll() {
	for _, s := range r.List() {
		_ = r.Remove(s.ID())
	}
}
