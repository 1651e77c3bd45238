package service

import (
	"sort"
	"sync"
)

// sessionRegistry holds the single live session of each user.
type sessionRegistry struct {
	mu       sync.RWMutex
	sessions map[uint]*chatSession
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[uint]*chatSession)}
}

// admit stores session as the user's live session and returns the one it replaced, if any.
func (r *sessionRegistry) admit(session *chatSession) *chatSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous := r.sessions[session.userID]
	r.sessions[session.userID] = session
	if previous == session {
		return nil
	}
	return previous
}

// remove deletes session only if it is still the user's live session.
func (r *sessionRegistry) remove(session *chatSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.sessions[session.userID]
	if !ok || current != session {
		return false
	}
	delete(r.sessions, session.userID)
	return true
}

func (r *sessionRegistry) get(userID uint) (*chatSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[userID]
	return session, ok
}

func (r *sessionRegistry) isOnline(userID uint) bool {
	_, ok := r.get(userID)
	return ok
}

// snapshot returns the online user ids in ascending order.
func (r *sessionRegistry) snapshot() []uint {
	r.mu.RLock()
	ids := make([]uint, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *sessionRegistry) all() []*chatSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*chatSession, 0, len(r.sessions))
	for _, session := range r.sessions {
		out = append(out, session)
	}
	return out
}

func (r *sessionRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
