package service

import (
	"sort"
	"sync"
)

// typingTracker keeps the transient set of typing users per channel. Nothing here is persisted.
type typingTracker struct {
	mu       sync.Mutex
	channels map[channelRef]map[uint]struct{}
}

func newTypingTracker() *typingTracker {
	return &typingTracker{channels: make(map[channelRef]map[uint]struct{})}
}

// start marks the user as typing and reports whether the state changed.
func (t *typingTracker) start(ref channelRef, userID uint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.channels[ref]
	if !ok {
		users = make(map[uint]struct{})
		t.channels[ref] = users
	}
	if _, typing := users[userID]; typing {
		return false
	}
	users[userID] = struct{}{}
	return true
}

// stop clears the user's typing flag and reports whether it was set.
func (t *typingTracker) stop(ref channelRef, userID uint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unset(ref, userID)
}

// clearUser removes the user from every channel and returns the channels that changed.
func (t *typingTracker) clearUser(userID uint) []channelRef {
	t.mu.Lock()
	defer t.mu.Unlock()

	var cleared []channelRef
	for ref := range t.channels {
		if t.unset(ref, userID) {
			cleared = append(cleared, ref)
		}
	}
	return cleared
}

func (t *typingTracker) unset(ref channelRef, userID uint) bool {
	users, ok := t.channels[ref]
	if !ok {
		return false
	}
	if _, typing := users[userID]; !typing {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.channels, ref)
	}
	return true
}

func (t *typingTracker) typing(ref channelRef) []uint {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]uint, 0, len(t.channels[ref]))
	for id := range t.channels[ref] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
