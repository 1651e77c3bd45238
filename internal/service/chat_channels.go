package service

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/observability"
)

type channelKind string

const (
	channelRoom    channelKind = "room"
	channelPrivate channelKind = "private"
	channelUser    channelKind = "user"
)

// channelRef names a broadcast channel such as room:12 or private:7.
type channelRef struct {
	kind channelKind
	id   uint
}

func roomChannel(id uint) channelRef    { return channelRef{kind: channelRoom, id: id} }
func privateChannel(id uint) channelRef { return channelRef{kind: channelPrivate, id: id} }
func userChannel(id uint) channelRef    { return channelRef{kind: channelUser, id: id} }

func (c channelRef) String() string {
	return fmt.Sprintf("%s:%d", c.kind, c.id)
}

// broadcaster fans events out to the sessions joined to a channel. It never
// checks membership; callers gate before joining or publishing.
type broadcaster struct {
	mu       sync.RWMutex
	channels map[channelRef]map[*chatSession]struct{}
	joined   map[*chatSession]map[channelRef]struct{}
	log      zerolog.Logger
}

func newBroadcaster(logger zerolog.Logger) *broadcaster {
	return &broadcaster{
		channels: make(map[channelRef]map[*chatSession]struct{}),
		joined:   make(map[*chatSession]map[channelRef]struct{}),
		log:      logger.With().Str("component", "chat_broadcaster").Logger(),
	}
}

func (b *broadcaster) join(session *chatSession, ref channelRef) {
	b.mu.Lock()
	defer b.mu.Unlock()

	members, ok := b.channels[ref]
	if !ok {
		members = make(map[*chatSession]struct{})
		b.channels[ref] = members
	}
	members[session] = struct{}{}

	refs, ok := b.joined[session]
	if !ok {
		refs = make(map[channelRef]struct{})
		b.joined[session] = refs
	}
	refs[ref] = struct{}{}
}

func (b *broadcaster) leave(session *chatSession, ref channelRef) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detach(session, ref)
}

// leaveAll removes the session from every channel and returns the channels it left.
func (b *broadcaster) leaveAll(session *chatSession) []channelRef {
	b.mu.Lock()
	defer b.mu.Unlock()

	refs := b.joined[session]
	out := make([]channelRef, 0, len(refs))
	for ref := range refs {
		out = append(out, ref)
		b.detach(session, ref)
	}
	delete(b.joined, session)
	return out
}

func (b *broadcaster) detach(session *chatSession, ref channelRef) {
	if members, ok := b.channels[ref]; ok {
		delete(members, session)
		if len(members) == 0 {
			delete(b.channels, ref)
		}
	}
	if refs, ok := b.joined[session]; ok {
		delete(refs, ref)
		if len(refs) == 0 {
			delete(b.joined, session)
		}
	}
}

func (b *broadcaster) isJoined(session *chatSession, ref channelRef) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.channels[ref][session]
	return ok
}

// publish enqueues event for every member of the channel except the given
// session and returns how many sessions accepted it.
func (b *broadcaster) publish(ref channelRef, event dto.ServerEvent, except *chatSession) int {
	frame := dto.NewServerFrame(event)

	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for session := range b.channels[ref] {
		if session == except {
			continue
		}
		if session.enqueue(frame) {
			delivered++
			continue
		}
		observability.ChatFramesDropped().Inc()
		b.log.Warn().
			Str("channel", ref.String()).
			Uint("user_id", session.userID).
			Str("event", frame.Event).
			Msg("dropping chat frame for slow client")
	}
	return delivered
}

// channelLocks serialises persist-and-publish per channel so every member sees
// a channel's messages in commit order.
type channelLocks struct {
	mu    sync.Mutex
	locks map[channelRef]*channelLock
}

type channelLock struct {
	mu   sync.Mutex
	refs int
}

func newChannelLocks() *channelLocks {
	return &channelLocks{locks: make(map[channelRef]*channelLock)}
}

// lock blocks until ref is free and returns the matching unlock.
func (c *channelLocks) lock(ref channelRef) func() {
	c.mu.Lock()
	entry, ok := c.locks[ref]
	if !ok {
		entry = &channelLock{}
		c.locks[ref] = entry
	}
	entry.refs++
	c.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()

		c.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(c.locks, ref)
		}
		c.mu.Unlock()
	}
}
