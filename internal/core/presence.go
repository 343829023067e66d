package core

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mstegen/relay/internal/domain"
)

// Presence is the membership registry: a forward index from room to its
// member sessions (used for fanout) and a reverse index from connection to
// the rooms it joined (used for cleanup proportional to that connection's
// own membership, not the whole store).
//
// Invariant: a connection appears in a room's forward set iff the room
// appears in that connection's reverse set. One mutex guards both maps so
// every mutation lands on both sides in a single critical section.
type Presence struct {
	mu      sync.RWMutex
	forward map[domain.RoomKey]map[ConnID]*Session
	reverse map[ConnID]map[domain.RoomKey]struct{}
}

func NewPresence() *Presence {
	return &Presence{
		forward: make(map[domain.RoomKey]map[ConnID]*Session),
		reverse: make(map[ConnID]map[domain.RoomKey]struct{}),
	}
}

// AddMember joins s to key on both indices. It reports whether the
// membership is new; re-joining is a no-op.
func (p *Presence) AddMember(key domain.RoomKey, s *Session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	room := p.forward[key]
	if room == nil {
		room = make(map[ConnID]*Session)
		p.forward[key] = room
	}
	if _, ok := room[s.ID()]; ok {
		return false
	}
	room[s.ID()] = s

	joined := p.reverse[s.ID()]
	if joined == nil {
		joined = make(map[domain.RoomKey]struct{})
		p.reverse[s.ID()] = joined
	}
	joined[key] = struct{}{}

	log.Debug().Str("module", "core.presence").Str("conn", string(s.ID())).Str("room", key.String()).Msg("member added")
	return true
}

// RemoveMember removes the pair from both indices. It reports whether the
// connection was a member and how many members remain; an empty room is
// deleted from the forward index.
func (p *Presence) RemoveMember(key domain.RoomKey, id ConnID) (remaining int, removed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeLocked(key, id)
}

func (p *Presence) removeLocked(key domain.RoomKey, id ConnID) (int, bool) {
	room, ok := p.forward[key]
	if !ok {
		return 0, false
	}
	if _, ok := room[id]; !ok {
		return len(room), false
	}
	delete(room, id)
	if len(room) == 0 {
		delete(p.forward, key)
	}

	if joined, ok := p.reverse[id]; ok {
		delete(joined, key)
		if len(joined) == 0 {
			delete(p.reverse, id)
		}
	}

	log.Debug().Str("module", "core.presence").Str("conn", string(id)).Str("room", key.String()).Msg("member removed")
	return len(room), true
}

// RemoveAll detaches the connection from every room it joined and returns
// those rooms. Cleanup cost is O(rooms of this connection).
func (p *Presence) RemoveAll(id ConnID) []domain.RoomKey {
	p.mu.Lock()
	defer p.mu.Unlock()

	joined, ok := p.reverse[id]
	if !ok {
		return nil
	}
	keys := make([]domain.RoomKey, 0, len(joined))
	for key := range joined {
		keys = append(keys, key)
	}
	for _, key := range keys {
		p.removeLocked(key, id)
	}
	return keys
}

// Members returns a snapshot of the room's member sessions. Callers iterate
// it freely; delivery never runs under the presence lock.
func (p *Presence) Members(key domain.RoomKey) []*Session {
	p.mu.RLock()
	defer p.mu.RUnlock()

	room := p.forward[key]
	out := make([]*Session, 0, len(room))
	for _, s := range room {
		out = append(out, s)
	}
	return out
}

// IsMember reports whether the connection currently belongs to the room.
func (p *Presence) IsMember(key domain.RoomKey, id ConnID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.forward[key][id]
	return ok
}

// MemberByUser finds the room member with the given user ID, for targeted
// delivery. Rooms are small; a scan is fine.
func (p *Presence) MemberByUser(key domain.RoomKey, uid domain.UserID) (*Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.forward[key] {
		if s.Identity().UserID == uid {
			return s, true
		}
	}
	return nil, false
}

// RoomsOf returns a snapshot of the rooms the connection has joined.
func (p *Presence) RoomsOf(id ConnID) []domain.RoomKey {
	p.mu.RLock()
	defer p.mu.RUnlock()

	joined := p.reverse[id]
	out := make([]domain.RoomKey, 0, len(joined))
	for key := range joined {
		out = append(out, key)
	}
	return out
}

// Counts reports the live room count and per-room member counts for the
// observability surface.
func (p *Presence) Counts() (rooms int, perRoom map[domain.RoomKey]int) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	perRoom = make(map[domain.RoomKey]int, len(p.forward))
	for key, room := range p.forward {
		perRoom[key] = len(room)
	}
	return len(p.forward), perRoom
}
