package app

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mstegen/relay/internal/core"
	"github.com/mstegen/relay/internal/domain"
	"github.com/mstegen/relay/internal/metrics"
)

// Router resolves inbound events to their rooms and delivery targets:
// all other members for broadcast types, one named member for targeted
// signaling types. Membership is checked before anything is delivered.
type Router struct {
	presence *core.Presence
	fanout   *Fanout
	docs     *DocCache
}

func NewRouter(presence *core.Presence, fanout *Fanout, docs *DocCache) *Router {
	return &Router{presence: presence, fanout: fanout, docs: docs}
}

// Join adds s to the room, tells the other members, and brings the joiner up
// to date with a room-state snapshot (plus the cached document for edit
// rooms). Joining twice is a no-op.
func (r *Router) Join(s *core.Session, key domain.RoomKey) {
	if !r.presence.AddMember(key, s) {
		return
	}
	r.syncRoomGauge()
	log.Info().Str("module", "app.router").
		Str("conn", string(s.ID())).
		Str("user", string(s.Identity().UserID)).
		Str("room", key.String()).
		Msg("joined")

	others := othersOf(r.presence.Members(key), s.ID())
	if len(others) > 0 {
		r.fanout.Deliver(core.NewMemberEvent(core.EventMemberJoined, key, s.Identity()), others)
	}

	// Snapshot for the joiner so the client can render the roster at once.
	members := make([]core.MemberPayload, 0, len(others)+1)
	for _, m := range r.presence.Members(key) {
		id := m.Identity()
		members = append(members, core.MemberPayload{UserID: id.UserID, Username: id.Username})
	}
	r.fanout.Deliver(core.NewRoomStateEvent(key, members), []*core.Session{s})

	if key.Kind == domain.KindEdit {
		if doc, ok := r.docs.Get(key.ID); ok {
			r.fanout.Deliver(core.NewDocStateEvent(key, core.DocStatePayload{
				Text:       doc.Text,
				LastWriter: doc.LastWriter,
				UpdatedAt:  doc.UpdatedAt.UnixMilli(),
			}), []*core.Session{s})
		}
	}
}

// Leave removes s from the room and tells the remaining members. Leaving a
// room s never joined is a no-op.
func (r *Router) Leave(s *core.Session, key domain.RoomKey) {
	remaining, removed := r.presence.RemoveMember(key, s.ID())
	if !removed {
		return
	}
	r.syncRoomGauge()
	log.Info().Str("module", "app.router").
		Str("conn", string(s.ID())).
		Str("room", key.String()).
		Msg("left")

	if remaining == 0 {
		if key.Kind == domain.KindEdit {
			r.docs.Evict(key.ID)
		}
		return
	}
	r.fanout.Deliver(core.NewMemberEvent(core.EventMemberLeft, key, s.Identity()), r.presence.Members(key))
}

// Route validates membership, stamps the sender, and delivers. Targeted
// events go to exactly the named member; broadcast events go to every member
// except the sender. Duplicate sequence numbers are discarded.
func (r *Router) Route(s *core.Session, env *core.Envelope) error {
	key := env.RoomKey()
	if !r.presence.IsMember(key, s.ID()) {
		return core.ErrNotMember
	}
	if !s.AcceptSeq(key, env.SenderSeq) {
		metrics.DuplicateEvents.Inc()
		log.Debug().Str("module", "app.router").
			Str("conn", string(s.ID())).
			Uint64("seq", env.SenderSeq).
			Msg("duplicate event discarded")
		return nil
	}

	id := s.Identity()
	env.SenderID = id.UserID
	env.SenderName = id.Username
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}

	if env.Type.Targeted() {
		target, err := env.Target()
		if err != nil {
			return err
		}
		peer, ok := r.presence.MemberByUser(key, target)
		if !ok {
			return core.ErrUnknownTarget
		}
		r.fanout.Deliver(env, []*core.Session{peer})
		return nil
	}

	if env.Type == core.EventCodeChange && key.Kind == domain.KindEdit {
		var p core.CodeChangePayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			r.docs.Update(key.ID, p.Text, id.UserID)
		}
	}

	r.fanout.Deliver(env, othersOf(r.presence.Members(key), s.ID()))
	r.fanout.Publish(env)
	if env.Type == core.EventChatMessage {
		r.fanout.Persist(env)
	}
	return nil
}

// DeliverRemote hands a bus-received event from another instance to the
// local members of its room. The sender has no local connection, so nobody
// is excluded.
func (r *Router) DeliverRemote(env *core.Envelope) {
	targets := r.presence.Members(env.RoomKey())
	if len(targets) == 0 {
		return
	}
	r.fanout.Deliver(env, targets)
}

func (r *Router) syncRoomGauge() {
	rooms, _ := r.presence.Counts()
	metrics.Rooms.Set(float64(rooms))
}

func othersOf(members []*core.Session, except core.ConnID) []*core.Session {
	out := members[:0]
	for _, m := range members {
		if m.ID() != except {
			out = append(out, m)
		}
	}
	return out
}
