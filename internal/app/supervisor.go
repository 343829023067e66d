package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mstegen/relay/internal/core"
	"github.com/mstegen/relay/internal/domain"
	"github.com/mstegen/relay/internal/metrics"
)

// Verifier is the external identity-verification capability: given a bearer
// credential it resolves the connection's identity or rejects it.
type Verifier interface {
	Verify(credential string) (domain.Identity, error)
}

// Supervisor owns the connection lifecycle: the authentication boundary on
// the way in, and the only code path allowed to tear membership down as a
// side effect of connection loss. It also evicts half-dead connections that
// have gone idle.
type Supervisor struct {
	verifier Verifier
	presence *core.Presence
	fanout   *Fanout
	docs     *DocCache

	idleTimeout   time.Duration
	sweepInterval time.Duration
	outboxCap     int

	mu       sync.Mutex
	sessions map[core.ConnID]*core.Session
}

func NewSupervisor(verifier Verifier, presence *core.Presence, fanout *Fanout, docs *DocCache,
	idleTimeout, sweepInterval time.Duration, outboxCap int) *Supervisor {
	return &Supervisor{
		verifier:      verifier,
		presence:      presence,
		fanout:        fanout,
		docs:          docs,
		idleTimeout:   idleTimeout,
		sweepInterval: sweepInterval,
		outboxCap:     outboxCap,
		sessions:      make(map[core.ConnID]*core.Session),
	}
}

// Accept is the single authentication boundary. No event is ever processed
// for a connection that has not passed it.
func (sv *Supervisor) Accept(credential string) (*core.Session, error) {
	if credential == "" {
		metrics.AuthFailures.Inc()
		return nil, core.ErrUnauthenticated
	}
	identity, err := sv.verifier.Verify(credential)
	if err != nil {
		metrics.AuthFailures.Inc()
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidCredential, err)
	}

	s := core.NewSession(identity, sv.outboxCap)
	sv.mu.Lock()
	sv.sessions[s.ID()] = s
	sv.mu.Unlock()
	metrics.Connections.Inc()

	log.Info().Str("module", "app.supervisor").
		Str("conn", string(s.ID())).
		Str("user", string(identity.UserID)).
		Str("username", identity.Username).
		Msg("connection accepted")
	return s, nil
}

// OnDisconnect removes the session from every room it joined, using its own
// room list rather than a scan of the whole store, and tells the remaining
// members. Idempotent: the second call on an already-cleaned session is a
// no-op. Notification failures are absorbed by the fanout path; cleanup
// always completes.
func (sv *Supervisor) OnDisconnect(s *core.Session) {
	sv.mu.Lock()
	if _, ok := sv.sessions[s.ID()]; !ok {
		sv.mu.Unlock()
		return
	}
	delete(sv.sessions, s.ID())
	sv.mu.Unlock()

	s.Close()
	metrics.Connections.Dec()

	for _, key := range sv.presence.RemoveAll(s.ID()) {
		remaining := sv.presence.Members(key)
		if len(remaining) == 0 {
			if key.Kind == domain.KindEdit {
				sv.docs.Evict(key.ID)
			}
			continue
		}
		sv.fanout.Deliver(core.NewMemberEvent(core.EventMemberLeft, key, s.Identity()), remaining)
	}

	rooms, _ := sv.presence.Counts()
	metrics.Rooms.Set(float64(rooms))
	log.Info().Str("module", "app.supervisor").
		Str("conn", string(s.ID())).
		Str("user", string(s.Identity().UserID)).
		Msg("connection cleaned up")
}

// Disconnect severs one connection proactively (slow consumer, idle sweep).
// Closing the session unblocks its pumps; cleanup runs here so callers
// without a live transport still converge.
func (sv *Supervisor) Disconnect(s *core.Session, reason string) {
	log.Warn().Str("module", "app.supervisor").
		Str("conn", string(s.ID())).
		Str("reason", reason).
		Msg("disconnecting")
	sv.OnDisconnect(s)
}

// Run sweeps idle connections until ctx ends. Connections with no inbound
// activity past the idle timeout are disconnected so half-closed transports
// cannot hold stale membership forever.
func (sv *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(sv.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range sv.snapshot() {
				if s.IdleFor() > sv.idleTimeout {
					sv.Disconnect(s, "idle timeout")
				}
			}
		}
	}
}

func (sv *Supervisor) snapshot() []*core.Session {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	out := make([]*core.Session, 0, len(sv.sessions))
	for _, s := range sv.sessions {
		out = append(out, s)
	}
	return out
}

// RoomStats is the read-only monitoring view.
type RoomStats struct {
	Connections int            `json:"connections"`
	Rooms       int            `json:"rooms"`
	Members     map[string]int `json:"members"`
}

func (sv *Supervisor) Stats() RoomStats {
	sv.mu.Lock()
	conns := len(sv.sessions)
	sv.mu.Unlock()

	rooms, perRoom := sv.presence.Counts()
	members := make(map[string]int, len(perRoom))
	for key, n := range perRoom {
		members[key.String()] = n
	}
	return RoomStats{Connections: conns, Rooms: rooms, Members: members}
}
