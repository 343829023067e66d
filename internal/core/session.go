package core

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mstegen/relay/internal/domain"
)

// ConnID uniquely names one transport session.
type ConnID string

// Session is the per-connection state: the identity resolved at handshake,
// the private outbound queue, the activity clock for the idle sweep, and the
// per-room high-water mark of the sender's sequence numbers.
type Session struct {
	id       ConnID
	identity domain.Identity
	outbox   *Outbox

	lastActivity atomic.Int64 // unix nanos

	mu      sync.Mutex
	lastSeq map[domain.RoomKey]uint64

	closeOnce sync.Once
	done      chan struct{}
}

func NewSession(identity domain.Identity, outboxCap int) *Session {
	s := &Session{
		id:       ConnID(uuid.NewString()),
		identity: identity,
		outbox:   NewOutbox(outboxCap),
		lastSeq:  make(map[domain.RoomKey]uint64),
		done:     make(chan struct{}),
	}
	s.Touch()
	return s
}

func (s *Session) ID() ConnID                { return s.id }
func (s *Session) Identity() domain.Identity { return s.identity }
func (s *Session) Outbox() *Outbox           { return s.outbox }

// Touch records inbound activity for the idle sweep.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) IdleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// AcceptSeq admits an event only if its sequence number advances the
// sender's high-water mark for the room. Duplicates and reordered
// redeliveries are discarded at ingress; seq 0 means the client does not
// sequence and is always admitted.
func (s *Session) AcceptSeq(key domain.RoomKey, seq uint64) bool {
	if seq == 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= s.lastSeq[key] {
		return false
	}
	s.lastSeq[key] = seq
	return true
}

// Close releases the outbox and signals the connection's pumps. Safe to call
// more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.outbox.Close()
	})
}

// Done is closed when the session has been shut down.
func (s *Session) Done() <-chan struct{} { return s.done }
