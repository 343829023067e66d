package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mstegen/relay/internal/domain"
)

// EventType is the closed set of envelope types on the wire.
type EventType string

const (
	// Client-originated.
	EventJoin             EventType = "join"
	EventLeave            EventType = "leave"
	EventCodeChange       EventType = "code-change"
	EventCursorMove       EventType = "cursor-move"
	EventChatMessage      EventType = "chat-message"
	EventTypingStart      EventType = "typing-start"
	EventTypingStop       EventType = "typing-stop"
	EventCallJoin         EventType = "call-join"
	EventCallLeave        EventType = "call-leave"
	EventMuteToggle       EventType = "mute-toggle"
	EventVideoToggle      EventType = "video-toggle"
	EventScreenShareStart EventType = "screen-share-start"
	EventScreenShareStop  EventType = "screen-share-stop"
	EventSDPOffer         EventType = "sdp-offer"
	EventSDPAnswer        EventType = "sdp-answer"
	EventICECandidate     EventType = "ice-candidate"

	// Server-emitted.
	EventMemberJoined EventType = "member-joined"
	EventMemberLeft   EventType = "member-left"
	EventRoomState    EventType = "room-state"
	EventDocState     EventType = "doc-state"
	EventError        EventType = "error"
)

// Envelope is the wire form of every message, inbound and outbound.
type Envelope struct {
	Type       EventType       `json:"type"`
	RoomID     string          `json:"roomId"`
	RoomKind   domain.RoomKind `json:"roomKind"`
	SenderID   domain.UserID   `json:"senderId,omitempty"`
	SenderName string          `json:"senderName,omitempty"`
	SenderSeq  uint64          `json:"senderSeq,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"` // unix millis
}

func (e *Envelope) RoomKey() domain.RoomKey {
	return domain.RoomKey{Kind: e.RoomKind, ID: e.RoomID}
}

// Payload shapes per event type, validated at the boundary before routing.

type CodeChangePayload struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

type CursorMovePayload struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type ChatMessagePayload struct {
	Text string `json:"text"`
}

// SignalPayload carries peer-connection negotiation data. Target names the
// one member the event is addressed to; these are never broadcast.
type SignalPayload struct {
	Target    domain.UserID              `json:"target"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

type MemberPayload struct {
	UserID   domain.UserID `json:"userId"`
	Username string        `json:"username"`
}

type RoomStatePayload struct {
	Members []MemberPayload `json:"members"`
	Count   int             `json:"count"`
}

type DocStatePayload struct {
	Text       string        `json:"text"`
	LastWriter domain.UserID `json:"lastWriter"`
	UpdatedAt  int64         `json:"updatedAt"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ClientOriginated reports whether clients may send this type. Server-emitted
// types arriving from a client are rejected at the boundary.
func (t EventType) ClientOriginated() bool {
	switch t {
	case EventJoin, EventLeave, EventCodeChange, EventCursorMove,
		EventChatMessage, EventTypingStart, EventTypingStop,
		EventCallJoin, EventCallLeave, EventMuteToggle, EventVideoToggle,
		EventScreenShareStart, EventScreenShareStop,
		EventSDPOffer, EventSDPAnswer, EventICECandidate:
		return true
	}
	return false
}

// Targeted types are addressed to exactly one member and must never fan out.
func (t EventType) Targeted() bool {
	switch t {
	case EventSDPOffer, EventSDPAnswer, EventICECandidate:
		return true
	}
	return false
}

// Droppable types may be evicted from a saturated outbound queue; losing a
// stale one only costs staleness, never data.
func (t EventType) Droppable() bool {
	switch t {
	case EventCursorMove, EventTypingStart, EventTypingStop:
		return true
	}
	return false
}

// AllowedIn reports whether the type belongs to the given room kind.
// Join and leave are valid everywhere.
func (t EventType) AllowedIn(kind domain.RoomKind) bool {
	switch t {
	case EventJoin, EventLeave:
		return kind.Valid()
	case EventCodeChange, EventCursorMove:
		return kind == domain.KindEdit
	case EventChatMessage, EventTypingStart, EventTypingStop:
		return kind == domain.KindChat
	case EventCallJoin, EventCallLeave, EventMuteToggle, EventVideoToggle,
		EventScreenShareStart, EventScreenShareStop,
		EventSDPOffer, EventSDPAnswer, EventICECandidate:
		return kind == domain.KindVideo
	}
	return false
}

// Validate checks an inbound envelope: recognized client type, well-formed
// room key, type allowed in the room kind, payload decodable per variant.
func (e *Envelope) Validate() error {
	if !e.Type.ClientOriginated() {
		return fmt.Errorf("unknown or reserved event type %q", e.Type)
	}
	if e.RoomID == "" {
		return fmt.Errorf("event %q missing roomId", e.Type)
	}
	if !e.RoomKind.Valid() {
		return fmt.Errorf("event %q has unknown room kind %q", e.Type, e.RoomKind)
	}
	if !e.Type.AllowedIn(e.RoomKind) {
		return fmt.Errorf("event %q not allowed in %s room", e.Type, e.RoomKind)
	}

	switch e.Type {
	case EventCodeChange:
		var p CodeChangePayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("bad code-change payload: %w", err)
		}
	case EventCursorMove:
		var p CursorMovePayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("bad cursor-move payload: %w", err)
		}
	case EventChatMessage:
		var p ChatMessagePayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("bad chat-message payload: %w", err)
		}
		if p.Text == "" {
			return fmt.Errorf("chat-message with empty text")
		}
	case EventSDPOffer, EventSDPAnswer, EventICECandidate:
		p, err := e.signalPayload()
		if err != nil {
			return err
		}
		if p.Target == "" {
			return fmt.Errorf("event %q missing target", e.Type)
		}
		if e.Type == EventICECandidate {
			if p.Candidate == nil {
				return fmt.Errorf("ice-candidate without candidate")
			}
		} else if p.SDP == nil {
			return fmt.Errorf("event %q without sdp", e.Type)
		}
	}
	return nil
}

// Target resolves the addressee of a targeted event.
func (e *Envelope) Target() (domain.UserID, error) {
	p, err := e.signalPayload()
	if err != nil {
		return "", err
	}
	if p.Target == "" {
		return "", fmt.Errorf("event %q missing target", e.Type)
	}
	return p.Target, nil
}

func (e *Envelope) signalPayload() (*SignalPayload, error) {
	var p SignalPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("bad %s payload: %w", e.Type, err)
	}
	return &p, nil
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// All constructor inputs are plain structs; this cannot fail.
		panic(err)
	}
	return b
}

// NewMemberEvent builds a member-joined or member-left notification.
func NewMemberEvent(t EventType, key domain.RoomKey, who domain.Identity) *Envelope {
	return &Envelope{
		Type:      t,
		RoomID:    key.ID,
		RoomKind:  key.Kind,
		Payload:   mustMarshal(MemberPayload{UserID: who.UserID, Username: who.Username}),
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewRoomStateEvent builds the membership snapshot sent to a fresh joiner.
func NewRoomStateEvent(key domain.RoomKey, members []MemberPayload) *Envelope {
	return &Envelope{
		Type:      EventRoomState,
		RoomID:    key.ID,
		RoomKind:  key.Kind,
		Payload:   mustMarshal(RoomStatePayload{Members: members, Count: len(members)}),
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewDocStateEvent wraps the cached document snapshot for a late joiner.
func NewDocStateEvent(key domain.RoomKey, p DocStatePayload) *Envelope {
	return &Envelope{
		Type:      EventDocState,
		RoomID:    key.ID,
		RoomKind:  key.Kind,
		Payload:   mustMarshal(p),
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewErrorEvent reports a rejected event back to its sender.
func NewErrorEvent(code, msg string) *Envelope {
	return &Envelope{
		Type:      EventError,
		Payload:   mustMarshal(ErrorPayload{Code: code, Message: msg}),
		Timestamp: time.Now().UnixMilli(),
	}
}
