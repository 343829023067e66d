package core

import "errors"

var (
	// ErrUnauthenticated: no credential was supplied with the handshake.
	ErrUnauthenticated = errors.New("no credential supplied")
	// ErrInvalidCredential: verification failed or the account is inactive.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrNotMember: the sender published to a room it has not joined.
	ErrNotMember = errors.New("not a member of room")
	// ErrUnknownTarget: a targeted event named a user not present in the room.
	ErrUnknownTarget = errors.New("target not in room")
	// ErrBackpressure: an outbound queue is saturated with undroppable events.
	// The event is still retained; the error flags the consumer as backlogged.
	ErrBackpressure = errors.New("outbound queue full")
	// ErrSlowConsumer: a connection kept its queue full past the grace period.
	ErrSlowConsumer = errors.New("slow consumer")
)
