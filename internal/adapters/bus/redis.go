// Package bus fans events out across gateway instances over redis pub/sub.
package bus

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mstegen/relay/internal/core"
	"github.com/mstegen/relay/internal/domain"
)

// Message wraps an envelope with the publishing instance's ID so an
// instance can skip its own publishes when subscribed.
type Message struct {
	Origin   string         `json:"origin"`
	Envelope *core.Envelope `json:"envelope"`
}

type Redis struct {
	rdb    *redis.Client
	origin string
}

// NewRedis connects and verifies connectivity.
func NewRedis(ctx context.Context, addr string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Redis{rdb: rdb, origin: uuid.NewString()}, nil
}

// Publish sends env to the room's channel for other instances to relay.
func (b *Redis) Publish(ctx context.Context, env *core.Envelope) error {
	raw, err := json.Marshal(Message{Origin: b.origin, Envelope: env})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channel(env.RoomKey()), raw).Err()
}

// Subscribe listens to every room channel and invokes fn for each remote
// event. Messages published by this instance are dropped so local members
// never see an event twice.
func (b *Redis) Subscribe(ctx context.Context, fn func(*core.Envelope)) {
	pubsub := b.rdb.PSubscribe(ctx, "relay:*")
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			_ = pubsub.Close()
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var m Message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				log.Error().Str("module", "bus.redis").Err(err).Msg("bad bus message")
				continue
			}
			if m.Origin == b.origin || m.Envelope == nil {
				continue
			}
			fn(m.Envelope)
		}
	}
}

func (b *Redis) Close() { _ = b.rdb.Close() }

func channel(key domain.RoomKey) string { return "relay:" + key.String() }
