package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/mstegen/relay/internal/core"
	"github.com/mstegen/relay/internal/domain"
	"github.com/mstegen/relay/internal/metrics"
)

// ChatRecord is what the durable store receives for a chat message.
type ChatRecord struct {
	RoomID     string
	SenderID   domain.UserID
	SenderName string
	Text       string
	SentAt     time.Time
}

// ChatStore is the external persistence capability. Failures are logged,
// never surfaced to the sender.
type ChatStore interface {
	SaveMessage(ctx context.Context, m ChatRecord) error
}

// EventBus relays broadcast events to other gateway instances.
type EventBus interface {
	Publish(ctx context.Context, env *core.Envelope) error
}

// Disconnector severs one connection; implemented by the supervisor.
type Disconnector interface {
	Disconnect(s *core.Session, reason string)
}

const sideEffectTimeout = 5 * time.Second

// Fanout delivers one event to many outbound queues without ever blocking
// the sender, and runs collaborator side effects (persistence, bus publish)
// on a bounded worker pool off the hot path.
type Fanout struct {
	store ChatStore
	bus   EventBus
	grace time.Duration
	disc  Disconnector

	workers *pool.Pool
}

func NewFanout(store ChatStore, bus EventBus, grace time.Duration, workers int) *Fanout {
	if workers <= 0 {
		workers = 8
	}
	return &Fanout{
		store:   store,
		bus:     bus,
		grace:   grace,
		workers: pool.New().WithMaxGoroutines(workers),
	}
}

// SetDisconnector breaks the construction cycle with the supervisor.
func (f *Fanout) SetDisconnector(d Disconnector) { f.disc = d }

// Deliver enqueues env on each target's outbox. Droppable events shed
// staleness under pressure; critical events are always retained, and a
// target whose queue stays saturated past the grace period is disconnected,
// which caps the retained backlog. The sender is never blocked and never
// told.
func (f *Fanout) Deliver(env *core.Envelope, targets []*core.Session) {
	critical := !env.Type.Droppable()
	for _, t := range targets {
		evicted, err := t.Outbox().Push(env, critical)
		if evicted {
			metrics.EventsDropped.Inc()
		}
		if err == nil {
			continue
		}

		fullSince := t.Outbox().FullSince()
		if !fullSince.IsZero() && time.Since(fullSince) >= f.grace {
			metrics.SlowConsumerDisconnects.Inc()
			log.Warn().Str("module", "app.fanout").
				Str("conn", string(t.ID())).
				Str("type", string(env.Type)).
				Dur("full_for", time.Since(fullSince)).
				Msg("disconnecting slow consumer")
			if f.disc != nil {
				f.disc.Disconnect(t, core.ErrSlowConsumer.Error())
			}
			continue
		}
		log.Warn().Str("module", "app.fanout").
			Str("conn", string(t.ID())).
			Str("type", string(env.Type)).
			Msg("outbound queue over capacity, within grace period")
	}
	metrics.Events.WithLabelValues(string(env.Type)).Inc()
}

// Persist forwards a chat message to the durable store, fire-and-forget.
func (f *Fanout) Persist(env *core.Envelope) {
	if f.store == nil || env.Type != core.EventChatMessage {
		return
	}
	var p core.ChatMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		log.Error().Str("module", "app.fanout").Err(err).Msg("chat payload unmarshal")
		return
	}
	rec := ChatRecord{
		RoomID:     env.RoomID,
		SenderID:   env.SenderID,
		SenderName: env.SenderName,
		Text:       p.Text,
		SentAt:     time.UnixMilli(env.Timestamp),
	}
	f.workers.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		if err := f.store.SaveMessage(ctx, rec); err != nil {
			metrics.PersistFailures.Inc()
			log.Error().Str("module", "app.fanout").Str("room", rec.RoomID).Err(err).Msg("chat persist failed")
		}
	})
}

// Publish pushes a broadcast event onto the cross-instance bus.
func (f *Fanout) Publish(env *core.Envelope) {
	if f.bus == nil {
		return
	}
	f.workers.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		if err := f.bus.Publish(ctx, env); err != nil {
			metrics.BusFailures.Inc()
			log.Error().Str("module", "app.fanout").Str("room", env.RoomID).Err(err).Msg("bus publish failed")
		}
	})
}

// Wait drains the side-effect pool, used on shutdown.
func (f *Fanout) Wait() { f.workers.Wait() }
