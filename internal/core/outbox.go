package core

import (
	"sync"
	"time"
)

type queuedEvent struct {
	env      *Envelope
	critical bool
}

// Outbox is a connection's private bounded outbound queue. Senders push
// without ever blocking; the connection's write pump pops. When the queue is
// full the oldest droppable entry is evicted in favor of the new one, so a
// slow consumer costs bounded staleness instead of unbounded buffering.
// Critical events are never lost: with nothing left to evict they are
// retained past capacity, ErrBackpressure reports the saturation, and the
// saturation start time lets the caller disconnect the consumer once its
// grace period runs out, which is what bounds the overflow.
type Outbox struct {
	mu        sync.Mutex
	items     []queuedEvent
	capacity  int
	fullSince time.Time
	closed    bool

	notify chan struct{}
}

func NewOutbox(capacity int) *Outbox {
	if capacity <= 0 {
		capacity = 64
	}
	return &Outbox{
		capacity: capacity,
		items:    make([]queuedEvent, 0, capacity),
		notify:   make(chan struct{}, 1),
	}
}

// Push enqueues env. It reports whether an older entry was evicted to make
// room. Pushing to a closed outbox silently discards: the connection is
// already on its way out.
func (o *Outbox) Push(env *Envelope, critical bool) (evicted bool, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false, nil
	}

	if len(o.items) < o.capacity {
		o.items = append(o.items, queuedEvent{env: env, critical: critical})
		o.fullSince = time.Time{}
		o.signal()
		return false, nil
	}

	// Full: evict the oldest droppable entry if there is one.
	for i := range o.items {
		if !o.items[i].critical {
			copy(o.items[i:], o.items[i+1:])
			o.items[len(o.items)-1] = queuedEvent{env: env, critical: critical}
			o.signal()
			return true, nil
		}
	}

	// Nothing evictable. A droppable newcomer is itself the staleness we
	// shed; a critical one is kept past capacity, because losing it would
	// turn a slow consumer into silent data loss.
	if !critical {
		return true, nil
	}
	o.items = append(o.items, queuedEvent{env: env, critical: true})
	if o.fullSince.IsZero() {
		o.fullSince = time.Now()
	}
	o.signal()
	return false, ErrBackpressure
}

// TryPop removes the head of the queue without blocking. Saturation ends
// only once the backlog is back under capacity.
func (o *Outbox) TryPop() (*Envelope, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return nil, false
	}
	item := o.items[0]
	o.items = o.items[1:]
	if len(o.items) < o.capacity {
		o.fullSince = time.Time{}
	}
	return item.env, true
}

// Ready signals that the queue may have work; the write pump drains it
// with TryPop.
func (o *Outbox) Ready() <-chan struct{} { return o.notify }

// FullSince returns when the queue became saturated with undroppable events,
// or the zero time if it is not saturated.
func (o *Outbox) FullSince() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fullSince
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.signal()
}

// notify is buffered, so a pending wakeup is never lost and duplicates are cheap.
func (o *Outbox) signal() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}
