// Package broadcast fans canonical price updates out to in-process
// subscribers (the streamPrices RPC). Each subscriber owns a bounded queue;
// when the queue is full the oldest update is dropped so a slow consumer
// can never stall the aggregator.
package broadcast

import (
	"sync"

	"go.uber.org/zap"

	"priceverse/internal/core"
)

// Subscriber receives updates for a chosen pair set.
type Subscriber struct {
	hub   *Hub
	id    int64
	pairs map[core.Pair]struct{}
	ch    chan core.PriceUpdate
}

// C is the subscriber's receive channel. Closed by Unsubscribe.
func (s *Subscriber) C() <-chan core.PriceUpdate { return s.ch }

// Hub is the single-writer fan-out owned by the aggregator.
type Hub struct {
	logger    *zap.Logger
	queueSize int

	mu     sync.Mutex
	nextID int64
	subs   map[int64]*Subscriber
}

// NewHub creates a hub with the given per-subscriber queue bound.
func NewHub(queueSize int, logger *zap.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = 1000
	}
	return &Hub{
		logger:    logger.Named("broadcast"),
		queueSize: queueSize,
		subs:      make(map[int64]*Subscriber),
	}
}

// Subscribe registers a receiver for the given pairs. An empty pair list
// receives every update.
func (h *Hub) Subscribe(pairs []core.Pair) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscriber{
		hub: h,
		id:  h.nextID,
		ch:  make(chan core.PriceUpdate, h.queueSize),
	}
	if len(pairs) > 0 {
		sub.pairs = make(map[core.Pair]struct{}, len(pairs))
		for _, p := range pairs {
			sub.pairs[p] = struct{}{}
		}
	}
	h.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.id]; !ok {
		return
	}
	delete(h.subs, sub.id)
	close(sub.ch)
}

// Publish delivers an update to every matching subscriber, dropping the
// oldest queued update when a queue is full.
func (h *Hub) Publish(update core.PriceUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs {
		if sub.pairs != nil {
			if _, ok := sub.pairs[update.Pair]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- update:
		default:
			// Queue full: evict the oldest entry to make room.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- update:
			default:
			}
			h.logger.Warn("Subscriber queue full, dropped oldest update",
				zap.Int64("subscriber", sub.id),
				zap.String("pair", update.Pair.String()))
		}
	}
}

// SubscriberCount reports the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
