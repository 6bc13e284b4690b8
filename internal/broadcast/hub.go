package broadcast

import (
	"context"
	"sync"

	"ai_arena/internal/domain/model"

	"github.com/rs/zerolog"
)

// Hub is the in-process broadcaster, used when the API and the scheduler
// share a process.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	logger *zerolog.Logger
}

var _ Broadcaster = (*Hub)(nil)

func NewHub(buffer int, logger *zerolog.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

func (h *Hub) Publish(_ context.Context, battleID string, turn model.Turn) error {
	h.mu.RLock()
	var slow []*Subscription
	for sub := range h.subs[battleID] {
		if !sub.offer(turn) {
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.logger.Warn().Str("battle_id", battleID).Int("turn", turn.Index).Msg("dropping slow live subscriber")
		sub.Cancel()
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, battleID string) (*Subscription, error) {
	sub := newSubscription(h.buffer)
	sub.release = func() { h.remove(battleID, sub) }

	h.mu.Lock()
	set, ok := h.subs[battleID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[battleID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	sub.bind(ctx)
	return sub, nil
}

func (h *Hub) remove(battleID string, sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[battleID]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, battleID)
	}
}

// Subscribers counts open subscriptions for a battle.
func (h *Hub) Subscribers(battleID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[battleID])
}
