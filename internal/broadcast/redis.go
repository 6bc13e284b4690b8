package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"ai_arena/internal/domain/model"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBroadcaster fans turns out through Redis Pub/Sub so viewers connected
// to any API instance see turns produced by any scheduler instance.
type RedisBroadcaster struct {
	rdb    *redis.Client
	prefix string
	buffer int
	logger *zerolog.Logger
}

var _ Broadcaster = (*RedisBroadcaster)(nil)

func NewRedisBroadcaster(rdb *redis.Client, prefix string, buffer int, logger *zerolog.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{rdb: rdb, prefix: prefix, buffer: buffer, logger: logger}
}

func (b *RedisBroadcaster) channel(battleID string) string {
	return fmt.Sprintf("%s:battle:%s:turns", b.prefix, battleID)
}

func (b *RedisBroadcaster) Publish(ctx context.Context, battleID string, turn model.Turn) error {
	payload, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("encode turn %d: %w", turn.Index, err)
	}
	if err := b.rdb.Publish(ctx, b.channel(battleID), payload).Err(); err != nil {
		return fmt.Errorf("publish turn %d of battle %s: %w", turn.Index, battleID, err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so nothing
// published after the call returns is missed.
func (b *RedisBroadcaster) Subscribe(ctx context.Context, battleID string) (*Subscription, error) {
	ps := b.rdb.Subscribe(ctx, b.channel(battleID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe to battle %s: %w", battleID, err)
	}

	sub := newSubscription(b.buffer)
	sub.release = func() { ps.Close() }
	sub.bind(ctx)

	go func() {
		defer sub.Cancel()
		for msg := range ps.Channel() {
			var turn model.Turn
			if err := json.Unmarshal([]byte(msg.Payload), &turn); err != nil {
				b.logger.Warn().Err(err).Str("battle_id", battleID).Msg("discarding undecodable live turn")
				continue
			}
			if !sub.offer(turn) {
				b.logger.Warn().Str("battle_id", battleID).Int("turn", turn.Index).Msg("dropping slow live subscriber")
				return
			}
		}
	}()
	return sub, nil
}
