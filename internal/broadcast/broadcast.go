// Package broadcast fans committed turns out to live viewers. Delivery is
// best-effort: a viewer catches up from the turn store first and then tails a
// subscription.
package broadcast

import (
	"context"
	"sync"

	"ai_arena/internal/domain/model"
	"ai_arena/internal/platform/metrics"
)

// DefaultBuffer is how many turns a subscriber may lag before it is dropped.
const DefaultBuffer = 64

type Broadcaster interface {
	// Publish never blocks on slow subscribers.
	Publish(ctx context.Context, battleID string, turn model.Turn) error
	// Subscribe starts receiving turns published after it returns. The
	// subscription ends when ctx is done or Cancel is called.
	Subscribe(ctx context.Context, battleID string) (*Subscription, error)
}

// Subscription is one viewer's live stream. C is closed when the
// subscription ends, either by Cancel or because the viewer fell behind.
type Subscription struct {
	C <-chan model.Turn

	ch      chan model.Turn
	once    sync.Once
	mu      sync.Mutex
	closed  bool
	dropped bool
	release func()
	stop    func() bool
}

func newSubscription(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan model.Turn, buffer)
	metrics.LiveSubscribers.Inc()
	return &Subscription{C: ch, ch: ch}
}

// Cancel ends the subscription. It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.mu.Lock()
		stop := s.stop
		s.mu.Unlock()
		if stop != nil {
			stop()
		}
		if s.release != nil {
			s.release()
		}
		s.close(false)
		metrics.LiveSubscribers.Dec()
	})
}

// Dropped reports whether the stream ended because the viewer could not keep
// up. The viewer should reconnect and catch up from the turn store.
func (s *Subscription) Dropped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// offer delivers without blocking. A full buffer ends the subscription.
func (s *Subscription) offer(turn model.Turn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- turn:
		return true
	default:
		s.dropped = true
		s.closed = true
		close(s.ch)
		return false
	}
}

func (s *Subscription) close(dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.dropped = dropped
	s.closed = true
	close(s.ch)
}

// bind ends the subscription when ctx is done. A ctx that is already done
// ends it before bind returns.
func (s *Subscription) bind(ctx context.Context) {
	if ctx.Err() != nil {
		s.Cancel()
		return
	}
	stop := context.AfterFunc(ctx, s.Cancel)
	s.mu.Lock()
	s.stop = stop
	s.mu.Unlock()
}
