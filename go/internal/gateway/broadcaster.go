package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/lastclick/go/internal/metrics"
	"github.com/mcdev12/lastclick/go/internal/models"
)

var (
	// ErrSlowSubscriber is returned by Send when the subscriber's buffer is full.
	ErrSlowSubscriber = errors.New("subscriber send buffer full")
	// ErrSubscriberClosed is returned by Send after Close.
	ErrSubscriberClosed = errors.New("subscriber closed")
)

// StateProvider computes the snapshot pushed on every tick.
type StateProvider interface {
	Snapshot(ctx context.Context) models.Snapshot
}

// Subscriber receives encoded snapshots. Send must not block.
type Subscriber interface {
	ID() string
	Send(msg []byte) error
	Close()
}

// Broadcaster pushes one snapshot per tick to every subscriber. A
// subscriber whose push fails is dropped, there is no retry queue.
type Broadcaster struct {
	clock    clockwork.Clock
	state    StateProvider
	interval time.Duration

	mu          sync.RWMutex
	subscribers map[string]Subscriber

	nudge chan struct{}
}

func NewBroadcaster(clock clockwork.Clock, state StateProvider, interval time.Duration) *Broadcaster {
	if interval <= 0 {
		interval = time.Second
	}
	return &Broadcaster{
		clock:       clock,
		state:       state,
		interval:    interval,
		subscribers: make(map[string]Subscriber),
		nudge:       make(chan struct{}, 1),
	}
}

func (b *Broadcaster) render(ctx context.Context) ([]byte, error) {
	return json.Marshal(b.state.Snapshot(ctx))
}

// Subscribe pushes the current snapshot to sub and then adds it to the
// periodic fan-out. If the first push fails, sub is not added.
func (b *Broadcaster) Subscribe(ctx context.Context, sub Subscriber) error {
	msg, err := b.render(ctx)
	if err != nil {
		return err
	}
	if err := sub.Send(msg); err != nil {
		return err
	}

	b.mu.Lock()
	b.subscribers[sub.ID()] = sub
	count := len(b.subscribers)
	b.mu.Unlock()

	metrics.Subscribers.Set(float64(count))
	log.Debug().
		Str("subscriber_id", sub.ID()).
		Int("total_subscribers", count).
		Msg("subscriber registered")
	return nil
}

// Unsubscribe removes a subscriber. It does not close it.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	_, exists := b.subscribers[id]
	delete(b.subscribers, id)
	count := len(b.subscribers)
	b.mu.Unlock()

	if exists {
		metrics.Subscribers.Set(float64(count))
		log.Debug().Str("subscriber_id", id).Msg("subscriber unregistered")
	}
}

// Count returns the number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Tick renders one snapshot and pushes it to every subscriber.
func (b *Broadcaster) Tick(ctx context.Context) {
	b.mu.RLock()
	targets := make([]Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	// Marshal the snapshot once
	msg, err := b.render(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal snapshot for broadcast")
		return
	}

	for _, sub := range targets {
		if err := sub.Send(msg); err != nil {
			log.Warn().
				Err(err).
				Str("subscriber_id", sub.ID()).
				Msg("push failed, dropping subscriber")
			b.Unsubscribe(sub.ID())
			sub.Close()
			metrics.DroppedSubscribersTotal.Inc()
		}
	}
}

// Nudge requests an extra tick, e.g. after a countdown reset. Repeated
// nudges before the tick runs collapse into one.
func (b *Broadcaster) Nudge() {
	select {
	case b.nudge <- struct{}{}:
	default:
	}
}

// Run ticks on the interval and on every nudge until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) error {
	ticker := b.clock.NewTicker(b.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", b.interval).Msg("broadcaster started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("broadcaster shutting down")
			b.closeAll()
			return nil
		case <-ticker.Chan():
			b.Tick(ctx)
		case <-b.nudge:
			b.Tick(ctx)
		}
	}
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[string]Subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	metrics.Subscribers.Set(0)
}
