package countdown

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/lastclick/go/internal/meta"
	"github.com/mcdev12/lastclick/go/internal/metrics"
)

// DefaultDuration is how far a reset pushes the deadline.
const DefaultDuration = 60 * time.Second

type deadlineDoc struct {
	DeadlineMs int64 `json:"deadline_ms"`
}

// Timer is the expiring countdown. It runs on the local clock only and
// keeps working when the time oracle is unavailable. A reset always sets
// the deadline to now plus the duration, also after expiry.
type Timer struct {
	clock    clockwork.Clock
	store    meta.Store
	duration time.Duration

	mu       sync.RWMutex
	deadline time.Time
}

func New(clock clockwork.Clock, store meta.Store, duration time.Duration) *Timer {
	if duration <= 0 {
		duration = DefaultDuration
	}
	return &Timer{clock: clock, store: store, duration: duration}
}

// Load restores the persisted deadline. With nothing stored a fresh
// countdown starts.
func (t *Timer) Load(ctx context.Context) error {
	doc, err := t.store.Get(ctx, meta.KeyCountdown)
	if err != nil {
		return fmt.Errorf("load countdown: %w", err)
	}
	if doc == nil {
		t.Reset(ctx)
		return nil
	}
	var d deadlineDoc
	if err := doc.Decode(&d); err != nil {
		return fmt.Errorf("load countdown: %w", err)
	}
	t.Adopt(time.UnixMilli(d.DeadlineMs))
	return nil
}

// Sync adopts a later deadline persisted by another process. It reports
// whether the local deadline moved.
func (t *Timer) Sync(ctx context.Context) (bool, error) {
	doc, err := t.store.Get(ctx, meta.KeyCountdown)
	if err != nil {
		return false, fmt.Errorf("sync countdown: %w", err)
	}
	if doc == nil {
		return false, nil
	}
	var d deadlineDoc
	if err := doc.Decode(&d); err != nil {
		return false, fmt.Errorf("sync countdown: %w", err)
	}
	return t.Adopt(time.UnixMilli(d.DeadlineMs)), nil
}

// Reset sets the deadline to now plus the duration and persists it.
func (t *Timer) Reset(ctx context.Context) time.Time {
	deadline := t.clock.Now().Add(t.duration)

	t.mu.Lock()
	t.deadline = deadline
	t.mu.Unlock()
	metrics.CountdownResetsTotal.Inc()

	meta.BestEffort(meta.KeyCountdown, t.persist(context.WithoutCancel(ctx), deadline))
	return deadline
}

// persist stores deadline unless a later one is already stored.
func (t *Timer) persist(ctx context.Context, deadline time.Time) error {
	return t.store.RunTransaction(ctx, func(tx meta.Tx) error {
		doc, err := tx.Get(ctx, meta.KeyCountdown)
		if err != nil {
			return err
		}
		if doc != nil {
			var cur deadlineDoc
			if err := doc.Decode(&cur); err == nil && cur.DeadlineMs >= deadline.UnixMilli() {
				return nil
			}
		}
		next, err := meta.Encode(deadlineDoc{DeadlineMs: deadline.UnixMilli()})
		if err != nil {
			return err
		}
		return tx.Set(ctx, meta.KeyCountdown, next, false)
	})
}

// Adopt applies a deadline set elsewhere, keeping the later one. It
// reports whether the local deadline moved.
func (t *Timer) Adopt(deadline time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !deadline.After(t.deadline) {
		return false
	}
	t.deadline = deadline
	return true
}

func (t *Timer) Deadline() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.deadline
}

// Remaining is max(0, ceil(deadline - now)) in seconds.
func (t *Timer) Remaining() int64 {
	left := t.Deadline().Sub(t.clock.Now())
	if left <= 0 {
		return 0
	}
	return int64((left + time.Second - 1) / time.Second)
}
