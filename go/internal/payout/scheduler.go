package payout

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/lastclick/go/internal/meta"
	"github.com/mcdev12/lastclick/go/internal/metrics"
	"github.com/mcdev12/lastclick/go/internal/models"
)

type payoutDoc struct {
	Index     int    `json:"index"`
	WindowKey string `json:"window_key,omitempty"`
}

// Scheduler advances the payout cycle index once per observed window key
// transition. The index is 1-based, never decreases and saturates at the
// ladder length.
type Scheduler struct {
	store  meta.Store
	ladder models.PayoutLadder

	mu       sync.Mutex
	index    int
	lastKey  string
	hasKey   bool
	observed bool
}

func New(store meta.Store, ladder models.PayoutLadder) *Scheduler {
	return &Scheduler{store: store, ladder: ladder, index: 1}
}

// Load restores the persisted index.
func (s *Scheduler) Load(ctx context.Context) error {
	doc, err := s.store.Get(ctx, meta.KeyPayout)
	if err != nil {
		return fmt.Errorf("load payout: %w", err)
	}
	if doc == nil {
		return nil
	}
	var p payoutDoc
	if err := doc.Decode(&p); err != nil {
		return fmt.Errorf("load payout: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = s.clamp(max(s.index, p.Index))
	metrics.PayoutIndex.Set(float64(s.index))
	return nil
}

// Index returns the current 1-based cycle index.
func (s *Scheduler) Index() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// Value returns the ladder value of the current cycle.
func (s *Scheduler) Value() float64 {
	return s.ladder.ValueAt(s.Index())
}

// Observe is called once per oracle tick with the current window key. The
// first call only records the key. It reports whether the index changed.
func (s *Scheduler) Observe(ctx context.Context, key string, ok bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.observed || !ok || !s.hasKey || key == s.lastKey {
		s.observed = true
		s.lastKey, s.hasKey = key, ok
		return false
	}

	before := s.index
	next, err := s.persistAdvance(ctx, key)
	meta.BestEffort(meta.KeyPayout, err)
	if err != nil {
		next = s.clamp(s.index + 1)
	}

	s.index = max(s.index, next)
	s.lastKey, s.hasKey = key, true
	metrics.PayoutIndex.Set(float64(s.index))

	log.Info().
		Str("window_key", key).
		Int("index", s.index).
		Bool("advanced", s.index != before).
		Msg("payout window transition")
	return s.index != before
}

// persistAdvance writes the advanced index for key. When the stored doc
// already names key, another process advanced into this window first and
// its index is returned unchanged.
func (s *Scheduler) persistAdvance(ctx context.Context, key string) (int, error) {
	var next int
	err := s.store.RunTransaction(ctx, func(tx meta.Tx) error {
		doc, err := tx.Get(ctx, meta.KeyPayout)
		if err != nil {
			return err
		}
		var cur payoutDoc
		if doc != nil {
			if err := doc.Decode(&cur); err != nil {
				return err
			}
		}
		if cur.WindowKey == key && cur.Index >= 1 {
			next = s.clamp(cur.Index)
			return nil
		}

		next = s.clamp(max(cur.Index, s.index) + 1)
		out, err := meta.Encode(payoutDoc{Index: next, WindowKey: key})
		if err != nil {
			return err
		}
		return tx.Set(ctx, meta.KeyPayout, out, false)
	})
	return next, err
}

// Rebaseline records key as current without advancing, after an operator
// window reset. The key is persisted so peers observing the same
// transition adopt the index instead of advancing.
func (s *Scheduler) Rebaseline(ctx context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.observed = true
	s.lastKey, s.hasKey = key, true

	doc, err := meta.Encode(payoutDoc{Index: s.index, WindowKey: key})
	if err == nil {
		err = s.store.Set(ctx, meta.KeyPayout, doc, false)
	}
	meta.BestEffort(meta.KeyPayout, err)
}

// Adopt applies an advance made by another instance. The index never
// moves backwards.
func (s *Scheduler) Adopt(index int, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.index
	s.index = max(s.index, s.clamp(index))
	if s.observed && key != "" {
		s.lastKey, s.hasKey = key, true
	}
	metrics.PayoutIndex.Set(float64(s.index))
	return s.index != before
}

func (s *Scheduler) clamp(index int) int {
	if index < 1 {
		return 1
	}
	if n := s.ladder.Len(); n > 0 && index > n {
		return n
	}
	return index
}
