package window

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/lastclick/go/internal/meta"
)

const (
	// DayMillis is the length of one window.
	DayMillis int64 = 86_400_000
	daySeconds int64 = 86_400

	keyLayout = "2006-01-02"
)

// ErrNotSynced is returned by operations that need oracle time before the
// oracle has ever synced.
var ErrNotSynced = errors.New("time oracle has not synced")

// OffsetSource reports the oracle offset and the ever-synced flag.
type OffsetSource interface {
	Offset() (time.Duration, bool)
}

// Window identifies a window by its start and key.
type Window struct {
	Start time.Time
	Key   string
}

type anchorDoc struct {
	AnchorMs int64 `json:"anchor_ms"`
	SetAtMs  int64 `json:"set_at_ms,omitempty"`
}

// Clock derives the adjusted clock and window key from the oracle offset
// and the persisted anchor. The anchor is a millisecond-of-day offset
// that shifts window boundaries away from UTC midnight.
type Clock struct {
	clock  clockwork.Clock
	oracle OffsetSource
	store  meta.Store

	mu        sync.RWMutex
	anchor    int64
	anchorSet bool
}

func New(clock clockwork.Clock, oracle OffsetSource, store meta.Store) *Clock {
	return &Clock{clock: clock, oracle: oracle, store: store}
}

// Load restores a persisted anchor.
func (c *Clock) Load(ctx context.Context) error {
	doc, err := c.store.Get(ctx, meta.KeyWindow)
	if err != nil {
		return fmt.Errorf("load window anchor: %w", err)
	}
	if doc == nil {
		return nil
	}
	var a anchorDoc
	if err := doc.Decode(&a); err != nil {
		return fmt.Errorf("load window anchor: %w", err)
	}
	c.Adopt(a.AnchorMs)
	return nil
}

// Sync adopts the anchor currently persisted, which another process may
// have reset. It reports whether the local anchor changed.
func (c *Clock) Sync(ctx context.Context) (bool, error) {
	doc, err := c.store.Get(ctx, meta.KeyWindow)
	if err != nil {
		return false, fmt.Errorf("sync window anchor: %w", err)
	}
	if doc == nil {
		return false, nil
	}
	var a anchorDoc
	if err := doc.Decode(&a); err != nil {
		return false, fmt.Errorf("sync window anchor: %w", err)
	}

	anchor := floorMod(a.AnchorMs, DayMillis)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.anchorSet && c.anchor == anchor {
		return false, nil
	}
	c.anchor = anchor
	c.anchorSet = true
	log.Info().Int64("anchor_ms", anchor).Msg("window anchor adopted from store")
	return true, nil
}

// Anchor returns the anchor and whether it is set.
func (c *Clock) Anchor() (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.anchor, c.anchorSet
}

// Adopt sets the anchor to a value learned elsewhere.
func (c *Clock) Adopt(anchorMs int64) {
	anchorMs = floorMod(anchorMs, DayMillis)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.anchor = anchorMs
	c.anchorSet = true
}

// Apply adopts an anchor reset elsewhere and records it in the local
// store, so a later Sync keeps it.
func (c *Clock) Apply(ctx context.Context, anchorMs int64) {
	anchorMs = floorMod(anchorMs, DayMillis)
	now, _ := c.oracleNowMs()
	doc, err := meta.Encode(anchorDoc{AnchorMs: anchorMs, SetAtMs: now})
	if err == nil {
		err = c.store.Set(ctx, meta.KeyWindow, doc, false)
	}
	meta.BestEffort(meta.KeyWindow, err)
	c.Adopt(anchorMs)
}

// oracleNowMs is local time plus the oracle offset, in epoch ms.
func (c *Clock) oracleNowMs() (int64, bool) {
	offset, synced := c.oracle.Offset()
	return c.clock.Now().Add(offset).UnixMilli(), synced
}

// AdjustedNowMs is local + offset - anchor. An unset anchor counts as 0.
func (c *Clock) AdjustedNowMs() int64 {
	now, _ := c.oracleNowMs()
	anchor, _ := c.Anchor()
	return now - anchor
}

// IsReady reports whether the oracle has synced and the anchor is set.
func (c *Clock) IsReady() bool {
	_, synced := c.oracle.Offset()
	_, set := c.Anchor()
	return synced && set
}

// WindowKey labels the current window. It is a date, but not the
// calendar date once the anchor is non-zero.
func (c *Clock) WindowKey() (string, bool) {
	if !c.IsReady() {
		return "", false
	}
	return KeyAt(c.AdjustedNowMs()), true
}

// SecondsRemaining is the time left in the current window, in (0, 86400].
func (c *Clock) SecondsRemaining() (int64, bool) {
	if !c.IsReady() {
		return 0, false
	}
	return RemainingAt(c.AdjustedNowMs()), true
}

// EnsureAnchor sets the anchor on the first sync. An anchor already
// persisted by another process is adopted instead. It reports whether
// this call initialized the anchor.
func (c *Clock) EnsureAnchor(ctx context.Context) (bool, error) {
	now, synced := c.oracleNowMs()
	if !synced {
		return false, nil
	}
	if _, set := c.Anchor(); set {
		return false, nil
	}

	candidate := floorMod(now, DayMillis)
	chosen := candidate
	adopted := false
	err := c.store.RunTransaction(ctx, func(tx meta.Tx) error {
		doc, err := tx.Get(ctx, meta.KeyWindow)
		if err != nil {
			return err
		}
		if doc != nil {
			var existing anchorDoc
			if err := doc.Decode(&existing); err != nil {
				return err
			}
			chosen = existing.AnchorMs
			adopted = true
			return nil
		}
		next, err := meta.Encode(anchorDoc{AnchorMs: candidate, SetAtMs: now})
		if err != nil {
			return err
		}
		return tx.Set(ctx, meta.KeyWindow, next, false)
	})
	if err != nil {
		chosen, adopted = candidate, false
		meta.BestEffort(meta.KeyWindow, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.anchorSet {
		return false, nil
	}
	c.anchor = floorMod(chosen, DayMillis)
	c.anchorSet = true

	log.Info().
		Int64("anchor_ms", c.anchor).
		Bool("adopted", adopted).
		Msg("window anchor initialized")
	return !adopted, nil
}

// ResetAnchor starts a new window at the current oracle time. The new key
// is the UTC date of now, which can equal the retired window's key. The
// new window then shares that key's visitor set.
func (c *Clock) ResetAnchor(ctx context.Context) (Window, error) {
	now, synced := c.oracleNowMs()
	if !synced {
		return Window{}, ErrNotSynced
	}
	anchor := floorMod(now, DayMillis)

	doc, err := meta.Encode(anchorDoc{AnchorMs: anchor, SetAtMs: now})
	if err == nil {
		err = c.store.Set(ctx, meta.KeyWindow, doc, false)
	}
	meta.BestEffort(meta.KeyWindow, err)

	c.Adopt(anchor)
	w := Window{Start: time.UnixMilli(now).UTC(), Key: KeyAt(now - anchor)}
	log.Info().
		Int64("anchor_ms", anchor).
		Str("window_key", w.Key).
		Msg("window anchor reset")
	return w, nil
}

// KeyAt formats an adjusted clock reading as a window key.
func KeyAt(adjustedMs int64) string {
	return time.UnixMilli(adjustedMs).UTC().Format(keyLayout)
}

// RemainingAt returns whole seconds left in the window at adjustedMs. An
// exact boundary reports a full window.
func RemainingAt(adjustedMs int64) int64 {
	return daySeconds - floorMod(floorDiv(adjustedMs, 1000), daySeconds)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int64) int64 {
	m := a % b
	if m != 0 && ((m < 0) != (b < 0)) {
		m += b
	}
	return m
}
