package widget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/lastclick/go/internal/countdown"
	"github.com/mcdev12/lastclick/go/internal/events"
	"github.com/mcdev12/lastclick/go/internal/identity"
	"github.com/mcdev12/lastclick/go/internal/models"
	"github.com/mcdev12/lastclick/go/internal/payout"
	"github.com/mcdev12/lastclick/go/internal/visits"
	"github.com/mcdev12/lastclick/go/internal/window"
)

const publishTimeout = 2 * time.Second

// Oracle is what the app reads from the time oracle.
type Oracle interface {
	Offset() (time.Duration, bool)
	LastSync() time.Time
}

// Notifier is told when local state changed outside the regular tick.
type Notifier interface {
	Nudge()
}

// Components are the core objects the App coordinates.
type Components struct {
	Clock     clockwork.Clock
	Oracle    Oracle
	Window    *window.Clock
	Payout    *payout.Scheduler
	Countdown *countdown.Timer
	Visits    *visits.Cache
	Identity  identity.Store
	Publisher events.Publisher
	Origin    string
	// CountWait bounds the visitor count read done for every snapshot.
	CountWait time.Duration
}

// Status is the readiness summary served by the health endpoint.
type Status struct {
	Ready     bool      `json:"ready"`
	Synced    bool      `json:"synced"`
	Offset    int64     `json:"offsetMs"`
	LastSync  time.Time `json:"lastSync"`
	WindowKey string    `json:"windowKey,omitempty"`
	Payout    int       `json:"payoutIndex"`
}

// App ties the oracle, window, payout, countdown and ledger together and
// exposes the operations behind the HTTP and RPC surfaces.
type App struct {
	Components
	notifier Notifier

	// mu serializes window transitions: oracle ticks, operator resets and
	// anchors adopted from peers.
	mu sync.Mutex
}

func NewApp(c Components) *App {
	if c.Publisher == nil {
		c.Publisher = events.NoopPublisher{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.CountWait <= 0 {
		c.CountWait = 500 * time.Millisecond
	}
	return &App{Components: c, notifier: nopNotifier{}}
}

// SetNotifier registers the broadcaster nudged after state changes.
func (a *App) SetNotifier(n Notifier) {
	a.notifier = n
}

// Load restores persisted state at boot.
func (a *App) Load(ctx context.Context) error {
	if err := a.Window.Load(ctx); err != nil {
		return err
	}
	if err := a.Payout.Load(ctx); err != nil {
		return err
	}
	return a.Countdown.Load(ctx)
}

// OnOracleTick runs after every oracle refresh, successful or not.
func (a *App) OnOracleTick(ctx context.Context) {
	a.mu.Lock()
	changed := a.syncStore(ctx)

	initialized, err := a.Window.EnsureAnchor(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to ensure window anchor")
	}
	changed = changed || initialized

	key, ok := a.Window.WindowKey()
	advanced := a.Payout.Observe(ctx, key, ok)
	index := a.Payout.Index()
	a.mu.Unlock()

	if advanced {
		a.publish(ctx, events.TypeWindowAdvanced, events.WindowAdvancedPayload{
			Index:     index,
			WindowKey: key,
		})
	}
	if changed || advanced {
		a.notifier.Nudge()
	}
}

// Sync applies anchor and deadline changes other instances persisted to
// the shared meta store.
func (a *App) Sync(ctx context.Context) {
	a.mu.Lock()
	changed := a.syncStore(ctx)
	a.mu.Unlock()
	if changed {
		a.notifier.Nudge()
	}
}

// RunSync calls Sync every interval until ctx is done.
func (a *App) RunSync(ctx context.Context, interval time.Duration) error {
	ticker := a.Clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			a.Sync(ctx)
		}
	}
}

// syncStore must be called with a.mu held.
func (a *App) syncStore(ctx context.Context) bool {
	anchorMoved, err := a.Window.Sync(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to sync window anchor")
	}
	deadlineMoved, err := a.Countdown.Sync(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to sync countdown")
	}
	return anchorMoved || deadlineMoved
}

// Snapshot computes the state pushed to observers. Window fields are nil
// until the window clock is ready.
func (a *App) Snapshot(ctx context.Context) models.Snapshot {
	snap := models.Snapshot{
		Remaining:   a.Countdown.Remaining(),
		EndsAt:      a.Countdown.Deadline().UnixMilli(),
		PayoutValue: a.Payout.Value(),
		NISTReady:   a.Window.IsReady(),
	}
	if !snap.NISTReady {
		return snap
	}

	if secs, ok := a.Window.SecondsRemaining(); ok {
		snap.PayoutRemaining = &secs
	}
	if key, ok := a.Window.WindowKey(); ok {
		if n, ok := a.count(ctx, key); ok {
			snap.VisitsToday = &n
		}
	}
	return snap
}

func (a *App) count(ctx context.Context, key string) (int64, bool) {
	ctx, cancel := context.WithTimeout(ctx, a.CountWait)
	defer cancel()

	n, err := a.Visits.Count(ctx, key)
	if err == nil {
		return n, true
	}
	log.Debug().Err(err).Str("window_key", key).Msg("visitor count unavailable, using cached value")
	return a.Visits.Cached(key)
}

// Consent returns the visitor for token, issuing a new token and id when
// token is empty or unknown.
func (a *App) Consent(ctx context.Context, token string) (models.Visitor, error) {
	if token != "" {
		v, err := a.Identity.Lookup(ctx, token)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, identity.ErrUnknownVisitor) {
			return models.Visitor{}, fmt.Errorf("lookup visitor: %w", err)
		}
	}

	v, err := a.Identity.Assign(ctx, uuid.NewString())
	if err != nil {
		return models.Visitor{}, fmt.Errorf("assign visitor: %w", err)
	}
	log.Info().Int64("visitor_id", v.ID).Msg("visitor consented")
	return v, nil
}

// Visit credits the visitor behind token to the current window. The count
// is nil while the window clock is not ready.
func (a *App) Visit(ctx context.Context, token string) (*int64, error) {
	v, err := a.Identity.Lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	key, ok := a.Window.WindowKey()
	if !ok {
		return nil, nil
	}

	n, err := a.Visits.Credit(ctx, strconv.FormatInt(v.ID, 10), key)
	if err != nil {
		return nil, fmt.Errorf("credit visit: %w", err)
	}
	a.notifier.Nudge()
	return &n, nil
}

// Press resets the countdown on behalf of the visitor behind token.
func (a *App) Press(ctx context.Context, token string) (time.Time, error) {
	v, err := a.Identity.Lookup(ctx, token)
	if err != nil {
		return time.Time{}, err
	}

	deadline := a.Countdown.Reset(ctx)
	log.Debug().
		Int64("visitor_id", v.ID).
		Time("deadline", deadline).
		Msg("countdown reset")

	a.publish(ctx, events.TypeCountdownReset, events.CountdownResetPayload{
		DeadlineMs: deadline.UnixMilli(),
	})
	a.notifier.Nudge()
	return deadline, nil
}

// ResetWindow starts a new payout window now. The payout index is
// rebaselined to the new key instead of advancing.
func (a *App) ResetWindow(ctx context.Context) (window.Window, error) {
	w, anchor, err := a.resetAnchor(ctx)
	if err != nil {
		return window.Window{}, err
	}
	a.publish(ctx, events.TypeWindowReset, events.WindowResetPayload{
		AnchorMs:  anchor,
		WindowKey: w.Key,
	})
	a.notifier.Nudge()
	return w, nil
}

// resetAnchor swaps the anchor and rebaselines the payout in one step, so
// no tick can observe the new key before the scheduler records it.
func (a *App) resetAnchor(ctx context.Context) (window.Window, int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	w, err := a.Window.ResetAnchor(ctx)
	if err != nil {
		return window.Window{}, 0, err
	}
	a.Payout.Rebaseline(ctx, w.Key)
	anchor, _ := a.Window.Anchor()
	return w, anchor, nil
}

// HandleEvent applies a change made by another instance.
func (a *App) HandleEvent(ctx context.Context, env events.Envelope) error {
	changed := false
	switch env.EventType {
	case events.TypeCountdownReset:
		var p events.CountdownResetPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", env.EventType, err)
		}
		changed = a.Countdown.Adopt(time.UnixMilli(p.DeadlineMs))

	case events.TypeWindowAdvanced:
		var p events.WindowAdvancedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", env.EventType, err)
		}
		changed = a.Payout.Adopt(p.Index, p.WindowKey)

	case events.TypeWindowReset:
		var p events.WindowResetPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", env.EventType, err)
		}
		a.mu.Lock()
		a.Window.Apply(ctx, p.AnchorMs)
		a.Payout.Adopt(a.Payout.Index(), p.WindowKey)
		a.mu.Unlock()
		changed = true

	default:
		log.Debug().Str("event_type", env.EventType).Msg("ignoring unknown event")
		return nil
	}

	log.Debug().
		Str("event_type", env.EventType).
		Str("origin", env.Origin).
		Bool("changed", changed).
		Msg("applied remote event")
	if changed {
		a.notifier.Nudge()
	}
	return nil
}

// Status reports oracle and window readiness.
func (a *App) Status() Status {
	offset, synced := a.Oracle.Offset()
	s := Status{
		Ready:    a.Window.IsReady(),
		Synced:   synced,
		Offset:   offset.Milliseconds(),
		LastSync: a.Oracle.LastSync(),
		Payout:   a.Payout.Index(),
	}
	s.WindowKey, _ = a.Window.WindowKey()
	return s
}

// publish sends an event outside the request lifetime. Failures are
// only logged.
func (a *App) publish(ctx context.Context, eventType string, payload any) {
	env, err := events.NewEnvelope(a.Origin, eventType, payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("failed to build event")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := a.Publisher.Publish(ctx, env); err != nil {
		log.Warn().Err(err).Str("event_type", eventType).Msg("failed to publish event")
	}
}

type nopNotifier struct{}

func (nopNotifier) Nudge() {}
