package widget

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/lastclick/go/internal/countdown"
	"github.com/mcdev12/lastclick/go/internal/events"
	"github.com/mcdev12/lastclick/go/internal/identity"
	"github.com/mcdev12/lastclick/go/internal/meta"
	"github.com/mcdev12/lastclick/go/internal/models"
	"github.com/mcdev12/lastclick/go/internal/payout"
	"github.com/mcdev12/lastclick/go/internal/visits"
	"github.com/mcdev12/lastclick/go/internal/window"
)

var start = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeOracle struct {
	mu     sync.Mutex
	offset time.Duration
	synced bool
	last   time.Time
}

func (f *fakeOracle) Offset() (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offset, f.synced
}

func (f *fakeOracle) LastSync() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeOracle) sync(offset time.Duration, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offset, f.synced, f.last = offset, true, at
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []events.Envelope
}

func (p *recordingPublisher) Publish(ctx context.Context, env events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, env)
	return nil
}

func (p *recordingPublisher) ofType(eventType string) []events.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Envelope
	for _, env := range p.sent {
		if env.EventType == eventType {
			out = append(out, env)
		}
	}
	return out
}

type countingNotifier struct {
	n atomic.Int32
}

func (c *countingNotifier) Nudge() { c.n.Add(1) }

type harness struct {
	app       *App
	clock     *clockwork.FakeClock
	oracle    *fakeOracle
	store     meta.Store
	publisher *recordingPublisher
	notifier  *countingNotifier
}

func newHarness(t *testing.T, visitorCap int64) *harness {
	t.Helper()
	return newHarnessOn(t, visitorCap, meta.NewMemoryStore(), clockwork.NewFakeClockAt(start))
}

// newHarnessOn builds an app on the given store and clock, so several apps
// can act as instances sharing one meta store.
func newHarnessOn(t *testing.T, visitorCap int64, store meta.Store, clock *clockwork.FakeClock) *harness {
	t.Helper()
	h := &harness{
		clock:     clock,
		oracle:    &fakeOracle{},
		store:     store,
		publisher: &recordingPublisher{},
		notifier:  &countingNotifier{},
	}
	h.app = NewApp(Components{
		Clock:     h.clock,
		Oracle:    h.oracle,
		Window:    window.New(h.clock, h.oracle, h.store),
		Payout:    payout.New(h.store, models.DefaultPayoutLadder),
		Countdown: countdown.New(h.clock, h.store, countdown.DefaultDuration),
		Visits:    visits.NewCache(visits.NewMetaLedger(h.store), h.clock, 30*time.Second),
		Identity:  identity.NewMemoryStore(h.clock, visitorCap),
		Publisher: h.publisher,
		Origin:    "test-node",
	})
	h.app.SetNotifier(h.notifier)
	require.NoError(t, h.app.Load(context.Background()))
	return h
}

// syncAndTick simulates a successful oracle refresh followed by its tick hook.
func (h *harness) syncAndTick(ctx context.Context) {
	h.oracle.sync(0, h.clock.Now())
	h.app.OnOracleTick(ctx)
}

func TestSnapshotBeforeSync(t *testing.T) {
	h := newHarness(t, 0)
	snap := h.app.Snapshot(context.Background())

	assert.False(t, snap.NISTReady)
	assert.Nil(t, snap.PayoutRemaining)
	assert.Nil(t, snap.VisitsToday)
	assert.Equal(t, int64(60), snap.Remaining)
	assert.Equal(t, start.Add(time.Minute).UnixMilli(), snap.EndsAt)
	assert.Equal(t, 5.0, snap.PayoutValue)

	// a failed refresh still runs the tick hook
	h.app.OnOracleTick(context.Background())
	assert.False(t, h.app.Snapshot(context.Background()).NISTReady)
}

func TestOracleTickInitializesAnchor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0)

	h.syncAndTick(ctx)

	snap := h.app.Snapshot(ctx)
	require.True(t, snap.NISTReady)
	require.NotNil(t, snap.PayoutRemaining)
	assert.Equal(t, int64(86400), *snap.PayoutRemaining)
	require.NotNil(t, snap.VisitsToday)
	assert.Equal(t, int64(0), *snap.VisitsToday)
	assert.Equal(t, int32(1), h.notifier.n.Load())

	anchor, set := h.app.Window.Anchor()
	assert.True(t, set)
	assert.Equal(t, int64(10*time.Hour/time.Millisecond), anchor)
}

func TestVisitCreditsOncePerWindow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0)

	alice, err := h.app.Consent(ctx, "")
	require.NoError(t, err)
	bob, err := h.app.Consent(ctx, "")
	require.NoError(t, err)

	n, err := h.app.Visit(ctx, alice.Token)
	require.NoError(t, err)
	assert.Nil(t, n, "no count before the window clock is ready")

	h.syncAndTick(ctx)

	for range 3 {
		n, err = h.app.Visit(ctx, alice.Token)
		require.NoError(t, err)
		require.NotNil(t, n)
		assert.Equal(t, int64(1), *n)
	}

	n, err = h.app.Visit(ctx, bob.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(2), *n)

	snap := h.app.Snapshot(ctx)
	require.NotNil(t, snap.VisitsToday)
	assert.Equal(t, int64(2), *snap.VisitsToday)

	_, err = h.app.Visit(ctx, "never-issued")
	assert.ErrorIs(t, err, identity.ErrUnknownVisitor)
}

func TestConcurrentVisitsSameIdentity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0)
	v, err := h.app.Consent(ctx, "")
	require.NoError(t, err)
	h.syncAndTick(ctx)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := h.app.Visit(ctx, v.Token)
			assert.NoError(t, err)
			assert.Equal(t, int64(1), *n)
		}()
	}
	wg.Wait()
}

func TestConsentReusesKnownToken(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2)

	first, err := h.app.Consent(ctx, "")
	require.NoError(t, err)
	again, err := h.app.Consent(ctx, first.Token)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	_, err = h.app.Consent(ctx, "stale-token")
	require.NoError(t, err)
	_, err = h.app.Consent(ctx, "")
	assert.ErrorIs(t, err, identity.ErrCapReached)
}

func TestPressResetsCountdown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0)
	v, err := h.app.Consent(ctx, "")
	require.NoError(t, err)

	h.clock.Advance(45 * time.Second)
	assert.Equal(t, int64(15), h.app.Countdown.Remaining())

	deadline, err := h.app.Press(ctx, v.Token)
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().Add(time.Minute).UnixMilli(), deadline.UnixMilli())
	assert.Equal(t, int64(60), h.app.Countdown.Remaining())

	sent := h.publisher.ofType(events.TypeCountdownReset)
	require.Len(t, sent, 1)
	assert.Equal(t, "test-node", sent[0].Origin)
	assert.JSONEq(t, `{"deadlineMs":`+jsonInt(deadline.UnixMilli())+`}`, string(sent[0].Payload))

	_, err = h.app.Press(ctx, "")
	assert.ErrorIs(t, err, identity.ErrUnknownVisitor)
}

func TestPressRevivesExpiredCountdown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0)
	v, err := h.app.Consent(ctx, "")
	require.NoError(t, err)

	h.clock.Advance(5 * time.Minute)
	assert.Equal(t, int64(0), h.app.Countdown.Remaining())

	_, err = h.app.Press(ctx, v.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(60), h.app.Countdown.Remaining())
}

func TestWindowTransitionAdvancesPayout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0)

	h.syncAndTick(ctx)
	assert.Equal(t, 1, h.app.Payout.Index())

	h.clock.Advance(time.Hour)
	h.app.OnOracleTick(ctx)
	assert.Equal(t, 1, h.app.Payout.Index(), "same window")

	h.clock.Advance(23 * time.Hour)
	h.app.OnOracleTick(ctx)
	assert.Equal(t, 2, h.app.Payout.Index())
	assert.Equal(t, 6.0, h.app.Snapshot(ctx).PayoutValue)

	sent := h.publisher.ofType(events.TypeWindowAdvanced)
	require.Len(t, sent, 1)
	var p events.WindowAdvancedPayload
	require.NoError(t, json.Unmarshal(sent[0].Payload, &p))
	assert.Equal(t, events.WindowAdvancedPayload{Index: 2, WindowKey: "2024-03-02"}, p)
}

func TestResetWindow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0)

	_, err := h.app.ResetWindow(ctx)
	assert.ErrorIs(t, err, window.ErrNotSynced)

	h.syncAndTick(ctx)
	h.clock.Advance(5 * time.Hour)

	w, err := h.app.ResetWindow(ctx)
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().UnixMilli(), w.Start.UnixMilli())

	secs, ok := h.app.Window.SecondsRemaining()
	require.True(t, ok)
	assert.Equal(t, int64(86400), secs)

	h.app.OnOracleTick(ctx)
	assert.Equal(t, 1, h.app.Payout.Index(), "a reset does not advance the payout")
	assert.Len(t, h.publisher.ofType(events.TypeWindowReset), 1)
}

func TestHandleEvent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0)
	h.syncAndTick(ctx)
	before := h.notifier.n.Load()

	later := h.clock.Now().Add(90 * time.Second)
	env, err := events.NewEnvelope("peer", events.TypeCountdownReset, events.CountdownResetPayload{DeadlineMs: later.UnixMilli()})
	require.NoError(t, err)
	require.NoError(t, h.app.HandleEvent(ctx, env))
	assert.Equal(t, later.UnixMilli(), h.app.Countdown.Deadline().UnixMilli())

	env, err = events.NewEnvelope("peer", events.TypeWindowAdvanced, events.WindowAdvancedPayload{Index: 4, WindowKey: "2024-03-01"})
	require.NoError(t, err)
	require.NoError(t, h.app.HandleEvent(ctx, env))
	assert.Equal(t, 4, h.app.Payout.Index())

	anchor := int64(3 * time.Hour / time.Millisecond)
	env, err = events.NewEnvelope("peer", events.TypeWindowReset, events.WindowResetPayload{AnchorMs: anchor, WindowKey: "2024-03-01"})
	require.NoError(t, err)
	require.NoError(t, h.app.HandleEvent(ctx, env))
	got, _ := h.app.Window.Anchor()
	assert.Equal(t, anchor, got)

	assert.Equal(t, before+3, h.notifier.n.Load())

	require.NoError(t, h.app.HandleEvent(ctx, events.Envelope{EventType: "unknown"}))
	assert.Error(t, h.app.HandleEvent(ctx, events.Envelope{EventType: events.TypeCountdownReset, Payload: []byte("{")}))
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0)
	assert.False(t, h.app.Status().Ready)

	h.syncAndTick(ctx)
	s := h.app.Status()
	assert.True(t, s.Ready)
	assert.True(t, s.Synced)
	assert.Equal(t, "2024-03-01", s.WindowKey)
	assert.Equal(t, 1, s.Payout)
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

// gatedStore blocks the next Set of key until release is closed.
type gatedStore struct {
	*meta.MemoryStore
	key     string
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGatedStore(key string) *gatedStore {
	return &gatedStore{
		MemoryStore: meta.NewMemoryStore(),
		key:         key,
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (s *gatedStore) Set(ctx context.Context, key string, doc meta.Doc, merge bool) error {
	if key == s.key && s.armed.CompareAndSwap(true, false) {
		close(s.entered)
		<-s.release
	}
	return s.MemoryStore.Set(ctx, key, doc, merge)
}

func TestResetWindowExcludesConcurrentTick(t *testing.T) {
	ctx := context.Background()
	store := newGatedStore(meta.KeyWindow)
	h := newHarnessOn(t, 0, store, clockwork.NewFakeClockAt(start))

	h.syncAndTick(ctx)
	h.clock.Advance(20 * time.Hour)
	h.app.OnOracleTick(ctx)
	require.Equal(t, 1, h.app.Payout.Index())

	store.armed.Store(true)
	resetErr := make(chan error, 1)
	go func() {
		_, err := h.app.ResetWindow(ctx)
		resetErr <- err
	}()
	<-store.entered

	tickDone := make(chan struct{})
	go func() {
		h.app.OnOracleTick(ctx)
		close(tickDone)
	}()
	assert.Never(t, func() bool {
		select {
		case <-tickDone:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond, "tick ran while the reset was in progress")

	close(store.release)
	require.NoError(t, <-resetErr)
	<-tickDone

	key, ok := h.app.Window.WindowKey()
	require.True(t, ok)
	assert.Equal(t, "2024-03-02", key)
	assert.Equal(t, 1, h.app.Payout.Index(), "a reset does not advance the payout")
	assert.Empty(t, h.publisher.ofType(events.TypeWindowAdvanced))
}

func TestInstancesConvergeThroughSharedStore(t *testing.T) {
	ctx := context.Background()
	store := meta.NewMemoryStore()
	clock := clockwork.NewFakeClockAt(start)
	a := newHarnessOn(t, 0, store, clock)
	b := newHarnessOn(t, 0, store, clock)

	a.syncAndTick(ctx)
	b.syncAndTick(ctx)
	clock.Advance(3 * time.Hour)

	v, err := a.app.Consent(ctx, "")
	require.NoError(t, err)
	deadline, err := a.app.Press(ctx, v.Token)
	require.NoError(t, err)
	_, err = a.app.ResetWindow(ctx)
	require.NoError(t, err)

	before := b.notifier.n.Load()
	b.app.Sync(ctx)
	assert.Equal(t, before+1, b.notifier.n.Load())

	wantAnchor, _ := a.app.Window.Anchor()
	gotAnchor, _ := b.app.Window.Anchor()
	assert.Equal(t, wantAnchor, gotAnchor)
	assert.Equal(t, deadline.UnixMilli(), b.app.Countdown.Deadline().UnixMilli())
	assert.Equal(t, a.app.Countdown.Remaining(), b.app.Countdown.Remaining())

	b.app.OnOracleTick(ctx)
	wantKey, _ := a.app.Window.WindowKey()
	gotKey, _ := b.app.Window.WindowKey()
	assert.Equal(t, wantKey, gotKey)
	wantSecs, _ := a.app.Window.SecondsRemaining()
	gotSecs, _ := b.app.Window.SecondsRemaining()
	assert.Equal(t, wantSecs, gotSecs)
	assert.Equal(t, 1, b.app.Payout.Index(), "the peer adopts the rebaselined payout")
}

func TestOracleTickAdoptsStoredState(t *testing.T) {
	ctx := context.Background()
	store := meta.NewMemoryStore()
	clock := clockwork.NewFakeClockAt(start)
	a := newHarnessOn(t, 0, store, clock)
	b := newHarnessOn(t, 0, store, clock)

	a.syncAndTick(ctx)
	b.syncAndTick(ctx)
	clock.Advance(time.Hour)

	v, err := a.app.Consent(ctx, "")
	require.NoError(t, err)
	deadline, err := a.app.Press(ctx, v.Token)
	require.NoError(t, err)

	b.app.OnOracleTick(ctx)
	assert.Equal(t, deadline.UnixMilli(), b.app.Countdown.Deadline().UnixMilli())
}

func TestRunSync(t *testing.T) {
	store := meta.NewMemoryStore()
	clock := clockwork.NewFakeClockAt(start)
	a := newHarnessOn(t, 0, store, clock)
	b := newHarnessOn(t, 0, store, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v, err := a.app.Consent(ctx, "")
	require.NoError(t, err)
	clock.Advance(10 * time.Second)
	deadline, err := a.app.Press(ctx, v.Token)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- b.app.RunSync(ctx, 5*time.Second) }()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool {
		return b.app.Countdown.Deadline().UnixMilli() == deadline.UnixMilli()
	}, time.Second, time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
