package payout

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/lastclick/go/internal/meta"
	"github.com/mcdev12/lastclick/go/internal/models"
)

type brokenStore struct{ meta.Store }

func (brokenStore) RunTransaction(context.Context, func(meta.Tx) error) error {
	return errors.New("db down")
}

func (brokenStore) Set(context.Context, string, meta.Doc, bool) error {
	return errors.New("db down")
}

func seed(t *testing.T, store meta.Store, index int, key string) {
	t.Helper()
	doc, err := meta.Encode(payoutDoc{Index: index, WindowKey: key})
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), meta.KeyPayout, doc, false))
}

func loaded(t *testing.T, store meta.Store) *Scheduler {
	t.Helper()
	s := New(store, models.DefaultPayoutLadder)
	require.NoError(t, s.Load(context.Background()))
	return s
}

func TestFirstObservationOnlyRecords(t *testing.T) {
	ctx := context.Background()
	s := New(meta.NewMemoryStore(), models.DefaultPayoutLadder)

	assert.False(t, s.Observe(ctx, "W1", true))
	assert.Equal(t, 1, s.Index())
	assert.False(t, s.Observe(ctx, "W1", true))
	assert.Equal(t, 1, s.Index())

	assert.True(t, s.Observe(ctx, "W2", true))
	assert.Equal(t, 2, s.Index())
}

func TestTransitionAtIndexFive(t *testing.T) {
	ctx := context.Background()
	store := meta.NewMemoryStore()
	seed(t, store, 5, "W0")
	s := loaded(t, store)

	s.Observe(ctx, "W1", true)
	assert.True(t, s.Observe(ctx, "W2", true))
	assert.Equal(t, 6, s.Index())
	assert.Equal(t, models.DefaultPayoutLadder.ValueAt(6), s.Value())

	assert.False(t, s.Observe(ctx, "W2", true))
	assert.Equal(t, 6, s.Index())

	doc, err := store.Get(ctx, meta.KeyPayout)
	require.NoError(t, err)
	var p payoutDoc
	require.NoError(t, doc.Decode(&p))
	assert.Equal(t, payoutDoc{Index: 6, WindowKey: "W2"}, p)
}

func TestNullKeysNeverAdvance(t *testing.T) {
	ctx := context.Background()
	s := New(meta.NewMemoryStore(), models.DefaultPayoutLadder)

	assert.False(t, s.Observe(ctx, "", false))
	assert.False(t, s.Observe(ctx, "W1", true), "null to key is not a transition")
	assert.False(t, s.Observe(ctx, "", false))
	assert.False(t, s.Observe(ctx, "W2", true))
	assert.Equal(t, 1, s.Index())

	assert.True(t, s.Observe(ctx, "W3", true))
	assert.Equal(t, 2, s.Index())
}

func TestSaturatesAtLadderLength(t *testing.T) {
	ctx := context.Background()
	s := New(meta.NewMemoryStore(), models.DefaultPayoutLadder)

	s.Observe(ctx, "K0", true)
	for i := 1; i <= 60; i++ {
		s.Observe(ctx, "K"+jsonNum(i), true)
		assert.LessOrEqual(t, s.Index(), 40)
	}
	assert.Equal(t, 40, s.Index())
	assert.Equal(t, 1500.0, s.Value())
	assert.False(t, s.Observe(ctx, "K61", true))
}

func TestAdvancesOnceAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	store := meta.NewMemoryStore()
	a := loaded(t, store)
	b := loaded(t, store)

	a.Observe(ctx, "W1", true)
	b.Observe(ctx, "W1", true)

	assert.True(t, a.Observe(ctx, "W2", true))
	assert.True(t, b.Observe(ctx, "W2", true), "b adopts the index a wrote")

	assert.Equal(t, 2, a.Index())
	assert.Equal(t, 2, b.Index())
}

func TestPersistFailureStillAdvancesInMemory(t *testing.T) {
	ctx := context.Background()
	s := New(brokenStore{meta.NewMemoryStore()}, models.DefaultPayoutLadder)

	s.Observe(ctx, "W1", true)
	assert.True(t, s.Observe(ctx, "W2", true))
	assert.Equal(t, 2, s.Index())
}

func TestRebaselineSuppressesAdvance(t *testing.T) {
	ctx := context.Background()
	store := meta.NewMemoryStore()
	a := loaded(t, store)
	peer := loaded(t, store)

	a.Observe(ctx, "W1", true)
	peer.Observe(ctx, "W1", true)

	a.Rebaseline(ctx, "W9")
	assert.False(t, a.Observe(ctx, "W9", true))
	assert.Equal(t, 1, a.Index())

	assert.False(t, peer.Observe(ctx, "W9", true), "peer adopts the rebaselined key")
	assert.Equal(t, 1, peer.Index())
}

func TestAdoptIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := New(meta.NewMemoryStore(), models.DefaultPayoutLadder)
	s.Observe(ctx, "W1", true)

	assert.True(t, s.Adopt(7, "W2"))
	assert.Equal(t, 7, s.Index())
	assert.False(t, s.Adopt(3, "W0"))
	assert.Equal(t, 7, s.Index())
	assert.True(t, s.Adopt(99, ""))
	assert.Equal(t, 40, s.Index())
}

func TestLoadClampsStoredIndex(t *testing.T) {
	store := meta.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), meta.KeyPayout, meta.Doc{"index": json.RawMessage(`400`)}, false))
	s := loaded(t, store)
	assert.Equal(t, 40, s.Index())
}

func jsonNum(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}
