package visits

import (
	"context"
	"fmt"

	"github.com/mcdev12/lastclick/go/internal/meta"
	"github.com/mcdev12/lastclick/go/internal/metrics"
)

type setDoc struct {
	Count    int64           `json:"count"`
	Credited map[string]bool `json:"credited"`
}

// MetaLedger keeps each window's visitor set as one meta document. The
// membership check and the increment run in one meta transaction.
type MetaLedger struct {
	store meta.Store
}

func NewMetaLedger(store meta.Store) *MetaLedger {
	return &MetaLedger{store: store}
}

func (l *MetaLedger) Credit(ctx context.Context, identity, windowKey string) (int64, error) {
	key := meta.VisitsKey(windowKey)
	var (
		count int64
		fresh bool
	)
	err := l.store.RunTransaction(ctx, func(tx meta.Tx) error {
		doc, err := tx.Get(ctx, key)
		if err != nil {
			return err
		}
		set, err := decodeSet(doc)
		if err != nil {
			return err
		}
		if set.Credited[identity] {
			count, fresh = set.Count, false
			return nil
		}
		set.Credited[identity] = true
		set.Count++

		next, err := meta.Encode(set)
		if err != nil {
			return err
		}
		if err := tx.Set(ctx, key, next, false); err != nil {
			return err
		}
		count, fresh = set.Count, true
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("credit %s: %w", windowKey, err)
	}
	recordCredit(fresh)
	return count, nil
}

func (l *MetaLedger) Count(ctx context.Context, windowKey string) (int64, error) {
	doc, err := l.store.Get(ctx, meta.VisitsKey(windowKey))
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", windowKey, err)
	}
	set, err := decodeSet(doc)
	if err != nil {
		return 0, err
	}
	return set.Count, nil
}

func decodeSet(doc meta.Doc) (setDoc, error) {
	var set setDoc
	if doc != nil {
		if err := doc.Decode(&set); err != nil {
			return setDoc{}, err
		}
	}
	if set.Credited == nil {
		set.Credited = make(map[string]bool)
	}
	return set, nil
}

func recordCredit(fresh bool) {
	result := "repeat"
	if fresh {
		result = "new"
	}
	metrics.VisitCreditsTotal.WithLabelValues(result).Inc()
}
