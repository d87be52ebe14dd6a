package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/lastclick/go/internal/metrics"
)

// Well-known keys
const (
	KeyWindow    = "window"
	KeyPayout    = "payout"
	KeyCountdown = "countdown"
)

// VisitsKey returns the key holding the visitor set of a window.
func VisitsKey(windowKey string) string {
	return "visits/" + windowKey
}

// Doc is a stored document: top-level JSON fields by name.
// A nil Doc means the key is absent.
type Doc map[string]json.RawMessage

// Store is the durable key/document store shared by all instances.
type Store interface {
	// Get returns the document at key, or nil when absent.
	Get(ctx context.Context, key string) (Doc, error)
	// Set writes doc at key. With merge, only the fields present in doc
	// are replaced.
	Set(ctx context.Context, key string, doc Doc, merge bool) error
	// RunTransaction runs fn atomically. Reads through tx are isolated from
	// concurrent writers until fn returns; writes commit only if fn
	// returns nil.
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the view of the store inside RunTransaction.
type Tx interface {
	Get(ctx context.Context, key string) (Doc, error)
	Set(ctx context.Context, key string, doc Doc, merge bool) error
}

// Encode converts a JSON-taggable struct into a Doc.
func Encode(v any) (Doc, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal doc: %w", err)
	}
	var doc Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("doc is not an object: %w", err)
	}
	return doc, nil
}

// Decode fills v from the doc fields.
func (d Doc) Decode(v any) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal doc: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode doc: %w", err)
	}
	return nil
}

func mergeDocs(base, patch Doc) Doc {
	out := make(Doc, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// BestEffort records the outcome of a derived-state write whose failure
// must not abort the caller. In-process state stays authoritative for
// this process.
func BestEffort(key string, err error) {
	if err == nil {
		return
	}
	kind, _, _ := strings.Cut(key, "/")
	metrics.PersistFailuresTotal.WithLabelValues(kind).Inc()
	log.Warn().Err(err).Str("key", key).Msg("best-effort persist failed")
}
