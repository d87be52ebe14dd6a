package meta

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore keeps documents in process. Transactions run inside one
// critical section, so every call blocks while a transaction is open.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(key)
}

func (s *MemoryStore) Set(ctx context.Context, key string, doc Doc, merge bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store(key, doc, merge)
}

// RunTransaction holds the store lock for the whole of fn. fn must use tx,
// not the store, or it deadlocks.
func (s *MemoryStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{store: s, pending: make(map[string][]byte)}
	if err := fn(tx); err != nil {
		return err
	}
	for key, raw := range tx.pending {
		s.docs[key] = raw
	}
	return nil
}

func (s *MemoryStore) load(key string) (Doc, error) {
	raw, ok := s.docs[key]
	if !ok {
		return nil, nil
	}
	return decodeRaw(raw)
}

func (s *MemoryStore) store(key string, doc Doc, merge bool) error {
	raw, err := s.prepare(key, doc, merge, s.load)
	if err != nil {
		return err
	}
	s.docs[key] = raw
	return nil
}

func (s *MemoryStore) prepare(key string, doc Doc, merge bool, load func(string) (Doc, error)) ([]byte, error) {
	if merge {
		existing, err := load(key)
		if err != nil {
			return nil, err
		}
		doc = mergeDocs(existing, doc)
	}
	return json.Marshal(doc)
}

type memoryTx struct {
	store   *MemoryStore
	pending map[string][]byte
}

func (t *memoryTx) Get(ctx context.Context, key string) (Doc, error) {
	if raw, ok := t.pending[key]; ok {
		return decodeRaw(raw)
	}
	return t.store.load(key)
}

func (t *memoryTx) Set(ctx context.Context, key string, doc Doc, merge bool) error {
	raw, err := t.store.prepare(key, doc, merge, func(k string) (Doc, error) {
		return t.Get(ctx, k)
	})
	if err != nil {
		return err
	}
	t.pending[key] = raw
	return nil
}

func decodeRaw(raw []byte) (Doc, error) {
	var doc Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = Doc{}
	}
	return doc, nil
}
