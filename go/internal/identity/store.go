package identity

import (
	"context"
	"errors"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/lastclick/go/internal/models"
)

var (
	// ErrCapReached is returned when assigning past the visitor cap.
	ErrCapReached = errors.New("visitor cap reached")
	// ErrUnknownVisitor is returned by Lookup for a token never assigned.
	ErrUnknownVisitor = errors.New("unknown visitor")
)

// Store maps per-browser tokens to sequential visitor ids. A mapping never
// changes once created.
type Store interface {
	Lookup(ctx context.Context, token string) (models.Visitor, error)
	// Assign returns the visitor for token, creating it with the next id
	// if needed. Repeated calls with the same token return the same id.
	Assign(ctx context.Context, token string) (models.Visitor, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	clock clockwork.Clock
	limit int64

	mu       sync.Mutex
	byToken  map[string]models.Visitor
	assigned int64
}

// NewMemoryStore creates a store capped at limit visitors (0 = no cap).
func NewMemoryStore(clock clockwork.Clock, limit int64) *MemoryStore {
	return &MemoryStore{clock: clock, limit: limit, byToken: make(map[string]models.Visitor)}
}

func (s *MemoryStore) Lookup(ctx context.Context, token string) (models.Visitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.byToken[token]
	if !ok {
		return models.Visitor{}, ErrUnknownVisitor
	}
	return v, nil
}

func (s *MemoryStore) Assign(ctx context.Context, token string) (models.Visitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.byToken[token]; ok {
		return v, nil
	}
	if s.limit > 0 && s.assigned >= s.limit {
		return models.Visitor{}, ErrCapReached
	}
	s.assigned++
	v := models.Visitor{ID: s.assigned, Token: token, CreatedAt: s.clock.Now().UTC()}
	s.byToken[token] = v
	return v, nil
}
