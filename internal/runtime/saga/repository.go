package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
)

// State is the durable state of one saga instance. Version starts at 0 for
// a saga that was never saved and grows by one with every save.
type State struct {
	SagaID    string
	SagaType  string
	Version   int64
	Data      []byte
	UpdatedAt time.Time
}

func (s *State) clone() *State {
	copied := *s
	copied.Data = append([]byte(nil), s.Data...)
	return &copied
}

// Repository persists saga state with optimistic concurrency.
type Repository interface {
	// Load returns the state of sagaID or ErrSagaNotFound.
	Load(ctx context.Context, sagaID string) (*State, error)
	// Save stores state when the stored version still equals expected, and
	// returns ErrVersionConflict otherwise. On success state.Version is
	// expected+1.
	Save(ctx context.Context, state *State, expected int64) error
}

// MemoryRepository keeps saga state in process.
type MemoryRepository struct {
	mu     sync.RWMutex
	states map[string]*State
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{states: make(map[string]*State)}
}

func (r *MemoryRepository) Load(ctx context.Context, sagaID string) (*State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.states[sagaID]
	if !ok {
		return nil, fmt.Errorf("saga %s: %w", sagaID, errspkg.ErrSagaNotFound)
	}
	return state.clone(), nil
}

func (r *MemoryRepository) Save(ctx context.Context, state *State, expected int64) error {
	if state == nil || state.SagaID == "" {
		return errspkg.ErrPayloadRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var current int64
	if stored, ok := r.states[state.SagaID]; ok {
		current = stored.Version
	}
	if current != expected {
		return fmt.Errorf("saga %s at version %d, expected %d: %w", state.SagaID, current, expected, errspkg.ErrVersionConflict)
	}
	state.Version = expected + 1
	state.UpdatedAt = time.Now().UTC()
	r.states[state.SagaID] = state.clone()
	return nil
}
