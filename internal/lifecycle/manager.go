package lifecycle

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/chirino/openmemory-service/internal/model"
	"github.com/chirino/openmemory-service/internal/registry/store"
)

// VisibleStates returns the lifecycle states a listing or search should
// include. Deleted memories are never visible; archived memories only when
// the caller asks for them.
func VisibleStates(includeArchived bool) []model.MemoryState {
	states := []model.MemoryState{model.StateActive, model.StatePaused}
	if includeArchived {
		states = append(states, model.StateArchived)
	}
	return states
}

// Manager drives memory state transitions. Any state may move to any other
// state; the store commits the state column update, the timestamp stamping,
// and the history append as one transaction.
type Manager struct {
	store store.MemoryStore
	log   *log.Logger
}

func NewManager(s store.MemoryStore) *Manager {
	return &Manager{
		store: s,
		log:   log.Default().With("component", "lifecycle"),
	}
}

// Transition moves a memory to newState on behalf of actorID, appending a
// history record in the same transaction. When accessLog is non-nil an audit
// entry also joins the transaction, so a state-mutating access is never
// logged without the mutation committing.
func (m *Manager) Transition(ctx context.Context, memoryID uuid.UUID, newState model.MemoryState, actorID uuid.UUID, accessLog *store.AccessRecord) (*model.Memory, error) {
	if !newState.Valid() {
		return nil, fmt.Errorf("invalid memory state %q", newState)
	}
	mem, err := m.store.TransitionMemoryState(ctx, store.TransitionRequest{
		MemoryID:  memoryID,
		NewState:  newState,
		ActorID:   actorID,
		AccessLog: accessLog,
	})
	if err != nil {
		return nil, err
	}
	m.log.Debug("memory state changed", "memory", memoryID, "state", newState, "actor", actorID)
	return mem, nil
}

// TransitionAll applies the same transition to a batch of memories. Each
// memory commits independently; the first failure aborts the rest and
// reports how many committed.
func (m *Manager) TransitionAll(ctx context.Context, memoryIDs []uuid.UUID, newState model.MemoryState, actorID uuid.UUID) (int, error) {
	for i, id := range memoryIDs {
		if _, err := m.Transition(ctx, id, newState, actorID, nil); err != nil {
			return i, fmt.Errorf("transition %s: %w", id, err)
		}
	}
	return len(memoryIDs), nil
}
