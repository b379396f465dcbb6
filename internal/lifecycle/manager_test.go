package lifecycle

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chirino/openmemory-service/internal/model"
)

func TestVisibleStates(t *testing.T) {
	assert.Equal(t, []model.MemoryState{model.StateActive, model.StatePaused}, VisibleStates(false))
	assert.Equal(t, []model.MemoryState{model.StateActive, model.StatePaused, model.StateArchived}, VisibleStates(true))
}

func TestTransitionRejectsUnknownState(t *testing.T) {
	m := NewManager(nil)
	_, err := m.Transition(context.Background(), uuid.New(), model.MemoryState("hibernating"), uuid.New(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid memory state")
}
