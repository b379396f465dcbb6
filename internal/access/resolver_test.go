package access

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chirino/openmemory-service/internal/model"
)

func allowRule(objectID *uuid.UUID) model.AccessControl {
	return model.AccessControl{
		SubjectType: model.SubjectTypeApp,
		ObjectType:  model.ObjectTypeMemory,
		ObjectID:    objectID,
		Effect:      model.EffectAllow,
	}
}

func denyRule(objectID *uuid.UUID) model.AccessControl {
	r := allowRule(objectID)
	r.Effect = model.EffectDeny
	return r
}

func TestEvaluate(t *testing.T) {
	m1 := uuid.New()
	m2 := uuid.New()
	m3 := uuid.New()

	tests := []struct {
		name         string
		rules        []model.AccessControl
		unrestricted bool
		want         []uuid.UUID
		reject       []uuid.UUID
	}{
		{
			name:         "no rules is unrestricted",
			rules:        nil,
			unrestricted: true,
		},
		{
			name:         "blanket allow is unrestricted",
			rules:        []model.AccessControl{allowRule(nil)},
			unrestricted: true,
		},
		{
			name:   "blanket deny is empty",
			rules:  []model.AccessControl{denyRule(nil)},
			reject: []uuid.UUID{m1, m2, m3},
		},
		{
			name:   "blanket deny beats blanket allow",
			rules:  []model.AccessControl{allowRule(nil), denyRule(nil)},
			reject: []uuid.UUID{m1, m2, m3},
		},
		{
			name:   "blanket deny beats blanket allow regardless of order",
			rules:  []model.AccessControl{denyRule(nil), allowRule(nil)},
			reject: []uuid.UUID{m1, m2, m3},
		},
		{
			name:         "blanket allow beats specific denies",
			rules:        []model.AccessControl{denyRule(&m1), allowRule(nil)},
			unrestricted: true,
		},
		{
			name:   "specific allows",
			rules:  []model.AccessControl{allowRule(&m1), allowRule(&m2)},
			want:   []uuid.UUID{m1, m2},
			reject: []uuid.UUID{m3},
		},
		{
			name:   "specific deny removes from allows",
			rules:  []model.AccessControl{allowRule(&m1), allowRule(&m2), denyRule(&m2)},
			want:   []uuid.UUID{m1},
			reject: []uuid.UUID{m2, m3},
		},
		{
			name:   "deny only yields empty",
			rules:  []model.AccessControl{denyRule(&m1)},
			reject: []uuid.UUID{m1, m2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Evaluate(tt.rules)
			assert.Equal(t, tt.unrestricted, s.IsUnrestricted())
			for _, id := range tt.want {
				assert.True(t, s.Contains(id), "expected %s accessible", id)
			}
			for _, id := range tt.reject {
				assert.False(t, s.Contains(id), "expected %s inaccessible", id)
			}
			if !tt.unrestricted {
				assert.Len(t, s.IDs(), len(tt.want))
			}
		})
	}
}

func TestSetIntersectPreservesOrder(t *testing.T) {
	a := uuid.New()
	b := uuid.New()
	c := uuid.New()

	s := Restricted([]uuid.UUID{c, a})
	got := s.Intersect([]uuid.UUID{a, b, c})
	require.Equal(t, []uuid.UUID{a, c}, got)
}

func TestSetIntersectUnrestricted(t *testing.T) {
	candidates := []uuid.UUID{uuid.New(), uuid.New()}
	got := Unrestricted().Intersect(candidates)
	require.Equal(t, candidates, got)
}

func TestSetIDsNilWhenUnrestricted(t *testing.T) {
	// nil means "no filter" to the retrieval backend; an empty restricted
	// set must stay non-nil so it filters everything.
	assert.Nil(t, Unrestricted().IDs())
	assert.NotNil(t, Restricted(nil).IDs())
	assert.Empty(t, Restricted(nil).IDs())
}

func TestCheckMemoryRequiresActiveState(t *testing.T) {
	mem := &model.Memory{ID: uuid.New(), State: model.StatePaused}
	r := NewResolver(nil, nil, 0)
	ok, err := r.CheckMemory(t.Context(), uuid.New(), mem)
	require.NoError(t, err)
	assert.False(t, ok)
}
