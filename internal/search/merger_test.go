package search

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chirino/openmemory-service/internal/access"
	"github.com/chirino/openmemory-service/internal/audit"
	"github.com/chirino/openmemory-service/internal/model"
	"github.com/chirino/openmemory-service/internal/registry/store"
	"github.com/chirino/openmemory-service/internal/registry/vector"
)

type fakeStore struct {
	store.MemoryStore
	rules   []model.AccessControl
	visible []uuid.UUID
	details map[uuid.UUID]store.MemoryDetail
	logged  []*model.MemoryAccessLog
}

func (f *fakeStore) ListAccessRules(_ context.Context, _ uuid.UUID) ([]model.AccessControl, error) {
	return f.rules, nil
}

func (f *fakeStore) ListMemoryIDs(_ context.Context, _ uuid.UUID, _ []model.MemoryState) ([]uuid.UUID, error) {
	return f.visible, nil
}

func (f *fakeStore) GetMemoryDetails(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]store.MemoryDetail, error) {
	out := map[uuid.UUID]store.MemoryDetail{}
	for _, id := range ids {
		if d, ok := f.details[id]; ok {
			out[id] = d
		}
	}
	return out, nil
}

func (f *fakeStore) AppendAccessLog(_ context.Context, entry *model.MemoryAccessLog) error {
	f.logged = append(f.logged, entry)
	return nil
}

type fakeVector struct {
	hits         []vector.Hit
	lastRestrict []uuid.UUID
	calls        int
}

func (f *fakeVector) Search(_ context.Context, req vector.SearchRequest) ([]vector.Hit, error) {
	f.calls++
	f.lastRestrict = req.Restrict
	return f.hits, nil
}

func (f *fakeVector) Upsert(context.Context, uuid.UUID, []float32, vector.Payload) error {
	return nil
}
func (f *fakeVector) Delete(context.Context, []uuid.UUID) error      { return nil }
func (f *fakeVector) DeleteAllForUser(context.Context, string) error { return nil }

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(context.Context, string) ([]float32, error) { return []float32{0.1}, nil }
func (fakeEmbedder) Dimensions() int                                  { return 1 }

func hit(id uuid.UUID, score float32) vector.Hit {
	return vector.Hit{ID: id, Score: score, Payload: vector.Payload{Data: "payload text", CreatedAt: time.Now()}}
}

func detail(id uuid.UUID) store.MemoryDetail {
	return store.MemoryDetail{
		ID:      id,
		Content: "stored text",
		State:   model.StateActive,
		AppName: "chrome",
		UserID:  "alice",
	}
}

func newTestMerger(fs *fakeStore, fv *fakeVector) *Merger {
	resolver := access.NewResolver(fs, nil, 0)
	return NewMerger(fs, fv, fakeEmbedder{}, resolver, audit.NewLogger(fs), 10, 0.0, 5*time.Second)
}

func TestSearchFiltersDeniedHits(t *testing.T) {
	m1, m2, m3 := uuid.New(), uuid.New(), uuid.New()
	fs := &fakeStore{
		rules: []model.AccessControl{{
			SubjectType: model.SubjectTypeApp,
			ObjectType:  model.ObjectTypeMemory,
			ObjectID:    &m1,
			Effect:      model.EffectDeny,
		}, {
			SubjectType: model.SubjectTypeApp,
			ObjectType:  model.ObjectTypeMemory,
			ObjectID:    &m2,
			Effect:      model.EffectAllow,
		}, {
			SubjectType: model.SubjectTypeApp,
			ObjectType:  model.ObjectTypeMemory,
			ObjectID:    &m3,
			Effect:      model.EffectAllow,
		}},
		visible: []uuid.UUID{m1, m2, m3},
		details: map[uuid.UUID]store.MemoryDetail{m1: detail(m1), m2: detail(m2), m3: detail(m3)},
	}
	fv := &fakeVector{hits: []vector.Hit{hit(m1, 0.99), hit(m2, 0.8), hit(m3, 0.7)}}

	results, err := newTestMerger(fs, fv).Search(t.Context(), Request{
		UserID: uuid.New(), AppID: uuid.New(), Query: "q", Kind: model.AccessSearch,
	})
	require.NoError(t, err)

	// m1 scored highest but its deny keeps it out of the restricted set.
	require.Len(t, results, 2)
	assert.Equal(t, m2, results[0].ID)
	assert.Equal(t, m3, results[1].ID)
	assert.NotContains(t, fv.lastRestrict, m1)
}

func TestSearchDenyAllShortCircuits(t *testing.T) {
	m1 := uuid.New()
	fs := &fakeStore{
		rules: []model.AccessControl{{
			SubjectType: model.SubjectTypeApp,
			ObjectType:  model.ObjectTypeMemory,
			Effect:      model.EffectDeny,
		}},
		visible: []uuid.UUID{m1},
	}
	fv := &fakeVector{hits: []vector.Hit{hit(m1, 0.9)}}

	results, err := newTestMerger(fs, fv).Search(t.Context(), Request{
		UserID: uuid.New(), AppID: uuid.New(), Query: "q", Kind: model.AccessSearch,
	})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, fv.calls, "retrieval backend should not be queried for an empty allowed set")
}

func TestSearchThresholdIsInclusive(t *testing.T) {
	m1, m2, m3 := uuid.New(), uuid.New(), uuid.New()
	fs := &fakeStore{
		visible: []uuid.UUID{m1, m2, m3},
		details: map[uuid.UUID]store.MemoryDetail{m1: detail(m1), m2: detail(m2), m3: detail(m3)},
	}
	fv := &fakeVector{hits: []vector.Hit{hit(m1, 0.9), hit(m2, 0.5), hit(m3, 0.3)}}

	threshold := 0.5
	results, err := newTestMerger(fs, fv).Search(t.Context(), Request{
		UserID: uuid.New(), AppID: uuid.New(), Query: "q", Threshold: &threshold, Kind: model.AccessSearch,
	})
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, m1, results[0].ID)
	assert.Equal(t, m2, results[1].ID, "a hit scoring exactly the threshold is kept")
}

func TestSearchAuditsSurvivorsBeforeThreshold(t *testing.T) {
	m1, m2 := uuid.New(), uuid.New()
	fs := &fakeStore{
		visible: []uuid.UUID{m1, m2},
		details: map[uuid.UUID]store.MemoryDetail{m1: detail(m1), m2: detail(m2)},
	}
	fv := &fakeVector{hits: []vector.Hit{hit(m1, 0.9), hit(m2, 0.1)}}

	threshold := 0.5
	results, err := newTestMerger(fs, fv).Search(t.Context(), Request{
		UserID: uuid.New(), AppID: uuid.New(), Query: "q", Threshold: &threshold, Kind: model.AccessSearch,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	// Both survived filtering and enrichment, so both accesses are on
	// record even though the threshold dropped one from the response.
	require.Len(t, fs.logged, 2)
	for _, entry := range fs.logged {
		assert.Equal(t, model.AccessSearch, entry.AccessType)
	}
}

func TestSearchEnrichPolicies(t *testing.T) {
	m1, m2 := uuid.New(), uuid.New()
	base := func() (*fakeStore, *fakeVector) {
		fs := &fakeStore{
			visible: []uuid.UUID{m1, m2},
			details: map[uuid.UUID]store.MemoryDetail{m1: detail(m1)}, // m2 has no backing row
		}
		fv := &fakeVector{hits: []vector.Hit{hit(m1, 0.9), hit(m2, 0.8)}}
		return fs, fv
	}

	fs, fv := base()
	results, err := newTestMerger(fs, fv).Search(t.Context(), Request{
		UserID: uuid.New(), AppID: uuid.New(), Query: "q", Policy: DropMissing, Kind: model.AccessSearch,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, m1, results[0].ID)

	fs, fv = base()
	results, err = newTestMerger(fs, fv).Search(t.Context(), Request{
		UserID: uuid.New(), AppID: uuid.New(), Query: "q", Policy: PartialMissing, Kind: model.AccessSearch,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "stored text", results[0].Content)
	assert.Equal(t, "payload text", results[1].Content, "hit without a backing row keeps its payload fields")
}

func TestSearchLimitTruncatesAfterThreshold(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New(), uuid.New()}
	fs := &fakeStore{visible: ids, details: map[uuid.UUID]store.MemoryDetail{}}
	var hits []vector.Hit
	for i, id := range ids {
		fs.details[id] = detail(id)
		hits = append(hits, hit(id, float32(0.9)-float32(i)*0.1))
	}
	fv := &fakeVector{hits: hits}

	results, err := newTestMerger(fs, fv).Search(t.Context(), Request{
		UserID: uuid.New(), AppID: uuid.New(), Query: "q", Limit: 2, Kind: model.AccessSearch,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, ids[0], results[0].ID)
	assert.Equal(t, ids[1], results[1].ID)
}
