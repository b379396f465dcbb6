package access

import (
	"context"
	"encoding/json"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/chirino/openmemory-service/internal/model"
	"github.com/chirino/openmemory-service/internal/registry/cache"
	"github.com/chirino/openmemory-service/internal/registry/store"
)

// Set is the resolved visibility of one app over memories. It is either
// unrestricted (the app may touch any memory) or an explicit id set, which
// may be empty. The distinction matters downstream: unrestricted means "do
// not filter", empty means "filter everything out".
type Set struct {
	unrestricted bool
	ids          map[uuid.UUID]struct{}
}

// Unrestricted returns the set that matches every memory.
func Unrestricted() Set {
	return Set{unrestricted: true}
}

// Restricted returns a set matching exactly the given ids.
func Restricted(ids []uuid.UUID) Set {
	m := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return Set{ids: m}
}

// IsUnrestricted reports whether the set matches every memory.
func (s Set) IsUnrestricted() bool {
	return s.unrestricted
}

// Contains reports whether the given memory id is in the set.
func (s Set) Contains(id uuid.UUID) bool {
	if s.unrestricted {
		return true
	}
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of explicit ids. Zero for an unrestricted set.
func (s Set) Len() int {
	return len(s.ids)
}

// IDs returns the explicit ids, or nil when unrestricted. Callers passing
// the result to a retrieval backend must check IsUnrestricted first: nil
// from an unrestricted set means no filter, while an empty restricted set
// means no results.
func (s Set) IDs() []uuid.UUID {
	if s.unrestricted {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	return ids
}

// Intersect returns the ids from candidates that are in the set, preserving
// candidate order.
func (s Set) Intersect(candidates []uuid.UUID) []uuid.UUID {
	if s.unrestricted {
		return candidates
	}
	out := make([]uuid.UUID, 0, len(candidates))
	for _, id := range candidates {
		if _, ok := s.ids[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// cachedSet is the wire form of a Set for the rule cache.
type cachedSet struct {
	Unrestricted bool        `json:"unrestricted"`
	IDs          []uuid.UUID `json:"ids,omitempty"`
}

// Resolver computes an app's accessible memory set from its access rules.
//
// Rule evaluation is order independent. Rules are partitioned into four
// groups first (blanket allow, blanket deny, per-memory allow, per-memory
// deny), then precedence applies: blanket deny yields the empty set, blanket
// allow yields the unrestricted set, otherwise the result is the per-memory
// allows minus the per-memory denies. An app with no rules at all is
// unrestricted.
type Resolver struct {
	store    store.MemoryStore
	cache    cache.Cache
	cacheTTL time.Duration
	log      *log.Logger
}

// NewResolver creates a Resolver. The cache may be nil to disable rule
// set memoization.
func NewResolver(s store.MemoryStore, c cache.Cache, ttl time.Duration) *Resolver {
	return &Resolver{
		store:    s,
		cache:    c,
		cacheTTL: ttl,
		log:      log.Default().With("component", "access"),
	}
}

// AccessibleSet resolves the set of memory ids the given app may touch.
func (r *Resolver) AccessibleSet(ctx context.Context, appID uuid.UUID) (Set, error) {
	if s, ok := r.cached(ctx, appID); ok {
		return s, nil
	}

	rules, err := r.store.ListAccessRules(ctx, appID)
	if err != nil {
		return Set{}, err
	}
	s := Evaluate(rules)
	r.remember(ctx, appID, s)
	return s, nil
}

// Evaluate applies rule precedence to a rule list. Exposed separately so the
// precedence logic is testable without a store.
func Evaluate(rules []model.AccessControl) Set {
	if len(rules) == 0 {
		return Unrestricted()
	}

	var allowAll, denyAll bool
	allowed := map[uuid.UUID]struct{}{}
	denied := map[uuid.UUID]struct{}{}
	for _, rule := range rules {
		switch rule.Effect {
		case model.EffectAllow:
			if rule.ObjectID == nil {
				allowAll = true
			} else {
				allowed[*rule.ObjectID] = struct{}{}
			}
		case model.EffectDeny:
			if rule.ObjectID == nil {
				denyAll = true
			} else {
				denied[*rule.ObjectID] = struct{}{}
			}
		}
	}

	// Blanket deny wins over everything, including a blanket allow.
	if denyAll {
		return Restricted(nil)
	}
	if allowAll {
		return Unrestricted()
	}

	for id := range denied {
		delete(allowed, id)
	}
	ids := make([]uuid.UUID, 0, len(allowed))
	for id := range allowed {
		ids = append(ids, id)
	}
	return Restricted(ids)
}

// CheckMemory reports whether the app may access the given memory. Only
// active memories are accessible through the resolver; paused, archived and
// deleted memories fail the check regardless of rules.
func (r *Resolver) CheckMemory(ctx context.Context, appID uuid.UUID, mem *model.Memory) (bool, error) {
	if mem == nil || mem.State != model.StateActive {
		return false, nil
	}
	s, err := r.AccessibleSet(ctx, appID)
	if err != nil {
		return false, err
	}
	return s.Contains(mem.ID), nil
}

// Invalidate drops the cached rule set for an app. Called after rule writes.
func (r *Resolver) Invalidate(ctx context.Context, appID uuid.UUID) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, ruleCacheKey(appID)); err != nil {
		r.log.Warn("rule cache invalidate failed", "app", appID, "error", err)
	}
}

func (r *Resolver) cached(ctx context.Context, appID uuid.UUID) (Set, bool) {
	if r.cache == nil {
		return Set{}, false
	}
	raw, ok, err := r.cache.Get(ctx, ruleCacheKey(appID))
	if err != nil {
		r.log.Warn("rule cache read failed", "app", appID, "error", err)
		return Set{}, false
	}
	if !ok {
		return Set{}, false
	}
	var cs cachedSet
	if err := json.Unmarshal(raw, &cs); err != nil {
		return Set{}, false
	}
	if cs.Unrestricted {
		return Unrestricted(), true
	}
	return Restricted(cs.IDs), true
}

func (r *Resolver) remember(ctx context.Context, appID uuid.UUID, s Set) {
	if r.cache == nil {
		return
	}
	raw, err := json.Marshal(cachedSet{Unrestricted: s.IsUnrestricted(), IDs: s.IDs()})
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, ruleCacheKey(appID), raw, r.cacheTTL); err != nil {
		r.log.Warn("rule cache write failed", "app", appID, "error", err)
	}
}

func ruleCacheKey(appID uuid.UUID) string {
	return "acl:" + appID.String()
}
