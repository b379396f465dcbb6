// Package search merges ranked hits from the retrieval backend with the
// lifecycle and access filtered view of the relational store.
package search

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/chirino/openmemory-service/internal/access"
	"github.com/chirino/openmemory-service/internal/audit"
	"github.com/chirino/openmemory-service/internal/lifecycle"
	"github.com/chirino/openmemory-service/internal/model"
	"github.com/chirino/openmemory-service/internal/registry/embed"
	"github.com/chirino/openmemory-service/internal/registry/store"
	"github.com/chirino/openmemory-service/internal/registry/vector"
	"github.com/chirino/openmemory-service/internal/security"
)

// EnrichPolicy decides what happens to a hit whose relational row is gone
// (deleted out of band, or retrieval index lagging the store).
type EnrichPolicy int

const (
	// DropMissing removes the hit. Endpoints promising full metadata use
	// this rather than returning partially null rows.
	DropMissing EnrichPolicy = iota
	// PartialMissing keeps the hit, populated from the retrieval payload
	// only.
	PartialMissing
)

// Result is one enriched search hit.
type Result struct {
	ID         uuid.UUID              `json:"id"`
	Content    string                 `json:"memory"`
	Score      float32                `json:"score"`
	State      model.MemoryState      `json:"state,omitempty"`
	AppName    string                 `json:"appName,omitempty"`
	UserID     string                 `json:"userId,omitempty"`
	Categories []string               `json:"categories,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
	UpdatedAt  *time.Time             `json:"updatedAt,omitempty"`
}

// Request describes one search call.
type Request struct {
	UserID         uuid.UUID // internal pk of the owning user
	UserExternalID string
	AppID          uuid.UUID
	Query          string

	// IncludeArchived widens the lifecycle-visible set.
	IncludeArchived bool

	// Threshold drops hits scoring strictly below it; a hit scoring
	// exactly the threshold is kept. Nil applies the configured default.
	Threshold *float64
	// Limit truncates the final ordered sequence. Zero applies the
	// configured default.
	Limit int

	Policy EnrichPolicy

	// Kind is recorded in the audit log. Only AccessSearch and AccessList
	// produce audit entries.
	Kind model.AccessKind
}

// Merger runs the search pipeline: restrict, retrieve, enrich, audit, trim.
type Merger struct {
	store            store.MemoryStore
	vector           vector.Store
	embedder         embed.Embedder
	resolver         *access.Resolver
	audit            *audit.Logger
	defaultLimit     int
	defaultThreshold float64
	timeout          time.Duration
	log              *log.Logger
}

func NewMerger(s store.MemoryStore, v vector.Store, e embed.Embedder, r *access.Resolver, a *audit.Logger, limit int, threshold float64, timeout time.Duration) *Merger {
	return &Merger{
		store:            s,
		vector:           v,
		embedder:         e,
		resolver:         r,
		audit:            a,
		defaultLimit:     limit,
		defaultThreshold: threshold,
		timeout:          timeout,
		log:              log.Default().With("component", "search"),
	}
}

// Search executes the pipeline. Hits stay in the retrieval backend's score
// order throughout; no step re-sorts. A hit that fails lifecycle or access
// filtering never appears in the output, no matter its score.
func (m *Merger) Search(ctx context.Context, req Request) ([]Result, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	allowed, err := m.allowedIDs(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(allowed) == 0 {
		return []Result{}, nil
	}

	queryVec, err := m.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = m.defaultLimit
	}
	hits, err := m.vector.Search(ctx, vector.SearchRequest{
		Query:    queryVec,
		UserID:   req.UserExternalID,
		Restrict: allowed,
		Limit:    limit,
	})
	if err != nil {
		return nil, err
	}

	// The backend was already restricted, but the allowed set is the
	// authority; re-filter in case the backend ignored the restriction.
	allowedSet := access.Restricted(allowed)
	survivors := make([]vector.Hit, 0, len(hits))
	for _, h := range hits {
		if allowedSet.Contains(h.ID) {
			survivors = append(survivors, h)
		}
	}
	if dropped := len(hits) - len(survivors); dropped > 0 && security.SearchHitsFiltered != nil {
		security.SearchHitsFiltered.Add(float64(dropped))
	}

	results, err := m.enrich(ctx, survivors, req.Policy)
	if err != nil {
		return nil, err
	}

	if req.Kind == model.AccessSearch || req.Kind == model.AccessList {
		ids := make([]uuid.UUID, len(results))
		for i, r := range results {
			ids[i] = r.ID
		}
		m.audit.RecordAll(ctx, ids, req.AppID, req.Kind, map[string]interface{}{
			"query": req.Query,
		})
	}

	threshold := m.defaultThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	trimmed := make([]Result, 0, len(results))
	for _, r := range results {
		if float64(r.Score) < threshold {
			continue
		}
		trimmed = append(trimmed, r)
		if len(trimmed) == limit {
			break
		}
	}
	return trimmed, nil
}

// allowedIDs computes the intersection of the app's accessible set with the
// user's lifecycle-visible memories. The result is always an explicit id
// list for the retrieval backend; an unrestricted access set still narrows
// to the user's visible memories.
func (m *Merger) allowedIDs(ctx context.Context, req Request) ([]uuid.UUID, error) {
	accessible, err := m.resolver.AccessibleSet(ctx, req.AppID)
	if err != nil {
		return nil, err
	}
	visible, err := m.store.ListMemoryIDs(ctx, req.UserID, lifecycle.VisibleStates(req.IncludeArchived))
	if err != nil {
		return nil, err
	}
	return accessible.Intersect(visible), nil
}

func (m *Merger) enrich(ctx context.Context, hits []vector.Hit, policy EnrichPolicy) ([]Result, error) {
	ids := make([]uuid.UUID, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	details, err := m.store.GetMemoryDetails(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		d, ok := details[h.ID]
		if !ok {
			if policy == DropMissing {
				m.log.Debug("dropping hit with no backing record", "memory", h.ID)
				continue
			}
			r := Result{
				ID:        h.ID,
				Content:   h.Payload.Data,
				Score:     h.Score,
				UserID:    h.Payload.UserID,
				Metadata:  h.Payload.Metadata,
				CreatedAt: h.Payload.CreatedAt,
				UpdatedAt: h.Payload.UpdatedAt,
			}
			results = append(results, r)
			continue
		}
		results = append(results, Result{
			ID:         d.ID,
			Content:    d.Content,
			Score:      h.Score,
			State:      d.State,
			AppName:    d.AppName,
			UserID:     d.UserID,
			Categories: d.Categories,
			Metadata:   d.Metadata,
			CreatedAt:  d.CreatedAt,
			UpdatedAt:  &d.UpdatedAt,
		})
	}
	return results, nil
}
