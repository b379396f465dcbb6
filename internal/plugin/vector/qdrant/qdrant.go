package qdrant

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/chirino/openmemory-service/internal/config"
	registrymigrate "github.com/chirino/openmemory-service/internal/registry/migrate"
	registryvector "github.com/chirino/openmemory-service/internal/registry/vector"
)

// qdrantMigrator implements migrate.Migrator for Qdrant collection setup.
type qdrantMigrator struct{}

func (m *qdrantMigrator) Name() string { return "qdrant" }
func (m *qdrantMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.VectorType != "qdrant" || !cfg.VectorMigrateAtStart {
		return nil
	}

	log.Info("Running migration", "name", m.Name())
	migrateCtx, cancel := context.WithTimeout(ctx, cfg.QdrantStartupTimeout)
	defer cancel()

	conn, err := grpc.NewClient(cfg.QdrantAddress(), dialOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("qdrant migrate: connect: %w", err)
	}
	defer conn.Close()

	client := pb.NewCollectionsClient(conn)

	_, err = client.Get(migrateCtx, &pb.GetCollectionInfoRequest{CollectionName: cfg.QdrantCollectionName})
	if err == nil {
		return nil // collection exists
	}

	_, err = client.Create(migrateCtx, &pb.CreateCollection{
		CollectionName: cfg.QdrantCollectionName,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(cfg.OpenAIDimensions),
					Distance: pb.Distance_Cosine,
				},
			},
		},
		HnswConfig: &pb.HnswConfigDiff{
			M:                 newUint64(16),
			EfConstruct:       newUint64(64),
			FullScanThreshold: newUint64(10000),
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant migrate: create collection: %w", err)
	}
	log.Info("Created Qdrant collection", "name", cfg.QdrantCollectionName)
	return nil
}

func init() {
	registryvector.Register(registryvector.Plugin{
		Name:   "qdrant",
		Loader: load,
	})
	registrymigrate.Register(registrymigrate.Plugin{Order: 200, Migrator: &qdrantMigrator{}})
}

func load(ctx context.Context) (registryvector.Store, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("qdrant: missing config in context")
	}
	conn, err := grpc.NewClient(cfg.QdrantAddress(), dialOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("qdrant: connect: %w", err)
	}
	return &QdrantStore{
		points:         pb.NewPointsClient(conn),
		conn:           conn,
		collectionName: cfg.QdrantCollectionName,
	}, nil
}

type QdrantStore struct {
	points         pb.PointsClient
	conn           *grpc.ClientConn
	collectionName string
}

// wrapErr classifies transport-level failures so callers can surface the
// backend outage instead of returning truncated results.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return &registryvector.UnavailableError{Backend: "qdrant", Err: err}
	}
	return err
}

func (s *QdrantStore) Search(ctx context.Context, req registryvector.SearchRequest) ([]registryvector.Hit, error) {
	if req.Restrict != nil && len(req.Restrict) == 0 {
		return nil, nil
	}

	must := []*pb.Condition{{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: "user_id",
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: req.UserID},
				},
			},
		},
	}}
	if req.Restrict != nil {
		ids := make([]*pb.PointId, len(req.Restrict))
		for i, id := range req.Restrict {
			ids[i] = &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id.String()}}
		}
		must = append(must, &pb.Condition{
			ConditionOneOf: &pb.Condition_HasId{
				HasId: &pb.HasIdCondition{HasId: ids},
			},
		})
	}

	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.collectionName,
		Vector:         req.Query,
		Limit:          uint64(req.Limit),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		Filter:         &pb.Filter{Must: must},
	})
	if err != nil {
		return nil, wrapErr(err)
	}

	var hits []registryvector.Hit
	for _, pt := range resp.GetResult() {
		id, err := uuid.Parse(pt.GetId().GetUuid())
		if err != nil {
			continue
		}
		hits = append(hits, registryvector.Hit{
			ID:      id,
			Score:   pt.GetScore(),
			Payload: decodePayload(pt.GetPayload()),
		})
	}
	return hits, nil
}

func (s *QdrantStore) Upsert(ctx context.Context, id uuid.UUID, vector []float32, payload registryvector.Payload) error {
	fields := map[string]*pb.Value{
		"data":       {Kind: &pb.Value_StringValue{StringValue: payload.Data}},
		"hash":       {Kind: &pb.Value_StringValue{StringValue: payload.Hash}},
		"user_id":    {Kind: &pb.Value_StringValue{StringValue: payload.UserID}},
		"created_at": {Kind: &pb.Value_StringValue{StringValue: payload.CreatedAt.Format(time.RFC3339Nano)}},
	}
	if payload.UpdatedAt != nil {
		fields["updated_at"] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: payload.UpdatedAt.Format(time.RFC3339Nano)}}
	}
	for k, v := range payload.Metadata {
		if str, ok := v.(string); ok {
			fields["meta_"+k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: str}}
		}
	}

	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collectionName,
		Points: []*pb.PointStruct{{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id.String()}},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: vector},
				},
			},
			Payload: fields,
		}},
	})
	return wrapErr(err)
}

func (s *QdrantStore) Delete(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	points := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		points[i] = &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id.String()}}
	}
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collectionName,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: points},
			},
		},
	})
	return wrapErr(err)
}

func (s *QdrantStore) DeleteAllForUser(ctx context.Context, userID string) error {
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collectionName,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{
					Must: []*pb.Condition{{
						ConditionOneOf: &pb.Condition_Field{
							Field: &pb.FieldCondition{
								Key: "user_id",
								Match: &pb.Match{
									MatchValue: &pb.Match_Keyword{Keyword: userID},
								},
							},
						},
					}},
				},
			},
		},
	})
	return wrapErr(err)
}

func decodePayload(raw map[string]*pb.Value) registryvector.Payload {
	p := registryvector.Payload{}
	if v, ok := raw["data"]; ok {
		p.Data = v.GetStringValue()
	}
	if v, ok := raw["hash"]; ok {
		p.Hash = v.GetStringValue()
	}
	if v, ok := raw["user_id"]; ok {
		p.UserID = v.GetStringValue()
	}
	if v, ok := raw["created_at"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v.GetStringValue()); err == nil {
			p.CreatedAt = t
		}
	}
	if v, ok := raw["updated_at"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v.GetStringValue()); err == nil {
			p.UpdatedAt = &t
		}
	}
	for k, v := range raw {
		if name, ok := strings.CutPrefix(k, "meta_"); ok {
			if p.Metadata == nil {
				p.Metadata = map[string]interface{}{}
			}
			p.Metadata[name] = v.GetStringValue()
		}
	}
	return p
}

func newUint64(v uint64) *uint64 {
	return &v
}

func dialOptions(cfg *config.Config) []grpc.DialOption {
	opts := make([]grpc.DialOption, 0, 2)
	if cfg.QdrantUseTLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(nil)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if strings.TrimSpace(cfg.QdrantAPIKey) != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(apiKeyCredentials{
			apiKey:     cfg.QdrantAPIKey,
			requireTLS: cfg.QdrantUseTLS,
		}))
	}
	return opts
}

type apiKeyCredentials struct {
	apiKey     string
	requireTLS bool
}

func (a apiKeyCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"api-key": a.apiKey}, nil
}

func (a apiKeyCredentials) RequireTransportSecurity() bool {
	return a.requireTLS
}
