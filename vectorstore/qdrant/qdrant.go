// Package qdrant implements vectorstore.VectorStore over Qdrant's gRPC API.
// Adapted from the reference repo's engine/semantic.VectorStore: same
// PointsClient/CollectionsClient wiring, but point IDs are derived from the
// pipeline's 16-hex-char chunk keys (store.ChunkKey) instead of carrying a
// caller-supplied UUID, since every chunk key is already a 64-bit value.
package qdrant

import (
	"context"
	"fmt"
	"strconv"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/archivesum/pipeline/errs"
	"github.com/archivesum/pipeline/vectorstore"
)

// pointsClient and collectionsClient narrow pb.PointsClient/pb.CollectionsClient
// down to the handful of RPCs this driver calls, the same testing-seam
// narrowing store/graphdoc applies to neo4j.SessionWithContext.
type pointsClient interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
}

type collectionsClient interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Get(ctx context.Context, in *pb.GetCollectionInfoRequest, opts ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// Store is the sole owner of all Qdrant operations for one collection.
type Store struct {
	conn        *grpc.ClientConn
	points      pointsClient
	collections collectionsClient
	collection  string
}

// New creates a Store connected to Qdrant at the given gRPC address.
func New(addr, collection string) (*Store, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant: dial %s: %w", addr, err)
	}
	return &Store{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

// NewWithClients wraps already-constructed clients, for testing.
func NewWithClients(points pointsClient, collections collectionsClient, collection string) *Store {
	return &Store{points: points, collections: collections, collection: collection}
}

// Close closes the underlying gRPC connection, if any (NewWithClients
// constructs a Store with no connection to close).
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// pointID converts a 16-hex-char chunk key into a numeric Qdrant point ID.
// store.ChunkKey truncates a SHA-256 digest to 16 hex chars, exactly 64
// bits, so the conversion is lossless and deterministic both ways.
func pointID(id string) (uint64, error) {
	n, err := strconv.ParseUint(id, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("qdrant: id %q is not a 16-hex-char chunk key: %w", id, err)
	}
	return n, nil
}

func idToKey(n uint64) string {
	return fmt.Sprintf("%016x", n)
}

// EnsureCollection creates the collection with the given dimension if it
// doesn't exist. If it already exists with a different vector size, that is
// a fatal configuration error (spec §4.3) — dimensions never change under a
// live collection.
func (s *Store) EnsureCollection(ctx context.Context, dimension int) error {
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return errs.Transient("qdrant.ensure_collection", fmt.Errorf("list collections: %w", err))
	}

	for _, c := range list.GetCollections() {
		if c.GetName() != s.collection {
			continue
		}
		info, err := s.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: s.collection})
		if err != nil {
			return errs.Transient("qdrant.ensure_collection", fmt.Errorf("get collection info: %w", err))
		}
		existing := info.GetResult().GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()
		if existing != uint64(dimension) {
			return errs.Permanent("qdrant.ensure_collection",
				fmt.Errorf("%w: collection %s has dimension %d, want %d",
					errs.ErrDimensionMismatch, s.collection, existing, dimension))
		}
		return nil
	}

	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dimension),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return errs.Transient("qdrant.ensure_collection", fmt.Errorf("create collection %s: %w", s.collection, err))
	}
	return nil
}

func toPBValue(v any) *pb.Value {
	switch tv := v.(type) {
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
	default:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
	}
}

// Upsert stores vectors for ids with payloads. Called by the embed stage
// before it flags a chunk embedding_generated=true (spec §4.6.4's
// vector-then-flag ordering invariant).
func (s *Store) Upsert(ctx context.Context, ids []string, vectors [][]float32, payloads []map[string]any) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(vectors) || len(ids) != len(payloads) {
		return errs.Permanent("qdrant.upsert", fmt.Errorf("ids/vectors/payloads length mismatch"))
	}

	points := make([]*pb.PointStruct, len(ids))
	for i, id := range ids {
		n, err := pointID(id)
		if err != nil {
			return errs.Permanent("qdrant.upsert", err)
		}
		payload := make(map[string]*pb.Value, len(payloads[i]))
		for k, v := range payloads[i] {
			payload[k] = toPBValue(v)
		}
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Num{Num: n}},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vectors[i]}},
			},
			Payload: payload,
		}
	}

	wait := true
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return errs.Transient("qdrant.upsert", fmt.Errorf("upsert %d points: %w", len(points), err))
	}
	return nil
}

// fromPBValue decodes a Qdrant payload value back to its Go kind, the
// inverse of toPBValue. Search results must round-trip int/float/bool
// payload fields (e.g. token_count) as their original kind, not strings,
// or every numeric field read back out of a search result is zeroed.
func fromPBValue(v *pb.Value) any {
	switch k := v.GetKind().(type) {
	case *pb.Value_StringValue:
		return k.StringValue
	case *pb.Value_IntegerValue:
		return int(k.IntegerValue)
	case *pb.Value_DoubleValue:
		return k.DoubleValue
	case *pb.Value_BoolValue:
		return k.BoolValue
	default:
		return nil
	}
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}

// Query performs k-NN similarity search, optionally filtered by exact-match
// payload fields. Used by the orchestrate stage to assemble retrieval
// context (spec §4.6.5).
func (s *Store) Query(ctx context.Context, vector []float32, topK int, filter map[string]string) ([]vectorstore.SearchResult, error) {
	req := &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if len(filter) > 0 {
		must := make([]*pb.Condition, 0, len(filter))
		for k, v := range filter {
			must = append(must, fieldMatch(k, v))
		}
		req.Filter = &pb.Filter{Must: must}
	}

	resp, err := s.points.Search(ctx, req)
	if err != nil {
		return nil, errs.Transient("qdrant.query", fmt.Errorf("search: %w", err))
	}

	results := make([]vectorstore.SearchResult, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		payload := make(map[string]any, len(r.GetPayload()))
		for k, v := range r.GetPayload() {
			payload[k] = fromPBValue(v)
		}
		results[i] = vectorstore.SearchResult{
			ID:      idToKey(r.GetId().GetNum()),
			Score:   r.GetScore(),
			Payload: payload,
		}
	}
	return results, nil
}

// Delete removes the vector for id. Used only by explicit retention jobs,
// never on the pipeline path (spec §4.2's delete restriction applies here
// too).
func (s *Store) Delete(ctx context.Context, id string) error {
	n, err := pointID(id)
	if err != nil {
		return errs.Permanent("qdrant.delete", err)
	}
	wait := true
	_, err = s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: []*pb.PointId{{PointIdOptions: &pb.PointId_Num{Num: n}}}},
			},
		},
	})
	if err != nil {
		return errs.Transient("qdrant.delete", fmt.Errorf("delete %s: %w", id, err))
	}
	return nil
}

// Count returns the number of vectors currently stored in the collection.
func (s *Store) Count(ctx context.Context) (uint64, error) {
	exact := true
	resp, err := s.points.Count(ctx, &pb.CountPoints{CollectionName: s.collection, Exact: &exact})
	if err != nil {
		return 0, errs.Transient("qdrant.count", fmt.Errorf("count: %w", err))
	}
	return resp.GetResult().GetCount(), nil
}

var _ vectorstore.VectorStore = (*Store)(nil)
