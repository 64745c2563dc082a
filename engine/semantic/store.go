// Package semantic provides the Qdrant-backed remote vector store. It is an
// alternative backend to the in-process flat index for deployments where the
// knowledge base outgrows a single process; the retriever talks to either
// through the same search contract.
package semantic

import (
	"context"
	"fmt"
	"strconv"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/SatchelAI/satchel-mvp/engine/domain"
	"github.com/SatchelAI/satchel-mvp/engine/index"
)

// Reserved payload keys; everything else round-trips through Meta.Extra.
const (
	keyText        = "text"
	keySourceID    = "source_id"
	keySourceType  = "source_type"
	keyURI         = "uri"
	keyTitle       = "title"
	keyChunkIndex  = "chunk_index"
	keyChunkOffset = "chunk_offset"
)

// Store is the sole owner of all Qdrant operations.
type Store struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
}

// New creates a Store connected to Qdrant at the given gRPC address.
func New(addr, collection string) (*Store, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	return &Store{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

// NewWithClients wires a Store from pre-built clients. Used in tests.
func NewWithClients(points pb.PointsClient, collections pb.CollectionsClient, collection string) *Store {
	return &Store{points: points, collections: collections, collection: collection}
}

// Close closes the underlying gRPC connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// EnsureCollection creates the collection if it doesn't exist. Cosine
// distance matches the flat index's inner product over normalized vectors.
func (s *Store) EnsureCollection(ctx context.Context, dims int) error {
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == s.collection {
			return nil
		}
	}

	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", s.collection, err)
	}
	return nil
}

// DeleteCollection deletes the collection.
func (s *Store) DeleteCollection(ctx context.Context) error {
	_, err := s.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: s.collection})
	if err != nil {
		return fmt.Errorf("semantic: delete collection %s: %w", s.collection, err)
	}
	return nil
}

// Upsert stores chunks with their vectors. Chunk IDs are the point IDs, so
// re-upserting the same chunk overwrites rather than duplicates.
func (s *Store) Upsert(ctx context.Context, chunks []domain.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("semantic: %d chunks with %d vectors", len(chunks), len(vectors))
	}
	if len(chunks) == 0 {
		return nil
	}

	points := make([]*pb.PointStruct, len(chunks))
	for i, c := range chunks {
		payload := map[string]*pb.Value{
			keyText:        stringValue(c.Text),
			keySourceID:    stringValue(c.Meta.SourceID),
			keySourceType:  stringValue(string(c.Meta.SourceType)),
			keyChunkIndex:  intValue(int64(c.Index)),
			keyChunkOffset: intValue(int64(c.Offset)),
		}
		if c.Meta.URI != "" {
			payload[keyURI] = stringValue(c.Meta.URI)
		}
		if c.Meta.Title != "" {
			payload[keyTitle] = stringValue(c.Meta.Title)
		}
		for k, v := range c.Meta.Extra {
			payload[k] = stringValue(v)
		}

		points[i] = &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: c.ID}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vectors[i]}}},
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
		return fmt.Errorf("semantic: upsert %d points: %w", len(chunks), err)
	}
	return nil
}

// DeleteBySource removes all points for a source ID. Used for re-ingestion.
func (s *Store) DeleteBySource(ctx context.Context, sourceID string) error {
	wait := true
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{Must: []*pb.Condition{fieldMatch(keySourceID, sourceID)}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: delete by source %s: %w", sourceID, err)
	}
	return nil
}

// Search performs k-NN similarity search with optional metadata filters,
// returning hits in the flat index's result shape.
func (s *Store) Search(ctx context.Context, vector []float32, k int, filters map[string]string) ([]index.Result, error) {
	req := &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         vector,
		Limit:          uint64(k),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if len(filters) > 0 {
		must := make([]*pb.Condition, 0, len(filters))
		for key, val := range filters {
			must = append(must, fieldMatch(key, val))
		}
		req.Filter = &pb.Filter{Must: must}
	}

	resp, err := s.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}

	results := make([]index.Result, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		results[i] = index.Result{
			Chunk: chunkFromPayload(r.GetId().GetUuid(), r.GetPayload()),
			Score: r.GetScore(),
		}
	}
	return results, nil
}

func chunkFromPayload(id string, payload map[string]*pb.Value) domain.Chunk {
	c := domain.Chunk{ID: id}
	for k, val := range payload {
		switch k {
		case keyText:
			c.Text = val.GetStringValue()
		case keySourceID:
			c.Meta.SourceID = val.GetStringValue()
		case keySourceType:
			c.Meta.SourceType = domain.SourceType(val.GetStringValue())
		case keyURI:
			c.Meta.URI = val.GetStringValue()
		case keyTitle:
			c.Meta.Title = val.GetStringValue()
		case keyChunkIndex:
			c.Index = int(intFromValue(val))
		case keyChunkOffset:
			c.Offset = int(intFromValue(val))
		default:
			if c.Meta.Extra == nil {
				c.Meta.Extra = make(map[string]string)
			}
			c.Meta.Extra[k] = val.GetStringValue()
		}
	}
	return c
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func intValue(n int64) *pb.Value {
	return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: n}}
}

func intFromValue(v *pb.Value) int64 {
	if n, ok := v.GetKind().(*pb.Value_IntegerValue); ok {
		return n.IntegerValue
	}
	n, _ := strconv.ParseInt(v.GetStringValue(), 10, 64)
	return n
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
