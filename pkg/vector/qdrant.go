package vector

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"github.com/modelrelay/modelrelay/pkg/logger"
	"github.com/modelrelay/modelrelay/pkg/registry"
)

// qdrantStore queries a Qdrant instance over gRPC.
type qdrantStore struct {
	id         string
	collection string
	client     *qdrant.Client
	log        *logger.Logger
}

func newQdrantStore(manifest *registry.VectorStoreManifest) (*qdrantStore, error) {
	host := manifest.Host
	if host == "" {
		host = "localhost"
	}
	port := manifest.Port
	if port == 0 {
		port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: manifest.APIKey,
		UseTLS: manifest.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client for %s:%d: %w", host, port, err)
	}

	return &qdrantStore{
		id:         manifest.ID,
		collection: manifest.Collection,
		client:     client,
		log:        logger.Vector(),
	}, nil
}

func (s *qdrantStore) ID() string                { return s.id }
func (s *qdrantStore) DefaultCollection() string { return s.collection }
func (s *qdrantStore) Close() error              { return s.client.Close() }

func (s *qdrantStore) Query(ctx context.Context, collection string, vector []float32, topK int, opts QueryOptions) ([]Result, error) {
	if collection == "" {
		collection = s.collection
	}

	request := &qdrant.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(opts.IncludeVector),
	}
	if len(opts.Filter) > 0 {
		request.Filter = buildQdrantFilter(opts.Filter)
	}

	s.log.Debug("qdrant query", "store", s.id, "collection", collection, "top_k", topK)

	response, err := s.client.GetPointsClient().Search(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("qdrant search failed: %w", err)
	}
	return convertQdrantResults(response.Result), nil
}

func buildQdrantFilter(filter map[string]any) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, len(filter))
	for key, value := range filter {
		val, err := qdrant.NewValue(value)
		if err != nil {
			continue
		}
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: key,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{Keyword: val.GetStringValue()},
					},
				},
			},
		})
	}
	return &qdrant.Filter{Must: conditions}
}

func convertQdrantResults(points []*qdrant.ScoredPoint) []Result {
	results := make([]Result, 0, len(points))
	for _, point := range points {
		var id string
		if point.Id != nil {
			switch idType := point.Id.PointIdOptions.(type) {
			case *qdrant.PointId_Uuid:
				id = idType.Uuid
			case *qdrant.PointId_Num:
				id = fmt.Sprintf("%d", idType.Num)
			}
		}

		var vector []float32
		if point.Vectors != nil {
			if data := point.Vectors.GetVector(); data != nil {
				if dense, ok := data.Vector.(*qdrant.VectorOutput_Dense); ok && dense.Dense != nil {
					vector = dense.Dense.Data
				}
			}
		}

		payload := make(map[string]any, len(point.Payload))
		for key, value := range point.Payload {
			payload[key] = qdrantValueToAny(value)
		}

		results = append(results, Result{
			ID:      id,
			Score:   point.Score,
			Content: contentFromPayload(payload),
			Payload: payload,
			Vector:  vector,
		})
	}
	return results
}

func qdrantValueToAny(value *qdrant.Value) any {
	switch v := value.Kind.(type) {
	case *qdrant.Value_StringValue:
		return v.StringValue
	case *qdrant.Value_IntegerValue:
		return v.IntegerValue
	case *qdrant.Value_DoubleValue:
		return v.DoubleValue
	case *qdrant.Value_BoolValue:
		return v.BoolValue
	case *qdrant.Value_ListValue:
		if v.ListValue == nil {
			return nil
		}
		list := make([]any, len(v.ListValue.Values))
		for i, item := range v.ListValue.Values {
			list[i] = qdrantValueToAny(item)
		}
		return list
	default:
		return value
	}
}
