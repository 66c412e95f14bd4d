package vector

import (
	"context"
	"fmt"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/modelrelay/modelrelay/pkg/logger"
	"github.com/modelrelay/modelrelay/pkg/registry"
)

// pineconeStore queries a Pinecone index. Collections map to indexes;
// the manifest namespace scopes all queries.
type pineconeStore struct {
	id         string
	collection string
	namespace  string
	indexHost  string
	client     *pinecone.Client
	log        *logger.Logger
}

func newPineconeStore(manifest *registry.VectorStoreManifest) (*pineconeStore, error) {
	if manifest.APIKey == "" {
		return nil, fmt.Errorf("pinecone store %q requires an api key", manifest.ID)
	}

	params := pinecone.NewClientParams{ApiKey: manifest.APIKey}
	if manifest.Host != "" {
		params.Host = manifest.Host
	}
	client, err := pinecone.NewClient(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create pinecone client: %w", err)
	}

	return &pineconeStore{
		id:         manifest.ID,
		collection: manifest.Collection,
		namespace:  manifest.Namespace,
		indexHost:  manifest.IndexHost,
		client:     client,
		log:        logger.Vector(),
	}, nil
}

func (s *pineconeStore) ID() string                { return s.id }
func (s *pineconeStore) DefaultCollection() string { return s.collection }
func (s *pineconeStore) Close() error              { return nil }

func (s *pineconeStore) connect(ctx context.Context, index string) (*pinecone.IndexConnection, error) {
	host := s.indexHost
	if host == "" {
		described, err := s.client.DescribeIndex(ctx, index)
		if err != nil {
			return nil, fmt.Errorf("failed to describe index %s: %w", index, err)
		}
		host = described.Host
	}

	conn, err := s.client.Index(pinecone.NewIndexConnParams{
		Host:      host,
		Namespace: s.namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to index %s: %w", index, err)
	}
	return conn, nil
}

func (s *pineconeStore) Query(ctx context.Context, collection string, vector []float32, topK int, opts QueryOptions) ([]Result, error) {
	index := collection
	if index == "" {
		index = s.collection
	}

	conn, err := s.connect(ctx, index)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var filter *pinecone.MetadataFilter
	if len(opts.Filter) > 0 {
		filter, err = structpb.NewStruct(opts.Filter)
		if err != nil {
			return nil, fmt.Errorf("failed to convert filter: %w", err)
		}
	}

	s.log.Debug("pinecone query", "store", s.id, "index", index, "top_k", topK)

	response, err := conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          vector,
		TopK:            uint32(topK),
		MetadataFilter:  filter,
		IncludeMetadata: true,
		IncludeValues:   opts.IncludeVector,
	})
	if err != nil {
		return nil, fmt.Errorf("pinecone query failed: %w", err)
	}

	results := make([]Result, 0, len(response.Matches))
	for _, match := range response.Matches {
		if match.Vector == nil {
			continue
		}
		payload := make(map[string]any)
		if match.Vector.Metadata != nil {
			for k, v := range match.Vector.Metadata.AsMap() {
				payload[k] = v
			}
		}
		results = append(results, Result{
			ID:      match.Vector.Id,
			Score:   match.Score,
			Content: contentFromPayload(payload),
			Payload: payload,
			Vector:  match.Vector.Values,
		})
	}
	return results, nil
}
