package vector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/modelrelay/modelrelay/pkg/logger"
	"github.com/modelrelay/modelrelay/pkg/registry"
)

// chromemStore is the embedded zero-dependency backend. Vectors live in
// memory, persisted under the manifest path when one is set.
type chromemStore struct {
	id         string
	collection string
	db         *chromem.DB
	log        *logger.Logger

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

func newChromemStore(manifest *registry.VectorStoreManifest) (*chromemStore, error) {
	store := &chromemStore{
		id:          manifest.ID,
		collection:  manifest.Collection,
		collections: make(map[string]*chromem.Collection),
		log:         logger.Vector(),
	}

	if manifest.Path == "" {
		store.db = chromem.NewDB()
		return store, nil
	}

	if err := os.MkdirAll(manifest.Path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create persist directory: %w", err)
	}
	db, err := chromem.NewPersistentDB(filepath.Join(manifest.Path, "vectors"), false)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector database: %w", err)
	}
	store.db = db
	return store, nil
}

func (s *chromemStore) ID() string                { return s.id }
func (s *chromemStore) DefaultCollection() string { return s.collection }

// Close is a no-op; the persistent DB writes through on every change.
func (s *chromemStore) Close() error { return nil }

// Vectors arrive pre-computed, so the embedding hook must never run.
func rejectEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("vectors must be pre-computed")
}

func (s *chromemStore) getCollection(name string) (*chromem.Collection, error) {
	s.mu.RLock()
	if col, ok := s.collections[name]; ok {
		s.mu.RUnlock()
		return col, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[name]; ok {
		return col, nil
	}
	col, err := s.db.GetOrCreateCollection(name, nil, rejectEmbedding)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %q: %w", name, err)
	}
	s.collections[name] = col
	return col, nil
}

// Upsert stores a pre-computed vector. Used by ingestion tooling and
// tests; retrieval only needs Query.
func (s *chromemStore) Upsert(ctx context.Context, collection, id string, vector []float32, payload map[string]any) error {
	if collection == "" {
		collection = s.collection
	}
	col, err := s.getCollection(collection)
	if err != nil {
		return err
	}

	metadata := make(map[string]string, len(payload))
	for k, v := range payload {
		metadata[k] = fmt.Sprint(v)
	}
	doc := chromem.Document{
		ID:        id,
		Content:   contentFromPayload(payload),
		Metadata:  metadata,
		Embedding: vector,
	}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	return nil
}

func (s *chromemStore) Query(ctx context.Context, collection string, vector []float32, topK int, opts QueryOptions) ([]Result, error) {
	if collection == "" {
		collection = s.collection
	}
	col, err := s.getCollection(collection)
	if err != nil {
		return nil, err
	}

	// chromem errors when asked for more results than documents exist.
	if count := col.Count(); topK > count {
		topK = count
	}
	if topK == 0 {
		return nil, nil
	}

	var where map[string]string
	if len(opts.Filter) > 0 {
		where = make(map[string]string, len(opts.Filter))
		for k, v := range opts.Filter {
			where[k] = fmt.Sprint(v)
		}
	}

	s.log.Debug("chromem query", "store", s.id, "collection", collection, "top_k", topK)

	hits, err := col.QueryEmbedding(ctx, vector, topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem search failed: %w", err)
	}

	out := make([]Result, 0, len(hits))
	for _, hit := range hits {
		payload := make(map[string]any, len(hit.Metadata)+1)
		for k, v := range hit.Metadata {
			payload[k] = v
		}
		if hit.Content != "" {
			payload["content"] = hit.Content
		}
		result := Result{
			ID:      hit.ID,
			Score:   hit.Similarity,
			Content: hit.Content,
			Payload: payload,
		}
		if opts.IncludeVector {
			result.Vector = hit.Embedding
		}
		out = append(out, result)
	}
	return out, nil
}
