package vector

import (
	"testing"

	"github.com/modelrelay/modelrelay/pkg/registry"
)

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New(&registry.VectorStoreManifest{ID: "x", Type: "faiss"})
	if err == nil {
		t.Fatal("expected error for unknown store type")
	}
}

func TestPineconeRequiresAPIKey(t *testing.T) {
	_, err := New(&registry.VectorStoreManifest{ID: "x", Type: "pinecone"})
	if err == nil {
		t.Fatal("expected error for missing api key")
	}
}

func newSeededChromem(t *testing.T) *chromemStore {
	t.Helper()
	store, err := newChromemStore(&registry.VectorStoreManifest{
		ID: "docs", Type: "chromem", Collection: "default",
	})
	if err != nil {
		t.Fatal(err)
	}
	docs := []struct {
		id      string
		vector  []float32
		payload map[string]any
	}{
		{"a", []float32{1, 0, 0}, map[string]any{"content": "alpha doc", "lang": "en"}},
		{"b", []float32{0, 1, 0}, map[string]any{"content": "beta doc", "lang": "en"}},
		{"c", []float32{0.9, 0.1, 0}, map[string]any{"content": "gamma doc", "lang": "de"}},
	}
	for _, d := range docs {
		if err := store.Upsert(t.Context(), "", d.id, d.vector, d.payload); err != nil {
			t.Fatal(err)
		}
	}
	return store
}

func TestChromemQueryRanksBySimilarity(t *testing.T) {
	store := newSeededChromem(t)

	results, err := store.Query(t.Context(), "", []float32{1, 0, 0}, 2, QueryOptions{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
	if results[0].ID != "a" {
		t.Errorf("top hit = %q, want a", results[0].ID)
	}
	if results[0].Score < results[1].Score {
		t.Errorf("results not ordered by score: %v", results)
	}
	if results[0].Content != "alpha doc" {
		t.Errorf("content = %q", results[0].Content)
	}
}

func TestChromemQueryAppliesFilter(t *testing.T) {
	store := newSeededChromem(t)

	results, err := store.Query(t.Context(), "", []float32{1, 0, 0}, 3, QueryOptions{
		Filter: map[string]any{"lang": "de"},
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(results) != 1 || results[0].ID != "c" {
		t.Errorf("filtered results = %+v", results)
	}
}

func TestChromemQueryCapsTopKAtDocumentCount(t *testing.T) {
	store := newSeededChromem(t)

	results, err := store.Query(t.Context(), "", []float32{1, 0, 0}, 50, QueryOptions{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(results) != 3 {
		t.Errorf("results = %d, want 3", len(results))
	}
}

func TestChromemEmptyCollectionReturnsNothing(t *testing.T) {
	store, err := newChromemStore(&registry.VectorStoreManifest{
		ID: "empty", Type: "chromem", Collection: "default",
	})
	if err != nil {
		t.Fatal(err)
	}
	results, err := store.Query(t.Context(), "", []float32{1, 0, 0}, 5, QueryOptions{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %+v", results)
	}
}

func TestChromemPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	manifest := &registry.VectorStoreManifest{
		ID: "docs", Type: "chromem", Collection: "default", Path: dir,
	}

	store, err := newChromemStore(manifest)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Upsert(t.Context(), "", "a", []float32{1, 0}, map[string]any{"content": "persisted"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := newChromemStore(manifest)
	if err != nil {
		t.Fatal(err)
	}
	results, err := reopened.Query(t.Context(), "", []float32{1, 0}, 1, QueryOptions{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(results) != 1 || results[0].Content != "persisted" {
		t.Errorf("results = %+v", results)
	}
}
