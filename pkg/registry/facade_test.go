package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/modelrelay/modelrelay/pkg/protocol"
)

func writeManifest(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFacadeLoadsManifests(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "main.yaml", `
providers:
  - id: openai
    compat: openai
    base_url: https://api.openai.com/v1
function_tools:
  - name: current_time
    handler: current_time
mcp_servers:
  - id: files
    command: mcp-files
vector_stores:
  - id: docs
    type: qdrant
    host: localhost
    collection: docs
embedders:
  - id: embed
    type: openai
    model: text-embedding-3-small
process_routes:
  - id: gpt
    model_prefix: gpt-
    provider: openai
`)

	f := New(dir)
	if err := f.LoadAll(); err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}

	p, err := f.GetProvider("openai")
	if err != nil || p.BaseURL != "https://api.openai.com/v1" {
		t.Errorf("GetProvider() = %+v, %v", p, err)
	}
	if _, err := f.GetTool("current_time"); err != nil {
		t.Errorf("GetTool() error = %v", err)
	}
	if _, err := f.GetMCPServer("files"); err != nil {
		t.Errorf("GetMCPServer() error = %v", err)
	}
	if compat, err := f.GetVectorStoreCompat("docs"); err != nil || compat != "qdrant" {
		t.Errorf("GetVectorStoreCompat() = %q, %v", compat, err)
	}
	if compat, err := f.GetEmbeddingCompat("embed"); err != nil || compat != "openai" {
		t.Errorf("GetEmbeddingCompat() = %q, %v", compat, err)
	}
	routes := f.GetProcessRoutes()
	if len(routes) != 1 || routes[0].ModelPrefix != "gpt-" {
		t.Errorf("GetProcessRoutes() = %+v", routes)
	}
}

func TestFacadeMissLooksLikeManifestError(t *testing.T) {
	f := New(t.TempDir())
	_, err := f.GetProvider("nope")
	if err == nil {
		t.Fatal("expected error for missing provider")
	}
	var ae *protocol.AdapterError
	if !errors.As(err, &ae) || ae.Code != protocol.ErrManifest {
		t.Errorf("error = %v, want manifest_error", err)
	}
}

func TestFacadeFirstFileWinsOnDuplicates(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "a.yaml", "providers:\n  - id: p\n    compat: openai\n")
	writeManifest(t, dir, "b.yaml", "providers:\n  - id: p\n    compat: anthropic\n")

	f := New(dir)
	p, err := f.GetProvider("p")
	if err != nil {
		t.Fatalf("GetProvider() error = %v", err)
	}
	if p.Compat != "openai" {
		t.Errorf("Compat = %q, want first file to win", p.Compat)
	}
}

func TestFacadeSkipsInvalidEntries(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "mixed.yaml", `
providers:
  - id: good
    compat: openai
  - id: bad
vector_stores:
  - id: odd
    type: unknown
`)
	writeManifest(t, dir, "broken.yaml", "providers: [not a mapping")

	f := New(dir)
	if _, err := f.GetProvider("good"); err != nil {
		t.Errorf("valid entry should load, got %v", err)
	}
	if _, err := f.GetProvider("bad"); err == nil {
		t.Error("invalid entry must be skipped")
	}
	if _, err := f.GetVectorStore("odd"); err == nil {
		t.Error("unknown store type must be skipped")
	}
}

func TestFacadeExpandsEnvVars(t *testing.T) {
	os.Setenv("TEST_REGISTRY_KEY", "sk-from-env")
	defer os.Unsetenv("TEST_REGISTRY_KEY")

	dir := t.TempDir()
	writeManifest(t, dir, "p.yaml", "providers:\n  - id: p\n    compat: openai\n    api_key: ${TEST_REGISTRY_KEY}\n")

	f := New(dir)
	p, err := f.GetProvider("p")
	if err != nil {
		t.Fatal(err)
	}
	if p.APIKey != "sk-from-env" {
		t.Errorf("APIKey = %q, want env expansion", p.APIKey)
	}
}

func TestFacadeBuiltinCompats(t *testing.T) {
	f := New(t.TempDir())
	for _, name := range []string{"openai", "openai_responses", "anthropic", "gemini"} {
		c, err := f.GetCompatModule(name)
		if err != nil {
			t.Errorf("GetCompatModule(%q) error = %v", name, err)
			continue
		}
		if name == "gemini" && c.Shape != CompatShapeSDK {
			t.Errorf("gemini shape = %q, want sdk", c.Shape)
		}
	}
}

func TestFacadeMissingDirIsEmpty(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "absent"))
	if err := f.LoadAll(); err != nil {
		t.Errorf("LoadAll() on missing dir should not fail, got %v", err)
	}
	if _, err := f.GetProvider("anything"); err == nil {
		t.Error("lookups against an empty registry must fail")
	}
}
