package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/modelrelay/modelrelay/pkg/config"
	"github.com/modelrelay/modelrelay/pkg/logger"
	"github.com/modelrelay/modelrelay/pkg/protocol"
)

func errMissingField(kind, field string) error {
	return fmt.Errorf("%s manifest missing %s", kind, field)
}

func errBadField(kind, field, value string) error {
	return fmt.Errorf("%s manifest has invalid %s %q", kind, field, value)
}

// Facade exposes plugin-loaded entities by name. Loading is lazy and
// idempotent; lookups before LoadAll trigger a load.
type Facade struct {
	dir string
	log *logger.Logger

	loadOnce sync.Once

	providers *BaseRegistry[*ProviderManifest]
	tools     *BaseRegistry[*FunctionToolManifest]
	mcp       *BaseRegistry[*MCPServerManifest]
	stores    *BaseRegistry[*VectorStoreManifest]
	embedders *BaseRegistry[*EmbedderManifest]
	compats   *BaseRegistry[*CompatManifest]

	routesMu sync.RWMutex
	routes   []*ProcessRoute
}

// New creates a façade over a plugins directory.
func New(dir string) *Facade {
	f := &Facade{
		dir:       dir,
		log:       logger.Adapter(),
		providers: NewBaseRegistry[*ProviderManifest](),
		tools:     NewBaseRegistry[*FunctionToolManifest](),
		mcp:       NewBaseRegistry[*MCPServerManifest](),
		stores:    NewBaseRegistry[*VectorStoreManifest](),
		embedders: NewBaseRegistry[*EmbedderManifest](),
		compats:   NewBaseRegistry[*CompatManifest](),
	}
	f.registerBuiltinCompats()
	return f
}

// Dir returns the plugins directory the façade loads from.
func (f *Facade) Dir() string { return f.dir }

func (f *Facade) registerBuiltinCompats() {
	builtins := []*CompatManifest{
		{Name: "openai", Shape: CompatShapeHTTP, Family: "chat_completions"},
		{Name: "openai_responses", Shape: CompatShapeHTTP, Family: "responses"},
		{Name: "anthropic", Shape: CompatShapeHTTP, Family: "messages"},
		{Name: "gemini", Shape: CompatShapeSDK, Family: "genai"},
	}
	for _, c := range builtins {
		_ = f.compats.Register(c.Name, c)
	}
}

// LoadAll reads every manifest file under the plugins directory.
// Idempotent; the first call wins. Invalid files and invalid entries
// are skipped with a warning, loading of the rest proceeds. A missing
// directory yields an empty registry.
func (f *Facade) LoadAll() error {
	f.loadOnce.Do(f.load)
	return nil
}

func (f *Facade) load() {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if os.IsNotExist(err) {
			f.log.Warn("plugins directory missing, registry is empty", "dir", f.dir)
			return
		}
		f.log.Warn("failed to read plugins directory", "dir", f.dir, "error", err)
		return
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			files = append(files, name)
		}
	}
	// Deterministic order so first-file-wins is stable.
	sort.Strings(files)

	for _, name := range files {
		path := filepath.Join(f.dir, name)
		if err := f.loadFile(path); err != nil {
			f.log.Warn("skipping invalid manifest file", "path", path, "error", err)
		}
	}
}

func (f *Facade) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var manifest Manifest
	expanded := config.ExpandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &manifest); err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}

	for _, p := range manifest.Providers {
		registerEntry(f, path, "provider", p.ID, p, p.Validate, f.providers)
	}
	for _, t := range manifest.FunctionTools {
		registerEntry(f, path, "function_tool", t.Name, t, t.Validate, f.tools)
	}
	for _, s := range manifest.MCPServers {
		registerEntry(f, path, "mcp_server", s.ID, s, s.Validate, f.mcp)
	}
	for _, s := range manifest.VectorStores {
		registerEntry(f, path, "vector_store", s.ID, s, s.Validate, f.stores)
	}
	for _, e := range manifest.Embedders {
		registerEntry(f, path, "embedder", e.ID, e, e.Validate, f.embedders)
	}
	for _, c := range manifest.Compats {
		registerEntry(f, path, "compat", c.Name, c, c.Validate, f.compats)
	}
	for _, r := range manifest.ProcessRoutes {
		if err := r.Validate(); err != nil {
			f.log.Warn("skipping invalid manifest entry", "path", path, "error", err)
			continue
		}
		f.routesMu.Lock()
		f.routes = append(f.routes, r)
		f.routesMu.Unlock()
	}
	return nil
}

func registerEntry[T any](f *Facade, path, kind, name string, item T, validate func() error, reg *BaseRegistry[T]) {
	if err := validate(); err != nil {
		f.log.Warn("skipping invalid manifest entry", "path", path, "kind", kind, "error", err)
		return
	}
	if err := reg.Register(name, item); err != nil {
		// First file wins on duplicates.
		f.log.Debug("duplicate manifest entry ignored", "path", path, "kind", kind, "name", name)
	}
}

// GetProvider returns the provider manifest registered under id.
func (f *Facade) GetProvider(id string) (*ProviderManifest, error) {
	return facadeGet(f, f.providers, "provider", id)
}

// GetTool returns the function tool manifest registered under name.
func (f *Facade) GetTool(name string) (*FunctionToolManifest, error) {
	return facadeGet(f, f.tools, "function tool", name)
}

// GetTools resolves a list of function tool names; any miss fails the
// whole lookup.
func (f *Facade) GetTools(names []string) ([]*FunctionToolManifest, error) {
	out := make([]*FunctionToolManifest, 0, len(names))
	for _, name := range names {
		t, err := f.GetTool(name)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// GetMCPServer returns the MCP server manifest registered under id.
func (f *Facade) GetMCPServer(id string) (*MCPServerManifest, error) {
	return facadeGet(f, f.mcp, "MCP server", id)
}

// GetMCPServers resolves a list of MCP server ids; any miss fails the
// whole lookup.
func (f *Facade) GetMCPServers(ids []string) ([]*MCPServerManifest, error) {
	out := make([]*MCPServerManifest, 0, len(ids))
	for _, id := range ids {
		s, err := f.GetMCPServer(id)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// GetVectorStore returns the vector store manifest registered under id.
func (f *Facade) GetVectorStore(id string) (*VectorStoreManifest, error) {
	return facadeGet(f, f.stores, "vector store", id)
}

// GetVectorStoreCompat returns the driver type for a vector store.
func (f *Facade) GetVectorStoreCompat(id string) (string, error) {
	s, err := f.GetVectorStore(id)
	if err != nil {
		return "", err
	}
	return s.Type, nil
}

// GetEmbeddingProvider returns the embedder manifest registered under id.
func (f *Facade) GetEmbeddingProvider(id string) (*EmbedderManifest, error) {
	return facadeGet(f, f.embedders, "embedding provider", id)
}

// GetEmbeddingCompat returns the driver type for an embedder.
func (f *Facade) GetEmbeddingCompat(id string) (string, error) {
	e, err := f.GetEmbeddingProvider(id)
	if err != nil {
		return "", err
	}
	return e.Type, nil
}

// GetCompatModule returns the compat descriptor registered under name.
func (f *Facade) GetCompatModule(name string) (*CompatManifest, error) {
	return facadeGet(f, f.compats, "compat module", name)
}

// FirstEmbedder returns the first configured embedder, used when a call
// spec does not name an embedding priority.
func (f *Facade) FirstEmbedder() (*EmbedderManifest, error) {
	_ = f.LoadAll()
	names := f.embedders.Names()
	if len(names) == 0 {
		return nil, protocol.NewError(protocol.ErrManifest, "no embedding providers configured")
	}
	e, _ := f.embedders.Get(names[0])
	return e, nil
}

// GetProcessRoutes returns all loaded process routes in file order.
func (f *Facade) GetProcessRoutes() []*ProcessRoute {
	_ = f.LoadAll()
	f.routesMu.RLock()
	defer f.routesMu.RUnlock()
	out := make([]*ProcessRoute, len(f.routes))
	copy(out, f.routes)
	return out
}

func facadeGet[T any](f *Facade, reg *BaseRegistry[T], kind, name string) (T, error) {
	_ = f.LoadAll()
	item, ok := reg.Get(name)
	if !ok {
		var zero T
		return zero, protocol.NewError(protocol.ErrManifest, "%s %q is not registered", kind, name)
	}
	return item, nil
}
