package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/modelrelay/modelrelay/pkg/embedders"
	"github.com/modelrelay/modelrelay/pkg/logger"
	"github.com/modelrelay/modelrelay/pkg/protocol"
	"github.com/modelrelay/modelrelay/pkg/registry"
	"github.com/modelrelay/modelrelay/pkg/vector"
)

const defaultToolRetrievalTopK = 5

// Discovery assembles the tool surface for one call from the registry
// and the call spec.
type Discovery struct {
	registry *registry.Facade
	log      *logger.Logger
}

// NewDiscovery creates a discovery bound to a registry façade.
func NewDiscovery(reg *registry.Facade) *Discovery {
	return &Discovery{registry: reg, log: logger.Adapter()}
}

// Collection is the per-call tool surface: the executable coordinator,
// the sanitized wire declarations, and the sanitized-to-original alias
// map.
type Collection struct {
	Coordinator *Coordinator

	log          *logger.Logger
	declarations []protocol.Tool
	aliases      map[string]string
	seen         map[string]bool
}

func newCollection() *Collection {
	return &Collection{
		Coordinator: NewCoordinator(),
		log:         logger.Adapter(),
		aliases:     make(map[string]string),
		seen:        make(map[string]bool),
	}
}

// Declarations returns the wire tool declarations in discovery order.
// Every name is sanitized.
func (c *Collection) Declarations() []protocol.Tool {
	return c.declarations
}

// Aliases returns the sanitized-to-original name map. Clean names are
// omitted.
func (c *Collection) Aliases() map[string]string {
	out := make(map[string]string, len(c.aliases))
	for k, v := range c.aliases {
		out[k] = v
	}
	return out
}

// ResolveName maps a provider-returned tool name back to the original.
// An empty name resolves to "unknown".
func (c *Collection) ResolveName(name string) string {
	if original, ok := c.aliases[name]; ok {
		return original
	}
	if name == "" {
		return "unknown"
	}
	return name
}

// Execute un-maps the alias and routes the call through the coordinator.
func (c *Collection) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	return c.Coordinator.Execute(ctx, c.ResolveName(name), args)
}

// Close releases the underlying coordinator and its sources.
func (c *Collection) Close() error {
	return c.Coordinator.Close()
}

func (c *Collection) declare(name, description string, schema map[string]any) {
	sanitized := SanitizeName(name)
	if c.seen[sanitized] {
		c.log.Warn("duplicate tool declaration skipped", "name", name, "sanitized", sanitized)
		return
	}
	c.seen[sanitized] = true
	if sanitized != name {
		c.aliases[sanitized] = name
	}
	c.declarations = append(c.declarations, protocol.Tool{
		Name:        sanitized,
		Description: description,
		Parameters:  schema,
	})
}

// Collect builds the tool surface in declaration order: the spec's
// inline tools, registry function tools, MCP server tools, vector
// retrieved tools, then any synthetic extras. Inline tools are
// declaration-only; invoking one without a same-named executable is a
// tool execution failure.
func (d *Discovery) Collect(ctx context.Context, spec *protocol.CallSpec, extras ...Tool) (*Collection, error) {
	col := newCollection()

	for _, t := range spec.Tools {
		col.declare(t.Name, t.Description, t.Parameters)
	}

	if len(spec.FunctionToolNames) > 0 {
		manifests, err := d.registry.GetTools(spec.FunctionToolNames)
		if err != nil {
			col.Close()
			return nil, err
		}
		for _, manifest := range manifests {
			tool, err := NewFunctionTool(manifest)
			if err != nil {
				col.Close()
				return nil, err
			}
			col.Coordinator.Add(tool)
			col.declare(tool.Name(), tool.Description(), tool.Schema())
		}
	}

	if len(spec.MCPServers) > 0 {
		manifests, err := d.registry.GetMCPServers(spec.MCPServers)
		if err != nil {
			col.Close()
			return nil, err
		}
		for _, manifest := range manifests {
			listed, err := col.Coordinator.AddSource(ctx, NewMCPSource(manifest))
			if err != nil {
				col.Close()
				return nil, err
			}
			for _, tool := range listed {
				col.declare(tool.Name(), tool.Description(), tool.Schema())
			}
		}
	}

	if len(spec.VectorPriority) > 0 {
		if query := deriveVectorQuery(spec); query != "" {
			for _, tool := range d.retrieveTools(ctx, spec, query) {
				col.Coordinator.Add(tool)
				col.declare(tool.Name(), tool.Description(), tool.Schema())
			}
		}
	}

	for _, tool := range extras {
		col.Coordinator.Add(tool)
		col.declare(tool.Name(), tool.Description(), tool.Schema())
	}

	return col, nil
}

// deriveVectorQuery picks the retrieval query: the explicit override,
// else the latest user message's text, else none.
func deriveVectorQuery(spec *protocol.CallSpec) string {
	if spec.VectorContext != nil {
		if q := strings.TrimSpace(spec.VectorContext.OverrideEmbeddingQuery); q != "" {
			return q
		}
	}
	return strings.TrimSpace(spec.LatestUserText())
}

// retrieveTools searches the priority stores for tool definitions that
// match the query. Retrieval failures never fail the call; the surface
// just omits the retrieved tools.
func (d *Discovery) retrieveTools(ctx context.Context, spec *protocol.CallSpec, query string) []Tool {
	vec, err := d.embedQuery(ctx, spec, query)
	if err != nil {
		d.log.Warn("tool retrieval skipped, embedding failed", "error", err)
		return nil
	}

	topK := defaultToolRetrievalTopK
	if spec.VectorContext != nil && spec.VectorContext.TopK > 0 {
		topK = spec.VectorContext.TopK
	}

	for _, storeID := range spec.VectorPriority {
		manifest, err := d.registry.GetVectorStore(storeID)
		if err != nil {
			d.log.Warn("tool retrieval skipped for store", "store", storeID, "error", err)
			continue
		}
		store, err := vector.New(manifest)
		if err != nil {
			d.log.Warn("tool retrieval skipped for store", "store", storeID, "error", err)
			continue
		}
		results, err := store.Query(ctx, "", vec, topK, vector.QueryOptions{})
		store.Close()
		if err != nil {
			d.log.Warn("tool retrieval query failed", "store", storeID, "error", err)
			continue
		}
		if tools := d.toolsFromResults(results); len(tools) > 0 {
			return tools
		}
	}
	return nil
}

func (d *Discovery) embedQuery(ctx context.Context, spec *protocol.CallSpec, query string) ([]float32, error) {
	var manifest *registry.EmbedderManifest
	var err error
	if spec.VectorContext != nil && len(spec.VectorContext.EmbeddingPriority) > 0 {
		for _, id := range spec.VectorContext.EmbeddingPriority {
			manifest, err = d.registry.GetEmbeddingProvider(id)
			if err == nil {
				break
			}
		}
		if manifest == nil {
			return nil, err
		}
	} else {
		manifest, err = d.registry.FirstEmbedder()
		if err != nil {
			return nil, err
		}
	}

	embedder, err := embedders.New(manifest)
	if err != nil {
		return nil, err
	}
	defer embedder.Close()

	vecs, err := embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, protocol.NewError(protocol.ErrInternal, "embedder %s returned no vectors", manifest.ID)
	}
	return vecs[0], nil
}

func (d *Discovery) toolsFromResults(results []vector.Result) []Tool {
	var out []Tool
	for _, r := range results {
		name, _ := r.Payload["name"].(string)
		if name == "" {
			continue
		}
		description, _ := r.Payload["description"].(string)
		out = append(out, &retrievedTool{
			registry:    d.registry,
			name:        name,
			description: description,
			schema:      parseSchemaPayload(r.Payload["parameters"]),
		})
	}
	return out
}

// parseSchemaPayload accepts a schema stored either as a map or as a
// JSON string, which is how string-valued payload stores keep it.
func parseSchemaPayload(raw any) map[string]any {
	switch v := raw.(type) {
	case map[string]any:
		return v
	case string:
		var out map[string]any
		if err := json.Unmarshal([]byte(v), &out); err == nil {
			return out
		}
	}
	return nil
}

// retrievedTool is a vector-indexed pointer to a registry function
// tool. The executable binds lazily at invocation time.
type retrievedTool struct {
	registry    *registry.Facade
	name        string
	description string
	schema      map[string]any
}

func (t *retrievedTool) Name() string           { return t.name }
func (t *retrievedTool) Description() string    { return t.description }
func (t *retrievedTool) Schema() map[string]any { return t.schema }

func (t *retrievedTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	manifest, err := t.registry.GetTool(t.name)
	if err != nil {
		return nil, err
	}
	tool, err := NewFunctionTool(manifest)
	if err != nil {
		return nil, err
	}
	return tool.Execute(ctx, args)
}
