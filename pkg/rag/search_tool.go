package rag

import (
	"context"
	"fmt"

	"github.com/modelrelay/modelrelay/pkg/embedders"
	"github.com/modelrelay/modelrelay/pkg/logger"
	"github.com/modelrelay/modelrelay/pkg/protocol"
	"github.com/modelrelay/modelrelay/pkg/registry"
	"github.com/modelrelay/modelrelay/pkg/vector"
)

// SearchToolName is the synthetic tool exposed when the vector context
// mode includes "tool".
const SearchToolName = "vector_search"

const defaultSearchToolDescription = "Search the configured vector stores for relevant context"

// canonicalParams are the tool's parameter names in schema order.
// query is always required; the rest are optional.
var canonicalParams = []string{"query", "topK", "store", "filter"}

var canonicalDescriptions = map[string]string{
	"query":  "Natural language search query",
	"topK":   "Maximum number of results to return",
	"store":  "Identifier of the vector store to search",
	"filter": "Metadata filter applied to the search",
}

var canonicalTypes = map[string]string{
	"query":  "string",
	"topK":   "integer",
	"store":  "string",
	"filter": "object",
}

// SearchTool executes vector_search invocations from the model. It
// satisfies the tool interface consumed by discovery.
type SearchTool struct {
	registry    *registry.Facade
	cfg         *protocol.VectorContextConfig
	description string
	schema      map[string]any
	// aliases maps exposed parameter names back to canonical ones.
	aliases map[string]string
	log     *logger.Logger

	newEmbedder func(*registry.EmbedderManifest) (embedders.Embedder, error)
	newStore    func(*registry.VectorStoreManifest) (vector.Store, error)
}

// NewSearchTool builds the synthetic tool from the call's vector
// context. Locked parameters are omitted from the schema; schema
// overrides may rename, re-describe, expose or hide the optional ones.
func NewSearchTool(reg *registry.Facade, cfg *protocol.VectorContextConfig) (*SearchTool, error) {
	schema, aliases, err := BuildSchema(cfg)
	if err != nil {
		return nil, err
	}

	description := defaultSearchToolDescription
	if cfg.ToolSchemaOverrides != nil && cfg.ToolSchemaOverrides.ToolDescription != "" {
		description = cfg.ToolSchemaOverrides.ToolDescription
	}

	return &SearchTool{
		registry:    reg,
		cfg:         cfg,
		description: description,
		schema:      schema,
		aliases:     aliases,
		log:         logger.Adapter(),
		newEmbedder: embedders.New,
		newStore:    vector.New,
	}, nil
}

func (t *SearchTool) Name() string           { return SearchToolName }
func (t *SearchTool) Description() string    { return t.description }
func (t *SearchTool) Schema() map[string]any { return t.schema }

// BuildSchema assembles the parameters schema, returning it with the
// exposed-to-canonical alias map.
func BuildSchema(cfg *protocol.VectorContextConfig) (map[string]any, map[string]string, error) {
	var overrides protocol.ToolSchemaOverrides
	if cfg.ToolSchemaOverrides != nil {
		overrides = *cfg.ToolSchemaOverrides
	}

	hidden := make(map[string]bool)
	for _, name := range overrides.Hide {
		hidden[name] = true
	}
	for _, name := range overrides.Expose {
		hidden[name] = false
	}
	// Locked values are substituted at execution, never exposed.
	for name := range cfg.Locks {
		hidden[name] = true
	}
	hidden["query"] = false

	properties := make(map[string]any)
	aliases := make(map[string]string)
	for _, canonical := range canonicalParams {
		if hidden[canonical] {
			continue
		}
		exposed := canonical
		if renamed, ok := overrides.ParameterNames[canonical]; ok && renamed != "" {
			exposed = renamed
		}
		if _, taken := properties[exposed]; taken {
			return nil, nil, fmt.Errorf("duplicate exposed parameter name %q", exposed)
		}

		description := canonicalDescriptions[canonical]
		if d, ok := overrides.Descriptions[canonical]; ok {
			description = d
		}
		properties[exposed] = map[string]any{
			"type":        canonicalTypes[canonical],
			"description": description,
		}
		if exposed != canonical {
			aliases[exposed] = canonical
		}
	}

	queryName := "query"
	if renamed, ok := overrides.ParameterNames["query"]; ok && renamed != "" {
		queryName = renamed
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   []string{queryName},
	}
	return schema, aliases, nil
}

// Execute resolves parameters (defaults, then model arguments, then
// locks), embeds the query, and searches. Failures become
// {success:false, error} results rather than errors so the model can
// recover.
func (t *SearchTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	resolved := t.resolveParams(args)

	query, _ := resolved["query"].(string)
	if query == "" {
		return failure("query is required"), nil
	}

	storeID, _ := resolved["store"].(string)
	if storeID == "" {
		return failure("no vector store configured"), nil
	}
	manifest, err := t.registry.GetVectorStore(storeID)
	if err != nil {
		return failure(err.Error()), nil
	}
	store, err := t.newStore(manifest)
	if err != nil {
		return failure(err.Error()), nil
	}
	defer store.Close()

	// Locks and model arguments already resolved a collection when one
	// was given; the cfg/manifest/"default" chain is only a fallback.
	collection, _ := resolved["collection"].(string)
	if collection == "" {
		collection = t.cfg.Collection
	}
	if collection == "" {
		collection = manifest.Collection
	}
	if collection == "" {
		collection = "default"
	}
	resolved["collection"] = collection

	vec, err := embedQuery(ctx, t.registry, t.newEmbedder, t.cfg.EmbeddingPriority, query)
	if err != nil {
		return failure(err.Error()), nil
	}

	filter, _ := resolved["filter"].(map[string]any)
	results, err := store.Query(ctx, collection, vec, asTopK(resolved["topK"]), vector.QueryOptions{Filter: filter})
	if err != nil {
		return failure(err.Error()), nil
	}
	results = filterByScore(results, t.cfg.ScoreThreshold)

	t.log.Debug("vector_search executed",
		"store", storeID, "collection", collection, "results", len(results))
	return map[string]any{
		"success":         true,
		"results":         results,
		"effectiveParams": resolved,
		"query":           query,
	}, nil
}

// resolveParams layers config defaults, un-aliased model arguments, and
// locks, in ascending precedence.
func (t *SearchTool) resolveParams(args map[string]any) map[string]any {
	resolved := map[string]any{"topK": defaultTopK}
	if len(t.cfg.Stores) > 0 {
		resolved["store"] = t.cfg.Stores[0]
	}
	if t.cfg.TopK > 0 {
		resolved["topK"] = t.cfg.TopK
	}
	if len(t.cfg.Filter) > 0 {
		resolved["filter"] = t.cfg.Filter
	}

	for name, value := range args {
		if canonical, ok := t.aliases[name]; ok {
			name = canonical
		}
		resolved[name] = value
	}
	for name, value := range t.cfg.Locks {
		resolved[name] = value
	}
	return resolved
}

func asTopK(raw any) int {
	switch v := raw.(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return defaultTopK
}

func failure(message string) map[string]any {
	return map[string]any{"success": false, "error": message}
}
