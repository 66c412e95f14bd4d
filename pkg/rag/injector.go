package rag

import (
	"context"
	"strings"

	"github.com/modelrelay/modelrelay/pkg/embedders"
	"github.com/modelrelay/modelrelay/pkg/logger"
	"github.com/modelrelay/modelrelay/pkg/protocol"
	"github.com/modelrelay/modelrelay/pkg/registry"
	"github.com/modelrelay/modelrelay/pkg/vector"
)

const defaultTopK = 5

// Injector rewrites a call spec's messages with retrieved context before
// the provider call. It never fails the request: any embedding or
// retrieval error leaves the messages unchanged.
type Injector struct {
	registry *registry.Facade
	log      *logger.Logger

	// Factories, swappable in tests.
	newEmbedder func(*registry.EmbedderManifest) (embedders.Embedder, error)
	newStore    func(*registry.VectorStoreManifest) (vector.Store, error)
}

// Report describes what one injection pass did.
type Report struct {
	ResultsInjected int
}

// NewInjector creates an injector bound to a registry façade.
func NewInjector(reg *registry.Facade) *Injector {
	return &Injector{
		registry:    reg,
		log:         logger.Adapter(),
		newEmbedder: embedders.New,
		newStore:    vector.New,
	}
}

// Inject runs the retrieval pass when the spec's vector context asks for
// automatic injection, mutating spec.Messages in place.
func (i *Injector) Inject(ctx context.Context, spec *protocol.CallSpec) Report {
	cfg := spec.VectorContext
	if !cfg.WantsInjection() || len(cfg.Stores) == 0 {
		return Report{}
	}

	query := BuildQuery(spec)
	if query == "" {
		i.log.Debug("vector injection skipped, empty query")
		return Report{}
	}

	results, err := i.retrieve(ctx, cfg, query)
	if err != nil {
		i.log.Warn("vector injection skipped", "error", err)
		return Report{}
	}
	if len(results) == 0 {
		i.log.Debug("vector retrieval returned no results above threshold")
		return Report{}
	}

	text := FormatResults(results, cfg.InjectTemplate, cfg.ResultFormat)
	injectContext(spec, cfg.InjectAs, text)
	return Report{ResultsInjected: len(results)}
}

// BuildQuery derives the embedding query from the conversation per the
// spec's query construction rules. An explicit override wins.
func BuildQuery(spec *protocol.CallSpec) string {
	cfg := spec.VectorContext
	if cfg != nil {
		if q := strings.TrimSpace(cfg.OverrideEmbeddingQuery); q != "" {
			return q
		}
	}

	var qc protocol.QueryConstruction
	if cfg != nil {
		qc = cfg.QueryConstruction
	}

	var system []string
	var rest []string
	for _, msg := range spec.Messages {
		text := msg.TextContent()
		if text == "" {
			continue
		}
		if msg.Role == protocol.RoleSystem {
			system = append(system, text)
			continue
		}
		if msg.Role == protocol.RoleAssistant && !qc.IncludeAssistantMessages {
			continue
		}
		rest = append(rest, text)
	}

	if n := qc.MessagesToInclude; n > 0 && len(rest) > n {
		rest = rest[len(rest)-n:]
	}

	includeSystem := false
	switch qc.IncludeSystemPrompt {
	case protocol.IncludeSystemAlways:
		includeSystem = true
	case protocol.IncludeSystemNever:
		includeSystem = false
	default:
		// if-in-range: include iff the whole conversation fits the window.
		includeSystem = qc.MessagesToInclude == 0 || len(spec.Messages) <= qc.MessagesToInclude
	}

	var parts []string
	if includeSystem {
		parts = append(parts, system...)
	}
	parts = append(parts, rest...)
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// retrieve embeds the query and walks the store priority list, stopping
// at the first non-empty result set. The score threshold applies after
// retrieval.
func (i *Injector) retrieve(ctx context.Context, cfg *protocol.VectorContextConfig, query string) ([]vector.Result, error) {
	vec, err := embedQuery(ctx, i.registry, i.newEmbedder, cfg.EmbeddingPriority, query)
	if err != nil {
		return nil, err
	}

	topK := cfg.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	var lastErr error
	for _, storeID := range cfg.Stores {
		manifest, err := i.registry.GetVectorStore(storeID)
		if err != nil {
			lastErr = err
			continue
		}
		store, err := i.newStore(manifest)
		if err != nil {
			lastErr = err
			continue
		}
		results, err := store.Query(ctx, cfg.Collection, vec, topK, vector.QueryOptions{Filter: cfg.Filter})
		store.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if len(results) > 0 {
			return filterByScore(results, cfg.ScoreThreshold), nil
		}
	}
	return nil, lastErr
}

func filterByScore(results []vector.Result, threshold float64) []vector.Result {
	if threshold <= 0 {
		return results
	}
	out := make([]vector.Result, 0, len(results))
	for _, r := range results {
		if float64(r.Score) >= threshold {
			out = append(out, r)
		}
	}
	return out
}

// embedQuery resolves an embedder from the priority list (or the first
// configured one) and embeds a single query.
func embedQuery(ctx context.Context, reg *registry.Facade, factory func(*registry.EmbedderManifest) (embedders.Embedder, error), priority []string, query string) ([]float32, error) {
	var manifest *registry.EmbedderManifest
	var err error
	if len(priority) > 0 {
		for _, id := range priority {
			manifest, err = reg.GetEmbeddingProvider(id)
			if err == nil {
				break
			}
		}
		if manifest == nil {
			return nil, err
		}
	} else {
		manifest, err = reg.FirstEmbedder()
		if err != nil {
			return nil, err
		}
	}

	embedder, err := factory(manifest)
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

// injectContext places the rendered context into the message list.
func injectContext(spec *protocol.CallSpec, target protocol.InjectTarget, text string) {
	switch target {
	case protocol.InjectAsUserContext:
		contextMsg := protocol.Message{
			Role:    protocol.RoleUser,
			Content: []protocol.ContentPart{protocol.TextPart(text)},
		}
		for idx := len(spec.Messages) - 1; idx >= 0; idx-- {
			if spec.Messages[idx].Role == protocol.RoleUser {
				spec.Messages = append(spec.Messages[:idx],
					append([]protocol.Message{contextMsg}, spec.Messages[idx:]...)...)
				return
			}
		}
		spec.Messages = append(spec.Messages, contextMsg)
	default:
		// system: extend the leading system message or create one.
		if len(spec.Messages) > 0 && spec.Messages[0].Role == protocol.RoleSystem {
			spec.Messages[0].Content = append(spec.Messages[0].Content, protocol.TextPart(text))
			return
		}
		systemMsg := protocol.Message{
			Role:    protocol.RoleSystem,
			Content: []protocol.ContentPart{protocol.TextPart(text)},
		}
		spec.Messages = append([]protocol.Message{systemMsg}, spec.Messages...)
	}
}
