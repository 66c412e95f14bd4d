package embedders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/modelrelay/modelrelay/pkg/httpclient"
	"github.com/modelrelay/modelrelay/pkg/logger"
	"github.com/modelrelay/modelrelay/pkg/registry"
)

const (
	defaultOpenAIEmbedModel = "text-embedding-3-small"
	defaultOpenAIEmbedURL   = "https://api.openai.com/v1"
	defaultEmbedBatchSize   = 100
	defaultEmbedTimeout     = 30 * time.Second
)

// openaiEmbedder calls the OpenAI embeddings API, in batches.
type openaiEmbedder struct {
	baseURL    string
	apiKey     string
	model      string
	dimensions int
	batchSize  int
	client     *httpclient.Client
	log        *logger.Logger
}

type openaiEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func newOpenAIEmbedder(manifest *registry.EmbedderManifest) (*openaiEmbedder, error) {
	if manifest.APIKey == "" {
		return nil, fmt.Errorf("openai embedder %q requires an api key", manifest.ID)
	}

	model := manifest.Model
	if model == "" {
		model = defaultOpenAIEmbedModel
	}
	dimensions := manifest.Dimensions
	if dimensions == 0 {
		switch model {
		case "text-embedding-3-large":
			dimensions = 3072
		default:
			dimensions = 1536
		}
	}
	baseURL := manifest.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIEmbedURL
	}
	batchSize := manifest.BatchSize
	if batchSize <= 0 {
		batchSize = defaultEmbedBatchSize
	}
	timeout := defaultEmbedTimeout
	if manifest.TimeoutMs > 0 {
		timeout = time.Duration(manifest.TimeoutMs) * time.Millisecond
	}

	return &openaiEmbedder{
		baseURL:    baseURL,
		apiKey:     manifest.APIKey,
		model:      model,
		dimensions: dimensions,
		batchSize:  batchSize,
		client: httpclient.New(
			httpclient.WithTimeout(timeout),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
		log: logger.Embedding(),
	}, nil
}

func (e *openaiEmbedder) Model() string   { return e.model }
func (e *openaiEmbedder) Dimensions() int { return e.dimensions }
func (e *openaiEmbedder) Close() error    { return nil }

func (e *openaiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += e.batchSize {
		end := min(i+e.batchSize, len(texts))
		batch, err := e.embedBatch(ctx, texts[i:end])
		if err != nil {
			return nil, err
		}
		results = append(results, batch...)
	}
	return results, nil
}

func (e *openaiEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(openaiEmbedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	e.log.Debug("embedding batch", "model", e.model, "texts", len(texts))

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var parsed openaiEmbedResponse
		if json.Unmarshal(raw, &parsed) == nil && parsed.Error != nil {
			return nil, fmt.Errorf("embedding API error: %s", parsed.Error.Message)
		}
		return nil, fmt.Errorf("embedding API returned status %d: %s", resp.StatusCode, string(raw))
	}

	var parsed openaiEmbedResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embedding API returned %d vectors for %d texts", len(parsed.Data), len(texts))
	}

	// Vectors come back indexed; restore input order.
	out := make([][]float32, len(texts))
	for _, item := range parsed.Data {
		if item.Index < 0 || item.Index >= len(out) {
			return nil, fmt.Errorf("embedding API returned out of range index %d", item.Index)
		}
		out[item.Index] = item.Embedding
	}
	return out, nil
}
