package embedders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/pkg/httpclient"
	"github.com/modelrelay/modelrelay/pkg/logger"
	"github.com/modelrelay/modelrelay/pkg/registry"
)

const (
	defaultOllamaURL        = "http://localhost:11434"
	defaultOllamaEmbedModel = "nomic-embed-text"
	defaultOllamaDimensions = 768
)

// Ollama's runner crashes on concurrent embedding requests, so all
// requests through this process are serialized.
var ollamaEmbedMu sync.Mutex

// ollamaEmbedder calls a local Ollama instance one text at a time; the
// legacy embeddings endpoint has no batch form.
type ollamaEmbedder struct {
	baseURL    string
	model      string
	dimensions int
	client     *httpclient.Client
	log        *logger.Logger
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func newOllamaEmbedder(manifest *registry.EmbedderManifest) (*ollamaEmbedder, error) {
	baseURL := manifest.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	model := manifest.Model
	if model == "" {
		model = defaultOllamaEmbedModel
	}
	dimensions := manifest.Dimensions
	if dimensions == 0 {
		dimensions = defaultOllamaDimensions
	}
	timeout := defaultEmbedTimeout
	if manifest.TimeoutMs > 0 {
		timeout = time.Duration(manifest.TimeoutMs) * time.Millisecond
	}

	return &ollamaEmbedder{
		baseURL:    baseURL,
		model:      model,
		dimensions: dimensions,
		client: httpclient.New(
			httpclient.WithTimeout(timeout),
			httpclient.WithHeaderParser(httpclient.ParseGenericHeaders),
		),
		log: logger.Embedding(),
	}, nil
}

func (e *ollamaEmbedder) Model() string   { return e.model }
func (e *ollamaEmbedder) Dimensions() int { return e.dimensions }
func (e *ollamaEmbedder) Close() error    { return nil }

func (e *ollamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ollamaEmbedMu.Lock()
	defer ollamaEmbedMu.Unlock()

	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vector, err := e.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, vector)
	}
	return out, nil
}

func (e *ollamaEmbedder) embedOne(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	e.log.Debug("ollama embedding request", "model", e.model, "text_length", len(text))

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(raw))
	}

	var parsed ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(parsed.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned an empty embedding")
	}
	return parsed.Embedding, nil
}
