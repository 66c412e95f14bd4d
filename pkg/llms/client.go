package llms

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/modelrelay/modelrelay/pkg/httpclient"
	"github.com/modelrelay/modelrelay/pkg/logger"
	"github.com/modelrelay/modelrelay/pkg/protocol"
	"github.com/modelrelay/modelrelay/pkg/registry"
)

const (
	defaultProviderTimeout = 120 * time.Second
	defaultMaxRetries      = 3
	streamChannelBuffer    = 100
	maxErrorBodyBytes      = 4096
)

// Client executes unified requests against one provider through its
// compat strategy. HTTP-shape compats go through the retrying HTTP
// client; SDK-shape compats delegate to the compat directly.
type Client struct {
	provider *registry.ProviderManifest
	compat   Compat
	http     *httpclient.Client
	log      *logger.Logger
	tracer   trace.Tracer
}

// NewClient builds a provider client from its manifest and compat.
func NewClient(provider *registry.ProviderManifest, compat Compat) *Client {
	timeout := defaultProviderTimeout
	if provider.TimeoutMs > 0 {
		timeout = time.Duration(provider.TimeoutMs) * time.Millisecond
	}
	retries := defaultMaxRetries
	if provider.MaxRetries != nil {
		retries = *provider.MaxRetries
	}

	return &Client{
		provider: provider,
		compat:   compat,
		http: httpclient.New(
			httpclient.WithTimeout(timeout),
			httpclient.WithMaxRetries(retries),
			httpclient.WithHeaderParser(headerParserFor(compat.Name())),
		),
		log:    logger.LLM(),
		tracer: otel.Tracer("modelrelay/llms"),
	}
}

// Provider returns the manifest this client was built from.
func (c *Client) Provider() *registry.ProviderManifest { return c.provider }

// Compat returns the compat strategy in use.
func (c *Client) Compat() Compat { return c.compat }

func headerParserFor(compat string) httpclient.RateLimitHeaderParser {
	switch {
	case strings.HasPrefix(compat, "openai"):
		return httpclient.ParseOpenAIHeaders
	case strings.HasPrefix(compat, "anthropic"):
		return httpclient.ParseAnthropicHeaders
	default:
		return httpclient.ParseGenericHeaders
	}
}

// Invoke makes one blocking provider call.
func (c *Client) Invoke(ctx context.Context, req *Request) (*protocol.Response, error) {
	ctx, span := c.tracer.Start(ctx, "llm.invoke", trace.WithAttributes(
		attribute.String("provider", c.provider.ID),
		attribute.String("compat", c.compat.Name()),
		attribute.String("model", req.Model),
	))
	defer span.End()

	if c.compat.Shape() == registry.CompatShapeSDK {
		resp, err := c.compat.CallSDK(ctx, req)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		return resp, nil
	}

	raw, err := c.roundTrip(ctx, req, false)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	resp, err := c.compat.ParseResponse(raw, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return resp, nil
}

// InvokeStream makes one streaming provider call. The returned channel
// is closed when the stream ends; a chunk with Err set is terminal.
func (c *Client) InvokeStream(ctx context.Context, req *Request) (<-chan *ParsedChunk, error) {
	ctx, span := c.tracer.Start(ctx, "llm.stream", trace.WithAttributes(
		attribute.String("provider", c.provider.ID),
		attribute.String("compat", c.compat.Name()),
		attribute.String("model", req.Model),
	))

	if c.compat.Shape() == registry.CompatShapeSDK {
		ch, err := c.compat.StreamSDK(ctx, req)
		if err != nil {
			span.RecordError(err)
			span.End()
			return nil, err
		}
		out := make(chan *ParsedChunk, streamChannelBuffer)
		go func() {
			defer close(out)
			defer span.End()
			for chunk := range ch {
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, nil
	}

	resp, err := c.send(ctx, req, true)
	if err != nil {
		span.RecordError(err)
		span.End()
		return nil, err
	}

	out := make(chan *ParsedChunk, streamChannelBuffer)
	go func() {
		defer close(out)
		defer span.End()
		defer resp.Body.Close()
		c.readSSE(ctx, resp.Body, out)
	}()
	return out, nil
}

// roundTrip performs a non-streaming request and returns the raw body.
func (c *Client) roundTrip(ctx context.Context, req *Request, stream bool) ([]byte, error) {
	resp, err := c.send(ctx, req, stream)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrInternal, err,
			"failed to read %s response", c.provider.ID)
	}
	return raw, nil
}

func (c *Client) send(ctx context.Context, req *Request, stream bool) (*http.Response, error) {
	payload, err := c.compat.BuildPayload(req, stream)
	if err != nil {
		return nil, err
	}

	if len(req.Extensions) > 0 {
		if err := c.compat.ApplyProviderExtensions(payload, req.Extensions); err != nil {
			return nil, err
		}
	}

	url := strings.TrimRight(c.provider.BaseURL, "/") + payload.Path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload.Body))
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrInternal, err,
			"failed to build %s request", c.provider.ID)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range payload.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range c.provider.Headers {
		httpReq.Header.Set(k, v)
	}

	c.log.Debug("sending provider request",
		"provider", c.provider.ID,
		"url", url,
		"model", req.Model,
		"stream", stream,
		"headers", logger.RedactHeaders(flattenHeader(httpReq.Header)),
		"body_bytes", len(payload.Body))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrInternal, err,
			"%s request failed", c.provider.ID)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		c.log.Warn("provider returned error status",
			"provider", c.provider.ID,
			"status", resp.StatusCode,
			"body", string(body))
		return nil, protocol.NewError(protocol.ErrInternal,
			"%s returned HTTP %d: %s", c.provider.ID, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// readSSE consumes a provider SSE body line by line, feeding each data
// payload through the compat's chunk parser.
func (c *Client) readSSE(ctx context.Context, body io.Reader, out chan<- *ParsedChunk) {
	flags := c.compat.StreamingFlags()
	prefix := flags.DataPrefix
	if prefix == "" {
		prefix = "data: "
	}

	reader := bufio.NewReaderSize(body, 64*1024)
	for {
		if ctx.Err() != nil {
			return
		}
		line, err := reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		if line != "" && strings.HasPrefix(line, prefix) {
			data := strings.TrimPrefix(line, prefix)
			if flags.DoneMarker != "" && data == flags.DoneMarker {
				return
			}
			chunk, perr := c.compat.ParseStreamChunk([]byte(data))
			if perr != nil {
				c.sendChunk(ctx, out, &ParsedChunk{Err: perr})
				return
			}
			if chunk != nil {
				if !c.sendChunk(ctx, out, chunk) {
					return
				}
				if chunk.Err != nil {
					return
				}
			}
		}

		if err != nil {
			if err != io.EOF {
				c.sendChunk(ctx, out, &ParsedChunk{
					Err: fmt.Errorf("stream read failed: %w", err),
				})
			}
			return
		}
	}
}

func (c *Client) sendChunk(ctx context.Context, out chan<- *ParsedChunk, chunk *ParsedChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
