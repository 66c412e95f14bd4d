package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/modelrelay/modelrelay/pkg/httpclient"
	"github.com/modelrelay/modelrelay/pkg/protocol"
	"github.com/modelrelay/modelrelay/pkg/registry"
)

// NewFunctionTool binds a manifest to its built-in handler.
func NewFunctionTool(manifest *registry.FunctionToolManifest) (Tool, error) {
	switch manifest.Handler {
	case "http_request":
		return newHTTPRequestTool(manifest)
	case "current_time":
		return newCurrentTimeTool(manifest), nil
	default:
		return nil, protocol.NewError(protocol.ErrManifest,
			"function tool %q names unknown handler %q", manifest.Name, manifest.Handler)
	}
}

// httpRequestSettings are the http_request handler knobs, decoded from
// the manifest's settings block.
type httpRequestSettings struct {
	TimeoutMs        int      `mapstructure:"timeout_ms"`
	MaxRetries       int      `mapstructure:"max_retries"`
	MaxResponseBytes int64    `mapstructure:"max_response_bytes"`
	AllowedDomains   []string `mapstructure:"allowed_domains"`
	DeniedDomains    []string `mapstructure:"denied_domains"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	UserAgent        string   `mapstructure:"user_agent"`
}

type httpRequestTool struct {
	name        string
	description string
	parameters  map[string]any
	settings    httpRequestSettings
	client      *httpclient.Client
}

func newHTTPRequestTool(manifest *registry.FunctionToolManifest) (*httpRequestTool, error) {
	var settings httpRequestSettings
	if err := mapstructure.Decode(manifest.Settings, &settings); err != nil {
		return nil, fmt.Errorf("invalid settings for tool %q: %w", manifest.Name, err)
	}
	if settings.TimeoutMs <= 0 {
		settings.TimeoutMs = 30000
	}
	if settings.MaxResponseBytes <= 0 {
		settings.MaxResponseBytes = 5 << 20
	}
	if len(settings.AllowedMethods) == 0 {
		settings.AllowedMethods = []string{"GET", "POST", "PUT", "DELETE", "HEAD"}
	}

	description := manifest.Description
	if description == "" {
		description = "Make an HTTP request and return the response body"
	}
	parameters := manifest.Parameters
	if parameters == nil {
		parameters = map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url":     map[string]any{"type": "string", "description": "Request URL"},
				"method":  map[string]any{"type": "string", "description": "HTTP method, default GET"},
				"headers": map[string]any{"type": "object", "description": "Request headers"},
				"body":    map[string]any{"type": "string", "description": "Request body"},
			},
			"required": []string{"url"},
		}
	}

	return &httpRequestTool{
		name:        manifest.Name,
		description: description,
		parameters:  parameters,
		settings:    settings,
		client: httpclient.New(
			httpclient.WithTimeout(time.Duration(settings.TimeoutMs)*time.Millisecond),
			httpclient.WithMaxRetries(settings.MaxRetries),
			httpclient.WithHeaderParser(httpclient.ParseGenericHeaders),
		),
	}, nil
}

func (t *httpRequestTool) Name() string           { return t.name }
func (t *httpRequestTool) Description() string    { return t.description }
func (t *httpRequestTool) Schema() map[string]any { return t.parameters }

func (t *httpRequestTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return nil, fmt.Errorf("url argument is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", parsed.Scheme)
	}
	if err := t.checkDomain(parsed.Hostname()); err != nil {
		return nil, err
	}

	method := http.MethodGet
	if m, ok := args["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if err := t.checkMethod(method); err != nil {
		return nil, err
	}

	var body io.Reader
	if raw, ok := args["body"].(string); ok && raw != "" {
		body = strings.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if headers, ok := args["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	if t.settings.UserAgent != "" {
		req.Header.Set("User-Agent", t.settings.UserAgent)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, t.settings.MaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return map[string]any{
		"status":      resp.StatusCode,
		"contentType": resp.Header.Get("Content-Type"),
		"body":        string(responseBody),
	}, nil
}

func (t *httpRequestTool) checkDomain(host string) error {
	host = strings.ToLower(host)
	for _, denied := range t.settings.DeniedDomains {
		if matchesDomain(host, denied) {
			return fmt.Errorf("domain %q is denied", host)
		}
	}
	if len(t.settings.AllowedDomains) == 0 {
		return nil
	}
	for _, allowed := range t.settings.AllowedDomains {
		if matchesDomain(host, allowed) {
			return nil
		}
	}
	return fmt.Errorf("domain %q is not in the allowed list", host)
}

func matchesDomain(host, pattern string) bool {
	pattern = strings.ToLower(pattern)
	return host == pattern || strings.HasSuffix(host, "."+pattern)
}

func (t *httpRequestTool) checkMethod(method string) error {
	for _, allowed := range t.settings.AllowedMethods {
		if strings.EqualFold(method, allowed) {
			return nil
		}
	}
	return fmt.Errorf("method %q is not allowed", method)
}

// currentTimeTool reports wall clock time, optionally in a named zone.
type currentTimeTool struct {
	name        string
	description string
}

func newCurrentTimeTool(manifest *registry.FunctionToolManifest) *currentTimeTool {
	description := manifest.Description
	if description == "" {
		description = "Get the current date and time"
	}
	return &currentTimeTool{name: manifest.Name, description: description}
}

func (t *currentTimeTool) Name() string        { return t.name }
func (t *currentTimeTool) Description() string { return t.description }

func (t *currentTimeTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"timezone": map[string]any{
				"type":        "string",
				"description": "IANA timezone name, default UTC",
			},
		},
	}
}

func (t *currentTimeTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	loc := time.UTC
	if tz, ok := args["timezone"].(string); ok && tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", tz)
		}
		loc = parsed
	}
	now := time.Now().In(loc)
	return map[string]any{
		"iso":      now.Format(time.RFC3339),
		"unix":     now.Unix(),
		"timezone": loc.String(),
	}, nil
}
