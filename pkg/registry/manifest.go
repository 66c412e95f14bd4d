package registry

// Manifest is the on-disk plugin file format. One YAML file may declare
// any mix of sections; entries merge across files with first-file-wins
// on duplicate identifiers.
type Manifest struct {
	Providers     []*ProviderManifest     `yaml:"providers,omitempty"`
	FunctionTools []*FunctionToolManifest `yaml:"function_tools,omitempty"`
	MCPServers    []*MCPServerManifest    `yaml:"mcp_servers,omitempty"`
	VectorStores  []*VectorStoreManifest  `yaml:"vector_stores,omitempty"`
	Embedders     []*EmbedderManifest     `yaml:"embedders,omitempty"`
	Compats       []*CompatManifest       `yaml:"compats,omitempty"`
	ProcessRoutes []*ProcessRoute         `yaml:"process_routes,omitempty"`
}

// ProviderManifest describes one model backend. Compat names the wire
// strategy used to talk to it.
type ProviderManifest struct {
	ID           string            `yaml:"id"`
	Compat       string            `yaml:"compat"`
	BaseURL      string            `yaml:"base_url,omitempty"`
	APIKey       string            `yaml:"api_key,omitempty"`
	DefaultModel string            `yaml:"default_model,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty"`
	TimeoutMs    int               `yaml:"timeout_ms,omitempty"`
	MaxRetries   *int              `yaml:"max_retries,omitempty"`
}

// FunctionToolManifest declares a registry-loaded tool. Handler names
// the built-in implementation the tool binds to.
type FunctionToolManifest struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	Handler     string         `yaml:"handler"`
	Parameters  map[string]any `yaml:"parameters,omitempty"`
	Settings    map[string]any `yaml:"settings,omitempty"`
}

// MCPServerManifest declares a Model Context Protocol server.
type MCPServerManifest struct {
	ID        string            `yaml:"id"`
	Transport string            `yaml:"transport,omitempty"` // stdio or http
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
}

// VectorStoreManifest declares a vector database connection.
type VectorStoreManifest struct {
	ID         string `yaml:"id"`
	Type       string `yaml:"type"` // qdrant, chromem or pinecone
	Host       string `yaml:"host,omitempty"`
	Port       int    `yaml:"port,omitempty"`
	APIKey     string `yaml:"api_key,omitempty"`
	UseTLS     bool   `yaml:"use_tls,omitempty"`
	Collection string `yaml:"collection,omitempty"`
	// Path enables persistent storage for embedded stores.
	Path string `yaml:"path,omitempty"`
	// IndexHost and Namespace apply to pinecone.
	IndexHost string `yaml:"index_host,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
}

// EmbedderManifest declares an embedding backend.
type EmbedderManifest struct {
	ID         string `yaml:"id"`
	Type       string `yaml:"type"` // openai or ollama
	BaseURL    string `yaml:"base_url,omitempty"`
	APIKey     string `yaml:"api_key,omitempty"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions,omitempty"`
	BatchSize  int    `yaml:"batch_size,omitempty"`
	TimeoutMs  int    `yaml:"timeout_ms,omitempty"`
}

// CompatShape distinguishes the two compat variants.
type CompatShape string

const (
	// CompatShapeHTTP marks compats that build raw HTTP payloads.
	CompatShapeHTTP CompatShape = "http"
	// CompatShapeSDK marks compats backed by a vendor SDK.
	CompatShapeSDK CompatShape = "sdk"
)

// CompatManifest describes a wire strategy. The built-in compats
// (openai, openai_responses, anthropic, gemini) are pre-registered;
// plugin files may add aliases with per-deployment extensions.
type CompatManifest struct {
	Name       string         `yaml:"name"`
	Shape      CompatShape    `yaml:"shape,omitempty"`
	Family     string         `yaml:"family,omitempty"`
	Extensions map[string]any `yaml:"extensions,omitempty"`
}

// ProcessRoute rewrites an incoming model reference to a concrete
// provider target before execution.
type ProcessRoute struct {
	ID          string `yaml:"id"`
	ModelPrefix string `yaml:"model_prefix,omitempty"`
	Provider    string `yaml:"provider"`
	Model       string `yaml:"model,omitempty"`
}

// Validate rejects manifests the loader must skip.
func (m *ProviderManifest) Validate() error {
	if m.ID == "" {
		return errMissingField("provider", "id")
	}
	if m.Compat == "" {
		return errMissingField("provider", "compat")
	}
	return nil
}

func (m *FunctionToolManifest) Validate() error {
	if m.Name == "" {
		return errMissingField("function_tool", "name")
	}
	if m.Handler == "" {
		return errMissingField("function_tool", "handler")
	}
	return nil
}

func (m *MCPServerManifest) Validate() error {
	if m.ID == "" {
		return errMissingField("mcp_server", "id")
	}
	switch m.Transport {
	case "", "stdio":
		if m.Command == "" {
			return errMissingField("mcp_server", "command")
		}
	case "http":
		if m.URL == "" {
			return errMissingField("mcp_server", "url")
		}
	default:
		return errBadField("mcp_server", "transport", m.Transport)
	}
	return nil
}

func (m *VectorStoreManifest) Validate() error {
	if m.ID == "" {
		return errMissingField("vector_store", "id")
	}
	switch m.Type {
	case "qdrant", "chromem", "pinecone":
		return nil
	default:
		return errBadField("vector_store", "type", m.Type)
	}
}

func (m *EmbedderManifest) Validate() error {
	if m.ID == "" {
		return errMissingField("embedder", "id")
	}
	if m.Model == "" {
		return errMissingField("embedder", "model")
	}
	switch m.Type {
	case "openai", "ollama":
		return nil
	default:
		return errBadField("embedder", "type", m.Type)
	}
}

func (m *CompatManifest) Validate() error {
	if m.Name == "" {
		return errMissingField("compat", "name")
	}
	switch m.Shape {
	case "", CompatShapeHTTP, CompatShapeSDK:
		return nil
	default:
		return errBadField("compat", "shape", string(m.Shape))
	}
}

func (m *ProcessRoute) Validate() error {
	if m.ID == "" {
		return errMissingField("process_route", "id")
	}
	if m.Provider == "" {
		return errMissingField("process_route", "provider")
	}
	return nil
}
