package protocol

// VectorContextMode selects how retrieval is surfaced to the model.
type VectorContextMode string

const (
	// VectorModeAuto injects retrieved passages before the provider call.
	VectorModeAuto VectorContextMode = "auto"
	// VectorModeTool exposes a vector_search tool to the model.
	VectorModeTool VectorContextMode = "tool"
	// VectorModeBoth does both.
	VectorModeBoth VectorContextMode = "both"
)

// InjectTarget selects where retrieved context lands in the message list.
type InjectTarget string

const (
	InjectAsSystem      InjectTarget = "system"
	InjectAsUserContext InjectTarget = "user_context"
)

// SystemPromptInclusion controls system-prompt participation in query
// construction.
type SystemPromptInclusion string

const (
	IncludeSystemAlways    SystemPromptInclusion = "always"
	IncludeSystemNever     SystemPromptInclusion = "never"
	IncludeSystemIfInRange SystemPromptInclusion = "if-in-range"
)

// QueryConstruction controls how the embedding query is derived from the
// conversation.
type QueryConstruction struct {
	// MessagesToInclude is the number of trailing messages to join;
	// zero means all.
	MessagesToInclude        int                   `json:"messagesToInclude,omitempty"`
	IncludeAssistantMessages bool                  `json:"includeAssistantMessages,omitempty"`
	IncludeSystemPrompt      SystemPromptInclusion `json:"includeSystemPrompt,omitempty"`
}

// ToolSchemaOverrides customizes the synthetic vector_search tool schema.
type ToolSchemaOverrides struct {
	// ParameterNames renames exposed parameters (canonical -> exposed).
	ParameterNames map[string]string `json:"parameterNames,omitempty"`
	// Descriptions overrides parameter descriptions by canonical name.
	Descriptions map[string]string `json:"descriptions,omitempty"`
	// Expose forces optional parameters into the schema.
	Expose []string `json:"expose,omitempty"`
	// Hide removes optional parameters from the schema.
	Hide []string `json:"hide,omitempty"`
	// ToolDescription overrides the tool's own description.
	ToolDescription string `json:"toolDescription,omitempty"`
}

// VectorContextConfig is the per-call retrieval configuration. It is
// created per call, consumed by the injector or tool discovery, then
// discarded.
type VectorContextConfig struct {
	Stores                 []string             `json:"stores"`
	Mode                   VectorContextMode    `json:"mode,omitempty"`
	TopK                   int                  `json:"topK,omitempty"`
	ScoreThreshold         float64              `json:"scoreThreshold,omitempty"`
	Filter                 map[string]any       `json:"filter,omitempty"`
	Collection             string               `json:"collection,omitempty"`
	EmbeddingPriority      []string             `json:"embeddingPriority,omitempty"`
	InjectAs               InjectTarget         `json:"injectAs,omitempty"`
	InjectTemplate         string               `json:"injectTemplate,omitempty"`
	ResultFormat           string               `json:"resultFormat,omitempty"`
	QueryConstruction      QueryConstruction    `json:"queryConstruction,omitempty"`
	OverrideEmbeddingQuery string               `json:"overrideEmbeddingQuery,omitempty"`
	Locks                  map[string]any       `json:"locks,omitempty"`
	ToolSchemaOverrides    *ToolSchemaOverrides `json:"toolSchemaOverrides,omitempty"`
}

// WantsInjection reports whether the pre-call injector should run.
func (c *VectorContextConfig) WantsInjection() bool {
	if c == nil {
		return false
	}
	return c.Mode == "" || c.Mode == VectorModeAuto || c.Mode == VectorModeBoth
}

// WantsTool reports whether the synthetic vector_search tool is exposed.
func (c *VectorContextConfig) WantsTool() bool {
	if c == nil {
		return false
	}
	return c.Mode == VectorModeTool || c.Mode == VectorModeBoth
}
