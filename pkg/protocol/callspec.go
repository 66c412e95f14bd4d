package protocol

import (
	"math"

	"github.com/mitchellh/mapstructure"
)

// DefaultMaxToolIterations bounds the tool loop when the caller does not
// supply a usable value.
const DefaultMaxToolIterations = 10

// ModelTarget is one {provider, model} entry of the priority list.
type ModelTarget struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// CallSpec is the unit of work the adapter executes.
type CallSpec struct {
	Messages          []Message            `json:"messages"`
	LLMPriority       []ModelTarget        `json:"llmPriority"`
	Settings          map[string]any       `json:"settings,omitempty"`
	Tools             []Tool               `json:"tools,omitempty"`
	FunctionToolNames []string             `json:"functionToolNames,omitempty"`
	MCPServers        []string             `json:"mcpServers,omitempty"`
	VectorPriority    []string             `json:"vectorPriority,omitempty"`
	VectorContext     *VectorContextConfig `json:"vectorContext,omitempty"`
	Runtime           map[string]any       `json:"runtime,omitempty"`
	Metadata          map[string]any       `json:"metadata,omitempty"`
}

// Settings are the recognized generation options. Unknown keys in the
// spec's settings map are ignored.
type Settings struct {
	Temperature     *float64 `mapstructure:"temperature"`
	TopP            *float64 `mapstructure:"topP"`
	MaxTokens       int      `mapstructure:"maxTokens"`
	Stop            []string `mapstructure:"stop"`
	ReasoningBudget int      `mapstructure:"reasoningBudget"`
	BatchSize       int      `mapstructure:"batchSize"`
}

// RuntimeOptions control the tool loop for one request.
type RuntimeOptions struct {
	MaxToolIterations      int
	ToolCountdownEnabled   bool
	ToolFinalPromptEnabled bool
	BatchID                string
}

// ParseSettings decodes the free-form settings map. Decoding is weakly
// typed: numeric strings coerce, floats truncate.
func ParseSettings(raw map[string]any) (Settings, error) {
	var s Settings
	if len(raw) == 0 {
		return s, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &s,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return s, err
	}
	if err := dec.Decode(raw); err != nil {
		return s, NewError(ErrValidation, "invalid settings: %v", err)
	}
	return s, nil
}

// ParseRuntime decodes the runtime map permissively:
// maxToolIterations accepts numbers (truncated) and numeric strings;
// NaN, infinities, null and absent all fall back to the default.
func ParseRuntime(raw map[string]any) RuntimeOptions {
	opts := RuntimeOptions{
		MaxToolIterations:    DefaultMaxToolIterations,
		ToolCountdownEnabled: true,
	}
	if len(raw) == 0 {
		return opts
	}

	var decoded struct {
		MaxToolIterations      *float64 `mapstructure:"maxToolIterations"`
		ToolCountdownEnabled   *bool    `mapstructure:"toolCountdownEnabled"`
		ToolFinalPromptEnabled *bool    `mapstructure:"toolFinalPromptEnabled"`
		BatchID                string   `mapstructure:"batchId"`
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &decoded,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return opts
	}
	if err := dec.Decode(raw); err != nil {
		return opts
	}

	if decoded.MaxToolIterations != nil {
		v := *decoded.MaxToolIterations
		switch {
		case math.IsNaN(v) || math.IsInf(v, 0):
			// keep default
		case v < 0:
			opts.MaxToolIterations = 0
		default:
			opts.MaxToolIterations = int(v)
		}
	}
	if decoded.ToolCountdownEnabled != nil {
		opts.ToolCountdownEnabled = *decoded.ToolCountdownEnabled
	}
	if decoded.ToolFinalPromptEnabled != nil {
		opts.ToolFinalPromptEnabled = *decoded.ToolFinalPromptEnabled
	}
	opts.BatchID = decoded.BatchID
	return opts
}

// Validate checks the structural invariants the coordinator relies on.
func (s *CallSpec) Validate() error {
	if len(s.LLMPriority) == 0 {
		return NewError(ErrValidation, "llmPriority must not be empty")
	}
	for i, t := range s.LLMPriority {
		if t.Provider == "" || t.Model == "" {
			return NewError(ErrValidation, "llmPriority[%d] must set provider and model", i)
		}
	}
	if len(s.Messages) == 0 {
		return NewError(ErrValidation, "messages must not be empty")
	}
	return nil
}

// LatestUserText returns the text of the most recent user message, or "".
func (s *CallSpec) LatestUserText() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i].TextContent()
		}
	}
	return ""
}
