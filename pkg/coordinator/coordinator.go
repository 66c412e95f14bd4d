package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/modelrelay/modelrelay/pkg/llms"
	"github.com/modelrelay/modelrelay/pkg/logger"
	"github.com/modelrelay/modelrelay/pkg/protocol"
	"github.com/modelrelay/modelrelay/pkg/rag"
	"github.com/modelrelay/modelrelay/pkg/registry"
	"github.com/modelrelay/modelrelay/pkg/tools"
)

const finalPromptHint = "No further tool calls are available. Answer with the information gathered so far."

// Invoker is the provider-client capability the coordinator consumes.
type Invoker interface {
	Invoke(ctx context.Context, req *llms.Request) (*protocol.Response, error)
	InvokeStream(ctx context.Context, req *llms.Request) (<-chan *llms.ParsedChunk, error)
}

// Coordinator executes call specs end-to-end: vector injection, tool
// discovery, the provider priority list, and the bounded tool loop.
type Coordinator struct {
	registry  *registry.Facade
	log       *logger.Logger
	injector  *rag.Injector
	discovery *tools.Discovery

	// newInvoker builds a provider client; swappable in tests.
	newInvoker func(provider *registry.ProviderManifest, compat llms.Compat) Invoker

	mu      sync.Mutex
	clients map[string]Invoker
}

// New creates a coordinator over a registry façade.
func New(reg *registry.Facade) *Coordinator {
	return &Coordinator{
		registry:  reg,
		log:       logger.Adapter(),
		injector:  rag.NewInjector(reg),
		discovery: tools.NewDiscovery(reg),
		newInvoker: func(provider *registry.ProviderManifest, compat llms.Compat) Invoker {
			return llms.NewClient(provider, compat)
		},
		clients: make(map[string]Invoker),
	}
}

// Close drops pooled provider clients. Per-call tool resources are
// released when each call finishes. Idempotent.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients = make(map[string]Invoker)
	return nil
}

// callState is the per-request execution context.
type callState struct {
	spec     *protocol.CallSpec
	settings protocol.Settings
	runtime  protocol.RuntimeOptions
	budget   *protocol.ToolCallBudget
	col      *tools.Collection
	messages []protocol.Message
	// lastTarget is the provider that served the most recent call.
	lastTarget protocol.ModelTarget
}

// prepare validates the spec, applies routes and injection, and builds
// the tool surface. Callers own closing state.col.
func (c *Coordinator) prepare(ctx context.Context, spec *protocol.CallSpec) (*callState, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	settings, err := protocol.ParseSettings(spec.Settings)
	if err != nil {
		return nil, err
	}
	runtime := protocol.ParseRuntime(spec.Runtime)

	c.applyProcessRoutes(spec)

	if spec.VectorContext.WantsInjection() {
		report := c.injector.Inject(ctx, spec)
		c.log.Debug("vector context pass finished", "results_injected", report.ResultsInjected)
	}

	var extras []tools.Tool
	if spec.VectorContext.WantsTool() {
		searchTool, err := rag.NewSearchTool(c.registry, spec.VectorContext)
		if err != nil {
			return nil, protocol.WrapError(protocol.ErrValidation, err, "invalid vector_search configuration")
		}
		extras = append(extras, searchTool)
	}

	col, err := c.discovery.Collect(ctx, spec, extras...)
	if err != nil {
		return nil, err
	}

	messages := make([]protocol.Message, len(spec.Messages))
	copy(messages, spec.Messages)

	return &callState{
		spec:     spec,
		settings: settings,
		runtime:  runtime,
		budget:   protocol.NewToolCallBudget(runtime.MaxToolIterations),
		col:      col,
		messages: messages,
	}, nil
}

// applyProcessRoutes rewrites priority targets whose model matches a
// configured route prefix. The first matching route wins.
func (c *Coordinator) applyProcessRoutes(spec *protocol.CallSpec) {
	routes := c.registry.GetProcessRoutes()
	if len(routes) == 0 {
		return
	}
	for i, target := range spec.LLMPriority {
		for _, route := range routes {
			if route.ModelPrefix != "" && !strings.HasPrefix(target.Model, route.ModelPrefix) {
				continue
			}
			spec.LLMPriority[i].Provider = route.Provider
			if route.Model != "" {
				spec.LLMPriority[i].Model = route.Model
			}
			break
		}
	}
}

// resolvedTarget couples one priority entry with its constructed client.
type resolvedTarget struct {
	invoker    Invoker
	provider   *registry.ProviderManifest
	extensions map[string]any
	target     protocol.ModelTarget
}

func (c *Coordinator) resolveTarget(target protocol.ModelTarget) (*resolvedTarget, error) {
	provider, err := c.registry.GetProvider(target.Provider)
	if err != nil {
		return nil, err
	}
	compatManifest, err := c.registry.GetCompatModule(provider.Compat)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	invoker, ok := c.clients[provider.ID]
	if !ok {
		compat, err := llms.NewCompat(compatManifest)
		if err != nil {
			return nil, err
		}
		invoker = c.newInvoker(provider, compat)
		c.clients[provider.ID] = invoker
	}
	return &resolvedTarget{
		invoker:    invoker,
		provider:   provider,
		extensions: compatManifest.Extensions,
		target:     target,
	}, nil
}

func (c *Coordinator) buildRequest(r *resolvedTarget, state *callState) *llms.Request {
	req := &llms.Request{
		Provider:   r.provider,
		Model:      r.target.Model,
		Settings:   state.settings,
		Messages:   state.messages,
		Tools:      state.col.Declarations(),
		Extensions: r.extensions,
	}
	if len(req.Tools) > 0 {
		req.ToolChoice = "auto"
	}
	return req
}

// invoke walks the priority list until a provider answers. Malformed
// responses abort immediately; transport and manifest failures fail
// over to the next target.
func (c *Coordinator) invoke(ctx context.Context, state *callState) (*protocol.Response, error) {
	var lastErr error
	for _, target := range state.spec.LLMPriority {
		resolved, err := c.resolveTarget(target)
		if err != nil {
			c.log.Warn("provider target unavailable", "provider", target.Provider, "error", err)
			lastErr = err
			continue
		}
		resp, err := resolved.invoker.Invoke(ctx, c.buildRequest(resolved, state))
		if err != nil {
			if protocol.CodeOf(err) == protocol.ErrMalformedResponse {
				return nil, err
			}
			c.log.Warn("provider call failed, trying next target",
				"provider", target.Provider, "model", target.Model, "error", err)
			lastErr = err
			continue
		}
		if err := validateResponse(resp); err != nil {
			return nil, err
		}
		state.lastTarget = target
		return resp, nil
	}
	return nil, lastErr
}

// invokeStream is the streaming variant of invoke with the same
// failover behavior for stream creation.
func (c *Coordinator) invokeStream(ctx context.Context, state *callState) (<-chan *llms.ParsedChunk, error) {
	var lastErr error
	for _, target := range state.spec.LLMPriority {
		resolved, err := c.resolveTarget(target)
		if err != nil {
			c.log.Warn("provider target unavailable", "provider", target.Provider, "error", err)
			lastErr = err
			continue
		}
		ch, err := resolved.invoker.InvokeStream(ctx, c.buildRequest(resolved, state))
		if err != nil {
			c.log.Warn("provider stream failed to open, trying next target",
				"provider", target.Provider, "model", target.Model, "error", err)
			lastErr = err
			continue
		}
		state.lastTarget = target
		return ch, nil
	}
	return nil, lastErr
}

func validateResponse(resp *protocol.Response) error {
	if resp == nil {
		return protocol.NewError(protocol.ErrMalformedResponse, "provider returned no response")
	}
	if resp.Role != protocol.RoleAssistant {
		return protocol.NewError(protocol.ErrMalformedResponse,
			"provider returned role %q, want assistant", resp.Role)
	}
	if resp.Content == nil {
		resp.Content = []protocol.ContentPart{}
	}
	return nil
}

// Run executes one call spec and returns the final response.
func (c *Coordinator) Run(ctx context.Context, spec *protocol.CallSpec) (*protocol.Response, error) {
	state, err := c.prepare(ctx, spec)
	if err != nil {
		return nil, err
	}
	defer state.col.Close()

	exhaustedOnce := false
	for {
		resp, err := c.invoke(ctx, state)
		if err != nil {
			return nil, err
		}
		if len(resp.ToolCalls) == 0 {
			return resp, nil
		}
		// One post-exhaustion round lets the model see the budget
		// errors; after that the loop must not run again.
		if exhaustedOnce && state.budget.Exhausted() {
			return resp, nil
		}

		state.messages = append(state.messages, resp.AsMessage())
		state.messages = append(state.messages, c.executeToolCalls(ctx, state, resp.ToolCalls)...)
		c.appendCountdown(state)

		if state.budget.Exhausted() {
			if state.runtime.ToolFinalPromptEnabled {
				state.messages = append(state.messages, protocol.Message{
					Role:    protocol.RoleSystem,
					Content: []protocol.ContentPart{protocol.TextPart(finalPromptHint)},
				})
				// The last word belongs to the model, tool calls or not.
				return c.invoke(ctx, state)
			}
			exhaustedOnce = true
		}
	}
}

// executeToolCalls runs each call in order, producing one tool-role
// message per call. Budget violations and execution failures become
// error results the model can read.
func (c *Coordinator) executeToolCalls(ctx context.Context, state *callState, calls []protocol.ToolCall) []protocol.Message {
	out := make([]protocol.Message, 0, len(calls))
	for _, call := range calls {
		name := state.col.ResolveName(call.Name)

		if state.budget.Remaining() == 0 {
			c.log.Warn("Tool budget exhausted; skipping invocation", "tool", name)
			out = append(out, toolErrorMessage(call, name, string(protocol.ErrToolBudgetExhausted), ""))
			continue
		}
		if !state.budget.Consume() {
			c.log.Warn("Tool budget consume rejected", "tool", name)
			out = append(out, toolErrorMessage(call, name, string(protocol.ErrToolBudgetExhausted), ""))
			continue
		}

		result, err := state.col.Execute(ctx, call.Name, call.Arguments)
		if err != nil {
			c.log.Warn("tool execution failed", "tool", name, "error", err)
			out = append(out, toolErrorMessage(call, name, string(protocol.ErrToolExecutionFailed), err.Error()))
			continue
		}
		c.log.Debug("tool executed", "tool", name, "budget_used", state.budget.Used())
		out = append(out, protocol.Message{
			Role:       protocol.RoleTool,
			ToolCallID: call.ID,
			Content: []protocol.ContentPart{protocol.ToolResultPart(protocol.ToolResult{
				ToolName: name,
				Result:   result,
			})},
		})
	}
	return out
}

func toolErrorMessage(call protocol.ToolCall, name, code, detail string) protocol.Message {
	return protocol.Message{
		Role:       protocol.RoleTool,
		ToolCallID: call.ID,
		Content: []protocol.ContentPart{protocol.ToolResultPart(protocol.ToolResult{
			ToolName: name,
			Error:    code,
			Detail:   detail,
		})},
	}
}

// appendCountdown records the budget position on the latest assistant
// message so the model sees how many calls remain.
func (c *Coordinator) appendCountdown(state *callState) {
	if !state.runtime.ToolCountdownEnabled {
		return
	}
	for i := len(state.messages) - 1; i >= 0; i-- {
		if state.messages[i].Role == protocol.RoleAssistant {
			state.messages[i].Content = append(state.messages[i].Content, protocol.TextPart(
				fmt.Sprintf("Tool calls used %d of %d", state.budget.Used(), state.budget.Initial())))
			return
		}
	}
}

// errorEvent converts any failure into the wire error event shape.
func errorEvent(err error) protocol.StreamEvent {
	var ae *protocol.AdapterError
	if errors.As(err, &ae) {
		return protocol.ErrorEvent(ae.Code, ae.Message)
	}
	return protocol.ErrorEvent(protocol.ErrInternal, err.Error())
}
