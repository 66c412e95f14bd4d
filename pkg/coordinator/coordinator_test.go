package coordinator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/modelrelay/modelrelay/pkg/llms"
	"github.com/modelrelay/modelrelay/pkg/protocol"
	"github.com/modelrelay/modelrelay/pkg/registry"
)

type fakeInvoker struct {
	responses []*protocol.Response
	errs      []error
	streams   [][]*llms.ParsedChunk
	// loopStream, when set, is returned for every InvokeStream call,
	// mimicking a provider that never stops requesting tools.
	loopStream []*llms.ParsedChunk

	requests []*llms.Request
	calls    int
}

func (f *fakeInvoker) snapshot(req *llms.Request) {
	copied := *req
	copied.Messages = make([]protocol.Message, len(req.Messages))
	copy(copied.Messages, req.Messages)
	f.requests = append(f.requests, &copied)
}

func (f *fakeInvoker) Invoke(ctx context.Context, req *llms.Request) (*protocol.Response, error) {
	f.snapshot(req)
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return nil, errors.New("fake invoker exhausted")
}

func (f *fakeInvoker) InvokeStream(ctx context.Context, req *llms.Request) (<-chan *llms.ParsedChunk, error) {
	f.snapshot(req)
	i := f.calls
	f.calls++
	if f.loopStream != nil {
		ch := make(chan *llms.ParsedChunk, len(f.loopStream))
		for _, chunk := range f.loopStream {
			ch <- chunk
		}
		close(ch)
		return ch, nil
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i >= len(f.streams) {
		return nil, errors.New("fake invoker exhausted")
	}
	ch := make(chan *llms.ParsedChunk, len(f.streams[i]))
	for _, chunk := range f.streams[i] {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

const testPlugins = `
providers:
  - id: p
    compat: openai
    base_url: http://invalid.test
    api_key: k
  - id: p2
    compat: openai
    base_url: http://invalid.test
    api_key: k
function_tools:
  - name: now
    handler: current_time
`

func newTestCoordinator(t *testing.T, invokers map[string]Invoker) *Coordinator {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "plugins.yaml"), []byte(testPlugins), 0o644); err != nil {
		t.Fatal(err)
	}
	c := New(registry.New(dir))
	c.newInvoker = func(provider *registry.ProviderManifest, compat llms.Compat) Invoker {
		inv, ok := invokers[provider.ID]
		if !ok {
			t.Errorf("unexpected invoker construction for provider %q", provider.ID)
			return &fakeInvoker{}
		}
		return inv
	}
	return c
}

func textResponse(text string) *protocol.Response {
	return &protocol.Response{
		Provider: "p",
		Model:    "m",
		Role:     protocol.RoleAssistant,
		Content:  []protocol.ContentPart{protocol.TextPart(text)},
	}
}

func toolCallResponse(name string) *protocol.Response {
	return &protocol.Response{
		Provider: "p",
		Model:    "m",
		Role:     protocol.RoleAssistant,
		Content:  []protocol.ContentPart{},
		ToolCalls: []protocol.ToolCall{
			{ID: "call_1", Name: name, Arguments: map[string]any{}},
		},
	}
}

func baseSpec() *protocol.CallSpec {
	return &protocol.CallSpec{
		Messages: []protocol.Message{
			{Role: protocol.RoleUser, Content: []protocol.ContentPart{protocol.TextPart("hi")}},
		},
		LLMPriority: []protocol.ModelTarget{{Provider: "p", Model: "m"}},
	}
}

func TestRunValidationBeforeProviderIO(t *testing.T) {
	inv := &fakeInvoker{}
	c := newTestCoordinator(t, map[string]Invoker{"p": inv})

	spec := baseSpec()
	spec.LLMPriority = nil
	_, err := c.Run(t.Context(), spec)
	if protocol.CodeOf(err) != protocol.ErrValidation {
		t.Fatalf("error = %v, want validation_error", err)
	}
	if inv.calls != 0 {
		t.Errorf("provider was called %d times before validation", inv.calls)
	}
}

func TestRunHappyPath(t *testing.T) {
	inv := &fakeInvoker{responses: []*protocol.Response{textResponse("ok")}}
	c := newTestCoordinator(t, map[string]Invoker{"p": inv})

	resp, err := c.Run(t.Context(), baseSpec())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Content[0].Text != "ok" {
		t.Errorf("response text = %q", resp.Content[0].Text)
	}
	if inv.requests[0].Model != "m" {
		t.Errorf("model = %q", inv.requests[0].Model)
	}
	if inv.requests[0].ToolChoice != "" {
		t.Errorf("tool choice set without tools: %q", inv.requests[0].ToolChoice)
	}
}

func TestRunToolLoop(t *testing.T) {
	inv := &fakeInvoker{responses: []*protocol.Response{
		toolCallResponse("now"),
		textResponse("done"),
	}}
	c := newTestCoordinator(t, map[string]Invoker{"p": inv})

	spec := baseSpec()
	spec.FunctionToolNames = []string{"now"}
	resp, err := c.Run(t.Context(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Content[0].Text != "done" {
		t.Errorf("final text = %q", resp.Content[0].Text)
	}
	if len(inv.requests) != 2 {
		t.Fatalf("provider calls = %d", len(inv.requests))
	}
	if inv.requests[0].ToolChoice != "auto" {
		t.Errorf("tool choice = %q", inv.requests[0].ToolChoice)
	}

	followup := inv.requests[1].Messages
	// user, assistant with tool call + countdown, tool result.
	if len(followup) != 3 {
		t.Fatalf("follow-up messages = %d", len(followup))
	}
	assistant := followup[1]
	if len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].ID != "call_1" {
		t.Errorf("assistant tool calls = %+v", assistant.ToolCalls)
	}
	if got := assistant.TextContent(); got != "Tool calls used 1 of 10" {
		t.Errorf("countdown = %q", got)
	}
	toolMsg := followup[2]
	if toolMsg.Role != protocol.RoleTool || toolMsg.ToolCallID != "call_1" {
		t.Errorf("tool message = %+v", toolMsg)
	}
	tr := toolMsg.Content[0].ToolResult
	if tr == nil || tr.Error != "" || tr.Result == nil {
		t.Errorf("tool result = %+v", tr)
	}
}

func TestRunBudgetExhaustion(t *testing.T) {
	inv := &fakeInvoker{responses: []*protocol.Response{
		toolCallResponse("boom"),
		textResponse("stopped"),
	}}
	c := newTestCoordinator(t, map[string]Invoker{"p": inv})

	spec := baseSpec()
	spec.Tools = []protocol.Tool{{Name: "boom"}}
	spec.Runtime = map[string]any{"maxToolIterations": 0}
	resp, err := c.Run(t.Context(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Content[0].Text != "stopped" {
		t.Errorf("final text = %q", resp.Content[0].Text)
	}

	toolMsg := inv.requests[1].Messages[2]
	tr := toolMsg.Content[0].ToolResult
	if tr == nil || tr.Error != "tool_call_budget_exhausted" {
		t.Fatalf("tool result = %+v", tr)
	}
}

func TestRunToolFailureContinuesLoop(t *testing.T) {
	inv := &fakeInvoker{responses: []*protocol.Response{
		toolCallResponse("ghost"),
		textResponse("recovered"),
	}}
	c := newTestCoordinator(t, map[string]Invoker{"p": inv})

	spec := baseSpec()
	spec.Tools = []protocol.Tool{{Name: "ghost"}}
	resp, err := c.Run(t.Context(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Content[0].Text != "recovered" {
		t.Errorf("final text = %q", resp.Content[0].Text)
	}
	tr := inv.requests[1].Messages[2].Content[0].ToolResult
	if tr == nil || tr.Error != "tool_execution_failed" || tr.Detail == "" {
		t.Errorf("tool result = %+v", tr)
	}
}

func TestRunFailover(t *testing.T) {
	failing := &fakeInvoker{errs: []error{errors.New("connection refused")}}
	healthy := &fakeInvoker{responses: []*protocol.Response{textResponse("ok")}}
	c := newTestCoordinator(t, map[string]Invoker{"p": failing, "p2": healthy})

	spec := baseSpec()
	spec.LLMPriority = []protocol.ModelTarget{
		{Provider: "p", Model: "m"},
		{Provider: "p2", Model: "m2"},
	}
	resp, err := c.Run(t.Context(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Content[0].Text != "ok" {
		t.Errorf("text = %q", resp.Content[0].Text)
	}
	if healthy.requests[0].Model != "m2" {
		t.Errorf("failover model = %q", healthy.requests[0].Model)
	}
}

func TestRunMalformedResponseAbortsFailover(t *testing.T) {
	malformed := &fakeInvoker{errs: []error{
		protocol.NewError(protocol.ErrMalformedResponse, "bad shape"),
	}}
	second := &fakeInvoker{responses: []*protocol.Response{textResponse("never")}}
	c := newTestCoordinator(t, map[string]Invoker{"p": malformed, "p2": second})

	spec := baseSpec()
	spec.LLMPriority = []protocol.ModelTarget{
		{Provider: "p", Model: "m"},
		{Provider: "p2", Model: "m2"},
	}
	_, err := c.Run(t.Context(), spec)
	if protocol.CodeOf(err) != protocol.ErrMalformedResponse {
		t.Fatalf("error = %v", err)
	}
	if second.calls != 0 {
		t.Error("malformed response must not fail over")
	}
}

func TestRunFinalPrompt(t *testing.T) {
	inv := &fakeInvoker{responses: []*protocol.Response{
		toolCallResponse("now"),
		toolCallResponse("now"),
	}}
	c := newTestCoordinator(t, map[string]Invoker{"p": inv})

	spec := baseSpec()
	spec.FunctionToolNames = []string{"now"}
	spec.Runtime = map[string]any{
		"maxToolIterations":      1,
		"toolFinalPromptEnabled": true,
	}
	resp, err := c.Run(t.Context(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The final call's response is returned even with tool calls.
	if len(resp.ToolCalls) != 1 {
		t.Errorf("final response tool calls = %+v", resp.ToolCalls)
	}
	if len(inv.requests) != 2 {
		t.Fatalf("provider calls = %d", len(inv.requests))
	}
	last := inv.requests[1].Messages
	hint := last[len(last)-1]
	if hint.Role != protocol.RoleSystem || hint.TextContent() != finalPromptHint {
		t.Errorf("missing final prompt hint: %+v", hint)
	}
}

func collectEvents(t *testing.T, ch <-chan protocol.StreamEvent) []protocol.StreamEvent {
	t.Helper()
	var out []protocol.StreamEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestRunStreamDeltasAndDone(t *testing.T) {
	inv := &fakeInvoker{streams: [][]*llms.ParsedChunk{{
		{Text: "hel"},
		{Text: ""},
		{Text: "lo", Usage: &protocol.Usage{TotalTokens: 3}, FinishReason: "stop"},
	}}}
	c := newTestCoordinator(t, map[string]Invoker{"p": inv})

	ch, err := c.RunStream(t.Context(), baseSpec())
	if err != nil {
		t.Fatalf("RunStream: %v", err)
	}
	events := collectEvents(t, ch)
	if len(events) != 3 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Type != protocol.StreamEventDelta || events[0].Content != "hel" {
		t.Errorf("event 0 = %+v", events[0])
	}
	if events[1].Content != "lo" {
		t.Errorf("event 1 = %+v", events[1])
	}
	done := events[2]
	if done.Type != protocol.StreamEventDone {
		t.Fatalf("terminal event = %+v", done)
	}
	if done.Response.Content[0].Text != "hello" {
		t.Errorf("assembled text = %q", done.Response.Content[0].Text)
	}
	if done.Response.Usage.TotalTokens != 3 || done.Response.FinishReason != "stop" {
		t.Errorf("assembled response = %+v", done.Response)
	}
	if done.Response.Provider != "p" || done.Response.Model != "m" {
		t.Errorf("assembled target = %s/%s", done.Response.Provider, done.Response.Model)
	}
}

func TestRunStreamToolLoop(t *testing.T) {
	inv := &fakeInvoker{streams: [][]*llms.ParsedChunk{
		{
			{Text: "thinking"},
			{ToolEvents: []protocol.ToolCallEvent{{
				Type: protocol.ToolCallStart, CallID: "0", Name: "now",
				Metadata: map[string]any{"providerCallId": "call_9"},
			}}},
			{ToolEvents: []protocol.ToolCallEvent{{
				Type: protocol.ToolCallArgumentsDelta, CallID: "0", ArgumentsDelta: "{}",
			}}},
			{FinishedWithToolCalls: true},
		},
		{
			{Text: "done", FinishReason: "stop"},
		},
	}}
	c := newTestCoordinator(t, map[string]Invoker{"p": inv})

	spec := baseSpec()
	spec.FunctionToolNames = []string{"now"}
	ch, err := c.RunStream(t.Context(), spec)
	if err != nil {
		t.Fatalf("RunStream: %v", err)
	}
	events := collectEvents(t, ch)

	types := make([]protocol.StreamEventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	want := []protocol.StreamEventType{
		protocol.StreamEventDelta,
		protocol.StreamEventTool, // start
		protocol.StreamEventTool, // arguments delta
		protocol.StreamEventTool, // synthesized end
		protocol.StreamEventDelta,
		protocol.StreamEventDone,
	}
	if len(types) != len(want) {
		t.Fatalf("event types = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d type = %v, want %v (all %v)", i, types[i], want[i], types)
		}
	}
	if events[3].ToolEvent.Type != protocol.ToolCallEnd {
		t.Errorf("event 3 = %+v", events[3].ToolEvent)
	}

	// Follow-up request carries the frozen call under its provider id.
	followup := inv.requests[1].Messages
	assistant := followup[1]
	if len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].ID != "call_9" {
		t.Errorf("frozen tool calls = %+v", assistant.ToolCalls)
	}
	if assistant.ToolCalls[0].Name != "now" {
		t.Errorf("frozen tool name = %q", assistant.ToolCalls[0].Name)
	}
	if followup[2].Role != protocol.RoleTool || followup[2].ToolCallID != "call_9" {
		t.Errorf("tool message = %+v", followup[2])
	}
}

func TestRunStreamMidStreamError(t *testing.T) {
	inv := &fakeInvoker{streams: [][]*llms.ParsedChunk{{
		{Text: "ok"},
		{Err: errors.New("boom")},
	}}}
	c := newTestCoordinator(t, map[string]Invoker{"p": inv})

	ch, err := c.RunStream(t.Context(), baseSpec())
	if err != nil {
		t.Fatalf("RunStream: %v", err)
	}
	events := collectEvents(t, ch)
	if len(events) != 2 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Content != "ok" {
		t.Errorf("event 0 = %+v", events[0])
	}
	errEv := events[1]
	if errEv.Type != protocol.StreamEventError {
		t.Fatalf("terminal event = %+v", errEv)
	}
	if errEv.Error.Code != protocol.ErrInternal || errEv.Error.Message != "boom" {
		t.Errorf("error payload = %+v", errEv.Error)
	}
}

func TestRunStreamOpenFailurePropagates(t *testing.T) {
	inv := &fakeInvoker{errs: []error{errors.New("refused")}}
	c := newTestCoordinator(t, map[string]Invoker{"p": inv})

	if _, err := c.RunStream(t.Context(), baseSpec()); err == nil {
		t.Fatal("expected synchronous stream-open failure")
	}
}

func TestRunStreamBudgetExhaustionEndsLoop(t *testing.T) {
	// A provider that finishes every segment with tool calls must not
	// be re-invoked past the one post-exhaustion round.
	inv := &fakeInvoker{loopStream: []*llms.ParsedChunk{
		{ToolEvents: []protocol.ToolCallEvent{
			{Type: protocol.ToolCallStart, CallID: "0", Name: "now"},
			{Type: protocol.ToolCallEnd, CallID: "0", Arguments: map[string]any{}},
		}},
		{FinishedWithToolCalls: true, FinishReason: "tool_calls"},
	}}
	c := newTestCoordinator(t, map[string]Invoker{"p": inv})

	spec := baseSpec()
	spec.FunctionToolNames = []string{"now"}
	spec.Runtime = map[string]any{"maxToolIterations": 1}
	ch, err := c.RunStream(t.Context(), spec)
	if err != nil {
		t.Fatalf("RunStream: %v", err)
	}

	var done *protocol.StreamEvent
	events := 0
	for ev := range ch {
		events++
		if events > 50 {
			t.Fatal("stream keeps producing events after budget exhaustion")
		}
		if ev.Type == protocol.StreamEventDone {
			e := ev
			done = &e
		}
	}
	if done == nil {
		t.Fatal("stream closed without a DONE event")
	}
	if len(done.Response.ToolCalls) == 0 {
		t.Error("final response should surface the unexecuted tool calls")
	}
	if inv.calls != 2 {
		t.Errorf("provider stream invocations = %d, want 2", inv.calls)
	}
}

func TestAggregatorAttachesThoughtSignature(t *testing.T) {
	// Mirrors a thinking stream: the signature arrives on the thinking
	// block (index 0), which then closes, before the tool_use block
	// (index 1) opens. The signature must land on the real tool call
	// and the thinking block must not become a phantom call.
	agg := newAggregator()
	chunks := []*llms.ParsedChunk{
		{Reasoning: "plan the call"},
		{Metadata: map[string]any{"thoughtSignature": "sig-abc"}},
		{ToolEvents: []protocol.ToolCallEvent{{Type: protocol.ToolCallEnd, CallID: "0"}}},
		{ToolEvents: []protocol.ToolCallEvent{
			{Type: protocol.ToolCallStart, CallID: "1", Name: "now",
				Metadata: map[string]any{"providerCallId": "toolu_1"}},
			{Type: protocol.ToolCallArgumentsDelta, CallID: "1", ArgumentsDelta: `{}`},
			{Type: protocol.ToolCallEnd, CallID: "1"},
		}},
		{FinishedWithToolCalls: true},
	}
	for _, chunk := range chunks {
		agg.ingest(chunk)
	}

	calls, endEvents := agg.freeze()
	if len(endEvents) != 0 {
		t.Errorf("no ends should be synthesized, got %+v", endEvents)
	}
	if len(calls) != 1 {
		t.Fatalf("calls = %+v, want exactly one", calls)
	}
	call := calls[0]
	if call.ID != "toolu_1" || call.Name != "now" {
		t.Errorf("call = %+v", call)
	}
	if call.Metadata["thoughtSignature"] != "sig-abc" {
		t.Errorf("metadata = %+v", call.Metadata)
	}
}

func TestAggregatorIgnoresUnknownEnds(t *testing.T) {
	agg := newAggregator()
	events, _ := agg.ingest(&llms.ParsedChunk{ToolEvents: []protocol.ToolCallEvent{
		{Type: protocol.ToolCallEnd, CallID: "0"},
	}})
	if len(events) != 0 {
		t.Errorf("unknown end must be dropped, got %+v", events)
	}
	if len(agg.order) != 0 {
		t.Errorf("unknown end must not create state")
	}
}

func TestProcessRoutesRewriteTargets(t *testing.T) {
	dir := t.TempDir()
	manifest := testPlugins + `
process_routes:
  - id: gpt-route
    model_prefix: "gpt-"
    provider: p2
    model: m2
`
	if err := os.WriteFile(filepath.Join(dir, "plugins.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	healthy := &fakeInvoker{responses: []*protocol.Response{textResponse("ok")}}
	c := New(registry.New(dir))
	c.newInvoker = func(provider *registry.ProviderManifest, compat llms.Compat) Invoker {
		if provider.ID != "p2" {
			t.Errorf("route not applied, provider = %q", provider.ID)
		}
		return healthy
	}

	spec := baseSpec()
	spec.LLMPriority = []protocol.ModelTarget{{Provider: "p", Model: "gpt-4o"}}
	if _, err := c.Run(t.Context(), spec); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if healthy.requests[0].Model != "m2" {
		t.Errorf("routed model = %q", healthy.requests[0].Model)
	}
}
