package coordinator

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/modelrelay/modelrelay/pkg/llms"
	"github.com/modelrelay/modelrelay/pkg/protocol"
)

const streamEventBuffer = 100

// RunStream executes one call spec as a normalized event stream. The
// first provider stream opens synchronously so pre-stream failures
// surface as errors, not events; the stream always terminates with a
// DONE event unless it fails mid-flight.
func (c *Coordinator) RunStream(ctx context.Context, spec *protocol.CallSpec) (<-chan protocol.StreamEvent, error) {
	state, err := c.prepare(ctx, spec)
	if err != nil {
		return nil, err
	}

	ch, err := c.invokeStream(ctx, state)
	if err != nil {
		state.col.Close()
		return nil, err
	}

	out := make(chan protocol.StreamEvent, streamEventBuffer)
	go func() {
		defer close(out)
		defer state.col.Close()
		c.pumpStream(ctx, state, ch, out)
	}()
	return out, nil
}

// pumpStream drives the aggregator across provider streams, executing
// tools at each finished-with-tool-calls boundary and chaining
// follow-up streams.
func (c *Coordinator) pumpStream(ctx context.Context, state *callState, ch <-chan *llms.ParsedChunk, out chan<- protocol.StreamEvent) {
	agg := newAggregator()

	exhaustedOnce := false
	for {
		froze := false
		for chunk := range ch {
			if chunk.Err != nil {
				c.log.Warn("provider stream failed mid-flight", "error", chunk.Err)
				emit(ctx, out, errorEvent(chunk.Err))
				return
			}
			events, finished := agg.ingest(chunk)
			for _, ev := range events {
				if !emit(ctx, out, ev) {
					return
				}
			}
			if finished {
				froze = true
				break
			}
		}

		if !froze {
			if !emit(ctx, out, protocol.DoneEvent(agg.response(state, nil))) {
				return
			}
			return
		}
		// The provider may trail a few frames after signaling tool
		// calls; drain so the reader goroutine can exit.
		go drain(ch)

		calls, endEvents := agg.freeze()
		for _, ev := range endEvents {
			if !emit(ctx, out, ev) {
				return
			}
		}

		// One post-exhaustion round lets the model see the budget
		// errors; after that the loop must not run again even when
		// the provider keeps requesting tools.
		if exhaustedOnce && state.budget.Exhausted() {
			emit(ctx, out, protocol.DoneEvent(agg.response(state, calls)))
			return
		}

		state.messages = append(state.messages, agg.assistantMessage(calls))
		state.messages = append(state.messages, c.executeToolCalls(ctx, state, calls)...)
		c.appendCountdown(state)
		if state.budget.Exhausted() {
			if state.runtime.ToolFinalPromptEnabled {
				state.messages = append(state.messages, protocol.Message{
					Role:    protocol.RoleSystem,
					Content: []protocol.ContentPart{protocol.TextPart(finalPromptHint)},
				})
			}
			exhaustedOnce = true
		}
		agg.resetSegment()

		next, err := c.invokeStream(ctx, state)
		if err != nil {
			emit(ctx, out, errorEvent(err))
			return
		}
		ch = next
	}
}

func emit(ctx context.Context, out chan<- protocol.StreamEvent, ev protocol.StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func drain(ch <-chan *llms.ParsedChunk) {
	for range ch {
	}
}

// toolState accumulates one in-flight tool call across chunks.
type toolState struct {
	name     string
	args     strings.Builder
	final    map[string]any
	metadata map[string]any
	ended    bool
}

func (s *toolState) arguments() map[string]any {
	if s.final != nil {
		return s.final
	}
	if raw := s.args.String(); raw != "" {
		var out map[string]any
		if err := json.Unmarshal([]byte(raw), &out); err == nil {
			return out
		}
	}
	return map[string]any{}
}

// aggregator folds raw provider chunks into normalized events and
// accumulates the response for DONE assembly.
type aggregator struct {
	states map[string]*toolState
	order  []string

	// pendingMeta holds message-level metadata (thought signatures)
	// that applies to every tool call started after it arrives.
	pendingMeta map[string]any

	text         strings.Builder
	reasoning    strings.Builder
	usage        *protocol.Usage
	finishReason string
}

func newAggregator() *aggregator {
	return &aggregator{states: make(map[string]*toolState)}
}

func (a *aggregator) state(id string) *toolState {
	if st, ok := a.states[id]; ok {
		return st
	}
	st := &toolState{}
	a.states[id] = st
	a.order = append(a.order, id)
	return st
}

// ingest folds one chunk, returning the events to emit and whether the
// provider signaled the tool-call boundary.
func (a *aggregator) ingest(chunk *llms.ParsedChunk) ([]protocol.StreamEvent, bool) {
	var events []protocol.StreamEvent

	if chunk.Text != "" {
		a.text.WriteString(chunk.Text)
		events = append(events, protocol.DeltaEvent(chunk.Text))
	}
	if chunk.Reasoning != "" {
		a.reasoning.WriteString(chunk.Reasoning)
		events = append(events, protocol.ReasoningEvent(chunk.Reasoning))
	}
	a.pendingMeta = mergeMetadata(a.pendingMeta, chunk.Metadata)

	for _, ev := range chunk.ToolEvents {
		switch ev.Type {
		case protocol.ToolCallStart:
			// Starts normalize a missing callId to "".
			st := a.state(ev.CallID)
			if ev.Name != "" {
				st.name = ev.Name
			}
			st.metadata = mergeMetadata(st.metadata, a.pendingMeta)
			st.metadata = mergeMetadata(st.metadata, ev.Metadata)
			events = append(events, protocol.ToolEvent(ev))

		case protocol.ToolCallArgumentsDelta:
			id := ev.CallID
			if id == "" {
				id = "0"
			}
			st := a.state(id)
			st.args.WriteString(ev.ArgumentsDelta)
			st.metadata = mergeMetadata(st.metadata, ev.Metadata)
			events = append(events, protocol.ToolEvent(ev))

		case protocol.ToolCallEnd:
			// Some providers close every content block; ends for calls
			// that never started are dropped.
			st, ok := a.states[ev.CallID]
			if !ok || st.ended {
				continue
			}
			st.ended = true
			if ev.Arguments != nil {
				st.final = ev.Arguments
			}
			st.metadata = mergeMetadata(st.metadata, ev.Metadata)
			events = append(events, protocol.ToolEvent(ev))
		}
	}

	if chunk.Usage != nil {
		a.usage = chunk.Usage
	}
	if chunk.FinishReason != "" {
		a.finishReason = chunk.FinishReason
	}
	return events, chunk.FinishedWithToolCalls
}

func mergeMetadata(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// freeze turns the accumulated tool states into a call list,
// synthesizing end events for providers that never emit them.
func (a *aggregator) freeze() ([]protocol.ToolCall, []protocol.StreamEvent) {
	var events []protocol.StreamEvent
	calls := make([]protocol.ToolCall, 0, len(a.order))
	for _, id := range a.order {
		st := a.states[id]
		if !st.ended {
			st.ended = true
			events = append(events, protocol.ToolEvent(protocol.ToolCallEvent{
				Type:      protocol.ToolCallEnd,
				CallID:    id,
				Name:      st.name,
				Arguments: st.arguments(),
			}))
		}

		callID := id
		if pid, ok := st.metadata["providerCallId"].(string); ok && pid != "" {
			callID = pid
		}
		calls = append(calls, protocol.ToolCall{
			ID:        callID,
			Name:      st.name,
			Arguments: st.arguments(),
			Metadata:  st.metadata,
		})
	}
	return calls, events
}

// assistantMessage builds the turn carrying the frozen tool calls for
// the follow-up provider call.
func (a *aggregator) assistantMessage(calls []protocol.ToolCall) protocol.Message {
	msg := protocol.Message{
		Role:      protocol.RoleAssistant,
		ToolCalls: calls,
		Reasoning: a.reasoning.String(),
		Content:   []protocol.ContentPart{},
	}
	if text := a.text.String(); text != "" {
		msg.Content = append(msg.Content, protocol.TextPart(text))
	}
	return msg
}

// resetSegment clears per-segment accumulation before a follow-up
// stream; usage carries over so DONE reports the last known numbers.
func (a *aggregator) resetSegment() {
	a.states = make(map[string]*toolState)
	a.order = nil
	a.pendingMeta = nil
	a.text.Reset()
	a.reasoning.Reset()
	a.finishReason = ""
}

// response assembles the DONE payload from the final segment. Tool
// calls appear only when the loop terminates with the budget spent.
func (a *aggregator) response(state *callState, calls []protocol.ToolCall) *protocol.Response {
	resp := &protocol.Response{
		Provider:     state.lastTarget.Provider,
		Model:        state.lastTarget.Model,
		Role:         protocol.RoleAssistant,
		Content:      []protocol.ContentPart{},
		ToolCalls:    calls,
		Reasoning:    a.reasoning.String(),
		Usage:        a.usage,
		FinishReason: a.finishReason,
	}
	if text := a.text.String(); text != "" {
		resp.Content = append(resp.Content, protocol.TextPart(text))
	}
	return resp
}
