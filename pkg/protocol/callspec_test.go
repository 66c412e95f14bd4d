package protocol

import (
	"math"
	"testing"
)

func TestParseRuntime(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
		want RuntimeOptions
	}{
		{
			name: "nil map uses defaults",
			raw:  nil,
			want: RuntimeOptions{MaxToolIterations: 10, ToolCountdownEnabled: true},
		},
		{
			name: "numeric truncation",
			raw:  map[string]any{"maxToolIterations": 3.9},
			want: RuntimeOptions{MaxToolIterations: 3, ToolCountdownEnabled: true},
		},
		{
			name: "string coercion",
			raw:  map[string]any{"maxToolIterations": "5"},
			want: RuntimeOptions{MaxToolIterations: 5, ToolCountdownEnabled: true},
		},
		{
			name: "explicit zero",
			raw:  map[string]any{"maxToolIterations": 0},
			want: RuntimeOptions{MaxToolIterations: 0, ToolCountdownEnabled: true},
		},
		{
			name: "negative clamps to zero",
			raw:  map[string]any{"maxToolIterations": -4},
			want: RuntimeOptions{MaxToolIterations: 0, ToolCountdownEnabled: true},
		},
		{
			name: "NaN falls back to default",
			raw:  map[string]any{"maxToolIterations": math.NaN()},
			want: RuntimeOptions{MaxToolIterations: 10, ToolCountdownEnabled: true},
		},
		{
			name: "infinity falls back to default",
			raw:  map[string]any{"maxToolIterations": math.Inf(1)},
			want: RuntimeOptions{MaxToolIterations: 10, ToolCountdownEnabled: true},
		},
		{
			name: "null falls back to default",
			raw:  map[string]any{"maxToolIterations": nil},
			want: RuntimeOptions{MaxToolIterations: 10, ToolCountdownEnabled: true},
		},
		{
			name: "toggles and batch id",
			raw: map[string]any{
				"toolCountdownEnabled":   false,
				"toolFinalPromptEnabled": true,
				"batchId":                "run-7",
			},
			want: RuntimeOptions{
				MaxToolIterations:      10,
				ToolCountdownEnabled:   false,
				ToolFinalPromptEnabled: true,
				BatchID:                "run-7",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseRuntime(tt.raw)
			if got != tt.want {
				t.Errorf("ParseRuntime() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseSettings(t *testing.T) {
	s, err := ParseSettings(map[string]any{
		"temperature": "0.5",
		"maxTokens":   1024.0,
		"stop":        []any{"END"},
		"unknownKey":  true,
	})
	if err != nil {
		t.Fatalf("ParseSettings() error = %v", err)
	}
	if s.Temperature == nil || *s.Temperature != 0.5 {
		t.Errorf("Temperature = %v, want 0.5", s.Temperature)
	}
	if s.MaxTokens != 1024 {
		t.Errorf("MaxTokens = %d, want 1024", s.MaxTokens)
	}
	if len(s.Stop) != 1 || s.Stop[0] != "END" {
		t.Errorf("Stop = %v, want [END]", s.Stop)
	}
}

func TestCallSpecValidate(t *testing.T) {
	spec := &CallSpec{
		Messages: []Message{{Role: RoleUser, Content: []ContentPart{TextPart("hi")}}},
	}
	err := spec.Validate()
	if err == nil {
		t.Fatal("expected error for empty llmPriority")
	}
	if CodeOf(err) != ErrValidation {
		t.Errorf("code = %s, want validation_error", CodeOf(err))
	}

	spec.LLMPriority = []ModelTarget{{Provider: "p", Model: "m"}}
	if err := spec.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestToolCallBudget(t *testing.T) {
	b := NewToolCallBudget(2)
	if !b.Consume() || !b.Consume() {
		t.Fatal("expected two consumes to succeed")
	}
	if b.Consume() {
		t.Error("expected third consume to fail")
	}
	if !b.Exhausted() || b.Used() != 2 || b.Initial() != 2 {
		t.Errorf("unexpected budget state: remaining=%d used=%d", b.Remaining(), b.Used())
	}

	zero := NewToolCallBudget(0)
	if zero.Consume() {
		t.Error("zero budget must reject consume")
	}
}
