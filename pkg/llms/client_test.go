package llms

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/modelrelay/modelrelay/pkg/protocol"
	"github.com/modelrelay/modelrelay/pkg/registry"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	zero := 0
	return NewClient(&registry.ProviderManifest{
		ID:         "test",
		Compat:     "openai",
		BaseURL:    srv.URL,
		APIKey:     "sk-test",
		MaxRetries: &zero,
	}, newOpenAICompat("openai"))
}

func TestClientInvoke(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`))
	})

	resp, err := client.Invoke(t.Context(), &Request{
		Provider: client.Provider(),
		Model:    "gpt-4o",
		Messages: []protocol.Message{userText("hello")},
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if resp.Content[0].Text != "hi" || resp.FinishReason != "stop" {
		t.Errorf("response = %+v", resp)
	}
}

func TestClientInvokeErrorStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	})

	_, err := client.Invoke(t.Context(), &Request{
		Provider: client.Provider(),
		Model:    "gpt-4o",
		Messages: []protocol.Message{userText("hello")},
	})
	if protocol.CodeOf(err) != protocol.ErrInternal {
		t.Fatalf("err = %v", err)
	}
}

func TestClientInvokeStream(t *testing.T) {
	frames := []string{
		`data: {"choices":[{"delta":{"content":"hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":2,"total_tokens":3}}`,
		`data: [DONE]`,
	}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range frames {
			w.Write([]byte(frame + "\n\n"))
			flusher.Flush()
		}
	})

	ch, err := client.InvokeStream(t.Context(), &Request{
		Provider: client.Provider(),
		Model:    "gpt-4o",
		Messages: []protocol.Message{userText("hello")},
	})
	if err != nil {
		t.Fatalf("InvokeStream() error = %v", err)
	}

	var text string
	var usage *protocol.Usage
	var finish string
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("chunk error = %v", chunk.Err)
		}
		text += chunk.Text
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}
	if text != "hello" {
		t.Errorf("text = %q", text)
	}
	if usage == nil || usage.TotalTokens != 3 {
		t.Errorf("usage = %+v", usage)
	}
	if finish != "stop" {
		t.Errorf("finish = %q", finish)
	}
}

func TestClientStreamSurfacesProviderFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"error\":{\"message\":\"overloaded\"}}\n\n"))
	})

	ch, err := client.InvokeStream(t.Context(), &Request{
		Provider: client.Provider(),
		Model:    "gpt-4o",
		Messages: []protocol.Message{userText("hello")},
	})
	if err != nil {
		t.Fatalf("InvokeStream() error = %v", err)
	}

	var sawErr error
	for chunk := range ch {
		if chunk.Err != nil {
			sawErr = chunk.Err
		}
	}
	if protocol.CodeOf(sawErr) != protocol.ErrInternal {
		t.Errorf("terminal error = %v", sawErr)
	}
}

func TestHeaderParserSelection(t *testing.T) {
	resetHeaders := http.Header{"Retry-After": []string{"2"}}
	if info := headerParserFor("openai")(resetHeaders); info.RetryAfter == 0 {
		t.Error("openai parser ignored Retry-After")
	}
	if info := headerParserFor("anthropic")(resetHeaders); info.RetryAfter == 0 {
		t.Error("anthropic parser ignored Retry-After")
	}
	if info := headerParserFor("somegateway")(resetHeaders); info.RetryAfter == 0 {
		t.Error("generic parser ignored Retry-After")
	}
}
