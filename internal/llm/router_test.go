package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubClient is a minimal Client double for exercising ProviderRouter
// dispatch without a real HTTP provider.
type stubClient struct {
	name    string
	pingErr error
}

func (s *stubClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	if callback != nil {
		callback(s.name)
	}
	return &ChatResponse{Model: model, Message: Message{Role: "assistant", Content: s.name}}, nil
}

func (s *stubClient) Ping(ctx context.Context) error { return s.pingErr }

func TestProviderRouterRoutesBoundModelToItsProvider(t *testing.T) {
	fallback := &stubClient{name: "fallback"}
	local := &stubClient{name: "local"}

	r := NewProviderRouter(fallback)
	r.AddProvider("ollama", local)
	r.BindModel("llama3", "ollama")

	resp, err := r.ChatStream(context.Background(), "llama3", nil, nil, nil)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if resp.Message.Content != "local" {
		t.Errorf("dispatched to %q, want the bound provider", resp.Message.Content)
	}

	resp, err = r.ChatStream(context.Background(), "claude-opus-4-20250514", nil, nil, nil)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if resp.Message.Content != "fallback" {
		t.Errorf("dispatched to %q, want the fallback provider for an unbound model", resp.Message.Content)
	}
}

func TestProviderRouterPingAggregatesAllProviders(t *testing.T) {
	fallback := &stubClient{name: "fallback"}
	broken := &stubClient{name: "broken", pingErr: errors.New("connection refused")}

	r := NewProviderRouter(fallback)
	r.AddProvider("ollama", broken)

	if err := r.Ping(context.Background()); err == nil {
		t.Fatal("expected Ping to surface the broken provider's error")
	}
}

func TestProviderRouterNoFallbackNoBindingErrors(t *testing.T) {
	r := NewProviderRouter(nil)
	if _, err := r.ChatStream(context.Background(), "unbound-model", nil, nil, nil); err == nil {
		t.Fatal("expected an error with no fallback and no binding for the model")
	}
}
