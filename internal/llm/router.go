package llm

import (
	"context"
	"fmt"
)

// ProviderRouter dispatches ChatStream/Ping calls to one of several
// registered provider clients by model name, falling back to a
// default when the model has no explicit binding. This is what lets
// agentgate's engine registry (internal/config.EngineEntry.Provider)
// point different engine ids at different backends — Anthropic for
// one, a local Ollama instance for another — without ChatEngine ever
// knowing which provider it's talking to.
type ProviderRouter struct {
	clients  map[string]Client // provider name -> client
	models   map[string]string // model name -> provider name
	fallback Client
}

// NewProviderRouter builds a router that uses fallback for any model
// with no explicit provider binding.
func NewProviderRouter(fallback Client) *ProviderRouter {
	return &ProviderRouter{
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a named backend client.
func (r *ProviderRouter) AddProvider(name string, client Client) {
	r.clients[name] = client
}

// BindModel routes model to the named provider. The provider must
// already be registered via AddProvider.
func (r *ProviderRouter) BindModel(model, provider string) {
	r.models[model] = provider
}

func (r *ProviderRouter) clientFor(model string) Client {
	if provider, ok := r.models[model]; ok {
		if c, ok := r.clients[provider]; ok {
			return c
		}
	}
	return r.fallback
}

func (r *ProviderRouter) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	c := r.clientFor(model)
	if c == nil {
		return nil, fmt.Errorf("llm: no provider bound for model %q and no fallback configured", model)
	}
	return c.ChatStream(ctx, model, messages, tools, callback)
}

func (r *ProviderRouter) Ping(ctx context.Context) error {
	if r.fallback != nil {
		if err := r.fallback.Ping(ctx); err != nil {
			return err
		}
	}
	for name, c := range r.clients {
		if err := c.Ping(ctx); err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
	}
	return nil
}
