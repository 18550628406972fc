package inbound

import (
	"sync"

	"github.com/nugget/agentgate/internal/agentevent"
)

// Binding is the routing outcome for a conversation scope: which agent
// owns it, what queue_mode governs admission while it is busy, and
// which engine runs it.
type Binding struct {
	AgentID   string
	QueueMode agentevent.QueueMode
	EngineID  string // "" means the orchestrator's configured default
}

// BindingTable resolves {channel, chat_id, thread_id?} to a Binding.
// It is a concurrency-safe in-memory map rather than a persisted table:
// bindings are operator-configured (or set via an admin command, out of
// scope here) and small in number compared to inbound message volume.
type BindingTable struct {
	mu       sync.RWMutex
	bindings map[string]Binding
	fallback Binding
}

// NewBindingTable builds a table that returns fallback for any scope
// with no explicit binding.
func NewBindingTable(fallback Binding) *BindingTable {
	return &BindingTable{bindings: make(map[string]Binding), fallback: fallback}
}

func scopeKey(channel, chatID, threadID string) string {
	if threadID == "" {
		return channel + ":" + chatID
	}
	return channel + ":" + chatID + ":" + threadID
}

// Set registers a binding for a scope. An empty threadID binds the
// whole chat, independent of any thread-scoped bindings within it.
func (t *BindingTable) Set(channel, chatID, threadID string, b Binding) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bindings[scopeKey(channel, chatID, threadID)] = b
}

// Resolve returns the binding for the most specific matching scope:
// {channel, chat, thread}, then {channel, chat}, then the table's
// fallback.
func (t *BindingTable) Resolve(channel, chatID, threadID string) Binding {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if threadID != "" {
		if b, ok := t.bindings[scopeKey(channel, chatID, threadID)]; ok {
			return b
		}
	}
	if b, ok := t.bindings[scopeKey(channel, chatID, "")]; ok {
		return b
	}
	return t.fallback
}
