package inbound

import (
	"testing"

	"github.com/nugget/agentgate/internal/agentevent"
)

func TestBindingTableFallback(t *testing.T) {
	fallback := Binding{AgentID: "default", QueueMode: agentevent.QueueCollect}
	bt := NewBindingTable(fallback)

	got := bt.Resolve("telegram", "123", "")
	if got != fallback {
		t.Errorf("Resolve with no bindings set = %+v, want fallback %+v", got, fallback)
	}
}

func TestBindingTableChatScope(t *testing.T) {
	bt := NewBindingTable(Binding{AgentID: "default"})
	bt.Set("telegram", "123", "", Binding{AgentID: "ops", QueueMode: agentevent.QueueSteer})

	got := bt.Resolve("telegram", "123", "")
	if got.AgentID != "ops" {
		t.Errorf("AgentID = %q, want ops", got.AgentID)
	}

	// A different chat still falls back.
	got2 := bt.Resolve("telegram", "999", "")
	if got2.AgentID != "default" {
		t.Errorf("AgentID for unbound chat = %q, want default", got2.AgentID)
	}
}

func TestBindingTableThreadScopeOverridesChatScope(t *testing.T) {
	bt := NewBindingTable(Binding{AgentID: "default"})
	bt.Set("telegram", "123", "", Binding{AgentID: "chat-level"})
	bt.Set("telegram", "123", "42", Binding{AgentID: "thread-level"})

	if got := bt.Resolve("telegram", "123", "42"); got.AgentID != "thread-level" {
		t.Errorf("thread-scoped Resolve = %q, want thread-level", got.AgentID)
	}
	if got := bt.Resolve("telegram", "123", "7"); got.AgentID != "chat-level" {
		t.Errorf("Resolve for a different thread = %q, want chat-level fallback", got.AgentID)
	}
}
