package channels

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/agentgate/internal/agentevent"
	"github.com/nugget/agentgate/internal/outbound"
	"github.com/nugget/agentgate/internal/sessionkey"
	"github.com/nugget/agentgate/internal/store"
)

type fakeAdapter struct {
	calls []agentevent.OutboundPayload
}

func (f *fakeAdapter) Deliver(ctx context.Context, payload agentevent.OutboundPayload) (string, error) {
	f.calls = append(f.calls, payload)
	return "msg-1", nil
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "channels_test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func waitForCall(t *testing.T, a *fakeAdapter, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(a.calls) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for a delivery")
}

func TestEnqueueTruncatesOversizedText(t *testing.T) {
	adapter := &fakeAdapter{}
	manager := outbound.NewManager(map[string]outbound.Adapter{"telegram": adapter}, testStore(t), outbound.Config{
		ThrottleInterval: time.Millisecond,
	})
	defer manager.Close()

	reg := NewRegistry(manager, nil, map[string]int{"telegram": 5})
	_, err := reg.Enqueue(agentevent.OutboundPayload{
		ChannelID: "telegram",
		AccountID: "acct-1",
		Peer:      agentevent.PeerRef{Kind: sessionkey.PeerDM, ID: "peer-1"},
		Kind:      agentevent.PayloadText,
		Text:      "this text is far longer than five runes",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitForCall(t, adapter, time.Second)
	if got := adapter.calls[0].Text; got != "this " {
		t.Errorf("delivered text = %q, want %q (truncated to 5 runes)", got, "this ")
	}
}

func TestEnqueueUnknownChannel(t *testing.T) {
	manager := outbound.NewManager(map[string]outbound.Adapter{}, testStore(t), outbound.Config{})
	reg := NewRegistry(manager, nil, nil)
	_, err := reg.Enqueue(agentevent.OutboundPayload{ChannelID: "nope", Kind: agentevent.PayloadText})
	if err == nil {
		t.Fatal("expected an error for an unregistered channel")
	}
}

type fakePrompter struct {
	accountID string
	peer      agentevent.PeerRef
	runID     string
	text      string
}

func (f *fakePrompter) PromptConfirm(ctx context.Context, accountID string, peer agentevent.PeerRef, runID, text string) error {
	f.accountID, f.peer, f.runID, f.text = accountID, peer, runID, text
	return nil
}

func TestPromptKeepWaitingRoutesToRegisteredChannel(t *testing.T) {
	prompter := &fakePrompter{}
	reg := NewRegistry(nil, map[string]ConfirmPrompter{"telegram": prompter}, nil)

	key := sessionkey.MakeChannelPeer("telegram", "acct-1", sessionkey.PeerDM, "peer-1", "")
	if err := reg.PromptKeepWaiting(context.Background(), key, "run-1"); err != nil {
		t.Fatalf("PromptKeepWaiting: %v", err)
	}
	if prompter.accountID != "acct-1" || prompter.peer.ID != "peer-1" || prompter.runID != "run-1" {
		t.Errorf("prompter got accountID=%q peer=%+v runID=%q", prompter.accountID, prompter.peer, prompter.runID)
	}
}

func TestPromptKeepWaitingUnknownChannelErrors(t *testing.T) {
	reg := NewRegistry(nil, map[string]ConfirmPrompter{}, nil)
	key := sessionkey.MakeChannelPeer("sms", "acct-1", sessionkey.PeerDM, "peer-1", "")
	if err := reg.PromptKeepWaiting(context.Background(), key, "run-1"); err == nil {
		t.Fatal("expected an error when the channel has no ConfirmPrompter")
	}
}

func TestPromptKeepWaitingOpaqueSessionErrors(t *testing.T) {
	reg := NewRegistry(nil, map[string]ConfirmPrompter{"telegram": &fakePrompter{}}, nil)
	if err := reg.PromptKeepWaiting(context.Background(), sessionkey.MakeAgentMain("default"), "run-1"); err == nil {
		t.Fatal("expected an error for a non-channel_peer session")
	}
}
