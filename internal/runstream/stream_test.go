package runstream

import (
	"context"
	"testing"
	"time"

	"github.com/nugget/agentgate/internal/agentevent"
)

func TestPushAndSubscribe(t *testing.T) {
	s := New(context.Background(), Config{MaxQueue: 4})
	sub := s.Subscribe()

	if err := s.Push(agentevent.AgentEvent{Kind: agentevent.EventAgentStart}); err != nil {
		t.Fatalf("Push: %v", err)
	}

	select {
	case e := <-sub:
		if e.Kind != agentevent.EventAgentStart {
			t.Errorf("got kind %v", e.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestOverflowDropOldest(t *testing.T) {
	s := New(context.Background(), Config{MaxQueue: 2, DropStrategy: DropOldest})
	s.Push(agentevent.AgentEvent{Kind: agentevent.EventTurnStart, Delta: "1"})
	s.Push(agentevent.AgentEvent{Kind: agentevent.EventTurnStart, Delta: "2"})
	if err := s.Push(agentevent.AgentEvent{Kind: agentevent.EventTurnStart, Delta: "3"}); err != nil {
		t.Fatalf("expected ok on drop_oldest overflow, got %v", err)
	}
	st := s.Stats()
	if st.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", st.Dropped)
	}
	if st.QueueSize != 2 {
		t.Errorf("QueueSize = %d, want 2", st.QueueSize)
	}
}

func TestOverflowError(t *testing.T) {
	s := New(context.Background(), Config{MaxQueue: 1, DropStrategy: DropError})
	s.Push(agentevent.AgentEvent{Kind: agentevent.EventTurnStart})
	err := s.Push(agentevent.AgentEvent{Kind: agentevent.EventTurnStart})
	pe, ok := err.(*PushError)
	if !ok || !pe.Overflow {
		t.Fatalf("expected overflow error, got %v", err)
	}
}

func TestCompleteBlocksFurtherPush(t *testing.T) {
	s := New(context.Background(), Config{MaxQueue: 4})
	s.Complete([]agentevent.Message{{Role: "assistant", Text: "hi"}})

	err := s.Push(agentevent.AgentEvent{Kind: agentevent.EventTurnStart})
	pe, ok := err.(*PushError)
	if !ok || !pe.Canceled {
		t.Fatalf("expected canceled error after Complete, got %v", err)
	}
}

func TestResultReturnsFinalMessages(t *testing.T) {
	s := New(context.Background(), Config{MaxQueue: 4})
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Complete([]agentevent.Message{{Role: "assistant", Text: "done"}})
	}()

	final, err := s.Result(time.Second)
	if err != nil {
		t.Fatalf("Result error: %v", err)
	}
	if len(final) != 1 || final[0].Text != "done" {
		t.Errorf("final = %+v", final)
	}
}

func TestResultTimeout(t *testing.T) {
	s := New(context.Background(), Config{MaxQueue: 4})
	_, err := s.Result(20 * time.Millisecond)
	pe, ok := err.(*PushError)
	if !ok || !pe.Canceled {
		t.Fatalf("expected canceled/timeout error, got %v", err)
	}
}

func TestOwnerCancelPropagatesToSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx, Config{MaxQueue: 4})
	sub := s.Subscribe()
	cancel()

	select {
	case _, ok := <-sub:
		if ok {
			t.Error("expected subscriber channel to be closed, got an event")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber channel to close")
	}

	_, err := s.Result(time.Second)
	if err == nil {
		t.Error("expected Result to return an error after owner cancel")
	}
}

func TestMultipleSubscribersEachReceiveEveryEvent(t *testing.T) {
	s := New(context.Background(), Config{MaxQueue: 4})
	subA := s.Subscribe()
	subB := s.Subscribe()

	s.Push(agentevent.AgentEvent{Kind: agentevent.EventTurnStart})

	for _, sub := range []<-chan agentevent.AgentEvent{subA, subB} {
		select {
		case <-sub:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event on a subscriber")
		}
	}
}

func TestTimeoutTransitionsToCanceled(t *testing.T) {
	s := New(context.Background(), Config{MaxQueue: 4, TimeoutMs: 20})
	_, err := s.Result(time.Second)
	if err == nil {
		t.Fatal("expected timeout to cancel the stream")
	}
}
