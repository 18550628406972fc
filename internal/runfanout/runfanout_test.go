package runfanout

import (
	"testing"
	"time"

	"github.com/nugget/agentgate/internal/agentevent"
)

func TestSubscribeReceivesPublishedEvents(t *testing.T) {
	r := New()
	ch, cancel := r.Subscribe("run-1")
	defer cancel()

	r.Publish("run-1", agentevent.NormalizedCliEvent{Kind: agentevent.NCDelta, Text: "hi"})

	select {
	case e := <-ch:
		if e.Text != "hi" {
			t.Errorf("Text = %q, want hi", e.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestPublishToUnrelatedRunDoesNotLeak(t *testing.T) {
	r := New()
	ch, cancel := r.Subscribe("run-1")
	defer cancel()

	r.Publish("run-2", agentevent.NormalizedCliEvent{Kind: agentevent.NCDelta, Text: "other"})

	select {
	case e := <-ch:
		t.Fatalf("unexpected event from unrelated run: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	r := New()
	ch, _ := r.Subscribe("run-1")
	r.Close("run-1")

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestSlowSubscriberDropsRatherThanBlocksPublisher(t *testing.T) {
	r := New()
	_, cancel := r.Subscribe("run-1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			r.Publish("run-1", agentevent.NormalizedCliEvent{Kind: agentevent.NCDelta, Seq: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}
}

func TestSubscribeOnNilRegistryReturnsClosedChannel(t *testing.T) {
	var r *Registry
	ch, cancel := r.Subscribe("run-1")
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected an already-closed channel")
		}
	default:
		t.Fatal("expected channel to be immediately readable (closed)")
	}
}
