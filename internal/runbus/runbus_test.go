package runbus

import (
	"testing"
	"time"
)

func TestPublishSubscribeRunStarted(t *testing.T) {
	r := New()
	sub, cancel := r.Subscribe("run-1")
	defer cancel()

	r.Publish("run-1", Notification{Kind: KindRunStarted})

	select {
	case n := <-sub:
		if n.Kind != KindRunStarted {
			t.Errorf("got kind %v", n.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for run_started")
	}
}

func TestCloseDeliversAfterRunCompleted(t *testing.T) {
	r := New()
	sub, _ := r.Subscribe("run-2")

	r.Publish("run-2", Notification{Kind: KindRunCompleted, OK: true, Answer: "done"})
	r.Close("run-2")

	select {
	case n := <-sub:
		if n.Kind != KindRunCompleted || n.Answer != "done" {
			t.Errorf("got %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for run_completed")
	}

	select {
	case _, ok := <-sub:
		if ok {
			t.Error("expected channel to be closed after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestMultipleSubscribersIndependent(t *testing.T) {
	r := New()
	subA, cancelA := r.Subscribe("run-3")
	defer cancelA()
	subB, cancelB := r.Subscribe("run-3")
	defer cancelB()

	r.Publish("run-3", Notification{Kind: KindRunStarted})

	for _, sub := range []<-chan Notification{subA, subB} {
		select {
		case <-sub:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event on a subscriber")
		}
	}
}

func TestPublishWithNoSubscribersDoesNotBlock(t *testing.T) {
	r := New()
	r.Publish("run-4", Notification{Kind: KindRunStarted})
}

func TestCancelStopsDelivery(t *testing.T) {
	r := New()
	sub, cancel := r.Subscribe("run-5")
	cancel()

	r.Publish("run-5", Notification{Kind: KindRunStarted})

	select {
	case _, ok := <-sub:
		if ok {
			t.Error("expected channel to be closed after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close after cancel")
	}
}

func TestNilRegistrySafe(t *testing.T) {
	var r *Registry
	sub, cancel := r.Subscribe("run-6")
	r.Publish("run-6", Notification{Kind: KindRunStarted})
	r.Close("run-6")
	cancel()

	select {
	case _, ok := <-sub:
		if ok {
			t.Error("expected closed channel from nil registry")
		}
	default:
		t.Error("expected nil-registry subscription channel to already be closed")
	}
}

func TestIndependentRunsDoNotCrossDeliver(t *testing.T) {
	r := New()
	subA, cancelA := r.Subscribe("run-a")
	defer cancelA()
	subB, cancelB := r.Subscribe("run-b")
	defer cancelB()

	r.Publish("run-a", Notification{Kind: KindRunStarted})

	select {
	case <-subA:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for run-a notification")
	}

	select {
	case n := <-subB:
		t.Fatalf("run-b received cross-delivered notification %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}
