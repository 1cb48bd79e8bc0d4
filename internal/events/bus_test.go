package events

import (
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		if !ok {
			t.Fatal("channel closed while waiting for event")
		}
		return e
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func expectNothing(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case e := <-ch:
		t.Errorf("unexpected event %s", e.EventType())
	default:
	}
}

func TestTopicOf(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{TaskDispatchedEvent{}, TopicTask},
		{TaskSkippedEvent{}, TopicTask},
		{LockContendedEvent{}, TopicLock},
		{RunFinishedEvent{}, TopicRun},
	}
	for _, tt := range tests {
		if got := TopicOf(tt.event); got != tt.want {
			t.Errorf("TopicOf(%s) = %q, want %q", tt.event.EventType(), got, tt.want)
		}
	}
}

func TestPublishRoutesByTopic(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	taskCh := bus.Subscribe(10, TopicTask)
	lockCh := bus.Subscribe(10, TopicLock)

	bus.Publish(TaskFailedEvent{ID: "migrate", Skipped: []string{"seed"}, Timestamp: time.Now()})
	bus.Publish(LockContendedEvent{ID: "seed", Resource: "database", Holder: "migrate", Timestamp: time.Now()})

	failed, ok := receive(t, taskCh).(TaskFailedEvent)
	if !ok || failed.ID != "migrate" || len(failed.Skipped) != 1 {
		t.Errorf("unexpected task event %+v", failed)
	}
	contended, ok := receive(t, lockCh).(LockContendedEvent)
	if !ok || contended.Holder != "migrate" {
		t.Errorf("unexpected lock event %+v", contended)
	}
	expectNothing(t, taskCh)
	expectNothing(t, lockCh)
}

func TestSubscribeWithoutTopicsReceivesEverything(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	all := bus.Subscribe(0)
	several := bus.Subscribe(10, TopicTask, TopicRun)

	bus.Publish(TaskDispatchedEvent{ID: "build", Handle: ".taskgraph/work/build", Timestamp: time.Now()})
	bus.Publish(LockReleasedEvent{ID: "build", Resource: "artifacts", Timestamp: time.Now()})
	bus.Publish(RunFinishedEvent{RunID: "r1", Timestamp: time.Now()})

	for _, want := range []string{EventTypeTaskDispatched, EventTypeLockReleased, EventTypeRunFinished} {
		if got := receive(t, all).EventType(); got != want {
			t.Errorf("all: got %s, want %s", got, want)
		}
	}
	for _, want := range []string{EventTypeTaskDispatched, EventTypeRunFinished} {
		if got := receive(t, several).EventType(); got != want {
			t.Errorf("several: got %s, want %s", got, want)
		}
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch1 := bus.Subscribe(10, TopicTask)
	ch2 := bus.Subscribe(10, TopicTask)

	bus.Publish(TaskCompletedEvent{ID: "test", Promoted: []string{"deploy"}, Timestamp: time.Now()})

	for i, ch := range []<-chan Event{ch1, ch2} {
		completed, ok := receive(t, ch).(TaskCompletedEvent)
		if !ok {
			t.Fatalf("subscriber %d: expected TaskCompletedEvent", i+1)
		}
		if len(completed.Promoted) != 1 || completed.Promoted[0] != "deploy" {
			t.Errorf("subscriber %d: unexpected promoted list %v", i+1, completed.Promoted)
		}
	}
}

func TestFullSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(1, TopicRun)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(RunProgressEvent{Tick: i, Timestamp: time.Now()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if progress := receive(t, ch).(RunProgressEvent); progress.Tick != 0 {
		t.Errorf("expected the first event to be kept, got tick %d", progress.Tick)
	}
	if got := bus.Dropped(); got != 9 {
		t.Errorf("expected 9 dropped deliveries, got %d", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	gone := bus.Subscribe(10, TopicTask)
	kept := bus.Subscribe(10, TopicTask)
	bus.Unsubscribe(gone)

	if _, ok := <-gone; ok {
		t.Error("unsubscribed channel should be closed")
	}
	bus.Publish(TaskSkippedEvent{ID: "deploy", Cause: "build"})
	receive(t, kept)

	// Unknown channels are ignored
	bus.Unsubscribe(make(chan Event))
}

func TestClose(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(10, TopicTask)
	all := bus.Subscribe(10)

	bus.Close()
	bus.Close()

	for _, c := range []<-chan Event{ch, all} {
		if _, ok := <-c; ok {
			t.Error("subscriber channel should be closed")
		}
	}

	late := bus.Subscribe(1, TopicTask)
	if _, ok := <-late; ok {
		t.Error("subscribing to a closed bus should return a closed channel")
	}

	// Publishing after close and on a nil bus is a no-op
	bus.Publish(TaskSkippedEvent{ID: "deploy", Cause: "test"})
	var nilBus *EventBus
	nilBus.Publish(TaskSkippedEvent{ID: "deploy", Cause: "test"})
}
