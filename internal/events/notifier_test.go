package events

import (
	"testing"
	"time"

	"github.com/thesara-space/appbuild/pkg/schema"
)

func stateEvent(id string, state schema.BuildState, progress int) schema.StateEvent {
	return schema.StateEvent{
		BuildID:    id,
		State:      state,
		Progress:   progress,
		HappenedAt: time.Now().UnixMilli(),
	}
}

func TestSubscribeReceivesOwnBuildOnly(t *testing.T) {
	n := NewNotifier()
	defer n.Close()

	ch, unsub := n.Subscribe("b1", 4)
	defer unsub()

	n.PublishState(stateEvent("b1", schema.StateAnalyze, 10))
	n.PublishState(stateEvent("b2", schema.StateBundle, 70))

	select {
	case ev := <-ch:
		if ev.State == nil || ev.State.BuildID != "b1" || ev.State.State != schema.StateAnalyze {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case ev := <-ch:
		t.Fatalf("received event for another build: %+v", ev)
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	n := NewNotifier()
	defer n.Close()

	ch, unsub := n.Subscribe("b1", 4)
	unsub()

	// Channel is closed by unsubscribe; publish after must not panic.
	n.PublishState(stateEvent("b1", schema.StateAnalyze, 10))

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}

	// Calling unsubscribe again is a no-op.
	unsub()
}

func TestPublishFinalReachesAllSubscribers(t *testing.T) {
	n := NewNotifier()
	defer n.Close()

	own, unsubOwn := n.Subscribe("b1", 4)
	defer unsubOwn()
	all, unsubAll := n.SubscribeAll(4)
	defer unsubAll()

	n.PublishFinal(schema.FinalEvent{
		BuildID:    "b1",
		Status:     schema.FinalCancelled,
		Reason:     schema.ErrCancelled,
		HappenedAt: time.Now().UnixMilli(),
	})

	for name, ch := range map[string]<-chan Event{"own": own, "all": all} {
		select {
		case ev := <-ch:
			if ev.Final == nil || ev.Final.Status != schema.FinalCancelled {
				t.Fatalf("%s subscriber got %+v", name, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s subscriber timed out", name)
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	n := NewNotifier()
	defer n.Close()

	_, unsub := n.Subscribe("b1", 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		// Second publish overflows the buffer; it must drop, not block.
		n.PublishState(stateEvent("b1", schema.StateAnalyze, 10))
		n.PublishState(stateEvent("b1", schema.StateBuild, 40))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	n := NewNotifier()
	n.Close()
	n.Close() // idempotent

	ch, unsub := n.Subscribe("b1", 1)
	defer unsub()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel from a closed notifier")
	}
	n.PublishState(stateEvent("b1", schema.StateAnalyze, 10))
}
