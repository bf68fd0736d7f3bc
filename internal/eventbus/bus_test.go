package eventbus

import "testing"

func TestSubscribeFiltersTopics(t *testing.T) {
	t.Parallel()
	b := New()
	done, unsubDone := b.Subscribe(4, TopicCycleDone)
	defer unsubDone()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Topic: TopicCycleFailed, Data: CycleResult{UserID: 1}})
	b.Publish(Event{Topic: TopicCycleDone, Data: CycleResult{UserID: 2, Delivered: 3}})

	e := <-done
	res, ok := e.Data.(CycleResult)
	if !ok || res.UserID != 2 || res.Delivered != 3 {
		t.Fatalf("unexpected event on filtered sub: %+v", e)
	}
	if e.Time.IsZero() {
		t.Fatalf("Publish must stamp time")
	}
	if len(all) != 2 {
		t.Fatalf("unfiltered sub got %d events, want 2", len(all))
	}
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Topic: TopicCycleDone})
	b.Publish(Event{Topic: TopicCycleDone})
	if got := b.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	b.Publish(Event{Topic: TopicCycleDone})
}
