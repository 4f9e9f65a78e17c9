package eventbus

import (
	"testing"
	"time"
)

func drain(ch <-chan Message) []Message {
	var out []Message
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, msg)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New()
	defer b.Close()

	ch1, cancel1 := b.Subscribe()
	defer cancel1()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	b.Publish(Message{Topic: TopicObservationCreated, RecordID: "obs-1"})

	for i, ch := range []<-chan Message{ch1, ch2} {
		msgs := drain(ch)
		if len(msgs) != 1 || msgs[0].RecordID != "obs-1" {
			t.Errorf("subscriber %d got %v", i, msgs)
		}
		if msgs[0].PublishedAt.IsZero() {
			t.Error("published_at not stamped")
		}
	}
}

func TestTopicFiltering(t *testing.T) {
	b := New()
	defer b.Close()

	ch, cancel := b.Subscribe(TopicSessionEnded)
	defer cancel()

	b.Publish(Message{Topic: TopicObservationCreated, RecordID: "obs-1"})
	b.Publish(Message{Topic: TopicSessionEnded, SessionID: "ses-1"})

	msgs := drain(ch)
	if len(msgs) != 1 || msgs[0].Topic != TopicSessionEnded {
		t.Errorf("filtered subscriber got %v", msgs)
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	b := NewWithBuffer(2)
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	for i := 0; i < 5; i++ {
		b.Publish(Message{Topic: TopicObservationCreated, RecordID: string(rune('a' + i))})
	}

	msgs := drain(ch)
	if len(msgs) != 2 {
		t.Fatalf("buffered %d messages, want 2", len(msgs))
	}
	// The two newest survive.
	if msgs[0].RecordID != "d" || msgs[1].RecordID != "e" {
		t.Errorf("survivors = %s, %s, want d, e", msgs[0].RecordID, msgs[1].RecordID)
	}
}

func TestCancelUnsubscribes(t *testing.T) {
	b := New()
	defer b.Close()

	_, cancel := b.Subscribe()
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d", b.SubscriberCount())
	}
	cancel()
	cancel() // idempotent
	if b.SubscriberCount() != 0 {
		t.Errorf("count after cancel = %d", b.SubscriberCount())
	}
	// Publishing with no subscribers must not panic.
	b.Publish(Message{Topic: TopicObservationCreated})
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	b := New()
	ch, _ := b.Subscribe()
	b.Close()
	b.Publish(Message{Topic: TopicObservationCreated})
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after bus close")
	}
}
