package ws

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
)

func progress(n int) domain.Event {
	return domain.Event{Type: domain.EventProgress, Progress: &domain.Progress{Progress: n}}
}

// barrier waits until the hub loop has finished every earlier broadcast.
func barrier(h *Hub) {
	h.Register("barrier", NewChannelSubscriber(1))
}

func TestHubDeliversInOrderPerTopic(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	sub := NewChannelSubscriber(8)
	other := NewChannelSubscriber(8)
	hub.Register(domain.ServerTopic("a"), sub)
	hub.Register(domain.ServerTopic("b"), other)

	for i := 1; i <= 3; i++ {
		hub.Publish(domain.ServerTopic("a"), progress(i*10))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 1; i <= 3; i++ {
		ev, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if ev.Topic != domain.ServerTopic("a") || ev.Progress == nil || ev.Progress.Progress != i*10 {
			t.Fatalf("unexpected event %d: %+v", i, ev)
		}
		if ev.ID == "" || ev.Timestamp.IsZero() {
			t.Fatalf("event not stamped: %+v", ev)
		}
	}
	if other.Pending() != 0 {
		t.Fatalf("event leaked to another topic")
	}
}

func TestLateSubscriberSeesOnlyLaterEvents(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	early := NewChannelSubscriber(8)
	hub.Register("t", early)
	hub.Publish("t", progress(1))

	late := NewChannelSubscriber(8)
	hub.Register("t", late)
	hub.Publish("t", progress(2))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := late.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.Progress.Progress != 2 {
		t.Fatalf("late subscriber received replayed event %+v", ev)
	}
	barrier(hub)
	if early.Pending() != 2 {
		t.Fatalf("expected 2 events for early subscriber, got %d", early.Pending())
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	slow := NewChannelSubscriber(1)
	hub.Register("t", slow)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			hub.Publish("t", progress(i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	hub.Publish("t", progress(99))
	barrier(hub)
	if hub.Dropped() != 5 {
		t.Fatalf("expected 5 dropped deliveries, got %d", hub.Dropped())
	}
}

func TestCloseEndsSubscribers(t *testing.T) {
	hub := NewHub(nil)
	sub := NewChannelSubscriber(1)
	hub.Register("t", sub)
	hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := sub.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after hub close, got %v", err)
	}
}
