package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatsync/pkg/message"
	"chatsync/pkg/normalize"
)

func TestInboundRecordRoundTrip(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	in := InboundRecord{
		Source:   "replay",
		ChatCode: "c1",
		Record:   normalize.HistoryRecord{ID: "1", ChatCode: "c1", MessageText: "hello"},
	}
	if ok := mb.PublishInbound(context.Background(), in); !ok {
		t.Fatal("expected inbound publish to succeed")
	}

	out, ok := mb.ConsumeInbound(context.Background())
	if !ok {
		t.Fatal("expected inbound consume to succeed")
	}
	if out.Record.Kind() != normalize.KindHistory || out.ChatCode != "c1" {
		t.Fatalf("unexpected record: %+v", out)
	}
}

func TestViewRoundTrip(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	in := ViewUpdate{ChatCode: "c1", Messages: []message.NormalizedMessage{{ID: "1", Text: "world"}}, Revision: 1}
	if ok := mb.PublishView(context.Background(), in); !ok {
		t.Fatal("expected view publish to succeed")
	}

	out, ok := mb.ConsumeView(context.Background())
	if !ok {
		t.Fatal("expected view consume to succeed")
	}
	if len(out.Messages) != 1 || out.Messages[0].Text != "world" {
		t.Fatalf("unexpected view: %+v", out)
	}
}

func TestPublishViewDiscardsOldestWhenFull(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	for i := 0; i <= defaultBufferSize; i++ {
		if ok := mb.PublishView(ctx, ViewUpdate{ChatCode: "c1", Revision: uint64(i)}); !ok {
			t.Fatalf("publish %d failed", i)
		}
	}

	first, ok := mb.ConsumeView(ctx)
	if !ok {
		t.Fatal("expected view")
	}
	if first.Revision != 1 {
		t.Fatalf("oldest revision = %d, want 1", first.Revision)
	}
}

func TestCloseStopsBusOperations(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()

	if ok := mb.PublishInbound(context.Background(), InboundRecord{ChatCode: "c1"}); ok {
		t.Fatal("expected inbound publish to fail after close")
	}
	if ok := mb.PublishView(context.Background(), ViewUpdate{ChatCode: "c1"}); ok {
		t.Fatal("expected view publish to fail after close")
	}

	if _, ok := mb.ConsumeInbound(context.Background()); ok {
		t.Fatal("expected inbound consume to stop after close")
	}
	if _, ok := mb.ConsumeView(context.Background()); ok {
		t.Fatal("expected view consume to stop after close")
	}
}

func TestContextCancellation(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if ok := mb.PublishInbound(ctx, InboundRecord{ChatCode: "c1"}); ok {
		t.Fatal("expected publish to fail on canceled context")
	}

	if _, ok := mb.ConsumeInbound(ctx); ok {
		t.Fatal("expected consume to fail on canceled context")
	}
}

func TestRegisterAndGetSender(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	wantErr := errors.New("boom")
	mb.RegisterSender("telegram", func(context.Context, OutgoingMessage) error { return wantErr })

	got, ok := mb.GetSender("telegram")
	if !ok || got == nil {
		t.Fatal("expected sender")
	}
	if err := got(context.Background(), OutgoingMessage{Text: "hi"}); !errors.Is(err, wantErr) {
		t.Fatalf("error = %v, want %v", err, wantErr)
	}
	if _, ok := mb.GetSender("missing"); ok {
		t.Fatal("expected no sender for unknown source")
	}
}

func TestConsumeUnblocksOnClose(t *testing.T) {
	mb := NewMessageBus()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = mb.ConsumeInbound(context.Background())
	}()

	mb.Close()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("consume did not unblock after close")
	}
}

func TestEventFanout(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	eventsA, unsubA := mb.SubscribeEvents(ctx, 1)
	defer unsubA()
	eventsB, unsubB := mb.SubscribeEvents(ctx, 1)
	defer unsubB()

	event := Event{Type: EventPendingConfirmed, ChatCode: "c1", MessageID: "tmp-1"}
	if ok := mb.PublishEvent(ctx, event); !ok {
		t.Fatal("expected event publish to succeed")
	}

	for name, events := range map[string]<-chan Event{"A": eventsA, "B": eventsB} {
		select {
		case got := <-events:
			if got.Type != EventPendingConfirmed || got.At.IsZero() {
				t.Fatalf("subscriber %s got %+v", name, got)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("subscriber %s did not receive event", name)
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublishEvent(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	events, unsubscribe := mb.SubscribeEvents(ctx, 1)
	defer unsubscribe()

	if ok := mb.PublishEvent(ctx, Event{Type: EventStreamStarted}); !ok {
		t.Fatal("expected first event publish to succeed")
	}

	start := time.Now()
	if ok := mb.PublishEvent(ctx, Event{Type: EventStreamCompleted}); !ok {
		t.Fatal("expected second event publish to succeed")
	}

	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("publish event blocked on slow subscriber")
	}

	select {
	case <-events:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected at least one event")
	}
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	events, unsubscribe := mb.SubscribeEvents(ctx, 1)
	unsubscribe()

	if ok := mb.PublishEvent(ctx, Event{Type: EventLateChunk}); !ok {
		t.Fatal("expected event publish to succeed")
	}

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected closed event channel")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event channel close after unsubscribe")
	}
}

func TestSubscribeEventsUnblocksOnClose(t *testing.T) {
	mb := NewMessageBus()

	events, _ := mb.SubscribeEvents(context.Background(), 1)
	mb.Close()

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected event channel to be closed")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("event subscription did not unblock after close")
	}
}
