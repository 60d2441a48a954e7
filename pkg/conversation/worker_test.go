package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatsync/pkg/bus"
	"chatsync/pkg/message"
	"chatsync/pkg/normalize"
)

func waitForEvent(t *testing.T, events <-chan bus.Event, want bus.EventType) bus.Event {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed before %s", want)
			}
			if event.Type == want {
				return event
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestWorkerAppliesRecordsAndPublishesViews(t *testing.T) {
	messageBus := bus.NewMessageBus()
	t.Cleanup(messageBus.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := NewManager(nil)
	worker := NewWorker(messageBus, manager, nil)
	events, unsubscribe := messageBus.SubscribeEvents(ctx, 32)
	defer unsubscribe()
	go worker.Run(ctx)

	if _, err := worker.Submit(ctx, "replay", "c1", normalize.Submission{Text: "Hi"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	view, ok := messageBus.ConsumeView(ctx)
	if !ok || len(view.Messages) != 1 || view.Messages[0].Status != message.StatusPending {
		t.Fatalf("unexpected view after submit: %+v", view)
	}

	ok = messageBus.PublishInbound(ctx, bus.InboundRecord{
		Source: "replay",
		Record: normalize.LiveEnvelope{HistoryRecord: normalize.HistoryRecord{ID: "11", ChatCode: "c1", MessageText: "Hi"}},
	})
	if !ok {
		t.Fatal("publish inbound failed")
	}

	confirmed := waitForEvent(t, events, bus.EventPendingConfirmed)
	if confirmed.ChatCode != "c1" {
		t.Fatalf("unexpected confirmation event: %+v", confirmed)
	}

	view, ok = messageBus.ConsumeView(ctx)
	if !ok {
		t.Fatal("expected view after live record")
	}
	if len(view.Messages) != 1 || view.Messages[0].ID != "11" {
		t.Fatalf("unexpected view after confirm: %+v", view.Messages)
	}
}

func TestWorkerPublishesStreamEvents(t *testing.T) {
	messageBus := bus.NewMessageBus()
	t.Cleanup(messageBus.Close)

	ctx := context.Background()
	worker := NewWorker(messageBus, NewManager(nil), nil)
	events, unsubscribe := messageBus.SubscribeEvents(ctx, 32)
	defer unsubscribe()

	records := []normalize.Record{
		normalize.StreamEnvelope{ChatCode: "c1", MessageCode: "m1", Chunks: []normalize.StreamChunk{{Chunk: "a"}}, IsStreaming: true},
		normalize.StreamEnvelope{ChatCode: "c1", MessageCode: "m1", HasError: true, ErrorMessage: "upstream failed"},
	}
	for _, rec := range records {
		if err := worker.Apply(ctx, bus.InboundRecord{Source: "openai", Record: rec}); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	waitForEvent(t, events, bus.EventStreamStarted)
	failed := waitForEvent(t, events, bus.EventStreamFailed)
	if failed.Error != "upstream failed" || failed.MessageCode != "m1" {
		t.Fatalf("unexpected failure event: %+v", failed)
	}
}

func TestWorkerMarksPendingFailedWhenDeliveryFails(t *testing.T) {
	messageBus := bus.NewMessageBus()
	t.Cleanup(messageBus.Close)
	messageBus.RegisterSender("telegram", func(context.Context, bus.OutgoingMessage) error {
		return errors.New("network down")
	})

	ctx := context.Background()
	manager := NewManager(nil)
	worker := NewWorker(messageBus, manager, nil)

	msg, err := worker.Submit(ctx, "telegram", "c1", normalize.Submission{Text: "hello"})
	if err == nil {
		t.Fatal("expected delivery error")
	}

	session, ok := manager.Get("c1")
	if !ok {
		t.Fatal("expected session")
	}
	list := session.Pending()
	if len(list) != 1 || list[0].ID != msg.ID || list[0].Status != message.StatusError {
		t.Fatalf("unexpected pending: %+v", list)
	}

	messageBus.RegisterSender("telegram", func(context.Context, bus.OutgoingMessage) error { return nil })
	retried, err := worker.Retry(ctx, "telegram", "c1", msg.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != message.StatusPending {
		t.Fatalf("retried status = %s", retried.Status)
	}
}

func TestManagerKeepsOneSessionPerChat(t *testing.T) {
	cache := newFakeCache()
	cache.pages["c1"] = []normalize.HistoryRecord{{ID: "1", ChatCode: "c1", MessageText: "cached"}}
	manager := NewManager(nil, WithCache(cache))

	first, err := manager.Session(context.Background(), "c1")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	second, _ := manager.Session(context.Background(), " c1 ")
	if first != second {
		t.Fatal("expected the same session for the same chat")
	}
	if got := first.View(); len(got) != 1 || got[0].Text != "cached" {
		t.Fatalf("expected cached history, got %+v", got)
	}

	if _, err := manager.Session(context.Background(), ""); !errors.Is(err, ErrNoChat) {
		t.Fatalf("error = %v, want ErrNoChat", err)
	}
	_, _ = manager.Session(context.Background(), "c2")
	if codes := manager.ChatCodes(); len(codes) != 2 || codes[0] != "c1" {
		t.Fatalf("codes = %v", codes)
	}
	if !manager.Close("c1") || manager.Close("c1") {
		t.Fatal("close should succeed exactly once")
	}
	if _, err := manager.Lookup("c1"); !errors.Is(err, ErrUnknownChat) {
		t.Fatalf("lookup error = %v, want ErrUnknownChat", err)
	}
	if session, err := manager.Lookup("c2"); err != nil || session.ChatCode() != "c2" {
		t.Fatalf("lookup c2 = %v, %v", session, err)
	}
}
