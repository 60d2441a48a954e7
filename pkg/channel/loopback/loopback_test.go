package loopback

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatsync/pkg/bus"
	"chatsync/pkg/message"
	"chatsync/pkg/normalize"
)

func TestSendBeforeRunFails(t *testing.T) {
	src := NewSource(WithFirstID(10))
	err := src.Send(context.Background(), bus.OutgoingMessage{ChatCode: "c1", Text: "hi"})
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("error = %v, want ErrNotRunning", err)
	}
}

func TestSendEchoesWithIncreasingIDs(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := NewSource(WithFirstID(10), WithClock(func() time.Time { return at }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echoes := make(chan normalize.Record, 2)
	done := make(chan error, 1)
	go func() {
		done <- src.Run(ctx, func(_ context.Context, rec normalize.Record) error {
			echoes <- rec
			return nil
		})
	}()

	waitRunning(t, src)

	media := []message.Attachment{{URL: "https://example.test/a.png", Name: "a.png", Kind: "image"}}
	if err := src.Send(ctx, bus.OutgoingMessage{ChatCode: "c1", PendingID: "tmp-1", Text: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := src.Send(ctx, bus.OutgoingMessage{ChatCode: "c1", PendingID: "tmp-2", Media: media}); err != nil {
		t.Fatalf("send: %v", err)
	}

	first := (<-echoes).(normalize.LiveEnvelope)
	second := (<-echoes).(normalize.LiveEnvelope)
	if first.ID != message.NumericID(10) || second.ID != message.NumericID(11) {
		t.Fatalf("ids = %s, %s", first.ID, second.ID)
	}
	if first.MessageText != "hi" || first.SenderType != "user" || first.ChatCode != "c1" {
		t.Fatalf("unexpected echo: %+v", first)
	}
	if first.CreateDate != "2026-03-01T12:00:00Z" {
		t.Fatalf("create date = %q", first.CreateDate)
	}
	if len(second.ChatAttachments) != 1 || second.ChatAttachments[0].URL != media[0].URL {
		t.Fatalf("attachments = %+v", second.ChatAttachments)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run error = %v", err)
	}
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	src := NewSource(WithFirstID(1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = src.Run(ctx, func(context.Context, normalize.Record) error { return nil }) }()
	waitRunning(t, src)

	if err := src.Send(ctx, bus.OutgoingMessage{ChatCode: "c1", Text: "  "}); err == nil {
		t.Fatal("expected error for empty message")
	}
}

func waitRunning(t *testing.T, src *Source) {
	t.Helper()
	select {
	case <-src.Started():
	case <-time.After(2 * time.Second):
		t.Fatal("source did not start")
	}
}
