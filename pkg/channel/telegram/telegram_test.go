package telegram

import (
	"context"
	"strings"
	"testing"

	"chatsync/pkg/bus"
	"chatsync/pkg/config"
	"chatsync/pkg/message"
	"chatsync/pkg/normalize"

	"github.com/mymmrac/telego"
)

func TestAllowFromSet(t *testing.T) {
	allowed := allowFromSet([]string{" 123 ", "", "456", "123"})
	if len(allowed) != 2 {
		t.Fatalf("allowFromSet len = %d, want 2", len(allowed))
	}
	if _, ok := allowed["123"]; !ok {
		t.Fatal("allowFromSet missing 123")
	}
	if allowFromSet([]string{" ", ""}) != nil {
		t.Fatal("expected nil set for blank allow list")
	}
}

func TestSenderAllowed(t *testing.T) {
	source := &Source{allowFrom: map[string]struct{}{"1": {}}}
	if !source.senderAllowed("1") {
		t.Fatal("expected sender 1 to be allowed")
	}
	if source.senderAllowed("2") {
		t.Fatal("expected sender 2 to be denied")
	}

	source.allowFrom = nil
	if !source.senderAllowed("any") {
		t.Fatal("expected sender to be allowed when allowlist empty")
	}
}

func TestChatCodeRoundTrip(t *testing.T) {
	code := ChatCode(-10042)
	if code != "telegram:-10042" {
		t.Fatalf("ChatCode = %q", code)
	}
	id, err := ChatID(" " + code + " ")
	if err != nil || id != -10042 {
		t.Fatalf("ChatID = %d, %v", id, err)
	}
	if _, err := ChatID("slack:1"); err == nil {
		t.Fatal("expected error for foreign chat code")
	}
}

func TestEnvelopeMapsTextMessage(t *testing.T) {
	msg := &telego.Message{
		MessageID:      77,
		Date:           1714557600,
		Chat:           telego.Chat{ID: 42},
		From:           &telego.User{ID: 9},
		Text:           "hello",
		ReplyToMessage: &telego.Message{MessageID: 76},
	}

	env, ok := Envelope(msg)
	if !ok {
		t.Fatal("expected envelope")
	}
	if env.ID != message.NumericID(77) || env.ChatCode != "telegram:42" || env.SenderType != "user" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.ReplyToMessageID != message.NumericID(76) {
		t.Fatalf("reply id = %q", env.ReplyToMessageID)
	}

	got := normalize.FromLive(env, nil)
	if len(got) != 1 || got[0].SortKey != 1714557600*1_000_000 || got[0].Text != "hello" {
		t.Fatalf("unexpected normalized message: %+v", got)
	}
}

func TestEnvelopeMapsAttachmentsAndBots(t *testing.T) {
	msg := &telego.Message{
		MessageID: 5,
		Chat:      telego.Chat{ID: 1},
		From:      &telego.User{ID: 2, IsBot: true},
		Caption:   "report",
		Document:  &telego.Document{FileID: "doc-1", FileName: "report.pdf", MimeType: "application/pdf"},
		Photo:     []telego.PhotoSize{{FileID: "small"}, {FileID: "large"}},
	}

	env, ok := Envelope(msg)
	if !ok {
		t.Fatal("expected envelope")
	}
	if env.SenderType != "bot" || env.MessageText != "report" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if len(env.ChatAttachments) != 2 || env.ChatAttachments[1].URL != "tg://file/large" {
		t.Fatalf("unexpected attachments: %+v", env.ChatAttachments)
	}

	if _, ok := Envelope(&telego.Message{MessageID: 1, Chat: telego.Chat{ID: 1}}); ok {
		t.Fatal("expected empty message to be skipped")
	}
}

func TestSendRequiresRunningSource(t *testing.T) {
	source, err := NewSource(config.TelegramConfig{Token: "token"}, nil)
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	if err := source.Send(context.Background(), bus.OutgoingMessage{ChatCode: "telegram:1", Text: "hi"}); err == nil {
		t.Fatal("expected error before Run")
	}
	if _, err := NewSource(config.TelegramConfig{}, nil); err == nil {
		t.Fatal("expected error without token")
	}
}

func TestPreviewText(t *testing.T) {
	if got := previewText(" hello "); got != "hello" {
		t.Fatalf("previewText short = %q, want %q", got, "hello")
	}

	long := strings.Repeat("a", messagePreviewLimit+20)
	got := previewText(long)
	if len(got) != messagePreviewLimit+3 || !strings.HasSuffix(got, "...") {
		t.Fatalf("previewText long = %q", got)
	}
}
