package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatsync/pkg/bus"
	"chatsync/pkg/channel"
	"chatsync/pkg/config"
	"chatsync/pkg/message"
	"chatsync/pkg/normalize"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const (
	sourceName          = "telegram"
	chatCodePrefix      = "telegram:"
	messagePreviewLimit = 240
	fileURLPrefix       = "tg://file/"
)

// Source turns Telegram updates into live envelopes and delivers local
// submissions through the bot.
type Source struct {
	cfg       config.TelegramConfig
	allowFrom map[string]struct{}
	log       *slog.Logger

	mu   sync.RWMutex
	bot  *telego.Bot
	sink channel.Sink
}

// NewSource validates Telegram configuration and constructs a source.
func NewSource(cfg config.TelegramConfig, log *slog.Logger) (*Source, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	return &Source{
		cfg:       cfg,
		allowFrom: allowFromSet(cfg.AllowFrom),
		log:       log.With("component", "channel.telegram"),
	}, nil
}

func (s *Source) Name() string {
	return sourceName
}

// Run starts long polling and forwards every accepted message to sink.
func (s *Source) Run(ctx context.Context, sink channel.Sink) error {
	if sink == nil {
		return errors.New("sink is required")
	}

	bot, err := telego.NewBot(strings.TrimSpace(s.cfg.Token))
	if err != nil {
		return fmt.Errorf("initialize telegram bot: %w", err)
	}

	updates, err := bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	s.mu.Lock()
	s.bot = bot
	s.sink = sink
	s.mu.Unlock()

	s.log.Info("Telegram source started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			msg := update.Message
			if msg == nil {
				msg = update.EditedMessage
			}
			if msg == nil {
				continue
			}
			if msg.From == nil {
				s.log.Debug("Ignoring message without sender")
				continue
			}

			senderID := strconv.FormatInt(msg.From.ID, 10)
			if !s.senderAllowed(senderID) {
				s.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
				continue
			}

			env, ok := Envelope(msg)
			if !ok {
				continue
			}
			s.log.Info("Received message", "chat_code", env.ChatCode, "sender_id", senderID, "id", env.ID.String(), "content", previewText(env.MessageText))

			if err := sink(ctx, env); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.log.Error("Failed to forward telegram message", "error", err)
			}
		}
	}
}

// Send delivers a local submission and feeds the sent message back as the
// confirmed echo of the pending entry.
func (s *Source) Send(ctx context.Context, out bus.OutgoingMessage) error {
	s.mu.RLock()
	bot, sink := s.bot, s.sink
	s.mu.RUnlock()
	if bot == nil {
		return errors.New("telegram source is not running")
	}

	chatID, err := ChatID(out.ChatCode)
	if err != nil {
		return err
	}
	text := strings.TrimSpace(out.Text)
	for _, media := range out.Media {
		if url := strings.TrimSpace(media.URL); url != "" && !strings.HasPrefix(url, fileURLPrefix) {
			text = strings.TrimSpace(text + "\n" + url)
		}
	}
	if text == "" {
		return errors.New("nothing to send")
	}

	s.log.Info("Sending message", "chat_code", out.ChatCode, "pending_id", out.PendingID.String(), "content", previewText(text))
	sent, err := bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text))
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}

	if sink == nil || sent == nil {
		return nil
	}
	echo, ok := Envelope(sent)
	if !ok {
		return nil
	}
	echo.SenderType = "user"
	echo.MessageText = out.Text
	return sink(ctx, echo)
}

// Envelope maps one Telegram message to a live envelope. Messages with
// neither text nor attachments are skipped.
func Envelope(msg *telego.Message) (normalize.LiveEnvelope, bool) {
	if msg == nil {
		return normalize.LiveEnvelope{}, false
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	attachments := attachmentsOf(msg)
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return normalize.LiveEnvelope{}, false
	}

	senderType := "user"
	if msg.From != nil && msg.From.IsBot {
		senderType = "bot"
	}

	rec := normalize.HistoryRecord{
		ID:              message.NumericID(int64(msg.MessageID)),
		ChatCode:        ChatCode(msg.Chat.ID),
		MessageText:     text,
		SenderType:      senderType,
		CreateDate:      message.FormatTimestamp(time.Unix(msg.Date, 0)),
		ChatAttachments: attachments,
		Status:          "sent",
	}
	if msg.ReplyToMessage != nil {
		rec.ReplyToMessageID = message.NumericID(int64(msg.ReplyToMessage.MessageID))
	}

	return normalize.LiveEnvelope{HistoryRecord: rec}, true
}

// ChatCode maps one Telegram chat to one conversation.
func ChatCode(chatID int64) string {
	return chatCodePrefix + strconv.FormatInt(chatID, 10)
}

// ChatID parses a chat code produced by ChatCode.
func ChatID(chatCode string) (int64, error) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(chatCode), chatCodePrefix)
	if !ok {
		return 0, fmt.Errorf("not a telegram chat code: %q", chatCode)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse telegram chat id %q: %w", raw, err)
	}
	return id, nil
}

func attachmentsOf(msg *telego.Message) []normalize.AttachmentRecord {
	var out []normalize.AttachmentRecord
	if doc := msg.Document; doc != nil {
		out = append(out, normalize.AttachmentRecord{
			URL:  fileURLPrefix + doc.FileID,
			Name: doc.FileName,
			Type: doc.MimeType,
		})
	}
	if len(msg.Photo) > 0 {
		largest := msg.Photo[len(msg.Photo)-1]
		out = append(out, normalize.AttachmentRecord{
			URL:  fileURLPrefix + largest.FileID,
			Type: "image",
		})
	}
	return out
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (s *Source) senderAllowed(senderID string) bool {
	if len(s.allowFrom) == 0 {
		return true
	}

	_, ok := s.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}
