package normalize

import (
	"log/slog"
	"strings"
	"time"

	"chatsync/pkg/message"
)

// Adapt converts one record into zero, one or two normalized messages.
// pending is consulted only to suppress echoes of messages the user already
// sees optimistically.
func Adapt(rec Record, pending []message.NormalizedMessage) []message.NormalizedMessage {
	switch typed := rec.(type) {
	case HistoryRecord:
		return []message.NormalizedMessage{FromHistory(typed)}
	case *HistoryRecord:
		if typed == nil {
			return nil
		}
		return []message.NormalizedMessage{FromHistory(*typed)}
	case LiveEnvelope:
		return FromLive(typed, pending)
	case *LiveEnvelope:
		if typed == nil {
			return nil
		}
		return FromLive(*typed, pending)
	case StreamEnvelope:
		return []message.NormalizedMessage{FromStream(typed)}
	case *StreamEnvelope:
		if typed == nil {
			return nil
		}
		return []message.NormalizedMessage{FromStream(*typed)}
	default:
		return nil
	}
}

// FromHistory converts a REST history record.
func FromHistory(rec HistoryRecord) message.NormalizedMessage {
	sender := message.ParseSenderKind(rec.SenderType)

	return message.NormalizedMessage{
		ID:           rec.ID,
		ChatCode:     strings.TrimSpace(rec.ChatCode),
		Text:         rec.MessageText,
		IsOutbound:   sender == message.SenderUser,
		CreatedAtISO: rec.CreateDate,
		SortKey:      sortKey(rec.CreateDate, rec.ID),
		SenderKind:   sender,
		Attachments:  convertAttachments(rec.ChatAttachments),
		ReplyToID:    rec.ReplyToMessageID,
		Status:       message.ParseStatus(rec.Status),
	}
}

// FromLive converts a live envelope. When the envelope embeds the echo of the
// user's own message, the echo is emitted first, unless it correlates with a
// pending message the user already sees.
func FromLive(env LiveEnvelope, pending []message.NormalizedMessage) []message.NormalizedMessage {
	out := make([]message.NormalizedMessage, 0, 2)

	if env.UserChatMessage != nil {
		echo := FromHistory(*env.UserChatMessage)
		if echo.ChatCode == "" {
			echo.ChatCode = strings.TrimSpace(env.ChatCode)
		}
		if match, ok := correlatedPending(echo, pending); ok {
			adapterLogger().Debug("Suppressed echo of pending message",
				"chat_code", echo.ChatCode,
				"echo_id", echo.ID.String(),
				"pending_id", match.ID.String(),
			)
		} else {
			out = append(out, echo)
		}
	}

	if !env.ID.IsZero() || strings.TrimSpace(env.MessageText) != "" || len(env.ChatAttachments) > 0 {
		out = append(out, FromHistory(env.HistoryRecord))
	}

	return out
}

// FromStream converts a streaming envelope into the message shown for the
// in-flight reply. The message id is the envelope's message code.
func FromStream(env StreamEnvelope) message.NormalizedMessage {
	text := StreamText(env.Chunks)
	complete := env.IsComplete && !env.HasError

	msg := message.NormalizedMessage{
		ID:           message.ID(strings.TrimSpace(env.MessageCode)),
		ChatCode:     strings.TrimSpace(env.ChatCode),
		Text:         text,
		CreatedAtISO: env.StartTime,
		SortKey:      sortKey(env.StartTime, message.ID(env.MessageCode)),
		SenderKind:   message.SenderBot,
		Status:       message.StatusSent,
		IsStreaming:  !complete && !env.HasError,
		IsComplete:   complete,
		HasError:     env.HasError,
		ErrorMessage: strings.TrimSpace(env.ErrorMessage),
	}
	if !complete {
		msg.PartialText = text
	}
	if env.HasError {
		msg.Status = message.StatusError
	}

	return msg
}

// FromSubmission builds the optimistic message for a local submission.
func FromSubmission(chatCode string, sub Submission, id message.ID, submittedAt time.Time) message.NormalizedMessage {
	attachments := make([]message.Attachment, 0, len(sub.Attachments))
	for _, attachment := range sub.Attachments {
		if strings.TrimSpace(attachment.URL) == "" {
			continue
		}
		attachments = append(attachments, attachment)
	}
	if len(attachments) == 0 {
		attachments = nil
	}

	return message.NormalizedMessage{
		ID:           id,
		ChatCode:     strings.TrimSpace(chatCode),
		Text:         sub.Text,
		IsOutbound:   true,
		CreatedAtISO: message.FormatTimestamp(submittedAt),
		SortKey:      message.SortKeyFromTime(submittedAt),
		SenderKind:   message.SenderUser,
		Attachments:  attachments,
		Status:       message.StatusPending,
	}
}

// StreamText assembles the display text of a chunk list: the latest running
// snapshot, followed by any fragments delivered after it.
func StreamText(chunks []StreamChunk) string {
	start := 0
	var b strings.Builder
	for i := len(chunks) - 1; i >= 0; i-- {
		if chunks[i].CompleteText != "" {
			b.WriteString(chunks[i].CompleteText)
			start = i + 1
			break
		}
	}
	for _, chunk := range chunks[start:] {
		b.WriteString(chunk.Chunk)
	}
	return b.String()
}

func correlatedPending(msg message.NormalizedMessage, pending []message.NormalizedMessage) (message.NormalizedMessage, bool) {
	for _, candidate := range pending {
		if message.Correlates(msg, candidate) {
			return candidate, true
		}
	}
	return message.NormalizedMessage{}, false
}

func convertAttachments(records []AttachmentRecord) []message.Attachment {
	if len(records) == 0 {
		return nil
	}

	attachments := make([]message.Attachment, 0, len(records))
	for _, rec := range records {
		url := strings.TrimSpace(rec.URL)
		if url == "" {
			url = strings.TrimSpace(rec.FileURL)
		}
		name := strings.TrimSpace(rec.Name)
		if name == "" {
			name = strings.TrimSpace(rec.FileName)
		}
		attachments = append(attachments, message.Attachment{
			URL:  url,
			Name: name,
			Kind: strings.TrimSpace(rec.Type),
		})
	}

	return attachments
}

func sortKey(iso string, id message.ID) int64 {
	key, err := message.ParseSortKey(iso)
	if err != nil {
		adapterLogger().Warn("Malformed message timestamp", "id", id.String(), "create_date", iso, "error", err)
		return 0
	}
	return key
}

func adapterLogger() *slog.Logger {
	return slog.Default().With("component", "normalize.adapter")
}
