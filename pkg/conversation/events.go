package conversation

import (
	"context"
	"log/slog"

	"chatsync/pkg/bus"
)

// ObserveEvents logs lifecycle events until ctx is done or the bus closes.
func ObserveEvents(ctx context.Context, messageBus *bus.MessageBus, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "bus.events")

	// Slow consumers drop events in the bus; the worker never blocks on logging.
	events, unsubscribe := messageBus.SubscribeEvents(ctx, 64)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			logEvent(log, event)
		}
	}
}

func logEvent(log *slog.Logger, event bus.Event) {
	attrs := []any{
		"event_type", event.Type,
		"source", event.Source,
		"chat_code", event.ChatCode,
		"timestamp", event.At.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
	}
	if event.MessageID != "" {
		attrs = append(attrs, "message_id", event.MessageID)
	}
	if event.MessageCode != "" {
		attrs = append(attrs, "message_code", event.MessageCode)
	}
	if len(event.Payload) > 0 {
		attrs = append(attrs, "payload", event.Payload)
	}

	switch event.Type {
	case bus.EventStreamFailed, bus.EventPendingFailed:
		log.Error("Conversation event", append(attrs, "error", event.Error)...)
	case bus.EventPendingConfirmed, bus.EventStreamCompleted, bus.EventConversationSwitched, bus.EventHistoryLoaded:
		if event.Error != "" {
			log.Warn("Conversation event", append(attrs, "error", event.Error)...)
			return
		}
		log.Info("Conversation event", attrs...)
	default:
		log.Debug("Conversation event", attrs...)
	}
}
