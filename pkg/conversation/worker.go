package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"chatsync/pkg/bus"
	"chatsync/pkg/message"
	"chatsync/pkg/normalize"
	"chatsync/pkg/stream"
)

// Worker applies inbound records from the bus to their sessions and
// publishes the resulting views and lifecycle events.
type Worker struct {
	bus     *bus.MessageBus
	manager *Manager
	log     *slog.Logger
}

func NewWorker(messageBus *bus.MessageBus, manager *Manager, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		bus:     messageBus,
		manager: manager,
		log:     log.With("component", "conversation.worker"),
	}
}

// Run consumes inbound records until ctx is done or the bus is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		inbound, ok := w.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}

		if err := w.Apply(ctx, inbound); err != nil {
			w.log.Warn("Failed to apply record", "source", inbound.Source, "chat_code", inbound.ChatCode, "error", err)
		}
	}
}

// Apply handles one inbound record synchronously.
func (w *Worker) Apply(ctx context.Context, inbound bus.InboundRecord) error {
	if inbound.Record == nil {
		return errors.New("inbound record is empty")
	}

	chatCode := inbound.ChatCode
	if chatCode == "" {
		chatCode = inbound.Record.ChatKey()
	}
	session, err := w.manager.Session(ctx, chatCode)
	if err != nil {
		return err
	}

	_ = w.bus.PublishEvent(ctx, bus.Event{
		Type:     bus.EventRecordReceived,
		Source:   inbound.Source,
		ChatCode: chatCode,
		Payload: map[string]string{
			"kind": string(inbound.Record.Kind()),
		},
	})

	if page, ok := historyPage(inbound.Record); ok {
		confirmed, err := session.LoadHistory(ctx, page)
		w.publishConfirmed(ctx, inbound.Source, chatCode, confirmed)
		_ = w.bus.PublishEvent(ctx, bus.Event{
			Type:     bus.EventHistoryLoaded,
			Source:   inbound.Source,
			ChatCode: chatCode,
			Payload:  map[string]string{"records": strconv.Itoa(len(page))},
			Error:    errorString(err),
		})
		w.publishView(ctx, session)
		return err
	}

	change, err := session.Receive(inbound.Record)
	if err != nil {
		return err
	}
	w.publishConfirmed(ctx, inbound.Source, chatCode, change.Confirmed)
	if change.Stream != nil {
		w.publishStream(ctx, inbound.Source, chatCode, *change.Stream)
	}
	w.publishView(ctx, session)
	return nil
}

// Submit records a local submission and hands it to the source's sender,
// if one is registered. A delivery failure marks the message failed.
func (w *Worker) Submit(ctx context.Context, source string, chatCode string, sub normalize.Submission) (message.NormalizedMessage, error) {
	session, err := w.manager.Session(ctx, chatCode)
	if err != nil {
		return message.NormalizedMessage{}, err
	}

	msg, err := session.Submit(sub)
	if err != nil {
		return message.NormalizedMessage{}, err
	}
	_ = w.bus.PublishEvent(ctx, bus.Event{
		Type:      bus.EventPendingAdded,
		Source:    source,
		ChatCode:  msg.ChatCode,
		MessageID: msg.ID.String(),
	})
	w.publishView(ctx, session)

	if err := w.deliver(ctx, source, msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// Retry re-submits a pending message and delivers it again.
func (w *Worker) Retry(ctx context.Context, source string, chatCode string, id message.ID) (message.NormalizedMessage, error) {
	session, err := w.manager.Session(ctx, chatCode)
	if err != nil {
		return message.NormalizedMessage{}, err
	}

	msg, err := session.Retry(id)
	if err != nil {
		return message.NormalizedMessage{}, err
	}
	w.publishView(ctx, session)

	if err := w.deliver(ctx, source, msg); err != nil {
		return msg, err
	}
	return msg, nil
}

func (w *Worker) deliver(ctx context.Context, source string, msg message.NormalizedMessage) error {
	send, ok := w.bus.GetSender(source)
	if !ok {
		return nil
	}

	err := send(ctx, bus.OutgoingMessage{
		Source:    source,
		ChatCode:  msg.ChatCode,
		PendingID: msg.ID,
		Text:      msg.Text,
		Media:     msg.Attachments,
	})
	if err == nil {
		return nil
	}

	session, ok := w.manager.Get(msg.ChatCode)
	if ok {
		if markErr := session.Fail(msg.ID, err.Error()); markErr != nil {
			w.log.Debug("Pending message gone before failure was recorded", "id", msg.ID.String(), "error", markErr)
		}
		w.publishView(ctx, session)
	}
	_ = w.bus.PublishEvent(ctx, bus.Event{
		Type:      bus.EventPendingFailed,
		Source:    source,
		ChatCode:  msg.ChatCode,
		MessageID: msg.ID.String(),
		Error:     err.Error(),
	})
	return fmt.Errorf("deliver message via %s: %w", source, err)
}

func (w *Worker) publishConfirmed(ctx context.Context, source string, chatCode string, confirmed []message.NormalizedMessage) {
	for _, entry := range confirmed {
		_ = w.bus.PublishEvent(ctx, bus.Event{
			Type:      bus.EventPendingConfirmed,
			Source:    source,
			ChatCode:  chatCode,
			MessageID: entry.ID.String(),
		})
	}
}

func (w *Worker) publishStream(ctx context.Context, source string, chatCode string, update stream.Update) {
	event := bus.Event{
		Source:      source,
		ChatCode:    chatCode,
		MessageCode: update.Snapshot.MessageCode,
		Payload: map[string]string{
			"chunks": strconv.Itoa(update.Snapshot.ChunkCount),
		},
	}

	if update.Started {
		started := event
		started.Type = bus.EventStreamStarted
		_ = w.bus.PublishEvent(ctx, started)
	}
	if update.Late > 0 {
		late := event
		late.Type = bus.EventLateChunk
		late.Payload = map[string]string{"late_chunks": strconv.Itoa(update.Late)}
		_ = w.bus.PublishEvent(ctx, late)
	}
	switch {
	case update.Completed:
		event.Type = bus.EventStreamCompleted
		_ = w.bus.PublishEvent(ctx, event)
	case update.Failed:
		event.Type = bus.EventStreamFailed
		event.Error = update.Snapshot.ErrorMessage
		_ = w.bus.PublishEvent(ctx, event)
	}
}

func (w *Worker) publishView(ctx context.Context, session *Session) {
	messages, streams, revision := session.Snapshot()
	_ = w.bus.PublishView(ctx, bus.ViewUpdate{
		ChatCode: session.ChatCode(),
		Messages: messages,
		Streams:  streams,
		Revision: revision,
	})
}

func historyPage(rec normalize.Record) ([]normalize.HistoryRecord, bool) {
	switch typed := rec.(type) {
	case normalize.HistoryRecord:
		return []normalize.HistoryRecord{typed}, true
	case *normalize.HistoryRecord:
		if typed == nil {
			return nil, false
		}
		return []normalize.HistoryRecord{*typed}, true
	default:
		return nil, false
	}
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
