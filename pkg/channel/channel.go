package channel

import (
	"context"
	"errors"
	"time"

	"chatsync/pkg/bus"
	"chatsync/pkg/normalize"
)

var errBusClosed = errors.New("message bus closed")

// Sink receives raw records produced by a source.
type Sink func(context.Context, normalize.Record) error

// Source bridges one external transport (for example Telegram) into the
// reconciliation pipeline.
type Source interface {
	Name() string
	Run(context.Context, Sink) error
}

// Sender is implemented by sources that can deliver local submissions.
type Sender interface {
	Send(context.Context, bus.OutgoingMessage) error
}

// BusSink publishes every record on the bus as coming from source.
func BusSink(messageBus *bus.MessageBus, source string) Sink {
	return func(ctx context.Context, rec normalize.Record) error {
		if ok := messageBus.PublishInbound(ctx, bus.InboundRecord{
			Source:     source,
			ChatCode:   rec.ChatKey(),
			Record:     rec,
			ReceivedAt: time.Now().UTC(),
		}); !ok {
			if err := ctx.Err(); err != nil {
				return err
			}
			return errBusClosed
		}
		return nil
	}
}
