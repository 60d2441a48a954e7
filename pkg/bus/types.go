package bus

import (
	"context"
	"time"

	"chatsync/pkg/message"
	"chatsync/pkg/normalize"
	"chatsync/pkg/stream"
)

// InboundRecord is one raw record delivered by a source.
type InboundRecord struct {
	Source     string           `json:"source"`
	ChatCode   string           `json:"chat_code"`
	Record     normalize.Record `json:"-"`
	ReceivedAt time.Time        `json:"received_at"`
}

// ViewUpdate is the merged view of one conversation after a change.
type ViewUpdate struct {
	ChatCode string                      `json:"chat_code"`
	Messages []message.NormalizedMessage `json:"messages"`
	Streams  []stream.Snapshot           `json:"streams,omitempty"`
	Revision uint64                      `json:"revision"`
}

// OutgoingMessage is a local submission to deliver upstream.
type OutgoingMessage struct {
	Source    string               `json:"source"`
	ChatCode  string               `json:"chat_code"`
	PendingID message.ID           `json:"pending_id"`
	Text      string               `json:"text"`
	Media     []message.Attachment `json:"media,omitempty"`
}

// SendHandler delivers an outgoing message through a source.
type SendHandler func(context.Context, OutgoingMessage) error
