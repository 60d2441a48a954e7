package bus

import (
	"context"
	"sync"
)

const defaultBufferSize = 100

// MessageBus moves raw records in and merged views out, and fans lifecycle
// events out to subscribers.
type MessageBus struct {
	inbound  chan InboundRecord
	outbound chan ViewUpdate
	senders  map[string]SendHandler

	eventSubscribers      map[uint64]chan Event
	nextEventSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:          make(chan InboundRecord, defaultBufferSize),
		outbound:         make(chan ViewUpdate, defaultBufferSize),
		senders:          make(map[string]SendHandler),
		eventSubscribers: make(map[uint64]chan Event),
		done:             make(chan struct{}),
	}
}

func (mb *MessageBus) PublishInbound(ctx context.Context, rec InboundRecord) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	case mb.inbound <- rec:
		return true
	}
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundRecord, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return InboundRecord{}, false
	case <-mb.done:
		return InboundRecord{}, false
	case rec := <-mb.inbound:
		return rec, true
	}
}

// PublishView queues a view update. When the queue is full the oldest
// pending update is discarded, since every update carries the whole view.
func (mb *MessageBus) PublishView(ctx context.Context, update ViewUpdate) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	for {
		select {
		case mb.outbound <- update:
			return true
		default:
		}

		select {
		case <-mb.outbound:
		case <-ctx.Done():
			return false
		case <-mb.done:
			return false
		default:
		}
	}
}

func (mb *MessageBus) ConsumeView(ctx context.Context) (ViewUpdate, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return ViewUpdate{}, false
	case <-mb.done:
		return ViewUpdate{}, false
	case update := <-mb.outbound:
		return update, true
	}
}

func (mb *MessageBus) RegisterSender(source string, handler SendHandler) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.senders[source] = handler
}

func (mb *MessageBus) GetSender(source string) (SendHandler, bool) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	handler, ok := mb.senders[source]
	return handler, ok
}

func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		close(mb.done)

		mb.mu.Lock()
		for id, ch := range mb.eventSubscribers {
			close(ch)
			delete(mb.eventSubscribers, id)
		}
		mb.mu.Unlock()
	})
}
