// Package loopback is an in-process source for running without a backend.
// Every local submission is echoed back as a confirmed live message.
package loopback

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatsync/pkg/bus"
	"chatsync/pkg/channel"
	"chatsync/pkg/message"
	"chatsync/pkg/normalize"
)

const sourceName = "local"

var ErrNotRunning = errors.New("loopback source is not running")

type Option func(*Source)

// WithFirstID sets the id assigned to the first echoed message.
func WithFirstID(id int64) Option {
	return func(s *Source) {
		s.nextID = id
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Source) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Source) {
		if log != nil {
			s.log = log
		}
	}
}

type Source struct {
	log *slog.Logger
	now func() time.Time

	started   chan struct{}
	startOnce sync.Once

	mu     sync.Mutex
	nextID int64
	sink   channel.Sink
}

func NewSource(opts ...Option) *Source {
	s := &Source{
		log:     slog.Default(),
		now:     time.Now,
		started: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.nextID <= 0 {
		// Millisecond ids stay above anything a small history cache holds.
		s.nextID = s.now().UnixMilli()
	}
	s.log = s.log.With("component", "channel.loopback")
	return s
}

func (s *Source) Name() string {
	return sourceName
}

// Run keeps the sink until ctx is done.
func (s *Source) Run(ctx context.Context, sink channel.Sink) error {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
	s.startOnce.Do(func() { close(s.started) })

	s.log.Info("Loopback source started")
	<-ctx.Done()

	s.mu.Lock()
	s.sink = nil
	s.mu.Unlock()
	return ctx.Err()
}

// Started is closed once Run has taken the sink.
func (s *Source) Started() <-chan struct{} {
	return s.started
}

// Send echoes out back through the sink under a fresh numeric id.
func (s *Source) Send(ctx context.Context, out bus.OutgoingMessage) error {
	s.mu.Lock()
	sink := s.sink
	id := s.nextID
	s.nextID++
	s.mu.Unlock()
	if sink == nil {
		return ErrNotRunning
	}
	if strings.TrimSpace(out.Text) == "" && len(out.Media) == 0 {
		return errors.New("nothing to send")
	}

	echo := normalize.LiveEnvelope{
		HistoryRecord: normalize.HistoryRecord{
			ID:              message.NumericID(id),
			ChatCode:        out.ChatCode,
			MessageText:     out.Text,
			SenderType:      string(message.SenderUser),
			CreateDate:      s.now().UTC().Format(time.RFC3339Nano),
			ChatAttachments: attachmentRecords(out.Media),
		},
	}
	s.log.Debug("Echoing message", "chat_code", out.ChatCode, "pending_id", out.PendingID.String(), "id", id)
	return sink(ctx, echo)
}

func attachmentRecords(media []message.Attachment) []normalize.AttachmentRecord {
	if len(media) == 0 {
		return nil
	}
	out := make([]normalize.AttachmentRecord, 0, len(media))
	for _, att := range media {
		out = append(out, normalize.AttachmentRecord{URL: att.URL, Name: att.Name, Type: att.Kind})
	}
	return out
}
