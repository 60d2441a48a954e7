// Package conversation holds the reconciliation state of open chats.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"chatsync/pkg/merge"
	"chatsync/pkg/message"
	"chatsync/pkg/metrics"
	"chatsync/pkg/normalize"
	"chatsync/pkg/pending"
	"chatsync/pkg/stream"
)

var (
	ErrEmptySubmission = errors.New("submission has no text or attachments")
	ErrWrongChat       = errors.New("record belongs to another chat")
	ErrNoChat          = errors.New("no chat selected")
	ErrUnknownChat     = errors.New("chat is not open")
)

// HistoryCache persists confirmed history pages between runs.
type HistoryCache interface {
	Load(ctx context.Context, chatCode string) ([]normalize.HistoryRecord, error)
	SavePage(ctx context.Context, chatCode string, page []normalize.HistoryRecord) error
}

// Change summarizes what one received record did to a session.
type Change struct {
	Kind      normalize.Kind
	Messages  []message.NormalizedMessage
	Confirmed []message.NormalizedMessage
	Stream    *stream.Update
}

// Session is the reconciliation state of one conversation: confirmed
// history, the live record log, pending submissions and in-flight streams.
type Session struct {
	log     *slog.Logger
	metrics *metrics.Recorder
	engine  *merge.Engine
	cache   HistoryCache
	opts    []pending.Option

	mu       sync.Mutex
	chatCode string
	history  []normalize.Record
	index    map[string]int
	live     []normalize.Record
	pending  *pending.Tracker
	streams  *stream.Registry
	revision uint64
}

type Option func(*Session)

func WithLogger(log *slog.Logger) Option {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

func WithMetrics(rec *metrics.Recorder) Option {
	return func(s *Session) {
		s.metrics = rec
	}
}

func WithEngine(engine *merge.Engine) Option {
	return func(s *Session) {
		if engine != nil {
			s.engine = engine
		}
	}
}

func WithCache(cache HistoryCache) Option {
	return func(s *Session) {
		s.cache = cache
	}
}

// WithPendingOptions configures the session's pending tracker.
func WithPendingOptions(opts ...pending.Option) Option {
	return func(s *Session) {
		s.opts = append(s.opts, opts...)
	}
}

func NewSession(chatCode string, opts ...Option) *Session {
	s := &Session{
		log:      slog.Default(),
		chatCode: strings.TrimSpace(chatCode),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "conversation.session")
	if s.engine == nil {
		s.engine = merge.New(merge.WithLogger(s.log), merge.WithMetrics(s.metrics))
	}
	s.pending = pending.NewTracker(append([]pending.Option{pending.WithLogger(s.log)}, s.opts...)...)
	s.streams = stream.NewRegistry(s.log)
	s.index = make(map[string]int)
	return s
}

func (s *Session) ChatCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatCode
}

// Revision increases on every change to the session.
func (s *Session) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// LoadHistory adds a confirmed history page. Records already held are
// replaced, so loading the same page twice changes nothing. Pending entries
// the page confirms are dropped.
func (s *Session) LoadHistory(ctx context.Context, page []normalize.HistoryRecord) ([]message.NormalizedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chatCode == "" {
		return nil, ErrNoChat
	}

	accepted := make([]normalize.HistoryRecord, 0, len(page))
	var confirmed []message.NormalizedMessage
	for _, rec := range page {
		if rec.ChatCode == "" {
			rec.ChatCode = s.chatCode
		}
		if rec.ChatCode != s.chatCode {
			s.log.Warn("Skipping history record for another chat", "chat_code", s.chatCode, "record_chat_code", rec.ChatCode, "id", rec.ID.String())
			continue
		}
		s.addHistoryLocked(rec)
		accepted = append(accepted, rec)
		confirmed = append(confirmed, s.confirmLocked(normalize.FromHistory(rec))...)
	}
	s.revision++

	if s.cache != nil && len(accepted) > 0 {
		if err := s.cache.SavePage(ctx, s.chatCode, accepted); err != nil {
			return confirmed, fmt.Errorf("cache history page: %w", err)
		}
	}
	return confirmed, nil
}

// Submit records a local submission as a pending message.
func (s *Session) Submit(sub normalize.Submission) (message.NormalizedMessage, error) {
	if strings.TrimSpace(sub.Text) == "" && !hasAttachmentURL(sub.Attachments) {
		return message.NormalizedMessage{}, ErrEmptySubmission
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chatCode == "" {
		return message.NormalizedMessage{}, ErrNoChat
	}
	msg := s.pending.Submit(s.chatCode, sub)
	s.revision++
	return msg, nil
}

func (s *Session) Retry(id message.ID) (message.NormalizedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.pending.Retry(id)
	if err != nil {
		return message.NormalizedMessage{}, err
	}
	s.revision++
	return msg, nil
}

func (s *Session) Cancel(id message.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.pending.Cancel(id); err != nil {
		return err
	}
	s.revision++
	return nil
}

// Fail marks a pending message as undeliverable.
func (s *Session) Fail(id message.ID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.pending.MarkFailed(id, reason); err != nil {
		return err
	}
	s.metrics.PendingFailed()
	s.revision++
	return nil
}

// Receive applies one live record. Confirmed echoes remove the pending
// entries they stand for; stream envelopes feed the stream registry.
func (s *Session) Receive(rec normalize.Record) (Change, error) {
	if rec == nil {
		return Change{}, errors.New("record is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chatCode == "" {
		return Change{}, ErrNoChat
	}
	if key := strings.TrimSpace(rec.ChatKey()); key != "" && key != s.chatCode {
		return Change{}, fmt.Errorf("%w: %s", ErrWrongChat, key)
	}

	change := Change{Kind: rec.Kind()}
	s.metrics.Record(string(rec.Kind()))

	if env, ok := streamEnvelope(rec); ok {
		if env.ChatCode == "" {
			env.ChatCode = s.chatCode
		}
		update := s.streams.Apply(env)
		s.metrics.LateChunks(update.Late)
		if update.Completed {
			s.metrics.StreamFinished(stream.StateComplete.String())
		}
		if update.Failed {
			s.metrics.StreamFinished(stream.StateErrored.String())
		}
		change.Stream = &update
		s.revision++
		return change, nil
	}

	rec = withChatCode(rec, s.chatCode)
	for _, msg := range normalize.Adapt(rec, nil) {
		change.Messages = append(change.Messages, msg)
		change.Confirmed = append(change.Confirmed, s.confirmLocked(msg)...)
	}
	s.live = append(s.live, rec)
	s.revision++
	return change, nil
}

// View merges history, live records, streams and pending messages into the
// ordered list to render.
func (s *Session) View() []message.NormalizedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) viewLocked() []message.NormalizedMessage {
	live := make([]normalize.Record, 0, len(s.live)+s.streams.Len())
	live = append(live, s.live...)
	for _, env := range s.streams.Envelopes() {
		live = append(live, env)
	}
	return s.engine.Merge(s.history, live, s.pending.List())
}

// Snapshot returns the view together with stream states and revision.
func (s *Session) Snapshot() ([]message.NormalizedMessage, []stream.Snapshot, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked(), s.streams.Snapshots(), s.revision
}

func (s *Session) StreamState(messageCode string) (stream.Snapshot, bool) {
	return s.streams.Snapshot(messageCode)
}

// Stream returns the accumulator of one in-flight reply.
func (s *Session) Stream(messageCode string) (*stream.Accumulator, bool) {
	return s.streams.Get(messageCode)
}

func (s *Session) Pending() []message.NormalizedMessage {
	return s.pending.List()
}

// Switch moves the session to another chat. Pending, stream and live state
// of the previous chat is dropped; cached history of the new chat is loaded.
func (s *Session) Switch(ctx context.Context, chatCode string) error {
	chatCode = strings.TrimSpace(chatCode)
	if chatCode == "" {
		return ErrNoChat
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.chatCode
	s.resetLocked()
	s.chatCode = chatCode
	s.revision++
	s.log.Debug("Switched conversation", "from", previous, "to", chatCode)

	if s.cache == nil {
		return nil
	}
	page, err := s.cache.Load(ctx, chatCode)
	if err != nil {
		return fmt.Errorf("load cached history for %s: %w", chatCode, err)
	}
	for _, rec := range page {
		s.addHistoryLocked(rec)
	}
	return nil
}

// Reset drops all state but keeps the chat code.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.revision++
}

func (s *Session) resetLocked() {
	s.history = nil
	s.index = make(map[string]int)
	s.live = nil
	s.pending.Clear()
	s.streams.Clear()
}

func (s *Session) addHistoryLocked(rec normalize.HistoryRecord) {
	if rec.ID.IsZero() {
		s.history = append(s.history, rec)
		return
	}
	key := string(rec.ID)
	if i, ok := s.index[key]; ok {
		s.history[i] = rec
		return
	}
	s.index[key] = len(s.history)
	s.history = append(s.history, rec)
}

func (s *Session) confirmLocked(msg message.NormalizedMessage) []message.NormalizedMessage {
	if msg.IsActiveStream() {
		return nil
	}
	removed := s.pending.Remove(func(entry message.NormalizedMessage) bool {
		return s.engine.Confirms(msg, entry)
	})
	if len(removed) > 0 {
		s.metrics.PendingConfirmed(len(removed))
		for _, entry := range removed {
			s.log.Debug("Pending message confirmed", "chat_code", entry.ChatCode, "pending_id", entry.ID.String(), "confirmed_id", msg.ID.String())
		}
	}
	return removed
}

func streamEnvelope(rec normalize.Record) (normalize.StreamEnvelope, bool) {
	switch typed := rec.(type) {
	case normalize.StreamEnvelope:
		return typed, true
	case *normalize.StreamEnvelope:
		if typed == nil {
			return normalize.StreamEnvelope{}, false
		}
		return *typed, true
	default:
		return normalize.StreamEnvelope{}, false
	}
}

// withChatCode fills in a missing chat code so the record deduplicates
// against history of the same chat.
func withChatCode(rec normalize.Record, chatCode string) normalize.Record {
	switch typed := rec.(type) {
	case normalize.HistoryRecord:
		if typed.ChatCode == "" {
			typed.ChatCode = chatCode
		}
		return typed
	case *normalize.HistoryRecord:
		if typed == nil {
			return rec
		}
		return withChatCode(*typed, chatCode)
	case normalize.LiveEnvelope:
		if typed.ChatCode == "" {
			typed.ChatCode = chatCode
		}
		return typed
	case *normalize.LiveEnvelope:
		if typed == nil {
			return rec
		}
		return withChatCode(*typed, chatCode)
	default:
		return rec
	}
}

func hasAttachmentURL(attachments []message.Attachment) bool {
	for _, attachment := range attachments {
		if strings.TrimSpace(attachment.URL) != "" {
			return true
		}
	}
	return false
}
