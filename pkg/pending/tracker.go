package pending

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatsync/pkg/message"
	"chatsync/pkg/normalize"

	"github.com/google/uuid"
)

const tempIDPrefix = "tmp-"

// ErrNotFound is returned when no pending entry has the requested id.
var ErrNotFound = errors.New("pending message not found")

// Tracker is the ordered buffer of locally created messages awaiting server
// confirmation for one conversation. Entries keep insertion order; final
// placement is left to the merge engine.
type Tracker struct {
	log   *slog.Logger
	now   func() time.Time
	newID func() message.ID

	mu      sync.Mutex
	entries []message.NormalizedMessage
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock overrides the submission clock.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithIDGenerator overrides temporary id generation.
func WithIDGenerator(newID func() message.ID) Option {
	return func(t *Tracker) {
		if newID != nil {
			t.newID = newID
		}
	}
}

// WithLogger sets the tracker logger.
func WithLogger(log *slog.Logger) Option {
	return func(t *Tracker) {
		if log != nil {
			t.log = log
		}
	}
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		log:   slog.Default(),
		now:   time.Now,
		newID: NewTempID,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With("component", "pending.tracker")
	return t
}

// NewTempID returns a temporary id. UUIDv7 ids sort lexically in creation
// order, which keeps pending entries in submission order under CompareIDs.
func NewTempID() message.ID {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return message.ID(tempIDPrefix + id.String())
}

// IsTempID reports whether id was assigned locally.
func IsTempID(id message.ID) bool {
	return strings.HasPrefix(string(id), tempIDPrefix)
}

// Submit records a local submission and returns the optimistic message.
func (t *Tracker) Submit(chatCode string, sub normalize.Submission) message.NormalizedMessage {
	msg := normalize.FromSubmission(chatCode, sub, t.newID(), t.now())
	return t.Add(msg)
}

// Add appends msg, assigning a temporary id and submission sort key when
// missing. A prior entry with the same id is removed first.
func (t *Tracker) Add(msg message.NormalizedMessage) message.NormalizedMessage {
	if msg.ID.IsZero() {
		msg.ID = t.newID()
	}
	if msg.SortKey == 0 {
		submittedAt := t.now()
		msg.SortKey = message.SortKeyFromTime(submittedAt)
		if msg.CreatedAtISO == "" {
			msg.CreatedAtISO = message.FormatTimestamp(submittedAt)
		}
	}
	msg.Status = message.StatusPending
	msg.IsOutbound = true
	if msg.SenderKind == "" {
		msg.SenderKind = message.SenderUser
	}
	msg = msg.Clone()

	t.mu.Lock()
	defer t.mu.Unlock()

	if idx := t.indexLocked(msg.ID); idx >= 0 {
		t.entries = append(t.entries[:idx], t.entries[idx+1:]...)
		t.log.Debug("Replaced pending entry", "id", msg.ID.String(), "chat_code", msg.ChatCode)
	}
	t.entries = append(t.entries, msg)

	return msg.Clone()
}

// Remove drops every entry matched by match and returns the removed entries.
func (t *Tracker) Remove(match func(message.NormalizedMessage) bool) []message.NormalizedMessage {
	if match == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []message.NormalizedMessage
	kept := t.entries[:0]
	for _, entry := range t.entries {
		if match(entry) {
			removed = append(removed, entry)
			continue
		}
		kept = append(kept, entry)
	}
	clear(t.entries[len(kept):])
	t.entries = kept

	return removed
}

// RemoveCorrelated drops the entries that confirmed acknowledges.
func (t *Tracker) RemoveCorrelated(confirmed message.NormalizedMessage) []message.NormalizedMessage {
	return t.Remove(func(entry message.NormalizedMessage) bool {
		return message.Correlates(entry, confirmed)
	})
}

// Retry re-submits the entry with the given id. The prior entry is removed
// and the message is re-added at the end with a fresh submission time.
func (t *Tracker) Retry(id message.ID) (message.NormalizedMessage, error) {
	t.mu.Lock()
	idx := t.indexLocked(id)
	if idx < 0 {
		t.mu.Unlock()
		return message.NormalizedMessage{}, ErrNotFound
	}
	entry := t.entries[idx]
	t.entries = append(t.entries[:idx], t.entries[idx+1:]...)
	t.mu.Unlock()

	submittedAt := t.now()
	entry.SortKey = message.SortKeyFromTime(submittedAt)
	entry.CreatedAtISO = message.FormatTimestamp(submittedAt)
	entry.ErrorMessage = ""

	return t.Add(entry), nil
}

// Cancel drops the entry with the given id.
func (t *Tracker) Cancel(id message.ID) error {
	removed := t.Remove(func(entry message.NormalizedMessage) bool {
		return entry.ID == id
	})
	if len(removed) == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed flags the entry with the given id as failed so it can be retried.
func (t *Tracker) MarkFailed(id message.ID, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.indexLocked(id)
	if idx < 0 {
		return ErrNotFound
	}
	t.entries[idx].Status = message.StatusError
	t.entries[idx].ErrorMessage = strings.TrimSpace(reason)
	return nil
}

// Clear drops every entry.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
}

// List returns a copy of the entries in insertion order.
func (t *Tracker) List() []message.NormalizedMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]message.NormalizedMessage, 0, len(t.entries))
	for _, entry := range t.entries {
		out = append(out, entry.Clone())
	}
	return out
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) indexLocked(id message.ID) int {
	for i, entry := range t.entries {
		if entry.ID == id {
			return i
		}
	}
	return -1
}
