// Package merge reconciles confirmed history, live events and pending
// messages into the single ordered list a conversation renders.
package merge

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"chatsync/pkg/message"
	"chatsync/pkg/metrics"
	"chatsync/pkg/normalize"
)

// Ordering selects the final sort of merged output.
type Ordering int

const (
	// OrderByID sorts numeric ids numerically before non-numeric ids.
	OrderByID Ordering = iota
	// OrderChronological sorts by SortKey, then id.
	OrderChronological
)

// ParseOrdering maps a configured ordering name. Empty means OrderByID.
func ParseOrdering(name string) (Ordering, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "id":
		return OrderByID, nil
	case "chronological", "time":
		return OrderChronological, nil
	default:
		return OrderByID, fmt.Errorf("unknown ordering %q", name)
	}
}

type Engine struct {
	log      *slog.Logger
	metrics  *metrics.Recorder
	ordering Ordering
	skew     int64
}

type Option func(*Engine)

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

func WithMetrics(rec *metrics.Recorder) Option {
	return func(e *Engine) {
		e.metrics = rec
	}
}

func WithOrdering(ordering Ordering) Option {
	return func(e *Engine) {
		e.ordering = ordering
	}
}

// WithClockSkew bounds how much older than a pending message a confirmed
// message may be and still confirm it. The window is off unless set; zero or
// negative keeps it off, so any correlating confirmed message wins.
func WithClockSkew(skew time.Duration) Option {
	return func(e *Engine) {
		e.skew = skew.Microseconds()
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("component", "merge.engine")
	return e
}

// Merge runs one pass with default settings.
func Merge(history []normalize.Record, live []normalize.Record, pending []message.NormalizedMessage) []message.NormalizedMessage {
	return New().Merge(history, live, pending)
}

// candidate is an adapted record with where it came from.
type candidate struct {
	msg    message.NormalizedMessage
	stream bool
}

// Merge reconciles the three sources. Inputs are not modified and the same
// inputs always produce the same output, so re-delivering a page or event is
// harmless.
func (e *Engine) Merge(history []normalize.Record, live []normalize.Record, pending []message.NormalizedMessage) []message.NormalizedMessage {
	base := e.adaptHistory(history)
	confirmed := slices.Clone(base)
	seen := make(map[string]struct{}, len(base))
	for _, msg := range base {
		seen[dedupKey(msg)] = struct{}{}
	}

	batch := e.adaptLive(live, pending, seen)
	batch = e.collapse(batch)

	var (
		finished []message.NormalizedMessage
		active   []message.NormalizedMessage
	)
	for _, c := range batch {
		switch {
		case c.msg.IsActiveStream():
			active = append(active, c.msg)
		case !c.stream && c.msg.IsTransient() && e.correlatesAny(c.msg, confirmed):
			e.drop(metrics.DropTransient, c.msg)
		default:
			finished = append(finished, c.msg)
			if !c.stream {
				confirmed = append(confirmed, c.msg)
			}
		}
	}

	out := make([]message.NormalizedMessage, 0, len(base)+len(finished)+len(pending)+len(active))
	out = append(out, base...)
	out = append(out, finished...)
	for _, entry := range pending {
		if match, ok := e.confirmation(entry, confirmed); ok {
			e.log.Debug("Pending message confirmed",
				"chat_code", entry.ChatCode,
				"pending_id", entry.ID.String(),
				"confirmed_id", match.ID.String(),
			)
			e.drop(metrics.DropPendingConfirmed, entry)
			continue
		}
		out = append(out, entry.Clone())
	}

	compare := e.compare()
	slices.SortStableFunc(out, compare)
	slices.SortStableFunc(active, compare)
	out = append(out, active...)

	e.metrics.Merge(len(out))
	return out
}

// adaptHistory converts history records, keeping the latest delivery of
// each id.
func (e *Engine) adaptHistory(history []normalize.Record) []message.NormalizedMessage {
	out := make([]message.NormalizedMessage, 0, len(history))
	index := make(map[string]int, len(history))
	for _, rec := range history {
		for _, msg := range normalize.Adapt(rec, nil) {
			key := dedupKey(msg)
			if msg.ID.IsZero() {
				out = append(out, msg)
				continue
			}
			if i, ok := index[key]; ok {
				out[i] = msg
				continue
			}
			index[key] = len(out)
			out = append(out, msg)
		}
	}
	return out
}

func (e *Engine) adaptLive(live []normalize.Record, pending []message.NormalizedMessage, seen map[string]struct{}) []candidate {
	out := make([]candidate, 0, len(live))
	for _, rec := range live {
		isStream := rec != nil && rec.Kind() == normalize.KindStream
		for _, msg := range normalize.Adapt(rec, pending) {
			if !msg.ID.IsZero() {
				if _, ok := seen[dedupKey(msg)]; ok {
					e.drop(metrics.DropDuplicateID, msg)
					continue
				}
			}
			out = append(out, candidate{msg: msg, stream: isStream})
		}
	}
	return out
}

// collapse keeps one record per id within the batch. A stream keeps its most
// complete record; other records keep the latest delivery.
func (e *Engine) collapse(batch []candidate) []candidate {
	index := make(map[string]int, len(batch))
	out := make([]candidate, 0, len(batch))
	for _, c := range batch {
		if c.msg.ID.IsZero() {
			out = append(out, c)
			continue
		}
		key := dedupKey(c.msg)
		i, ok := index[key]
		if !ok {
			index[key] = len(out)
			out = append(out, c)
			continue
		}

		prev := out[i]
		if prev.stream && c.stream && streamRank(prev.msg) > streamRank(c.msg) {
			e.drop(metrics.DropStreamSuperseded, c.msg)
			continue
		}
		if prev.stream && c.stream {
			e.drop(metrics.DropStreamSuperseded, prev.msg)
		} else {
			e.drop(metrics.DropDuplicateID, prev.msg)
		}
		out[i] = c
	}
	return out
}

func streamRank(msg message.NormalizedMessage) int {
	if msg.IsComplete || msg.HasError {
		return 1
	}
	return 0
}

// confirmation finds a confirmed message that stands for entry. Confirmed
// messages much older than the submission never match, so repeating an old
// message stays visible while pending.
func (e *Engine) confirmation(entry message.NormalizedMessage, confirmed []message.NormalizedMessage) (message.NormalizedMessage, bool) {
	for _, msg := range confirmed {
		if e.Confirms(msg, entry) {
			return msg, true
		}
	}
	return message.NormalizedMessage{}, false
}

// Confirms reports whether confirmed stands for the pending entry.
func (e *Engine) Confirms(confirmed message.NormalizedMessage, entry message.NormalizedMessage) bool {
	return e.recentEnough(confirmed, entry) && message.Correlates(confirmed, entry)
}

func (e *Engine) correlatesAny(msg message.NormalizedMessage, confirmed []message.NormalizedMessage) bool {
	for _, other := range confirmed {
		if !other.IsTransient() && message.Correlates(msg, other) {
			return true
		}
	}
	return false
}

func (e *Engine) recentEnough(confirmed message.NormalizedMessage, entry message.NormalizedMessage) bool {
	if e.skew <= 0 || confirmed.SortKey == 0 || entry.SortKey == 0 {
		return true
	}
	return confirmed.SortKey >= entry.SortKey-e.skew
}

func (e *Engine) compare() func(a, b message.NormalizedMessage) int {
	if e.ordering == OrderChronological {
		return message.CompareChronological
	}
	return message.CompareByID
}

func (e *Engine) drop(reason string, msg message.NormalizedMessage) {
	e.metrics.Dropped(reason)
	e.log.Debug("Dropped message while merging",
		"reason", reason,
		"chat_code", msg.ChatCode,
		"id", msg.ID.String(),
	)
}

func dedupKey(msg message.NormalizedMessage) string {
	return strings.TrimSpace(msg.ChatCode) + "\x00" + strings.TrimSpace(string(msg.ID))
}
