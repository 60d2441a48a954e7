package pending

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"chatsync/pkg/message"
	"chatsync/pkg/normalize"
)

func newTestTracker() *Tracker {
	counter := 0
	clock := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return NewTracker(
		WithIDGenerator(func() message.ID {
			counter++
			return message.ID(fmt.Sprintf("tmp-%d", counter))
		}),
		WithClock(func() time.Time {
			clock = clock.Add(time.Millisecond)
			return clock
		}),
	)
}

func ids(messages []message.NormalizedMessage) []message.ID {
	out := make([]message.ID, 0, len(messages))
	for _, msg := range messages {
		out = append(out, msg.ID)
	}
	return out
}

func TestSubmitAssignsTempIDAndPendingStatus(t *testing.T) {
	tracker := newTestTracker()

	msg := tracker.Submit("c1", normalize.Submission{Text: "Hi"})
	if msg.ID != "tmp-1" {
		t.Fatalf("id = %q, want %q", msg.ID, "tmp-1")
	}
	if msg.Status != message.StatusPending {
		t.Fatalf("status = %q, want %q", msg.Status, message.StatusPending)
	}
	if msg.SortKey == 0 {
		t.Fatal("expected submission sort key")
	}
	if tracker.Len() != 1 {
		t.Fatalf("len = %d, want 1", tracker.Len())
	}
}

func TestListPreservesInsertionOrder(t *testing.T) {
	tracker := newTestTracker()
	tracker.Add(message.NormalizedMessage{ID: "tmp-z", ChatCode: "c1", Text: "first", SortKey: 30})
	tracker.Add(message.NormalizedMessage{ID: "tmp-a", ChatCode: "c1", Text: "second", SortKey: 10})
	tracker.Add(message.NormalizedMessage{ID: "tmp-m", ChatCode: "c1", Text: "third", SortKey: 20})

	want := []message.ID{"tmp-z", "tmp-a", "tmp-m"}
	if got := ids(tracker.List()); !slices.Equal(got, want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
}

func TestAddSameIDReplacesPriorEntry(t *testing.T) {
	tracker := newTestTracker()
	tracker.Add(message.NormalizedMessage{ID: "tmp-1", ChatCode: "c1", Text: "draft"})
	tracker.Add(message.NormalizedMessage{ID: "tmp-2", ChatCode: "c1", Text: "other"})
	tracker.Add(message.NormalizedMessage{ID: "tmp-1", ChatCode: "c1", Text: "final"})

	entries := tracker.List()
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	if entries[1].ID != "tmp-1" || entries[1].Text != "final" {
		t.Fatalf("last entry = %+v, want re-added tmp-1", entries[1])
	}
}

func TestRemoveCorrelatedDropsConfirmedEntry(t *testing.T) {
	tracker := newTestTracker()
	tracker.Submit("abc", normalize.Submission{Text: "hello"})
	tracker.Submit("abc", normalize.Submission{Text: "other"})

	removed := tracker.RemoveCorrelated(message.NormalizedMessage{ID: "99", ChatCode: "abc", Text: "hello"})
	if len(removed) != 1 || removed[0].Text != "hello" {
		t.Fatalf("removed = %+v, want the hello entry", removed)
	}

	remaining := tracker.List()
	if len(remaining) != 1 || remaining[0].Text != "other" {
		t.Fatalf("remaining = %+v, want only the other entry", remaining)
	}
}

func TestRetryMovesEntryToEndWithoutDuplicates(t *testing.T) {
	tracker := newTestTracker()
	first := tracker.Submit("c1", normalize.Submission{Text: "one"})
	tracker.Submit("c1", normalize.Submission{Text: "two"})

	if err := tracker.MarkFailed(first.ID, "network down"); err != nil {
		t.Fatalf("MarkFailed error: %v", err)
	}
	if got := tracker.List()[0].Status; got != message.StatusError {
		t.Fatalf("status after failure = %q, want %q", got, message.StatusError)
	}

	retried, err := tracker.Retry(first.ID)
	if err != nil {
		t.Fatalf("Retry error: %v", err)
	}
	if retried.Status != message.StatusPending || retried.ErrorMessage != "" {
		t.Fatalf("retried = %+v, want clean pending entry", retried)
	}
	if retried.SortKey <= first.SortKey {
		t.Fatalf("retried sort key %d not after original %d", retried.SortKey, first.SortKey)
	}

	want := []message.ID{"tmp-2", "tmp-1"}
	if got := ids(tracker.List()); !slices.Equal(got, want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
}

func TestRetryAndCancelUnknownID(t *testing.T) {
	tracker := newTestTracker()

	if _, err := tracker.Retry("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Retry error = %v, want %v", err, ErrNotFound)
	}
	if err := tracker.Cancel("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Cancel error = %v, want %v", err, ErrNotFound)
	}
	if err := tracker.MarkFailed("nope", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkFailed error = %v, want %v", err, ErrNotFound)
	}
}

func TestCancelAndClear(t *testing.T) {
	tracker := newTestTracker()
	msg := tracker.Submit("c1", normalize.Submission{Text: "one"})
	tracker.Submit("c1", normalize.Submission{Text: "two"})

	if err := tracker.Cancel(msg.ID); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if tracker.Len() != 1 {
		t.Fatalf("len = %d, want 1", tracker.Len())
	}

	tracker.Clear()
	if tracker.Len() != 0 {
		t.Fatalf("len after clear = %d, want 0", tracker.Len())
	}
}

func TestListReturnsCopies(t *testing.T) {
	tracker := newTestTracker()
	tracker.Submit("c1", normalize.Submission{Text: "one", Attachments: []message.Attachment{{URL: "u1"}}})

	entries := tracker.List()
	entries[0].Text = "mutated"
	entries[0].Attachments[0].URL = "mutated"

	again := tracker.List()
	if again[0].Text != "one" || again[0].Attachments[0].URL != "u1" {
		t.Fatalf("tracker state leaked through List: %+v", again[0])
	}
}

func TestNewTempIDIsPrefixedAndOrdered(t *testing.T) {
	a := NewTempID()
	time.Sleep(2 * time.Millisecond)
	b := NewTempID()

	if !IsTempID(a) || !strings.HasPrefix(string(b), "tmp-") {
		t.Fatalf("temp ids %q/%q missing prefix", a, b)
	}
	if message.CompareIDs(a, b) >= 0 {
		t.Fatalf("expected %q to sort before %q", a, b)
	}
}
