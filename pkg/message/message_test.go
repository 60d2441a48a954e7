package message

import (
	"encoding/json"
	"slices"
	"testing"
	"time"
)

func TestSortKeyMicrosecondPrecision(t *testing.T) {
	want := time.Date(2024, 5, 1, 10, 0, 0, 123456000, time.UTC).UnixMicro()
	if got := SortKey("2024-05-01T10:00:00.123456Z"); got != want {
		t.Fatalf("SortKey = %d, want %d", got, want)
	}
}

func TestSortKeyWithoutZoneIsUTC(t *testing.T) {
	want := time.Date(2024, 5, 1, 10, 0, 0, 123456000, time.UTC).UnixMicro()
	if got := SortKey("2024-05-01T10:00:00.123456"); got != want {
		t.Fatalf("SortKey = %d, want %d", got, want)
	}
}

func TestSortKeyMillisecondFractionHasNoRemainder(t *testing.T) {
	want := time.Date(2024, 5, 1, 10, 0, 0, 123000000, time.UTC).UnixMicro()
	if got := SortKey("2024-05-01T10:00:00.123Z"); got != want {
		t.Fatalf("SortKey = %d, want %d", got, want)
	}
}

func TestSortKeyDegradedInputs(t *testing.T) {
	if got := SortKey(""); got != 0 {
		t.Fatalf("SortKey(empty) = %d, want 0", got)
	}
	if got := SortKey("not a date"); got != 0 {
		t.Fatalf("SortKey(malformed) = %d, want 0", got)
	}
	if _, err := ParseSortKey("not a date"); err == nil {
		t.Fatal("expected ParseSortKey error for malformed input")
	}
	if _, err := ParseSortKey(""); err != nil {
		t.Fatalf("ParseSortKey(empty) error = %v, want nil", err)
	}
}

func TestSortKeyIsMonotonic(t *testing.T) {
	ordered := []string{
		"2024-05-01T10:00:00.000001Z",
		"2024-05-01T10:00:00.000999Z",
		"2024-05-01T10:00:00.001000Z",
		"2024-05-01T10:00:00.123455Z",
		"2024-05-01T10:00:00.123456Z",
		"2024-05-01T10:00:01.000000Z",
		"2024-05-02T00:00:00.000000Z",
	}

	for i := 1; i < len(ordered); i++ {
		prev, next := SortKey(ordered[i-1]), SortKey(ordered[i])
		if prev >= next {
			t.Fatalf("SortKey(%q)=%d is not below SortKey(%q)=%d", ordered[i-1], prev, ordered[i], next)
		}
	}
}

func TestCompareIDsMixedOrdering(t *testing.T) {
	ids := []ID{"3", "tmp-2", "1", "tmp-1"}
	slices.SortStableFunc(ids, CompareIDs)

	want := []ID{"1", "3", "tmp-1", "tmp-2"}
	if !slices.Equal(ids, want) {
		t.Fatalf("sorted ids = %v, want %v", ids, want)
	}
}

func TestCompareIDsNumericNotLexical(t *testing.T) {
	if CompareIDs("9", "10") >= 0 {
		t.Fatal("expected 9 to sort before 10")
	}
}

func TestCompareChronologicalTieBreaks(t *testing.T) {
	a := NormalizedMessage{ID: "2", ChatCode: "b", SortKey: 5}
	b := NormalizedMessage{ID: "10", ChatCode: "a", SortKey: 5}
	if CompareChronological(a, b) >= 0 {
		t.Fatal("expected numeric id tie-break to order 2 before 10")
	}

	c := NormalizedMessage{ID: "x", ChatCode: "a", SortKey: 5}
	d := NormalizedMessage{ID: "x", ChatCode: "b", SortKey: 5}
	if CompareChronological(c, d) >= 0 {
		t.Fatal("expected chat code tie-break")
	}
}

func TestCorrelates(t *testing.T) {
	tests := []struct {
		name string
		a, b NormalizedMessage
		want bool
	}{
		{
			name: "same id",
			a:    NormalizedMessage{ID: "7", Text: "one"},
			b:    NormalizedMessage{ID: "7", Text: "two"},
			want: true,
		},
		{
			name: "same chat and trimmed text",
			a:    NormalizedMessage{ID: "tmp-1", ChatCode: "abc", Text: "hello "},
			b:    NormalizedMessage{ID: "42", ChatCode: "abc", Text: " hello"},
			want: true,
		},
		{
			name: "same text other chat",
			a:    NormalizedMessage{ChatCode: "abc", Text: "hello"},
			b:    NormalizedMessage{ChatCode: "xyz", Text: "hello"},
		},
		{
			name: "empty text never correlates",
			a:    NormalizedMessage{ChatCode: "abc"},
			b:    NormalizedMessage{ChatCode: "abc"},
		},
		{
			name: "same attachment set in any order",
			a:    NormalizedMessage{Attachments: []Attachment{{URL: "u1"}, {URL: "u2"}}},
			b:    NormalizedMessage{Attachments: []Attachment{{URL: "u2"}, {URL: "u1"}}},
			want: true,
		},
		{
			name: "different attachment sets",
			a:    NormalizedMessage{Attachments: []Attachment{{URL: "u1"}}},
			b:    NormalizedMessage{Attachments: []Attachment{{URL: "u1"}, {URL: "u2"}}},
		},
		{
			name: "missing ids do not match",
			a:    NormalizedMessage{ChatCode: "abc", Text: "a"},
			b:    NormalizedMessage{ChatCode: "abc", Text: "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Correlates(tt.a, tt.b); got != tt.want {
				t.Fatalf("Correlates = %v, want %v", got, tt.want)
			}
			if got := Correlates(tt.b, tt.a); got != tt.want {
				t.Fatalf("Correlates (swapped) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIDUnmarshalAcceptsNumbersAndStrings(t *testing.T) {
	var payload struct {
		A ID `json:"a"`
		B ID `json:"b"`
		C ID `json:"c"`
	}
	if err := json.Unmarshal([]byte(`{"a": 12, "b": "tmp-1", "c": null}`), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.A != "12" {
		t.Fatalf("a = %q, want %q", payload.A, "12")
	}
	if n, ok := payload.A.Numeric(); !ok || n != 12 {
		t.Fatalf("a numeric = %d/%v, want 12/true", n, ok)
	}
	if payload.B != "tmp-1" {
		t.Fatalf("b = %q, want %q", payload.B, "tmp-1")
	}
	if !payload.C.IsZero() {
		t.Fatalf("c = %q, want zero", payload.C)
	}
}

func TestParseSenderKindAndStatus(t *testing.T) {
	if got := ParseSenderKind("Assistant"); got != SenderBot {
		t.Fatalf("ParseSenderKind = %q, want %q", got, SenderBot)
	}
	if got := ParseSenderKind("user"); got != SenderUser {
		t.Fatalf("ParseSenderKind = %q, want %q", got, SenderUser)
	}
	if got := ParseStatus(""); got != StatusSent {
		t.Fatalf("ParseStatus(empty) = %q, want %q", got, StatusSent)
	}
	if got := ParseStatus("failed"); got != StatusError {
		t.Fatalf("ParseStatus(failed) = %q, want %q", got, StatusError)
	}
}
