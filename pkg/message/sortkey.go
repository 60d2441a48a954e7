package message

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var microFractionPattern = regexp.MustCompile(`\.(\d{6})`)

// timestampLayouts lists accepted server date formats. Layouts without a zone
// designator are interpreted as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

var errEmptyTimestamp = errors.New("empty timestamp")

// SortKey derives the integer ordering key for an ISO-8601 timestamp:
// milliseconds since epoch times 1000 plus the sub-millisecond part of a
// six digit fraction. Empty and malformed input yield 0.
func SortKey(iso string) int64 {
	key, err := ParseSortKey(iso)
	if err != nil {
		return 0
	}
	return key
}

// ParseSortKey is SortKey with the malformed case reported to the caller.
// Empty input returns 0 and no error.
func ParseSortKey(iso string) (int64, error) {
	iso = strings.TrimSpace(iso)
	if iso == "" {
		return 0, nil
	}

	parsed, err := parseTimestamp(iso)
	if err != nil {
		return 0, err
	}

	return parsed.UnixMilli()*1000 + microRemainder(iso), nil
}

// SortKeyFromTime builds a key for a client-observed time.
func SortKeyFromTime(t time.Time) int64 {
	return t.UnixMicro()
}

// FormatTimestamp renders t the way servers deliver createDate values.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z07:00")
}

func parseTimestamp(iso string) (time.Time, error) {
	if iso == "" {
		return time.Time{}, errEmptyTimestamp
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, iso); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", iso)
}

func microRemainder(iso string) int64 {
	match := microFractionPattern.FindStringSubmatch(iso)
	if len(match) < 2 {
		return 0
	}
	micros, err := strconv.ParseInt(match[1][3:], 10, 64)
	if err != nil {
		return 0
	}
	return micros
}
