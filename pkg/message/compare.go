package message

import (
	"cmp"
	"strings"
)

// CompareIDs orders ids for display. Numeric (server-persisted) ids compare
// numerically and always sort before non-numeric ids, which compare
// lexically. Non-numeric ids are temporary or streaming entries that cluster
// after confirmed messages.
func CompareIDs(a, b ID) int {
	an, aNumeric := a.Numeric()
	bn, bNumeric := b.Numeric()

	switch {
	case aNumeric && bNumeric:
		return cmp.Compare(an, bn)
	case aNumeric:
		return -1
	case bNumeric:
		return 1
	default:
		return strings.Compare(string(a), string(b))
	}
}

// CompareChronological orders by SortKey, falling back to CompareIDs and then
// to the chat code so equal timestamps still order deterministically.
func CompareChronological(a, b NormalizedMessage) int {
	if c := cmp.Compare(a.SortKey, b.SortKey); c != 0 {
		return c
	}
	if c := CompareIDs(a.ID, b.ID); c != 0 {
		return c
	}
	return strings.Compare(a.ChatCode, b.ChatCode)
}

// CompareByID orders messages with CompareIDs.
func CompareByID(a, b NormalizedMessage) int {
	return CompareIDs(a.ID, b.ID)
}
