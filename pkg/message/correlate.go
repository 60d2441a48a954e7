package message

import (
	"slices"
	"strings"
)

// Correlates reports whether a and b refer to the same logical message. The
// rules are OR'd: equal ids, or equal chat code with equal trimmed text, or
// equal attachment URL sets.
func Correlates(a, b NormalizedMessage) bool {
	return sameID(a, b) || sameChatText(a, b) || sameAttachments(a, b)
}

func sameID(a, b NormalizedMessage) bool {
	if a.ID.IsZero() || b.ID.IsZero() {
		return false
	}
	return strings.TrimSpace(string(a.ID)) == strings.TrimSpace(string(b.ID))
}

func sameChatText(a, b NormalizedMessage) bool {
	if a.ChatCode == "" || a.ChatCode != b.ChatCode {
		return false
	}
	text := strings.TrimSpace(a.Text)
	return text != "" && text == strings.TrimSpace(b.Text)
}

func sameAttachments(a, b NormalizedMessage) bool {
	left := AttachmentURLs(a)
	if len(left) == 0 {
		return false
	}
	return slices.Equal(left, AttachmentURLs(b))
}

// AttachmentURLs returns the sorted, de-duplicated set of non-empty
// attachment URLs on m.
func AttachmentURLs(m NormalizedMessage) []string {
	if len(m.Attachments) == 0 {
		return nil
	}
	urls := make([]string, 0, len(m.Attachments))
	for _, attachment := range m.Attachments {
		if url := strings.TrimSpace(attachment.URL); url != "" {
			urls = append(urls, url)
		}
	}
	slices.Sort(urls)
	return slices.Compact(urls)
}
