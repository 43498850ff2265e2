package content

import (
	"fmt"
	"mime"
	"net/mail"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message/charset"
)

const maxSubject = 60

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// Summary is the one-line view of a message used in lists.
type Summary struct {
	From    string
	Subject string
	Date    string
	Unread  bool
	Starred bool
}

func decodeHeader(value string) string {
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return strings.TrimSpace(value)
	}
	return strings.TrimSpace(decoded)
}

func displayName(from string) string {
	decoded := decodeHeader(from)
	if decoded == "" {
		return "(unknown sender)"
	}
	addr, err := mail.ParseAddress(decoded)
	if err != nil {
		return decoded
	}
	if addr.Name != "" {
		return addr.Name
	}
	return addr.Address
}

func clip(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit-1])) + "…"
}

// Summarize builds a Summary from message headers and labels. internalDate
// is in epoch milliseconds; when zero the Date header is used instead.
func Summarize(headers []Header, labels []string, internalDate int64, now time.Time, loc *time.Location) Summary {
	if loc == nil {
		loc = time.UTC
	}
	subject := decodeHeader(HeaderValue(headers, "Subject"))
	if subject == "" {
		subject = "(no subject)"
	}

	var sent time.Time
	if internalDate > 0 {
		sent = time.UnixMilli(internalDate)
	} else if parsed, err := mail.ParseDate(HeaderValue(headers, "Date")); err == nil {
		sent = parsed
	}

	return Summary{
		From:    displayName(HeaderValue(headers, "From")),
		Subject: clip(subject, maxSubject),
		Date:    formatDate(sent, now, loc),
		Unread:  slices.Contains(labels, "UNREAD"),
		Starred: slices.Contains(labels, "STARRED"),
	}
}

func formatDate(t, now time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	t = t.In(loc)
	now = now.In(loc)
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	return t.Format("Jan 2 15:04")
}

// Line renders the summary as an escaped list entry numbered index.
func (s Summary) Line(index int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d. ", index)
	if s.Unread {
		b.WriteString("● ")
	}
	if s.Starred {
		b.WriteString("★ ")
	}
	fmt.Fprintf(&b, "<b>%s</b>", Escape(s.From))
	if s.Date != "" {
		fmt.Fprintf(&b, " · %s", Escape(s.Date))
	}
	fmt.Fprintf(&b, "\n%s", Escape(s.Subject))
	return b.String()
}
