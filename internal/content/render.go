package content

import (
	"strings"
)

type Mode int

const (
	// ModeFull renders a message body for the detail view.
	ModeFull Mode = iota
	// ModePreview renders a short excerpt for push notifications.
	ModePreview
)

const (
	NoContent   = "(no content)"
	ParseFailed = "(parse failed)"

	fullNotice    = "\n\n… (truncated, open in browser for the full message)"
	previewNotice = "\n\n… (tap to view full)"

	linkWindow = 100
)

func (m Mode) notice() string {
	if m == ModePreview {
		return previewNotice
	}
	return fullNotice
}

// Render converts a message tree into bounded chat markup. maxLength is
// measured in characters and excludes the truncation notice; values <= 0
// disable truncation. Render never panics.
func Render(root *Part, maxLength int, mode Mode) (rendered string) {
	defer func() {
		if recover() != nil {
			rendered = ParseFailed
		}
	}()
	if root == nil {
		return NoContent
	}

	body, isHTML := selectBody(root)
	if body == nil {
		return NoContent
	}
	text, err := decodeBody(body)
	if err != nil {
		return renderFallback(root, maxLength, mode)
	}

	var links []link
	if isHTML {
		text, links = stripHTML(text)
	} else {
		text = placeholderScrubber.Replace(text)
	}
	text = normalizeText(text)
	if text == "" {
		return NoContent
	}
	marked, spans := markup(text, links)
	if strings.TrimSpace(marked) == "" {
		return NoContent
	}
	return truncate(marked, spans, maxLength, mode.notice())
}

// RenderSnippet renders the short plain-text excerpt a mail server keeps
// for a message, for when its body yields nothing to show.
func RenderSnippet(snippet string, maxLength int, mode Mode) string {
	text := normalizeLabel(strings.ToValidUTF8(snippet, ""))
	if text == "" {
		return NoContent
	}
	return truncate(Escape(text), nil, maxLength, mode.notice())
}

// renderFallback handles bodies whose preferred part would not decode: it
// retries with plain text only and a reduced cleanup.
func renderFallback(root *Part, maxLength int, mode Mode) string {
	plain := findBody(root, "text/plain")
	if plain == nil {
		return ParseFailed
	}
	raw, err := decodeData(plain.Body.Data)
	if err != nil {
		return ParseFailed
	}
	text := reducedCleanup(strings.ToValidUTF8(string(raw), ""))
	if text == "" {
		return ParseFailed
	}
	return truncate(Escape(text), nil, maxLength, mode.notice())
}

// truncate cuts s to at most limit characters. A cut that would split a
// link moves to the nearest link end inside the window before the limit,
// or else to just before the split link. Escape sequences are never split.
func truncate(s string, spans []span, limit int, notice string) string {
	runes := []rune(s)
	if limit <= 0 || len(runes) <= limit {
		return s
	}

	cut := limit
	for _, sp := range spans {
		if sp.start < cut && cut < sp.end {
			cut = sp.start
			best := -1
			for _, other := range spans {
				if other.end <= limit && other.end >= limit-linkWindow && other.end > best {
					best = other.end
				}
			}
			if best >= 0 {
				cut = best
			}
			break
		}
	}

	for i := cut - 1; i >= 0 && i >= cut-len("&quot;"); i-- {
		if runes[i] == ';' {
			break
		}
		if runes[i] == '&' {
			cut = i
			break
		}
	}

	head := string(runes[:cut])
	if open := strings.LastIndex(head, "<a "); open >= 0 && open > strings.LastIndex(head, "</a>") {
		head = head[:open]
	}
	if lt := strings.LastIndex(head, "<"); lt >= 0 && lt > strings.LastIndex(head, ">") {
		head = head[:lt]
	}
	return strings.TrimRight(head, " \n") + notice
}
