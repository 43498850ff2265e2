package content

import (
	"net/url"
	"path"
	"strconv"
	"strings"
	"unicode/utf8"
)

const maxURLLabel = 40

var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

// Escape makes s safe to embed in chat HTML markup.
func Escape(s string) string {
	return escaper.Replace(s)
}

// span is a rendered <a>…</a> element in rune offsets of the output.
type span struct {
	start int
	end   int
}

var labelsByExtension = map[string]string{
	".png": "[image]", ".jpg": "[image]", ".jpeg": "[image]", ".gif": "[image]",
	".webp": "[image]", ".svg": "[image]", ".bmp": "[image]", ".ico": "[image]",
	".mp4": "[video]", ".mov": "[video]", ".webm": "[video]", ".avi": "[video]", ".mkv": "[video]",
	".mp3": "[audio]", ".wav": "[audio]", ".ogg": "[audio]", ".m4a": "[audio]", ".flac": "[audio]",
	".pdf": "[document]", ".doc": "[document]", ".docx": "[document]", ".xls": "[document]",
	".xlsx": "[document]", ".ppt": "[document]", ".pptx": "[document]", ".txt": "[document]",
	".csv": "[document]", ".zip": "[document]",
}

func linkable(href string) bool {
	u, err := url.Parse(href)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return u.Host != ""
	case "mailto", "tel":
		return u.Opaque != "" || u.Path != ""
	}
	return false
}

func looksLikeURL(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, "://") || strings.HasPrefix(lower, "www.")
}

// labelFor applies the labelling rules: the anchor text unless it is
// empty or a long raw URL, then a content-type label from the extension,
// then the host, then a generic label.
func labelFor(l link) string {
	label := normalizeLabel(l.label)
	if l.fixed {
		return label
	}
	if label != "" && !(looksLikeURL(label) && utf8.RuneCountInString(label) > maxURLLabel) {
		return label
	}
	u, err := url.Parse(l.href)
	if err != nil {
		return "[link]"
	}
	if byExt, ok := labelsByExtension[strings.ToLower(path.Ext(u.Path))]; ok {
		return byExt
	}
	switch strings.ToLower(u.Scheme) {
	case "mailto", "tel":
		if u.Opaque != "" {
			return u.Opaque
		}
	}
	if host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www."); host != "" {
		return host
	}
	return "[link]"
}

// markup escapes text and expands link placeholders into <a> elements,
// recording where each element lands.
func markup(text string, links []link) (string, []span) {
	var (
		out   strings.Builder
		spans []span
		count int
	)
	emit := func(s string) {
		out.WriteString(s)
		count += utf8.RuneCountInString(s)
	}
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != placeholderOpen {
			emit(Escape(string(r)))
			continue
		}
		j := i + 1
		for j < len(runes) && runes[j] != placeholderClose {
			j++
		}
		if j == len(runes) {
			break
		}
		index, err := strconv.Atoi(string(runes[i+1 : j]))
		i = j
		if err != nil || index < 0 || index >= len(links) {
			continue
		}
		l := links[index]
		label := labelFor(l)
		if !linkable(l.href) {
			emit(Escape(label))
			continue
		}
		start := count
		emit(`<a href="` + Escape(l.href) + `">` + Escape(label) + `</a>`)
		spans = append(spans, span{start: start, end: count})
	}
	return out.String(), spans
}
