package content

import (
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// Anchors are replaced in the text stream by placeholder runes from the
// private use area carrying the link index. Source text is scrubbed of
// these runes first so a message cannot forge a placeholder.
const (
	placeholderOpen  = '\uE000'
	placeholderClose = '\uE001'
)

var placeholderScrubber = strings.NewReplacer(string(placeholderOpen), "", string(placeholderClose), "")

type link struct {
	href  string
	label string
	// fixed labels were produced by the pipeline and skip label rules.
	fixed bool
}

func placeholder(index int) string {
	return string(placeholderOpen) + strconv.Itoa(index) + string(placeholderClose)
}

var skippedTags = map[string]bool{
	"style":    true,
	"script":   true,
	"head":     true,
	"title":    true,
	"noscript": true,
	"template": true,
}

var blockTags = map[string]bool{
	"p": true, "div": true, "tr": true, "table": true, "blockquote": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"ul": true, "ol": true, "hr": true, "pre": true, "section": true,
	"article": true, "header": true, "footer": true, "center": true,
}

// htmlExtractor walks the token stream once. Text stays raw so entities
// are decoded by the normalization stage with a fixed table.
type htmlExtractor struct {
	out   strings.Builder
	links []link
	skip  int

	inAnchor bool
	href     string
	label    strings.Builder
}

func stripHTML(src string) (string, []link) {
	e := &htmlExtractor{}
	z := html.NewTokenizer(strings.NewReader(placeholderScrubber.Replace(src)))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if z.Err() != io.EOF {
				e.write(string(z.Raw()))
			}
			e.closeAnchor()
			return e.out.String(), e.links
		case html.TextToken:
			if e.skip == 0 {
				e.write(string(z.Raw()))
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			attrs := map[string]string{}
			for hasAttr {
				var key, val []byte
				key, val, hasAttr = z.TagAttr()
				attrs[string(key)] = string(val)
			}
			e.startTag(tag, attrs, tt == html.SelfClosingTagToken)
		case html.EndTagToken:
			name, _ := z.TagName()
			e.endTag(string(name))
		}
	}
}

func (e *htmlExtractor) write(text string) {
	if e.inAnchor {
		e.label.WriteString(text)
		return
	}
	e.out.WriteString(text)
}

func (e *htmlExtractor) newline() {
	if e.inAnchor {
		e.label.WriteByte(' ')
		return
	}
	e.out.WriteByte('\n')
}

func (e *htmlExtractor) addLink(l link) {
	e.out.WriteString(placeholder(len(e.links)))
	e.links = append(e.links, l)
}

func (e *htmlExtractor) startTag(tag string, attrs map[string]string, selfClosing bool) {
	if skippedTags[tag] {
		if !selfClosing {
			e.skip++
		}
		return
	}
	if tag == "body" {
		// a <head> that was never closed must not hide the body
		e.skip = 0
		return
	}
	if e.skip > 0 {
		return
	}

	switch {
	case tag == "a":
		e.closeAnchor()
		e.inAnchor = true
		e.href = strings.TrimSpace(attrs["href"])
		e.label.Reset()
	case tag == "img":
		e.image(attrs)
	case tag == "video" || tag == "source":
		if src := strings.TrimSpace(attrs["src"]); src != "" && !e.inAnchor {
			e.addLink(link{href: src, label: "[video]", fixed: true})
		}
	case tag == "br":
		e.newline()
	case tag == "li":
		if e.inAnchor {
			e.label.WriteByte(' ')
		} else {
			e.out.WriteString("\n• ")
		}
	case tag == "td" || tag == "th":
		e.write(" ")
	case blockTags[tag]:
		e.newline()
	}
}

func (e *htmlExtractor) endTag(tag string) {
	if skippedTags[tag] {
		if e.skip > 0 {
			e.skip--
		}
		return
	}
	if e.skip > 0 {
		return
	}
	switch {
	case tag == "a":
		e.closeAnchor()
	case tag == "td" || tag == "th":
		e.write(" ")
	case blockTags[tag]:
		e.newline()
	}
}

func (e *htmlExtractor) image(attrs map[string]string) {
	alt := strings.TrimSpace(attrs["alt"])
	if e.inAnchor {
		if alt != "" {
			e.label.WriteString(" " + alt + " ")
		}
		return
	}
	src := strings.TrimSpace(attrs["src"])
	if src == "" || isTrackingPixel(attrs) {
		return
	}
	label := "[image]"
	if alt != "" {
		label = "[" + alt + "]"
	}
	e.addLink(link{href: src, label: label, fixed: true})
}

func isTrackingPixel(attrs map[string]string) bool {
	for _, key := range []string{"width", "height"} {
		value := strings.TrimSuffix(strings.TrimSpace(attrs[key]), "px")
		if value == "0" || value == "1" {
			return true
		}
	}
	return false
}

func (e *htmlExtractor) closeAnchor() {
	if !e.inAnchor {
		return
	}
	e.inAnchor = false
	label := e.label.String()
	e.label.Reset()
	if e.href == "" || strings.HasPrefix(e.href, "#") {
		e.out.WriteString(label)
		return
	}
	e.addLink(link{href: e.href, label: label})
}
