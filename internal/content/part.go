// Package content turns mailbox message trees into text a chat client can
// display: bounded in length, HTML-escaped, with hyperlinks reduced to
// short labels and every <a> element balanced.
package content

import (
	"mime"
	"strings"
)

// Part is one node of a message's MIME tree as returned by the mailbox
// provider. Body data is base64url encoded.
type Part struct {
	PartID   string
	MimeType string
	Filename string
	Headers  []Header
	Body     Body
	Parts    []*Part
}

type Header struct {
	Name  string
	Value string
}

type Body struct {
	Data         string
	AttachmentID string
	Size         int64
}

// HeaderValue returns the first header named name, case-insensitively.
func HeaderValue(headers []Header, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Charset reports the charset parameter of the part's Content-Type, if any.
func (p *Part) Charset() string {
	value := HeaderValue(p.Headers, "Content-Type")
	if value == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(value)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(params["charset"]))
}
