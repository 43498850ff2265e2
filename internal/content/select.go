package content

import "strings"

// selectBody picks the part to render: the first inline text/html node in
// depth-first order, else the first inline text/plain node.
func selectBody(root *Part) (*Part, bool) {
	if p := findBody(root, "text/html"); p != nil {
		return p, true
	}
	if p := findBody(root, "text/plain"); p != nil {
		return p, false
	}
	return nil, false
}

func findBody(p *Part, mimeType string) *Part {
	if p == nil {
		return nil
	}
	if strings.EqualFold(p.MimeType, mimeType) && p.Filename == "" && p.Body.Data != "" {
		return p
	}
	for _, child := range p.Parts {
		if found := findBody(child, mimeType); found != nil {
			return found
		}
	}
	return nil
}
