package content

type Attachment struct {
	Name     string
	ID       string
	Size     int64
	MimeType string
}

// ListAttachments returns every node carrying both a filename and an
// attachment id, in depth-first order. Duplicates are kept.
func ListAttachments(root *Part) []Attachment {
	var out []Attachment
	var walk func(p *Part)
	walk = func(p *Part) {
		if p == nil {
			return
		}
		if p.Filename != "" && p.Body.AttachmentID != "" {
			out = append(out, Attachment{
				Name:     p.Filename,
				ID:       p.Body.AttachmentID,
				Size:     p.Body.Size,
				MimeType: p.MimeType,
			})
		}
		for _, child := range p.Parts {
			walk(child)
		}
	}
	walk(root)
	return out
}
