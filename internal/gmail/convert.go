package gmail

import (
	gmailv1 "google.golang.org/api/gmail/v1"

	"github.io/infrasutra/mailgram/internal/content"
)

func convertMessage(msg *gmailv1.Message) *Message {
	return &Message{
		ID:           msg.Id,
		LabelIDs:     msg.LabelIds,
		InternalDate: msg.InternalDate,
		Snippet:      msg.Snippet,
		Payload:      convertPart(msg.Payload),
	}
}

func convertPart(part *gmailv1.MessagePart) *content.Part {
	if part == nil {
		return nil
	}
	out := &content.Part{
		PartID:   part.PartId,
		MimeType: part.MimeType,
		Filename: part.Filename,
	}
	for _, h := range part.Headers {
		out.Headers = append(out.Headers, content.Header{Name: h.Name, Value: h.Value})
	}
	if part.Body != nil {
		out.Body = content.Body{Data: part.Body.Data, AttachmentID: part.Body.AttachmentId, Size: part.Body.Size}
	}
	for _, child := range part.Parts {
		out.Parts = append(out.Parts, convertPart(child))
	}
	return out
}
