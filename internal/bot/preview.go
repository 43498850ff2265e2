package bot

import (
	"context"
	"errors"

	"github.io/infrasutra/mailgram/internal/content"
	"github.io/infrasutra/mailgram/internal/correlation"
	"github.io/infrasutra/mailgram/internal/gmail"
)

// PreviewPage is a message rendered for the browser.
type PreviewPage struct {
	Account     string
	From        string
	Subject     string
	Date        string
	Body        string
	Attachments []content.Attachment
}

// Preview resolves a preview token to its full message. Unknown and
// elapsed tokens, unlinked accounts and deleted messages all report
// correlation.ErrExpired.
func (b *Bot) Preview(ctx context.Context, token string) (*PreviewPage, error) {
	p, err := b.records.Preview(ctx, token)
	if err != nil {
		return nil, err
	}
	cred, err := b.creds.CredentialFor(ctx, p.User, p.Account)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, correlation.ErrExpired
	}
	mb, err := b.mail.Open(ctx, cred.Token())
	if err != nil {
		return nil, err
	}
	msg, err := mb.Get(ctx, p.MessageID)
	if errors.Is(err, gmail.ErrNotFound) {
		return nil, correlation.ErrExpired
	}
	if err != nil {
		return nil, err
	}

	summary := b.summarize(msg)
	return &PreviewPage{
		Account:     p.Account,
		From:        summary.From,
		Subject:     summary.Subject,
		Date:        summary.Date,
		Body:        content.Render(msg.Payload, 0, content.ModeFull),
		Attachments: content.ListAttachments(msg.Payload),
	}, nil
}
