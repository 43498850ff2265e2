package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.io/infrasutra/mailgram/internal/content"
	"github.io/infrasutra/mailgram/internal/correlation"
	"github.io/infrasutra/mailgram/internal/gmail"
	"github.io/infrasutra/mailgram/internal/telegram"
)

func (b *Bot) summarize(msg *gmail.Message) content.Summary {
	var headers []content.Header
	if msg.Payload != nil {
		headers = msg.Payload.Headers
	}
	return content.Summarize(headers, msg.LabelIDs, msg.InternalDate, b.clock.Now(), b.opts.Location)
}

// showMessage renders the detail view of id and makes it the user's
// current message.
func (b *Bot) showMessage(ctx context.Context, s session, editID int64, id string) {
	msg, err := s.mailbox.Get(ctx, id)
	if err != nil {
		b.fail(ctx, s, "load message", err)
		return
	}
	if err := b.records.SetCurrent(ctx, s.user, id); err != nil {
		b.logger.Error("store current message", "user", s.user, "error", err)
		b.say(ctx, s.user, msgFailure)
		return
	}

	summary := b.summarize(msg)
	var text strings.Builder
	fmt.Fprintf(&text, "<b>%s</b>\nFrom: %s\n", content.Escape(summary.Subject), content.Escape(summary.From))
	if summary.Date != "" {
		fmt.Fprintf(&text, "Date: %s\n", content.Escape(summary.Date))
	}
	text.WriteString("\n")
	text.WriteString(content.Render(msg.Payload, b.opts.BodyMaxLength, content.ModeFull))

	token, err := b.records.PutPreview(ctx, correlation.Preview{User: s.user, MessageID: id, Account: s.account})
	if err != nil {
		b.logger.Warn("store preview token", "user", s.user, "error", err)
	}
	b.reply(ctx, s.user, editID, text.String(), b.messageKeyboard(msg, summary, token))
}

func (b *Bot) messageKeyboard(msg *gmail.Message, summary content.Summary, token string) telegram.Keyboard {
	readToggle := button("Mark read", Action{Kind: ActionRead})
	if !summary.Unread {
		readToggle = button("Mark unread", Action{Kind: ActionUnread})
	}
	starToggle := button("☆ Star", Action{Kind: ActionStar})
	if summary.Starred {
		starToggle = button("★ Unstar", Action{Kind: ActionUnstar})
	}
	kb := telegram.Keyboard{{readToggle, starToggle, button("🗑 Trash", Action{Kind: ActionTrash})}}

	for i, att := range content.ListAttachments(msg.Payload) {
		kb = append(kb, []telegram.InlineButton{
			button("📎 "+att.Name, Action{Kind: ActionAttachment, Param: strconv.Itoa(i + 1)}),
		})
	}

	last := []telegram.InlineButton{button("« Back", Action{Kind: ActionBack})}
	if url := b.previewURL(token); url != "" {
		last = append(last, telegram.InlineButton{Text: "Open in browser", URL: url})
	}
	return append(kb, last)
}

// current opens the active mailbox together with the message last shown.
func (b *Bot) current(ctx context.Context, user int64) (session, string, bool) {
	id, found, err := b.records.Current(ctx, user)
	if err != nil {
		b.logger.Error("load current message", "user", user, "error", err)
		return session{}, "", false
	}
	if !found {
		return session{}, "", false
	}
	s, ok := b.open(ctx, user)
	return s, id, ok
}

func (b *Bot) relabelCurrent(ctx context.Context, user, editID int64, add, remove []string, done string) string {
	s, id, ok := b.current(ctx, user)
	if !ok {
		return msgExpired
	}
	if err := s.mailbox.Modify(ctx, id, add, remove); err != nil {
		b.fail(ctx, s, "modify labels", err)
		return ""
	}
	b.showMessage(ctx, s, editID, id)
	return done
}

func (b *Bot) trashCurrent(ctx context.Context, user, editID int64) string {
	s, id, ok := b.current(ctx, user)
	if !ok {
		return msgExpired
	}
	if err := s.mailbox.Trash(ctx, id); err != nil {
		b.fail(ctx, s, "trash message", err)
		return ""
	}
	kb := telegram.Keyboard{{button("« Back", Action{Kind: ActionBack})}}
	b.reply(ctx, user, editID, msgTrashed, kb)
	return ""
}

// sendAttachment uploads attachment a of the current message to the chat.
func (b *Bot) sendAttachment(ctx context.Context, user int64, a Action) string {
	pos, ok := a.Index()
	if !ok {
		return msgExpired
	}
	s, id, ok := b.current(ctx, user)
	if !ok {
		return msgExpired
	}
	msg, err := s.mailbox.Get(ctx, id)
	if err != nil {
		b.fail(ctx, s, "load message", err)
		return ""
	}
	attachments := content.ListAttachments(msg.Payload)
	if pos > len(attachments) {
		return msgExpired
	}
	att := attachments[pos-1]
	data, err := s.mailbox.Attachment(ctx, id, att.ID)
	if err != nil {
		b.fail(ctx, s, "download attachment", err)
		return ""
	}
	if err := b.chat.SendDocument(ctx, user, att.Name, data, ""); err != nil {
		b.logger.Error("send attachment", "user", user, "error", err)
		b.say(ctx, user, msgFailure)
		return ""
	}
	return "Sent " + att.Name
}

// openPushed opens a message from a push notification, switching to the
// account it arrived on.
func (b *Bot) openPushed(ctx context.Context, user int64, token string) string {
	p, err := b.records.Preview(ctx, token)
	if err != nil || p.User != user {
		return msgExpired
	}
	if err := b.creds.Switch(ctx, user, p.Account); err != nil {
		b.logger.Debug("open pushed message", "user", user, "account", p.Account, "error", err)
		return msgExpired
	}
	s, ok := b.open(ctx, user)
	if !ok {
		return ""
	}
	b.showMessage(ctx, s, 0, p.MessageID)
	return ""
}
