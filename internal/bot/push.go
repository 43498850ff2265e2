package bot

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.io/infrasutra/mailgram/internal/content"
	"github.io/infrasutra/mailgram/internal/correlation"
	"github.io/infrasutra/mailgram/internal/gmail"
	"github.io/infrasutra/mailgram/internal/telegram"
)

// RenewWithin is how close to expiry a watch must be before a sweep renews it.
const RenewWithin = 24 * time.Hour

// Notification is a decoded mailbox push message.
type Notification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
	// DeliveryID identifies the push delivery for de-duplication.
	DeliveryID string `json:"-"`
}

// HandlePush notifies every user watching the mailbox about messages added
// since their last seen history id. Redelivered pushes are dropped.
func (b *Bot) HandlePush(ctx context.Context, n Notification) error {
	account := strings.ToLower(strings.TrimSpace(n.EmailAddress))
	if account == "" {
		return nil
	}
	if n.DeliveryID != "" {
		seen, err := b.records.PushSeen(ctx, n.DeliveryID)
		if err != nil {
			return fmt.Errorf("check push seen: %w", err)
		}
		if seen {
			b.logger.Debug("duplicate push", "account", account, "delivery", n.DeliveryID)
			return nil
		}
	}

	// A delivery is only marked once handled, so a failed one is redelivered.
	refs, err := b.records.ListWatches(ctx)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if ref.Account == account {
			b.dispatchPush(ctx, ref, n.HistoryID)
		}
	}
	if n.DeliveryID != "" {
		if err := b.records.MarkPushSeen(ctx, n.DeliveryID); err != nil {
			b.logger.Warn("mark push seen", "account", account, "delivery", n.DeliveryID, "error", err)
		}
	}
	return nil
}

func (b *Bot) dispatchPush(ctx context.Context, ref correlation.WatchRef, historyID uint64) {
	w, found, err := b.records.Watch(ctx, ref.User, ref.Account)
	if err != nil || !found {
		return
	}
	if w.HistoryID != 0 && historyID != 0 && historyID <= w.HistoryID {
		return
	}
	s, ok := b.openAccount(ctx, ref.User, ref.Account)
	if !ok {
		return
	}
	if w.HistoryID == 0 {
		w.HistoryID = historyID
		b.saveWatch(ctx, ref, w)
		return
	}

	hist, err := s.mailbox.History(ctx, w.HistoryID)
	if errors.Is(err, gmail.ErrNotFound) {
		b.logger.Info("history expired, resetting", "user", ref.User, "account", ref.Account)
		w.HistoryID = historyID
		b.saveWatch(ctx, ref, w)
		return
	}
	if err != nil {
		b.pushFailed(ctx, s, "list history", err)
		return
	}

	for _, id := range hist.AddedIDs {
		msg, err := s.mailbox.Get(ctx, id)
		if errors.Is(err, gmail.ErrNotFound) {
			continue
		}
		if err != nil {
			b.pushFailed(ctx, s, "load pushed message", err)
			return
		}
		if !slices.Contains(msg.LabelIDs, labelInbox) {
			continue
		}
		b.notify(ctx, s, msg)
	}

	w.HistoryID = max(w.HistoryID, hist.HistoryID, historyID)
	b.saveWatch(ctx, ref, w)
}

func (b *Bot) notify(ctx context.Context, s session, msg *gmail.Message) {
	token, err := b.records.PutPreview(ctx, correlation.Preview{User: s.user, MessageID: msg.ID, Account: s.account})
	if err != nil {
		b.logger.Warn("store preview token", "user", s.user, "error", err)
		return
	}
	summary := b.summarize(msg)
	body := content.Render(msg.Payload, b.opts.PreviewMaxLength, content.ModePreview)
	if (body == content.NoContent || body == content.ParseFailed) && msg.Snippet != "" {
		body = content.RenderSnippet(msg.Snippet, b.opts.PreviewMaxLength, content.ModePreview)
	}
	text := fmt.Sprintf("📬 <b>%s</b>\nFrom: %s\n<b>%s</b>\n\n%s",
		content.Escape(s.account),
		content.Escape(summary.From),
		content.Escape(summary.Subject),
		body)

	row := []telegram.InlineButton{button("Open", Action{Kind: ActionOpen, Param: token})}
	if url := b.previewURL(token); url != "" {
		row = append(row, telegram.InlineButton{Text: "Open in browser", URL: url})
	}
	if _, err := b.chat.SendMessage(ctx, s.user, text, telegram.Keyboard{row}); err != nil {
		b.logger.Warn("send push notification", "user", s.user, "error", err)
	}
}

// pushFailed handles an error outside a user interaction: only a rejected
// credential reaches the user.
func (b *Bot) pushFailed(ctx context.Context, s session, op string, err error) {
	if !errors.Is(err, gmail.ErrUnauthorized) {
		b.logger.Warn(op, "user", s.user, "account", s.account, "error", err)
		return
	}
	b.logger.Warn("mailbox rejected credential", "user", s.user, "account", s.account, "op", op)
	if err := b.creds.NotifyExpired(ctx, s.user, s.account); err != nil {
		b.logger.Warn("notify expired credential", "user", s.user, "error", err)
	}
	if err := b.creds.Cleanup(ctx, s.user, s.account); err != nil {
		b.logger.Error("clean up rejected account", "user", s.user, "account", s.account, "error", err)
	}
}

func (b *Bot) saveWatch(ctx context.Context, ref correlation.WatchRef, w correlation.Watch) {
	if err := b.records.PutWatch(ctx, ref.User, ref.Account, w); err != nil {
		b.logger.Warn("store watch", "user", ref.User, "account", ref.Account, "error", err)
	}
}

// RenewWatches re-subscribes every watch expiring within RenewWithin. The
// stored history id is kept so no messages are skipped.
func (b *Bot) RenewWatches(ctx context.Context) (renewed, failed int) {
	refs, err := b.records.ListWatches(ctx)
	if err != nil {
		b.logger.Error("list watches", "error", err)
		return 0, 0
	}
	now := b.clock.Now()
	for _, ref := range refs {
		w, found, err := b.records.Watch(ctx, ref.User, ref.Account)
		if err != nil || !found {
			continue
		}
		if w.Expiration.Sub(now) > RenewWithin {
			continue
		}
		s, ok := b.openAccount(ctx, ref.User, ref.Account)
		if !ok {
			failed++
			continue
		}
		res, err := s.mailbox.Watch(ctx)
		if err != nil {
			b.pushFailed(ctx, s, "renew watch", err)
			failed++
			continue
		}
		if w.HistoryID == 0 {
			w.HistoryID = res.HistoryID
		}
		w.Expiration = res.Expiration
		b.saveWatch(ctx, ref, w)
		renewed++
	}
	if renewed+failed > 0 {
		b.logger.Info("watch renewal", "renewed", renewed, "failed", failed)
	}
	return renewed, failed
}
