package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.io/infrasutra/mailgram/internal/content"
	"github.io/infrasutra/mailgram/internal/correlation"
	"github.io/infrasutra/mailgram/internal/gmail"
	"github.io/infrasutra/mailgram/internal/pagination"
	"github.io/infrasutra/mailgram/internal/telegram"
)

const (
	labelUnread  = "UNREAD"
	labelStarred = "STARRED"
	labelInbox   = "INBOX"
)

// buttonsPerRow keeps numbered buttons readable on a phone.
const buttonsPerRow = 5

// showList renders one page of query results and replaces the user's
// position map with the messages shown.
func (b *Bot) showList(ctx context.Context, user, editID int64, query, pageToken string, limit int64) {
	s, ok := b.open(ctx, user)
	if !ok {
		return
	}
	limit = pagination.Clamp(limit, b.opts.PageSize)
	page, err := s.mailbox.List(ctx, query, pageToken, limit)
	if err != nil {
		b.fail(ctx, s, "list messages", err)
		return
	}

	now := b.clock.Now()
	ids := make([]string, 0, len(page.IDs))
	lines := make([]string, 0, len(page.IDs))
	for _, id := range page.IDs {
		msg, err := s.mailbox.Metadata(ctx, id)
		if errors.Is(err, gmail.ErrNotFound) {
			continue
		}
		if err != nil {
			b.fail(ctx, s, "load message metadata", err)
			return
		}
		var headers []content.Header
		if msg.Payload != nil {
			headers = msg.Payload.Headers
		}
		summary := content.Summarize(headers, msg.LabelIDs, msg.InternalDate, now, b.opts.Location)
		ids = append(ids, id)
		lines = append(lines, summary.Line(len(ids)))
	}

	if err := b.records.PutIndexMap(ctx, user, ids); err != nil {
		b.logger.Error("store index map", "user", user, "error", err)
		b.say(ctx, user, msgFailure)
		return
	}
	if err := b.records.SetLastQuery(ctx, user, query); err != nil {
		b.logger.Warn("store last query", "user", user, "error", err)
	}

	header := fmt.Sprintf("<b>%s</b> · <code>%s</code>", content.Escape(s.account), content.Escape(query))
	if len(ids) == 0 {
		b.reply(ctx, user, editID, header+"\n\n"+msgEmptyList, b.listKeyboard(ctx, user, query, nil, page, limit))
		return
	}
	text := header + "\n\n" + strings.Join(lines, "\n\n")
	b.reply(ctx, user, editID, text, b.listKeyboard(ctx, user, query, ids, page, limit))
}

func (b *Bot) listKeyboard(ctx context.Context, user int64, query string, ids []string, page gmail.Page, limit int64) telegram.Keyboard {
	var kb telegram.Keyboard
	var row []telegram.InlineButton
	for i := range ids {
		row = append(row, button(strconv.Itoa(i+1), Action{Kind: ActionView, Param: strconv.Itoa(i + 1)}))
		if len(row) == buttonsPerRow {
			kb = append(kb, row)
			row = nil
		}
	}
	if len(row) > 0 {
		kb = append(kb, row)
	}

	var nav []telegram.InlineButton
	if len(ids) > 0 {
		nav = append(nav, button("Mark all read", Action{Kind: ActionReadAll}))
	}
	if refresh := (Action{Kind: ActionQuery, Param: query}); query != "" && refresh.Fits() {
		nav = append(nav, button("Refresh", refresh))
	}
	if pagination.HasNext(page.NextPageToken) {
		key := pagination.CursorKey(b.clock.Now())
		cursor := correlation.PageCursor{Query: query, PageToken: page.NextPageToken, Limit: limit}
		if err := b.records.PutPageCursor(ctx, user, key, cursor); err != nil {
			b.logger.Warn("store page cursor", "user", user, "error", err)
		} else {
			nav = append(nav, button("Next »", Action{Kind: ActionNext, Param: key}))
		}
	}
	if len(nav) > 0 {
		kb = append(kb, nav)
	}
	return kb
}

func (b *Bot) nextPage(ctx context.Context, user, editID int64, key string) string {
	cursor, found, err := b.records.PageCursor(ctx, user, key)
	if err != nil {
		b.logger.Error("load page cursor", "user", user, "error", err)
		return msgExpired
	}
	if !found {
		return msgExpired
	}
	b.showList(ctx, user, editID, cursor.Query, cursor.PageToken, cursor.Limit)
	return ""
}

func (b *Bot) backToList(ctx context.Context, user, editID int64) string {
	query, found, err := b.records.LastQuery(ctx, user)
	if err != nil {
		b.logger.Warn("load last query", "user", user, "error", err)
	}
	if !found || query == "" {
		query = QueryInbox
	}
	b.showList(ctx, user, editID, query, "", b.opts.PageSize)
	return ""
}

func (b *Bot) viewPosition(ctx context.Context, user, editID int64, a Action) string {
	pos, ok := a.Index()
	if !ok {
		return msgExpired
	}
	id, found, err := b.records.Index(ctx, user, pos)
	if err != nil {
		b.logger.Error("resolve list position", "user", user, "error", err)
		return msgExpired
	}
	if !found {
		return msgExpired
	}
	s, ok := b.open(ctx, user)
	if !ok {
		return ""
	}
	b.showMessage(ctx, s, editID, id)
	return ""
}

// readAll clears UNREAD on every message in the last rendered list.
func (b *Bot) readAll(ctx context.Context, user, editID int64) string {
	positions, found, err := b.records.IndexMap(ctx, user)
	if err != nil {
		b.logger.Error("load index map", "user", user, "error", err)
		return msgExpired
	}
	if !found || len(positions) == 0 {
		return msgExpired
	}
	ids := make([]string, 0, len(positions))
	for _, id := range positions {
		ids = append(ids, id)
	}
	s, ok := b.open(ctx, user)
	if !ok {
		return ""
	}
	if err := s.mailbox.BatchModify(ctx, ids, nil, []string{labelUnread}); err != nil {
		b.fail(ctx, s, "mark listed read", err)
		return ""
	}
	b.backToList(ctx, user, editID)
	return fmt.Sprintf("Marked %d read", len(ids))
}
