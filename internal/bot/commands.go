package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.io/infrasutra/mailgram/internal/content"
	"github.io/infrasutra/mailgram/internal/pagination"
	"github.io/infrasutra/mailgram/internal/telegram"
)

// Command is a slash command the bot understands.
type Command string

const (
	CommandStart    Command = "start"
	CommandHelp     Command = "help"
	CommandLogin    Command = "login"
	CommandAccounts Command = "accounts"
	CommandLogout   Command = "logout"
	CommandInbox    Command = "inbox"
	CommandUnread   Command = "unread"
	CommandStarred  Command = "starred"
	CommandSearch   Command = "search"
)

const (
	QueryInbox   = "in:inbox"
	QueryUnread  = "is:unread in:inbox"
	QueryStarred = "is:starred"
)

type commandFunc func(ctx context.Context, user int64, args string)

func (b *Bot) commandTable() map[Command]commandFunc {
	return map[Command]commandFunc{
		CommandStart:    b.cmdHelp,
		CommandHelp:     b.cmdHelp,
		CommandLogin:    b.cmdLogin,
		CommandAccounts: b.cmdAccounts,
		CommandLogout:   b.cmdLogout,
		CommandInbox:    b.listCommand(QueryInbox),
		CommandUnread:   b.listCommand(QueryUnread),
		CommandStarred:  b.listCommand(QueryStarred),
		CommandSearch:   b.cmdSearch,
	}
}

// parseCommand splits "/inbox@MailgramBot 5" into its command and args.
func parseCommand(text string) (Command, string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, args, _ := strings.Cut(text[1:], " ")
	head, _, _ = strings.Cut(head, "@")
	return Command(strings.ToLower(head)), strings.TrimSpace(args), true
}

func (b *Bot) handleMessage(ctx context.Context, msg *telegram.Message) {
	user := msg.Chat.ID
	cmd, args, ok := parseCommand(msg.Text)
	if !ok {
		b.say(ctx, user, msgUnknown)
		return
	}
	handler, ok := b.commands[cmd]
	if !ok {
		b.say(ctx, user, msgUnknown)
		return
	}
	b.logger.Debug("command", "user", user, "command", string(cmd))
	handler(ctx, user, args)
}

func (b *Bot) cmdHelp(ctx context.Context, user int64, _ string) {
	b.say(ctx, user, msgHelp)
}

func (b *Bot) cmdLogin(ctx context.Context, user int64, _ string) {
	nonce, err := b.records.IssueNonce(ctx, user)
	if err != nil {
		b.logger.Error("issue nonce", "user", user, "error", err)
		b.say(ctx, user, msgFailure)
		return
	}
	state, err := b.states.IssueState(user, nonce, b.clock.Now())
	if err != nil {
		b.logger.Error("issue state", "user", user, "error", err)
		b.say(ctx, user, msgFailure)
		return
	}
	kb := telegram.Keyboard{{{Text: "Connect Gmail", URL: b.creds.AuthURL(state)}}}
	if _, err := b.chat.SendMessage(ctx, user, msgLoginPrompt, kb); err != nil {
		b.logger.Warn("send login link", "user", user, "error", err)
	}
}

func (b *Bot) cmdAccounts(ctx context.Context, user int64, _ string) {
	b.showAccounts(ctx, user, 0)
}

func (b *Bot) showAccounts(ctx context.Context, user, editID int64) {
	accounts, err := b.creds.Accounts(ctx, user)
	if err != nil {
		b.logger.Error("list accounts", "user", user, "error", err)
		b.say(ctx, user, msgFailure)
		return
	}
	if len(accounts) == 0 {
		b.reply(ctx, user, editID, msgNoAccounts, nil)
		return
	}
	active, _, err := b.creds.Active(ctx, user)
	if err != nil {
		b.logger.Error("load active account", "user", user, "error", err)
	}

	var text strings.Builder
	text.WriteString(msgAccountsHead)
	kb := telegram.Keyboard{}
	for i, account := range accounts {
		marker := ""
		if account == active {
			marker = " ✓"
		}
		fmt.Fprintf(&text, "\n%d. %s%s", i+1, content.Escape(account), marker)
		row := []telegram.InlineButton{}
		if account != active {
			row = append(row, button(fmt.Sprintf("Use %d", i+1), Action{Kind: ActionSwitch, Param: strconv.Itoa(i + 1)}))
		}
		row = append(row, button(fmt.Sprintf("Unlink %d", i+1), Action{Kind: ActionUnlink, Param: strconv.Itoa(i + 1)}))
		kb = append(kb, row)
	}
	b.reply(ctx, user, editID, text.String(), kb)
}

func (b *Bot) cmdLogout(ctx context.Context, user int64, _ string) {
	active, ok, err := b.creds.Active(ctx, user)
	if err != nil {
		b.logger.Error("load active account", "user", user, "error", err)
		b.say(ctx, user, msgFailure)
		return
	}
	if !ok {
		b.say(ctx, user, msgNoAccount)
		return
	}
	b.unlink(ctx, user, active)
	b.say(ctx, user, fmt.Sprintf(msgLoggedOut, content.Escape(active)))
}

// unlink stops push delivery for an account, best effort, and removes it.
func (b *Bot) unlink(ctx context.Context, user int64, account string) {
	if b.opts.PushEnabled {
		if s, ok := b.openAccount(ctx, user, account); ok {
			if err := s.mailbox.Stop(ctx); err != nil {
				b.logger.Warn("stop watch", "user", user, "account", account, "error", err)
			}
		}
	}
	if err := b.creds.Cleanup(ctx, user, account); err != nil {
		b.logger.Error("unlink account", "user", user, "account", account, "error", err)
	}
}

func (b *Bot) listCommand(query string) commandFunc {
	return func(ctx context.Context, user int64, args string) {
		params := pagination.ParseListArgs(args, pagination.WithDefaultLimit(b.opts.PageSize))
		q := query
		if params.Query != "" {
			q += " " + params.Query
		}
		b.showList(ctx, user, 0, q, "", params.Limit)
	}
}

func (b *Bot) cmdSearch(ctx context.Context, user int64, args string) {
	if strings.TrimSpace(args) == "" {
		b.say(ctx, user, msgSearchUsage)
		return
	}
	b.showList(ctx, user, 0, args, "", b.opts.PageSize)
}
