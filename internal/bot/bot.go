// Package bot routes chat updates and mailbox push notifications to the
// handlers that read and change mail on the user's behalf.
package bot

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.io/infrasutra/mailgram/internal/auth"
	"github.io/infrasutra/mailgram/internal/clock"
	"github.io/infrasutra/mailgram/internal/correlation"
	"github.io/infrasutra/mailgram/internal/credential"
	"github.io/infrasutra/mailgram/internal/gmail"
	"github.io/infrasutra/mailgram/internal/pagination"
	"github.io/infrasutra/mailgram/internal/telegram"
)

// Chat is the subset of the Telegram client the bot talks through.
type Chat interface {
	SendMessage(ctx context.Context, chatID int64, text string, kb telegram.Keyboard) (int64, error)
	EditMessage(ctx context.Context, chatID, messageID int64, text string, kb telegram.Keyboard) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
	SendDocument(ctx context.Context, chatID int64, name string, data []byte, caption string) error
	SendText(ctx context.Context, chatID int64, text string) error
}

// Mailbox is one authorized mailbox.
type Mailbox interface {
	List(ctx context.Context, query, pageToken string, limit int64) (gmail.Page, error)
	Metadata(ctx context.Context, id string) (*gmail.Message, error)
	Get(ctx context.Context, id string) (*gmail.Message, error)
	Modify(ctx context.Context, id string, add, remove []string) error
	BatchModify(ctx context.Context, ids []string, add, remove []string) error
	Trash(ctx context.Context, id string) error
	Attachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
	Watch(ctx context.Context) (gmail.WatchResult, error)
	Stop(ctx context.Context) error
	History(ctx context.Context, startID uint64) (gmail.History, error)
	Profile(ctx context.Context) (gmail.Profile, error)
}

type MailboxProvider interface {
	Open(ctx context.Context, token *oauth2.Token) (Mailbox, error)
}

// MailboxFunc adapts a function to MailboxProvider.
type MailboxFunc func(ctx context.Context, token *oauth2.Token) (Mailbox, error)

func (f MailboxFunc) Open(ctx context.Context, token *oauth2.Token) (Mailbox, error) {
	return f(ctx, token)
}

type Options struct {
	// PublicURL is the externally reachable base URL used for preview links.
	PublicURL        string
	PageSize         int64
	BodyMaxLength    int
	PreviewMaxLength int
	Location         *time.Location
	// PushEnabled subscribes linked mailboxes to push notifications.
	PushEnabled bool
}

type Bot struct {
	chat     Chat
	mail     MailboxProvider
	creds    *credential.Lifecycle
	records  *correlation.Store
	states   *auth.Manager
	clock    clock.Clock
	logger   *slog.Logger
	opts     Options
	commands map[Command]commandFunc
}

func New(chat Chat, mail MailboxProvider, creds *credential.Lifecycle, records *correlation.Store, states *auth.Manager, clk clock.Clock, logger *slog.Logger, opts Options) *Bot {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = pagination.DefaultLimit
	}
	if opts.BodyMaxLength <= 0 {
		opts.BodyMaxLength = 3500
	}
	if opts.PreviewMaxLength <= 0 {
		opts.PreviewMaxLength = 300
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	opts.PublicURL = strings.TrimRight(opts.PublicURL, "/")
	b := &Bot{
		chat:    chat,
		mail:    mail,
		creds:   creds,
		records: records,
		states:  states,
		clock:   clk,
		logger:  logger,
		opts:    opts,
	}
	b.commands = b.commandTable()
	return b
}

// HandleUpdate processes one webhook update. Failures are reported to the
// user where possible and logged, never returned.
func (b *Bot) HandleUpdate(ctx context.Context, update telegram.Update) {
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.Text != "":
		b.handleMessage(ctx, update.Message)
	}
}

// session is the mailbox resolved for one request.
type session struct {
	user    int64
	account string
	mailbox Mailbox
}

// open resolves the user's active mailbox. ok is false when the user has
// no usable account; the user has been told in that case.
func (b *Bot) open(ctx context.Context, user int64) (session, bool) {
	cred, err := b.creds.ValidCredential(ctx, user)
	if err != nil {
		b.logger.Error("resolve credential", "user", user, "error", err)
		b.say(ctx, user, msgFailure)
		return session{}, false
	}
	if cred == nil {
		b.say(ctx, user, msgNoAccount)
		return session{}, false
	}
	return b.openCredential(ctx, user, cred)
}

func (b *Bot) openAccount(ctx context.Context, user int64, account string) (session, bool) {
	cred, err := b.creds.CredentialFor(ctx, user, account)
	if err != nil {
		b.logger.Error("resolve credential", "user", user, "account", account, "error", err)
		return session{}, false
	}
	if cred == nil {
		return session{}, false
	}
	return b.openCredential(ctx, user, cred)
}

func (b *Bot) openCredential(ctx context.Context, user int64, cred *credential.Credential) (session, bool) {
	mb, err := b.mail.Open(ctx, cred.Token())
	if err != nil {
		b.logger.Error("open mailbox", "user", user, "account", cred.Account, "error", err)
		b.say(ctx, user, msgFailure)
		return session{}, false
	}
	return session{user: user, account: cred.Account, mailbox: mb}, true
}

// fail reports a provider error to the user. A rejected credential is
// handled like any other expiry: one notice, then cleanup.
func (b *Bot) fail(ctx context.Context, s session, op string, err error) {
	switch {
	case errors.Is(err, gmail.ErrUnauthorized):
		b.logger.Warn("mailbox rejected credential", "user", s.user, "account", s.account, "op", op, "error", err)
		if err := b.creds.NotifyExpired(ctx, s.user, s.account); err != nil {
			b.logger.Warn("notify expired credential", "user", s.user, "error", err)
		}
		if err := b.creds.Cleanup(ctx, s.user, s.account); err != nil {
			b.logger.Error("clean up rejected account", "user", s.user, "account", s.account, "error", err)
		}
	case errors.Is(err, gmail.ErrNotFound):
		b.say(ctx, s.user, msgNotFound)
	default:
		b.logger.Error(op, "user", s.user, "account", s.account, "error", err)
		b.say(ctx, s.user, msgFailure)
	}
}

func (b *Bot) say(ctx context.Context, user int64, text string) {
	if _, err := b.chat.SendMessage(ctx, user, text, nil); err != nil {
		b.logger.Warn("send message", "user", user, "error", err)
	}
}

// reply edits the message the callback came from, or sends a new one.
func (b *Bot) reply(ctx context.Context, user, editID int64, text string, kb telegram.Keyboard) {
	if editID != 0 {
		err := b.chat.EditMessage(ctx, user, editID, text, kb)
		if err == nil {
			return
		}
		b.logger.Debug("edit message failed, sending new", "user", user, "error", err)
	}
	if _, err := b.chat.SendMessage(ctx, user, text, kb); err != nil {
		b.logger.Warn("send message", "user", user, "error", err)
	}
}

func (b *Bot) previewURL(token string) string {
	if b.opts.PublicURL == "" || token == "" {
		return ""
	}
	return b.opts.PublicURL + "/preview/" + token
}
