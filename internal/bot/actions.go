package bot

import (
	"context"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.io/infrasutra/mailgram/internal/telegram"
)

// ActionKind is the verb of an inline button callback.
type ActionKind string

const (
	ActionView       ActionKind = "v"
	ActionNext       ActionKind = "n"
	ActionBack       ActionKind = "b"
	ActionRead       ActionKind = "r"
	ActionUnread     ActionKind = "u"
	ActionStar       ActionKind = "s"
	ActionUnstar     ActionKind = "x"
	ActionTrash      ActionKind = "d"
	ActionAttachment ActionKind = "a"
	ActionReadAll    ActionKind = "ar"
	ActionSwitch     ActionKind = "sw"
	ActionUnlink     ActionKind = "ul"
	ActionOpen       ActionKind = "m"
	ActionQuery      ActionKind = "q"
)

// maxCallbackData is Telegram's limit on callback_data, in bytes.
const maxCallbackData = 64

// takesParam lists every known kind and whether it carries a parameter.
var takesParam = map[ActionKind]bool{
	ActionView:       true,
	ActionNext:       true,
	ActionBack:       false,
	ActionRead:       false,
	ActionUnread:     false,
	ActionStar:       false,
	ActionUnstar:     false,
	ActionTrash:      false,
	ActionAttachment: true,
	ActionReadAll:    false,
	ActionSwitch:     true,
	ActionUnlink:     true,
	ActionOpen:       true,
	ActionQuery:      true,
}

// Action is a parsed callback payload: a kind and at most one parameter.
type Action struct {
	Kind  ActionKind
	Param string
}

// ParseAction decodes callback data. Unknown kinds, a missing parameter or
// a parameter on a bare kind are rejected.
func ParseAction(data string) (Action, bool) {
	kind, param, _ := strings.Cut(data, ":")
	needsParam, known := takesParam[ActionKind(kind)]
	if !known || needsParam != (param != "") {
		return Action{}, false
	}
	return Action{Kind: ActionKind(kind), Param: param}, true
}

// String encodes the action, cut to the callback size limit on a rune
// boundary.
func (a Action) String() string {
	s := string(a.Kind)
	if a.Param != "" {
		s += ":" + a.Param
	}
	if len(s) <= maxCallbackData {
		return s
	}
	s = s[:maxCallbackData]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// Fits reports whether the action survives encoding unchanged.
func (a Action) Fits() bool {
	return len(a.Kind)+1+len(a.Param) <= maxCallbackData
}

// Index parses a 1-based position parameter.
func (a Action) Index() (int, bool) {
	i, err := strconv.Atoi(a.Param)
	if err != nil || i < 1 {
		return 0, false
	}
	return i, true
}

func button(text string, a Action) telegram.InlineButton {
	return telegram.InlineButton{Text: text, CallbackData: a.String()}
}

func (b *Bot) handleCallback(ctx context.Context, cb *telegram.CallbackQuery) {
	user := cb.From.ID
	var editID int64
	if cb.Message != nil {
		user = cb.Message.Chat.ID
		editID = cb.Message.MessageID
	}

	notice := msgExpired
	if action, ok := ParseAction(cb.Data); ok {
		b.logger.Debug("callback", "user", user, "action", string(action.Kind))
		notice = b.dispatch(ctx, user, editID, action)
	} else {
		b.logger.Debug("unparsable callback", "user", user, "data", cb.Data)
	}
	if err := b.chat.AnswerCallback(ctx, cb.ID, notice); err != nil {
		b.logger.Warn("answer callback", "user", user, "error", err)
	}
}

// dispatch runs one action and returns the toast shown on the button.
func (b *Bot) dispatch(ctx context.Context, user, editID int64, a Action) string {
	switch a.Kind {
	case ActionView:
		return b.viewPosition(ctx, user, editID, a)
	case ActionNext:
		return b.nextPage(ctx, user, editID, a.Param)
	case ActionBack:
		return b.backToList(ctx, user, editID)
	case ActionRead:
		return b.relabelCurrent(ctx, user, editID, nil, []string{labelUnread}, "Marked read")
	case ActionUnread:
		return b.relabelCurrent(ctx, user, editID, []string{labelUnread}, nil, "Marked unread")
	case ActionStar:
		return b.relabelCurrent(ctx, user, editID, []string{labelStarred}, nil, "Starred")
	case ActionUnstar:
		return b.relabelCurrent(ctx, user, editID, nil, []string{labelStarred}, "Unstarred")
	case ActionTrash:
		return b.trashCurrent(ctx, user, editID)
	case ActionAttachment:
		return b.sendAttachment(ctx, user, a)
	case ActionReadAll:
		return b.readAll(ctx, user, editID)
	case ActionSwitch:
		return b.switchAccount(ctx, user, editID, a)
	case ActionUnlink:
		return b.unlinkAccount(ctx, user, editID, a)
	case ActionOpen:
		return b.openPushed(ctx, user, a.Param)
	case ActionQuery:
		b.showList(ctx, user, editID, a.Param, "", b.opts.PageSize)
		return ""
	default:
		return msgExpired
	}
}

func (b *Bot) switchAccount(ctx context.Context, user, editID int64, a Action) string {
	account, ok := b.accountAt(ctx, user, a)
	if !ok {
		return msgExpired
	}
	if err := b.creds.Switch(ctx, user, account); err != nil {
		b.logger.Error("switch account", "user", user, "account", account, "error", err)
		return msgExpired
	}
	b.showAccounts(ctx, user, editID)
	return "Now using " + account
}

func (b *Bot) unlinkAccount(ctx context.Context, user, editID int64, a Action) string {
	account, ok := b.accountAt(ctx, user, a)
	if !ok {
		return msgExpired
	}
	b.unlink(ctx, user, account)
	b.showAccounts(ctx, user, editID)
	return "Disconnected " + account
}

func (b *Bot) accountAt(ctx context.Context, user int64, a Action) (string, bool) {
	i, ok := a.Index()
	if !ok {
		return "", false
	}
	accounts, err := b.creds.Accounts(ctx, user)
	if err != nil {
		b.logger.Error("list accounts", "user", user, "error", err)
		return "", false
	}
	if i > len(accounts) {
		return "", false
	}
	return accounts[i-1], true
}
