package bot

import (
	"strings"
	"testing"

	"github.com/nalgeon/be"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		data string
		want Action
		ok   bool
	}{
		{"v:3", Action{Kind: ActionView, Param: "3"}, true},
		{"b", Action{Kind: ActionBack}, true},
		{"ar", Action{Kind: ActionReadAll}, true},
		{"q:is:unread in:inbox", Action{Kind: ActionQuery, Param: "is:unread in:inbox"}, true},
		{"v", Action{}, false},
		{"v:", Action{}, false},
		{"b:1", Action{}, false},
		{"zz:1", Action{}, false},
		{"", Action{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.data, func(t *testing.T) {
			got, ok := ParseAction(tt.data)
			be.Equal(t, ok, tt.ok)
			be.Equal(t, got, tt.want)
		})
	}
}

func TestActionString(t *testing.T) {
	be.Equal(t, Action{Kind: ActionSwitch, Param: "2"}.String(), "sw:2")
	be.Equal(t, Action{Kind: ActionTrash}.String(), "d")

	long := Action{Kind: ActionQuery, Param: strings.Repeat("é", 40)}
	encoded := long.String()
	be.True(t, len(encoded) <= maxCallbackData)
	be.True(t, strings.HasPrefix(encoded, "q:é"))
	be.True(t, !long.Fits())
}

func TestActionIndex(t *testing.T) {
	i, ok := Action{Kind: ActionView, Param: "4"}.Index()
	be.True(t, ok)
	be.Equal(t, i, 4)

	_, ok = Action{Kind: ActionView, Param: "0"}.Index()
	be.True(t, !ok)
	_, ok = Action{Kind: ActionView, Param: "x"}.Index()
	be.True(t, !ok)
}

func TestUnknownCallbackIsExpired(t *testing.T) {
	h := newHarness(t, Options{})
	h.link(t, "me@example.com")

	h.press("zz:1")
	be.Equal(t, h.chat.lastAnswer(), msgExpired)

	h.press("v:9")
	be.Equal(t, h.chat.lastAnswer(), msgExpired)

	h.press("n:nope")
	be.Equal(t, h.chat.lastAnswer(), msgExpired)

	h.press("r")
	be.Equal(t, h.chat.lastAnswer(), msgExpired)
}

func TestSwitchAndUnlinkAccounts(t *testing.T) {
	h := newHarness(t, Options{})
	h.link(t, "a@example.com")
	h.link(t, "b@example.com")
	ctx := t.Context()

	h.command("/accounts")
	last := h.chat.last()
	be.True(t, strings.Contains(last.text, "2. b@example.com ✓"))
	_, ok := findButton(last.kb, "Use 1")
	be.True(t, ok)

	h.press("sw:1")
	active, _, err := h.creds.Active(ctx, testUser)
	be.Err(t, err, nil)
	be.Equal(t, active, "a@example.com")
	be.True(t, strings.Contains(h.chat.lastEdit().text, "1. a@example.com ✓"))

	h.press("ul:1")
	accounts, err := h.creds.Accounts(ctx, testUser)
	be.Err(t, err, nil)
	be.Equal(t, accounts, []string{"b@example.com"})
	active, _, err = h.creds.Active(ctx, testUser)
	be.Err(t, err, nil)
	be.Equal(t, active, "b@example.com")

	h.press("ul:5")
	be.Equal(t, h.chat.lastAnswer(), msgExpired)
}
