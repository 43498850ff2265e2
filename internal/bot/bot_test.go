package bot

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.io/infrasutra/mailgram/internal/auth"
	"github.io/infrasutra/mailgram/internal/clock"
	"github.io/infrasutra/mailgram/internal/content"
	"github.io/infrasutra/mailgram/internal/correlation"
	"github.io/infrasutra/mailgram/internal/credential"
	"github.io/infrasutra/mailgram/internal/gmail"
	"github.io/infrasutra/mailgram/internal/kv"
	"github.io/infrasutra/mailgram/internal/telegram"
)

const testUser int64 = 42

type sent struct {
	chat int64
	id   int64
	text string
	kb   telegram.Keyboard
}

type fakeChat struct {
	mu        sync.Mutex
	nextID    int64
	messages  []sent
	edits     []sent
	answers   []string
	texts     []string
	documents []string
}

func (c *fakeChat) SendMessage(_ context.Context, chatID int64, text string, kb telegram.Keyboard) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.messages = append(c.messages, sent{chat: chatID, id: c.nextID, text: text, kb: kb})
	return c.nextID, nil
}

func (c *fakeChat) EditMessage(_ context.Context, chatID, messageID int64, text string, kb telegram.Keyboard) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.edits = append(c.edits, sent{chat: chatID, id: messageID, text: text, kb: kb})
	return nil
}

func (c *fakeChat) AnswerCallback(_ context.Context, _ string, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers = append(c.answers, text)
	return nil
}

func (c *fakeChat) SendDocument(_ context.Context, _ int64, name string, data []byte, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.documents = append(c.documents, name+"="+string(data))
	return nil
}

func (c *fakeChat) SendText(_ context.Context, _ int64, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, text)
	return nil
}

func (c *fakeChat) last() sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return sent{}
	}
	return c.messages[len(c.messages)-1]
}

func (c *fakeChat) lastEdit() sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.edits) == 0 {
		return sent{}
	}
	return c.edits[len(c.edits)-1]
}

func (c *fakeChat) lastAnswer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.answers) == 0 {
		return "<none>"
	}
	return c.answers[len(c.answers)-1]
}

// fakeMailbox serves messages in insertion order and pages them by index.
type fakeMailbox struct {
	mu        sync.Mutex
	email     string
	order     []string
	messages  map[string]*gmail.Message
	files     map[string][]byte
	history   gmail.History
	err       error
	modified  map[string][]string
	batched   []string
	trashed   []string
	watches   int
	stops     int
	watchExp  time.Time
	historyID uint64
}

func newFakeMailbox(email string) *fakeMailbox {
	return &fakeMailbox{
		email:    email,
		messages: map[string]*gmail.Message{},
		files:    map[string][]byte{},
		modified: map[string][]string{},
	}
}

func (m *fakeMailbox) add(msg *gmail.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order = append(m.order, msg.ID)
	m.messages[msg.ID] = msg
}

func (m *fakeMailbox) List(_ context.Context, _, pageToken string, limit int64) (gmail.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return gmail.Page{}, m.err
	}
	start := 0
	if pageToken != "" {
		fmt.Sscanf(pageToken, "p%d", &start)
	}
	end := min(start+int(limit), len(m.order))
	page := gmail.Page{IDs: slices.Clone(m.order[start:end])}
	if end < len(m.order) {
		page.NextPageToken = fmt.Sprintf("p%d", end)
	}
	return page, nil
}

func (m *fakeMailbox) Metadata(ctx context.Context, id string) (*gmail.Message, error) {
	return m.Get(ctx, id)
}

func (m *fakeMailbox) Get(_ context.Context, id string) (*gmail.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	msg, ok := m.messages[id]
	if !ok {
		return nil, gmail.ErrNotFound
	}
	return msg, nil
}

func (m *fakeMailbox) Modify(_ context.Context, id string, add, remove []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return gmail.ErrNotFound
	}
	msg.LabelIDs = slices.DeleteFunc(msg.LabelIDs, func(l string) bool { return slices.Contains(remove, l) })
	msg.LabelIDs = append(msg.LabelIDs, add...)
	m.modified[id] = slices.Clone(msg.LabelIDs)
	return nil
}

func (m *fakeMailbox) BatchModify(_ context.Context, ids []string, _, _ []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batched = append(m.batched, ids...)
	return nil
}

func (m *fakeMailbox) Trash(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trashed = append(m.trashed, id)
	return nil
}

func (m *fakeMailbox) Attachment(_ context.Context, _, attachmentID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[attachmentID]
	if !ok {
		return nil, gmail.ErrNotFound
	}
	return data, nil
}

func (m *fakeMailbox) Watch(context.Context) (gmail.WatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watches++
	return gmail.WatchResult{HistoryID: m.historyID, Expiration: m.watchExp}, nil
}

func (m *fakeMailbox) Stop(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	return nil
}

func (m *fakeMailbox) History(_ context.Context, startID uint64) (gmail.History, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return gmail.History{}, m.err
	}
	return m.history, nil
}

func (m *fakeMailbox) Profile(context.Context) (gmail.Profile, error) {
	return gmail.Profile{Email: m.email, HistoryID: m.historyID}, nil
}

func message(id, from, subject, html string, labels ...string) *gmail.Message {
	return &gmail.Message{
		ID:       id,
		LabelIDs: labels,
		Payload: &content.Part{
			MimeType: "text/html",
			Headers: []content.Header{
				{Name: "From", Value: from},
				{Name: "Subject", Value: subject},
			},
			Body: content.Body{Data: base64.RawURLEncoding.EncodeToString([]byte(html))},
		},
	}
}

// flakyStore fails the next List when failList is set.
type flakyStore struct {
	kv.Store
	failList atomic.Bool
}

func (s *flakyStore) List(ctx context.Context, prefix string) ([]string, error) {
	if s.failList.CompareAndSwap(true, false) {
		return nil, errors.New("store briefly unavailable")
	}
	return s.Store.List(ctx, prefix)
}

type harness struct {
	bot     *Bot
	chat    *fakeChat
	creds   *credential.Lifecycle
	records *correlation.Store
	store   *flakyStore
	clock   *clock.FakeClock
	// boxes maps access tokens to mailboxes; "code-<email>" exchanges
	// issue "access-<email>".
	boxes map[string]*fakeMailbox
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	ctx := context.Background()
	clk := clock.Fake(time.Now().Truncate(time.Second))
	sqlite, err := kv.OpenSQLite(ctx, ":memory:", clk)
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	store := &flakyStore{Store: sqlite}

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		access := "access-" + r.Form.Get("code")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"access_token":"`+access+`","refresh_token":"refresh","token_type":"Bearer","expires_in":3600}`)
	}))
	t.Cleanup(tokenServer.Close)

	oauthCfg := &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "https://bot.example.com/oauth/callback",
		Endpoint: oauth2.Endpoint{
			AuthURL:   tokenServer.URL + "/auth",
			TokenURL:  tokenServer.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	sealer, err := credential.NewSealer("")
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	states, err := auth.New("state-secret", 10*time.Minute)
	if err != nil {
		t.Fatalf("new state manager: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	chat := &fakeChat{}
	records := correlation.New(store, logger)
	creds := credential.New(store, records, oauthCfg, sealer, chat, clk, logger)

	h := &harness{chat: chat, creds: creds, records: records, store: store, clock: clk, boxes: map[string]*fakeMailbox{}}
	provider := MailboxFunc(func(_ context.Context, token *oauth2.Token) (Mailbox, error) {
		box, ok := h.boxes[token.AccessToken]
		if !ok {
			return nil, gmail.ErrUnauthorized
		}
		return box, nil
	})
	if opts.PublicURL == "" {
		opts.PublicURL = "https://bot.example.com/"
	}
	h.bot = New(chat, provider, creds, records, states, clk, logger, opts)
	return h
}

// link connects email for testUser directly and returns its mailbox.
func (h *harness) link(t *testing.T, email string) *fakeMailbox {
	t.Helper()
	box := newFakeMailbox(email)
	h.boxes["access-"+email] = box
	token := &oauth2.Token{AccessToken: "access-" + email, RefreshToken: "refresh", Expiry: h.clock.Now().Add(48 * time.Hour)}
	if err := h.creds.Link(context.Background(), testUser, email, token); err != nil {
		t.Fatalf("link %s: %v", email, err)
	}
	return box
}

func (h *harness) command(text string) {
	h.bot.HandleUpdate(context.Background(), telegram.Update{
		Message: &telegram.Message{MessageID: 1, Chat: telegram.Chat{ID: testUser}, Text: text},
	})
}

func (h *harness) press(data string) {
	h.bot.HandleUpdate(context.Background(), telegram.Update{
		CallbackQuery: &telegram.CallbackQuery{
			ID:      "cb",
			From:    telegram.User{ID: testUser},
			Message: &telegram.Message{MessageID: 7, Chat: telegram.Chat{ID: testUser}},
			Data:    data,
		},
	})
}

// findButton returns the first button whose text is text.
func findButton(kb telegram.Keyboard, text string) (telegram.InlineButton, bool) {
	for _, row := range kb {
		for _, btn := range row {
			if btn.Text == text {
				return btn, true
			}
		}
	}
	return telegram.InlineButton{}, false
}
