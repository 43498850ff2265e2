package credential

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nalgeon/be"
	"golang.org/x/oauth2"

	"github.io/infrasutra/mailgram/internal/clock"
	"github.io/infrasutra/mailgram/internal/correlation"
	"github.io/infrasutra/mailgram/internal/kv"
)

type sentText struct {
	chat int64
	text string
}

type fakeMessenger struct {
	mu   sync.Mutex
	sent []sentText
}

func (m *fakeMessenger) SendText(_ context.Context, chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentText{chat: chatID, text: text})
	return nil
}

func (m *fakeMessenger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type harness struct {
	lc        *Lifecycle
	kv        kv.Store
	records   *correlation.Store
	clock     *clock.FakeClock
	messenger *fakeMessenger
	refreshes *atomic.Int32
	failNext  *atomic.Bool
	noExpiry  *atomic.Bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	clk := clock.Fake(time.Now().Truncate(time.Second))
	store, err := kv.OpenSQLite(ctx, ":memory:", clk)
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	refreshes := &atomic.Int32{}
	failNext := &atomic.Bool{}
	noExpiry := &atomic.Bool{}
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		if err := r.ParseForm(); err != nil || r.Form.Get("grant_type") != "refresh_token" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if failNext.Load() {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"error":"invalid_grant"}`)
			return
		}
		if noExpiry.Load() {
			io.WriteString(w, `{"access_token":"fresh-`+r.Form.Get("refresh_token")+`","token_type":"Bearer"}`)
			return
		}
		io.WriteString(w, `{"access_token":"fresh-`+r.Form.Get("refresh_token")+`","token_type":"Bearer","expires_in":3600}`)
	}))
	t.Cleanup(tokenServer.Close)

	oauthCfg := &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		Endpoint: oauth2.Endpoint{
			AuthURL:   tokenServer.URL + "/auth",
			TokenURL:  tokenServer.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	sealer, err := NewSealer("")
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	records := correlation.New(store, logger)
	messenger := &fakeMessenger{}
	return &harness{
		lc:        New(store, records, oauthCfg, sealer, messenger, clk, logger),
		kv:        store,
		records:   records,
		clock:     clk,
		messenger: messenger,
		refreshes: refreshes,
		failNext:  failNext,
		noExpiry:  noExpiry,
	}
}

func (h *harness) link(t *testing.T, user int64, account string, expiresIn time.Duration) {
	t.Helper()
	token := &oauth2.Token{
		AccessToken:  "access-" + account,
		RefreshToken: "refresh-" + account,
		Expiry:       h.clock.Now().Add(expiresIn),
	}
	be.Err(t, h.lc.Link(context.Background(), user, account, token), nil)
}

func TestValidCredentialWithoutRefresh(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.link(t, 1, "a@example.com", time.Hour)

	cred, err := h.lc.ValidCredential(ctx, 1)
	be.Err(t, err, nil)
	be.True(t, cred != nil)
	be.Equal(t, cred.AccessToken, "access-a@example.com")
	be.Equal(t, h.refreshes.Load(), int32(0))
}

func TestValidCredentialRefreshesInsideMargin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.link(t, 1, "a@example.com", RefreshMargin-time.Second)

	cred, err := h.lc.ValidCredential(ctx, 1)
	be.Err(t, err, nil)
	be.True(t, cred != nil)
	be.Equal(t, cred.AccessToken, "fresh-refresh-a@example.com")
	be.Equal(t, cred.RefreshToken, "refresh-a@example.com")
	be.Equal(t, h.refreshes.Load(), int32(1))

	again, err := h.lc.ValidCredential(ctx, 1)
	be.Err(t, err, nil)
	be.Equal(t, again.AccessToken, "fresh-refresh-a@example.com")
	be.Equal(t, h.refreshes.Load(), int32(1))
}

func TestRefreshWithoutExpiryGetsDefaultLifetime(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.link(t, 1, "a@example.com", time.Minute)
	h.noExpiry.Store(true)

	cred, err := h.lc.ValidCredential(ctx, 1)
	be.Err(t, err, nil)
	be.True(t, cred != nil)
	be.Equal(t, cred.AccessToken, "fresh-refresh-a@example.com")
	be.Equal(t, cred.Expiry, h.clock.Now().Add(DefaultTokenLifetime))

	cred, err = h.lc.ValidCredential(ctx, 1)
	be.Err(t, err, nil)
	be.Equal(t, cred.AccessToken, "fresh-refresh-a@example.com")
	be.Equal(t, h.refreshes.Load(), int32(1))
}

func TestLinkWithoutExpiryGetsDefaultLifetime(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	token := &oauth2.Token{AccessToken: "access", RefreshToken: "refresh"}
	be.Err(t, h.lc.Link(ctx, 1, "a@example.com", token), nil)

	cred, err := h.lc.ValidCredential(ctx, 1)
	be.Err(t, err, nil)
	be.Equal(t, cred.AccessToken, "access")
	be.Equal(t, cred.Expiry, h.clock.Now().Add(DefaultTokenLifetime))
	be.Equal(t, h.refreshes.Load(), int32(0))
}

func TestCredentialForUnlinkedAccountIsSilent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.link(t, 1, "a@example.com", time.Hour)
	h.link(t, 1, "b@example.com", time.Hour)
	be.Err(t, h.lc.Cleanup(ctx, 1, "a@example.com"), nil)

	cred, err := h.lc.CredentialFor(ctx, 1, "a@example.com")
	be.Err(t, err, nil)
	be.True(t, cred == nil)
	cred, err = h.lc.CredentialFor(ctx, 1, "never@example.com")
	be.Err(t, err, nil)
	be.True(t, cred == nil)
	be.Equal(t, h.messenger.count(), 0)

	active, _, err := h.lc.Active(ctx, 1)
	be.Err(t, err, nil)
	be.Equal(t, active, "b@example.com")
}

func TestValidCredentialNoActiveAccount(t *testing.T) {
	h := newHarness(t)
	cred, err := h.lc.ValidCredential(context.Background(), 1)
	be.Err(t, err, nil)
	be.True(t, cred == nil)
	be.Equal(t, h.messenger.count(), 0)
}

func TestRefreshFailureCleansUpAndNotifiesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.link(t, 1, "a@example.com", time.Hour)
	h.link(t, 1, "b@example.com", time.Minute)
	h.failNext.Store(true)

	cred, err := h.lc.ValidCredential(ctx, 1)
	be.Err(t, err, nil)
	be.True(t, cred == nil)
	be.Equal(t, h.messenger.count(), 1)
	be.True(t, strings.Contains(h.messenger.sent[0].text, "b@example.com"))

	accounts, err := h.lc.Accounts(ctx, 1)
	be.Err(t, err, nil)
	be.Equal(t, accounts, []string{"a@example.com"})
	active, ok, err := h.lc.Active(ctx, 1)
	be.Err(t, err, nil)
	be.True(t, ok)
	be.Equal(t, active, "a@example.com")

	// relinking and expiring again within the guard window stays silent
	h.link(t, 1, "b@example.com", time.Minute)
	be.Err(t, h.lc.NotifyExpired(ctx, 1, "b@example.com"), nil)
	be.Err(t, h.lc.NotifyExpired(ctx, 1, "b@example.com"), nil)
	be.Equal(t, h.messenger.count(), 2)
}

func TestNotifyExpiredGuardWindow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	be.Err(t, h.lc.NotifyExpired(ctx, 1, "a@example.com"), nil)
	be.Err(t, h.lc.NotifyExpired(ctx, 1, "a@example.com"), nil)
	be.Equal(t, h.messenger.count(), 1)

	h.clock.Advance(GuardTTL)
	be.Err(t, h.lc.NotifyExpired(ctx, 1, "a@example.com"), nil)
	be.Equal(t, h.messenger.count(), 2)
}

func TestUnreadableCredentialIsHardExpiry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.link(t, 1, "a@example.com", time.Hour)
	be.Err(t, h.kv.Put(ctx, "cred:1:a@example.com", "not-a-seal", 0), nil)

	cred, err := h.lc.ValidCredential(ctx, 1)
	be.Err(t, err, nil)
	be.True(t, cred == nil)
	be.Equal(t, h.messenger.count(), 1)

	_, ok, err := h.lc.Active(ctx, 1)
	be.Err(t, err, nil)
	be.True(t, !ok)
}

func TestCleanupRepointsActive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.link(t, 1, "a@example.com", time.Hour)
	h.link(t, 1, "b@example.com", time.Hour)
	h.link(t, 1, "c@example.com", time.Hour)
	be.Err(t, h.lc.Switch(ctx, 1, "b@example.com"), nil)

	be.Err(t, h.lc.Cleanup(ctx, 1, "b@example.com"), nil)
	active, ok, err := h.lc.Active(ctx, 1)
	be.Err(t, err, nil)
	be.True(t, ok)
	be.Equal(t, active, "c@example.com")

	be.Err(t, h.lc.Cleanup(ctx, 1, "c@example.com"), nil)
	active, _, _ = h.lc.Active(ctx, 1)
	be.Equal(t, active, "a@example.com")

	be.Err(t, h.lc.Cleanup(ctx, 1, "a@example.com"), nil)
	_, ok, err = h.lc.Active(ctx, 1)
	be.Err(t, err, nil)
	be.True(t, !ok)
	accounts, err := h.lc.Accounts(ctx, 1)
	be.Err(t, err, nil)
	be.Equal(t, len(accounts), 0)
}

func TestCleanupKeepsOtherActiveAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.link(t, 1, "a@example.com", time.Hour)
	h.link(t, 1, "b@example.com", time.Hour)
	be.Err(t, h.records.PutWatch(ctx, 1, "a@example.com", correlation.Watch{HistoryID: 5}), nil)

	be.Err(t, h.lc.Cleanup(ctx, 1, "a@example.com"), nil)
	be.Err(t, h.lc.Cleanup(ctx, 1, "a@example.com"), nil)

	accounts, err := h.lc.Accounts(ctx, 1)
	be.Err(t, err, nil)
	be.Equal(t, accounts, []string{"b@example.com"})
	active, _, err := h.lc.Active(ctx, 1)
	be.Err(t, err, nil)
	be.Equal(t, active, "b@example.com")

	_, found, err := h.records.Watch(ctx, 1, "a@example.com")
	be.Err(t, err, nil)
	be.True(t, !found)
	_, err = h.kv.Get(ctx, "cred:1:a@example.com")
	be.Err(t, err, kv.ErrNotFound)
}

func TestLinkDeduplicatesAndSwitch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.link(t, 1, "A@Example.com", time.Hour)
	h.link(t, 1, "b@example.com", time.Hour)
	h.link(t, 1, "a@example.com", time.Hour)

	accounts, err := h.lc.Accounts(ctx, 1)
	be.Err(t, err, nil)
	be.Equal(t, accounts, []string{"a@example.com", "b@example.com"})

	be.Err(t, h.lc.Switch(ctx, 1, "c@example.com"), ErrUnknownAccount)
	be.Err(t, h.lc.Switch(ctx, 1, "b@example.com"), nil)
	active, _, _ := h.lc.Active(ctx, 1)
	be.Equal(t, active, "b@example.com")
}

func TestMalformedAccountListReadsEmpty(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	be.Err(t, h.kv.Put(ctx, "accounts:1", "{oops", 0), nil)

	accounts, err := h.lc.Accounts(ctx, 1)
	be.Err(t, err, nil)
	be.Equal(t, len(accounts), 0)
}

func TestAuthURLRequestsOfflineAccess(t *testing.T) {
	h := newHarness(t)
	u := h.lc.AuthURL("state-123")
	be.True(t, strings.Contains(u, "access_type=offline"))
	be.True(t, strings.Contains(u, "prompt=consent"))
	be.True(t, strings.Contains(u, "state=state-123"))
}
