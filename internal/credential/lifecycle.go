// Package credential owns per-user, per-account OAuth credentials: it
// stores them sealed, keeps them valid by refreshing ahead of expiry, and
// removes an account cleanly once its credential can no longer be used.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"github.io/infrasutra/mailgram/internal/clock"
	"github.io/infrasutra/mailgram/internal/correlation"
	"github.io/infrasutra/mailgram/internal/kv"
)

const (
	// RefreshMargin is how long a credential must remain valid to be used
	// without refreshing first.
	RefreshMargin = 5 * time.Minute
	// GuardTTL bounds how often a user hears that one account expired.
	GuardTTL = 24 * time.Hour
	// DefaultTokenLifetime stands in for a token response without expires_in.
	DefaultTokenLifetime = time.Hour
)

var ErrUnknownAccount = errors.New("account is not linked")

type Credential struct {
	Account      string    `json:"account"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	Expiry       time.Time `json:"expiry"`
}

func (c *Credential) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: c.RefreshToken,
		Expiry:       c.Expiry,
	}
}

// Messenger delivers plain notices to a chat.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

type Lifecycle struct {
	kv        kv.Store
	records   *correlation.Store
	oauth     *oauth2.Config
	sealer    *Sealer
	messenger Messenger
	clock     clock.Clock
	logger    *slog.Logger
}

func New(store kv.Store, records *correlation.Store, oauth *oauth2.Config, sealer *Sealer, messenger Messenger, clk clock.Clock, logger *slog.Logger) *Lifecycle {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		kv:        store,
		records:   records,
		oauth:     oauth,
		sealer:    sealer,
		messenger: messenger,
		clock:     clk,
		logger:    logger,
	}
}

func accountsKey(user int64) string              { return fmt.Sprintf("accounts:%d", user) }
func activeKey(user int64) string                { return fmt.Sprintf("active:%d", user) }
func credKey(user int64, account string) string  { return fmt.Sprintf("cred:%d:%s", user, account) }
func guardKey(user int64, account string) string { return fmt.Sprintf("guard:%d:%s", user, account) }

func normalizeAccount(account string) string {
	return strings.ToLower(strings.TrimSpace(account))
}

// AuthURL is the consent page for a new link attempt. Offline access with
// forced consent makes Google return a refresh token every time.
func (l *Lifecycle) AuthURL(state string) string {
	return l.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (l *Lifecycle) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := l.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	return token, nil
}

// ValidCredential returns a usable credential for the user's active
// account, or nil when there is none. A nil result with a nil error after
// a failure means the account was already cleaned up and the user told.
func (l *Lifecycle) ValidCredential(ctx context.Context, user int64) (*Credential, error) {
	account, ok, err := l.Active(ctx, user)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return l.CredentialFor(ctx, user, account)
}

// CredentialFor is ValidCredential for an explicit account. An account the
// user no longer has linked yields nil without a notice.
func (l *Lifecycle) CredentialFor(ctx context.Context, user int64, account string) (*Credential, error) {
	account = normalizeAccount(account)
	accounts, err := l.Accounts(ctx, user)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(accounts, account) {
		return nil, nil
	}
	cred, err := l.load(ctx, user, account)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		l.expire(ctx, user, account)
		return nil, nil
	}
	if cred.Expiry.After(l.clock.Now().Add(RefreshMargin)) {
		return cred, nil
	}

	refreshed, err := l.refresh(ctx, cred)
	if err != nil {
		attrs := []any{"user", user, "account", account, "error", err}
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			attrs = append(attrs, "error_code", retrieveErr.ErrorCode)
			if retrieveErr.Response != nil {
				attrs = append(attrs, "status", retrieveErr.Response.StatusCode)
			}
		}
		l.logger.Warn("refresh credential failed", attrs...)
		l.expire(ctx, user, account)
		return nil, nil
	}
	if err := l.save(ctx, user, refreshed); err != nil {
		return nil, err
	}
	l.logger.Debug("credential refreshed", "user", user, "account", account, "expiry", refreshed.Expiry)
	return refreshed, nil
}

func (l *Lifecycle) refresh(ctx context.Context, cred *Credential) (*Credential, error) {
	if cred.RefreshToken == "" {
		return nil, errors.New("no refresh token stored")
	}
	token, err := l.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		return nil, err
	}
	next := &Credential{
		Account:      cred.Account,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       l.expiryOf(token),
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cred.RefreshToken
	}
	return next, nil
}

// load returns nil for a missing credential and for one that can no
// longer be opened or decoded. Only storage failures are errors.
func (l *Lifecycle) expiryOf(token *oauth2.Token) time.Time {
	if token.Expiry.IsZero() {
		return l.clock.Now().Add(DefaultTokenLifetime)
	}
	return token.Expiry
}

func (l *Lifecycle) load(ctx context.Context, user int64, account string) (*Credential, error) {
	sealed, err := l.kv.Get(ctx, credKey(user, account))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}
	plaintext, err := l.sealer.Open(sealed)
	if err != nil {
		l.logger.Warn("stored credential unreadable", "user", user, "account", account, "error", err)
		return nil, nil
	}
	var cred Credential
	if err := json.Unmarshal(plaintext, &cred); err != nil || (cred.AccessToken == "" && cred.RefreshToken == "") {
		l.logger.Warn("stored credential malformed", "user", user, "account", account, "error", err)
		return nil, nil
	}
	cred.Account = account
	return &cred, nil
}

func (l *Lifecycle) save(ctx context.Context, user int64, cred *Credential) error {
	payload, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	sealed, err := l.sealer.Seal(payload)
	if err != nil {
		return fmt.Errorf("seal credential: %w", err)
	}
	if err := l.kv.Put(ctx, credKey(user, cred.Account), sealed, 0); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

// expire is the hard-expiry path: notify once, then remove the account.
func (l *Lifecycle) expire(ctx context.Context, user int64, account string) {
	if err := l.NotifyExpired(ctx, user, account); err != nil {
		l.logger.Warn("notify expired credential", "user", user, "account", account, "error", err)
	}
	if err := l.Cleanup(ctx, user, account); err != nil {
		l.logger.Error("clean up expired account", "user", user, "account", account, "error", err)
	}
}

// NotifyExpired tells the user to reconnect an account, at most once per
// GuardTTL. The guard is written before sending so a failed send is not
// retried on every request.
func (l *Lifecycle) NotifyExpired(ctx context.Context, user int64, account string) error {
	key := guardKey(user, account)
	if _, err := l.kv.Get(ctx, key); err == nil {
		return nil
	} else if !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("read notification guard: %w", err)
	}
	if err := l.kv.Put(ctx, key, "1", GuardTTL); err != nil {
		return fmt.Errorf("write notification guard: %w", err)
	}
	if l.messenger == nil {
		return nil
	}
	text := fmt.Sprintf("Access to %s has expired and the account was disconnected. Send /login to connect it again.", account)
	return l.messenger.SendText(ctx, user, text)
}

// Cleanup removes an account and everything hanging off it. Running it
// again for the same account changes nothing.
func (l *Lifecycle) Cleanup(ctx context.Context, user int64, account string) error {
	account = normalizeAccount(account)
	if err := l.kv.Delete(ctx, credKey(user, account)); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if l.records != nil {
		if err := l.records.DeleteWatch(ctx, user, account); err != nil {
			return fmt.Errorf("delete watch: %w", err)
		}
	}

	accounts, err := l.Accounts(ctx, user)
	if err != nil {
		return err
	}
	position := slices.Index(accounts, account)
	remaining := slices.DeleteFunc(slices.Clone(accounts), func(a string) bool { return a == account })
	if position >= 0 {
		if err := l.saveAccounts(ctx, user, remaining); err != nil {
			return err
		}
	}

	active, hasActive, err := l.Active(ctx, user)
	if err != nil {
		return err
	}
	if hasActive && active != account && slices.Contains(remaining, active) {
		return nil
	}
	if len(remaining) == 0 {
		if err := l.kv.Delete(ctx, activeKey(user)); err != nil {
			return fmt.Errorf("clear active account: %w", err)
		}
		return nil
	}
	next := remaining[min(max(position, 0), len(remaining)-1)]
	if err := l.kv.Put(ctx, activeKey(user), next, 0); err != nil {
		return fmt.Errorf("set active account: %w", err)
	}
	return nil
}

// Link stores the credential from a completed authorization and makes the
// account active.
func (l *Lifecycle) Link(ctx context.Context, user int64, account string, token *oauth2.Token) error {
	account = normalizeAccount(account)
	if account == "" {
		return errors.New("account is required")
	}
	cred := &Credential{
		Account:      account,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       l.expiryOf(token),
	}
	if cred.RefreshToken == "" {
		if previous, err := l.load(ctx, user, account); err == nil && previous != nil {
			cred.RefreshToken = previous.RefreshToken
		}
	}
	if err := l.save(ctx, user, cred); err != nil {
		return err
	}

	accounts, err := l.Accounts(ctx, user)
	if err != nil {
		return err
	}
	if !slices.Contains(accounts, account) {
		if err := l.saveAccounts(ctx, user, append(accounts, account)); err != nil {
			return err
		}
	}
	if err := l.kv.Put(ctx, activeKey(user), account, 0); err != nil {
		return fmt.Errorf("set active account: %w", err)
	}
	if err := l.kv.Delete(ctx, guardKey(user, account)); err != nil {
		return fmt.Errorf("clear notification guard: %w", err)
	}
	return nil
}

func (l *Lifecycle) Switch(ctx context.Context, user int64, account string) error {
	account = normalizeAccount(account)
	accounts, err := l.Accounts(ctx, user)
	if err != nil {
		return err
	}
	if !slices.Contains(accounts, account) {
		return ErrUnknownAccount
	}
	if err := l.kv.Put(ctx, activeKey(user), account, 0); err != nil {
		return fmt.Errorf("set active account: %w", err)
	}
	return nil
}

// Accounts lists the user's linked accounts in link order. A corrupt list
// reads as empty.
func (l *Lifecycle) Accounts(ctx context.Context, user int64) ([]string, error) {
	raw, err := l.kv.Get(ctx, accountsKey(user))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	var accounts []string
	if err := json.Unmarshal([]byte(raw), &accounts); err != nil {
		l.logger.Warn("discarding malformed account list", "user", user, "error", err)
		return []string{}, nil
	}
	return accounts, nil
}

func (l *Lifecycle) saveAccounts(ctx context.Context, user int64, accounts []string) error {
	if len(accounts) == 0 {
		if err := l.kv.Delete(ctx, accountsKey(user)); err != nil {
			return fmt.Errorf("delete accounts: %w", err)
		}
		return nil
	}
	payload, err := json.Marshal(accounts)
	if err != nil {
		return fmt.Errorf("encode accounts: %w", err)
	}
	if err := l.kv.Put(ctx, accountsKey(user), string(payload), 0); err != nil {
		return fmt.Errorf("store accounts: %w", err)
	}
	return nil
}

func (l *Lifecycle) Active(ctx context.Context, user int64) (string, bool, error) {
	account, err := l.kv.Get(ctx, activeKey(user))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("load active account: %w", err)
	}
	if account == "" {
		return "", false, nil
	}
	return account, true, nil
}
