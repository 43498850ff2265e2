package bot

import (
	"context"
	"fmt"

	"github.io/infrasutra/mailgram/internal/auth"
	"github.io/infrasutra/mailgram/internal/content"
	"github.io/infrasutra/mailgram/internal/correlation"
)

// HandleOAuthCallback completes an authorization started by /login and
// returns the linked account. The state must verify and its nonce must
// match the user's outstanding attempt, which is consumed.
func (b *Bot) HandleOAuthCallback(ctx context.Context, state, code string) (string, error) {
	user, nonce, err := b.states.ParseState(state, b.clock.Now())
	if err != nil {
		return "", err
	}
	if err := b.records.ConsumeNonce(ctx, user, nonce); err != nil {
		return "", err
	}

	token, err := b.creds.Exchange(ctx, code)
	if err != nil {
		b.say(ctx, user, msgAuthFailed)
		return "", err
	}
	mb, err := b.mail.Open(ctx, token)
	if err != nil {
		return "", fmt.Errorf("open mailbox: %w", err)
	}
	profile, err := mb.Profile(ctx)
	if err != nil {
		return "", fmt.Errorf("load profile: %w", err)
	}
	account, err := auth.NormalizeEmail(profile.Email)
	if err != nil {
		b.say(ctx, user, msgAuthFailed)
		return "", fmt.Errorf("profile address %q: %w", profile.Email, err)
	}
	if err := b.creds.Link(ctx, user, account, token); err != nil {
		return "", err
	}
	b.logger.Info("account linked", "user", user, "account", account)

	if b.opts.PushEnabled {
		res, err := mb.Watch(ctx)
		if err != nil {
			b.logger.Warn("start watch", "user", user, "account", account, "error", err)
		} else {
			w := correlation.Watch{HistoryID: res.HistoryID, Expiration: res.Expiration}
			if err := b.records.PutWatch(ctx, user, account, w); err != nil {
				b.logger.Warn("store watch", "user", user, "account", account, "error", err)
			}
		}
	}

	b.say(ctx, user, fmt.Sprintf(msgLinked, content.Escape(account)))
	return account, nil
}
