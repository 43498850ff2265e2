// Package auth signs the state parameter of the OAuth authorization flow.
// A state binds the chat user and the nonce of one login attempt, and is
// only accepted back within the configured max age.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidState = errors.New("invalid authorization state")
	ErrStateExpired = errors.New("authorization state expired")
)

type Manager struct {
	secret []byte
	maxAge time.Duration
}

// New returns a Manager. An empty secret is replaced by a random one, so
// links issued before a restart stop working.
func New(secret string, maxAge time.Duration) (*Manager, error) {
	if strings.TrimSpace(secret) == "" {
		generated := make([]byte, 32)
		if _, err := rand.Read(generated); err != nil {
			return nil, fmt.Errorf("generate auth secret: %w", err)
		}
		secret = base64.RawURLEncoding.EncodeToString(generated)
	}
	return &Manager{secret: []byte(secret), maxAge: maxAge}, nil
}

func (m *Manager) IssueState(user int64, nonce string, now time.Time) (string, error) {
	if nonce == "" || strings.Contains(nonce, "|") {
		return "", errors.New("nonce must be non-empty and free of separators")
	}
	payload := strconv.FormatInt(user, 10) + "|" + nonce + "|" + strconv.FormatInt(now.Unix(), 10)
	token := payload + "|" + m.sign(payload)
	return base64.RawURLEncoding.EncodeToString([]byte(token)), nil
}

// ParseState verifies a state issued by IssueState and returns the user and
// nonce it carries.
func (m *Manager) ParseState(state string, now time.Time) (int64, string, error) {
	if state == "" {
		return 0, "", ErrInvalidState
	}
	raw, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return 0, "", ErrInvalidState
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 4 {
		return 0, "", ErrInvalidState
	}
	payload := strings.Join(parts[:3], "|")
	if !m.verify(payload, parts[3]) {
		return 0, "", ErrInvalidState
	}
	user, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", ErrInvalidState
	}
	timestamp, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, "", ErrInvalidState
	}
	if now.Sub(time.Unix(timestamp, 0)) > m.maxAge {
		return 0, "", ErrStateExpired
	}
	return user, parts[1], nil
}

// NormalizeEmail lower-cases and validates a mailbox address.
func NormalizeEmail(email string) (string, error) {
	trimmed := strings.TrimSpace(strings.ToLower(email))
	if trimmed == "" {
		return "", errors.New("email is required")
	}
	addr, err := mail.ParseAddress(trimmed)
	if err != nil {
		return "", errors.New("email must be valid")
	}
	return strings.ToLower(addr.Address), nil
}

func (m *Manager) sign(payload string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (m *Manager) verify(payload, signature string) bool {
	expected := m.sign(payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}
