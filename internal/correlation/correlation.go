// Package correlation maps short-lived chat references onto durable
// mailbox identifiers: list positions, page cursors, preview tokens,
// authorization nonces and the per-user current-message pointer.
//
// Every record is JSON in the kv store under a per-type key prefix. A
// record whose TTL has elapsed, or whose stored JSON no longer parses, is
// reported as absent.
package correlation

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.io/infrasutra/mailgram/internal/kv"
)

const (
	RecordTTL   = time.Hour
	NonceTTL    = 10 * time.Minute
	PushSeenTTL = time.Hour
)

var (
	ErrExpired       = errors.New("correlation record expired")
	ErrNonceMismatch = errors.New("authorization nonce mismatch")
)

type Store struct {
	kv     kv.Store
	logger *slog.Logger
}

func New(store kv.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: store, logger: logger}
}

// PageCursor is the continuation for a paginated list.
type PageCursor struct {
	Query     string `json:"query"`
	PageToken string `json:"pageToken"`
	Limit     int64  `json:"limit,omitempty"`
}

// Preview binds a one-time web preview token to a message.
type Preview struct {
	User      int64  `json:"user"`
	MessageID string `json:"messageId"`
	Account   string `json:"account"`
}

// Watch is the push subscription state for one linked account.
type Watch struct {
	HistoryID  uint64    `json:"historyId"`
	Expiration time.Time `json:"expiration"`
}

func indexKey(user int64) string              { return fmt.Sprintf("idx:%d", user) }
func pageKey(user int64, key string) string   { return fmt.Sprintf("page:%d:%s", user, key) }
func previewKey(token string) string          { return "preview:" + token }
func nonceKey(user int64) string              { return fmt.Sprintf("nonce:%d", user) }
func currentKey(user int64) string            { return fmt.Sprintf("cur:%d", user) }
func queryKey(user int64) string              { return fmt.Sprintf("query:%d", user) }
func watchKey(user int64, acct string) string { return fmt.Sprintf("watch:%d:%s", user, acct) }

func (s *Store) put(ctx context.Context, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.kv.Put(ctx, key, string(payload), ttl)
}

// get decodes the record at key into dst. Missing and undecodable records
// both return found=false with a nil error.
func (s *Store) get(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		s.logger.Warn("discarding malformed record", "key", key, "error", err)
		return false, nil
	}
	return true, nil
}

// PutIndexMap replaces the user's position → message id map. Positions
// are 1-based as shown in the chat.
func (s *Store) PutIndexMap(ctx context.Context, user int64, ids []string) error {
	m := make(map[string]string, len(ids))
	for i, id := range ids {
		m[strconv.Itoa(i+1)] = id
	}
	return s.put(ctx, indexKey(user), m, RecordTTL)
}

func (s *Store) IndexMap(ctx context.Context, user int64) (map[int]string, bool, error) {
	var raw map[string]string
	found, err := s.get(ctx, indexKey(user), &raw)
	if err != nil || !found {
		return nil, false, err
	}
	out := make(map[int]string, len(raw))
	for k, v := range raw {
		i, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		out[i] = v
	}
	return out, true, nil
}

// Index resolves one list position.
func (s *Store) Index(ctx context.Context, user int64, pos int) (string, bool, error) {
	m, found, err := s.IndexMap(ctx, user)
	if err != nil || !found {
		return "", false, err
	}
	id, ok := m[pos]
	return id, ok, nil
}

func (s *Store) PutPageCursor(ctx context.Context, user int64, key string, cursor PageCursor) error {
	return s.put(ctx, pageKey(user, key), cursor, RecordTTL)
}

func (s *Store) PageCursor(ctx context.Context, user int64, key string) (PageCursor, bool, error) {
	var cursor PageCursor
	found, err := s.get(ctx, pageKey(user, key), &cursor)
	return cursor, found, err
}

// PutPreview mints a fresh unguessable token for p.
func (s *Store) PutPreview(ctx context.Context, p Preview) (string, error) {
	token := uuid.NewString()
	if err := s.put(ctx, previewKey(token), p, RecordTTL); err != nil {
		return "", err
	}
	return token, nil
}

// Preview returns ErrExpired for unknown, elapsed or corrupt tokens.
func (s *Store) Preview(ctx context.Context, token string) (Preview, error) {
	var p Preview
	if strings.TrimSpace(token) == "" {
		return p, ErrExpired
	}
	found, err := s.get(ctx, previewKey(token), &p)
	if err != nil {
		return p, err
	}
	if !found || p.MessageID == "" {
		return p, ErrExpired
	}
	return p, nil
}

// IssueNonce binds a new nonce to the user's pending authorization,
// replacing any earlier attempt.
func (s *Store) IssueNonce(ctx context.Context, user int64) (string, error) {
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := s.put(ctx, nonceKey(user), nonce, NonceTTL); err != nil {
		return "", err
	}
	return nonce, nil
}

// ConsumeNonce succeeds at most once per issued nonce.
func (s *Store) ConsumeNonce(ctx context.Context, user int64, nonce string) error {
	var stored string
	found, err := s.get(ctx, nonceKey(user), &stored)
	if err != nil {
		return err
	}
	if !found || stored == "" || subtle.ConstantTimeCompare([]byte(stored), []byte(nonce)) != 1 {
		return ErrNonceMismatch
	}
	return s.kv.Delete(ctx, nonceKey(user))
}

func (s *Store) SetCurrent(ctx context.Context, user int64, messageID string) error {
	return s.put(ctx, currentKey(user), messageID, RecordTTL)
}

func (s *Store) Current(ctx context.Context, user int64) (string, bool, error) {
	var id string
	found, err := s.get(ctx, currentKey(user), &id)
	return id, found && id != "", err
}

func (s *Store) SetLastQuery(ctx context.Context, user int64, query string) error {
	return s.put(ctx, queryKey(user), query, RecordTTL)
}

func (s *Store) LastQuery(ctx context.Context, user int64) (string, bool, error) {
	var q string
	found, err := s.get(ctx, queryKey(user), &q)
	return q, found, err
}

func (s *Store) PutWatch(ctx context.Context, user int64, account string, w Watch) error {
	return s.put(ctx, watchKey(user, account), w, 0)
}

func (s *Store) Watch(ctx context.Context, user int64, account string) (Watch, bool, error) {
	var w Watch
	found, err := s.get(ctx, watchKey(user, account), &w)
	return w, found, err
}

func (s *Store) DeleteWatch(ctx context.Context, user int64, account string) error {
	return s.kv.Delete(ctx, watchKey(user, account))
}

// WatchRef identifies one push subscription.
type WatchRef struct {
	User    int64
	Account string
}

// ListWatches enumerates every subscription. Keys that do not parse are
// skipped.
func (s *Store) ListWatches(ctx context.Context) ([]WatchRef, error) {
	keys, err := s.kv.List(ctx, "watch:")
	if err != nil {
		return nil, fmt.Errorf("list watches: %w", err)
	}
	refs := make([]WatchRef, 0, len(keys))
	for _, key := range keys {
		rest := strings.TrimPrefix(key, "watch:")
		userPart, account, ok := strings.Cut(rest, ":")
		if !ok || account == "" {
			continue
		}
		user, err := strconv.ParseInt(userPart, 10, 64)
		if err != nil {
			continue
		}
		refs = append(refs, WatchRef{User: user, Account: account})
	}
	return refs, nil
}

func pushSeenKey(deliveryID string) string {
	sum := blake3.Sum256([]byte(deliveryID))
	return "pushseen:" + hex.EncodeToString(sum[:16])
}

// PushSeen reports whether a push delivery was already handled.
func (s *Store) PushSeen(ctx context.Context, deliveryID string) (bool, error) {
	_, err := s.kv.Get(ctx, pushSeenKey(deliveryID))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// MarkPushSeen records a handled push delivery for PushSeenTTL.
func (s *Store) MarkPushSeen(ctx context.Context, deliveryID string) error {
	return s.kv.Put(ctx, pushSeenKey(deliveryID), "1", PushSeenTTL)
}
