package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/nalgeon/be"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.io/infrasutra/mailgram/internal/content"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func apiError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"code": status, "message": message}})
}

func newTestMailbox(t *testing.T, mux *http.ServeMux) (*Mailbox, *Service) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New("projects/p/topics/gmail", logger, option.WithHTTPClient(srv.Client()), option.WithEndpoint(srv.URL+"/"))
	mb, err := svc.Open(context.Background(), &oauth2.Token{AccessToken: "token"})
	if err != nil {
		t.Fatalf("open mailbox: %v", err)
	}
	return mb, svc
}

func TestListPassesQueryAndCursor(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("q") != "is:unread in:inbox" || q.Get("pageToken") != "p2" || q.Get("maxResults") != "5" {
			apiError(w, http.StatusBadRequest, "unexpected query "+r.URL.RawQuery)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"messages":      []map[string]string{{"id": "m1"}, {"id": "m2"}},
			"nextPageToken": "p3",
		})
	})
	mb, _ := newTestMailbox(t, mux)

	page, err := mb.List(context.Background(), "is:unread in:inbox", "p2", 5)
	be.Err(t, err, nil)
	be.Equal(t, page, Page{IDs: []string{"m1", "m2"}, NextPageToken: "p3"})
}

func TestGetConvertsPayload(t *testing.T) {
	html := base64.RawURLEncoding.EncodeToString([]byte(`<p>Hello <a href="https://example.com">there</a></p>`))
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"id":           "m1",
			"snippet":      "Hello there",
			"labelIds":     []string{"INBOX", "UNREAD"},
			"internalDate": "1772355600000",
			"payload": map[string]any{
				"mimeType": "multipart/mixed",
				"headers":  []map[string]string{{"name": "Subject", "value": "Hi"}},
				"parts": []map[string]any{
					{"mimeType": "text/html", "body": map[string]any{"data": html, "size": 10}},
					{"mimeType": "application/pdf", "filename": "a.pdf", "body": map[string]any{"attachmentId": "att", "size": 99}},
				},
			},
		})
	})
	mb, _ := newTestMailbox(t, mux)

	msg, err := mb.Get(context.Background(), "m1")
	be.Err(t, err, nil)
	be.Equal(t, msg.InternalDate, int64(1772355600000))
	be.Equal(t, msg.Snippet, "Hello there")
	be.Equal(t, content.HeaderValue(msg.Payload.Headers, "subject"), "Hi")
	be.Equal(t, content.Render(msg.Payload, 100, content.ModeFull), `Hello <a href="https://example.com">there</a>`)
	be.Equal(t, content.ListAttachments(msg.Payload), []content.Attachment{{Name: "a.pdf", ID: "att", Size: 99, MimeType: "application/pdf"}})
}

func TestErrorMapping(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/messages/gone", func(w http.ResponseWriter, r *http.Request) {
		apiError(w, http.StatusNotFound, "Requested entity was not found.")
	})
	mux.HandleFunc("GET /gmail/v1/users/me/messages/denied", func(w http.ResponseWriter, r *http.Request) {
		apiError(w, http.StatusUnauthorized, "Invalid Credentials")
	})
	mb, _ := newTestMailbox(t, mux)

	_, err := mb.Get(context.Background(), "gone")
	be.Err(t, err, ErrNotFound)
	_, err = mb.Get(context.Background(), "denied")
	be.Err(t, err, ErrUnauthorized)
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /gmail/v1/users/me/messages/m1/trash", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		apiError(w, http.StatusServiceUnavailable, "backend error")
	})
	mb, svc := newTestMailbox(t, mux)

	for range 5 {
		be.Err(t, mb.Trash(context.Background(), "m1"), ErrUnavailable)
	}
	be.Equal(t, svc.State(), "open")
	be.Err(t, mb.Trash(context.Background(), "m1"), ErrUnavailable)
	be.Equal(t, hits.Load(), int32(5))
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /gmail/v1/users/me/messages/m1/modify", func(w http.ResponseWriter, r *http.Request) {
		apiError(w, http.StatusNotFound, "not found")
	})
	mb, svc := newTestMailbox(t, mux)

	for range 8 {
		be.Err(t, mb.Modify(context.Background(), "m1", nil, []string{"UNREAD"}), ErrNotFound)
	}
	be.Equal(t, svc.State(), "closed")
}

func TestHistoryCollectsAddedMessages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("startHistoryId") != "100" || q.Get("labelId") != "INBOX" {
			apiError(w, http.StatusBadRequest, "unexpected query")
			return
		}
		if q.Get("pageToken") == "" {
			writeJSON(w, http.StatusOK, map[string]any{
				"historyId":     "105",
				"nextPageToken": "more",
				"history": []map[string]any{
					{"id": "101", "messagesAdded": []map[string]any{{"message": map[string]any{"id": "a"}}}},
				},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"historyId": "107",
			"history": []map[string]any{
				{"id": "106", "messagesAdded": []map[string]any{
					{"message": map[string]any{"id": "a"}},
					{"message": map[string]any{"id": "b"}},
				}},
			},
		})
	})
	mb, _ := newTestMailbox(t, mux)

	h, err := mb.History(context.Background(), 100)
	be.Err(t, err, nil)
	be.Equal(t, h, History{AddedIDs: []string{"a", "b"}, HistoryID: 107})
}

func TestWatchAndProfile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /gmail/v1/users/me/watch", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["topicName"] != "projects/p/topics/gmail" {
			apiError(w, http.StatusBadRequest, "bad topic")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"historyId": "42", "expiration": "1773000000000"})
	})
	mux.HandleFunc("GET /gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"emailAddress": "Me@Example.com", "historyId": "43"})
	})
	mb, _ := newTestMailbox(t, mux)

	watch, err := mb.Watch(context.Background())
	be.Err(t, err, nil)
	be.Equal(t, watch.HistoryID, uint64(42))
	be.Equal(t, watch.Expiration.UnixMilli(), int64(1773000000000))

	profile, err := mb.Profile(context.Background())
	be.Err(t, err, nil)
	be.Equal(t, profile, Profile{Email: "me@example.com", HistoryID: 43})
}

func TestAttachmentDecodes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/messages/m1/attachments/att", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": base64.URLEncoding.EncodeToString([]byte("%PDF-1.7\xff")), "size": 9})
	})
	mb, _ := newTestMailbox(t, mux)

	data, err := mb.Attachment(context.Background(), "m1", "att")
	be.Err(t, err, nil)
	be.Equal(t, string(data), "%PDF-1.7\xff")
}
