package api

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.io/infrasutra/mailgram/internal/auth"
	"github.io/infrasutra/mailgram/internal/bot"
	"github.io/infrasutra/mailgram/internal/config"
	"github.io/infrasutra/mailgram/internal/correlation"
	"github.io/infrasutra/mailgram/internal/telegram"
	webassets "github.io/infrasutra/mailgram/web"
)

const (
	handlerTimeout = 60 * time.Second
	maxBodyBytes   = 1 << 20

	secretHeader     = "X-Telegram-Bot-Api-Secret-Token"
	cronSecretHeader = "X-Cron-Secret"
)

// Bot is the orchestrator behind the HTTP surface.
type Bot interface {
	HandleUpdate(ctx context.Context, update telegram.Update)
	HandleOAuthCallback(ctx context.Context, state, code string) (string, error)
	HandlePush(ctx context.Context, n bot.Notification) error
	RenewWatches(ctx context.Context) (renewed, failed int)
	Preview(ctx context.Context, token string) (*bot.PreviewPage, error)
}

// Breaker reports the mailbox circuit breaker state.
type Breaker interface {
	State() string
}

type Server struct {
	cfg     config.Config
	bot     Bot
	breaker Breaker
	logger  *slog.Logger
	mux     *http.ServeMux
	pages   map[string]*template.Template
}

func NewServer(cfg config.Config, b Bot, breaker Breaker, logger *slog.Logger) (*Server, error) {
	pages, err := webassets.Pages()
	if err != nil {
		return nil, err
	}
	server := &Server{
		cfg:     cfg,
		bot:     b,
		breaker: breaker,
		logger:  logger,
		pages:   pages,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /telegram/webhook", server.handleWebhook)
	mux.HandleFunc("GET /oauth/callback", server.handleOAuthCallback)
	mux.HandleFunc("GET /preview/{token}", server.handlePreview)
	mux.HandleFunc("POST /gmail/push", server.handlePush)
	mux.HandleFunc("POST /cron/renew", server.handleRenew)
	mux.HandleFunc("GET /health", server.handleHealth)
	mux.HandleFunc("GET /ready", server.handleReady)
	server.mux = mux
	return server, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !secretMatches(s.cfg.TelegramWebhookSecret, r.Header.Get(secretHeader)) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	var update telegram.Update
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&update); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()
	s.bot.HandleUpdate(ctx, update)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if reason := query.Get("error"); reason != "" {
		s.logger.Info("authorization declined", "reason", reason)
		s.renderError(w, http.StatusBadRequest, "Authorization cancelled", "No account was connected. Send /login in the chat to try again.")
		return
	}
	state, code := query.Get("state"), query.Get("code")
	if state == "" || code == "" {
		s.renderError(w, http.StatusBadRequest, "Invalid request", "The authorization response is missing its state or code.")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()
	account, err := s.bot.HandleOAuthCallback(ctx, state, code)
	switch {
	case err == nil:
		s.render(w, http.StatusOK, "linked", map[string]string{"Account": account})
	case errors.Is(err, auth.ErrInvalidState), errors.Is(err, auth.ErrStateExpired), errors.Is(err, correlation.ErrNonceMismatch):
		s.logger.Info("rejected authorization callback", "error", err)
		s.renderError(w, http.StatusBadRequest, "Link expired", "This login link is no longer valid. Send /login in the chat for a new one.")
	default:
		s.logger.Error("complete authorization", "error", err)
		s.renderError(w, http.StatusBadGateway, "Could not connect", "Gmail did not accept the authorization. Send /login in the chat to try again.")
	}
}

type previewView struct {
	*bot.PreviewPage
	Body template.HTML
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()
	page, err := s.bot.Preview(ctx, r.PathValue("token"))
	if errors.Is(err, correlation.ErrExpired) {
		s.render(w, http.StatusGone, "expired", nil)
		return
	}
	if err != nil {
		s.logger.Error("render preview", "error", err)
		s.renderError(w, http.StatusBadGateway, "Could not load message", "Gmail did not respond. Try again in a moment.")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Referrer-Policy", "no-referrer")
	// Body is already escaped chat markup: text plus <a> elements with
	// vetted http, https, mailto and tel targets.
	s.render(w, http.StatusOK, "preview", previewView{PreviewPage: page, Body: template.HTML(page.Body)})
}

// pushEnvelope is the body of a Pub/Sub push request.
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if s.cfg.PushToken == "" || !secretMatches(s.cfg.PushToken, r.URL.Query().Get("token")) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	var envelope pushEnvelope
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&envelope); err != nil {
		s.logger.Warn("discarding malformed push", "error", err)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	data, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		s.logger.Warn("discarding push with undecodable data", "error", err)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	var n bot.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		s.logger.Warn("discarding push with malformed data", "error", err)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	n.DeliveryID = envelope.Message.MessageID

	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()
	if err := s.bot.HandlePush(ctx, n); err != nil {
		s.logger.Error("handle push", "account", n.EmailAddress, "error", err)
		http.Error(w, "push failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	if s.cfg.CronSecret == "" || !secretMatches(s.cfg.CronSecret, r.Header.Get(cronSecretHeader)) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()
	renewed, failed := s.bot.RenewWatches(ctx)
	s.respondJSON(w, http.StatusOK, map[string]int{"renewed": renewed, "failed": failed})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondText(w, http.StatusOK, "ok")
}

// handleReady fails while the mailbox breaker is open.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.breaker != nil && s.breaker.State() == "open" {
		s.respondText(w, http.StatusServiceUnavailable, "gmail unavailable")
		return
	}
	s.respondText(w, http.StatusOK, "ready")
}

// secretMatches accepts anything when no secret is configured.
func secretMatches(want, got string) bool {
	if want == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(strings.TrimSpace(got))) == 1
}

func (s *Server) render(w http.ResponseWriter, status int, page string, data any) {
	tmpl, ok := s.pages[page]
	if !ok {
		s.logger.Error("missing page template", "page", page)
		http.Error(w, http.StatusText(status), status)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tmpl.Execute(w, data); err != nil {
		s.logger.Error("render page", "page", page, "error", err)
	}
}

func (s *Server) renderError(w http.ResponseWriter, status int, title, message string) {
	s.render(w, status, "error", map[string]string{"Title": title, "Message": message})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondText(w http.ResponseWriter, status int, payload string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}
