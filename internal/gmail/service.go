// Package gmail is the request layer over the Gmail REST API. All calls
// share one circuit breaker so a provider outage fails fast instead of
// stacking up webhook handlers.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

var (
	ErrUnauthorized = errors.New("gmail: unauthorized")
	ErrNotFound     = errors.New("gmail: not found")
	ErrUnavailable  = errors.New("gmail: temporarily unavailable")
)

type Service struct {
	topic   string
	opts    []option.ClientOption
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// New builds a Service. topic is the Pub/Sub topic used by Watch; opts are
// appended to every client, which lets tests point at a local endpoint.
func New(topic string, logger *slog.Logger, opts ...option.ClientOption) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	settings := gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures >= 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) {
				return apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests
			}
			return errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}
	return &Service{
		topic:   topic,
		opts:    opts,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

// State reports the breaker state for readiness checks.
func (s *Service) State() string {
	return s.breaker.State().String()
}

// Open binds a mailbox to an access token. The token is used as is; the
// credential lifecycle refreshes it before it gets here.
func (s *Service) Open(ctx context.Context, token *oauth2.Token) (*Mailbox, error) {
	opts := append([]option.ClientOption{option.WithTokenSource(oauth2.StaticTokenSource(token))}, s.opts...)
	svc, err := gmailv1.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail client: %w", err)
	}
	return &Mailbox{svc: svc, parent: s}, nil
}

func (s *Service) execute(op string, fn func() error) error {
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, fn()
	})
	if err == nil {
		return nil
	}
	return wrapError(op, err)
}

func wrapError(op string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", op, ErrUnavailable)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%s: %w: %w", op, ErrUnauthorized, err)
		case apiErr.Code == http.StatusNotFound:
			return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
		case apiErr.Code == http.StatusForbidden && strings.Contains(strings.ToLower(apiErr.Message), "rate limit"):
			return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
			return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
