package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/oauth2"

	"github.io/infrasutra/mailgram/internal/api"
	"github.io/infrasutra/mailgram/internal/auth"
	"github.io/infrasutra/mailgram/internal/bot"
	"github.io/infrasutra/mailgram/internal/clock"
	"github.io/infrasutra/mailgram/internal/config"
	"github.io/infrasutra/mailgram/internal/correlation"
	"github.io/infrasutra/mailgram/internal/credential"
	"github.io/infrasutra/mailgram/internal/gmail"
	"github.io/infrasutra/mailgram/internal/kv"
	"github.io/infrasutra/mailgram/internal/telegram"
)

// sweepTimeout bounds one renewal and expiry sweep.
const sweepTimeout = 5 * time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, envFile string
	flagSet := pflag.NewFlagSet("mailgram", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "YAML config file; environment variables override it")
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	_ = godotenv.Load(envFile)
	cfg := config.Load()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadFile(configPath); err != nil {
			return err
		}
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx := context.Background()
	clk := clock.Real()
	dsn := cfg.DBPath
	if cfg.StoreBackend == kv.BackendRedis {
		dsn = cfg.RedisURL
	}
	store, err := kv.Open(ctx, cfg.StoreBackend, dsn, clk)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	sealer, err := credential.NewSealer(cfg.CredentialKey)
	if err != nil {
		return err
	}
	if sealer.Ephemeral() {
		logger.Warn("CREDENTIAL_KEY not set; stored credentials are unreadable after restart")
	}
	states, err := auth.New(cfg.AuthSecret, correlation.NonceTTL)
	if err != nil {
		return err
	}
	if cfg.AuthSecret == "" {
		logger.Warn("AUTH_SECRET not set; pending logins reset on restart")
	}

	chat := telegram.NewClient(cfg.TelegramAPIURL, cfg.TelegramToken)
	records := correlation.New(store, logger)
	oauthCfg := credential.NewOAuthConfig(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.OAuthRedirectURL())
	creds := credential.New(store, records, oauthCfg, sealer, chat, clk, logger)

	topic := ""
	if cfg.PushEnabled() {
		topic = cfg.PubSubTopic
	}
	mail := gmail.New(topic, logger)
	provider := bot.MailboxFunc(func(ctx context.Context, token *oauth2.Token) (bot.Mailbox, error) {
		return mail.Open(ctx, token)
	})

	orchestrator := bot.New(chat, provider, creds, records, states, clk, logger, bot.Options{
		PublicURL:        cfg.PublicURL,
		PageSize:         int64(cfg.PageSize),
		BodyMaxLength:    cfg.BodyMaxLength,
		PreviewMaxLength: cfg.PreviewMaxLength,
		Location:         cfg.Location(),
		PushEnabled:      cfg.PushEnabled(),
	})

	apiServer, err := api.NewServer(cfg, orchestrator, mail, logger)
	if err != nil {
		return fmt.Errorf("init http: %w", err)
	}

	if cfg.PublicURL != "" && cfg.RegisterWebhook {
		webhookURL := cfg.PublicURL + "/telegram/webhook"
		if err := chat.SetWebhook(ctx, webhookURL, cfg.TelegramWebhookSecret); err != nil {
			logger.Error("register webhook", "url", webhookURL, "error", err)
		} else {
			logger.Info("webhook registered", "url", webhookURL)
		}
	} else if cfg.PublicURL == "" {
		logger.Warn("PUBLIC_URL not set; webhook, preview links and push are disabled")
	}

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           apiServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepCtx, stopSweeps := context.WithCancel(ctx)
	defer stopSweeps()
	go sweep(sweepCtx, cfg.RenewInterval, orchestrator, store, logger)

	go func() {
		logger.Info("http server listening", "addr", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown
	stopSweeps()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown http", "error", err)
	}
	return nil
}

// sweeper is implemented by stores that need expired keys removed eagerly.
type sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// sweep renews expiring watches and purges expired keys on every tick.
func sweep(ctx context.Context, interval time.Duration, b *bot.Bot, store kv.Store, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		runCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
		b.RenewWatches(runCtx)
		if s, ok := store.(sweeper); ok {
			removed, err := s.Sweep(runCtx)
			if err != nil {
				logger.Warn("sweep expired keys", "error", err)
			} else if removed > 0 {
				logger.Debug("swept expired keys", "removed", removed)
			}
		}
		cancel()
	}
}
