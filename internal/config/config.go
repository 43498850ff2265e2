package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTPPort  int
	PublicURL string

	TelegramToken         string
	TelegramAPIURL        string
	TelegramWebhookSecret string
	RegisterWebhook       bool

	GoogleClientID     string
	GoogleClientSecret string
	PubSubTopic        string
	PushToken          string
	CronSecret         string

	StoreBackend  string
	DBPath        string
	RedisURL      string
	CredentialKey string
	AuthSecret    string

	RenewInterval    time.Duration
	BodyMaxLength    int
	PreviewMaxLength int
	PageSize         int
	Timezone         string
	LogLevel         string
}

// Load reads the configuration from the environment.
func Load() Config {
	return load(os.LookupEnv)
}

// LoadFile reads a YAML file whose keys are the lower-cased variable
// names (http_port, public_url, ...). Environment variables win over the
// file.
func LoadFile(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return load(func(key string) (string, bool) {
		if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
			return value, true
		}
		name := strings.ToLower(key)
		if !v.IsSet(name) {
			return "", false
		}
		return v.GetString(name), true
	}), nil
}

func load(lookup lookupFunc) Config {
	return Config{
		HTTPPort:  lookup.getInt("HTTP_PORT", 8080),
		PublicURL: strings.TrimRight(lookup.getString("PUBLIC_URL", ""), "/"),

		TelegramToken:         lookup.getString("TELEGRAM_BOT_TOKEN", ""),
		TelegramAPIURL:        lookup.getString("TELEGRAM_API_URL", "https://api.telegram.org"),
		TelegramWebhookSecret: lookup.getString("TELEGRAM_WEBHOOK_SECRET", ""),
		RegisterWebhook:       lookup.getBool("TELEGRAM_REGISTER_WEBHOOK", true),

		GoogleClientID:     lookup.getString("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: lookup.getString("GOOGLE_CLIENT_SECRET", ""),
		PubSubTopic:        lookup.getString("GMAIL_PUBSUB_TOPIC", ""),
		PushToken:          lookup.getString("PUSH_TOKEN", ""),
		CronSecret:         lookup.getString("CRON_SECRET", ""),

		StoreBackend:  strings.ToLower(lookup.getString("STORE_BACKEND", "sqlite")),
		DBPath:        lookup.getString("DB_PATH", "mailgram.db"),
		RedisURL:      lookup.getString("REDIS_URL", "redis://localhost:6379/0"),
		CredentialKey: lookup.getString("CREDENTIAL_KEY", ""),
		AuthSecret:    lookup.getString("AUTH_SECRET", ""),

		RenewInterval:    lookup.getDuration("RENEW_INTERVAL", time.Hour),
		BodyMaxLength:    lookup.getInt("BODY_MAX_LENGTH", 3500),
		PreviewMaxLength: lookup.getInt("PREVIEW_MAX_LENGTH", 300),
		PageSize:         lookup.getInt("PAGE_SIZE", 10),
		Timezone:         lookup.getString("TIMEZONE", "UTC"),
		LogLevel:         lookup.getString("LOG_LEVEL", "info"),
	}
}

// Validate reports every missing required setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.TelegramToken == "" {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN is required"))
	}
	if c.GoogleClientID == "" || c.GoogleClientSecret == "" {
		errs = append(errs, errors.New("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET are required"))
	}
	if c.StoreBackend != "sqlite" && c.StoreBackend != "redis" {
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be sqlite or redis, got %q", c.StoreBackend))
	}
	if c.PubSubTopic != "" && c.PushToken == "" {
		errs = append(errs, errors.New("PUSH_TOKEN is required when GMAIL_PUBSUB_TOPIC is set"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("TIMEZONE: %w", err))
	}
	return errors.Join(errs...)
}

// PushEnabled reports whether mailbox push notifications can be delivered.
func (c Config) PushEnabled() bool {
	return c.PubSubTopic != "" && c.PublicURL != ""
}

func (c Config) OAuthRedirectURL() string {
	return c.PublicURL + "/oauth/callback"
}

func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

type lookupFunc func(key string) (string, bool)

func (l lookupFunc) getString(key, fallback string) string {
	if value, ok := l(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func (l lookupFunc) getInt(key string, fallback int) int {
	if value, ok := l(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func (l lookupFunc) getBool(key string, fallback bool) bool {
	if value, ok := l(key); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func (l lookupFunc) getDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := l(key); ok {
		parsed, err := time.ParseDuration(strings.TrimSpace(value))
		if err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
