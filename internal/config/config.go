// Package config provides application configuration.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/gigachat-relay/internal/domain"
)

// ErrInvalidAuthorizationKey is returned when the GigaChat authorization key
// does not decode to "client_id:client_secret".
var ErrInvalidAuthorizationKey = errors.New("invalid GigaChat authorization key")

// Defaults matching the public GigaChat endpoints.
const (
	DefaultOAuthURL     = "https://ngw.devices.sberbank.ru:9443/api/v2/oauth"
	DefaultAPIURL       = "https://gigachat.devices.sberbank.ru/api/v1"
	DefaultScope        = "GIGACHAT_API_PERS"
	DefaultSystemPrompt = "Ты — умный и дружелюбный ассистент. Отвечай подробно, но по существу. " +
		"Поддерживай контекст диалога и учитывай предыдущие сообщения при ответе. " +
		"Если не уверен в ответе, так и скажи."
)

// Config holds all application configuration.
type Config struct {
	Telegram     TelegramConfig
	GigaChat     GigaChatConfig
	Token        TokenConfig
	Conversation ConversationConfig
	Files        FilesConfig
	Journal      JournalConfig
	LockFile     string
	AdminAddr    string // empty disables the admin HTTP server
	AdminToken   string // empty leaves /api unauthenticated
	LogLevel     slog.Level
	SecretsFile  string
}

// TelegramConfig controls the Telegram adapter.
type TelegramConfig struct {
	BotToken       string
	AllowedChatIDs []int64
	RateLimit      float64 // events per second per chat
	RateBurst      int
	PollTimeout    int // long-polling timeout in seconds
}

// GigaChatConfig controls the GigaChat API client.
type GigaChatConfig struct {
	AuthorizationKey   string
	Credentials        domain.Credentials
	OAuthURL           string
	APIURL             string
	Scope              string
	ChatModel          string
	FileModel          string
	Temperature        float64
	MaxTokens          int
	RequestTimeout     time.Duration
	InsecureSkipVerify bool
}

// TokenConfig controls the bearer token lifecycle.
type TokenConfig struct {
	Lifetime        time.Duration
	GracePeriod     time.Duration
	RefreshInterval time.Duration
}

// ConversationConfig controls per-chat history retention.
type ConversationConfig struct {
	MaxHistoryLength int
	SystemPrompt     string
}

// FilesConfig holds the upload ceilings per content class.
type FilesConfig struct {
	MaxImageBytes    int64
	MaxDocumentBytes int64
}

// JournalConfig controls the SQLite exchange journal.
type JournalConfig struct {
	DBPath    string
	Retention time.Duration
}

// Load reads configuration from the optional secrets file and environment
// variables. Environment variables win over the secrets file.
func Load() (*Config, error) {
	secretsPath := getEnv("SECRETS_FILE", "secrets.yaml")
	secrets, err := loadSecrets(secretsPath)
	if err != nil {
		return nil, fmt.Errorf("load secrets: %w", err)
	}

	allowed := secrets.AllowedChatIDs
	if raw, ok := os.LookupEnv("TELEGRAM_ALLOWED_CHAT_IDS"); ok {
		allowed, err = parseChatIDs(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid configuration: TELEGRAM_ALLOWED_CHAT_IDS: %w", err)
		}
	}

	cfg := &Config{
		Telegram: TelegramConfig{
			BotToken:       getEnv("TELEGRAM_BOT_TOKEN", secrets.TelegramBotToken),
			AllowedChatIDs: allowed,
			RateLimit:      getEnvFloat("TELEGRAM_RATE_LIMIT", 1.0),
			RateBurst:      getEnvInt("TELEGRAM_RATE_BURST", 5),
			PollTimeout:    getEnvInt("TELEGRAM_POLL_TIMEOUT", 60),
		},
		GigaChat: GigaChatConfig{
			AuthorizationKey:   getEnv("GIGACHAT_AUTHORIZATION_KEY", secrets.AuthorizationKey),
			OAuthURL:           getEnv("GIGACHAT_OAUTH_URL", DefaultOAuthURL),
			APIURL:             strings.TrimRight(getEnv("GIGACHAT_API_URL", DefaultAPIURL), "/"),
			Scope:              getEnv("GIGACHAT_SCOPE", DefaultScope),
			ChatModel:          getEnv("GIGACHAT_CHAT_MODEL", "GigaChat"),
			FileModel:          getEnv("GIGACHAT_FILE_MODEL", "GigaChat-Pro"),
			Temperature:        getEnvFloat("GIGACHAT_TEMPERATURE", 0.7),
			MaxTokens:          getEnvInt("GIGACHAT_MAX_TOKENS", 1500),
			RequestTimeout:     getEnvDuration("GIGACHAT_REQUEST_TIMEOUT", 60*time.Second),
			InsecureSkipVerify: getEnvBool("GIGACHAT_INSECURE_SKIP_VERIFY", false),
		},
		Token: TokenConfig{
			Lifetime:        getEnvDuration("TOKEN_LIFETIME", 30*time.Minute),
			GracePeriod:     getEnvDuration("TOKEN_GRACE_PERIOD", 5*time.Minute),
			RefreshInterval: getEnvDuration("TOKEN_REFRESH_INTERVAL", 60*time.Second),
		},
		Conversation: ConversationConfig{
			MaxHistoryLength: getEnvInt("MAX_HISTORY_LENGTH", 10),
			SystemPrompt:     getEnv("SYSTEM_PROMPT", DefaultSystemPrompt),
		},
		Files: FilesConfig{
			MaxImageBytes:    int64(getEnvInt("MAX_IMAGE_BYTES", 15*1024*1024)),
			MaxDocumentBytes: int64(getEnvInt("MAX_DOCUMENT_BYTES", 30*1024*1024)),
		},
		Journal: JournalConfig{
			DBPath:    getEnv("JOURNAL_DB_PATH", "./data/journal.db"),
			Retention: getEnvDuration("JOURNAL_RETENTION", 7*24*time.Hour),
		},
		LockFile:    getEnv("LOCK_FILE", "bot.lock"),
		AdminAddr:   getEnv("ADMIN_ADDR", "127.0.0.1:8089"),
		AdminToken:  getEnv("ADMIN_TOKEN", ""),
		LogLevel:    parseLevel(getEnv("LOG_LEVEL", "info")),
		SecretsFile: secretsPath,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	creds, err := DecodeAuthorizationKey(cfg.GigaChat.AuthorizationKey)
	if err != nil {
		return nil, err
	}
	cfg.GigaChat.Credentials = creds

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN cannot be empty")
	}
	if c.GigaChat.AuthorizationKey == "" {
		return fmt.Errorf("GIGACHAT_AUTHORIZATION_KEY cannot be empty")
	}
	if c.GigaChat.OAuthURL == "" || c.GigaChat.APIURL == "" {
		return fmt.Errorf("GigaChat endpoints cannot be empty")
	}
	if c.GigaChat.RequestTimeout <= 0 {
		return fmt.Errorf("GIGACHAT_REQUEST_TIMEOUT must be > 0")
	}
	if c.Telegram.RateLimit <= 0 || c.Telegram.RateBurst <= 0 {
		return fmt.Errorf("TELEGRAM_RATE_LIMIT and TELEGRAM_RATE_BURST must be > 0")
	}
	if c.Token.Lifetime <= c.Token.GracePeriod {
		return fmt.Errorf("TOKEN_LIFETIME must exceed TOKEN_GRACE_PERIOD")
	}
	if c.Token.RefreshInterval <= 0 {
		return fmt.Errorf("TOKEN_REFRESH_INTERVAL must be > 0")
	}
	if c.Conversation.MaxHistoryLength <= 0 {
		return fmt.Errorf("MAX_HISTORY_LENGTH must be > 0")
	}
	if c.Files.MaxImageBytes <= 0 || c.Files.MaxDocumentBytes <= 0 {
		return fmt.Errorf("file size ceilings must be > 0")
	}
	if c.LockFile == "" {
		return fmt.Errorf("LOCK_FILE cannot be empty")
	}
	if c.Journal.DBPath == "" {
		return fmt.Errorf("JOURNAL_DB_PATH cannot be empty")
	}
	if len(c.Telegram.AllowedChatIDs) == 0 {
		slog.Warn("Allow-list is empty, every chat will be rejected")
	}
	return nil
}

// DecodeAuthorizationKey decodes a base64 "client_id:client_secret" key.
// Both parts must be non-empty.
func DecodeAuthorizationKey(key string) (domain.Credentials, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(key))
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("%w: not base64: %v", ErrInvalidAuthorizationKey, err)
	}
	id, secret, ok := strings.Cut(string(raw), ":")
	if !ok {
		return domain.Credentials{}, fmt.Errorf("%w: missing ':' separator", ErrInvalidAuthorizationKey)
	}
	if id == "" || secret == "" {
		return domain.Credentials{}, fmt.Errorf("%w: empty client id or secret", ErrInvalidAuthorizationKey)
	}
	return domain.Credentials{ClientID: id, ClientSecret: secret}, nil
}

func parseChatIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("chat id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
