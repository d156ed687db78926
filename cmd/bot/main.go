// GigaChat Relay - Telegram bot backed by the GigaChat API
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"

	"github.com/ashureev/gigachat-relay/internal/api"
	"github.com/ashureev/gigachat-relay/internal/auth"
	"github.com/ashureev/gigachat-relay/internal/config"
	"github.com/ashureev/gigachat-relay/internal/conversation"
	"github.com/ashureev/gigachat-relay/internal/gigachat"
	"github.com/ashureev/gigachat-relay/internal/lockfile"
	"github.com/ashureev/gigachat-relay/internal/middleware"
	"github.com/ashureev/gigachat-relay/internal/relay"
	"github.com/ashureev/gigachat-relay/internal/store"
	"github.com/ashureev/gigachat-relay/internal/telegram"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	lock, err := lockfile.Acquire(cfg.LockFile)
	if err != nil {
		slog.Error("Failed to acquire lock file", "path", cfg.LockFile, "error", err)
		return 1
	}
	defer func() {
		if releaseErr := lock.Release(); releaseErr != nil {
			slog.Error("Failed to release lock file", "error", releaseErr)
		}
	}()

	slog.Info("Starting relay",
		"chat_model", cfg.GigaChat.ChatModel,
		"file_model", cfg.GigaChat.FileModel,
		"max_history", cfg.Conversation.MaxHistoryLength,
		"allowed_chats", len(cfg.Telegram.AllowedChatIDs))

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.Journal.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		return 1
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		return 1
	}
	slog.Info("Database connected", "path", cfg.Journal.DBPath)

	httpClient := gigachat.NewHTTPClient(cfg.GigaChat.RequestTimeout, cfg.GigaChat.InsecureSkipVerify)

	tokens := auth.NewManager(auth.Options{
		Credentials:     cfg.GigaChat.Credentials,
		TokenURL:        cfg.GigaChat.OAuthURL,
		Scope:           cfg.GigaChat.Scope,
		Lifetime:        cfg.Token.Lifetime,
		GracePeriod:     cfg.Token.GracePeriod,
		RefreshInterval: cfg.Token.RefreshInterval,
		HTTPClient:      httpClient,
		Logger:          logger,
	})

	// Initialize services.
	conversations := conversation.NewStore(cfg.Conversation.SystemPrompt, cfg.Conversation.MaxHistoryLength)
	client := gigachat.NewClient(cfg.GigaChat.APIURL, httpClient, logger)
	dispatcher := relay.NewDispatcher(tokens, client, conversations, relay.Config{
		ChatModel:        cfg.GigaChat.ChatModel,
		FileModel:        cfg.GigaChat.FileModel,
		Temperature:      cfg.GigaChat.Temperature,
		MaxTokens:        cfg.GigaChat.MaxTokens,
		MaxImageBytes:    cfg.Files.MaxImageBytes,
		MaxDocumentBytes: cfg.Files.MaxDocumentBytes,
	}, repo, logger)

	// Long polling holds the request open for PollTimeout seconds.
	botClient := &http.Client{Timeout: time.Duration(cfg.Telegram.PollTimeout+10) * time.Second}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Telegram.BotToken, tgbotapi.APIEndpoint, botClient)
	if err != nil {
		slog.Error("Failed to connect to Telegram", "error", err)
		return 1
	}
	slog.Info("Authorized on Telegram", "username", bot.Self.UserName)

	adapter := telegram.NewAdapter(bot, dispatcher, telegram.Options{
		AllowedChatIDs: cfg.Telegram.AllowedChatIDs,
		RateLimit:      cfg.Telegram.RateLimit,
		RateBurst:      cfg.Telegram.RateBurst,
		PollTimeout:    cfg.Telegram.PollTimeout,
		HandlerTimeout: 3 * cfg.GigaChat.RequestTimeout,
		HTTPClient:     &http.Client{Timeout: cfg.GigaChat.RequestTimeout},
	}, logger)

	// Start background workers.
	refresherDone := tokens.StartRefresher(ctx)
	store.StartRetentionWorker(ctx, repo, cfg.Journal.Retention)

	var srv *http.Server
	if cfg.AdminAddr != "" {
		srv = newAdminServer(cfg.AdminAddr, cfg.AdminToken, repo, tokens, conversations, dispatcher)
		go func() {
			slog.Info("Admin server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Admin server failed", "error", err)
				stop()
			}
		}()
	}

	runErr := adapter.Run(ctx)
	stop()

	slog.Info("Shutting down gracefully...")

	exitCode := 0
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("Telegram adapter stopped", "error", runErr)
		exitCode = 1
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Admin server forced to shutdown", "error", err)
			exitCode = 1
		}
	}

	<-refresherDone
	slog.Info("Relay stopped")
	return exitCode
}

func newAdminServer(addr, adminToken string, repo store.Repository, tokens api.TokenStatus, conversations api.Conversations, resetter api.Resetter) *http.Server {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))

	api.NewHealthHandler(repo, tokens).RegisterHealth(r)
	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerToken(adminToken))
		api.NewHandler(repo, tokens, conversations, resetter).RegisterRoutes(r)
	})

	return &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}
