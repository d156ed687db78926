// Package telegram connects the relay to the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/ashureev/gigachat-relay/internal/relay"
	"github.com/ashureev/gigachat-relay/internal/shared"
)

// BotAPI is the subset of *tgbotapi.BotAPI used by the adapter.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Relay runs the chat, image and file flows.
type Relay interface {
	Chat(ctx context.Context, conversationID int64, text string) (string, error)
	GenerateImage(ctx context.Context, conversationID int64, prompt string) (*relay.Image, error)
	AnalyzeFile(ctx context.Context, conversationID int64, f relay.File, progress relay.ProgressFunc) (*relay.Analysis, error)
	CheckFile(mimeType string, size int64) (relay.FileClass, error)
	Limit(class relay.FileClass) int64
	Reset(conversationID int64) bool
}

// Options configures an Adapter.
type Options struct {
	AllowedChatIDs []int64
	RateLimit      float64 // events per second per chat
	RateBurst      int
	PollTimeout    int           // long-polling timeout in seconds
	HandlerTimeout time.Duration // upper bound for handling one update
	HTTPClient     *http.Client  // used to download attachments
}

// Adapter drives the relay from Telegram updates. Each update is handled
// on its own goroutine; the relay serialises work per conversation.
type Adapter struct {
	bot     BotAPI
	relay   Relay
	opts    Options
	allowed map[int64]struct{}
	logger  *slog.Logger

	mu           sync.Mutex
	rateLimiters map[int64]*rate.Limiter

	inFlight sync.WaitGroup
}

// NewAdapter creates an adapter. logger may be nil.
func NewAdapter(bot BotAPI, r Relay, opts Options, logger *slog.Logger) *Adapter {
	if opts.RateLimit <= 0 {
		opts.RateLimit = 1
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 5
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 60
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 5 * time.Minute
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}

	allowed := make(map[int64]struct{}, len(opts.AllowedChatIDs))
	for _, id := range opts.AllowedChatIDs {
		allowed[id] = struct{}{}
	}

	return &Adapter{
		bot:          bot,
		relay:        r,
		opts:         opts,
		allowed:      allowed,
		logger:       logger,
		rateLimiters: make(map[int64]*rate.Limiter),
	}
}

// Run starts the long-polling loop. It blocks until ctx is cancelled, then
// waits for in-flight handlers before returning. Handlers are detached from
// ctx so that a shutdown does not cut off a reply half-way; they are bounded
// by the handler timeout instead.
func (a *Adapter) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = a.opts.PollTimeout

	updates := a.bot.GetUpdatesChan(u)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		a.bot.StopReceivingUpdates()
	}()

	a.logger.Info("Telegram polling started", "allowed_chats", len(a.allowed))

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				a.inFlight.Wait()
				return nil
			}
			a.dispatch(ctx, update)
		case <-stopped:
			a.logger.Info("Telegram polling stopped, waiting for in-flight updates")
			a.inFlight.Wait()
			return nil
		}
	}
}

func (a *Adapter) dispatch(ctx context.Context, update tgbotapi.Update) {
	a.inFlight.Add(1)
	go func() {
		defer a.inFlight.Done()
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.opts.HandlerTimeout)
		defer cancel()
		a.HandleUpdate(hctx, update)
	}()
}

// IsAllowed reports whether chatID is on the allow-list.
// An empty allow-list denies everyone.
func (a *Adapter) IsAllowed(chatID int64) bool {
	_, ok := a.allowed[chatID]
	return ok
}

// allowRequest checks the per-chat rate limiter.
func (a *Adapter) allowRequest(chatID int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	rl, ok := a.rateLimiters[chatID]
	if !ok {
		rl = rate.NewLimiter(rate.Limit(a.opts.RateLimit), a.opts.RateBurst)
		a.rateLimiters[chatID] = rl
	}
	return rl.Allow()
}

// HandleUpdate processes one update synchronously.
func (a *Adapter) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	ev := Classify(update.Message)
	if ev.Kind == EventIgnored {
		return
	}

	log := a.logger.With("chat_id", ev.ChatID, "event", ev.Kind.String())

	if !a.IsAllowed(ev.ChatID) {
		log.Warn("Rejected message from chat outside the allow-list")
		a.reply(ev, UserMessage(shared.E(shared.KindUnauthorized, "telegram", nil)))
		return
	}
	if !a.allowRequest(ev.ChatID) {
		log.Warn("Rate limited")
		a.reply(ev, msgRateLimited)
		return
	}

	log.Debug("Handling message")

	switch ev.Kind {
	case EventStart:
		a.reply(ev, msgWelcome)
	case EventClear:
		if a.relay.Reset(ev.ChatID) {
			a.reply(ev, msgHistoryCleared)
		} else {
			a.reply(ev, msgHistoryEmpty)
		}
	case EventImage:
		a.handleImage(ctx, ev)
	case EventFile:
		a.handleFile(ctx, ev)
	case EventText:
		a.handleText(ctx, ev)
	case EventUnknownCommand:
		a.reply(ev, msgUnknownCommand)
	}
}

func (a *Adapter) handleText(ctx context.Context, ev Event) {
	status := a.sendStatus(ev, msgProcessing)

	answer, err := a.relay.Chat(ctx, ev.ChatID, ev.Text)
	if err != nil {
		a.fail(ev, status, err)
		return
	}

	a.deleteMessage(ev.ChatID, status)
	for _, chunk := range SplitMessage(answer, MaxMessageLen) {
		msg := tgbotapi.NewMessage(ev.ChatID, chunk)
		msg.ReplyToMessageID = ev.MessageID
		a.send(msg)
	}
}

func (a *Adapter) handleImage(ctx context.Context, ev Event) {
	if ev.Text == "" {
		a.reply(ev, msgImageUsage)
		return
	}

	status := a.sendStatus(ev, msgGenerating)

	img, err := a.relay.GenerateImage(ctx, ev.ChatID, ev.Text)
	if err != nil {
		a.fail(ev, status, err)
		return
	}

	photo := tgbotapi.NewPhoto(ev.ChatID, tgbotapi.FileBytes{Name: img.FileID + ".jpg", Bytes: img.Data})
	photo.Caption = imageCaption(ev.Text)
	photo.ReplyToMessageID = ev.MessageID
	if !a.send(photo) {
		a.editStatus(ev, status, msgImageFailed)
		return
	}
	a.deleteMessage(ev.ChatID, status)
}

func (a *Adapter) handleFile(ctx context.Context, ev Event) {
	class, err := a.relay.CheckFile(ev.File.MIMEType, ev.File.Size)
	if err != nil {
		a.logger.Info("File rejected", "chat_id", ev.ChatID, "mime_type", ev.File.MIMEType, "size", ev.File.Size, "error", err)
		a.reply(ev, UserMessage(err))
		return
	}

	status := a.sendStatus(ev, msgFileStarted)

	data, err := a.download(ctx, ev.File, class)
	if err != nil {
		a.fail(ev, status, err)
		return
	}

	progress := func(stage relay.Stage) {
		switch stage {
		case relay.StageUploading:
			a.editStatus(ev, status, msgFileUploading)
		case relay.StageAnalyzing:
			a.editStatus(ev, status, msgFileAnalyzing)
		}
	}

	res, err := a.relay.AnalyzeFile(ctx, ev.ChatID, relay.File{
		Name:     ev.File.Name,
		MIMEType: ev.File.MIMEType,
		Data:     data,
	}, progress)
	if err != nil {
		a.fail(ev, status, err)
		return
	}

	chunks := SplitMessage(analysisResult(res.Class, res.Text), MaxMessageLen)
	if status != 0 && len(chunks) == 1 {
		a.editStatus(ev, status, chunks[0])
		return
	}
	a.deleteMessage(ev.ChatID, status)
	for _, chunk := range chunks {
		a.reply(ev, chunk)
	}
}

// download fetches an attachment, refusing bodies above the class ceiling.
func (a *Adapter) download(ctx context.Context, ref *FileRef, class relay.FileClass) ([]byte, error) {
	const op = "telegram download"

	url, err := a.bot.GetFileDirectURL(ref.FileID)
	if err != nil {
		return nil, shared.E(shared.KindTransport, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	resp, err := a.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, shared.E(shared.KindTransport, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, shared.Errorf(shared.KindTransport, op, "unexpected status %d", resp.StatusCode)
	}

	limit := a.relay.Limit(class)
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, shared.E(shared.KindTransport, op, err)
	}
	if int64(len(data)) > limit {
		return nil, shared.E(shared.KindSizeLimit, op, &relay.SizeLimitError{Class: class, Size: int64(len(data)), Limit: limit})
	}
	return data, nil
}

// fail reports err in place of the status message, or as a new reply when
// no status message exists.
func (a *Adapter) fail(ev Event, status int, err error) {
	text := UserMessage(err)
	a.logger.Error("Request failed", "chat_id", ev.ChatID, "event", ev.Kind.String(), "kind", shared.KindOf(err).String(), "error", err)
	a.editStatus(ev, status, text)
}

func (a *Adapter) reply(ev Event, text string) {
	msg := tgbotapi.NewMessage(ev.ChatID, text)
	msg.ReplyToMessageID = ev.MessageID
	a.send(msg)
}

// sendStatus posts a progress message and returns its ID, or 0 on failure.
func (a *Adapter) sendStatus(ev Event, text string) int {
	sent, err := a.bot.Send(tgbotapi.NewMessage(ev.ChatID, text))
	if err != nil {
		a.logger.Warn("Failed to send status message", "chat_id", ev.ChatID, "error", err)
		return 0
	}
	return sent.MessageID
}

// editStatus replaces the status message text, falling back to a new
// message when there is no status message to edit.
func (a *Adapter) editStatus(ev Event, status int, text string) {
	if status == 0 {
		a.reply(ev, text)
		return
	}
	if _, err := a.bot.Request(tgbotapi.NewEditMessageText(ev.ChatID, status, text)); err != nil {
		a.logger.Warn("Failed to edit status message", "chat_id", ev.ChatID, "error", err)
	}
}

func (a *Adapter) deleteMessage(chatID int64, messageID int) {
	if messageID == 0 {
		return
	}
	if _, err := a.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		a.logger.Warn("Failed to delete status message", "chat_id", chatID, "error", err)
	}
}

func (a *Adapter) send(c tgbotapi.Chattable) bool {
	if _, err := a.bot.Send(c); err != nil {
		a.logger.Error("Failed to send Telegram message", "error", err)
		return false
	}
	return true
}
