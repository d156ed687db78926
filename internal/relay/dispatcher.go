// Package relay turns chat events into GigaChat API calls.
package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/gigachat-relay/internal/conversation"
	"github.com/ashureev/gigachat-relay/internal/domain"
	"github.com/ashureev/gigachat-relay/internal/gigachat"
	"github.com/ashureev/gigachat-relay/internal/shared"
)

// TokenSource provides bearer tokens.
type TokenSource interface {
	// EnsureValid returns a usable token, acquiring one if needed.
	EnsureValid(ctx context.Context) (domain.Token, error)
	// Acquire unconditionally fetches a new token.
	Acquire(ctx context.Context) (domain.Token, error)
}

// API is the subset of the GigaChat client used by the dispatcher.
type API interface {
	Complete(ctx context.Context, token string, req *gigachat.CompletionRequest) (*gigachat.CompletionResponse, error)
	UploadFile(ctx context.Context, token string, up gigachat.Upload) (string, error)
	FileContent(ctx context.Context, token, fileID string) ([]byte, error)
}

// Recorder persists exchange metadata. Errors are logged and never fail
// the exchange.
type Recorder interface {
	Record(ctx context.Context, ex *domain.Exchange) error
}

type noopRecorder struct{}

func (noopRecorder) Record(context.Context, *domain.Exchange) error { return nil }

// Config holds request parameters and file ceilings.
type Config struct {
	ChatModel        string
	FileModel        string
	Temperature      float64
	MaxTokens        int
	MaxImageBytes    int64
	MaxDocumentBytes int64
}

// Image is a generated picture.
type Image struct {
	FileID string
	Data   []byte
}

// File is an inbound attachment to analyse.
type File struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Analysis is the model's description of a file.
type Analysis struct {
	Class FileClass
	Text  string
}

// Stage is reported while a file is analysed.
type Stage int

// Analysis stages.
const (
	StageUploading Stage = iota + 1
	StageAnalyzing
)

// ProgressFunc receives analysis stages. It may be nil.
type ProgressFunc func(Stage)

// Dispatcher runs chat, image and file flows against the API. Every flow
// sends once with a valid token; on a rejected token it acquires a new one
// and sends exactly once more.
type Dispatcher struct {
	tokens        TokenSource
	api           API
	conversations *conversation.Store
	recorder      Recorder
	cfg           Config
	logger        *slog.Logger
	now           func() time.Time
}

// NewDispatcher creates a dispatcher. recorder and logger may be nil.
func NewDispatcher(tokens TokenSource, api API, conversations *conversation.Store, cfg Config, recorder Recorder, logger *slog.Logger) *Dispatcher {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = "GigaChat"
	}
	if cfg.FileModel == "" {
		cfg.FileModel = cfg.ChatModel
	}
	return &Dispatcher{
		tokens:        tokens,
		api:           api,
		conversations: conversations,
		recorder:      recorder,
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
	}
}

// Conversations returns the store the dispatcher owns.
func (d *Dispatcher) Conversations() *conversation.Store {
	return d.conversations
}

// Reset clears a conversation back to its system entry. It waits for an
// exchange in progress on the same conversation and returns false when
// there was nothing to clear.
func (d *Dispatcher) Reset(conversationID int64) bool {
	if _, ok := d.conversations.Info(conversationID); !ok {
		return false
	}
	unlock := d.conversations.Lock(conversationID)
	defer unlock()
	return d.conversations.Reset(conversationID)
}

// Chat appends text as a user turn, sends the whole history and records
// the reply. Exchanges on one conversation are serialised. On failure the
// user turn stays in the history and no assistant turn is added.
func (d *Dispatcher) Chat(ctx context.Context, conversationID int64, text string) (string, error) {
	start := d.now()

	unlock := d.conversations.Lock(conversationID)
	defer unlock()

	d.conversations.AppendUser(conversationID, text)

	var (
		reply string
		resp  *gigachat.CompletionResponse
	)
	retried, err := d.send(ctx, string(domain.OperationChat), func(ctx context.Context, token string) error {
		var err error
		resp, err = d.api.Complete(ctx, token, d.chatRequest(conversationID))
		if err != nil {
			return err
		}
		reply, err = content(resp, "chat")
		return err
	})
	d.record(ctx, conversationID, domain.OperationChat, start, retried, err)
	if err != nil {
		return "", err
	}

	d.conversations.AppendAssistant(conversationID, reply)
	if resp.ContextID != "" {
		d.conversations.SetContinuation(conversationID, resp.ContextID)
	}
	return reply, nil
}

// chatRequest builds a completion request from the current state.
func (d *Dispatcher) chatRequest(conversationID int64) *gigachat.CompletionRequest {
	history := d.conversations.History(conversationID)
	messages := make([]gigachat.Message, len(history))
	for i, e := range history {
		messages[i] = gigachat.Message{Role: string(e.Role), Content: e.Content}
	}
	req := &gigachat.CompletionRequest{
		Model:          d.cfg.ChatModel,
		Messages:       messages,
		Temperature:    d.cfg.Temperature,
		MaxTokens:      d.cfg.MaxTokens,
		UpdateInterval: 0,
	}
	if handle, ok := d.conversations.Continuation(conversationID); ok {
		req.ContextID = handle
	}
	return req
}

// content returns the reply text, treating an empty reply as a protocol
// failure.
func content(resp *gigachat.CompletionResponse, op string) (string, error) {
	text, ok := resp.Content()
	if !ok {
		return "", shared.Errorf(shared.KindProtocol, op, "response has no message content")
	}
	return text, nil
}

// ImagePrompt is the instruction sent for a picture request.
func ImagePrompt(prompt string) string {
	return "Нарисуй " + prompt
}

// GenerateImage asks the model to draw prompt and downloads the result.
// The conversation history is not touched.
func (d *Dispatcher) GenerateImage(ctx context.Context, conversationID int64, prompt string) (*Image, error) {
	const op = "generate image"
	start := d.now()

	var img *Image
	retried, err := d.send(ctx, op, func(ctx context.Context, token string) error {
		resp, err := d.api.Complete(ctx, token, &gigachat.CompletionRequest{
			Model:        d.cfg.ChatModel,
			Messages:     []gigachat.Message{{Role: string(domain.RoleUser), Content: ImagePrompt(prompt)}},
			Temperature:  d.cfg.Temperature,
			MaxTokens:    d.cfg.MaxTokens,
			FunctionCall: "auto",
		})
		if err != nil {
			return err
		}
		text, err := content(resp, op)
		if err != nil {
			return err
		}
		fileID, ok := gigachat.ExtractImageID(text)
		if !ok {
			return shared.E(shared.KindProtocol, op, gigachat.ErrImageNotFound)
		}
		data, err := d.api.FileContent(ctx, token, fileID)
		if err != nil {
			return err
		}
		img = &Image{FileID: fileID, Data: data}
		return nil
	})
	d.record(ctx, conversationID, domain.OperationImage, start, retried, err)
	if err != nil {
		return nil, err
	}
	return img, nil
}

// AnalyzeFile uploads f and asks the model to describe it. Type and size
// are checked before anything is sent. The conversation history is not
// touched.
func (d *Dispatcher) AnalyzeFile(ctx context.Context, conversationID int64, f File, progress ProgressFunc) (*Analysis, error) {
	const op = "analyze file"
	start := d.now()

	class, err := d.CheckFile(f.MIMEType, int64(len(f.Data)))
	if err != nil {
		d.record(ctx, conversationID, domain.OperationAnalyze, start, false, err)
		return nil, err
	}
	if progress == nil {
		progress = func(Stage) {}
	}

	prompt := documentPrompt
	if class == ClassImage {
		prompt = imagePrompt
	}

	var text string
	retried, err := d.send(ctx, op, func(ctx context.Context, token string) error {
		progress(StageUploading)
		fileID, err := d.api.UploadFile(ctx, token, gigachat.Upload{
			Name:     f.Name,
			MIMEType: f.MIMEType,
			Data:     f.Data,
			Purpose:  "general",
		})
		if err != nil {
			return err
		}

		progress(StageAnalyzing)
		resp, err := d.api.Complete(ctx, token, &gigachat.CompletionRequest{
			Model: d.cfg.FileModel,
			Messages: []gigachat.Message{{
				Role:        string(domain.RoleUser),
				Content:     prompt,
				Attachments: []string{fileID},
			}},
			Temperature: d.cfg.Temperature,
		})
		if err != nil {
			return err
		}
		text, err = content(resp, op)
		return err
	})
	d.record(ctx, conversationID, domain.OperationAnalyze, start, retried, err)
	if err != nil {
		return nil, err
	}
	return &Analysis{Class: class, Text: text}, nil
}

// send runs call with a valid token. If the API rejects the token, a new
// one is acquired and call runs exactly once more. It reports whether the
// retry path was taken.
func (d *Dispatcher) send(ctx context.Context, op string, call func(ctx context.Context, token string) error) (bool, error) {
	tok, err := d.tokens.EnsureValid(ctx)
	if err != nil {
		return false, err
	}

	err = call(ctx, tok.Value)
	if !shared.IsKind(err, shared.KindAuthExpired) {
		return false, err
	}

	d.logger.Warn("Token rejected, refreshing and retrying once", "op", op)
	tok, err = d.tokens.Acquire(ctx)
	if err != nil {
		return true, err
	}
	return true, call(ctx, tok.Value)
}

func (d *Dispatcher) record(ctx context.Context, conversationID int64, op domain.Operation, start time.Time, retried bool, err error) {
	outcome := domain.OutcomeOK
	if err != nil {
		outcome = shared.KindOf(err).String()
		d.logger.Error("Exchange failed",
			"op", op,
			"chat_id", conversationID,
			"kind", outcome,
			"error", err)
	}
	ex := &domain.Exchange{
		ConversationID: conversationID,
		Operation:      op,
		Outcome:        outcome,
		AuthRetried:    retried,
		Duration:       d.now().Sub(start),
		CreatedAt:      start,
	}
	if recErr := d.recorder.Record(context.WithoutCancel(ctx), ex); recErr != nil {
		d.logger.Warn("Failed to record exchange", "op", op, "chat_id", conversationID, "error", recErr)
	}
}
