package telegram

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/ashureev/gigachat-relay/internal/relay"
	"github.com/ashureev/gigachat-relay/internal/shared"
)

type fakeBot struct {
	mu       sync.Mutex
	nextID   int
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	fileURL  string
	updates  chan tgbotapi.Update
	stopOnce sync.Once
}

func newFakeBot() *fakeBot {
	return &fakeBot{nextID: 100, updates: make(chan tgbotapi.Update, 10)}
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.sent = append(b.sent, c)
	return tgbotapi.Message{MessageID: b.nextID}, nil
}

func (b *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (b *fakeBot) GetFileDirectURL(fileID string) (string, error) {
	return b.fileURL + "/" + fileID, nil
}

func (b *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return b.updates
}

func (b *fakeBot) StopReceivingUpdates() {
	b.stopOnce.Do(func() { close(b.updates) })
}

// texts returns the text of every plain message sent.
func (b *fakeBot) texts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, c := range b.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, m.Text)
		}
	}
	return out
}

func (b *fakeBot) edits() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, c := range b.requests {
		if e, ok := c.(tgbotapi.EditMessageTextConfig); ok {
			out = append(out, e.Text)
		}
	}
	return out
}

func (b *fakeBot) deletes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.requests {
		if _, ok := c.(tgbotapi.DeleteMessageConfig); ok {
			n++
		}
	}
	return n
}

func (b *fakeBot) photos() []tgbotapi.PhotoConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []tgbotapi.PhotoConfig
	for _, c := range b.sent {
		if p, ok := c.(tgbotapi.PhotoConfig); ok {
			out = append(out, p)
		}
	}
	return out
}

type fakeRelay struct {
	mu       sync.Mutex
	calls    int
	chat     func(text string) (string, error)
	image    func(prompt string) (*relay.Image, error)
	analyze  func(f relay.File, progress relay.ProgressFunc) (*relay.Analysis, error)
	resetRet bool
}

func (r *fakeRelay) record() {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
}

func (r *fakeRelay) Chat(_ context.Context, _ int64, text string) (string, error) {
	r.record()
	return r.chat(text)
}

func (r *fakeRelay) GenerateImage(_ context.Context, _ int64, prompt string) (*relay.Image, error) {
	r.record()
	return r.image(prompt)
}

func (r *fakeRelay) AnalyzeFile(_ context.Context, _ int64, f relay.File, progress relay.ProgressFunc) (*relay.Analysis, error) {
	r.record()
	return r.analyze(f, progress)
}

func (r *fakeRelay) CheckFile(mimeType string, size int64) (relay.FileClass, error) {
	class := relay.ClassifyMIME(mimeType)
	if class == relay.ClassUnsupported {
		return class, shared.Errorf(shared.KindUnsupportedFormat, "check file", "%s", mimeType)
	}
	if limit := r.Limit(class); size > limit {
		return class, shared.E(shared.KindSizeLimit, "check file", &relay.SizeLimitError{Class: class, Size: size, Limit: limit})
	}
	return class, nil
}

func (r *fakeRelay) Limit(class relay.FileClass) int64 {
	if class == relay.ClassImage {
		return 15 * 1024 * 1024
	}
	return 30 * 1024 * 1024
}

func (r *fakeRelay) Reset(int64) bool {
	r.record()
	return r.resetRet
}

func (r *fakeRelay) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

const allowedChat int64 = 42

func newTestAdapter(bot *fakeBot, r *fakeRelay, burst int) *Adapter {
	return NewAdapter(bot, r, Options{
		AllowedChatIDs: []int64{allowedChat},
		RateLimit:      0.001,
		RateBurst:      burst,
		HTTPClient:     &http.Client{Timeout: 2 * time.Second},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func update(msg *tgbotapi.Message) tgbotapi.Update {
	return tgbotapi.Update{Message: msg}
}

func TestUnauthorizedChatIsRejected(t *testing.T) {
	t.Parallel()

	bot := newFakeBot()
	r := &fakeRelay{}
	a := newTestAdapter(bot, r, 5)

	a.HandleUpdate(context.Background(), update(textMessage(7, "hello")))

	if r.callCount() != 0 {
		t.Fatal("relay must not be called for an unauthorized chat")
	}
	if got := bot.texts(); len(got) != 1 || got[0] != msgUnauthorized {
		t.Fatalf("sent = %q", got)
	}
}

func TestStartAndClear(t *testing.T) {
	t.Parallel()

	bot := newFakeBot()
	r := &fakeRelay{resetRet: true}
	a := newTestAdapter(bot, r, 5)

	a.HandleUpdate(context.Background(), update(textMessage(allowedChat, "/start")))
	a.HandleUpdate(context.Background(), update(textMessage(allowedChat, "/clear")))
	r.resetRet = false
	a.HandleUpdate(context.Background(), update(textMessage(allowedChat, "/clear")))

	want := []string{msgWelcome, msgHistoryCleared, msgHistoryEmpty}
	got := bot.texts()
	if len(got) != len(want) {
		t.Fatalf("sent = %q", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("message %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTextSuccessDeletesStatusAndReplies(t *testing.T) {
	t.Parallel()

	bot := newFakeBot()
	r := &fakeRelay{chat: func(text string) (string, error) { return "ответ на " + text, nil }}
	a := newTestAdapter(bot, r, 5)

	a.HandleUpdate(context.Background(), update(textMessage(allowedChat, "вопрос")))

	got := bot.texts()
	if len(got) != 2 || got[0] != msgProcessing || got[1] != "ответ на вопрос" {
		t.Fatalf("sent = %q", got)
	}
	if bot.deletes() != 1 {
		t.Fatalf("deletes = %d, want 1", bot.deletes())
	}
	bot.mu.Lock()
	last := bot.sent[1].(tgbotapi.MessageConfig)
	bot.mu.Unlock()
	if last.ReplyToMessageID != 10 {
		t.Fatalf("reply is not threaded: %d", last.ReplyToMessageID)
	}
}

func TestTextFailureEditsStatus(t *testing.T) {
	t.Parallel()

	bot := newFakeBot()
	r := &fakeRelay{chat: func(string) (string, error) {
		return "", shared.E(shared.KindAuth, "acquire token", errors.New("status 400"))
	}}
	a := newTestAdapter(bot, r, 5)

	a.HandleUpdate(context.Background(), update(textMessage(allowedChat, "вопрос")))

	if got := bot.edits(); len(got) != 1 || got[0] != msgAuthFailed {
		t.Fatalf("edits = %q", got)
	}
	if bot.deletes() != 0 {
		t.Fatal("status should be edited, not deleted")
	}
}

func TestLongAnswerIsSplit(t *testing.T) {
	t.Parallel()

	bot := newFakeBot()
	r := &fakeRelay{chat: func(string) (string, error) { return strings.Repeat("x", MaxMessageLen+10), nil }}
	a := newTestAdapter(bot, r, 5)

	a.HandleUpdate(context.Background(), update(textMessage(allowedChat, "q")))

	if got := bot.texts(); len(got) != 3 {
		t.Fatalf("expected status plus two chunks, got %d messages", len(got))
	}
}

func TestImageCommand(t *testing.T) {
	t.Parallel()

	bot := newFakeBot()
	r := &fakeRelay{image: func(prompt string) (*relay.Image, error) {
		if prompt != "кот" {
			t.Errorf("prompt = %q", prompt)
		}
		return &relay.Image{FileID: "img-1", Data: []byte("jpeg")}, nil
	}}
	a := newTestAdapter(bot, r, 5)

	a.HandleUpdate(context.Background(), update(textMessage(allowedChat, "/image")))
	if got := bot.texts(); len(got) != 1 || got[0] != msgImageUsage {
		t.Fatalf("sent = %q", got)
	}
	if r.callCount() != 0 {
		t.Fatal("empty prompt must not reach the relay")
	}

	a.HandleUpdate(context.Background(), update(textMessage(allowedChat, "/image кот")))
	photos := bot.photos()
	if len(photos) != 1 || photos[0].Caption != "🎨 Сгенерированное изображение по запросу: кот" {
		t.Fatalf("photos = %+v", photos)
	}
	if bot.deletes() != 1 {
		t.Fatalf("deletes = %d, want 1", bot.deletes())
	}
}

func documentMessage(mimeType string, size int) *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: 11,
		Chat:      &tgbotapi.Chat{ID: allowedChat},
		Document:  &tgbotapi.Document{FileID: "doc-1", FileName: "notes.txt", MimeType: mimeType, FileSize: size},
	}
}

func TestFileRejectedWithoutDownload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  *tgbotapi.Message
		want string
	}{
		{name: "unsupported", msg: documentMessage("application/zip", 10), want: msgUnsupportedFile},
		{name: "too large", msg: documentMessage("application/pdf", 31*1024*1024), want: "❌ Файл слишком большой. Максимальный размер - 30MB."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			bot := newFakeBot()
			bot.fileURL = "http://127.0.0.1:1"
			r := &fakeRelay{}
			a := newTestAdapter(bot, r, 5)

			a.HandleUpdate(context.Background(), update(tt.msg))

			if got := bot.texts(); len(got) != 1 || got[0] != tt.want {
				t.Fatalf("sent = %q", got)
			}
			if r.callCount() != 0 {
				t.Fatal("relay must not be called")
			}
		})
	}
}

func TestFileAnalysis(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/doc-1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = io.WriteString(w, "file body")
	}))
	t.Cleanup(srv.Close)

	bot := newFakeBot()
	bot.fileURL = srv.URL
	r := &fakeRelay{analyze: func(f relay.File, progress relay.ProgressFunc) (*relay.Analysis, error) {
		if string(f.Data) != "file body" || f.Name != "notes.txt" || f.MIMEType != "text/plain" {
			t.Errorf("file = %+v", f)
		}
		progress(relay.StageUploading)
		progress(relay.StageAnalyzing)
		return &relay.Analysis{Class: relay.ClassDocument, Text: "summary"}, nil
	}}
	a := newTestAdapter(bot, r, 5)

	a.HandleUpdate(context.Background(), update(documentMessage("text/plain", 9)))

	if got := bot.texts(); len(got) != 1 || got[0] != msgFileStarted {
		t.Fatalf("sent = %q", got)
	}
	want := []string{msgFileUploading, msgFileAnalyzing, "📝 Результат анализа документа:\n\nsummary"}
	got := bot.edits()
	if len(got) != len(want) {
		t.Fatalf("edits = %q", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("edit %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFileDownloadOverCeiling(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 15*1024*1024+1))
	}))
	t.Cleanup(srv.Close)

	bot := newFakeBot()
	bot.fileURL = srv.URL
	r := &fakeRelay{}
	a := newTestAdapter(bot, r, 5)

	// Telegram did not report a size, so only the download can catch it.
	msg := &tgbotapi.Message{
		MessageID: 12,
		Chat:      &tgbotapi.Chat{ID: allowedChat},
		Photo:     []tgbotapi.PhotoSize{{FileID: "photo-1"}},
	}
	a.HandleUpdate(context.Background(), update(msg))

	if got := bot.edits(); len(got) != 1 || got[0] != "❌ Файл слишком большой. Максимальный размер - 15MB." {
		t.Fatalf("edits = %q", got)
	}
	if r.callCount() != 0 {
		t.Fatal("oversized file must not reach the relay")
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	bot := newFakeBot()
	r := &fakeRelay{}
	a := newTestAdapter(bot, r, 1)

	a.HandleUpdate(context.Background(), update(textMessage(allowedChat, "/start")))
	a.HandleUpdate(context.Background(), update(textMessage(allowedChat, "/start")))

	got := bot.texts()
	if len(got) != 2 || got[0] != msgWelcome || got[1] != msgRateLimited {
		t.Fatalf("sent = %q", got)
	}
}

func TestRunProcessesUpdatesAndStops(t *testing.T) {
	t.Parallel()

	bot := newFakeBot()
	r := &fakeRelay{chat: func(string) (string, error) { return "ok", nil }}
	a := newTestAdapter(bot, r, 5)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	bot.updates <- update(textMessage(allowedChat, "hi"))

	deadline := time.Now().Add(2 * time.Second)
	for r.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if r.callCount() != 1 {
		t.Fatalf("relay calls = %d, want 1", r.callCount())
	}
	if got := bot.texts(); len(got) != 2 || got[1] != "ok" {
		t.Fatalf("sent = %q", got)
	}
}
