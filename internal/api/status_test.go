package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/gigachat-relay/internal/conversation"
	"github.com/ashureev/gigachat-relay/internal/domain"
)

type fakeRepo struct {
	pingErr   error
	statsErr  error
	stats     *domain.ExchangeStats
	exchanges []*domain.Exchange
	since     time.Time
	limit     int
}

func (f *fakeRepo) Record(context.Context, *domain.Exchange) error { return nil }

func (f *fakeRepo) Recent(_ context.Context, limit int) ([]*domain.Exchange, error) {
	f.limit = limit
	return f.exchanges, nil
}

func (f *fakeRepo) Stats(_ context.Context, since time.Time) (*domain.ExchangeStats, error) {
	f.since = since
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	return f.stats, nil
}

func (f *fakeRepo) Prune(context.Context, time.Time) (int64, error) { return 0, nil }
func (f *fakeRepo) Ping(context.Context) error                      { return f.pingErr }
func (f *fakeRepo) Close() error                                    { return nil }

type fakeTokens struct {
	token        domain.Token
	needsRefresh bool
}

func (f fakeTokens) Current() domain.Token { return f.token }
func (f fakeTokens) NeedsRefresh() bool    { return f.needsRefresh }

func newTestRouter(repo *fakeRepo, tokens TokenStatus, convs *conversation.Store, now time.Time) chi.Router {
	h := NewHandler(repo, tokens, convs, convs)
	h.now = func() time.Time { return now }
	r := chi.NewRouter()
	NewHealthHandler(repo, tokens).RegisterHealth(r)
	h.RegisterRoutes(r)
	return r
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var got map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return got
}

func TestStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := &fakeRepo{stats: &domain.ExchangeStats{Total: 3, Retried: 1, ByOutcome: map[string]int64{"ok": 3}}}
	tokens := fakeTokens{token: domain.Token{Value: "secret-token", Expiry: now.Add(20 * time.Minute)}}
	convs := conversation.NewStore("system", 10)
	convs.AppendUser(1, "hi")
	convs.AppendUser(2, "hello")

	r := newTestRouter(repo, tokens, convs, now)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	body := w.Body.String()
	got := decode(t, w)

	if got["conversations"] != float64(2) {
		t.Errorf("Expected 2 conversations, got %v", got["conversations"])
	}
	token, ok := got["token"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected token object, got %v", got["token"])
	}
	if token["present"] != true {
		t.Errorf("Expected token present, got %v", token["present"])
	}
	if _, ok := token["expires_at"]; !ok {
		t.Error("Expected expires_at to be set")
	}
	if want := now.Add(-statsWindow); !repo.since.Equal(want) {
		t.Errorf("Expected stats since %v, got %v", want, repo.since)
	}
	if strings.Contains(body, "secret-token") {
		t.Error("Token value must not be exposed")
	}
}

func TestStatusWithoutToken(t *testing.T) {
	repo := &fakeRepo{stats: &domain.ExchangeStats{ByOutcome: map[string]int64{}}}
	r := newTestRouter(repo, fakeTokens{needsRefresh: true}, conversation.NewStore("s", 10), time.Now())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	got := decode(t, w)
	token := got["token"].(map[string]interface{})
	if token["present"] != false {
		t.Errorf("Expected token absent, got %v", token["present"])
	}
	if _, ok := token["expires_at"]; ok {
		t.Error("Expected expires_at to be omitted")
	}
	if token["needs_refresh"] != true {
		t.Errorf("Expected needs_refresh, got %v", token["needs_refresh"])
	}
}

func TestStatusStatsError(t *testing.T) {
	repo := &fakeRepo{statsErr: errors.New("disk I/O error")}
	r := newTestRouter(repo, fakeTokens{}, conversation.NewStore("s", 10), time.Now())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}
}

func TestRecentExchanges(t *testing.T) {
	repo := &fakeRepo{exchanges: []*domain.Exchange{{ID: 1, Operation: domain.OperationChat, Outcome: domain.OutcomeOK}}}
	r := newTestRouter(repo, fakeTokens{}, conversation.NewStore("s", 10), time.Now())

	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantLimit int
	}{
		{"default limit", "", http.StatusOK, 50},
		{"explicit limit", "?limit=5", http.StatusOK, 5},
		{"zero", "?limit=0", http.StatusBadRequest, 0},
		{"too large", "?limit=1000", http.StatusBadRequest, 0},
		{"not a number", "?limit=abc", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo.limit = 0
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/exchanges"+tt.query, nil))

			if w.Code != tt.wantCode {
				t.Errorf("Expected status %d, got %d", tt.wantCode, w.Code)
			}
			if repo.limit != tt.wantLimit {
				t.Errorf("Expected limit %d, got %d", tt.wantLimit, repo.limit)
			}
		})
	}
}

func TestConversation(t *testing.T) {
	convs := conversation.NewStore("system", 10)
	convs.AppendUser(42, "private text")
	convs.SetContinuation(42, "ctx-1")
	r := newTestRouter(&fakeRepo{}, fakeTokens{}, convs, time.Now())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/conversations/42", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "private text") {
		t.Error("Conversation content must not be exposed")
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/conversations/7", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/conversations/abc", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestResetConversation(t *testing.T) {
	convs := conversation.NewStore("system", 10)
	convs.AppendUser(42, "hello")
	r := newTestRouter(&fakeRepo{}, fakeTokens{}, convs, time.Now())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/conversations/42/reset", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if got := decode(t, w); got["cleared"] != true {
		t.Errorf("Expected cleared=true, got %v", got["cleared"])
	}
	if n := len(convs.History(42)); n != 1 {
		t.Errorf("Expected only the system entry after reset, got %d entries", n)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/conversations/42/reset", nil))
	if got := decode(t, w); got["cleared"] != false {
		t.Errorf("Expected cleared=false on second reset, got %v", got["cleared"])
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name     string
		pingErr  error
		wantCode int
		wantDB   string
	}{
		{"healthy", nil, http.StatusOK, "ok"},
		{"database down", errors.New("closed"), http.StatusServiceUnavailable, "unreachable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(&fakeRepo{pingErr: tt.pingErr}, fakeTokens{}, conversation.NewStore("s", 10), time.Now())
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			if w.Code != tt.wantCode {
				t.Errorf("Expected status %d, got %d", tt.wantCode, w.Code)
			}
			checks := decode(t, w)["checks"].(map[string]interface{})
			if checks["database"] != tt.wantDB {
				t.Errorf("Expected database=%s, got %v", tt.wantDB, checks["database"])
			}
		})
	}
}
