// Package auth manages the GigaChat bearer token.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/ashureev/gigachat-relay/internal/domain"
	"github.com/ashureev/gigachat-relay/internal/shared"
)

const (
	defaultLifetime        = 30 * time.Minute
	defaultGracePeriod     = 5 * time.Minute
	defaultRefreshInterval = 60 * time.Second
	defaultHTTPTimeout     = 30 * time.Second
)

// Options configures a Manager.
type Options struct {
	Credentials domain.Credentials
	TokenURL    string
	Scope       string

	// Lifetime is assumed for every issued token; the server's own expiry
	// field is ignored.
	Lifetime        time.Duration
	GracePeriod     time.Duration
	RefreshInterval time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
}

// Manager owns the current bearer token and refreshes it.
// It is safe for concurrent use.
type Manager struct {
	oauth      *clientcredentials.Config
	httpClient *http.Client
	lifetime   time.Duration
	grace      time.Duration
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time

	refreshGroup singleflight.Group // coalesces concurrent acquisitions

	mu    sync.RWMutex
	token domain.Token
}

// NewManager creates a Manager. No token is fetched until first use.
func NewManager(opts Options) *Manager {
	if opts.Lifetime <= 0 {
		opts.Lifetime = defaultLifetime
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = defaultRefreshInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: defaultHTTPTimeout}
	}
	client := *base
	client.Transport = &tokenTransport{
		base:          base.Transport,
		authorization: basicAuthorization(opts.Credentials),
	}

	return &Manager{
		oauth: &clientcredentials.Config{
			ClientID:     opts.Credentials.ClientID,
			ClientSecret: opts.Credentials.ClientSecret,
			TokenURL:     opts.TokenURL,
			Scopes:       []string{opts.Scope},
			AuthStyle:    oauth2.AuthStyleInHeader,
		},
		httpClient: &client,
		lifetime:   opts.Lifetime,
		grace:      opts.GracePeriod,
		interval:   opts.RefreshInterval,
		logger:     opts.Logger,
		now:        opts.Now,
	}
}

// Current returns the cached token, which may be zero or stale.
func (m *Manager) Current() domain.Token {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// NeedsRefresh reports whether the cached token is missing or within the
// grace window of its expiry.
func (m *Manager) NeedsRefresh() bool {
	return !m.Current().Usable(m.now(), m.grace)
}

// EnsureValid returns the cached token when it is still usable and acquires
// a new one otherwise. Concurrent callers that find no usable token share a
// single acquisition.
func (m *Manager) EnsureValid(ctx context.Context) (domain.Token, error) {
	if tok := m.Current(); tok.Usable(m.now(), m.grace) {
		return tok, nil
	}
	v, err, _ := m.refreshGroup.Do("ensure", func() (any, error) {
		if tok := m.Current(); tok.Usable(m.now(), m.grace) {
			return tok, nil
		}
		return m.fetch(ctx)
	})
	if err != nil {
		return domain.Token{}, err
	}
	return v.(domain.Token), nil
}

// Acquire fetches a new token from the OAuth endpoint and stores it, even if
// the cached one looks usable. Concurrent calls share one request. On
// failure the previously cached token is kept and a shared.KindAuth error
// is returned.
func (m *Manager) Acquire(ctx context.Context) (domain.Token, error) {
	v, err, coalesced := m.refreshGroup.Do("acquire", func() (any, error) {
		return m.fetch(ctx)
	})
	if err != nil {
		return domain.Token{}, err
	}
	if coalesced {
		m.logger.Debug("Token acquisition coalesced")
	}
	return v.(domain.Token), nil
}

func (m *Manager) fetch(ctx context.Context) (domain.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)

	start := m.now()
	tok, err := m.oauth.Token(ctx)
	if err != nil {
		var se *StatusError
		var re *oauth2.RetrieveError
		if errors.As(err, &se) {
			m.logger.Error("Token request rejected", "status", se.StatusCode)
		} else if errors.As(err, &re) && re.Response != nil {
			m.logger.Error("Token request rejected", "status", re.Response.StatusCode)
		} else {
			m.logger.Error("Token request failed", "error", err)
		}
		return domain.Token{}, shared.E(shared.KindAuth, "acquire token", err)
	}
	if tok.AccessToken == "" {
		return domain.Token{}, shared.Errorf(shared.KindAuth, "acquire token", "response has no access token")
	}

	token := domain.Token{Value: tok.AccessToken, Expiry: start.Add(m.lifetime)}

	m.mu.Lock()
	m.token = token
	m.mu.Unlock()

	m.logger.Info("Access token acquired", "expires_at", token.Expiry)
	return token, nil
}

// StatusError is returned when the token endpoint answers with a status
// other than 200.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("token endpoint returned status %d", e.StatusCode)
}

func basicAuthorization(c domain.Credentials) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(c.ClientID+":"+c.ClientSecret))
}

// tokenTransport sends the Basic header built from the raw credentials and a
// form carrying only the scope. Any status other than 200 is an error.
type tokenTransport struct {
	base          http.RoundTripper
	authorization string
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", t.authorization)
	r.Header.Set("RqUID", uuid.NewString())
	r.Header.Set("Accept", "application/json")

	if req.Body != nil {
		raw, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read token request: %w", err)
		}
		form, err := url.ParseQuery(string(raw))
		if err != nil {
			return nil, fmt.Errorf("parse token request: %w", err)
		}
		form.Del("grant_type")
		body := form.Encode()
		r.Body = io.NopCloser(strings.NewReader(body))
		r.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(body)), nil }
		r.ContentLength = int64(len(body))
	}

	resp, err := base.RoundTrip(r)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}
	return resp, nil
}
