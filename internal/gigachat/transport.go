package gigachat

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"
)

const defaultTimeout = 60 * time.Second

// NewHTTPClient returns the HTTP client used for both the OAuth and API
// endpoints. Verification can be disabled for deployments whose trust store
// lacks the issuing CA of the GigaChat certificates.
func NewHTTPClient(timeout time.Duration, insecureSkipVerify bool) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecureSkipVerify {
		slog.Warn("TLS certificate verification is disabled for GigaChat endpoints")
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via GIGACHAT_INSECURE_SKIP_VERIFY
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
