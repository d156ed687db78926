package gigachat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/ashureev/gigachat-relay/internal/shared"
)

const (
	maxJSONBody    = 4 << 20
	maxContentBody = 64 << 20
	logBodyLimit   = 200
)

// Client calls the GigaChat REST API with a caller-supplied bearer token.
// Responses are classified into shared error kinds: HTTP 401 becomes
// shared.KindAuthExpired, other non-2xx statuses and malformed bodies
// become shared.KindProtocol, and network failures become
// shared.KindTransport.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client for the API rooted at baseURL
// (for example https://gigachat.devices.sberbank.ru/api/v1).
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Complete sends a chat completion request.
func (c *Client) Complete(ctx context.Context, token string, req *CompletionRequest) (*CompletionResponse, error) {
	const op = "chat completion"

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", op, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	data, err := c.do(op, token, httpReq, maxJSONBody)
	if err != nil {
		return nil, err
	}

	var resp CompletionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		c.logBody(op, data)
		return nil, shared.E(shared.KindProtocol, op, fmt.Errorf("decode response: %w", err))
	}
	if len(resp.Choices) == 0 {
		c.logBody(op, data)
		return nil, shared.Errorf(shared.KindProtocol, op, "response has no choices")
	}
	if _, ok := resp.Content(); !ok {
		c.logBody(op, data)
		return nil, shared.Errorf(shared.KindProtocol, op, "response has no message content")
	}
	return &resp, nil
}

// UploadFile uploads a file and returns its server-side id.
func (c *Client) UploadFile(ctx context.Context, token string, up Upload) (string, error) {
	const op = "file upload"

	purpose := up.Purpose
	if purpose == "" {
		purpose = "general"
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, up.Name))
	header.Set("Content-Type", up.MIMEType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("%s: create part: %w", op, err)
	}
	if _, err := part.Write(up.Data); err != nil {
		return "", fmt.Errorf("%s: write part: %w", op, err)
	}
	if err := mw.WriteField("purpose", purpose); err != nil {
		return "", fmt.Errorf("%s: write purpose: %w", op, err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("%s: close multipart: %w", op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", &buf)
	if err != nil {
		return "", fmt.Errorf("%s: build request: %w", op, err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Accept", "application/json")

	data, err := c.do(op, token, httpReq, maxJSONBody)
	if err != nil {
		return "", err
	}

	var resp uploadResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		c.logBody(op, data)
		return "", shared.E(shared.KindProtocol, op, fmt.Errorf("decode response: %w", err))
	}
	if resp.ID == "" {
		c.logBody(op, data)
		return "", shared.Errorf(shared.KindProtocol, op, "response has no file id")
	}
	return resp.ID, nil
}

// FileContent downloads the raw bytes of a stored file, such as a
// generated image.
func (c *Client) FileContent(ctx context.Context, token, fileID string) ([]byte, error) {
	const op = "file content"

	endpoint := c.baseURL + "/files/" + url.PathEscape(fileID) + "/content"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	httpReq.Header.Set("Accept", "application/jpg")

	data, err := c.do(op, token, httpReq, maxContentBody)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, shared.Errorf(shared.KindProtocol, op, "empty file content")
	}
	return data, nil
}

// do sends req with the bearer token and returns the body of a 2xx response.
func (c *Client) do(op, token string, req *http.Request, limit int64) ([]byte, error) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, shared.E(shared.KindTransport, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, shared.E(shared.KindTransport, op, fmt.Errorf("read body: %w", err))
	}
	if int64(len(data)) > limit {
		return nil, shared.Errorf(shared.KindProtocol, op, "response body exceeds %d bytes", limit)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.logger.Warn("GigaChat rejected bearer token", "op", op)
		return nil, shared.E(shared.KindAuthExpired, op, errors.New("status 401"))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		c.logger.Error("GigaChat request failed", "op", op, "status", resp.StatusCode)
		c.logBody(op, data)
		return nil, shared.Errorf(shared.KindProtocol, op, "unexpected status %d", resp.StatusCode)
	}
	return data, nil
}

func (c *Client) logBody(op string, data []byte) {
	if len(data) > logBodyLimit {
		data = data[:logBodyLimit]
	}
	c.logger.Debug("GigaChat response body", "op", op, "body", string(data))
}
