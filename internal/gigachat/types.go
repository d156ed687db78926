// Package gigachat is a thin client for the GigaChat REST API.
package gigachat

import (
	"errors"
	"regexp"
	"strings"
)

// ErrImageNotFound is returned when a completion that should have produced
// a picture carries no image marker.
var ErrImageNotFound = errors.New("no image in completion")

// Message is one chat message on the wire.
type Message struct {
	Role        string   `json:"role"`
	Content     string   `json:"content"`
	Attachments []string `json:"attachments,omitempty"`
}

// CompletionRequest is the body of POST /chat/completions.
type CompletionRequest struct {
	Model          string    `json:"model"`
	Messages       []Message `json:"messages"`
	Temperature    float64   `json:"temperature,omitempty"`
	MaxTokens      int       `json:"max_tokens,omitempty"`
	UpdateInterval int       `json:"update_interval"`
	FunctionCall   string    `json:"function_call,omitempty"`
	ContextID      string    `json:"context_id,omitempty"`
}

// Choice is one completion alternative.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// Usage reports token accounting for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse is the body returned by POST /chat/completions.
type CompletionResponse struct {
	Choices   []Choice `json:"choices"`
	Model     string   `json:"model,omitempty"`
	Usage     *Usage   `json:"usage,omitempty"`
	ContextID string   `json:"context_id,omitempty"`
}

// Content returns the text of the first choice. ok is false when there is
// no choice or its text is empty.
func (r *CompletionResponse) Content() (content string, ok bool) {
	if r == nil || len(r.Choices) == 0 {
		return "", false
	}
	content = r.Choices[0].Message.Content
	return content, content != ""
}

// Upload is a file to be sent to POST /files.
type Upload struct {
	Name     string
	MIMEType string
	Data     []byte
	Purpose  string
}

type uploadResponse struct {
	ID string `json:"id"`
}

var imageRefPattern = regexp.MustCompile(`<img src="([^"]+)"`)

// ExtractImageID returns the file id embedded in a generated-image marker
// such as <img src="FILE_ID" fuse="true"/>.
func ExtractImageID(content string) (string, bool) {
	m := imageRefPattern.FindStringSubmatch(content)
	if m == nil {
		return "", false
	}
	id := strings.TrimSpace(m[1])
	return id, id != ""
}
