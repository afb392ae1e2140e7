package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Transcriber turns a recorded voice payload into text.
type Transcriber interface {
	Transcribe(ctx context.Context, payload []byte) (string, error)
}

// Func adapts a plain function to the Transcriber interface.
type Func func(ctx context.Context, payload []byte) (string, error)

func (f Func) Transcribe(ctx context.Context, payload []byte) (string, error) {
	return f(ctx, payload)
}

// Config controls transcriber construction.
type Config struct {
	Mode     string
	HTTPURL  string
	MockText string
}

// New builds the configured transcriber. Mode "none" (or empty) yields a nil
// Transcriber, which callers treat as voice support being switched off.
func New(cfg Config) (Transcriber, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch mode {
	case "", "none":
		return nil, nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("transcriber HTTP url is required for http mode")
		}
		return NewHTTPTranscriber(cfg.HTTPURL), nil
	case "mock":
		return NewMockTranscriber(cfg.MockText), nil
	default:
		return nil, fmt.Errorf("unsupported transcriber mode %q", cfg.Mode)
	}
}

// ModeOf names a transcriber for health output.
func ModeOf(t Transcriber) string {
	switch t.(type) {
	case nil:
		return "none"
	case *HTTPTranscriber:
		return "http"
	case *MockTranscriber:
		return "mock"
	default:
		return "custom"
	}
}

// HTTPTranscriber posts the raw payload to a speech-to-text endpoint.
type HTTPTranscriber struct {
	url    string
	client *http.Client
}

func NewHTTPTranscriber(url string) *HTTPTranscriber {
	return &HTTPTranscriber{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	res, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", fmt.Errorf("transcriber http status %d: %s", res.StatusCode, string(body))
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return strings.TrimSpace(string(body)), nil
	}
	for _, k := range []string{"text", "transcript", "result"} {
		if s, ok := obj[k].(string); ok {
			return strings.TrimSpace(s), nil
		}
	}
	return "", errors.New("transcriber response has no text field")
}

// MockTranscriber returns the same text for every payload.
type MockTranscriber struct {
	text string
}

func NewMockTranscriber(text string) *MockTranscriber {
	if strings.TrimSpace(text) == "" {
		text = "simulated voice input"
	}
	return &MockTranscriber{text: text}
}

func (t *MockTranscriber) Transcribe(ctx context.Context, _ []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return t.text, nil
}
