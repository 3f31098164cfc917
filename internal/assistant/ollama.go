// Package assistant contains the AI-assistant pipeline: a bounded
// concurrency dispatcher in front of a local model server, context
// augmentation from the user's workspace, and the per-user exchange log.
package assistant

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

	"go.uber.org/zap"
)

// ErrBackendDown wraps transport-level failures reaching the model
// server (connection refused, DNS, timeout). The dispatcher turns it
// into the "backend unreachable" apology; every other failure gets the
// generic one.
var ErrBackendDown = errors.New("assistant backend unreachable")

// ChatTurn is one role-tagged turn of an exchange, in the model server's
// wire shape. Role is "system", "user", or "assistant".
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Status is the backend probe result: whether the server answered and
// which models it has installed.
type Status struct {
	Available bool     `json:"available"`
	Models    []string `json:"models"`
}

// ChatBackend is what the dispatcher needs from a model server.
type ChatBackend interface {
	Chat(ctx context.Context, turns []ChatTurn) (string, error)
	Probe(ctx context.Context) (*Status, error)
	Model() string
}

// OllamaClient talks to an Ollama-compatible HTTP API: POST /api/chat
// for completions, GET /api/tags for the installed-model probe.
type OllamaClient struct {
	baseURL string
	model   string
	http    *http.Client
	logger  *zap.Logger
}

func NewOllamaClient(baseURL, model string, logger *zap.Logger) *OllamaClient {
	return &OllamaClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		model:   model,
		// Local model generation on modest hardware is slow; the timeout
		// has to cover a full completion, not a round trip.
		http:   &http.Client{Timeout: 2 * time.Minute},
		logger: logger,
	}
}

func (c *OllamaClient) Model() string {
	return c.model
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []ChatTurn     `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

// Chat sends the ordered exchange and returns the reply text. stream is
// always false — the relay delivers whole replies, not token streams.
func (c *OllamaClient) Chat(ctx context.Context, turns []ChatTurn) (string, error) {
	body := chatRequest{
		Model:    c.model,
		Messages: turns,
		Stream:   false,
		Options:  map[string]any{"temperature": 0.2},
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(buf))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackendDown, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read chat response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("chat backend http %d: %s", resp.StatusCode, truncate(string(payload), 240))
	}

	var parsed struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}

	content := strings.TrimSpace(parsed.Message.Content)
	if content == "" {
		return "", errors.New("chat backend returned empty reply")
	}
	return content, nil
}

// Probe asks the server which models it has. An unreachable or unhappy
// server is reported as unavailable, not as an error — the status
// endpoint's job is to describe the backend, not to fail with it.
func (c *OllamaClient) Probe(ctx context.Context) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("build probe request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("assistant backend probe failed", zap.Error(err))
		return &Status{Available: false, Models: []string{}}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Status{Available: false, Models: []string{}}, nil
	}

	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return &Status{Available: false, Models: []string{}}, nil
	}

	names := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		names = append(names, m.Name)
	}
	return &Status{Available: true, Models: names}, nil
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
