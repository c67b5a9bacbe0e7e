// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bcem/reportingest/internal/retry"
)

// HTTPConfig holds settings for an OpenAI-compatible chat completions endpoint.
type HTTPConfig struct {
	// Endpoint is the base URL; "/chat/completions" is appended when absent.
	Endpoint string
	Model    string
	APIKey   string
	// Client is used for all requests. An OAuth2 client-credentials client
	// may be supplied here, in which case APIKey is usually empty.
	Client *http.Client
}

// HTTP completes requests against an OpenAI-compatible chat endpoint.
type HTTP struct {
	url    string
	model  string
	apiKey string
	client *http.Client
}

// NewHTTP creates a chat-completions client.
func NewHTTP(cfg HTTPConfig) *HTTP {
	url := strings.TrimRight(cfg.Endpoint, "/")
	if !strings.HasSuffix(url, "/chat/completions") {
		url += "/chat/completions"
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{url: url, model: cfg.Model, apiKey: cfg.APIKey, client: client}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete posts a system + user conversation and returns the first choice.
func (h *HTTP) Complete(ctx context.Context, req Request) (string, error) {
	body := chatRequest{
		Model:       h.model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.User})

	payload, err := json.Marshal(body)
	if err != nil {
		return "", retry.Mark(retry.Permanent, fmt.Errorf("marshal chat request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return "", retry.Mark(retry.Permanent, fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return "", retry.Mark(retry.Transient, fmt.Errorf("chat request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", retry.Mark(classifyStatus(resp.StatusCode),
			fmt.Errorf("chat endpoint returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", retry.Mark(retry.Transient, fmt.Errorf("decode chat response: %w", err))
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return "", markErr(retry.Transient, "no choices in chat response")
	}
	return out.Choices[0].Message.Content, nil
}
