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
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/reportingest/internal/config"
	"github.com/bcem/reportingest/internal/retry"
)

// TestHTTP_Complete verifies the request shape and response decoding.
func TestHTTP_Complete(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"recommendations\":[]}"}}]}`))
	}))
	defer server.Close()

	c := NewHTTP(HTTPConfig{Endpoint: server.URL + "/v1", Model: "gpt-test", APIKey: "secret", Client: server.Client()})
	text, err := c.Complete(context.Background(), Request{System: "rules", User: "email", Temperature: 0.1, MaxTokens: 100})

	require.NoError(t, err)
	assert.Equal(t, `{"recommendations":[]}`, text)
	assert.Equal(t, "gpt-test", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "email", got.Messages[1].Content)
	assert.Equal(t, 100, got.MaxTokens)
}

// TestHTTP_StatusClassification verifies how endpoint failures are typed.
func TestHTTP_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   retry.Kind
	}{
		{http.StatusTooManyRequests, retry.RateLimited},
		{http.StatusUnauthorized, retry.Permanent},
		{http.StatusBadRequest, retry.Permanent},
		{http.StatusBadGateway, retry.Transient},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			c := NewHTTP(HTTPConfig{Endpoint: server.URL, Model: "m", Client: server.Client()})
			_, err := c.Complete(context.Background(), Request{User: "x"})

			require.Error(t, err)
			assert.Equal(t, tt.want, retry.Classify(err))
		})
	}
}

// TestAnthropic_Complete verifies text block extraction.
func TestAnthropic_Complete(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
			"content": [{"type": "text", "text": "Here you go: {\"recommendations\": []}"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 10, "output_tokens": 5}
		}`))
	}))
	defer server.Close()

	c := NewAnthropic(AnthropicConfig{APIKey: "k", Model: "claude-test", BaseURL: server.URL})
	text, err := c.Complete(context.Background(), Request{System: "rules", User: "email", Temperature: 0.1, MaxTokens: 64})

	require.NoError(t, err)
	assert.Contains(t, text, `{"recommendations": []}`)
	assert.Equal(t, "claude-test", body["model"])
	assert.EqualValues(t, 64, body["max_tokens"])
}

// TestAnthropic_RateLimited verifies that a 429 from the API is typed as a
// rate limit.
func TestAnthropic_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer server.Close()

	c := NewAnthropic(AnthropicConfig{APIKey: "k", Model: "claude-test", BaseURL: server.URL})
	_, err := c.Complete(context.Background(), Request{User: "x", MaxTokens: 10})

	require.Error(t, err)
	assert.Equal(t, retry.RateLimited, retry.Classify(err))
}

// TestClassifyText verifies classification of errors without status codes.
func TestClassifyText(t *testing.T) {
	tests := map[string]retry.Kind{
		"Error 429, Message: quota exceeded, Status: RESOURCE_EXHAUSTED": retry.RateLimited,
		"Error 403, Message: API key not valid, Status: PERMISSION_DENIED": retry.Permanent,
		"Error 503, Message: overloaded, Status: UNAVAILABLE":              retry.Transient,
		"read tcp: connection reset by peer":                               retry.Transient,
	}
	for msg, want := range tests {
		assert.Equal(t, want, classifyText(errors.New(msg)), msg)
	}
}

type countingCompleter struct{ calls int }

func (c *countingCompleter) Complete(context.Context, Request) (string, error) {
	c.calls++
	return "ok", nil
}

// TestLimited_Throttles verifies that a second call within the interval waits.
func TestLimited_Throttles(t *testing.T) {
	next := &countingCompleter{}
	c := NewLimited(next, 60*20) // one request every 50ms

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.Complete(context.Background(), Request{})
		require.NoError(t, err)
	}

	assert.Equal(t, 3, next.calls)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

// TestLimited_Disabled verifies that a zero rate returns the wrapped completer.
func TestLimited_Disabled(t *testing.T) {
	next := &countingCompleter{}
	assert.Same(t, Completer(next), NewLimited(next, 0))
}

// TestNew_UnknownProvider verifies factory validation.
func TestNew_UnknownProvider(t *testing.T) {
	_, err := New(context.Background(), config.LLMConfig{Provider: "carrier-pigeon"})
	assert.Error(t, err)
}

// TestNew_HTTPProvider verifies that the factory wires the HTTP provider.
func TestNew_HTTPProvider(t *testing.T) {
	c, err := New(context.Background(), config.LLMConfig{
		Provider: "http",
		Endpoint: "http://localhost:1",
		Model:    "m",
		Timeout:  time.Second,
	})
	require.NoError(t, err)
	_, ok := c.(*HTTP)
	assert.True(t, ok)
}
