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
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/bcem/reportingest/internal/config"
)

// New builds the configured provider, wrapped in a rate limiter when
// requests_per_minute is set.
func New(ctx context.Context, cfg config.LLMConfig) (Completer, error) {
	var c Completer
	switch cfg.Provider {
	case "anthropic":
		c = NewAnthropic(AnthropicConfig{APIKey: cfg.APIKey, Model: cfg.Model, BaseURL: cfg.Endpoint, Timeout: cfg.Timeout})
	case "gemini":
		g, err := NewGemini(ctx, GeminiConfig{APIKey: cfg.APIKey, Model: cfg.Model})
		if err != nil {
			return nil, err
		}
		c = g
	case "http":
		httpClient := &http.Client{Timeout: cfg.Timeout}
		if cfg.OAuth.ClientID != "" {
			creds := &clientcredentials.Config{
				ClientID:     cfg.OAuth.ClientID,
				ClientSecret: cfg.OAuth.ClientSecret,
				TokenURL:     cfg.OAuth.TokenURL,
				Scopes:       cfg.OAuth.Scopes,
			}
			httpClient = creds.Client(ctx)
			httpClient.Timeout = cfg.Timeout
		}
		c = NewHTTP(HTTPConfig{
			Endpoint: cfg.Endpoint,
			Model:    cfg.Model,
			APIKey:   cfg.APIKey,
			Client:   httpClient,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}

	slog.Info("llm provider configured",
		"provider", cfg.Provider,
		"model", cfg.Model,
		"requests_per_minute", cfg.RequestsPerMinute,
	)
	return NewLimited(c, cfg.RequestsPerMinute), nil
}
