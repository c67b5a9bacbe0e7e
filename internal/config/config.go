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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// MailboxConfig holds connection settings for the report mailbox.
type MailboxConfig struct {
	Protocol      string        `yaml:"protocol" validate:"oneof=imap pop3"`
	Host          string        `yaml:"host" validate:"required"`
	Port          int           `yaml:"port" validate:"gt=0,lte=65535"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	Mailbox       string        `yaml:"mailbox"` // IMAP only
	StageTimeout  time.Duration `yaml:"stage_timeout" validate:"gt=0"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify"`
}

// OAuthConfig holds optional client-credentials settings for the HTTP LLM provider.
type OAuthConfig struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// LLMConfig holds settings for the extraction model.
type LLMConfig struct {
	Provider          string        `yaml:"provider" validate:"oneof=anthropic gemini http"`
	Model             string        `yaml:"model" validate:"required"`
	APIKey            string        `yaml:"api_key"`
	Endpoint          string        `yaml:"endpoint" validate:"required_if=Provider http"`
	OAuth             OAuthConfig   `yaml:"oauth"`
	Temperature       float64       `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens         int           `yaml:"max_tokens" validate:"gt=0"`
	Timeout           time.Duration `yaml:"timeout" validate:"gt=0"`
	RequestsPerMinute int           `yaml:"requests_per_minute" validate:"gte=0"`
	MaxContentChars   int           `yaml:"max_content_chars" validate:"gt=0"`
}

// PipelineConfig tunes batch processing.
type PipelineConfig struct {
	ChunkSize        int           `yaml:"chunk_size" validate:"gt=0"`
	Concurrency      int           `yaml:"concurrency" validate:"gt=0"`
	MaxAttempts      int           `yaml:"max_attempts" validate:"gt=0"`
	BaseDelay        time.Duration `yaml:"base_delay" validate:"gte=0"`
	LinkFetchTimeout time.Duration `yaml:"link_fetch_timeout" validate:"gt=0"`
	MaxLinkedPDFs    int           `yaml:"max_linked_pdfs" validate:"gte=0"`
	RecentMaxResults int           `yaml:"recent_max_results" validate:"gt=0"`
	ClaimTTL         time.Duration `yaml:"claim_ttl" validate:"gt=0"`
}

// Config holds all configuration for the ingestion service.
type Config struct {
	Mailbox  MailboxConfig  `validate:"required"`
	LLM      LLMConfig      `validate:"required"`
	Pipeline PipelineConfig `validate:"required"`

	// Storage
	DatabaseURL string `validate:"required"`
	RedisURL    string `validate:"required"`
	ReportQueue string `validate:"required"`

	// Scheduled sync (cron spec with seconds field)
	Schedule string

	// Server (health check + API)
	Port int `validate:"gt=0"`
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Mailbox  MailboxConfig  `yaml:"mailbox"`
	LLM      LLMConfig      `yaml:"llm"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Reports string `yaml:"reports"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Schedule string `yaml:"schedule"`
	Server   struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	return Parse(data)
}

// Parse builds a Config from YAML bytes, applying env overrides and defaults.
func Parse(data []byte) (*Config, error) {
	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		Mailbox:     raw.Mailbox,
		LLM:         raw.LLM,
		Pipeline:    raw.Pipeline,
		DatabaseURL: firstNonEmpty(raw.Postgres.URL, envOrDefault("DATABASE_URL", "")),
		RedisURL:    firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		ReportQueue: firstNonEmpty(raw.Redis.Queues.Reports, envOrDefault("REPORTS_QUEUE", "reports")),
		Schedule:    firstNonEmpty(raw.Schedule, envOrDefault("SYNC_SCHEDULE", "0 */15 * * * *")),
		Port:        raw.Server.Port,
	}
	if cfg.Port == 0 {
		cfg.Port = envOrDefaultInt("PORT", 8080)
	}

	applyMailboxDefaults(&cfg.Mailbox)
	applyLLMDefaults(&cfg.LLM)
	applyPipelineDefaults(&cfg.Pipeline)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// CheckCredentials reports missing secrets. The long-running service treats a
// non-nil result as a failed startup health check.
func (c *Config) CheckCredentials() error {
	var errs []error
	if c.Mailbox.Username == "" || c.Mailbox.Password == "" {
		errs = append(errs, errors.New("mailbox username and password are required"))
	}
	switch c.LLM.Provider {
	case "anthropic", "gemini":
		if c.LLM.APIKey == "" {
			errs = append(errs, fmt.Errorf("llm api_key is required for provider %s", c.LLM.Provider))
		}
	case "http":
		if c.LLM.APIKey == "" && c.LLM.OAuth.ClientID == "" {
			errs = append(errs, errors.New("llm api_key or oauth client credentials are required for provider http"))
		}
	}
	return errors.Join(errs...)
}

func applyMailboxDefaults(m *MailboxConfig) {
	m.Protocol = strings.ToLower(firstNonEmpty(m.Protocol, envOrDefault("MAILBOX_PROTOCOL", "imap")))
	m.Host = firstNonEmpty(m.Host, envOrDefault("MAILBOX_HOST", ""))
	m.Username = firstNonEmpty(m.Username, envOrDefault("MAILBOX_USERNAME", ""))
	m.Password = firstNonEmpty(m.Password, envOrDefault("MAILBOX_PASSWORD", ""))
	m.Mailbox = firstNonEmpty(m.Mailbox, "INBOX")
	if m.Port == 0 {
		if m.Protocol == "pop3" {
			m.Port = 995
		} else {
			m.Port = 993
		}
	}
	if m.StageTimeout == 0 {
		m.StageTimeout = envOrDefaultDuration("MAILBOX_STAGE_TIMEOUT", 60*time.Second)
	}
}

func applyLLMDefaults(l *LLMConfig) {
	l.Provider = strings.ToLower(firstNonEmpty(l.Provider, envOrDefault("LLM_PROVIDER", "anthropic")))
	l.APIKey = firstNonEmpty(l.APIKey, envOrDefault("LLM_API_KEY", ""))
	if l.Model == "" {
		switch l.Provider {
		case "gemini":
			l.Model = "gemini-2.0-flash"
		case "http":
			l.Model = envOrDefault("LLM_MODEL", "gpt-4o-mini")
		default:
			l.Model = "claude-sonnet-4-20250514"
		}
	}
	if l.Temperature == 0 {
		l.Temperature = 0.1
	}
	if l.MaxTokens == 0 {
		l.MaxTokens = 4096
	}
	if l.Timeout == 0 {
		l.Timeout = envOrDefaultDuration("LLM_TIMEOUT", 120*time.Second)
	}
	if l.MaxContentChars == 0 {
		l.MaxContentChars = 60000
	}
}

func applyPipelineDefaults(p *PipelineConfig) {
	if p.ChunkSize == 0 {
		p.ChunkSize = 50
	}
	if p.Concurrency == 0 {
		p.Concurrency = 5
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = 2 * time.Second
	}
	if p.LinkFetchTimeout == 0 {
		p.LinkFetchTimeout = 30 * time.Second
	}
	if p.MaxLinkedPDFs == 0 {
		p.MaxLinkedPDFs = 5
	}
	if p.RecentMaxResults == 0 {
		p.RecentMaxResults = 100
	}
	if p.ClaimTTL == 0 {
		p.ClaimTTL = 30 * time.Minute
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
