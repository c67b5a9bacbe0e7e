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

// Package extraction turns report email content into structured
// recommendations by prompting a language model and validating its answer.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/bcem/reportingest/internal/llm"
	"github.com/bcem/reportingest/internal/models"
)

const (
	// DefaultMaxContentChars bounds the user payload sent to the model.
	DefaultMaxContentChars = 60000
	// TruncationMarker is appended when the payload is cut.
	TruncationMarker = "\n\n[Content truncated...]"

	defaultTemperature = 0.1
	defaultMaxTokens   = 4096
)

// ErrNoJSON is returned when the model response contains no JSON object.
var ErrNoJSON = errors.New("no JSON object in model response")

// Input is the content of one email to extract from.
type Input struct {
	Subject     string
	Body        string
	Attachments []string
	// Guidance is the standing operator guidance.
	Guidance string
	// Feedback is one-off operator text for a targeted re-extraction.
	Feedback string
}

// Config configures an Engine.
type Config struct {
	Completer       llm.Completer
	MaxContentChars int
	Temperature     float64
	MaxTokens       int
}

// Engine extracts ExtractedReportData from email content.
type Engine struct {
	completer   llm.Completer
	maxChars    int
	temperature float64
	maxTokens   int
	validate    *validator.Validate
}

// NewEngine creates an extraction engine.
func NewEngine(cfg Config) *Engine {
	if cfg.MaxContentChars <= 0 {
		cfg.MaxContentChars = DefaultMaxContentChars
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	return &Engine{
		completer:   cfg.Completer,
		maxChars:    cfg.MaxContentChars,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		validate:    validator.New(),
	}
}

// Extract runs one extraction attempt. Any failure to obtain, locate, decode
// or validate the model output is returned as an error.
func (e *Engine) Extract(ctx context.Context, in Input) (*models.ExtractedReportData, error) {
	system, user := BuildPrompt(in, e.maxChars)

	text, err := e.completer.Complete(ctx, llm.Request{
		System:      system,
		User:        user,
		Temperature: e.temperature,
		MaxTokens:   e.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("complete: %w", err)
	}

	obj, ok := ExtractJSONObject(text)
	if !ok {
		return nil, ErrNoJSON
	}

	data, dropped, err := decode(obj)
	if err != nil {
		return nil, err
	}
	if err := e.validate.Struct(data); err != nil {
		return nil, fmt.Errorf("validate extraction: %w", err)
	}

	slog.Debug("extraction complete",
		"subject", in.Subject,
		"recommendations", len(data.Recommendations),
		"dropped_incomplete", dropped,
	)
	return data, nil
}

// BuildPrompt returns the system instruction and user payload for in. The
// payload is cut after maxChars characters and marked when it exceeds the
// budget.
func BuildPrompt(in Input, maxChars int) (system, user string) {
	if maxChars <= 0 {
		maxChars = DefaultMaxContentChars
	}

	var sb strings.Builder
	sb.WriteString(baseInstructions)
	if g := strings.TrimSpace(in.Guidance); g != "" {
		sb.WriteString("\n\nAdditional guidance from the operator:\n")
		sb.WriteString(g)
	}
	if f := strings.TrimSpace(in.Feedback); f != "" {
		sb.WriteString("\n\nFeedback on a previous extraction of this email (takes precedence):\n")
		sb.WriteString(f)
	}
	system = sb.String()

	var ub strings.Builder
	fmt.Fprintf(&ub, "Subject: %s\n\nEmail body:\n%s", strings.TrimSpace(in.Subject), strings.TrimSpace(in.Body))
	for i, att := range in.Attachments {
		if strings.TrimSpace(att) == "" {
			continue
		}
		fmt.Fprintf(&ub, "\n\n=== Attachment %d ===\n%s\n=== End of attachment %d ===", i+1, strings.TrimSpace(att), i+1)
	}
	user = ub.String()

	if utf8.RuneCountInString(user) > maxChars {
		user = user[:runeOffset(user, maxChars)] + TruncationMarker
	}
	return system, user
}

// runeOffset returns the byte offset of the n-th rune in s, or len(s).
func runeOffset(s string, n int) int {
	count := 0
	for i := range s {
		if count == n {
			return i
		}
		count++
	}
	return len(s)
}

// ExtractJSONObject returns the first balanced {...} span in text that is
// valid JSON. Braces inside string literals are ignored.
func ExtractJSONObject(text string) (string, bool) {
	for start := strings.IndexByte(text, '{'); start >= 0; {
		if end, ok := matchBrace(text, start); ok {
			span := text[start : end+1]
			if jsonValid(span) {
				return span, true
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

func matchBrace(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

const baseInstructions = `You extract structured data from financial analyst reports received by email.

Return exactly one JSON object and nothing else, with this shape:
{
  "investmentBank": string or null,
  "analystNames": [string],
  "recommendations": [
    {
      "companyName": string,
      "isin": string or null,
      "targetPrice": number,
      "targetCurrency": string (ISO 4217, e.g. "NOK"),
      "recommendation": one of "buy", "hold", "sell", "overweight", "underweight", "outperform", "underperform",
      "summary": string (one or two sentences),
      "bank": string or null (only when the email summarizes several banks),
      "previousTargetPrice": number or null,
      "previousRecommendation": string or null
    }
  ]
}

Rules:
- Include one entry per company that has an explicit price target.
- Use plain numbers for prices, without currency symbols or thousands separators.
- When the text says a target was raised or lowered, put the old value in previousTargetPrice.
- Map local-language ratings to the English labels above (for example "kjøp" is "buy").
- If the email is market commentary without company price targets, return "recommendations": [].
- Do not invent values that are not stated in the content.`
