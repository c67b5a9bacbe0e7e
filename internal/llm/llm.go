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

// Package llm provides chat-completion clients for the extraction model.
// Every provider returns failures classified for the retry package.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/bcem/reportingest/internal/retry"
)

// Request is a single-turn completion request.
type Request struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Completer returns the text completion for a request.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// classifyStatus maps an HTTP status code to a retry kind.
func classifyStatus(code int) retry.Kind {
	switch code {
	case http.StatusTooManyRequests:
		return retry.RateLimited
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return retry.Permanent
	default:
		return retry.Transient
	}
}

var statusInText = regexp.MustCompile(`(?i)(?:error|status|http)[ :]*([45]\d\d)\b`)

// classifyText classifies errors that carry no structured status code.
func classifyText(err error) retry.Kind {
	msg := err.Error()
	if strings.Contains(msg, "RESOURCE_EXHAUSTED") || strings.Contains(strings.ToLower(msg), "quota") {
		return retry.RateLimited
	}
	if m := statusInText.FindStringSubmatch(msg); m != nil {
		code, _ := strconv.Atoi(m[1])
		return classifyStatus(code)
	}
	return retry.Classify(err)
}

func markErr(kind retry.Kind, format string, args ...any) error {
	return retry.Mark(kind, fmt.Errorf(format, args...))
}
