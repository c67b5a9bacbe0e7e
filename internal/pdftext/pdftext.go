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

// Package pdftext extracts plain text from PDF documents, both attached and
// linked from email bodies. Extraction never fails: unreadable input yields
// empty text.
package pdftext

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ExtractText returns the text of a PDF, page by page. Text within a page is
// joined with spaces and pages are separated by a blank line. Malformed input
// returns "".
func ExtractText(data []byte) (text string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("pdf extraction panicked", "error", fmt.Sprint(r))
			text = ""
		}
	}()

	if len(data) == 0 {
		return ""
	}

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		slog.Debug("open pdf", "error", err)
		return ""
	}

	var pages []string
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			slog.Debug("read pdf page", "page", i, "error", err)
			continue
		}

		var parts []string
		for _, row := range rows {
			var sb strings.Builder
			for _, t := range row.Content {
				sb.WriteString(t.S)
			}
			if s := strings.TrimSpace(sb.String()); s != "" {
				parts = append(parts, s)
			}
		}
		if len(parts) > 0 {
			pages = append(pages, strings.Join(parts, " "))
		}
	}

	return strings.Join(pages, "\n\n")
}
