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

package pdftext

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// buildPDF assembles a minimal PDF with one text line per page.
func buildPDF(pages ...string) []byte {
	var objs []string
	n := len(pages)
	// 1: catalog, 2: pages, 3: font, then (page, content) pairs.
	kids := make([]string, n)
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", 4+2*i)
	}
	objs = append(objs,
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), n),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
	)
	for i, text := range pages {
		stream := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", text)
		objs = append(objs,
			fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", 5+2*i),
			fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream),
		)
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, o := range objs {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, o)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objs)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)
	return buf.Bytes()
}

// TestExtractText_Pages verifies that page text is separated by a blank line.
func TestExtractText_Pages(t *testing.T) {
	data := buildPDF("Equinor target 410 NOK", "Rating buy")

	text := ExtractText(data)

	parts := strings.Split(text, "\n\n")
	if len(parts) != 2 {
		t.Fatalf("expected 2 pages, got %d: %q", len(parts), text)
	}
	if !strings.Contains(parts[0], "Equinor") || !strings.Contains(parts[0], "410") {
		t.Errorf("page 1 = %q", parts[0])
	}
	if !strings.Contains(parts[1], "buy") {
		t.Errorf("page 2 = %q", parts[1])
	}
}

// TestExtractText_Malformed verifies that unreadable input yields empty text.
func TestExtractText_Malformed(t *testing.T) {
	valid := buildPDF("hello")
	cases := map[string][]byte{
		"empty":     nil,
		"garbage":   []byte("this is not a pdf"),
		"truncated": valid[:len(valid)/2],
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if got := ExtractText(data); got != "" {
				t.Errorf("ExtractText = %q, want empty", got)
			}
		})
	}
}

// TestFindLinks verifies PDF URL discovery in plain text.
func TestFindLinks(t *testing.T) {
	body := "See https://research.bank.com/notes/eqnr.pdf, or the signed copy at " +
		"https://cdn.bank.com/r/Q3.PDF?token=abc. Mirror: https://research.bank.com/notes/eqnr.pdf " +
		"and https://bank.com/page.html plus ftp://bank.com/x.pdf"

	got := FindLinks(body)

	want := []string{
		"https://research.bank.com/notes/eqnr.pdf",
		"https://cdn.bank.com/r/Q3.PDF?token=abc",
	}
	if len(got) != len(want) {
		t.Fatalf("FindLinks = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("link %d = %q, want %q", i, got[i], want[i])
		}
	}
}

// TestFetcher_FetchAll verifies that failures are swallowed and the link
// limit is honored.
func TestFetcher_FetchAll(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		switch r.URL.Path {
		case "/ok.pdf":
			w.Header().Set("Content-Type", "application/pdf")
			w.Write(buildPDF("linked report"))
		case "/junk.pdf":
			w.Write([]byte("not a pdf"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	f := NewFetcher(FetcherConfig{HTTPClient: server.Client(), Timeout: 5 * time.Second, MaxLinks: 3})
	texts := f.FetchAll(context.Background(), []string{
		server.URL + "/missing.pdf",
		server.URL + "/junk.pdf",
		server.URL + "/ok.pdf",
		server.URL + "/ok.pdf",
	})

	if len(texts) != 1 || !strings.Contains(texts[0], "linked report") {
		t.Errorf("texts = %q", texts)
	}
	if hits != 3 {
		t.Errorf("expected 3 requests, got %d", hits)
	}
}
