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
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// MaxDownloadBytes caps the size of a linked PDF.
const MaxDownloadBytes = 25 << 20

var linkPattern = regexp.MustCompile(`(?i)https?://[^\s<>"'()\[\]]+?\.pdf\b(?:\?[^\s<>"'()\[\]]*)?`)

// FindLinks returns the unique http(s) URLs in body that point at PDF files,
// in order of first appearance.
func FindLinks(body string) []string {
	var links []string
	seen := make(map[string]bool)
	for _, m := range linkPattern.FindAllString(body, -1) {
		m = strings.TrimRight(m, ".,;:")
		if !strings.HasSuffix(strings.ToLower(strings.SplitN(m, "?", 2)[0]), ".pdf") {
			continue
		}
		if seen[m] {
			continue
		}
		seen[m] = true
		links = append(links, m)
	}
	return links
}

// FetcherConfig holds settings for downloading linked PDFs.
type FetcherConfig struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	MaxLinks   int
}

// Fetcher downloads linked PDFs and extracts their text.
type Fetcher struct {
	httpClient *http.Client
	timeout    time.Duration
	maxLinks   int
}

// NewFetcher creates a linked-PDF fetcher.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxLinks <= 0 {
		cfg.MaxLinks = 5
	}
	return &Fetcher{
		httpClient: cfg.HTTPClient,
		timeout:    cfg.Timeout,
		maxLinks:   cfg.MaxLinks,
	}
}

// FetchAll downloads up to MaxLinks of urls and returns the non-empty text of
// each. Failed downloads are logged and skipped.
func (f *Fetcher) FetchAll(ctx context.Context, urls []string) []string {
	var texts []string
	for i, u := range urls {
		if i >= f.maxLinks {
			slog.Debug("linked pdf limit reached", "skipped", len(urls)-i)
			break
		}
		data, err := f.fetch(ctx, u)
		if err != nil {
			slog.Warn("fetch linked pdf", "url", u, "error", err)
			continue
		}
		if text := ExtractText(data); text != "" {
			texts = append(texts, text)
		}
	}
	return texts
}

func (f *Fetcher) fetch(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/pdf")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxDownloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) > MaxDownloadBytes {
		return nil, fmt.Errorf("pdf exceeds %d bytes", MaxDownloadBytes)
	}
	return data, nil
}
