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

// Package mailparse converts raw RFC 5322 messages into normalized
// EmailMessage values.
package mailparse

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	netmail "net/mail"
	"net/textproto"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/bcem/reportingest/internal/models"
)

// ErrNoSender is returned when a message carries no usable From address.
var ErrNoSender = errors.New("message has no sender address")

// SplitHeader reads the header block of a raw message (everything before the
// first blank line) and returns its fields. Folded continuation lines are
// joined with a single space. Keys are canonicalized and the first occurrence
// of a repeated field wins.
func SplitHeader(raw []byte) map[string]string {
	fields := make(map[string]string)
	var key string
	var value strings.Builder

	flush := func() {
		if key == "" {
			return
		}
		if _, seen := fields[key]; !seen {
			fields[key] = strings.TrimSpace(value.String())
		}
		key = ""
		value.Reset()
	}

	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			if key != "" {
				value.WriteByte(' ')
				value.WriteString(strings.TrimSpace(line))
			}
			continue
		}
		flush()
		name, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name))
		value.WriteString(strings.TrimSpace(v))
	}
	flush()

	return fields
}

// HeaderDate returns the parsed Date header of a raw message. Only the header
// block is inspected.
func HeaderDate(raw []byte) (time.Time, bool) {
	v, ok := SplitHeader(raw)["Date"]
	if !ok || v == "" {
		return time.Time{}, false
	}
	t, err := netmail.ParseDate(v)
	if err != nil || t.IsZero() {
		return time.Time{}, false
	}
	return t, true
}

// Parse builds an EmailMessage from a raw RFC 5322 message.
func Parse(raw []byte) (*models.EmailMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("create mail reader: %w", err)
	}
	defer mr.Close()

	msg := &models.EmailMessage{Attachments: []models.Attachment{}}

	from, _ := mr.Header.AddressList("From")
	if len(from) == 0 || from[0].Address == "" {
		return nil, ErrNoSender
	}
	msg.FromName = strings.TrimSpace(from[0].Name)
	msg.FromAddress = strings.TrimSpace(from[0].Address)
	if _, domain, ok := strings.Cut(msg.FromAddress, "@"); ok {
		msg.FromDomain = strings.ToLower(domain)
	}

	msg.Subject, _ = mr.Header.Subject()
	msg.Subject = strings.TrimSpace(msg.Subject)
	msg.Date = strings.TrimSpace(mr.Header.Get("Date"))
	if t, err := mr.Header.Date(); err == nil {
		msg.ReceivedAt = t.UTC()
	}

	msg.ID = strings.Trim(strings.TrimSpace(mr.Header.Get("Message-Id")), "<>")
	if msg.ID == "" {
		msg.ID = fallbackID(msg.FromAddress, msg.Date, msg.Subject)
	}

	var plain, html string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			return nil, fmt.Errorf("read message part: %w", err)
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			// Inline parts may still carry a filename (inline PDFs).
			filename, _ := (&mail.AttachmentHeader{Header: h.Header}).Filename()
			switch {
			case contentType == "text/plain" && filename == "" && plain == "":
				b, err := io.ReadAll(p.Body)
				if err != nil {
					return nil, fmt.Errorf("read plain body: %w", err)
				}
				plain = string(b)
			case contentType == "text/html" && filename == "" && html == "":
				b, err := io.ReadAll(p.Body)
				if err != nil {
					return nil, fmt.Errorf("read html body: %w", err)
				}
				html = string(b)
			case filename != "" || contentType == "application/pdf":
				att, err := readAttachment(p.Body, filename, contentType)
				if err != nil {
					return nil, err
				}
				msg.Attachments = append(msg.Attachments, att)
			}
		case *mail.AttachmentHeader:
			contentType, _, _ := h.ContentType()
			filename, _ := h.Filename()
			att, err := readAttachment(p.Body, filename, contentType)
			if err != nil {
				return nil, err
			}
			msg.Attachments = append(msg.Attachments, att)
		}
	}

	if html != "" {
		text, links := htmlText(html)
		msg.Links = links
		if strings.TrimSpace(plain) == "" {
			plain = text
		}
	}
	msg.Body = strings.TrimSpace(plain)

	return msg, nil
}

func readAttachment(r io.Reader, filename, contentType string) (models.Attachment, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("read attachment %q: %w", filename, err)
	}
	return models.Attachment{Filename: filename, ContentType: contentType, Data: b}, nil
}

// htmlText strips markup and returns the visible text plus any anchors that
// point at PDF documents.
func htmlText(html string) (string, []string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", nil
	}

	var links []string
	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if !isPDFLink(href) || seen[href] {
			return
		}
		seen[href] = true
		links = append(links, href)
	})

	doc.Find("script,style,head").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p,div,tr,li,h1,h2,h3,h4").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	var lines []string
	for _, line := range strings.Split(doc.Text(), "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n"), links
}

func isPDFLink(href string) bool {
	lower := strings.ToLower(href)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return false
	}
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	return strings.HasSuffix(lower, ".pdf")
}

func fallbackID(from, date, subject string) string {
	sum := sha256.Sum256([]byte(from + "\n" + date + "\n" + subject))
	return "sha256:" + hex.EncodeToString(sum[:])
}
