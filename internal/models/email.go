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

// Package models defines the data structures shared across the ingestion service.
package models

import "time"

// Attachment represents a file attached to an email.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}

// IsPDF reports whether the attachment looks like a PDF document.
func (a Attachment) IsPDF() bool {
	if a.ContentType == "application/pdf" {
		return true
	}
	n := len(a.Filename)
	return n >= 4 && (a.Filename[n-4:] == ".pdf" || a.Filename[n-4:] == ".PDF")
}

// EmailMessage is the normalized view of one mailbox item. It is built once
// during retrieval and never mutated afterwards.
type EmailMessage struct {
	// ID is the Message-ID header without angle brackets.
	ID          string       `json:"id"`
	FromName    string       `json:"from_name,omitempty"`
	FromAddress string       `json:"from_address"`
	FromDomain  string       `json:"from_domain"`
	Subject     string       `json:"subject"`
	Date        string       `json:"date,omitempty"` // raw RFC 5322 Date header
	ReceivedAt  time.Time    `json:"received_at"`
	Body        string       `json:"body"`
	Links       []string     `json:"links,omitempty"` // PDF hrefs found in the HTML part
	Attachments []Attachment `json:"attachments"`
}

// FetchedMessage pairs a parsed message with the IMAP UID it was fetched under.
type FetchedMessage struct {
	UID     uint32
	Message EmailMessage
}

// MailboxState is the metadata returned when a mailbox is selected.
type MailboxState struct {
	UIDValidity uint32
	UIDNext     uint32
	Messages    uint32
}

// Progress is emitted once per fetched message during a ranged fetch.
type Progress struct {
	Fetched int
	Total   int
	UID     uint32
}
