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

package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/bcem/reportingest/internal/mailparse"
	"github.com/bcem/reportingest/internal/models"
)

// imapSession is the subset of *client.Client used for incremental fetches.
type imapSession interface {
	Login(username, password string) error
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	Logout() error
}

// IMAPConfig holds IMAP connection settings.
type IMAPConfig struct {
	Host          string
	Port          int
	Username      string
	Password      string
	Mailbox       string
	StageTimeout  time.Duration
	TLSSkipVerify bool
}

// IMAPClient reads mailbox state and fetches UID ranges over IMAP with TLS.
type IMAPClient struct {
	cfg  IMAPConfig
	dial func() (imapSession, error)
}

// NewIMAPClient creates an incremental IMAP client.
func NewIMAPClient(cfg IMAPConfig) *IMAPClient {
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 60 * time.Second
	}
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	c := &IMAPClient{cfg: cfg}
	c.dial = func() (imapSession, error) {
		addr := net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))
		dialer := &net.Dialer{Timeout: cfg.StageTimeout}
		tlsCfg := &tls.Config{ServerName: cfg.Host, InsecureSkipVerify: cfg.TLSSkipVerify}
		cl, err := client.DialWithDialerTLS(dialer, addr, tlsCfg)
		if err != nil {
			return nil, err
		}
		return cl, nil
	}
	return c
}

// State returns the current UIDVALIDITY, UIDNEXT and message count of the
// configured mailbox.
func (c *IMAPClient) State(ctx context.Context) (models.MailboxState, error) {
	var state models.MailboxState
	err := c.withSession(ctx, func(s imapSession, status *imap.MailboxStatus) error {
		state = models.MailboxState{
			UIDValidity: status.UidValidity,
			UIDNext:     status.UidNext,
			Messages:    status.Messages,
		}
		return nil
	})
	return state, err
}

// FetchRange fetches messages with UIDs in [from, to], ascending. One
// Progress value is sent on progress (if non-nil) after each parsed message.
func (c *IMAPClient) FetchRange(ctx context.Context, from, to uint32, progress chan<- models.Progress) ([]models.FetchedMessage, error) {
	if from == 0 {
		from = 1
	}
	if to < from {
		return []models.FetchedMessage{}, nil
	}

	var out []models.FetchedMessage
	err := c.withSession(ctx, func(s imapSession, _ *imap.MailboxStatus) error {
		return c.stage(ctx, "fetch", func(stageCtx context.Context) error {
			var err error
			out, err = c.fetch(stageCtx, s, from, to, progress)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *IMAPClient) fetch(ctx context.Context, s imapSession, from, to uint32, progress chan<- models.Progress) ([]models.FetchedMessage, error) {
	seqset := new(imap.SeqSet)
	seqset.AddRange(from, to)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.UidFetch(seqset, items, messages)
	}()

	total := int(to - from + 1)
	out := []models.FetchedMessage{}
	for msg := range messages {
		if msg == nil || msg.Uid < from || msg.Uid > to {
			continue
		}
		r := msg.GetBody(section)
		if r == nil {
			slog.Warn("imap message without body", "uid", msg.Uid)
			continue
		}
		raw, err := io.ReadAll(r)
		if err != nil {
			slog.Warn("read imap message body", "uid", msg.Uid, "error", err)
			continue
		}
		parsed, err := mailparse.Parse(raw)
		if err != nil {
			slog.Warn("dropping unparseable imap message", "uid", msg.Uid, "error", err)
			continue
		}
		if parsed.ReceivedAt.IsZero() {
			parsed.ReceivedAt = msg.InternalDate.UTC()
		}
		out = append(out, models.FetchedMessage{UID: msg.Uid, Message: *parsed})

		if progress != nil {
			select {
			case progress <- models.Progress{Fetched: len(out), Total: total, UID: msg.Uid}:
			case <-ctx.Done():
				// Drain so the fetch goroutine can finish.
				for range messages {
				}
				<-done
				return nil, ctx.Err()
			}
		}
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("uid fetch %d:%d: %w", from, to, err)
	}
	return out, nil
}

func logoutIMAP(s imapSession) {
	if err := s.Logout(); err != nil {
		slog.Debug("imap logout failed", "error", err)
	}
}

// withSession dials, logs in and selects the mailbox read-only, then calls fn.
// Logout is always attempted once a connection exists.
func (c *IMAPClient) withSession(ctx context.Context, fn func(imapSession, *imap.MailboxStatus) error) error {
	s, err := connectStage(ctx, "imap", c.cfg.StageTimeout, c.dial, logoutIMAP)
	if err != nil {
		return err
	}
	defer logoutIMAP(s)

	err = c.stage(ctx, "authenticate", func(context.Context) error {
		if err := s.Login(c.cfg.Username, c.cfg.Password); err != nil {
			return fmt.Errorf("%w: %v", ErrAuthRejected, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	var status *imap.MailboxStatus
	err = c.stage(ctx, "select", func(context.Context) error {
		var err error
		status, err = s.Select(c.cfg.Mailbox, true)
		return err
	})
	if err != nil {
		return err
	}

	return fn(s, status)
}

func (c *IMAPClient) stage(ctx context.Context, stage string, fn func(context.Context) error) error {
	return runStage(ctx, "imap", stage, c.cfg.StageTimeout, fn)
}
