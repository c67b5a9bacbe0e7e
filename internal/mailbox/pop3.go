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
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/knadh/go-pop3"

	"github.com/bcem/reportingest/internal/mailparse"
	"github.com/bcem/reportingest/internal/models"
)

// pop3Session is the subset of *pop3.Conn used by the full scan.
type pop3Session interface {
	Auth(user, password string) error
	List(msgID int) ([]pop3.MessageID, error)
	Top(msgID int, numLines int) (*message.Entity, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
	Quit() error
}

// POP3Config holds POP3 connection settings.
type POP3Config struct {
	Host          string
	Port          int
	Username      string
	Password      string
	StageTimeout  time.Duration
	TLSSkipVerify bool
	CacheTTL      time.Duration
}

// POP3Client performs full mailbox scans over POP3 with TLS.
type POP3Client struct {
	cfg   POP3Config
	cache *Cache
	dial  func() (pop3Session, error)
	now   func() time.Time
}

// NewPOP3Client creates a POP3 full-scan client with its own result cache.
func NewPOP3Client(cfg POP3Config) *POP3Client {
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 60 * time.Second
	}
	c := &POP3Client{
		cfg:   cfg,
		cache: NewCache(cfg.CacheTTL),
		now:   time.Now,
	}
	c.dial = func() (pop3Session, error) {
		p := pop3.New(pop3.Opt{
			Host:          cfg.Host,
			Port:          cfg.Port,
			DialTimeout:   cfg.StageTimeout,
			TLSEnabled:    true,
			TLSSkipVerify: cfg.TLSSkipVerify,
		})
		conn, err := p.NewConn()
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	return c
}

// FetchRecent returns up to maxResults of the newest messages, newest first.
// Messages dated before after are skipped using only their header block. A
// zero after disables the date filter.
func (c *POP3Client) FetchRecent(ctx context.Context, maxResults int, after time.Time) ([]models.EmailMessage, error) {
	key := cacheKey(maxResults, after)
	if entries, ok := c.cache.Get(key, c.now()); ok {
		slog.Debug("pop3 scan served from cache", "entries", len(entries))
		return entries, nil
	}

	entries, err := c.scan(ctx, maxResults, after)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, entries, c.now())
	return entries, nil
}

// FetchMessage returns one message from the scan identified by maxResults and
// after. A fresh cached scan is reused without opening a session.
func (c *POP3Client) FetchMessage(ctx context.Context, id string, maxResults int, after time.Time) (*models.EmailMessage, error) {
	entries, err := c.FetchRecent(ctx, maxResults, after)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].ID == id {
			msg := entries[i]
			return &msg, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
}

func (c *POP3Client) scan(ctx context.Context, maxResults int, after time.Time) (entries []models.EmailMessage, err error) {
	conn, err := connectStage(ctx, "pop3", c.cfg.StageTimeout, c.dial, quitPOP3)
	if err != nil {
		return nil, err
	}
	defer quitPOP3(conn)

	err = c.stage(ctx, "authenticate", func(context.Context) error {
		if err := conn.Auth(c.cfg.Username, c.cfg.Password); err != nil {
			return fmt.Errorf("%w: %v", ErrAuthRejected, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var ids []pop3.MessageID
	err = c.stage(ctx, "enumerate", func(context.Context) error {
		var err error
		ids, err = conn.List(0)
		return err
	})
	if err != nil {
		return nil, err
	}

	entries = []models.EmailMessage{}
	skipped := 0
	// Message numbers ascend with arrival, so walk from the end.
	for i := len(ids) - 1; i >= 0 && len(entries) < maxResults; i-- {
		num := ids[i].ID
		headerRead := false
		if !after.IsZero() {
			date, ok, err := c.headerDate(ctx, conn, num)
			switch {
			case err != nil && (errors.Is(err, ErrTimeout) || ctx.Err() != nil):
				return nil, err
			case err != nil:
				slog.Debug("pop3 top failed, reading full message", "msg_num", num, "error", err)
			default:
				headerRead = true
				if ok && date.Before(after) {
					skipped++
					continue
				}
			}
		}

		var raw []byte
		err = c.stage(ctx, "fetch", func(context.Context) error {
			buf, err := conn.RetrRaw(num)
			if err != nil {
				return err
			}
			raw = buf.Bytes()
			return nil
		})
		if err != nil {
			return nil, err
		}

		if !after.IsZero() && !headerRead {
			if date, ok := mailparse.HeaderDate(raw); ok && date.Before(after) {
				skipped++
				continue
			}
		}

		msg, err := mailparse.Parse(raw)
		if err != nil {
			if errors.Is(err, mailparse.ErrNoSender) {
				slog.Warn("dropping pop3 message without sender", "msg_num", num)
			} else {
				slog.Warn("dropping unparseable pop3 message", "msg_num", num, "error", err)
			}
			continue
		}
		entries = append(entries, *msg)
	}

	slog.Info("pop3 scan complete",
		"listed", len(ids),
		"returned", len(entries),
		"skipped_older", skipped,
	)
	return entries, nil
}

// headerDate reads the Date header of message num with TOP, without
// downloading the body. ok is false when the header carries no usable date.
func (c *POP3Client) headerDate(ctx context.Context, conn pop3Session, num int) (date time.Time, ok bool, err error) {
	var entity *message.Entity
	err = c.stage(ctx, "header", func(context.Context) error {
		var err error
		entity, err = conn.Top(num, 0)
		return err
	})
	if err != nil {
		return time.Time{}, false, err
	}
	h := mail.Header{Header: entity.Header}
	date, derr := h.Date()
	if derr != nil || date.IsZero() {
		return time.Time{}, false, nil
	}
	return date, true, nil
}

func quitPOP3(conn pop3Session) {
	if err := conn.Quit(); err != nil {
		slog.Debug("pop3 quit failed", "error", err)
	}
}

func (c *POP3Client) stage(ctx context.Context, stage string, fn func(context.Context) error) error {
	return runStage(ctx, "pop3", stage, c.cfg.StageTimeout, fn)
}

func cacheKey(maxResults int, after time.Time) string {
	if after.IsZero() {
		return fmt.Sprintf("%d|", maxResults)
	}
	return fmt.Sprintf("%d|%s", maxResults, after.UTC().Format(time.RFC3339))
}
