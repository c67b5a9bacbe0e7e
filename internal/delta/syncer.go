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

// Package delta runs scheduled incremental syncs of the report mailbox. IMAP
// mailboxes resume from the UID checkpoint; POP3 mailboxes rescan recent
// messages since the last successful run.
package delta

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bcem/reportingest/internal/backfill"
	"github.com/bcem/reportingest/internal/models"
	"github.com/bcem/reportingest/internal/processor"
)

// ErrSyncInProgress is returned when a run is requested while one is active.
var ErrSyncInProgress = errors.New("sync already in progress")

const (
	ModeIMAP = "imap"
	ModePOP3 = "pop3"

	// DefaultOverlap is subtracted from the POP3 cursor so messages delivered
	// during the previous scan are not missed.
	DefaultOverlap = time.Hour
	// DefaultSchedule runs every 15 minutes (cron spec with seconds field).
	DefaultSchedule = "0 */15 * * * *"
)

// UIDRunner resumes an IMAP import from its checkpoint. Implemented by
// backfill.Runner.
type UIDRunner interface {
	Run(ctx context.Context, req backfill.Request) (*backfill.Result, error)
}

// RecentSource scans a POP3 mailbox. Implemented by mailbox.POP3Client.
type RecentSource interface {
	FetchRecent(ctx context.Context, maxResults int, after time.Time) ([]models.EmailMessage, error)
}

// SyncerConfig holds the configuration for the syncer.
type SyncerConfig struct {
	Mode       string
	Schedule   string
	Runner     UIDRunner    // IMAP mode
	Recent     RecentSource // POP3 mode
	Store      backfill.CheckpointStore
	Processor  backfill.BatchProcessor
	MaxResults int
	Width      int
	Overlap    time.Duration
	Now        func() time.Time
}

// Summary describes one completed sync.
type Summary struct {
	Mode      string
	Fetched   int
	Processed int
	Existed   int
	Failed    int
	LastUID   uint32 // IMAP only
	Elapsed   time.Duration
}

// Syncer runs incremental syncs on a schedule and on demand. At most one
// sync runs at a time.
type Syncer struct {
	cfg     SyncerConfig
	cron    *cron.Cron
	running atomic.Bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSyncer creates a syncer.
func NewSyncer(cfg SyncerConfig) *Syncer {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 100
	}
	if cfg.Width <= 0 {
		cfg.Width = processor.DefaultWidth
	}
	if cfg.Overlap == 0 {
		cfg.Overlap = DefaultOverlap
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Syncer{
		cfg:     cfg,
		cron:    cron.New(cron.WithSeconds()),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Start registers the scheduled sync and starts the scheduler.
func (s *Syncer) Start() error {
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.RunNow(s.baseCtx); err != nil && !errors.Is(err, ErrSyncInProgress) {
			slog.Error("scheduled sync failed", "mode", s.cfg.Mode, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("parse schedule %q: %w", s.cfg.Schedule, err)
	}

	s.cron.Start()
	slog.Info("sync scheduler started", "mode", s.cfg.Mode, "schedule", s.cfg.Schedule)
	return nil
}

// Stop cancels any running sync and waits for it to return.
func (s *Syncer) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	slog.Info("sync scheduler stopped")
}

// Trigger starts a sync in the background. It returns false when a sync is
// already running.
func (s *Syncer) Trigger() bool {
	if !s.running.CompareAndSwap(false, true) {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		if _, err := s.run(s.baseCtx); err != nil {
			slog.Error("triggered sync failed", "mode", s.cfg.Mode, "error", err)
		}
	}()
	return true
}

// RunNow performs one sync and waits for it.
func (s *Syncer) RunNow(ctx context.Context) (*Summary, error) {
	if !s.running.CompareAndSwap(false, true) {
		slog.Info("sync skipped, previous run still active", "mode", s.cfg.Mode)
		return nil, ErrSyncInProgress
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer s.running.Store(false)
	return s.run(ctx)
}

func (s *Syncer) run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	var (
		sum *Summary
		err error
	)
	switch s.cfg.Mode {
	case ModePOP3:
		sum, err = s.syncPOP3(ctx)
	case ModeIMAP, "":
		sum, err = s.syncIMAP(ctx)
	default:
		return nil, fmt.Errorf("unknown sync mode %q", s.cfg.Mode)
	}
	if err != nil {
		return sum, err
	}
	sum.Elapsed = time.Since(start)

	slog.Info("incremental sync complete",
		"mode", sum.Mode,
		"fetched", sum.Fetched,
		"processed", sum.Processed,
		"existed", sum.Existed,
		"failed", sum.Failed,
		"elapsed", sum.Elapsed,
	)
	return sum, nil
}

func (s *Syncer) syncIMAP(ctx context.Context) (*Summary, error) {
	res, err := s.cfg.Runner.Run(ctx, backfill.Request{Resume: true})
	if err != nil {
		return nil, fmt.Errorf("imap sync: %w", err)
	}
	return &Summary{
		Mode:      ModeIMAP,
		Fetched:   res.Fetched,
		Processed: res.Processed,
		Existed:   res.Existed,
		Failed:    res.Failed,
		LastUID:   res.LastUID,
	}, nil
}

// syncPOP3 scans messages newer than the last successful run minus the
// overlap and advances the cursor only when the whole batch persisted.
func (s *Syncer) syncPOP3(ctx context.Context) (*Summary, error) {
	runStarted := s.cfg.Now().UTC()

	var after time.Time
	v, ok, err := s.cfg.Store.GetCheckpoint(ctx, models.CheckpointPOP3LastRun)
	if err != nil {
		return nil, fmt.Errorf("read pop3 cursor: %w", err)
	}
	if ok && v != "" {
		last, perr := time.Parse(time.RFC3339, v)
		if perr != nil {
			slog.Warn("ignoring malformed pop3 cursor", "value", v)
		} else {
			after = last.Add(-s.cfg.Overlap)
		}
	}

	msgs, err := s.cfg.Recent.FetchRecent(ctx, s.cfg.MaxResults, after)
	if err != nil {
		return nil, fmt.Errorf("pop3 scan: %w", err)
	}

	sum := &Summary{Mode: ModePOP3, Fetched: len(msgs)}
	if len(msgs) > 0 {
		guidance, err := s.cfg.Store.Guidance(ctx)
		if err != nil {
			return nil, fmt.Errorf("load guidance: %w", err)
		}
		batch, err := s.cfg.Processor.ProcessBatch(ctx, msgs, processor.Options{Guidance: guidance}, s.cfg.Width)
		if batch != nil {
			sum.Processed, sum.Existed, sum.Failed = batch.Processed, batch.Existed, batch.Failed
		}
		if err != nil {
			return sum, fmt.Errorf("process pop3 messages: %w", err)
		}
	}

	if err := s.cfg.Store.SetCheckpoint(ctx, models.CheckpointPOP3LastRun, runStarted.Format(time.RFC3339)); err != nil {
		return sum, fmt.Errorf("advance pop3 cursor: %w", err)
	}
	return sum, nil
}
