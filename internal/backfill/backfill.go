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

// Package backfill imports a mailbox UID range in fixed-size chunks through
// the processing pipeline, advancing a persisted checkpoint after each chunk.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bcem/reportingest/internal/models"
	"github.com/bcem/reportingest/internal/processor"
)

const (
	// DefaultChunkSize is the number of UIDs requested per chunk.
	DefaultChunkSize = 50
)

// Source is the incremental mailbox the runner reads from.
type Source interface {
	State(ctx context.Context) (models.MailboxState, error)
	FetchRange(ctx context.Context, from, to uint32, progress chan<- models.Progress) ([]models.FetchedMessage, error)
}

// CheckpointStore persists sync state. Implemented by store.Store.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, key string) (string, bool, error)
	SetCheckpoint(ctx context.Context, key, value string) error
	Guidance(ctx context.Context) (string, error)
}

// BatchProcessor processes a group of emails with bounded concurrency.
// Implemented by processor.Processor.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, msgs []models.EmailMessage, opts processor.Options, width int) (*processor.BatchResult, error)
}

// Request defines the scope of a run. A non-zero StartUID overrides the
// checkpoint; Resume starts after the stored checkpoint. EndUID zero means
// the newest message.
type Request struct {
	StartUID uint32
	EndUID   uint32
	Resume   bool
}

// Result summarises a completed run.
type Result struct {
	Fetched   int
	Processed int
	Existed   int
	Failed    int
	Chunks    int
	FromUID   uint32
	ToUID     uint32
	LastUID   uint32 // checkpoint after the run
	Reset     bool   // UIDVALIDITY changed and the checkpoint was cleared
	Elapsed   time.Duration
}

// RunnerConfig holds dependencies for the backfill runner.
type RunnerConfig struct {
	Source      Source
	Checkpoints CheckpointStore
	Processor   BatchProcessor
	ChunkSize   int
	Width       int
	// Progress is called for every message fetched. Optional.
	Progress func(models.Progress)
}

// Runner performs chunked UID-range imports. Concurrent Run calls are
// serialised.
type Runner struct {
	source      Source
	checkpoints CheckpointStore
	processor   BatchProcessor
	chunkSize   int
	width       int
	progress    func(models.Progress)

	mu sync.Mutex
}

// NewRunner creates a backfill runner.
func NewRunner(cfg RunnerConfig) *Runner {
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	width := cfg.Width
	if width <= 0 {
		width = processor.DefaultWidth
	}
	return &Runner{
		source:      cfg.Source,
		checkpoints: cfg.Checkpoints,
		processor:   cfg.Processor,
		chunkSize:   chunk,
		width:       width,
		progress:    cfg.Progress,
	}
}

// Run imports the requested range. Extraction failures are counted; the
// first persistence or mailbox error stops the run with the checkpoint at
// the last completed chunk.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	result := &Result{}

	state, err := r.source.State(ctx)
	if err != nil {
		return nil, fmt.Errorf("read mailbox state: %w", err)
	}

	lastUID, reset, err := r.reconcileValidity(ctx, state.UIDValidity)
	if err != nil {
		return nil, err
	}
	result.Reset = reset
	result.LastUID = lastUID

	from := uint32(1)
	switch {
	case req.StartUID > 0:
		from = req.StartUID
	case req.Resume:
		from = lastUID + 1
	}
	to := req.EndUID
	if to == 0 {
		if state.UIDNext == 0 {
			slog.Warn("mailbox reported no UIDNEXT, nothing to import")
			return result, nil
		}
		to = state.UIDNext - 1
	}
	result.FromUID, result.ToUID = from, to

	if from > to {
		slog.Info("backfill range empty", "from_uid", from, "to_uid", to, "last_uid", lastUID)
		result.Elapsed = time.Since(start)
		return result, nil
	}

	guidance, err := r.checkpoints.Guidance(ctx)
	if err != nil {
		return nil, fmt.Errorf("load guidance: %w", err)
	}
	opts := processor.Options{Guidance: guidance}

	slog.Info("starting backfill",
		"from_uid", from,
		"to_uid", to,
		"uid_validity", state.UIDValidity,
		"resume", req.Resume,
		"chunk_size", r.chunkSize,
	)

	// uint64 so the last chunk cannot wrap past MaxUint32.
	for lo := uint64(from); lo <= uint64(to); lo += uint64(r.chunkSize) {
		hi := min(lo+uint64(r.chunkSize)-1, uint64(to))

		fetched, err := r.fetchChunk(ctx, uint32(lo), uint32(hi))
		if err != nil {
			result.Elapsed = time.Since(start)
			return result, fmt.Errorf("fetch uids %d-%d: %w", lo, hi, err)
		}
		result.Chunks++
		if len(fetched) == 0 {
			continue
		}
		result.Fetched += len(fetched)

		msgs := make([]models.EmailMessage, len(fetched))
		maxUID := uint32(0)
		for i, f := range fetched {
			msgs[i] = f.Message
			maxUID = max(maxUID, f.UID)
		}

		batch, err := r.processor.ProcessBatch(ctx, msgs, opts, r.width)
		if batch != nil {
			result.Processed += batch.Processed
			result.Existed += batch.Existed
			result.Failed += batch.Failed
		}
		if err != nil {
			result.Elapsed = time.Since(start)
			return result, fmt.Errorf("process uids %d-%d: %w", lo, hi, err)
		}

		if maxUID > result.LastUID {
			if err := r.checkpoints.SetCheckpoint(ctx, models.CheckpointLastUID, strconv.FormatUint(uint64(maxUID), 10)); err != nil {
				result.Elapsed = time.Since(start)
				return result, fmt.Errorf("advance checkpoint: %w", err)
			}
			result.LastUID = maxUID
		}

		slog.Info("backfill chunk complete",
			"from_uid", lo,
			"to_uid", hi,
			"fetched", len(fetched),
			"processed", batch.Processed,
			"existed", batch.Existed,
			"failed", batch.Failed,
			"checkpoint", result.LastUID,
		)
	}

	result.Elapsed = time.Since(start)
	slog.Info("backfill complete",
		"fetched", result.Fetched,
		"processed", result.Processed,
		"existed", result.Existed,
		"failed", result.Failed,
		"last_uid", result.LastUID,
		"elapsed", result.Elapsed,
	)
	return result, nil
}

// reconcileValidity compares the stored UIDVALIDITY with the server's. A
// mismatch clears the UID checkpoint. The current value is always stored.
func (r *Runner) reconcileValidity(ctx context.Context, current uint32) (lastUID uint32, reset bool, err error) {
	lastUID, err = r.uintCheckpoint(ctx, models.CheckpointLastUID)
	if err != nil {
		return 0, false, err
	}

	stored, ok, err := r.checkpoints.GetCheckpoint(ctx, models.CheckpointUIDValidity)
	if err != nil {
		return 0, false, fmt.Errorf("read uid validity: %w", err)
	}
	currentStr := strconv.FormatUint(uint64(current), 10)

	if ok && stored != currentStr {
		slog.Warn("UIDVALIDITY changed, resetting checkpoint",
			"stored", stored,
			"current", current,
			"last_uid", lastUID,
		)
		if err := r.checkpoints.SetCheckpoint(ctx, models.CheckpointLastUID, "0"); err != nil {
			return 0, false, fmt.Errorf("reset checkpoint: %w", err)
		}
		lastUID, reset = 0, true
	}

	if err := r.checkpoints.SetCheckpoint(ctx, models.CheckpointUIDValidity, currentStr); err != nil {
		return 0, false, fmt.Errorf("store uid validity: %w", err)
	}
	return lastUID, reset, nil
}

func (r *Runner) uintCheckpoint(ctx context.Context, key string) (uint32, error) {
	v, ok, err := r.checkpoints.GetCheckpoint(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("read checkpoint %s: %w", key, err)
	}
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		slog.Warn("ignoring malformed checkpoint", "key", key, "value", v)
		return 0, nil
	}
	return uint32(n), nil
}

func (r *Runner) fetchChunk(ctx context.Context, from, to uint32) ([]models.FetchedMessage, error) {
	if r.progress == nil {
		return r.source.FetchRange(ctx, from, to, nil)
	}

	// The channel is never closed: a timed-out fetch may still be sending.
	ch := make(chan models.Progress, 16)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case p := <-ch:
				r.progress(p)
			case <-stop:
				for {
					select {
					case p := <-ch:
						r.progress(p)
					default:
						return
					}
				}
			}
		}
	}()
	msgs, err := r.source.FetchRange(ctx, from, to, ch)
	close(stop)
	<-done
	return msgs, err
}
