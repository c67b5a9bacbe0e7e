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

// Historical report import command.
//
// Standalone CLI tool that imports analyst reports already in the mailbox.
// IMAP mailboxes are imported by UID range with a resumable checkpoint; POP3
// mailboxes are scanned newest-first back to a lookback window. Intended for
// seeding data on new deployments.
//
// Usage:
//
//	go run ./cmd/backfill/ [--resume] [--start-uid N] [--end-uid N]
//	go run ./cmd/backfill/ [--pop3-max 500] [--since 720h]
//	go run ./cmd/backfill/ --message-id <id> [--pop3-max 500] [--since 720h]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/reportingest/internal/backfill"
	"github.com/bcem/reportingest/internal/config"
	"github.com/bcem/reportingest/internal/dedup"
	"github.com/bcem/reportingest/internal/extraction"
	"github.com/bcem/reportingest/internal/llm"
	"github.com/bcem/reportingest/internal/mailbox"
	"github.com/bcem/reportingest/internal/models"
	"github.com/bcem/reportingest/internal/pdftext"
	"github.com/bcem/reportingest/internal/processor"
	"github.com/bcem/reportingest/internal/queue"
	"github.com/bcem/reportingest/internal/retry"
	"github.com/bcem/reportingest/internal/store"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	startUID := flag.Uint("start-uid", 0, "First UID to import (IMAP; overrides the checkpoint)")
	endUID := flag.Uint("end-uid", 0, "Last UID to import (IMAP; 0 = newest)")
	resume := flag.Bool("resume", false, "Resume after the stored UID checkpoint (IMAP)")
	pop3Max := flag.Int("pop3-max", 500, "Maximum messages to scan (POP3)")
	sinceFlag := flag.String("since", "720h", "Lookback duration (POP3; e.g. 720h for 30 days, 0 = no limit)")
	messageID := flag.String("message-id", "", "Import only this Message-ID from the scanned window (POP3)")
	flag.Parse()

	since, err := time.ParseDuration(*sinceFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --since duration %q: %v\n", *sinceFlag, err)
		os.Exit(1)
	}
	if *startUID > 0 && *endUID > 0 && *startUID > *endUID {
		fmt.Fprintf(os.Stderr, "Error: --start-uid %d is after --end-uid %d\n\n", *startUID, *endUID)
		flag.Usage()
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.CheckCredentials(); err != nil {
		slog.Error("credential check failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	reports, err := store.New(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise report store", "error", err)
		os.Exit(1)
	}

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	publisher := queue.NewPublisher(rdb, cfg.ReportQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	// --- Extraction Pipeline ---
	completer, err := llm.New(ctx, cfg.LLM)
	if err != nil {
		slog.Error("failed to initialise LLM provider", "error", err)
		os.Exit(1)
	}
	proc := processor.New(processor.Config{
		Store: reports,
		Extractor: extraction.NewEngine(extraction.Config{
			Completer:       completer,
			MaxContentChars: cfg.LLM.MaxContentChars,
			Temperature:     cfg.LLM.Temperature,
			MaxTokens:       cfg.LLM.MaxTokens,
		}),
		Links: pdftext.NewFetcher(pdftext.FetcherConfig{
			Timeout:  cfg.Pipeline.LinkFetchTimeout,
			MaxLinks: cfg.Pipeline.MaxLinkedPDFs,
		}),
		Claims: dedup.NewFilter(rdb, cfg.Pipeline.ClaimTTL),
		Events: publisher,
		Retry: retry.Policy{
			MaxAttempts: cfg.Pipeline.MaxAttempts,
			BaseDelay:   cfg.Pipeline.BaseDelay,
		},
	})

	start := time.Now()
	if cfg.Mailbox.Protocol == "pop3" {
		runPOP3(ctx, cfg, reports, proc, *pop3Max, since, *messageID)
	} else {
		runIMAP(ctx, cfg, reports, proc, backfill.Request{
			StartUID: uint32(*startUID),
			EndUID:   uint32(*endUID),
			Resume:   *resume,
		})
	}
	slog.Info("backfill finished", "elapsed", time.Since(start))
}

func runIMAP(ctx context.Context, cfg *config.Config, reports *store.Store, proc *processor.Processor, req backfill.Request) {
	source := mailbox.NewIMAPClient(mailbox.IMAPConfig{
		Host:          cfg.Mailbox.Host,
		Port:          cfg.Mailbox.Port,
		Username:      cfg.Mailbox.Username,
		Password:      cfg.Mailbox.Password,
		Mailbox:       cfg.Mailbox.Mailbox,
		StageTimeout:  cfg.Mailbox.StageTimeout,
		TLSSkipVerify: cfg.Mailbox.TLSSkipVerify,
	})

	runner := backfill.NewRunner(backfill.RunnerConfig{
		Source:      source,
		Checkpoints: reports,
		Processor:   proc,
		ChunkSize:   cfg.Pipeline.ChunkSize,
		Width:       cfg.Pipeline.Concurrency,
		Progress: func(p models.Progress) {
			if p.Fetched%10 == 0 || p.Fetched == p.Total {
				slog.Info("fetch progress", "fetched", p.Fetched, "of", p.Total, "uid", p.UID)
			}
		},
	})

	result, err := runner.Run(ctx, req)
	if result != nil {
		// --- Summary ---
		slog.Info("imap backfill summary",
			"from_uid", result.FromUID,
			"to_uid", result.ToUID,
			"chunks", result.Chunks,
			"fetched", result.Fetched,
			"processed", result.Processed,
			"existed", result.Existed,
			"failed", result.Failed,
			"last_uid", result.LastUID,
			"checkpoint_reset", result.Reset,
		)
	}
	if err != nil {
		slog.Error("backfill failed", "error", err)
		os.Exit(1)
	}
}

func runPOP3(ctx context.Context, cfg *config.Config, reports *store.Store, proc *processor.Processor, maxResults int, since time.Duration, messageID string) {
	client := mailbox.NewPOP3Client(mailbox.POP3Config{
		Host:          cfg.Mailbox.Host,
		Port:          cfg.Mailbox.Port,
		Username:      cfg.Mailbox.Username,
		Password:      cfg.Mailbox.Password,
		StageTimeout:  cfg.Mailbox.StageTimeout,
		TLSSkipVerify: cfg.Mailbox.TLSSkipVerify,
	})

	var after time.Time
	if since > 0 {
		after = time.Now().UTC().Add(-since)
	}

	var (
		msgs []models.EmailMessage
		err  error
	)
	if messageID != "" {
		msg, err := client.FetchMessage(ctx, messageID, maxResults, after)
		if err != nil {
			slog.Error("pop3 message lookup failed", "message_id", messageID, "error", err)
			os.Exit(1)
		}
		msgs = []models.EmailMessage{*msg}
	} else {
		msgs, err = client.FetchRecent(ctx, maxResults, after)
		if err != nil {
			slog.Error("pop3 scan failed", "error", err)
			os.Exit(1)
		}
		slog.Info("pop3 scan complete", "messages", len(msgs), "after", after)
	}

	guidance, err := reports.Guidance(ctx)
	if err != nil {
		slog.Error("failed to load guidance", "error", err)
		os.Exit(1)
	}

	result, err := proc.ProcessBatch(ctx, msgs, processor.Options{Guidance: guidance}, cfg.Pipeline.Concurrency)
	if result != nil {
		// --- Summary ---
		slog.Info("pop3 backfill summary",
			"fetched", len(msgs),
			"processed", result.Processed,
			"existed", result.Existed,
			"failed", result.Failed,
		)
	}
	if err != nil {
		slog.Error("backfill failed", "error", err)
		os.Exit(1)
	}
}
