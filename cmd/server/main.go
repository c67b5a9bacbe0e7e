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

// Report ingestion service.
//
// Entry point for the long-running ingestion service. It:
//  1. Loads configuration from config.yaml and checks credentials
//  2. Connects to PostgreSQL and Redis
//  3. Builds the extraction pipeline (LLM provider, PDF fetcher, processor)
//  4. Runs scheduled incremental mailbox syncs
//  5. Serves the operator API (health, sync, re-extraction, guidance)
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/reportingest/internal/api"
	"github.com/bcem/reportingest/internal/backfill"
	"github.com/bcem/reportingest/internal/config"
	"github.com/bcem/reportingest/internal/dedup"
	"github.com/bcem/reportingest/internal/delta"
	"github.com/bcem/reportingest/internal/extraction"
	"github.com/bcem/reportingest/internal/llm"
	"github.com/bcem/reportingest/internal/mailbox"
	"github.com/bcem/reportingest/internal/pdftext"
	"github.com/bcem/reportingest/internal/processor"
	"github.com/bcem/reportingest/internal/queue"
	"github.com/bcem/reportingest/internal/retry"
	"github.com/bcem/reportingest/internal/store"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(os.Getenv("LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	slog.Info("starting report ingestion service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.CheckCredentials(); err != nil {
		slog.Error("startup health check failed", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"protocol", cfg.Mailbox.Protocol,
		"host", cfg.Mailbox.Host,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"schedule", cfg.Schedule,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

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

	publisher := queue.NewPublisher(rdb, cfg.ReportQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

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

	// --- Scheduled Sync ---
	syncCfg := delta.SyncerConfig{
		Mode:       cfg.Mailbox.Protocol,
		Schedule:   cfg.Schedule,
		Store:      reports,
		Processor:  proc,
		MaxResults: cfg.Pipeline.RecentMaxResults,
		Width:      cfg.Pipeline.Concurrency,
	}
	switch cfg.Mailbox.Protocol {
	case delta.ModePOP3:
		syncCfg.Recent = mailbox.NewPOP3Client(mailbox.POP3Config{
			Host:          cfg.Mailbox.Host,
			Port:          cfg.Mailbox.Port,
			Username:      cfg.Mailbox.Username,
			Password:      cfg.Mailbox.Password,
			StageTimeout:  cfg.Mailbox.StageTimeout,
			TLSSkipVerify: cfg.Mailbox.TLSSkipVerify,
		})
	default:
		syncCfg.Runner = backfill.NewRunner(backfill.RunnerConfig{
			Source: mailbox.NewIMAPClient(mailbox.IMAPConfig{
				Host:          cfg.Mailbox.Host,
				Port:          cfg.Mailbox.Port,
				Username:      cfg.Mailbox.Username,
				Password:      cfg.Mailbox.Password,
				Mailbox:       cfg.Mailbox.Mailbox,
				StageTimeout:  cfg.Mailbox.StageTimeout,
				TLSSkipVerify: cfg.Mailbox.TLSSkipVerify,
			}),
			Checkpoints: reports,
			Processor:   proc,
			ChunkSize:   cfg.Pipeline.ChunkSize,
			Width:       cfg.Pipeline.Concurrency,
		})
	}

	syncer := delta.NewSyncer(syncCfg)
	if err := syncer.Start(); err != nil {
		slog.Error("failed to start sync scheduler", "error", err)
		os.Exit(1)
	}

	// --- Operator API ---
	handler := api.NewHandler(api.Config{
		Reextractor: proc,
		Sync:        syncer,
		Admin:       reports,
		Health: map[string]api.Pinger{
			"redis":    publisher,
			"postgres": reports,
		},
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute, // re-extraction waits on the model
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel()

		syncer.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}

		rdb.Close()
		pgPool.Close()
	}()

	slog.Info("ingestion service listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("ingestion service stopped")
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
