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

// Package store provides the Postgres-backed persistence for report records,
// their recommendations, sync checkpoints, domain policies and extraction
// guidance.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/reportingest/internal/models"
)

// Store provides persistence operations in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store backed by the given Postgres pool. It ensures the
// schema exists on creation.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure report schema: %w", err)
	}
	slog.Info("report store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS reports (
			id               TEXT PRIMARY KEY,
			message_id       TEXT NOT NULL UNIQUE,
			from_name        TEXT DEFAULT '',
			from_address     TEXT NOT NULL,
			from_domain      TEXT NOT NULL,
			subject          TEXT DEFAULT '',
			received_at      TIMESTAMPTZ NOT NULL,
			body             TEXT DEFAULT '',
			attachment_text  TEXT[] DEFAULT '{}',
			trusted          BOOLEAN DEFAULT FALSE,
			investment_bank  TEXT,
			analyst_names    TEXT[] DEFAULT '{}',
			status           TEXT NOT NULL DEFAULT 'pending',
			extraction_error TEXT DEFAULT '',
			created_at       TIMESTAMPTZ DEFAULT NOW(),
			updated_at       TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_reports_received ON reports(received_at);
		CREATE INDEX IF NOT EXISTS idx_reports_status ON reports(status);

		CREATE TABLE IF NOT EXISTS recommendations (
			id                      BIGSERIAL PRIMARY KEY,
			report_id               TEXT NOT NULL REFERENCES reports(id) ON DELETE CASCADE,
			position                INT NOT NULL,
			company_name            TEXT NOT NULL,
			isin                    TEXT DEFAULT '',
			target_price            DOUBLE PRECISION NOT NULL,
			target_currency         TEXT DEFAULT '',
			recommendation          TEXT DEFAULT '',
			summary                 TEXT DEFAULT '',
			bank                    TEXT DEFAULT '',
			previous_target_price   DOUBLE PRECISION,
			previous_recommendation TEXT DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_recs_report ON recommendations(report_id);
		CREATE INDEX IF NOT EXISTS idx_recs_company ON recommendations(LOWER(company_name));

		CREATE TABLE IF NOT EXISTS sync_state (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS domain_policies (
			domain     TEXT PRIMARY KEY,
			bank       TEXT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS extraction_guidance (
			id         INT PRIMARY KEY CHECK (id = 1),
			text       TEXT NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		);
	`)
	return err
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateReport inserts a pending record for msg unless one already exists for
// its message ID. It reports whether a row was inserted.
func (s *Store) CreateReport(ctx context.Context, msg models.EmailMessage, attachmentText []string, trusted bool) (bool, error) {
	if attachmentText == nil {
		attachmentText = []string{}
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO reports
			(id, message_id, from_name, from_address, from_domain, subject,
			 received_at, body, attachment_text, trusted, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'pending')
		ON CONFLICT (message_id) DO NOTHING
	`, uuid.NewString(), msg.ID, msg.FromName, msg.FromAddress, msg.FromDomain, msg.Subject,
		msg.ReceivedAt, msg.Body, attachmentText, trusted)
	if err != nil {
		return false, fmt.Errorf("insert report %s: %w", msg.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetReport returns the record for messageID with its recommendations, or
// nil if none exists.
func (s *Store) GetReport(ctx context.Context, messageID string) (*models.ReportRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, message_id, from_name, from_address, from_domain, subject,
		       received_at, body, COALESCE(attachment_text, '{}'), trusted,
		       investment_bank, COALESCE(analyst_names, '{}'), status,
		       extraction_error, created_at, updated_at
		FROM reports
		WHERE message_id = $1
	`, messageID)

	var r models.ReportRecord
	var status string
	err := row.Scan(
		&r.ID, &r.MessageID, &r.FromName, &r.FromAddress, &r.FromDomain, &r.Subject,
		&r.ReceivedAt, &r.Body, &r.AttachmentText, &r.Trusted,
		&r.InvestmentBank, &r.AnalystNames, &status,
		&r.ExtractionError, &r.CreatedAt, &r.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get report %s: %w", messageID, err)
	}
	r.Status = models.ExtractionStatus(status)

	recs, err := s.recommendations(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	r.Recommendations = recs
	return &r, nil
}

func (s *Store) recommendations(ctx context.Context, reportID string) ([]models.Recommendation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT company_name, isin, target_price, target_currency, recommendation,
		       summary, bank, previous_target_price, previous_recommendation
		FROM recommendations
		WHERE report_id = $1
		ORDER BY position
	`, reportID)
	if err != nil {
		return nil, fmt.Errorf("list recommendations: %w", err)
	}
	defer rows.Close()

	recs := []models.Recommendation{}
	for rows.Next() {
		var r models.Recommendation
		if err := rows.Scan(
			&r.CompanyName, &r.ISIN, &r.TargetPrice, &r.TargetCurrency, &r.Recommendation,
			&r.Summary, &r.Bank, &r.PreviousTargetPrice, &r.PreviousRecommendation,
		); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// MarkProcessed stores a successful extraction and replaces the report's
// recommendations in one transaction.
func (s *Store) MarkProcessed(ctx context.Context, messageID string, data *models.ExtractedReportData) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	analysts := data.AnalystNames
	if analysts == nil {
		analysts = []string{}
	}

	var reportID string
	err = tx.QueryRow(ctx, `
		UPDATE reports
		SET investment_bank = $1, analyst_names = $2, status = 'processed',
		    extraction_error = '', updated_at = NOW()
		WHERE message_id = $3
		RETURNING id
	`, data.InvestmentBank, analysts, messageID).Scan(&reportID)
	if err == pgx.ErrNoRows {
		return fmt.Errorf("mark processed: no report for %s", messageID)
	}
	if err != nil {
		return fmt.Errorf("mark processed %s: %w", messageID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM recommendations WHERE report_id = $1`, reportID); err != nil {
		return fmt.Errorf("clear recommendations: %w", err)
	}

	for i, r := range data.Recommendations {
		_, err := tx.Exec(ctx, `
			INSERT INTO recommendations
				(report_id, position, company_name, isin, target_price, target_currency,
				 recommendation, summary, bank, previous_target_price, previous_recommendation)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, reportID, i, r.CompanyName, r.ISIN, r.TargetPrice, r.TargetCurrency,
			r.Recommendation, r.Summary, r.Bank, r.PreviousTargetPrice, r.PreviousRecommendation)
		if err != nil {
			return fmt.Errorf("insert recommendation %d: %w", i, err)
		}
	}

	return tx.Commit(ctx)
}

// MarkFailed records a failed extraction with its error text.
func (s *Store) MarkFailed(ctx context.Context, messageID, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE reports
		SET status = 'failed', extraction_error = $1, updated_at = NOW()
		WHERE message_id = $2
	`, reason, messageID)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", messageID, err)
	}
	return nil
}

// LatestRecommendation returns the most recent processed recommendation for
// company and bank received strictly before before, or nil if none exists.
// Company and bank are compared case-insensitively; a recommendation's own
// bank takes precedence over its report's bank.
func (s *Store) LatestRecommendation(ctx context.Context, company, bank string, before time.Time) (*models.PriorRecommendation, error) {
	var p models.PriorRecommendation
	err := s.pool.QueryRow(ctx, `
		SELECT r.target_price, r.recommendation, rep.received_at
		FROM recommendations r
		JOIN reports rep ON rep.id = r.report_id
		WHERE LOWER(r.company_name) = LOWER($1)
		  AND LOWER(COALESCE(NULLIF(r.bank, ''), rep.investment_bank, '')) = LOWER($2)
		  AND rep.received_at < $3
		  AND rep.status = 'processed'
		ORDER BY rep.received_at DESC
		LIMIT 1
	`, strings.TrimSpace(company), strings.TrimSpace(bank), before).Scan(&p.TargetPrice, &p.Recommendation, &p.ReceivedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest recommendation: %w", err)
	}
	return &p, nil
}
