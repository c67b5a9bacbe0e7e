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

package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/bcem/reportingest/internal/models"
)

// GetCheckpoint returns the stored value for key and whether it exists.
func (s *Store) GetCheckpoint(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM sync_state WHERE key = $1`, key).Scan(&v)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get checkpoint %s: %w", key, err)
	}
	return v, true, nil
}

// SetCheckpoint upserts a checkpoint value.
func (s *Store) SetCheckpoint(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_state (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, key, value)
	if err != nil {
		return fmt.Errorf("set checkpoint %s: %w", key, err)
	}
	return nil
}

// DomainPolicy returns the policy for a sender domain, or nil if the domain
// is not trusted.
func (s *Store) DomainPolicy(ctx context.Context, domain string) (*models.DomainPolicy, error) {
	var p models.DomainPolicy
	err := s.pool.QueryRow(ctx, `
		SELECT domain, bank FROM domain_policies WHERE domain = $1
	`, strings.ToLower(domain)).Scan(&p.Domain, &p.Bank)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get domain policy %s: %w", domain, err)
	}
	return &p, nil
}

// UpsertDomainPolicy creates or replaces the bank mapping for a domain.
func (s *Store) UpsertDomainPolicy(ctx context.Context, p models.DomainPolicy) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO domain_policies (domain, bank) VALUES ($1, $2)
		ON CONFLICT (domain) DO UPDATE SET bank = EXCLUDED.bank, updated_at = NOW()
	`, strings.ToLower(strings.TrimSpace(p.Domain)), strings.TrimSpace(p.Bank))
	if err != nil {
		return fmt.Errorf("upsert domain policy %s: %w", p.Domain, err)
	}
	return nil
}

// Guidance returns the standing extraction guidance, or "" when unset.
func (s *Store) Guidance(ctx context.Context) (string, error) {
	var text string
	err := s.pool.QueryRow(ctx, `SELECT text FROM extraction_guidance WHERE id = 1`).Scan(&text)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get guidance: %w", err)
	}
	return text, nil
}

// SetGuidance replaces the standing extraction guidance.
func (s *Store) SetGuidance(ctx context.Context, text string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO extraction_guidance (id, text) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET text = EXCLUDED.text, updated_at = NOW()
	`, text)
	if err != nil {
		return fmt.Errorf("set guidance: %w", err)
	}
	return nil
}
