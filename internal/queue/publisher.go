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

// Package queue publishes report-extracted events to a Redis list for
// downstream consumers (dashboards, alerting).
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/reportingest/internal/models"
)

// EventTypeReportExtracted is the type of every published event.
const EventTypeReportExtracted = "report.extracted"

// ReportEvent describes a newly extracted report.
type ReportEvent struct {
	MessageID       string
	Subject         string
	Bank            string
	ReceivedAt      time.Time
	Recommendations []models.Recommendation
}

// envelope is the JSON shape pushed to Redis.
type envelope struct {
	ID              string                  `json:"id"`
	Type            string                  `json:"type"`
	MessageID       string                  `json:"message_id"`
	Subject         string                  `json:"subject"`
	Bank            string                  `json:"bank,omitempty"`
	ReceivedAt      time.Time               `json:"received_at"`
	Recommendations []models.Recommendation `json:"recommendations"`
	PublishedAt     time.Time               `json:"published_at"`
}

// Publisher sends report events to Redis.
type Publisher struct {
	rdb       redis.Cmdable
	queueName string
}

// NewPublisher creates a new Redis publisher targeting the specified queue.
func NewPublisher(rdb redis.Cmdable, queueName string) *Publisher {
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

func newEnvelope(event ReportEvent, now time.Time) envelope {
	recs := event.Recommendations
	if recs == nil {
		recs = []models.Recommendation{}
	}
	return envelope{
		ID:              uuid.NewString(),
		Type:            EventTypeReportExtracted,
		MessageID:       event.MessageID,
		Subject:         event.Subject,
		Bank:            event.Bank,
		ReceivedAt:      event.ReceivedAt,
		Recommendations: recs,
		PublishedAt:     now.UTC(),
	}
}

// PublishReport serialises a report event and pushes it onto the queue.
func (p *Publisher) PublishReport(ctx context.Context, event ReportEvent) error {
	env := newEnvelope(event, time.Now())
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal report event: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, string(body)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("published report event",
		"event_id", env.ID,
		"message_id", event.MessageID,
		"recommendations", len(env.Recommendations),
		"queue", p.queueName,
	)
	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
