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

// Package processor runs one email through content extraction, model
// extraction with retry, enrichment against prior recommendations and
// persistence. Processing is idempotent per message ID.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcem/reportingest/internal/extraction"
	"github.com/bcem/reportingest/internal/models"
	"github.com/bcem/reportingest/internal/pdftext"
	"github.com/bcem/reportingest/internal/queue"
	"github.com/bcem/reportingest/internal/retry"
)

// ErrReportNotFound is returned by Reextract for an unknown message ID.
var ErrReportNotFound = errors.New("report not found")

// ExtractionError is the user-facing failure of a targeted re-extraction.
type ExtractionError struct {
	MessageID string
	Reason    string
}

func (e *ExtractionError) Error() string {
	return "extraction failed: " + e.Reason
}

// Store is the persistence collaborator.
type Store interface {
	GetReport(ctx context.Context, messageID string) (*models.ReportRecord, error)
	CreateReport(ctx context.Context, msg models.EmailMessage, attachmentText []string, trusted bool) (bool, error)
	MarkProcessed(ctx context.Context, messageID string, data *models.ExtractedReportData) error
	MarkFailed(ctx context.Context, messageID, reason string) error
	LatestRecommendation(ctx context.Context, company, bank string, before time.Time) (*models.PriorRecommendation, error)
	DomainPolicy(ctx context.Context, domain string) (*models.DomainPolicy, error)
	Guidance(ctx context.Context) (string, error)
}

// Extractor produces structured data from email content.
type Extractor interface {
	Extract(ctx context.Context, in extraction.Input) (*models.ExtractedReportData, error)
}

// LinkFetcher downloads linked PDFs and returns their text.
type LinkFetcher interface {
	FetchAll(ctx context.Context, urls []string) []string
}

// Claimer guards against concurrent processing of the same message.
type Claimer interface {
	Claim(ctx context.Context, messageID string) (bool, error)
	Release(ctx context.Context, messageID string) error
}

// EventPublisher announces successful extractions.
type EventPublisher interface {
	PublishReport(ctx context.Context, event queue.ReportEvent) error
}

// Config wires a Processor. Links, Claims and Events are optional.
type Config struct {
	Store     Store
	Extractor Extractor
	Links     LinkFetcher
	Claims    Claimer
	Events    EventPublisher
	Retry     retry.Policy
}

// Processor handles individual emails.
type Processor struct {
	store     Store
	extractor Extractor
	links     LinkFetcher
	claims    Claimer
	events    EventPublisher
	retry     retry.Policy
}

// New creates a Processor.
func New(cfg Config) *Processor {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	return &Processor{
		store:     cfg.Store,
		extractor: cfg.Extractor,
		links:     cfg.Links,
		claims:    cfg.Claims,
		events:    cfg.Events,
		retry:     cfg.Retry,
	}
}

// Options carries operator text for one extraction.
type Options struct {
	Guidance string
	Feedback string
}

// Result is the outcome of processing one email.
type Result struct {
	MessageID  string
	Outcome    models.ProcessOutcome
	Extraction *models.ExtractedReportData
	// Error holds the last extraction error for failed outcomes.
	Error string
}

// ProcessEmail processes msg once. A message already on record returns
// OutcomeAlreadyExisted, with its stored extraction when it was processed; a
// record left pending by an interrupted run is extracted again from its
// stored content. Extraction failures are recorded and reported in the
// Result; the returned error is non-nil only when persistence fails.
func (p *Processor) ProcessEmail(ctx context.Context, msg models.EmailMessage, opts Options) (*Result, error) {
	existing, err := p.store.GetReport(ctx, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("check existing report: %w", err)
	}
	if existing != nil && existing.Status != models.StatusPending {
		return alreadyExisted(existing), nil
	}

	if p.claims != nil {
		claimed, err := p.claims.Claim(ctx, msg.ID)
		switch {
		case err != nil:
			slog.Warn("in-flight claim failed, continuing", "message_id", msg.ID, "error", err)
		case !claimed:
			slog.Info("message is being processed elsewhere", "message_id", msg.ID)
			return &Result{MessageID: msg.ID, Outcome: models.OutcomeAlreadyExisted}, nil
		default:
			defer func() {
				if err := p.claims.Release(context.WithoutCancel(ctx), msg.ID); err != nil {
					slog.Warn("release in-flight claim", "message_id", msg.ID, "error", err)
				}
			}()
		}
	}

	if existing != nil {
		return p.resume(ctx, msg.ID, opts)
	}

	attachmentText := p.contentText(ctx, msg)

	policy, err := p.store.DomainPolicy(ctx, msg.FromDomain)
	if err != nil {
		slog.Warn("domain policy lookup failed", "domain", msg.FromDomain, "error", err)
		policy = nil
	}

	inserted, err := p.store.CreateReport(ctx, msg, attachmentText, policy != nil)
	if err != nil {
		return nil, fmt.Errorf("create report: %w", err)
	}
	if !inserted {
		existing, err := p.store.GetReport(ctx, msg.ID)
		if err != nil {
			return nil, fmt.Errorf("reload report: %w", err)
		}
		if existing != nil {
			return alreadyExisted(existing), nil
		}
		return &Result{MessageID: msg.ID, Outcome: models.OutcomeAlreadyExisted}, nil
	}

	return p.complete(ctx, report{
		messageID:  msg.ID,
		subject:    msg.Subject,
		fromDomain: msg.FromDomain,
		receivedAt: msg.ReceivedAt,
	}, policy, extraction.Input{
		Subject:     msg.Subject,
		Body:        msg.Body,
		Attachments: attachmentText,
		Guidance:    opts.Guidance,
		Feedback:    opts.Feedback,
	})
}

// resume extracts a record that was stored but never finished. The record is
// reloaded under the claim so a concurrent completion is not repeated.
func (p *Processor) resume(ctx context.Context, messageID string, opts Options) (*Result, error) {
	rec, err := p.store.GetReport(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("reload report: %w", err)
	}
	if rec == nil {
		return &Result{MessageID: messageID, Outcome: models.OutcomeAlreadyExisted}, nil
	}
	if rec.Status != models.StatusPending {
		return alreadyExisted(rec), nil
	}

	slog.Info("resuming pending report", "message_id", messageID)

	policy, err := p.store.DomainPolicy(ctx, rec.FromDomain)
	if err != nil {
		slog.Warn("domain policy lookup failed", "domain", rec.FromDomain, "error", err)
		policy = nil
	}

	return p.complete(ctx, report{
		messageID:  messageID,
		subject:    rec.Subject,
		fromDomain: rec.FromDomain,
		receivedAt: rec.ReceivedAt,
	}, policy, extraction.Input{
		Subject:     rec.Subject,
		Body:        rec.Body,
		Attachments: rec.AttachmentText,
		Guidance:    opts.Guidance,
		Feedback:    opts.Feedback,
	})
}

// report identifies the stored record an extraction belongs to.
type report struct {
	messageID  string
	subject    string
	fromDomain string
	receivedAt time.Time
}

// complete runs extraction for a stored record and records the outcome.
func (p *Processor) complete(ctx context.Context, r report, policy *models.DomainPolicy, in extraction.Input) (*Result, error) {
	data, err := p.extract(ctx, in)
	if err != nil {
		slog.Warn("extraction failed",
			"message_id", r.messageID,
			"subject", r.subject,
			"error", err,
		)
		if merr := p.store.MarkFailed(ctx, r.messageID, err.Error()); merr != nil {
			return nil, fmt.Errorf("record extraction failure: %w", merr)
		}
		return &Result{MessageID: r.messageID, Outcome: models.OutcomeFailed, Error: err.Error()}, nil
	}

	if err := p.finish(ctx, r.messageID, r.subject, r.receivedAt, policy, data); err != nil {
		return nil, err
	}

	slog.Info("report processed",
		"message_id", r.messageID,
		"from_domain", r.fromDomain,
		"trusted", policy != nil,
		"recommendations", len(data.Recommendations),
	)
	return &Result{MessageID: r.messageID, Outcome: models.OutcomeProcessed, Extraction: data}, nil
}

// Reextract runs extraction again for a stored message using the standing
// guidance plus feedback, replacing its stored recommendations. Extraction
// failures are returned as *ExtractionError and leave the record unchanged.
func (p *Processor) Reextract(ctx context.Context, messageID, feedback string) (*models.ExtractedReportData, error) {
	rec, err := p.store.GetReport(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("load report: %w", err)
	}
	if rec == nil {
		return nil, ErrReportNotFound
	}

	guidance, err := p.store.Guidance(ctx)
	if err != nil {
		return nil, fmt.Errorf("load guidance: %w", err)
	}

	data, err := p.extract(ctx, extraction.Input{
		Subject:     rec.Subject,
		Body:        rec.Body,
		Attachments: rec.AttachmentText,
		Guidance:    guidance,
		Feedback:    feedback,
	})
	if err != nil {
		slog.Warn("re-extraction failed", "message_id", messageID, "error", err)
		return nil, &ExtractionError{MessageID: messageID, Reason: err.Error()}
	}

	policy, err := p.store.DomainPolicy(ctx, rec.FromDomain)
	if err != nil {
		slog.Warn("domain policy lookup failed", "domain", rec.FromDomain, "error", err)
		policy = nil
	}
	if err := p.finish(ctx, messageID, rec.Subject, rec.ReceivedAt, policy, data); err != nil {
		return nil, err
	}

	slog.Info("report re-extracted",
		"message_id", messageID,
		"with_feedback", feedback != "",
		"recommendations", len(data.Recommendations),
	)
	return data, nil
}

func (p *Processor) extract(ctx context.Context, in extraction.Input) (*models.ExtractedReportData, error) {
	var data *models.ExtractedReportData
	err := retry.Do(ctx, p.retry, func(ctx context.Context) error {
		var err error
		data, err = p.extractor.Extract(ctx, in)
		return err
	})
	return data, err
}

// finish applies the domain default bank, enriches and persists a
// successful extraction, then publishes it.
func (p *Processor) finish(ctx context.Context, messageID, subject string, receivedAt time.Time, policy *models.DomainPolicy, data *models.ExtractedReportData) error {
	if data.InvestmentBank == nil && policy != nil && policy.Bank != "" {
		bank := policy.Bank
		data.InvestmentBank = &bank
	}

	p.enrich(ctx, data, receivedAt)

	if err := p.store.MarkProcessed(ctx, messageID, data); err != nil {
		return fmt.Errorf("store extraction: %w", err)
	}

	if p.events != nil {
		event := queue.ReportEvent{
			MessageID:       messageID,
			Subject:         subject,
			ReceivedAt:      receivedAt,
			Recommendations: data.Recommendations,
		}
		if data.InvestmentBank != nil {
			event.Bank = *data.InvestmentBank
		}
		if err := p.events.PublishReport(ctx, event); err != nil {
			slog.Warn("publish report event failed", "message_id", messageID, "error", err)
		}
	}
	return nil
}

// enrich back-fills missing previous target price and recommendation from the
// latest prior recommendation for the same company and bank. LLM-supplied
// values are never overwritten.
func (p *Processor) enrich(ctx context.Context, data *models.ExtractedReportData, receivedAt time.Time) {
	for i := range data.Recommendations {
		rec := &data.Recommendations[i]
		if rec.PreviousTargetPrice != nil && rec.PreviousRecommendation != "" {
			continue
		}
		bank := rec.ResolvedBank(data.InvestmentBank)
		if rec.CompanyName == "" || bank == "" {
			continue
		}

		prior, err := p.store.LatestRecommendation(ctx, rec.CompanyName, bank, receivedAt)
		if err != nil {
			slog.Warn("enrichment lookup failed",
				"company", rec.CompanyName,
				"bank", bank,
				"error", err,
			)
			continue
		}
		if prior == nil {
			continue
		}
		if rec.PreviousTargetPrice == nil && prior.TargetPrice > 0 {
			prev := prior.TargetPrice
			rec.PreviousTargetPrice = &prev
		}
		if rec.PreviousRecommendation == "" {
			rec.PreviousRecommendation = prior.Recommendation
		}
	}
}

// contentText extracts text from PDF attachments and linked PDFs. Failures
// yield no text.
func (p *Processor) contentText(ctx context.Context, msg models.EmailMessage) []string {
	var texts []string
	for _, att := range msg.Attachments {
		if !att.IsPDF() {
			continue
		}
		if text := pdftext.ExtractText(att.Data); text != "" {
			texts = append(texts, text)
		} else {
			slog.Debug("no text in pdf attachment", "message_id", msg.ID, "filename", att.Filename)
		}
	}

	if p.links == nil {
		return texts
	}
	urls := mergeLinks(msg.Links, pdftext.FindLinks(msg.Body))
	if len(urls) > 0 {
		texts = append(texts, p.links.FetchAll(ctx, urls)...)
	}
	return texts
}

func mergeLinks(lists ...[]string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, list := range lists {
		for _, u := range list {
			if !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}
	return out
}

func alreadyExisted(rec *models.ReportRecord) *Result {
	r := &Result{MessageID: rec.MessageID, Outcome: models.OutcomeAlreadyExisted}
	if rec.Status == models.StatusProcessed {
		r.Extraction = rec.Extraction()
	}
	return r
}
