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

package models

import "time"

// Recommendation labels. The extraction engine maps every bank-specific or
// multilingual label onto one of these, or leaves the label empty.
const (
	LabelBuy          = "buy"
	LabelHold         = "hold"
	LabelSell         = "sell"
	LabelOverweight   = "overweight"
	LabelUnderweight  = "underweight"
	LabelOutperform   = "outperform"
	LabelUnderperform = "underperform"
)

// Recommendation is one company-level opinion extracted from a report.
type Recommendation struct {
	CompanyName            string   `json:"companyName" validate:"required"`
	ISIN                   string   `json:"isin,omitempty" validate:"omitempty,len=12"`
	TargetPrice            float64  `json:"targetPrice" validate:"gt=0"`
	TargetCurrency         string   `json:"targetCurrency,omitempty" validate:"omitempty,len=3"`
	Recommendation         string   `json:"recommendation,omitempty" validate:"omitempty,oneof=buy hold sell overweight underweight outperform underperform"`
	Summary                string   `json:"summary,omitempty"`
	Bank                   string   `json:"bank,omitempty"` // per-recommendation override for aggregator sources
	PreviousTargetPrice    *float64 `json:"previousTargetPrice,omitempty" validate:"omitempty,gt=0"`
	PreviousRecommendation string   `json:"previousRecommendation,omitempty" validate:"omitempty,oneof=buy hold sell overweight underweight outperform underperform"`
}

// ResolvedBank returns the per-recommendation bank, falling back to the
// report-level bank.
func (r Recommendation) ResolvedBank(reportBank *string) string {
	if r.Bank != "" {
		return r.Bank
	}
	if reportBank != nil {
		return *reportBank
	}
	return ""
}

// ExtractedReportData is the report-level extraction result.
type ExtractedReportData struct {
	InvestmentBank  *string          `json:"investmentBank,omitempty"`
	AnalystNames    []string         `json:"analystNames,omitempty"`
	Recommendations []Recommendation `json:"recommendations" validate:"dive"`
}

// ExtractionStatus is the persisted state of a report record.
type ExtractionStatus string

const (
	StatusPending   ExtractionStatus = "pending"
	StatusProcessed ExtractionStatus = "processed"
	StatusFailed    ExtractionStatus = "failed"
)

// ProcessOutcome is the terminal state of one ProcessEmail call.
type ProcessOutcome string

const (
	OutcomeProcessed      ProcessOutcome = "processed"
	OutcomeFailed         ProcessOutcome = "failed"
	OutcomeAlreadyExisted ProcessOutcome = "already_existed"
)

// ReportRecord is the persisted form of a processed email.
type ReportRecord struct {
	ID              string
	MessageID       string
	FromName        string
	FromAddress     string
	FromDomain      string
	Subject         string
	ReceivedAt      time.Time
	Body            string
	AttachmentText  []string
	Trusted         bool
	InvestmentBank  *string
	AnalystNames    []string
	Status          ExtractionStatus
	ExtractionError string
	Recommendations []Recommendation
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Extraction rebuilds the extraction result from a stored record.
func (r *ReportRecord) Extraction() *ExtractedReportData {
	recs := r.Recommendations
	if recs == nil {
		recs = []Recommendation{}
	}
	return &ExtractedReportData{
		InvestmentBank:  r.InvestmentBank,
		AnalystNames:    r.AnalystNames,
		Recommendations: recs,
	}
}

// PriorRecommendation is the most recent stored opinion for a (company, bank) pair.
type PriorRecommendation struct {
	TargetPrice    float64
	Recommendation string
	ReceivedAt     time.Time
}

// DomainPolicy maps a trusted sender domain to a default bank name.
type DomainPolicy struct {
	Domain string
	Bank   string
}

// Checkpoint keys in the sync state store.
const (
	CheckpointLastUID     = "last_uid"
	CheckpointUIDValidity = "uid_validity"
	CheckpointPOP3LastRun = "pop3_last_run"
)
