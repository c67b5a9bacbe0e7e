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

package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/reportingest/internal/extraction"
	"github.com/bcem/reportingest/internal/llm"
	"github.com/bcem/reportingest/internal/models"
	"github.com/bcem/reportingest/internal/queue"
	"github.com/bcem/reportingest/internal/retry"
)

// --- Mock store ---

type priorKey struct{ company, bank string }

type mockStore struct {
	mu         sync.Mutex
	reports    map[string]*models.ReportRecord
	priors     map[priorKey]models.PriorRecommendation
	policies   map[string]models.DomainPolicy
	guidance   string
	createErr  error
	processErr error
	lookupErr  error
	lookups    int
}

func newMockStore() *mockStore {
	return &mockStore{
		reports:  make(map[string]*models.ReportRecord),
		priors:   make(map[priorKey]models.PriorRecommendation),
		policies: make(map[string]models.DomainPolicy),
	}
}

func (m *mockStore) GetReport(_ context.Context, id string) (*models.ReportRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *mockStore) CreateReport(_ context.Context, msg models.EmailMessage, text []string, trusted bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return false, m.createErr
	}
	if _, ok := m.reports[msg.ID]; ok {
		return false, nil
	}
	m.reports[msg.ID] = &models.ReportRecord{
		MessageID:      msg.ID,
		FromDomain:     msg.FromDomain,
		Subject:        msg.Subject,
		Body:           msg.Body,
		ReceivedAt:     msg.ReceivedAt,
		AttachmentText: text,
		Trusted:        trusted,
		Status:         models.StatusPending,
	}
	return true, nil
}

func (m *mockStore) MarkProcessed(_ context.Context, id string, data *models.ExtractedReportData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processErr != nil {
		return m.processErr
	}
	r := m.reports[id]
	r.Status = models.StatusProcessed
	r.ExtractionError = ""
	r.InvestmentBank = data.InvestmentBank
	r.AnalystNames = data.AnalystNames
	r.Recommendations = append([]models.Recommendation(nil), data.Recommendations...)
	return nil
}

func (m *mockStore) MarkFailed(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[id].Status = models.StatusFailed
	m.reports[id].ExtractionError = reason
	return nil
}

func (m *mockStore) LatestRecommendation(_ context.Context, company, bank string, _ time.Time) (*models.PriorRecommendation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	p, ok := m.priors[priorKey{company, bank}]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *mockStore) DomainPolicy(_ context.Context, domain string) (*models.DomainPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[domain]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *mockStore) Guidance(context.Context) (string, error) {
	return m.guidance, nil
}

func (m *mockStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reports)
}

// --- Mock extractor ---

type mockExtractor struct {
	mu     sync.Mutex
	calls  int
	inputs []extraction.Input
	fn     func(call int, in extraction.Input) (*models.ExtractedReportData, error)
}

func (m *mockExtractor) Extract(_ context.Context, in extraction.Input) (*models.ExtractedReportData, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.inputs = append(m.inputs, in)
	m.mu.Unlock()
	return m.fn(call, in)
}

func returns(data models.ExtractedReportData) *mockExtractor {
	return &mockExtractor{fn: func(int, extraction.Input) (*models.ExtractedReportData, error) {
		cp := data
		cp.Recommendations = append([]models.Recommendation{}, data.Recommendations...)
		return &cp, nil
	}}
}

// --- Mock publisher / claimer / links ---

type mockPublisher struct {
	mu     sync.Mutex
	events []queue.ReportEvent
}

func (m *mockPublisher) PublishReport(_ context.Context, e queue.ReportEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

type mockClaimer struct {
	held     map[string]bool
	released []string
}

func (m *mockClaimer) Claim(_ context.Context, id string) (bool, error) {
	if m.held[id] {
		return false, nil
	}
	return true, nil
}

func (m *mockClaimer) Release(_ context.Context, id string) error {
	m.released = append(m.released, id)
	return nil
}

type mockLinks struct {
	urls []string
}

func (m *mockLinks) FetchAll(_ context.Context, urls []string) []string {
	m.urls = append(m.urls, urls...)
	return []string{"linked pdf text"}
}

// --- Helpers ---

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		Sleep: func(_ context.Context, d time.Duration) error {
			s.mu.Lock()
			s.delays = append(s.delays, d)
			s.mu.Unlock()
			return nil
		},
		Jitter: func(max time.Duration) time.Duration { return max / 2 },
	}
}

func testMessage(id string) models.EmailMessage {
	return models.EmailMessage{
		ID:          id,
		FromAddress: "research@dnb.no",
		FromDomain:  "dnb.no",
		Subject:     "Q3 outlook",
		Body:        "Equinor, raised target from 350 to 410 NOK, reiterate buy",
		ReceivedAt:  time.Date(2025, 10, 14, 8, 0, 0, 0, time.UTC),
	}
}

func ptr[T any](v T) *T { return &v }

func newTestProcessor(store *mockStore, ex Extractor, sleeps *sleepRecorder) *Processor {
	return New(Config{Store: store, Extractor: ex, Retry: sleeps.policy()})
}

// TestProcessEmail_Idempotent verifies that a second call for the same message
// returns the stored extraction without calling the extractor again.
func TestProcessEmail_Idempotent(t *testing.T) {
	store := newMockStore()
	ex := returns(models.ExtractedReportData{
		Recommendations: []models.Recommendation{{CompanyName: "Equinor", TargetPrice: 410}},
	})
	p := newTestProcessor(store, ex, &sleepRecorder{})
	ctx := context.Background()

	first, err := p.ProcessEmail(ctx, testMessage("m1"), Options{})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeProcessed, first.Outcome)

	second, err := p.ProcessEmail(ctx, testMessage("m1"), Options{})
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeAlreadyExisted, second.Outcome)
	require.NotNil(t, second.Extraction)
	assert.Equal(t, first.Extraction.Recommendations, second.Extraction.Recommendations)
	assert.Equal(t, 1, ex.calls)
	assert.Equal(t, 1, store.count())
}

// TestProcessEmail_RateLimitRetry verifies three attempts with growing waits
// when the first two fail with a rate limit.
func TestProcessEmail_RateLimitRetry(t *testing.T) {
	store := newMockStore()
	ex := &mockExtractor{fn: func(call int, _ extraction.Input) (*models.ExtractedReportData, error) {
		if call < 3 {
			return nil, retry.Mark(retry.RateLimited, errors.New("HTTP 429"))
		}
		return &models.ExtractedReportData{Recommendations: []models.Recommendation{}}, nil
	}}
	sleeps := &sleepRecorder{}
	p := newTestProcessor(store, ex, sleeps)

	res, err := p.ProcessEmail(context.Background(), testMessage("m1"), Options{})
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeProcessed, res.Outcome)
	assert.Equal(t, 3, ex.calls)
	require.Len(t, sleeps.delays, 2)
	assert.Greater(t, sleeps.delays[1], sleeps.delays[0])
}

// TestProcessEmail_ExhaustedRetriesMarksFailed verifies that the last error is
// retained and not returned.
func TestProcessEmail_ExhaustedRetriesMarksFailed(t *testing.T) {
	store := newMockStore()
	ex := &mockExtractor{fn: func(call int, _ extraction.Input) (*models.ExtractedReportData, error) {
		return nil, fmt.Errorf("no JSON object (attempt %d)", call)
	}}
	p := newTestProcessor(store, ex, &sleepRecorder{})

	res, err := p.ProcessEmail(context.Background(), testMessage("m1"), Options{})
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	assert.Equal(t, "no JSON object (attempt 3)", res.Error)
	assert.Equal(t, 3, ex.calls)
	rec, _ := store.GetReport(context.Background(), "m1")
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Equal(t, "no JSON object (attempt 3)", rec.ExtractionError)
}

// TestProcessEmail_FailedRecordIsNotRetried verifies that a failed record
// short-circuits without an extraction.
func TestProcessEmail_FailedRecordIsNotRetried(t *testing.T) {
	store := newMockStore()
	store.reports["m1"] = &models.ReportRecord{MessageID: "m1", Status: models.StatusFailed}
	ex := returns(models.ExtractedReportData{})
	p := newTestProcessor(store, ex, &sleepRecorder{})

	res, err := p.ProcessEmail(context.Background(), testMessage("m1"), Options{})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAlreadyExisted, res.Outcome)
	assert.Nil(t, res.Extraction)
	assert.Zero(t, ex.calls)
}

// TestProcessBatch_ResumesPendingAfterFailure verifies that a record left
// pending by an aborted batch is extracted on the next run from its stored
// content.
func TestProcessBatch_ResumesPendingAfterFailure(t *testing.T) {
	store := newMockStore()
	store.policies["dnb.no"] = models.DomainPolicy{Domain: "dnb.no", Bank: "DNB Markets"}
	store.processErr = errors.New("connection reset")
	ex := returns(models.ExtractedReportData{
		Recommendations: []models.Recommendation{{CompanyName: "Equinor", TargetPrice: 410}},
	})
	p := newTestProcessor(store, ex, &sleepRecorder{})
	ctx := context.Background()
	msgs := []models.EmailMessage{testMessage("m1")}

	_, err := p.ProcessBatch(ctx, msgs, Options{}, 1)
	require.ErrorContains(t, err, "connection reset")
	rec, _ := store.GetReport(ctx, "m1")
	require.Equal(t, models.StatusPending, rec.Status)

	store.mu.Lock()
	store.processErr = nil
	store.mu.Unlock()

	res, err := p.ProcessBatch(ctx, msgs, Options{Guidance: "focus on targets"}, 1)
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, models.OutcomeProcessed, res.Results[0].Outcome)
	require.NotNil(t, res.Results[0].Extraction)
	assert.Equal(t, "DNB Markets", *res.Results[0].Extraction.InvestmentBank)

	assert.Equal(t, 2, ex.calls)
	assert.Equal(t, "focus on targets", ex.inputs[1].Guidance)
	assert.Equal(t, testMessage("m1").Body, ex.inputs[1].Body)
	rec, _ = store.GetReport(ctx, "m1")
	assert.Equal(t, models.StatusProcessed, rec.Status)
	assert.Equal(t, 1, store.count())
}

// TestProcessEmail_PendingClaimedElsewhere verifies that a pending record held
// by another worker is left alone.
func TestProcessEmail_PendingClaimedElsewhere(t *testing.T) {
	store := newMockStore()
	store.reports["m1"] = &models.ReportRecord{MessageID: "m1", Status: models.StatusPending, Body: "x"}
	claims := &mockClaimer{held: map[string]bool{"m1": true}}
	ex := returns(models.ExtractedReportData{})
	p := New(Config{Store: store, Extractor: ex, Claims: claims, Retry: (&sleepRecorder{}).policy()})

	res, err := p.ProcessEmail(context.Background(), testMessage("m1"), Options{})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAlreadyExisted, res.Outcome)
	assert.Zero(t, ex.calls)
	assert.Equal(t, models.StatusPending, store.reports["m1"].Status)
}

// TestProcessEmail_PersistenceFailure verifies that store errors are returned.
func TestProcessEmail_PersistenceFailure(t *testing.T) {
	store := newMockStore()
	store.createErr = errors.New("connection refused")
	p := newTestProcessor(store, returns(models.ExtractedReportData{}), &sleepRecorder{})

	_, err := p.ProcessEmail(context.Background(), testMessage("m1"), Options{})
	assert.ErrorContains(t, err, "connection refused")
}

// TestProcessEmail_Enrichment verifies that missing previous values are
// back-filled and supplied values are kept.
func TestProcessEmail_Enrichment(t *testing.T) {
	store := newMockStore()
	store.priors[priorKey{"Equinor", "DNB Markets"}] = models.PriorRecommendation{TargetPrice: 350, Recommendation: "hold"}
	store.priors[priorKey{"Mowi", "Pareto"}] = models.PriorRecommendation{TargetPrice: 200, Recommendation: "sell"}
	store.priors[priorKey{"Orkla", "DNB Markets"}] = models.PriorRecommendation{TargetPrice: 90, Recommendation: "buy"}
	ex := returns(models.ExtractedReportData{
		InvestmentBank: ptr("DNB Markets"),
		Recommendations: []models.Recommendation{
			{CompanyName: "Equinor", TargetPrice: 410, Recommendation: "buy"},
			{CompanyName: "Mowi", TargetPrice: 230, Bank: "Pareto", PreviousTargetPrice: ptr(210.0)},
			{CompanyName: "Orkla", TargetPrice: 100, PreviousTargetPrice: ptr(95.0), PreviousRecommendation: "hold"},
		},
	})
	p := newTestProcessor(store, ex, &sleepRecorder{})

	res, err := p.ProcessEmail(context.Background(), testMessage("m1"), Options{})
	require.NoError(t, err)
	recs := res.Extraction.Recommendations

	require.NotNil(t, recs[0].PreviousTargetPrice)
	assert.Equal(t, 350.0, *recs[0].PreviousTargetPrice)
	assert.Equal(t, "hold", recs[0].PreviousRecommendation)

	assert.Equal(t, 210.0, *recs[1].PreviousTargetPrice, "LLM value must not be overwritten")
	assert.Equal(t, "sell", recs[1].PreviousRecommendation)

	assert.Equal(t, 95.0, *recs[2].PreviousTargetPrice)
	assert.Equal(t, "hold", recs[2].PreviousRecommendation)
	assert.Equal(t, 2, store.lookups, "complete recommendations are not looked up")
}

// TestProcessEmail_EnrichmentFailureIsSkipped verifies that lookup errors do
// not fail the message.
func TestProcessEmail_EnrichmentFailureIsSkipped(t *testing.T) {
	store := newMockStore()
	store.lookupErr = errors.New("timeout")
	ex := returns(models.ExtractedReportData{
		InvestmentBank:  ptr("DNB Markets"),
		Recommendations: []models.Recommendation{{CompanyName: "Equinor", TargetPrice: 410}},
	})
	p := newTestProcessor(store, ex, &sleepRecorder{})

	res, err := p.ProcessEmail(context.Background(), testMessage("m1"), Options{})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeProcessed, res.Outcome)
	assert.Nil(t, res.Extraction.Recommendations[0].PreviousTargetPrice)
}

// TestProcessEmail_DomainPolicy verifies trust marking, the default bank and
// event publication.
func TestProcessEmail_DomainPolicy(t *testing.T) {
	store := newMockStore()
	store.policies["dnb.no"] = models.DomainPolicy{Domain: "dnb.no", Bank: "DNB Markets"}
	events := &mockPublisher{}
	ex := returns(models.ExtractedReportData{
		Recommendations: []models.Recommendation{{CompanyName: "Equinor", TargetPrice: 410}},
	})
	p := New(Config{Store: store, Extractor: ex, Events: events, Retry: (&sleepRecorder{}).policy()})

	res, err := p.ProcessEmail(context.Background(), testMessage("m1"), Options{})
	require.NoError(t, err)

	require.NotNil(t, res.Extraction.InvestmentBank)
	assert.Equal(t, "DNB Markets", *res.Extraction.InvestmentBank)
	rec, _ := store.GetReport(context.Background(), "m1")
	assert.True(t, rec.Trusted)
	require.Len(t, events.events, 1)
	assert.Equal(t, "DNB Markets", events.events[0].Bank)
}

// TestProcessEmail_ContentAndOptions verifies that linked PDFs are fetched and
// that guidance and feedback reach the extractor.
func TestProcessEmail_ContentAndOptions(t *testing.T) {
	store := newMockStore()
	links := &mockLinks{}
	ex := returns(models.ExtractedReportData{Recommendations: []models.Recommendation{}})
	p := New(Config{Store: store, Extractor: ex, Links: links, Retry: (&sleepRecorder{}).policy()})

	msg := testMessage("m1")
	msg.Body += "\nFull report: https://cdn.dnb.no/eqnr.pdf"
	msg.Links = []string{"https://cdn.dnb.no/eqnr.pdf", "https://cdn.dnb.no/appendix.pdf"}
	msg.Attachments = []models.Attachment{
		{Filename: "broken.pdf", ContentType: "application/pdf", Data: []byte("not a pdf")},
		{Filename: "logo.png", ContentType: "image/png", Data: []byte{1, 2, 3}},
	}

	_, err := p.ProcessEmail(context.Background(), msg, Options{Guidance: "house style", Feedback: "fix target"})
	require.NoError(t, err)

	assert.Equal(t, []string{"https://cdn.dnb.no/eqnr.pdf", "https://cdn.dnb.no/appendix.pdf"}, links.urls)
	require.Len(t, ex.inputs, 1)
	assert.Equal(t, []string{"linked pdf text"}, ex.inputs[0].Attachments)
	assert.Equal(t, "house style", ex.inputs[0].Guidance)
	assert.Equal(t, "fix target", ex.inputs[0].Feedback)
}

// TestProcessEmail_ClaimedElsewhere verifies that an in-flight claim held by
// another worker skips the message.
func TestProcessEmail_ClaimedElsewhere(t *testing.T) {
	store := newMockStore()
	claims := &mockClaimer{held: map[string]bool{"m1": true}}
	ex := returns(models.ExtractedReportData{})
	p := New(Config{Store: store, Extractor: ex, Claims: claims, Retry: (&sleepRecorder{}).policy()})

	res, err := p.ProcessEmail(context.Background(), testMessage("m1"), Options{})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAlreadyExisted, res.Outcome)
	assert.Zero(t, ex.calls)

	_, err = p.ProcessEmail(context.Background(), testMessage("m2"), Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, claims.released)
}

// scriptedCompleter returns a canned completion.
type scriptedCompleter struct{ text string }

func (s scriptedCompleter) Complete(context.Context, llm.Request) (string, error) {
	return s.text, nil
}

// TestProcessEmail_RaisedTargetScenario runs the full engine for a single
// company upgrade.
func TestProcessEmail_RaisedTargetScenario(t *testing.T) {
	store := newMockStore()
	engine := extraction.NewEngine(extraction.Config{Completer: scriptedCompleter{
		text: `{"investmentBank":"DNB Markets","recommendations":[{"companyName":"Equinor","targetPrice":410,` +
			`"targetCurrency":"NOK","recommendation":"buy","previousTargetPrice":350,"summary":"Raised target."}]}`,
	}})
	p := newTestProcessor(store, engine, &sleepRecorder{})

	res, err := p.ProcessEmail(context.Background(), testMessage("m1"), Options{})
	require.NoError(t, err)

	require.Len(t, res.Extraction.Recommendations, 1)
	rec := res.Extraction.Recommendations[0]
	assert.Equal(t, "Equinor", rec.CompanyName)
	assert.Equal(t, 410.0, rec.TargetPrice)
	assert.Equal(t, "NOK", rec.TargetCurrency)
	assert.Equal(t, "buy", rec.Recommendation)
	assert.Equal(t, 350.0, *rec.PreviousTargetPrice)
}

// TestProcessEmail_MarketCommentary verifies that an email without price
// targets is stored as processed with no recommendations.
func TestProcessEmail_MarketCommentary(t *testing.T) {
	store := newMockStore()
	engine := extraction.NewEngine(extraction.Config{Completer: scriptedCompleter{
		text: `No company targets today. {"investmentBank": null, "recommendations": []}`,
	}})
	p := newTestProcessor(store, engine, &sleepRecorder{})

	msg := testMessage("m1")
	msg.Subject = "Morning commentary"
	msg.Body = "Oslo Børs opened flat; oil is up 1%."
	res, err := p.ProcessEmail(context.Background(), msg, Options{})
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeProcessed, res.Outcome)
	assert.Empty(t, res.Extraction.Recommendations)
	rec, _ := store.GetReport(context.Background(), "m1")
	assert.Equal(t, models.StatusProcessed, rec.Status)
	assert.Empty(t, rec.Recommendations)
}

// TestReextract verifies not-found, failure and success paths.
func TestReextract(t *testing.T) {
	store := newMockStore()
	store.guidance = "standing guidance"
	store.reports["m1"] = &models.ReportRecord{
		MessageID:       "m1",
		Subject:         "Q3 outlook",
		Body:            "body",
		AttachmentText:  []string{"pdf"},
		Status:          models.StatusProcessed,
		Recommendations: []models.Recommendation{{CompanyName: "Equinor", TargetPrice: 41}},
	}
	ctx := context.Background()

	failing := &mockExtractor{fn: func(int, extraction.Input) (*models.ExtractedReportData, error) {
		return nil, retry.Mark(retry.Permanent, errors.New("model refused"))
	}}
	p := newTestProcessor(store, failing, &sleepRecorder{})

	_, err := p.Reextract(ctx, "missing", "")
	assert.ErrorIs(t, err, ErrReportNotFound)

	_, err = p.Reextract(ctx, "m1", "target is 410")
	var exErr *ExtractionError
	require.ErrorAs(t, err, &exErr)
	assert.Equal(t, "extraction failed: model refused", exErr.Error())
	rec, _ := store.GetReport(ctx, "m1")
	assert.Equal(t, models.StatusProcessed, rec.Status, "failed re-extraction leaves the record")

	fixed := returns(models.ExtractedReportData{
		Recommendations: []models.Recommendation{{CompanyName: "Equinor", TargetPrice: 410}},
	})
	p = newTestProcessor(store, fixed, &sleepRecorder{})
	data, err := p.Reextract(ctx, "m1", "target is 410")
	require.NoError(t, err)

	assert.Equal(t, 410.0, data.Recommendations[0].TargetPrice)
	assert.Equal(t, "standing guidance", fixed.inputs[0].Guidance)
	assert.Equal(t, "target is 410", fixed.inputs[0].Feedback)
	assert.Equal(t, []string{"pdf"}, fixed.inputs[0].Attachments)
	rec, _ = store.GetReport(ctx, "m1")
	assert.Equal(t, 410.0, rec.Recommendations[0].TargetPrice)
}

// TestProcessBatch_BoundedWidth verifies the concurrency cap and tallies.
func TestProcessBatch_BoundedWidth(t *testing.T) {
	store := newMockStore()
	var inFlight, peak int32
	ex := &mockExtractor{fn: func(_ int, in extraction.Input) (*models.ExtractedReportData, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		if strings.Contains(in.Body, "bad") {
			return nil, retry.Mark(retry.Permanent, errors.New("bad content"))
		}
		return &models.ExtractedReportData{Recommendations: []models.Recommendation{}}, nil
	}}
	p := newTestProcessor(store, ex, &sleepRecorder{})

	var msgs []models.EmailMessage
	for i := 0; i < 12; i++ {
		m := testMessage(fmt.Sprintf("m%d", i))
		if i == 7 {
			m.Body = "bad"
		}
		msgs = append(msgs, m)
	}
	store.reports["m0"] = &models.ReportRecord{MessageID: "m0", Status: models.StatusProcessed}

	res, err := p.ProcessBatch(context.Background(), msgs, Options{}, 5)
	require.NoError(t, err)

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(5))
	assert.Equal(t, 10, res.Processed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Existed)
	assert.Len(t, res.Results, 12)
}

// TestProcessBatch_PersistenceAborts verifies that a store failure stops the batch.
func TestProcessBatch_PersistenceAborts(t *testing.T) {
	store := newMockStore()
	store.processErr = errors.New("disk full")
	p := newTestProcessor(store, returns(models.ExtractedReportData{}), &sleepRecorder{})

	msgs := []models.EmailMessage{testMessage("a"), testMessage("b"), testMessage("c")}
	_, err := p.ProcessBatch(context.Background(), msgs, Options{}, 1)
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 1, store.count(), "later groups must not start")
}
