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

package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/reportingest/internal/models"
)

// TestEnvelope_Shape verifies the wire format consumed downstream.
func TestEnvelope_Shape(t *testing.T) {
	now := time.Date(2025, 10, 14, 8, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	env := newEnvelope(ReportEvent{
		MessageID: "abc@bank",
		Subject:   "Q3 outlook",
		Bank:      "DNB Markets",
		Recommendations: []models.Recommendation{
			{CompanyName: "Equinor", TargetPrice: 410, TargetCurrency: "NOK", Recommendation: "buy"},
		},
	}, now)

	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got["type"] != EventTypeReportExtracted {
		t.Errorf("type = %v", got["type"])
	}
	if got["message_id"] != "abc@bank" {
		t.Errorf("message_id = %v", got["message_id"])
	}
	if _, err := uuid.Parse(got["id"].(string)); err != nil {
		t.Errorf("id is not a uuid: %v", got["id"])
	}
	if got["published_at"] != "2025-10-14T06:00:00Z" {
		t.Errorf("published_at = %v, want UTC", got["published_at"])
	}
	recs, ok := got["recommendations"].([]any)
	if !ok || len(recs) != 1 {
		t.Fatalf("recommendations = %v", got["recommendations"])
	}
	if recs[0].(map[string]any)["companyName"] != "Equinor" {
		t.Errorf("recommendation = %v", recs[0])
	}
}

// TestEnvelope_EmptyRecommendations verifies that an empty list is encoded
// as [] rather than null.
func TestEnvelope_EmptyRecommendations(t *testing.T) {
	b, _ := json.Marshal(newEnvelope(ReportEvent{MessageID: "m"}, time.Now()))
	var got map[string]json.RawMessage
	json.Unmarshal(b, &got)
	if string(got["recommendations"]) != "[]" {
		t.Errorf("recommendations = %s", got["recommendations"])
	}
}
