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

package extraction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/bcem/reportingest/internal/models"
)

// flexNumber accepts a JSON number or a numeric string ("410", "410,5").
// Anything else decodes as absent.
type flexNumber struct {
	value float64
	set   bool
}

func (n *flexNumber) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	var s string
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		s = strings.TrimSpace(s)
		if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
			s = strings.Replace(s, ",", ".", 1)
		}
	} else {
		s = string(b)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	n.value, n.set = v, true
	return nil
}

// positive returns the value when it is set and strictly positive.
func (n flexNumber) positive() (float64, bool) {
	return n.value, n.set && n.value > 0
}

// flexString accepts a JSON string or number. Other types decode as "".
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil
	}
	switch t := v.(type) {
	case string:
		*s = flexString(strings.TrimSpace(t))
	case float64:
		*s = flexString(strconv.FormatFloat(t, 'f', -1, 64))
	}
	return nil
}

// flexStrings accepts a list of strings or a single comma-separated string.
type flexStrings []string

func (l *flexStrings) UnmarshalJSON(b []byte) error {
	var list []flexString
	if err := json.Unmarshal(b, &list); err == nil {
		for _, s := range list {
			if s != "" {
				*l = append(*l, string(s))
			}
		}
		return nil
	}
	var one flexString
	_ = json.Unmarshal(b, &one)
	for _, part := range strings.Split(string(one), ",") {
		if p := strings.TrimSpace(part); p != "" {
			*l = append(*l, p)
		}
	}
	return nil
}

type rawRecommendation struct {
	CompanyName            flexString `json:"companyName"`
	ISIN                   flexString `json:"isin"`
	TargetPrice            flexNumber `json:"targetPrice"`
	TargetCurrency         flexString `json:"targetCurrency"`
	Recommendation         flexString `json:"recommendation"`
	Summary                flexString `json:"summary"`
	Bank                   flexString `json:"bank"`
	PreviousTargetPrice    flexNumber `json:"previousTargetPrice"`
	PreviousRecommendation flexString `json:"previousRecommendation"`
}

type rawReport struct {
	InvestmentBank  flexString           `json:"investmentBank"`
	AnalystNames    flexStrings          `json:"analystNames"`
	Recommendations *[]rawRecommendation `json:"recommendations"`

	// Legacy single-company shape.
	rawRecommendation
}

var (
	isinPattern     = regexp.MustCompile(`^[A-Z]{2}[A-Z0-9]{9}[0-9]$`)
	currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)
)

// decode parses a model JSON object into normalized report data and reports
// how many recommendations were dropped for lacking a company name or a
// positive target price.
func decode(obj string) (*models.ExtractedReportData, int, error) {
	var raw rawReport
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return nil, 0, fmt.Errorf("decode extraction JSON: %w", err)
	}

	var recs []rawRecommendation
	switch {
	case raw.Recommendations != nil:
		recs = *raw.Recommendations
	case raw.CompanyName != "":
		recs = []rawRecommendation{raw.rawRecommendation}
	}

	data := &models.ExtractedReportData{
		AnalystNames:    []string(raw.AnalystNames),
		Recommendations: []models.Recommendation{},
	}
	if bank := string(raw.InvestmentBank); bank != "" {
		data.InvestmentBank = &bank
	}

	dropped := 0
	for _, r := range recs {
		company := strings.TrimSpace(string(r.CompanyName))
		target, ok := r.TargetPrice.positive()
		if !ok || company == "" {
			dropped++
			continue
		}
		rec := models.Recommendation{
			CompanyName:            company,
			TargetPrice:            target,
			TargetCurrency:         normalizeCurrency(string(r.TargetCurrency)),
			Recommendation:         NormalizeLabel(string(r.Recommendation)),
			Summary:                string(r.Summary),
			Bank:                   string(r.Bank),
			PreviousRecommendation: NormalizeLabel(string(r.PreviousRecommendation)),
		}
		if isin := strings.ToUpper(string(r.ISIN)); isinPattern.MatchString(isin) {
			rec.ISIN = isin
		}
		if prev, ok := r.PreviousTargetPrice.positive(); ok {
			rec.PreviousTargetPrice = &prev
		}
		data.Recommendations = append(data.Recommendations, rec)
	}

	return data, dropped, nil
}

func normalizeCurrency(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if !currencyPattern.MatchString(s) {
		return ""
	}
	return s
}

func jsonValid(s string) bool {
	return json.Valid([]byte(s))
}
