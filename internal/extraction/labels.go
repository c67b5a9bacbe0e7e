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
	"strings"

	"github.com/bcem/reportingest/internal/models"
)

// labels maps bank-specific and local-language ratings onto the closed label set.
var labels = map[string]string{
	"buy":        models.LabelBuy,
	"strong buy": models.LabelBuy,
	"accumulate": models.LabelBuy,
	"add":        models.LabelBuy,
	"positive":   models.LabelBuy,
	"kjøp":       models.LabelBuy,
	"kjop":       models.LabelBuy,
	"køb":        models.LabelBuy,
	"kob":        models.LabelBuy,
	"köp":        models.LabelBuy,
	"kop":        models.LabelBuy,
	"osta":       models.LabelBuy,

	"hold":           models.LabelHold,
	"neutral":        models.LabelHold,
	"nøytral":        models.LabelHold,
	"noytral":        models.LabelHold,
	"neutral weight": models.LabelHold,
	"behold":         models.LabelHold,
	"behåll":         models.LabelHold,
	"market perform": models.LabelHold,
	"sector perform": models.LabelHold,
	"equal weight":   models.LabelHold,
	"equal-weight":   models.LabelHold,
	"pito":           models.LabelHold,

	"sell":        models.LabelSell,
	"strong sell": models.LabelSell,
	"reduce":      models.LabelSell,
	"negative":    models.LabelSell,
	"selg":        models.LabelSell,
	"sælg":        models.LabelSell,
	"sälj":        models.LabelSell,
	"myy":         models.LabelSell,

	"overweight":  models.LabelOverweight,
	"underweight": models.LabelUnderweight,

	"outperform":          models.LabelOutperform,
	"sector outperform":   models.LabelOutperform,
	"market outperform":   models.LabelOutperform,
	"underperform":        models.LabelUnderperform,
	"sector underperform": models.LabelUnderperform,
	"market underperform": models.LabelUnderperform,
}

// NormalizeLabel maps a rating onto the closed label set. Unknown ratings
// return "".
func NormalizeLabel(s string) string {
	key := strings.ToLower(strings.Join(strings.Fields(s), " "))
	key = strings.Trim(key, ".!()\"'")
	return labels[key]
}
