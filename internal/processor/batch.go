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
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bcem/reportingest/internal/models"
)

// DefaultWidth is the number of emails processed concurrently in a batch.
const DefaultWidth = 5

// BatchResult tallies the outcomes of a batch.
type BatchResult struct {
	Processed int
	Existed   int
	Failed    int
	Results   []*Result
}

func (b *BatchResult) add(r *Result) {
	switch r.Outcome {
	case models.OutcomeProcessed:
		b.Processed++
	case models.OutcomeFailed:
		b.Failed++
	default:
		b.Existed++
	}
	b.Results = append(b.Results, r)
}

// ProcessBatch processes msgs in groups of width, waiting for each group to
// finish before starting the next. Per-message extraction failures are
// counted; the first persistence error aborts the batch.
func (p *Processor) ProcessBatch(ctx context.Context, msgs []models.EmailMessage, opts Options, width int) (*BatchResult, error) {
	if width <= 0 {
		width = DefaultWidth
	}

	out := &BatchResult{}
	var mu sync.Mutex
	for start := 0; start < len(msgs); start += width {
		end := min(start+width, len(msgs))

		g, gctx := errgroup.WithContext(ctx)
		for _, msg := range msgs[start:end] {
			g.Go(func() error {
				r, err := p.ProcessEmail(gctx, msg, opts)
				if err != nil {
					return err
				}
				mu.Lock()
				out.add(r)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return out, err
		}
	}
	return out, nil
}
