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

// Package retry runs an operation with bounded attempts, choosing the wait
// between attempts from the kind of failure.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"
)

// Kind classifies a failure for backoff purposes.
type Kind int

const (
	// Transient failures are retried after the flat base delay.
	Transient Kind = iota
	// RateLimited failures are retried with exponential backoff and jitter.
	RateLimited
	// Permanent failures are not retried.
	Permanent
)

func (k Kind) String() string {
	switch k {
	case RateLimited:
		return "rate_limited"
	case Permanent:
		return "permanent"
	default:
		return "transient"
	}
}

// Error attaches a Kind to an underlying failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Mark wraps err with kind. A nil err stays nil.
func Mark(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Classify returns the Kind carried by err. Untyped errors whose text
// mentions HTTP 429 are treated as rate limits; everything else is transient.
func Classify(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err != nil && strings.Contains(err.Error(), "429") {
		return RateLimited
	}
	return Transient
}

// Policy bounds the number of attempts and sets the base delay between them.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration

	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// Jitter returns a random duration in [0, max). Defaults to math/rand.
	Jitter func(max time.Duration) time.Duration
}

// DefaultPolicy is three attempts with a two second base delay.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second}
}

// Delay returns the wait before the attempt following failed attempt n
// (1-based) of the given kind.
func (p Policy) Delay(kind Kind, n int) time.Duration {
	if kind != RateLimited {
		return p.BaseDelay
	}
	jitter := time.Duration(0)
	if p.BaseDelay > 0 {
		jitter = p.jitter(p.BaseDelay)
	}
	return p.BaseDelay<<uint(n) + jitter
}

func (p Policy) jitter(max time.Duration) time.Duration {
	if p.Jitter != nil {
		return p.Jitter(max)
	}
	return rand.N(max)
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do calls fn until it succeeds, returns a Permanent error, or MaxAttempts
// calls have been made. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for n := 1; n <= attempts; n++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		kind := Classify(err)
		if kind == Permanent || n == attempts {
			return err
		}

		delay := p.Delay(kind, n)
		slog.Warn("attempt failed, retrying",
			"attempt", n,
			"max_attempts", attempts,
			"kind", kind.String(),
			"delay", delay,
			"error", err,
		)
		if serr := p.sleep(ctx, delay); serr != nil {
			return err
		}
	}
	return err
}
