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

// Package mailbox retrieves report emails from the upstream mail server. Two
// strategies are provided: a POP3 full scan that returns the most recent
// messages, and an IMAP client that fetches UID ranges incrementally.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrTimeout is wrapped by StageError when a stage exceeds its deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrAuthRejected is wrapped by StageError when the server refuses the
	// configured credentials.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrMessageNotFound is returned when a requested message is not in the
	// scanned set.
	ErrMessageNotFound = errors.New("message not found")
)

// StageError reports a failed mailbox operation together with the stage it
// failed in and how long the stage ran.
type StageError struct {
	Protocol string
	Stage    string
	Elapsed  time.Duration
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s %s failed after %s: %v", e.Protocol, e.Stage, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// runStage runs fn under a per-stage deadline. fn runs on its own goroutine so
// that a blocked network call cannot hold the caller past the deadline; the
// caller is expected to close the session when a timeout is returned.
func runStage(ctx context.Context, protocol, stage string, timeout time.Duration, fn func(ctx context.Context) error) error {
	start := time.Now()
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(stageCtx) }()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		return &StageError{Protocol: protocol, Stage: stage, Elapsed: time.Since(start), Err: err}
	case <-stageCtx.Done():
		err := ErrTimeout
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return &StageError{Protocol: protocol, Stage: stage, Elapsed: time.Since(start), Err: err}
	}
}

// connectStage dials under the connect deadline and returns the session. A
// session that arrives after the deadline is closed with closeFn so that a
// timed-out connect never leaks a connection.
func connectStage[S any](ctx context.Context, protocol string, timeout time.Duration, dial func() (S, error), closeFn func(S)) (S, error) {
	var (
		mu        sync.Mutex
		session   S
		connected bool
		abandoned bool
	)
	err := runStage(ctx, protocol, "connect", timeout, func(context.Context) error {
		s, err := dial()
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		if abandoned {
			closeFn(s)
			return nil
		}
		session, connected = s, true
		return nil
	})
	if err != nil {
		mu.Lock()
		defer mu.Unlock()
		abandoned = true
		// The dial may have finished just as the deadline fired.
		if connected {
			closeFn(session)
		}
		var zero S
		return zero, err
	}
	return session, nil
}
