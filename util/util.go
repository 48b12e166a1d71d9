// Copyright 2026 definer-bugbash Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import (
	"context"
	"os"
	"time"

	"github.com/jpillora/backoff"
	"github.com/juju/errors"
)

// RetryPolicy bounds RunWithRetry.
type RetryPolicy struct {
	// Attempts is the total number of calls, at least 1.
	Attempts int
	// Min is the first wait, Max caps the wait between attempts.
	Min time.Duration
	Max time.Duration
}

// RunWithRetry calls f until it succeeds, the attempts are exhausted or ctx
// is done. It returns the number of calls made and the last error.
// retryable decides if an error is worth another attempt, nil means always.
func RunWithRetry(ctx context.Context, policy RetryPolicy, retryable func(error) bool, f func() error) (int, error) {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if policy.Max < policy.Min {
		policy.Max = policy.Min
	}
	b := &backoff.Backoff{
		Min:    policy.Min,
		Max:    policy.Max,
		Factor: 2,
		Jitter: true,
	}
	var err error
	for i := 1; i <= policy.Attempts; i++ {
		err = f()
		if err == nil {
			return i, nil
		}
		if i == policy.Attempts || (retryable != nil && !retryable(err)) {
			return i, errors.Trace(err)
		}
		select {
		case <-ctx.Done():
			return i, errors.Trace(err)
		case <-time.After(b.Duration()):
		}
	}
	return policy.Attempts, errors.Trace(err)
}

// IsFileExist returns true if the file exists.
func IsFileExist(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}
