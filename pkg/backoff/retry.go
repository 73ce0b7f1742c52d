// Copyright 2025 UMH Systems GmbH
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

package backoff

import (
	"context"
	"time"

	cbackoff "github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

// Policy bounds an exponential retry loop.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultPolicy is used for persistence writes.
var DefaultPolicy = Policy{
	InitialInterval: 50 * time.Millisecond,
	MaxInterval:     time.Second,
	MaxElapsedTime:  5 * time.Second,
}

func (p Policy) newBackOff(ctx context.Context) cbackoff.BackOff {
	b := cbackoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = p.MaxElapsedTime
	b.Reset()

	return cbackoff.WithContext(b, ctx)
}

// Retry runs op until it succeeds, returns an ignored or permanent error,
// the policy runs out of time, or ctx is cancelled. Ignored errors end the
// loop with a nil result.
func Retry(ctx context.Context, p Policy, log *zap.SugaredLogger, op func(ctx context.Context) error) error {
	var (
		attempt int
		final   error
	)

	err := cbackoff.Retry(func() error {
		attempt++

		err := op(ctx)
		if err == nil {
			return nil
		}

		switch CategoryOf(err) {
		case CategoryIgnored:
			return nil
		case CategoryPermanent:
			final = err

			return nil
		default:
			if log != nil {
				log.Debugw("Retrying after transient error", "attempt", attempt, "error", err)
			}

			return err
		}
	}, p.newBackOff(ctx))
	if err != nil {
		return err
	}

	return final
}
