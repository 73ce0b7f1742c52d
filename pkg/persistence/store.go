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

// Package persistence stores serialized machine groups under a key, usually
// the group name.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/bigmachines/pkg/backoff"
	"github.com/united-manufacturing-hub/bigmachines/pkg/metrics"
)

var (
	ErrNotFound = errors.New("no snapshot stored under this key")
	ErrClosed   = errors.New("store is closed")
)

// Store keeps opaque group snapshots.
type Store interface {
	Save(ctx context.Context, key string, data []byte) error
	// Load returns ErrNotFound when nothing is stored under key.
	Load(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// Keys returns the stored keys in ascending order.
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// SaveWithRetry writes data, retrying transient failures with the default
// backoff policy.
func SaveWithRetry(ctx context.Context, store Store, key string, data []byte, log *zap.SugaredLogger) error {
	return SaveWithPolicy(ctx, store, key, data, backoff.DefaultPolicy, log)
}

// SaveWithPolicy is SaveWithRetry with an explicit policy.
func SaveWithPolicy(ctx context.Context, store Store, key string, data []byte, policy backoff.Policy, log *zap.SugaredLogger) error {
	start := time.Now()
	defer func() {
		metrics.ObservePersistenceOp("save", time.Since(start))
	}()

	err := backoff.Retry(ctx, policy, log, func(ctx context.Context) error {
		err := store.Save(ctx, key, data)
		if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
			return backoff.NewPermanentError(err)
		}

		return err
	})
	if err != nil {
		metrics.IncErrorCount(metrics.ComponentPersistence, key)

		return fmt.Errorf("save %s: %w", key, backoff.ExtractOriginalError(err))
	}

	return nil
}

// LoadTimed is Load with the duration recorded. A missing key is not an
// error: it returns nil data.
func LoadTimed(ctx context.Context, store Store, key string) ([]byte, error) {
	start := time.Now()
	defer func() {
		metrics.ObservePersistenceOp("load", time.Since(start))
	}()

	data, err := store.Load(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		metrics.IncErrorCount(metrics.ComponentPersistence, key)

		return nil, fmt.Errorf("load %s: %w", key, err)
	}

	return data, nil
}
