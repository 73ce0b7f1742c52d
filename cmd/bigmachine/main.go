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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/bigmachines/pkg/config"
	"github.com/united-manufacturing-hub/bigmachines/pkg/constants"
	"github.com/united-manufacturing-hub/bigmachines/pkg/control"
	"github.com/united-manufacturing-hub/bigmachines/pkg/env"
	"github.com/united-manufacturing-hub/bigmachines/pkg/group"
	"github.com/united-manufacturing-hub/bigmachines/pkg/logger"
	"github.com/united-manufacturing-hub/bigmachines/pkg/metrics"
	"github.com/united-manufacturing-hub/bigmachines/pkg/persistence"
	"github.com/united-manufacturing-hub/bigmachines/pkg/sentry"
)

// appVersion is set with -ldflags "-X main.appVersion=...".
var appVersion = constants.DefaultAppVersion

func main() {
	logger.Initialize()

	log := logger.For(logger.ComponentCore)
	log.Infof("Starting bigmachine %s", appVersion)

	configPath, err := env.GetAsString("BIGMACHINE_CONFIG", false, constants.DefaultConfigPath)
	if err != nil {
		log.Warnf("Failed to get BIGMACHINE_CONFIG: %v", err)
	}

	cfg, err := config.Load(configPath, logger.For(logger.ComponentConfig))
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to load config: %w", err)
		os.Exit(1)
	}

	sentry.InitSentry(appVersion, cfg.Sentry.DSN, true)

	if cfg.Sentry.DSN != "" {
		zap.ReplaceGlobals(zap.New(sentry.NewSentryHook(zap.L().Core()), zap.AddCaller()))
		log = logger.For(logger.ComponentCore)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		server := metrics.SetupMetricsEndpoint(cfg.Metrics.Addr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to shutdown metrics server: %w", err)
			}
		}()
	}

	store, err := openStore(cfg.Persistence.Path)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to open state store: %w", err)
		os.Exit(1)
	}
	defer store.Close()

	opts := control.OptionsFromConfig(cfg)
	b := control.New(opts)
	b.Registry().MustRegister(counterType())
	b.Registry().MustRegister(batchType())

	counters, err := control.NewUnordered[string](b, "Counter", group.WithName("counters"))
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to create counters: %w", err)
		os.Exit(1)
	}

	batches, err := control.NewSequential[string](b, "Batch", group.WithName("batches"))
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to create batches: %w", err)
		os.Exit(1)
	}

	if err := b.Restore(ctx, store); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to restore state: %w", err)
	}

	for i := range 3 {
		counters.GetOrCreate(fmt.Sprintf("line-%d", i+1))
	}

	if batches.Count() == 0 {
		for i := range 3 {
			batches.Enqueue(ctx, fmt.Sprintf("batch-%d", i+1))
		}
	}

	b.Start(ctx)

	go reportCounts(ctx, b, counters.Identifiers(), log)

	<-ctx.Done()
	log.Info("Shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	if err := b.Stop(stopCtx); err != nil {
		log.Warnf("BigMachine did not stop cleanly: %v", err)
	}

	if err := b.Persist(stopCtx, store); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to persist state: %w", err)
	}

	log.Info("bigmachine completed")
	_ = logger.Sync()
}

func openStore(path string) (persistence.Store, error) {
	if path == "" {
		return persistence.NewMemoryStore(), nil
	}

	return persistence.OpenSQLite(path)
}

// reportCounts asks every counter for its value every 5 seconds.
func reportCounts(ctx context.Context, b *control.BigMachine, ids []string, log *zap.SugaredLogger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	identifiers := make([]any, 0, len(ids))
	for _, id := range ids {
		identifiers = append(identifiers, id)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			replies, err := b.Broadcast(ctx, "counters", identifiers, commandGet, nil, time.Second)
			if err != nil {
				log.Warnf("Failed to query counters: %v", err)

				continue
			}

			for _, r := range replies {
				log.Infow("Counter", "id", r.Identifier, "count", r.Response)
			}
		}
	}
}
