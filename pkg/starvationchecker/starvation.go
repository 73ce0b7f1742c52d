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

package starvationchecker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/bigmachines/pkg/logger"
	"github.com/united-manufacturing-hub/bigmachines/pkg/metrics"
	"github.com/united-manufacturing-hub/bigmachines/pkg/sentry"
)

// StarvationChecker watches the scheduler loop from a separate goroutine.
// The loop calls Tick after every completed tick; if no tick completes
// within the threshold, the checker records the starved time and reports a
// warning. It keeps working when the scheduler goroutine is blocked.
type StarvationChecker struct {
	lastTickTime        time.Time
	ctx                 context.Context //nolint:containedctx // background service lifecycle
	logger              *zap.SugaredLogger
	cancel              context.CancelFunc
	wg                  sync.WaitGroup
	starvationThreshold time.Duration
	checkInterval       time.Duration
	mutex               sync.RWMutex
	starved             bool
}

// NewStarvationChecker creates a checker and starts its background goroutine.
// It must be stopped with Stop.
func NewStarvationChecker(threshold time.Duration) *StarvationChecker {
	interval := time.Second
	if threshold < 4*interval {
		interval = threshold / 4
	}

	ctx, cancel := context.WithCancel(context.Background())
	checker := &StarvationChecker{
		starvationThreshold: threshold,
		checkInterval:       interval,
		lastTickTime:        time.Now(),
		logger:              logger.For(logger.ComponentStarvationChecker),
		ctx:                 ctx,
		cancel:              cancel,
	}

	checker.wg.Add(1)

	go checker.checkStarvationLoop()

	checker.logger.Debugf("Starvation checker created with threshold %s", threshold)

	return checker
}

func (s *StarvationChecker) checkStarvationLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mutex.Lock()
			sinceLastTick := time.Since(s.lastTickTime)
			wasStarved := s.starved
			s.starved = sinceLastTick > s.starvationThreshold
			s.mutex.Unlock()

			if sinceLastTick <= s.starvationThreshold {
				continue
			}

			metrics.AddStarvationTime(s.checkInterval.Seconds())

			// Report once per starvation episode, the metric keeps counting.
			if !wasStarved {
				sentry.ReportIssuef(sentry.IssueTypeWarning, s.logger, "[StarvationChecker] scheduler starved: %.2f seconds since last tick", sinceLastTick.Seconds())
			}
		}
	}
}

// Stop terminates the background goroutine. It is safe to call twice.
func (s *StarvationChecker) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Tick marks the current time as the most recent completed tick.
func (s *StarvationChecker) Tick() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.lastTickTime = time.Now()
}

func (s *StarvationChecker) LastTickTime() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.lastTickTime
}

// IsStarved reports whether the last check found the loop starved.
func (s *StarvationChecker) IsStarved() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.starved
}
