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

package constants

import "time"

const (
	// DefaultTickerTime is the interval between two scheduler ticks.
	// Machines whose timer elapsed are run at the next tick, so this is
	// also the resolution of every machine timeout.
	DefaultTickerTime = 500 * time.Millisecond

	// StarvationThreshold defines when to consider the scheduler starved.
	// If no tick completed for this duration, the starvation detector logs
	// warnings and records metrics.
	StarvationThreshold = 15 * time.Second

	// MaxConcurrentGroupSweeps bounds how many groups are processed in
	// parallel within one tick.
	MaxConcurrentGroupSweeps = 8

	// DefaultGroupParallelism bounds how many machines of one group run at
	// once during a tick.
	DefaultGroupParallelism = 16

	// MinGroupProcessTime is the budget a group needs left in the current
	// tick to be processed. Groups beyond it wait for the next tick.
	MinGroupProcessTime = 5 * time.Millisecond

	// ExceptionQueueSize is the number of machine failures buffered between
	// two ticks. Failures beyond that are logged and dropped.
	ExceptionQueueSize = 1024

	// ShutdownTimeout bounds how long Stop waits for the loops to exit when
	// the caller's context has no deadline.
	ShutdownTimeout = 5 * time.Second

	// ContinuousIdleDelay is the pause between two runs of a continuous
	// machine that has no timer set.
	ContinuousIdleDelay = 10 * time.Millisecond
)
