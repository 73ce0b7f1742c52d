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
	// DefaultCommandPostInterval is how often the command post consumer
	// wakes up without being signalled.
	DefaultCommandPostInterval = 100 * time.Millisecond

	// DefaultTwoWayTimeout is used by SendTwoWay when the caller passes a
	// non-positive timeout.
	DefaultTwoWayTimeout = 1000 * time.Millisecond

	// MaxTwoWayTimeout is the ceiling for every request/response wait.
	MaxTwoWayTimeout = 3000 * time.Millisecond

	// AbandonedCommandTTL is how long the id of a timed out two-way command
	// is remembered so its late response can be recognised and dropped.
	AbandonedCommandTTL = time.Minute

	// AbandonedCommandCullInterval is how often expired ids are culled.
	AbandonedCommandCullInterval = 30 * time.Second

	// MaxNestedDelivery bounds how deep two-way commands sent from inside
	// receivers may nest.
	MaxNestedDelivery = 8
)
