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

package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/united-manufacturing-hub/bigmachines/pkg/group"
	"github.com/united-manufacturing-hub/bigmachines/pkg/logger"
	"github.com/united-manufacturing-hub/bigmachines/pkg/persistence"
)

// Persist writes every group to store under the group name. All groups are
// attempted; the returned error joins the failures.
func (b *BigMachine) Persist(ctx context.Context, store persistence.Store) error {
	log := logger.For(logger.ComponentPersistence)

	var errs []error

	for _, g := range b.Groups() {
		data, err := g.Serialize(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("serialize group %s: %w", g.Name(), err))

			continue
		}

		if err := persistence.SaveWithRetry(ctx, store, g.Name(), data, log); err != nil {
			errs = append(errs, err)

			continue
		}

		log.Debugf("Persisted group %s (%d bytes, %d machines)", g.Name(), len(data), g.Count())
	}

	return errors.Join(errs...)
}

// Restore loads every group from store. Groups without a stored snapshot
// are left alone. Call it after adding the groups and before Start.
func (b *BigMachine) Restore(ctx context.Context, store persistence.Store) error {
	log := logger.For(logger.ComponentPersistence)

	var errs []error

	for _, g := range b.Groups() {
		data, err := persistence.LoadTimed(ctx, store, g.Name())
		if err != nil {
			errs = append(errs, err)

			continue
		}

		if data == nil {
			continue
		}

		if err := g.Deserialize(ctx, data); err != nil {
			errs = append(errs, fmt.Errorf("restore group %s: %w", g.Name(), err))

			continue
		}

		log.Infof("Restored group %s with %d machines", g.Name(), g.Count())
	}

	return errors.Join(errs...)
}

// Status is what a BigMachine reports on /debug/machines.
type Status struct {
	Name              string           `json:"name"`
	Groups            []group.Snapshot `json:"groups"`
	Ticks             uint64           `json:"ticks"`
	DroppedExceptions int64            `json:"droppedExceptions"`
	PendingCommands   int              `json:"pendingCommands"`
	Starved           bool             `json:"starved"`
}

// Snapshot describes every group and machine.
func (b *BigMachine) Snapshot() Status {
	s := Status{
		Name:              b.opts.Name,
		Ticks:             b.ticks.Load(),
		DroppedExceptions: b.droppedExceptions.Load(),
		PendingCommands:   b.post.Pending(),
	}

	if b.starvation != nil {
		s.Starved = b.starvation.IsStarved()
	}

	for _, g := range b.Groups() {
		s.Groups = append(s.Groups, g.Snapshot())
	}

	return s
}

// GetDebugInfo implements metrics.DebugProvider.
func (b *BigMachine) GetDebugInfo() interface{} {
	return b.Snapshot()
}
