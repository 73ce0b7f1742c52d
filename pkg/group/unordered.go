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

package group

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/bigmachines/pkg/machine"
	"github.com/united-manufacturing-hub/bigmachines/pkg/metrics"
)

// Unordered indexes machines by identifier in a map.
type Unordered[ID comparable] struct {
	machines map[ID]*machine.Machine
	base
	mu sync.Mutex
}

var _ Group = (*Unordered[int])(nil)

// NewUnordered creates a keyed group for the registered type typeName.
func NewUnordered[ID comparable](deps Deps, typeName string, opts ...Option) (*Unordered[ID], error) {
	b, err := newBase(deps, typeName, "unordered", opts)
	if err != nil {
		return nil, err
	}

	return &Unordered[ID]{base: b, machines: make(map[ID]*machine.Machine)}, nil
}

// live returns the machine under id unless it is terminated. Caller holds mu.
func (u *Unordered[ID]) live(id ID) (*machine.Machine, bool) {
	m, ok := u.machines[id]
	if !ok || m.IsTerminated() {
		return nil, false
	}

	return m, true
}

// GetOrCreate returns the machine under id, creating it if needed.
func (u *Unordered[ID]) GetOrCreate(id ID) *machine.Interface {
	u.mu.Lock()
	defer u.mu.Unlock()

	if m, ok := u.live(id); ok {
		return machine.NewInterface(m)
	}

	m := u.newMachine(id, u)
	u.machines[id] = m
	metrics.SetMachineCount(u.name, len(u.machines))

	return machine.NewInterface(m)
}

// TryCreate creates a machine under id. It fails when id is taken.
func (u *Unordered[ID]) TryCreate(id ID) (*machine.Interface, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, ok := u.live(id); ok {
		return nil, false
	}

	m := u.newMachine(id, u)
	u.machines[id] = m
	metrics.SetMachineCount(u.name, len(u.machines))

	return machine.NewInterface(m), true
}

// Insert puts a new machine under id. A previous occupant is terminated.
func (u *Unordered[ID]) Insert(ctx context.Context, id ID) *machine.Interface {
	m := u.newMachine(id, u)

	u.mu.Lock()
	previous := u.machines[id]
	u.machines[id] = m
	metrics.SetMachineCount(u.name, len(u.machines))
	u.mu.Unlock()

	u.shutdownAll(ctx, machine.ReasonReplaced, previous)

	return machine.NewInterface(m)
}

// TryGet returns the machine under id.
func (u *Unordered[ID]) TryGet(id ID) (*machine.Interface, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	m, ok := u.live(id)
	if !ok {
		return nil, false
	}

	return machine.NewInterface(m), true
}

// Remove implements machine.Control.
func (u *Unordered[ID]) Remove(m *machine.Machine) {
	id, ok := m.Identifier().(ID)
	if !ok {
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.machines[id] == m {
		delete(u.machines, id)
		metrics.SetMachineCount(u.name, len(u.machines))
	}
}

// Delete terminates and removes the machine under id.
func (u *Unordered[ID]) Delete(ctx context.Context, id ID) bool {
	u.mu.Lock()
	m, ok := u.machines[id]
	u.mu.Unlock()

	if !ok {
		return false
	}

	u.shutdownAll(ctx, machine.ReasonRequested, m)

	return true
}

// Count returns the number of machines that are not terminated.
func (u *Unordered[ID]) Count() int {
	u.mu.Lock()
	defer u.mu.Unlock()

	n := 0
	for _, m := range u.machines {
		if !m.IsTerminated() {
			n++
		}
	}

	return n
}

// Identifiers returns the identifiers of all live machines, in no order.
func (u *Unordered[ID]) Identifiers() []ID {
	u.mu.Lock()
	defer u.mu.Unlock()

	ids := make([]ID, 0, len(u.machines))
	for id, m := range u.machines {
		if !m.IsTerminated() {
			ids = append(ids, id)
		}
	}

	return ids
}

// ForEach calls fn for every live machine until fn returns false. fn runs
// without the group lock held.
func (u *Unordered[ID]) ForEach(fn func(id ID, m *machine.Interface) bool) {
	for _, e := range u.entries() {
		if e.m.IsTerminated() {
			continue
		}

		if !fn(e.identifier.(ID), machine.NewInterface(e.m)) {
			return
		}
	}
}

func (u *Unordered[ID]) entries() []entry {
	u.mu.Lock()
	defer u.mu.Unlock()

	out := make([]entry, 0, len(u.machines))
	for id, m := range u.machines {
		out = append(out, entry{identifier: id, m: m})
	}

	return out
}

func (u *Unordered[ID]) list() []*machine.Machine {
	u.mu.Lock()
	defer u.mu.Unlock()

	out := make([]*machine.Machine, 0, len(u.machines))
	for _, m := range u.machines {
		out = append(out, m)
	}

	return out
}

func (u *Unordered[ID]) Process(ctx context.Context, now time.Time, elapsed time.Duration) {
	u.sweep(ctx, now, elapsed, u.list())
}

func (u *Unordered[ID]) RunContinuous(ctx context.Context) {
	u.drive(ctx, u.list)
}

func (u *Unordered[ID]) Dispatch(ctx context.Context, identifier any, cmd machine.Command) (any, machine.CommandResult, error) {
	id, ok := identifier.(ID)
	if !ok {
		return nil, machine.CommandIgnored, fmt.Errorf("%w: group %s got %T", ErrIdentifierType, u.name, identifier)
	}

	handle, ok := u.TryGet(id)
	if !ok {
		return nil, machine.CommandIgnored, fmt.Errorf("%w: %v in group %s", ErrNotFound, id, u.name)
	}

	return u.command(ctx, handle.Machine(), cmd)
}

func (u *Unordered[ID]) Serialize(ctx context.Context) ([]byte, error) {
	return u.serialize(ctx, u.entries())
}

// Deserialize adds the machines in data, replacing occupants of the same
// identifiers.
func (u *Unordered[ID]) Deserialize(ctx context.Context, data []byte) error {
	restoredMachines, err := restore[ID](&u.base, data, u)
	if err != nil {
		return err
	}

	displaced := make([]*machine.Machine, 0)

	u.mu.Lock()
	for _, r := range restoredMachines {
		if previous, ok := u.machines[r.id]; ok {
			displaced = append(displaced, previous)
		}

		u.machines[r.id] = r.m
	}
	metrics.SetMachineCount(u.name, len(u.machines))
	u.mu.Unlock()

	u.shutdownAll(ctx, machine.ReasonReplaced, displaced...)

	return nil
}

func (u *Unordered[ID]) Snapshot() Snapshot {
	return u.describe(u.list())
}
