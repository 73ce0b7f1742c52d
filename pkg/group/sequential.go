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
	"slices"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/bigmachines/pkg/machine"
	"github.com/united-manufacturing-hub/bigmachines/pkg/metrics"
)

// Sequential is a FIFO queue of machines. Only the head is run by the
// scheduler. Once the head terminates, the next machine becomes the head.
// Lifespans are honoured for every queued machine.
type Sequential[ID comparable] struct {
	index map[ID]*machine.Machine
	queue []ID
	base
	mu sync.Mutex
}

var _ Group = (*Sequential[string])(nil)

func NewSequential[ID comparable](deps Deps, typeName string, opts ...Option) (*Sequential[ID], error) {
	b, err := newBase(deps, typeName, "sequential", opts)
	if err != nil {
		return nil, err
	}

	return &Sequential[ID]{base: b, index: make(map[ID]*machine.Machine)}, nil
}

// Enqueue appends a machine for id to the queue. A previous machine with the
// same id is terminated and leaves the queue.
func (s *Sequential[ID]) Enqueue(ctx context.Context, id ID) *machine.Interface {
	m := s.newMachine(id, s)

	s.mu.Lock()
	previous := s.index[id]
	if previous != nil {
		s.dropLocked(id)
	}

	s.index[id] = m
	s.queue = append(s.queue, id)
	metrics.SetMachineCount(s.name, len(s.queue))
	s.mu.Unlock()

	s.shutdownAll(ctx, machine.ReasonReplaced, previous)

	return machine.NewInterface(m)
}

// GetOrCreate returns the queued machine for id or enqueues a new one.
func (s *Sequential[ID]) GetOrCreate(id ID) *machine.Interface {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.index[id]; ok && !m.IsTerminated() {
		return machine.NewInterface(m)
	}

	if _, ok := s.index[id]; ok {
		s.dropLocked(id)
	}

	m := s.newMachine(id, s)
	s.index[id] = m
	s.queue = append(s.queue, id)
	metrics.SetMachineCount(s.name, len(s.queue))

	return machine.NewInterface(m)
}

func (s *Sequential[ID]) TryGet(id ID) (*machine.Interface, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.index[id]
	if !ok || m.IsTerminated() {
		return nil, false
	}

	return machine.NewInterface(m), true
}

// Head returns the machine that is currently processed.
func (s *Sequential[ID]) Head() (*machine.Interface, bool) {
	m := s.head()
	if m == nil {
		return nil, false
	}

	return machine.NewInterface(m), true
}

func (s *Sequential[ID]) head() *machine.Machine {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.queue {
		if m := s.index[id]; !m.IsTerminated() {
			return m
		}
	}

	return nil
}

// Identifiers returns the queued identifiers, head first.
func (s *Sequential[ID]) Identifiers() []ID {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]ID, 0, len(s.queue))
	for _, id := range s.queue {
		if !s.index[id].IsTerminated() {
			ids = append(ids, id)
		}
	}

	return ids
}

// Remove implements machine.Control.
func (s *Sequential[ID]) Remove(m *machine.Machine) {
	id, ok := m.Identifier().(ID)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index[id] == m {
		s.dropLocked(id)
		metrics.SetMachineCount(s.name, len(s.queue))
	}
}

func (s *Sequential[ID]) dropLocked(id ID) {
	delete(s.index, id)

	if i := slices.Index(s.queue, id); i >= 0 {
		s.queue = slices.Delete(s.queue, i, i+1)
	}
}

// Delete terminates the machine for id, wherever it is in the queue.
func (s *Sequential[ID]) Delete(ctx context.Context, id ID) bool {
	s.mu.Lock()
	m, ok := s.index[id]
	s.mu.Unlock()

	if !ok {
		return false
	}

	s.shutdownAll(ctx, machine.ReasonRequested, m)

	return true
}

func (s *Sequential[ID]) Count() int {
	return len(s.Identifiers())
}

func (s *Sequential[ID]) list() []*machine.Machine {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*machine.Machine, 0, len(s.queue))
	for _, id := range s.queue {
		out = append(out, s.index[id])
	}

	return out
}

func (s *Sequential[ID]) entries() []entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]entry, 0, len(s.queue))
	for _, id := range s.queue {
		out = append(out, entry{identifier: id, m: s.index[id]})
	}

	return out
}

// Process expires every queued machine past its lifespan, then runs the head.
func (s *Sequential[ID]) Process(ctx context.Context, now time.Time, elapsed time.Duration) {
	var expired []*machine.Machine

	for _, m := range s.list() {
		if !m.IsTerminated() && m.IsExpired(now) {
			expired = append(expired, m)
		}
	}

	for _, m := range expired {
		if err := m.Expire(ctx); err != nil {
			s.logger.Debugf("Could not expire %s: %v", m, err)
		}
	}

	var current []*machine.Machine
	if m := s.head(); m != nil {
		current = append(current, m)
	}

	s.sweep(ctx, now, elapsed, current)
}

func (s *Sequential[ID]) RunContinuous(ctx context.Context) {
	s.drive(ctx, func() []*machine.Machine {
		if m := s.head(); m != nil {
			return []*machine.Machine{m}
		}

		return nil
	})
}

// Dispatch reaches any queued machine, not only the head.
func (s *Sequential[ID]) Dispatch(ctx context.Context, identifier any, cmd machine.Command) (any, machine.CommandResult, error) {
	id, ok := identifier.(ID)
	if !ok {
		return nil, machine.CommandIgnored, fmt.Errorf("%w: group %s got %T", ErrIdentifierType, s.name, identifier)
	}

	handle, ok := s.TryGet(id)
	if !ok {
		return nil, machine.CommandIgnored, fmt.Errorf("%w: %v in group %s", ErrNotFound, id, s.name)
	}

	return s.command(ctx, handle.Machine(), cmd)
}

func (s *Sequential[ID]) Serialize(ctx context.Context) ([]byte, error) {
	return s.serialize(ctx, s.entries())
}

// Deserialize appends the stored machines in their stored order.
func (s *Sequential[ID]) Deserialize(ctx context.Context, data []byte) error {
	restoredMachines, err := restore[ID](&s.base, data, s)
	if err != nil {
		return err
	}

	displaced := make([]*machine.Machine, 0)

	s.mu.Lock()
	for _, r := range restoredMachines {
		if previous, ok := s.index[r.id]; ok {
			displaced = append(displaced, previous)
			s.dropLocked(r.id)
		}

		s.index[r.id] = r.m
		s.queue = append(s.queue, r.id)
	}
	metrics.SetMachineCount(s.name, len(s.queue))
	s.mu.Unlock()

	s.shutdownAll(ctx, machine.ReasonReplaced, displaced...)

	return nil
}

func (s *Sequential[ID]) Snapshot() Snapshot {
	return s.describe(s.list())
}
