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
	"sync"
	"time"

	"github.com/united-manufacturing-hub/bigmachines/pkg/machine"
	"github.com/united-manufacturing-hub/bigmachines/pkg/metrics"
)

// Single holds at most one machine. Its machine has no identifier.
type Single struct {
	current *machine.Machine
	base
	mu sync.Mutex
}

var _ Group = (*Single)(nil)

func NewSingle(deps Deps, typeName string, opts ...Option) (*Single, error) {
	b, err := newBase(deps, typeName, "single", opts)
	if err != nil {
		return nil, err
	}

	return &Single{base: b}, nil
}

func (s *Single) live() *machine.Machine {
	if s.current == nil || s.current.IsTerminated() {
		return nil
	}

	return s.current
}

// Get returns the machine if there is one.
func (s *Single) Get() (*machine.Interface, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.live()
	if m == nil {
		return nil, false
	}

	return machine.NewInterface(m), true
}

// GetOrCreate returns the machine, creating it if the group is empty.
func (s *Single) GetOrCreate() *machine.Interface {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m := s.live(); m != nil {
		return machine.NewInterface(m)
	}

	s.current = s.newMachine(nil, s)
	metrics.SetMachineCount(s.name, 1)

	return machine.NewInterface(s.current)
}

// Replace installs a fresh machine and terminates the previous one.
func (s *Single) Replace(ctx context.Context) *machine.Interface {
	m := s.newMachine(nil, s)

	s.mu.Lock()
	previous := s.current
	s.current = m
	metrics.SetMachineCount(s.name, 1)
	s.mu.Unlock()

	s.shutdownAll(ctx, machine.ReasonReplaced, previous)

	return machine.NewInterface(m)
}

// Remove implements machine.Control.
func (s *Single) Remove(m *machine.Machine) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == m {
		s.current = nil
		metrics.SetMachineCount(s.name, 0)
	}
}

// Clear terminates the machine, if any.
func (s *Single) Clear(ctx context.Context) bool {
	s.mu.Lock()
	m := s.current
	s.mu.Unlock()

	if m == nil {
		return false
	}

	s.shutdownAll(ctx, machine.ReasonRequested, m)

	return true
}

func (s *Single) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live() == nil {
		return 0
	}

	return 1
}

func (s *Single) list() []*machine.Machine {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return nil
	}

	return []*machine.Machine{s.current}
}

func (s *Single) Process(ctx context.Context, now time.Time, elapsed time.Duration) {
	s.sweep(ctx, now, elapsed, s.list())
}

func (s *Single) RunContinuous(ctx context.Context) {
	s.drive(ctx, s.list)
}

// Dispatch ignores identifier.
func (s *Single) Dispatch(ctx context.Context, _ any, cmd machine.Command) (any, machine.CommandResult, error) {
	handle, ok := s.Get()
	if !ok {
		return nil, machine.CommandIgnored, ErrNotFound
	}

	return s.command(ctx, handle.Machine(), cmd)
}

func (s *Single) Serialize(ctx context.Context) ([]byte, error) {
	entries := make([]entry, 0, 1)
	for _, m := range s.list() {
		entries = append(entries, entry{m: m})
	}

	return s.serialize(ctx, entries)
}

// Deserialize replaces the current machine with the stored one, if any.
func (s *Single) Deserialize(ctx context.Context, data []byte) error {
	restoredMachines, err := restore[any](&s.base, data, s)
	if err != nil {
		return err
	}

	if len(restoredMachines) == 0 {
		return nil
	}

	m := restoredMachines[len(restoredMachines)-1].m

	s.mu.Lock()
	previous := s.current
	s.current = m
	metrics.SetMachineCount(s.name, 1)
	s.mu.Unlock()

	s.shutdownAll(ctx, machine.ReasonReplaced, previous)

	return nil
}

func (s *Single) Snapshot() Snapshot {
	return s.describe(s.list())
}
