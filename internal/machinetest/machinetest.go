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

// Package machinetest provides instrumented machine types for tests.
package machinetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/united-manufacturing-hub/bigmachines/pkg/machine"
	"github.com/united-manufacturing-hub/bigmachines/pkg/registry"
)

// States of the probe machine.
const (
	StateIdle machine.State = iota
	StateWorking
	StateDone
)

// Commands of the probe machine.
const (
	// CommandTest echoes its message.
	CommandTest machine.CommandID = iota + 1
	// CommandFail returns an error, which terminates the machine.
	CommandFail
	// CommandSlow sleeps for the probe's Delay, then echoes its message.
	CommandSlow
	// CommandStop asks the machine to terminate itself.
	CommandStop
)

// GuardThreshold is the number of CanEnter(StateWorking) checks that are
// denied before the guard approves.
const GuardThreshold = 1

var ErrCommandFailed = errors.New("command failed on purpose")

// Probe is the payload of a probe machine. It counts what its handlers see.
type Probe struct {
	// OnRun replaces the idle handler's body when set. Set it before the
	// machine first runs.
	OnRun func(ctx context.Context, m *machine.Machine) (machine.Result, error)

	received []any
	// Value is persisted through MarshalState.
	Value string

	Delay time.Duration

	// Hold keeps the machine in StateWorking while set.
	Hold atomic.Bool

	Runs        atomic.Int64
	Commands    atomic.Int64
	GuardChecks atomic.Int64
	ExitChecks  atomic.Int64
	Terminated  atomic.Int64
	inside      atomic.Int64
	MaxInside   atomic.Int64

	mu sync.Mutex
}

// Received returns the messages of CommandTest in delivery order.
func (p *Probe) Received() []any {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]any(nil), p.received...)
}

func (p *Probe) enter() {
	n := p.inside.Add(1)
	for {
		highest := p.MaxInside.Load()
		if n <= highest || p.MaxInside.CompareAndSwap(highest, n) {
			return
		}
	}
}

func (p *Probe) leave() {
	p.inside.Add(-1)
}

func (p *Probe) MarshalState() ([]byte, error) {
	return []byte(p.Value), nil
}

func (p *Probe) UnmarshalState(data []byte) error {
	p.Value = string(data)

	return nil
}

func probeOf(m *machine.Machine) *Probe {
	p, ok := machine.DataAs[*Probe](m)
	if !ok {
		panic(fmt.Sprintf("machine %s carries %T, want *Probe", m, m.Data()))
	}

	return p
}

// ProbeOf returns the payload of a probe machine.
func ProbeOf(m *machine.Machine) *Probe {
	return probeOf(m)
}

// NewProbeTable builds the dispatch table of a probe machine type.
func NewProbeTable(name string) *machine.Table {
	return machine.NewTable(name).
		InitialState(StateIdle).
		StateName(StateIdle, "Idle").
		StateName(StateWorking, "Working").
		StateName(StateDone, "Done").
		State(StateIdle, idle).
		State(StateWorking, working).
		State(StateDone, func(context.Context, *machine.Machine) (machine.Result, error) {
			return machine.Terminate, nil
		}).
		CanEnter(StateWorking, func(_ context.Context, m *machine.Machine) bool {
			return probeOf(m).GuardChecks.Add(1) > GuardThreshold
		}).
		CanExit(StateWorking, func(_ context.Context, m *machine.Machine) bool {
			p := probeOf(m)
			p.ExitChecks.Add(1)

			return !p.Hold.Load()
		}).
		Command(CommandTest, func(_ context.Context, m *machine.Machine, msg any) (any, error) {
			p := probeOf(m)
			p.enter()
			defer p.leave()

			p.Commands.Add(1)
			p.mu.Lock()
			p.received = append(p.received, msg)
			p.mu.Unlock()

			return msg, nil
		}).
		Command(CommandFail, func(context.Context, *machine.Machine, any) (any, error) {
			return nil, ErrCommandFailed
		}).
		Command(CommandSlow, func(ctx context.Context, m *machine.Machine, msg any) (any, error) {
			p := probeOf(m)
			p.enter()
			defer p.leave()

			select {
			case <-time.After(p.Delay):
			case <-ctx.Done():
			}

			return msg, nil
		}).
		Command(CommandStop, func(_ context.Context, m *machine.Machine, _ any) (any, error) {
			m.Terminate()

			return "bye", nil
		}).
		OnTerminated(func(_ context.Context, m *machine.Machine) {
			probeOf(m).Terminated.Add(1)
		}).
		MustBuild()
}

func idle(ctx context.Context, m *machine.Machine) (machine.Result, error) {
	p := probeOf(m)
	p.enter()
	defer p.leave()

	p.Runs.Add(1)

	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
		}
	}

	if p.OnRun != nil {
		return p.OnRun(ctx, m)
	}

	return machine.Continue, nil
}

func working(_ context.Context, m *machine.Machine) (machine.Result, error) {
	probeOf(m).Runs.Add(1)

	return machine.Continue, nil
}

// ProbeInfo returns a TypeInfo for a probe machine type.
func ProbeInfo(name string) registry.TypeInfo {
	return registry.TypeInfo{
		Name:    name,
		Table:   NewProbeTable(name),
		Factory: func() any { return &Probe{} },
	}
}

// Failure is one report received by a Sink.
type Failure struct {
	Err       error
	Machine   *machine.Machine
	Operation string
}

// Sink is a machine.ErrorSink that keeps every report.
type Sink struct {
	failures []Failure
	mu       sync.Mutex
}

func (s *Sink) ReportMachineError(m *machine.Machine, operation string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures = append(s.failures, Failure{Machine: m, Operation: operation, Err: err})
}

func (s *Sink) Failures() []Failure {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Failure(nil), s.failures...)
}

// Control is a machine.Control that records removals.
type Control struct {
	removed []*machine.Machine
	mu      sync.Mutex
}

func (c *Control) Remove(m *machine.Machine) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removed = append(c.removed, m)
}

func (c *Control) Removed() []*machine.Machine {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]*machine.Machine(nil), c.removed...)
}
