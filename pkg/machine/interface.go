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

package machine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/united-manufacturing-hub/bigmachines/pkg/recursion"
)

// StateAccessor reads and changes the user-defined state of a machine.
type StateAccessor interface {
	TryGetState() (State, bool)
	ChangeState(ctx context.Context, state State, rerun bool) (ChangeStateResult, error)
}

// CommandSender delivers commands and manual runs to a machine.
type CommandSender interface {
	Run(ctx context.Context) (Result, error)
	Command(ctx context.Context, id CommandID, message any) (any, CommandResult, error)
}

// LifecycleAccessor reads and changes the operational state of a machine.
type LifecycleAccessor interface {
	GetOperationalState() OperationalState
	SetOperationalState(ctx context.Context, state OperationalState) error
	IsRunning() bool
	IsActive() bool
	IsTerminated() bool
}

var ErrInvalidTransition = errors.New("invalid operational state transition")

// Interface is the handle callers use to talk to a machine. Every mutating
// call holds the machine lock for its duration.
type Interface struct {
	m *Machine
}

var (
	_ StateAccessor     = (*Interface)(nil)
	_ CommandSender     = (*Interface)(nil)
	_ LifecycleAccessor = (*Interface)(nil)
)

// NewInterface returns the handle of m.
func NewInterface(m *Machine) *Interface {
	return &Interface{m: m}
}

// Machine returns the machine behind the handle.
func (i *Interface) Machine() *Machine {
	return i.m
}

func (i *Interface) Identifier() any {
	return i.m.Identifier()
}

func (i *Interface) GetOperationalState() OperationalState {
	return i.m.OperationalState()
}

// SetOperationalState pauses, resumes or terminates the machine. Terminated
// machines are removed from their group and cannot be brought back.
func (i *Interface) SetOperationalState(ctx context.Context, state OperationalState) error {
	if err := i.m.lock.Lock(ctx); err != nil {
		return err
	}

	err := i.setOperationalStateLocked(ctx, state)
	i.m.lock.Unlock()
	i.m.detach()

	return err
}

func (i *Interface) setOperationalStateLocked(ctx context.Context, state OperationalState) error {
	current := i.m.OperationalState()
	if current == state {
		return nil
	}

	if current == OperationalStateTerminated {
		return fmt.Errorf("%w: %s -> %s", ErrTerminated, current, state)
	}

	switch state {
	case OperationalStateTerminated:
		i.m.terminateLocked(ctx, ReasonRequested)

		return nil
	case OperationalStatePaused:
		return i.m.operational.Event(context.WithoutCancel(ctx), eventPause)
	case OperationalStateRunning:
		return i.m.operational.Event(context.WithoutCancel(ctx), eventResume)
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, state)
	}
}

// IsRunning reports whether a run is executing right now.
func (i *Interface) IsRunning() bool {
	return i.m.RunType() != NotRunning
}

// IsActive reports whether the machine is neither paused nor terminated.
func (i *Interface) IsActive() bool {
	return i.m.OperationalState() == OperationalStateRunning
}

func (i *Interface) IsTerminated() bool {
	return i.m.IsTerminated()
}

// TryGetState returns the current state, or false once terminated.
func (i *Interface) TryGetState() (State, bool) {
	if i.m.IsTerminated() {
		return 0, false
	}

	return i.m.CurrentState(), true
}

func (i *Interface) ChangeState(ctx context.Context, state State, rerun bool) (ChangeStateResult, error) {
	if i.m.IsTerminated() {
		return ChangeStateTerminated, nil
	}

	ctx, proceed, err := recursion.Enter(ctx, i.m.recursionID(recursion.KindCommand), i.m.loopCheck)
	if !proceed {
		return ChangeStateUnableToEnter, err
	}

	if err := i.m.lock.Lock(ctx); err != nil {
		return ChangeStateUnableToEnter, err
	}

	result := i.m.ChangeState(ctx, state, rerun)
	i.m.lock.Unlock()

	return result, nil
}

// Run triggers a manual run. A machine that is already running is left alone
// and Continue is returned. Calling Run on a machine that is part of the
// current call chain is a cycle, see recursion.Enter.
func (i *Interface) Run(ctx context.Context) (Result, error) {
	ctx, proceed, err := recursion.Enter(ctx, i.m.recursionID(recursion.KindRun), i.m.loopCheck)
	if !proceed {
		return Continue, err
	}

	return i.m.RunMachine(ctx, Manual, time.Now())
}

// Command delivers a command. Terminated machines answer CommandTerminated.
func (i *Interface) Command(ctx context.Context, id CommandID, message any) (any, CommandResult, error) {
	if i.m.IsTerminated() {
		return nil, CommandTerminated, nil
	}

	ctx, proceed, err := recursion.Enter(ctx, i.m.recursionID(recursion.KindCommand), i.m.loopCheck)
	if !proceed {
		return nil, CommandIgnored, err
	}

	if err := i.m.lock.Lock(ctx); err != nil {
		return nil, CommandIgnored, err
	}

	response, result, err := i.m.ProcessCommand(ctx, Command{ID: id, Message: message})
	i.m.lock.Unlock()
	i.m.detach()

	return response, result, err
}
