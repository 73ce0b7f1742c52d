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

	"github.com/united-manufacturing-hub/bigmachines/pkg/metrics"
	"github.com/united-manufacturing-hub/bigmachines/pkg/recursion"
)

// Operation names passed to the ErrorSink.
const (
	OperationRun       = "run"
	OperationCommand   = "command"
	OperationGuard     = "guard"
	OperationTerminate = "terminate"
)

var (
	// ErrMissingHandler is reported when the current state has no handler.
	ErrMissingHandler = errors.New("no handler for state")
	// ErrTerminated is returned for operations on a terminated machine.
	ErrTerminated = errors.New("machine is terminated")
)

// RunMachine runs the handler of the current state.
//
// If the machine is already running it returns Continue without doing
// anything. Handler errors and panics are reported to the ErrorSink and turn
// into Terminate, the returned error is only set when the lock could not be
// acquired.
func (m *Machine) RunMachine(ctx context.Context, runType RunType, now time.Time) (Result, error) {
	if !m.runType.CompareAndSwap(int32(NotRunning), int32(runType)) {
		return Continue, nil
	}
	defer m.runType.Store(int32(NotRunning))

	if m.IsTerminated() {
		return Terminate, nil
	}

	if err := m.lock.Lock(ctx); err != nil {
		return Continue, err
	}

	result := m.runLocked(ctx, runType, now)
	m.lock.Unlock()

	if result == Terminate {
		m.detach()
	}

	return result, nil
}

// runLocked drives the rerun loop. The caller holds the lock and owns runType.
func (m *Machine) runLocked(ctx context.Context, runType RunType, now time.Time) Result {
	if m.IsTerminated() {
		return Terminate
	}

	if m.IsPaused() {
		return Continue
	}

	ctx = recursion.Extend(ctx, m.recursionID(recursion.KindRun))

	m.inRun = true
	defer func() { m.inRun = false }()

	metrics.IncMachineRun(m.typ.Name, runType.String())

	result := Continue
	reason := ReasonHandler

	for {
		m.rerun = false

		res, err := m.invokeState(ctx)
		if err != nil {
			m.report(OperationRun, err)
			res = Terminate
			reason = ReasonError
		} else if m.terminateRequested {
			res = Terminate
			reason = ReasonRequested
		}

		result = res
		if result == Terminate || !m.rerun || ctx.Err() != nil {
			break
		}
	}

	if result == Terminate {
		m.terminateLocked(ctx, reason)

		return Terminate
	}

	m.lastRun.Store(now.UnixNano())

	timeout := m.timeout.Load()
	switch {
	case timeout < 0:
		m.nextRun.Store(0)
	case m.nextRun.Load() <= now.UnixNano():
		m.nextRun.Store(now.UnixNano() + timeout)
	}

	return Continue
}

func (m *Machine) invokeState(ctx context.Context) (result Result, err error) {
	state := m.CurrentState()

	fn, ok := m.typ.Table.states[state]
	if !ok || fn == nil {
		return Terminate, fmt.Errorf("%w %s", ErrMissingHandler, m.typ.Table.StateName(state))
	}

	defer func() {
		if r := recover(); r != nil {
			result = Terminate
			err = fmt.Errorf("panic in state %s: %v", m.typ.Table.StateName(state), r)
		}
	}()

	return fn(ctx, m)
}

// ChangeState moves the machine to state if the exit guard of the current
// state and the enter guard of state both approve. It must be called with the
// lock held, which is the case inside handlers.
//
// With rerun set the new state's handler runs right after the current one
// returns, or at the next tick when called outside of a run.
func (m *Machine) ChangeState(ctx context.Context, state State, rerun bool) ChangeStateResult {
	if m.IsTerminated() {
		return ChangeStateTerminated
	}

	current := m.CurrentState()

	if guard, ok := m.typ.Table.canExit[current]; ok && !m.checkGuard(ctx, guard, current) {
		return ChangeStateUnableToExit
	}

	if guard, ok := m.typ.Table.canEnter[state]; ok && !m.checkGuard(ctx, guard, state) {
		return ChangeStateUnableToEnter
	}

	m.currentState.Store(int64(state))
	m.log.Debugf("State %s -> %s", m.typ.Table.StateName(current), m.typ.Table.StateName(state))

	if rerun {
		if m.inRun {
			m.rerun = true
		} else {
			m.nextRun.Store(time.Now().UnixNano())
		}
	}

	return ChangeStateSuccess
}

// checkGuard treats a panicking guard as a denial.
func (m *Machine) checkGuard(ctx context.Context, guard Guard, state State) (approved bool) {
	defer func() {
		if r := recover(); r != nil {
			m.report(OperationGuard, fmt.Errorf("panic in guard of state %s: %v", m.typ.Table.StateName(state), r))
			approved = false
		}
	}()

	return guard(ctx, m)
}

// ProcessCommand delivers cmd to the machine. It must be called with the lock
// held. Command handler failures terminate the machine.
func (m *Machine) ProcessCommand(ctx context.Context, cmd Command) (any, CommandResult, error) {
	if m.IsTerminated() {
		return nil, CommandTerminated, nil
	}

	switch cmd.ID {
	case CommandRun:
		if !m.runType.CompareAndSwap(int32(NotRunning), int32(Manual)) {
			return nil, CommandIgnored, nil
		}

		result := m.runLocked(ctx, Manual, time.Now())
		m.runType.Store(int32(NotRunning))

		if result == Terminate {
			return result, CommandTerminated, nil
		}

		return result, CommandSuccess, nil

	case CommandChangeState:
		change, ok := cmd.Message.(StateChange)
		if !ok {
			return nil, CommandIgnored, fmt.Errorf("change state command carries %T, want StateChange", cmd.Message)
		}

		result := m.ChangeState(ctx, change.State, change.Rerun)
		if result == ChangeStateTerminated {
			return result, CommandTerminated, nil
		}

		return result, CommandSuccess, nil
	}

	fn, ok := m.typ.Table.commands[cmd.ID]
	if !ok || fn == nil {
		return nil, CommandIgnored, nil
	}

	response, err := m.invokeCommand(ctx, fn, cmd)
	if err != nil {
		m.report(OperationCommand, err)
		m.terminateLocked(ctx, ReasonError)

		return nil, CommandTerminated, err
	}

	if m.terminateRequested {
		m.terminateLocked(ctx, ReasonRequested)

		return response, CommandTerminated, nil
	}

	return response, CommandSuccess, nil
}

func (m *Machine) invokeCommand(ctx context.Context, fn CommandFunc, cmd Command) (response any, err error) {
	defer func() {
		if r := recover(); r != nil {
			response = nil
			err = fmt.Errorf("panic in command %d: %v", cmd.ID, r)
		}
	}()

	return fn(ctx, m, cmd.Message)
}

// Expire terminates the machine because its lifespan elapsed.
func (m *Machine) Expire(ctx context.Context) error {
	if err := m.lock.Lock(ctx); err != nil {
		return err
	}

	m.terminateLocked(ctx, ReasonLifespan)
	m.lock.Unlock()
	m.detach()

	return nil
}

// Shutdown terminates the machine from outside, e.g. when it is replaced in
// its group. reason ends up in logs and metrics.
func (m *Machine) Shutdown(ctx context.Context, reason string) error {
	if m.IsTerminated() {
		m.detach()

		return nil
	}

	if err := m.lock.Lock(ctx); err != nil {
		return err
	}

	m.terminateLocked(ctx, reason)
	m.lock.Unlock()
	m.detach()

	return nil
}

// terminateLocked is a no-op for a machine that is already terminated.
func (m *Machine) terminateLocked(ctx context.Context, reason string) {
	if m.IsTerminated() {
		return
	}

	// The transition must happen even when ctx is already cancelled.
	if err := m.operational.Event(context.WithoutCancel(ctx), eventTerminate); err != nil {
		m.report(OperationTerminate, err)
		m.operational.SetState(string(OperationalStateTerminated))
	}

	m.nextRun.Store(0)
	metrics.IncMachineTermination(m.typ.Name, reason)
	m.log.Debugw("Machine terminated", "reason", reason)

	if hook := m.typ.Table.onTerminated; hook != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.report(OperationTerminate, fmt.Errorf("panic in termination hook: %v", r))
				}
			}()

			hook(ctx, m)
		}()
	}
}
