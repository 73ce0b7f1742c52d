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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/bigmachines/pkg/ctxutil/ctxmutex"
	"github.com/united-manufacturing-hub/bigmachines/pkg/logger"
	"github.com/united-manufacturing-hub/bigmachines/pkg/recursion"
	"github.com/united-manufacturing-hub/bigmachines/pkg/sentry"
)

// Control is implemented by the group owning a machine.
type Control interface {
	// Remove drops m from the group if it is still the occupant of its
	// identifier. It is called once, without the machine lock held.
	Remove(m *Machine)
}

// ErrorSink receives failures of state and command handlers.
type ErrorSink interface {
	ReportMachineError(m *Machine, operation string, err error)
}

// Options configure a new machine.
type Options struct {
	Control   Control
	Errors    ErrorSink
	LoopCheck recursion.Mode
	// Now is the creation time. Defaults to time.Now().
	Now time.Time
}

// Machine is a single state-machine actor.
//
// All handler code runs with the machine lock held. The timer fields are
// atomics so that the scheduler can decide whether a machine is due without
// touching the lock.
type Machine struct {
	createdAt   time.Time
	identifier  any
	data        any
	control     Control
	errors      ErrorSink
	typ         *Type
	lock        *ctxmutex.CtxMutex
	operational *fsm.FSM
	log         *zap.SugaredLogger

	serial    uint64
	loopCheck recursion.Mode

	runType      atomic.Int32
	currentState atomic.Int64
	// timeout is the run interval in nanoseconds, negative when disabled.
	timeout atomic.Int64
	// nextRun, terminationDate and lastRun are unix nanoseconds, 0 when unset.
	nextRun         atomic.Int64
	terminationDate atomic.Int64
	lastRun         atomic.Int64

	detachOnce sync.Once

	// guarded by lock
	rerun              bool
	inRun              bool
	terminateRequested bool
}

// New creates a machine of type t in its initial state.
func New(t *Type, serial uint64, identifier any, opts Options) *Machine {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	m := &Machine{
		createdAt:  now,
		identifier: identifier,
		control:    opts.Control,
		errors:     opts.Errors,
		typ:        t,
		lock:       ctxmutex.NewCtxMutex(),
		serial:     serial,
		loopCheck:  opts.LoopCheck,
		log: logger.For(logger.ComponentMachine).With(
			"type", t.Name,
			"serial", serial,
			"identifier", identifier,
		),
	}

	m.operational = newOperationalFSM(m.log)
	m.currentState.Store(int64(t.Table.InitialState()))

	if t.Factory != nil {
		m.data = t.Factory()
	}

	if t.DefaultTimeout < 0 {
		m.timeout.Store(-1)
	} else {
		m.timeout.Store(int64(t.DefaultTimeout))
		// New machines run at the first tick.
		m.nextRun.Store(now.UnixNano())
	}

	if t.DefaultLifespan > 0 {
		m.terminationDate.Store(now.Add(t.DefaultLifespan).UnixNano())
	}

	return m
}

func newOperationalFSM(log *zap.SugaredLogger) *fsm.FSM {
	return fsm.NewFSM(
		string(OperationalStateRunning),
		fsm.Events{
			{Name: eventPause, Src: []string{string(OperationalStateRunning)}, Dst: string(OperationalStatePaused)},
			{Name: eventResume, Src: []string{string(OperationalStatePaused)}, Dst: string(OperationalStateRunning)},
			{
				Name: eventTerminate,
				Src:  []string{string(OperationalStateRunning), string(OperationalStatePaused)},
				Dst:  string(OperationalStateTerminated),
			},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debugf("Operational state %s -> %s", e.Src, e.Dst)
			},
		},
	)
}

func (m *Machine) Identifier() any {
	return m.identifier
}

func (m *Machine) Serial() uint64 {
	return m.serial
}

func (m *Machine) Type() *Type {
	return m.typ
}

func (m *Machine) TypeName() string {
	return m.typ.Name
}

// Data returns the payload created by the type factory.
func (m *Machine) Data() any {
	return m.data
}

// DataAs returns the payload of m as T.
func DataAs[T any](m *Machine) (T, bool) {
	v, ok := m.data.(T)

	return v, ok
}

// Logger returns a logger carrying the machine's type, serial and identifier.
func (m *Machine) Logger() *zap.SugaredLogger {
	return m.log
}

func (m *Machine) CreatedAt() time.Time {
	return m.createdAt
}

func (m *Machine) CurrentState() State {
	return State(m.currentState.Load())
}

// CurrentStateName returns the name given to the current state in the Table.
func (m *Machine) CurrentStateName() string {
	return m.typ.Table.StateName(m.CurrentState())
}

func (m *Machine) OperationalState() OperationalState {
	return OperationalState(m.operational.Current())
}

func (m *Machine) IsTerminated() bool {
	return m.operational.Is(string(OperationalStateTerminated))
}

func (m *Machine) IsPaused() bool {
	return m.operational.Is(string(OperationalStatePaused))
}

func (m *Machine) RunType() RunType {
	return RunType(m.runType.Load())
}

// Timeout returns the run interval, negative when the timer is disabled.
func (m *Machine) Timeout() time.Duration {
	return time.Duration(m.timeout.Load())
}

func (m *Machine) NextRun() time.Time {
	return fromUnixNano(m.nextRun.Load())
}

func (m *Machine) TerminationDate() time.Time {
	return fromUnixNano(m.terminationDate.Load())
}

func (m *Machine) LastRun() time.Time {
	return fromUnixNano(m.lastRun.Load())
}

// SetTimeout sets the run interval and schedules the next run d from now.
// A negative d disables the timer.
func (m *Machine) SetTimeout(d time.Duration) {
	if d < 0 {
		m.timeout.Store(-1)
		m.nextRun.Store(0)

		return
	}

	m.timeout.Store(int64(d))
	m.nextRun.Store(time.Now().Add(d).UnixNano())
}

// SetTimeoutAt schedules the next run at t without changing the interval.
// A zero t unschedules the machine.
func (m *Machine) SetTimeoutAt(t time.Time) {
	m.nextRun.Store(toUnixNano(t))
}

// SetLifespan terminates the machine d from now. A negative d removes the
// lifespan.
func (m *Machine) SetLifespan(d time.Duration) {
	if d < 0 {
		m.terminationDate.Store(0)

		return
	}

	m.terminationDate.Store(time.Now().Add(d).UnixNano())
}

// SetTerminationDate terminates the machine at t. A zero t removes the
// lifespan.
func (m *Machine) SetTerminationDate(t time.Time) {
	m.terminationDate.Store(toUnixNano(t))
}

// IsDue reports whether the timer has elapsed at now. It does not lock.
func (m *Machine) IsDue(now time.Time) bool {
	next := m.nextRun.Load()

	return next != 0 && next <= now.UnixNano()
}

// IsExpired reports whether the lifespan has elapsed at now. It does not lock.
func (m *Machine) IsExpired(now time.Time) bool {
	td := m.terminationDate.Load()

	return td != 0 && td <= now.UnixNano()
}

// Terminate requests termination from inside a handler. The machine is torn
// down when the handler returns.
func (m *Machine) Terminate() {
	m.terminateRequested = true
}

func (m *Machine) String() string {
	if m.identifier == nil {
		return fmt.Sprintf("%s#%d", m.typ.Name, m.serial)
	}

	return fmt.Sprintf("%s#%d(%v)", m.typ.Name, m.serial, m.identifier)
}

func (m *Machine) recursionID(kind recursion.Kind) recursion.ID {
	return recursion.ID{Kind: kind, Serial: m.serial, TypeID: m.typ.ID, TypeName: m.typ.Name}
}

func (m *Machine) report(operation string, err error) {
	if m.errors != nil {
		m.errors.ReportMachineError(m, operation, err)

		return
	}

	sentry.ReportMachineError(m.log, m.String(), m.typ.Name, operation, err)
}

// detach removes a terminated machine from its control, once.
func (m *Machine) detach() {
	if !m.IsTerminated() || m.control == nil {
		return
	}

	m.detachOnce.Do(func() {
		m.control.Remove(m)
	})
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}

	return time.Unix(0, ns)
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}
