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

// Package group holds the machine collections driven by the scheduler. Each
// group owns the machines of one type and indexes them by identifier.
package group

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/bigmachines/pkg/constants"
	"github.com/united-manufacturing-hub/bigmachines/pkg/logger"
	"github.com/united-manufacturing-hub/bigmachines/pkg/machine"
	"github.com/united-manufacturing-hub/bigmachines/pkg/metrics"
	"github.com/united-manufacturing-hub/bigmachines/pkg/recursion"
	"github.com/united-manufacturing-hub/bigmachines/pkg/registry"
	"github.com/united-manufacturing-hub/bigmachines/pkg/snapshot"
)

var (
	ErrNotFound       = errors.New("no machine with this identifier")
	ErrIdentifierType = errors.New("identifier has the wrong type")
	ErrExists         = errors.New("a machine with this identifier already exists")
)

// Group is what the scheduler drives.
type Group interface {
	Name() string
	Type() *machine.Type
	// Process runs the machines whose timer elapsed and terminates those
	// whose lifespan elapsed. It is called once per tick.
	Process(ctx context.Context, now time.Time, elapsed time.Duration)
	// Continuous groups are skipped by the tick and driven by RunContinuous
	// on their own goroutine.
	Continuous() bool
	RunContinuous(ctx context.Context)
	Count() int
	// Dispatch delivers a command to the machine with the given identifier.
	Dispatch(ctx context.Context, identifier any, cmd machine.Command) (any, machine.CommandResult, error)
	Serialize(ctx context.Context) ([]byte, error)
	Deserialize(ctx context.Context, data []byte) error
	Snapshot() Snapshot
}

// Deps are shared by all groups of a BigMachine.
type Deps struct {
	Registry  *registry.Registry
	Errors    machine.ErrorSink
	LoopCheck recursion.Mode
	// Parallelism bounds how many machines of one group run at once during a
	// tick. Zero means constants.DefaultGroupParallelism.
	Parallelism int
}

// Option configures a group.
type Option func(*base)

// WithName names the group. The default is the machine type name. The name
// is the CommandPost channel of the group.
func WithName(name string) Option {
	return func(b *base) {
		b.name = name
	}
}

// WithContinuous makes the group continuous.
func WithContinuous() Option {
	return func(b *base) {
		b.continuous = true
	}
}

// WithIdleDelay sets the pause between two passes of a continuous group.
func WithIdleDelay(d time.Duration) Option {
	return func(b *base) {
		b.idleDelay = d
	}
}

type base struct {
	deps        Deps
	typ         *machine.Type
	logger      *zap.SugaredLogger
	name        string
	kind        string
	idleDelay   time.Duration
	lastTick    atomic.Int64
	lastElapsed atomic.Int64
	continuous  bool
}

func newBase(deps Deps, typeName, kind string, opts []Option) (base, error) {
	if deps.Registry == nil {
		return base{}, errors.New("group needs a registry")
	}

	t, ok := deps.Registry.Lookup(typeName)
	if !ok {
		return base{}, fmt.Errorf("%w: %s", registry.ErrUnknownType, typeName)
	}

	if deps.Parallelism <= 0 {
		deps.Parallelism = constants.DefaultGroupParallelism
	}

	b := base{
		deps:      deps,
		typ:       t,
		name:      t.Name,
		kind:      kind,
		idleDelay: constants.ContinuousIdleDelay,
	}

	for _, opt := range opts {
		opt(&b)
	}

	b.logger = logger.For(logger.ComponentGroup).With("group", b.name)
	metrics.SetMachineCount(b.name, 0)

	return b, nil
}

func (b *base) Name() string {
	return b.name
}

func (b *base) Type() *machine.Type {
	return b.typ
}

func (b *base) Continuous() bool {
	return b.continuous
}

func (b *base) newMachine(identifier any, control machine.Control) *machine.Machine {
	return machine.New(b.typ, b.deps.Registry.NextSerial(), identifier, b.machineOptions(control))
}

func (b *base) machineOptions(control machine.Control) machine.Options {
	return machine.Options{
		Control:   control,
		Errors:    b.deps.Errors,
		LoopCheck: b.deps.LoopCheck,
	}
}

// sweep runs the due machines of ms and expires those past their lifespan.
func (b *base) sweep(ctx context.Context, now time.Time, elapsed time.Duration, ms []*machine.Machine) {
	b.lastTick.Store(now.UnixNano())
	b.lastElapsed.Store(int64(elapsed))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.deps.Parallelism)

	for _, m := range ms {
		switch {
		case m.IsTerminated():
			continue
		case m.IsExpired(now):
			g.Go(func() error {
				if err := m.Expire(gctx); err != nil {
					b.logger.Debugf("Could not expire %s: %v", m, err)
				}

				return nil
			})
		case m.IsPaused(), m.RunType() != machine.NotRunning, !m.IsDue(now):
			continue
		default:
			g.Go(func() error {
				if _, err := m.RunMachine(gctx, machine.Timer, now); err != nil && gctx.Err() == nil {
					b.logger.Debugf("Could not run %s: %v", m, err)
				}

				return nil
			})
		}
	}

	_ = g.Wait()
}

// drive runs every machine returned by list until ctx is done.
func (b *base) drive(ctx context.Context, list func() []*machine.Machine) {
	b.logger.Debugf("Continuous group started")
	defer b.logger.Debugf("Continuous group stopped")

	for ctx.Err() == nil {
		now := time.Now()

		for _, m := range list() {
			if ctx.Err() != nil {
				return
			}

			switch {
			case m.IsTerminated():
			case m.IsExpired(now):
				_ = m.Expire(ctx)
			case m.IsPaused():
			default:
				if _, err := m.RunMachine(ctx, machine.Continuous, now); err != nil && ctx.Err() == nil {
					b.logger.Debugf("Could not run %s: %v", m, err)
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(b.idleDelay):
		}
	}
}

func (b *base) command(ctx context.Context, m *machine.Machine, cmd machine.Command) (any, machine.CommandResult, error) {
	return machine.NewInterface(m).Command(ctx, cmd.ID, cmd.Message)
}

// entry pairs a machine with its identifier for serialization.
type entry struct {
	identifier any
	m          *machine.Machine
}

func (b *base) serialize(ctx context.Context, entries []entry) ([]byte, error) {
	env := snapshot.Envelope{Group: b.name, Type: b.typ.Name, TypeID: b.typ.ID}

	if !b.typ.Volatile && !b.continuous {
		for _, e := range entries {
			if e.m.IsTerminated() {
				continue
			}

			rec, err := e.m.Record(ctx)
			if err != nil {
				return nil, err
			}

			raw, err := snapshot.EncodeIdentifier(e.identifier)
			if err != nil {
				return nil, fmt.Errorf("encode identifier of %s: %w", e.m, err)
			}

			env.Entries = append(env.Entries, snapshot.Entry{Identifier: raw, Record: rec})
		}
	}

	return snapshot.Encode(env)
}

type restored[ID any] struct {
	m  *machine.Machine
	id ID
}

func restore[ID any](b *base, data []byte, control machine.Control) ([]restored[ID], error) {
	env, err := snapshot.Decode(data)
	if err != nil {
		return nil, err
	}

	if err := env.Check(b.typ); err != nil {
		return nil, err
	}

	out := make([]restored[ID], 0, len(env.Entries))

	for _, e := range env.Entries {
		if e.Record.Operational == machine.OperationalStateTerminated {
			continue
		}

		id, err := snapshot.DecodeIdentifier[ID](e.Identifier)
		if err != nil {
			return nil, fmt.Errorf("decode identifier in group %s: %w", b.name, err)
		}

		var identifier any = id
		if len(e.Identifier) == 0 {
			identifier = nil
		}

		m, err := machine.Restore(b.typ, b.deps.Registry.NextSerial(), identifier, e.Record, b.machineOptions(control))
		if err != nil {
			return nil, err
		}

		out = append(out, restored[ID]{m: m, id: id})
	}

	return out, nil
}

// shutdownAll terminates displaced machines. It must be called without the
// group lock held.
func (b *base) shutdownAll(ctx context.Context, reason string, ms ...*machine.Machine) {
	for _, m := range ms {
		if m == nil {
			continue
		}

		if err := m.Shutdown(ctx, reason); err != nil {
			b.logger.Warnf("Could not terminate %s: %v", m, err)
		}
	}
}
