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
	"strconv"
)

// StateFunc handles one state. It runs with the machine lock held.
type StateFunc func(ctx context.Context, m *Machine) (Result, error)

// CommandFunc handles one command id. It runs with the machine lock held.
type CommandFunc func(ctx context.Context, m *Machine, message any) (any, error)

// Guard approves or denies entering or leaving a state.
type Guard func(ctx context.Context, m *Machine) bool

// Table is the dispatch table of a machine type. It is immutable once built.
type Table struct {
	states       map[State]StateFunc
	commands     map[CommandID]CommandFunc
	canEnter     map[State]Guard
	canExit      map[State]Guard
	names        map[State]string
	onTerminated func(ctx context.Context, m *Machine)
	typeName     string
	initial      State
}

// TableBuilder collects handlers for a Table.
type TableBuilder struct {
	table *Table
	errs  []error
}

var (
	ErrNoStates       = errors.New("table has no state handlers")
	ErrInitialMissing = errors.New("initial state has no handler")
	ErrReservedID     = errors.New("command id is reserved")
)

// NewTable starts a dispatch table for the machine type typeName.
func NewTable(typeName string) *TableBuilder {
	return &TableBuilder{
		table: &Table{
			states:   make(map[State]StateFunc),
			commands: make(map[CommandID]CommandFunc),
			canEnter: make(map[State]Guard),
			canExit:  make(map[State]Guard),
			names:    make(map[State]string),
			typeName: typeName,
		},
	}
}

func (b *TableBuilder) State(id State, fn StateFunc) *TableBuilder {
	b.table.states[id] = fn

	return b
}

func (b *TableBuilder) Command(id CommandID, fn CommandFunc) *TableBuilder {
	if id < 0 {
		b.errs = append(b.errs, fmt.Errorf("command %d: %w", id, ErrReservedID))

		return b
	}

	b.table.commands[id] = fn

	return b
}

func (b *TableBuilder) CanEnter(id State, guard Guard) *TableBuilder {
	b.table.canEnter[id] = guard

	return b
}

func (b *TableBuilder) CanExit(id State, guard Guard) *TableBuilder {
	b.table.canExit[id] = guard

	return b
}

// OnTerminated sets a hook that runs once, with the lock held, when a machine
// of this type terminates.
func (b *TableBuilder) OnTerminated(fn func(ctx context.Context, m *Machine)) *TableBuilder {
	b.table.onTerminated = fn

	return b
}

func (b *TableBuilder) InitialState(id State) *TableBuilder {
	b.table.initial = id

	return b
}

// StateName names a state for logs and snapshots.
func (b *TableBuilder) StateName(id State, name string) *TableBuilder {
	b.table.names[id] = name

	return b
}

// Build validates and returns the table.
func (b *TableBuilder) Build() (*Table, error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("machine type %s: %w", b.table.typeName, errors.Join(b.errs...))
	}

	if len(b.table.states) == 0 {
		return nil, fmt.Errorf("machine type %s: %w", b.table.typeName, ErrNoStates)
	}

	if _, ok := b.table.states[b.table.initial]; !ok {
		return nil, fmt.Errorf("machine type %s, state %d: %w", b.table.typeName, b.table.initial, ErrInitialMissing)
	}

	return b.table, nil
}

// MustBuild is Build for tables defined at package init.
func (b *TableBuilder) MustBuild() *Table {
	t, err := b.Build()
	if err != nil {
		panic(err)
	}

	return t
}

func (t *Table) InitialState() State {
	return t.initial
}

func (t *Table) StateName(id State) string {
	if name, ok := t.names[id]; ok {
		return name
	}

	return strconv.Itoa(int(id))
}

// HasState reports whether id has a handler.
func (t *Table) HasState(id State) bool {
	_, ok := t.states[id]

	return ok
}
