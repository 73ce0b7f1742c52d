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

package main

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/united-manufacturing-hub/bigmachines/pkg/machine"
	"github.com/united-manufacturing-hub/bigmachines/pkg/registry"
)

// Counter states.
const (
	stateCounting machine.State = iota
	stateResting
)

// Counter commands.
const (
	commandAdd machine.CommandID = iota + 1
	commandGet
	commandRest
)

// counter counts up every time its timer fires and rests after every
// restAfter counts.
type counter struct {
	Count     int64 `json:"count"`
	Rests     int64 `json:"rests"`
	restAfter int64
}

func (c *counter) MarshalState() ([]byte, error) {
	return json.Marshal(c)
}

func (c *counter) UnmarshalState(data []byte) error {
	return json.Unmarshal(data, c)
}

func counterOf(m *machine.Machine) *counter {
	c, _ := machine.DataAs[*counter](m)

	return c
}

func counterType() registry.TypeInfo {
	table := machine.NewTable("Counter").
		InitialState(stateCounting).
		StateName(stateCounting, "Counting").
		StateName(stateResting, "Resting").
		State(stateCounting, func(ctx context.Context, m *machine.Machine) (machine.Result, error) {
			c := counterOf(m)
			c.Count++

			if c.restAfter > 0 && c.Count%c.restAfter == 0 {
				m.ChangeState(ctx, stateResting, false)
			}

			return machine.Continue, nil
		}).
		State(stateResting, func(ctx context.Context, m *machine.Machine) (machine.Result, error) {
			counterOf(m).Rests++
			m.ChangeState(ctx, stateCounting, false)

			return machine.Continue, nil
		}).
		Command(commandAdd, func(_ context.Context, m *machine.Machine, msg any) (any, error) {
			delta, _ := msg.(int64)
			c := counterOf(m)
			c.Count += delta

			return c.Count, nil
		}).
		Command(commandGet, func(_ context.Context, m *machine.Machine, _ any) (any, error) {
			return counterOf(m).Count, nil
		}).
		Command(commandRest, func(ctx context.Context, m *machine.Machine, _ any) (any, error) {
			return m.ChangeState(ctx, stateResting, true), nil
		}).
		MustBuild()

	return registry.TypeInfo{
		Name:           "Counter",
		Table:          table,
		DefaultTimeout: time.Second,
		Factory: func() any {
			return &counter{restAfter: 10}
		},
	}
}

// Batch states.
const (
	stateQueued machine.State = iota
	stateWorking
	stateFinished
)

// batch works through a fixed number of steps, one per tick, then
// terminates. Batches of one queue are worked on one after another.
type batch struct {
	Done  int `json:"done"`
	Steps int `json:"steps"`
}

func (b *batch) MarshalState() ([]byte, error) {
	return json.Marshal(b)
}

func (b *batch) UnmarshalState(data []byte) error {
	return json.Unmarshal(data, b)
}

func batchType() registry.TypeInfo {
	table := machine.NewTable("Batch").
		InitialState(stateQueued).
		StateName(stateQueued, "Queued").
		StateName(stateWorking, "Working").
		StateName(stateFinished, "Finished").
		State(stateQueued, func(ctx context.Context, m *machine.Machine) (machine.Result, error) {
			m.Logger().Infof("Batch %v started", m.Identifier())
			m.ChangeState(ctx, stateWorking, true)

			return machine.Continue, nil
		}).
		State(stateWorking, func(ctx context.Context, m *machine.Machine) (machine.Result, error) {
			b, _ := machine.DataAs[*batch](m)
			b.Done++

			if b.Done >= b.Steps {
				m.ChangeState(ctx, stateFinished, true)
			}

			return machine.Continue, nil
		}).
		State(stateFinished, func(_ context.Context, m *machine.Machine) (machine.Result, error) {
			m.Logger().Infof("Batch %v finished", m.Identifier())

			return machine.Terminate, nil
		}).
		MustBuild()

	return registry.TypeInfo{
		Name:            "Batch",
		Table:           table,
		DefaultTimeout:  500 * time.Millisecond,
		DefaultLifespan: 10 * time.Minute,
		Factory: func() any {
			return &batch{Steps: 5}
		},
	}
}
