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
	"time"

	"github.com/united-manufacturing-hub/bigmachines/pkg/machine"
)

// Snapshot describes a group for introspection.
type Snapshot struct {
	LastTick    time.Time         `json:"lastTick"`
	Name        string            `json:"name"`
	Kind        string            `json:"kind"`
	Type        string            `json:"type"`
	Machines    []MachineSnapshot `json:"machines"`
	LastElapsed time.Duration     `json:"lastElapsed"`
	Continuous  bool              `json:"continuous"`
}

// MachineSnapshot describes one machine. It is read without the machine
// lock, so the fields may come from different moments.
type MachineSnapshot struct {
	NextRun         time.Time `json:"nextRun"`
	TerminationDate time.Time `json:"terminationDate"`
	LastRun         time.Time `json:"lastRun"`
	Identifier      any       `json:"identifier,omitempty"`
	State           string    `json:"state"`
	Operational     string    `json:"operational"`
	RunType         string    `json:"runType"`
	Serial          uint64    `json:"serial"`
}

func describe(m *machine.Machine) MachineSnapshot {
	return MachineSnapshot{
		NextRun:         m.NextRun(),
		TerminationDate: m.TerminationDate(),
		LastRun:         m.LastRun(),
		Identifier:      m.Identifier(),
		State:           m.CurrentStateName(),
		Operational:     string(m.OperationalState()),
		RunType:         m.RunType().String(),
		Serial:          m.Serial(),
	}
}

func (b *base) describe(ms []*machine.Machine) Snapshot {
	s := Snapshot{
		Name:        b.name,
		Kind:        b.kind,
		Type:        b.typ.Name,
		Continuous:  b.continuous,
		LastElapsed: time.Duration(b.lastElapsed.Load()),
		Machines:    make([]MachineSnapshot, 0, len(ms)),
	}

	if tick := b.lastTick.Load(); tick != 0 {
		s.LastTick = time.Unix(0, tick)
	}

	for _, m := range ms {
		s.Machines = append(s.Machines, describe(m))
	}

	return s
}
