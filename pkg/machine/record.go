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
	"time"
)

// Persistable is implemented by machine payloads that carry state worth
// keeping across restarts.
type Persistable interface {
	MarshalState() ([]byte, error)
	UnmarshalState(data []byte) error
}

// Record is the persisted form of a machine, without its identifier.
type Record struct {
	Operational     OperationalState `json:"operational"`
	Data            []byte           `json:"data,omitempty"`
	State           State            `json:"state"`
	Timeout         time.Duration    `json:"timeout"`
	NextRun         int64            `json:"nextRun"`
	TerminationDate int64            `json:"terminationDate"`
	LastRun         int64            `json:"lastRun"`
	CreatedAt       int64            `json:"createdAt"`
}

// Record captures the machine's fields with the lock held.
func (m *Machine) Record(ctx context.Context) (Record, error) {
	if err := m.lock.Lock(ctx); err != nil {
		return Record{}, err
	}
	defer m.lock.Unlock()

	rec := Record{
		Operational:     m.OperationalState(),
		State:           m.CurrentState(),
		Timeout:         m.Timeout(),
		NextRun:         m.nextRun.Load(),
		TerminationDate: m.terminationDate.Load(),
		LastRun:         m.lastRun.Load(),
		CreatedAt:       m.createdAt.UnixNano(),
	}

	if p, ok := m.data.(Persistable); ok {
		data, err := p.MarshalState()
		if err != nil {
			return Record{}, fmt.Errorf("marshal state of %s: %w", m, err)
		}

		rec.Data = data
	}

	return rec, nil
}

// Restore creates a machine of type t from rec.
func Restore(t *Type, serial uint64, identifier any, rec Record, opts Options) (*Machine, error) {
	if !t.Table.HasState(rec.State) {
		return nil, fmt.Errorf("restore %s: %w %d", t.Name, ErrMissingHandler, rec.State)
	}

	opts.Now = fromUnixNano(rec.CreatedAt)
	m := New(t, serial, identifier, opts)

	m.currentState.Store(int64(rec.State))
	m.timeout.Store(int64(rec.Timeout))
	m.nextRun.Store(rec.NextRun)
	m.terminationDate.Store(rec.TerminationDate)
	m.lastRun.Store(rec.LastRun)

	switch rec.Operational {
	case OperationalStateRunning, "":
	case OperationalStatePaused, OperationalStateTerminated:
		m.operational.SetState(string(rec.Operational))
	default:
		return nil, fmt.Errorf("restore %s: %w: %q", t.Name, ErrInvalidTransition, rec.Operational)
	}

	if len(rec.Data) > 0 {
		p, ok := m.data.(Persistable)
		if !ok {
			return nil, fmt.Errorf("restore %s: payload %T cannot load persisted data", t.Name, m.data)
		}

		if err := p.UnmarshalState(rec.Data); err != nil {
			return nil, fmt.Errorf("restore %s: %w", t.Name, err)
		}
	}

	return m, nil
}
