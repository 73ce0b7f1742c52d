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

// Package registry holds the machine types known to a BigMachine.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/bigmachines/pkg/logger"
	"github.com/united-manufacturing-hub/bigmachines/pkg/machine"
)

var (
	ErrDuplicateType = errors.New("machine type already registered")
	ErrUnknownType   = errors.New("machine type not registered")
	ErrInvalidType   = errors.New("invalid machine type")
)

// TypeInfo describes a machine type to register.
type TypeInfo struct {
	// Factory creates the payload of a new machine. Optional.
	Factory func() any
	Table   *machine.Table
	Name    string
	// DefaultTimeout is the run interval of new machines. Zero runs them at
	// every tick, a negative value leaves the timer disabled.
	DefaultTimeout time.Duration
	// DefaultLifespan terminates new machines after this long. Zero or
	// negative means no lifespan.
	DefaultLifespan time.Duration
	// Volatile types are skipped by Serialize.
	Volatile bool
}

// Registry maps machine type names to their types and hands out machine
// serials. Serials are unique per registry.
type Registry struct {
	types  map[string]*machine.Type
	byID   map[uint64]*machine.Type
	logger *zap.SugaredLogger
	serial atomic.Uint64
	mu     sync.RWMutex
}

func New() *Registry {
	return &Registry{
		types:  make(map[string]*machine.Type),
		byID:   make(map[uint64]*machine.Type),
		logger: logger.For(logger.ComponentRegistry),
	}
}

// TypeID returns the numeric id of a type name.
func TypeID(name string) uint64 {
	return xxhash.Sum64String(name)
}

// Register adds a machine type and returns it.
func (r *Registry) Register(info TypeInfo) (*machine.Type, error) {
	if info.Name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidType)
	}

	if info.Table == nil {
		return nil, fmt.Errorf("%w: %s has no dispatch table", ErrInvalidType, info.Name)
	}

	t := &machine.Type{
		Factory:         info.Factory,
		Table:           info.Table,
		Name:            info.Name,
		ID:              TypeID(info.Name),
		DefaultTimeout:  info.DefaultTimeout,
		DefaultLifespan: info.DefaultLifespan,
		Volatile:        info.Volatile,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[info.Name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateType, info.Name)
	}

	if other, exists := r.byID[t.ID]; exists {
		return nil, fmt.Errorf("%w: %s collides with %s", ErrDuplicateType, info.Name, other.Name)
	}

	r.types[info.Name] = t
	r.byID[t.ID] = t

	r.logger.Debugf("Registered machine type %s (id %d)", t.Name, t.ID)

	return t, nil
}

// MustRegister is Register for setup code.
func (r *Registry) MustRegister(info TypeInfo) *machine.Type {
	t, err := r.Register(info)
	if err != nil {
		panic(err)
	}

	return t
}

// Lookup returns the type registered under name.
func (r *Registry) Lookup(name string) (*machine.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[name]

	return t, ok
}

func (r *Registry) LookupID(id uint64) (*machine.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.byID[id]

	return t, ok
}

// Names returns the registered type names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// NextSerial returns a serial that no other machine of this registry has.
func (r *Registry) NextSerial() uint64 {
	return r.serial.Add(1)
}

// NewMachine creates a machine of the named type with a fresh serial.
func (r *Registry) NewMachine(name string, identifier any, opts machine.Options) (*machine.Machine, error) {
	t, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, name)
	}

	return machine.New(t, r.NextSerial(), identifier, opts), nil
}
