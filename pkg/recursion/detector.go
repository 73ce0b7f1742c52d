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

// Package recursion detects machines that trigger themselves through a chain
// of runs and commands.
//
// A Detector is an immutable set of IDs that travels with the context of a
// call chain. Every machine operation that may call into another machine adds
// its own ID before calling the handler; finding the ID already present means
// the chain has come back around.
package recursion

import (
	"context"
	"fmt"
	"strings"
)

// Kind distinguishes the two operations that can re-enter a machine.
type Kind uint8

const (
	KindRun Kind = iota + 1
	KindCommand
)

func (k Kind) String() string {
	switch k {
	case KindRun:
		return "run"
	case KindCommand:
		return "command"
	default:
		return "unknown"
	}
}

// ID identifies one operation on one machine.
type ID struct {
	// TypeName is carried for error messages only and does not take part in
	// equality checks.
	TypeName string
	Serial   uint64
	TypeID   uint64
	Kind     Kind
}

func (id ID) same(other ID) bool {
	return id.Kind == other.Kind && id.Serial == other.Serial && id.TypeID == other.TypeID
}

func (id ID) String() string {
	return fmt.Sprintf("%s#%d.%s", id.TypeName, id.Serial, id.Kind)
}

const inlineSlots = 4

// Detector is the set of operations already active on the current call chain.
// The zero value is empty and ready to use. A Detector is never modified after
// it was created, so branches of a call chain can share one safely.
type Detector struct {
	overflow []ID
	inline   [inlineSlots]ID
	n        int
}

// Len returns the number of ids in d.
func (d Detector) Len() int {
	return d.n
}

func (d Detector) at(i int) ID {
	if i < inlineSlots {
		return d.inline[i]
	}

	return d.overflow[i-inlineSlots]
}

// Contains reports whether id is part of d.
func (d Detector) Contains(id ID) bool {
	for i := range d.n {
		if d.at(i).same(id) {
			return true
		}
	}

	return false
}

// ContainsMachine reports whether any operation of the machine with the given
// serial is part of d.
func (d Detector) ContainsMachine(serial uint64) bool {
	for i := range d.n {
		if d.at(i).Serial == serial {
			return true
		}
	}

	return false
}

// TryAdd returns a new Detector holding id in addition to the ids of d.
// If id is already present it returns d unchanged and false.
func (d Detector) TryAdd(id ID) (Detector, bool) {
	if d.Contains(id) {
		return d, false
	}

	next := Detector{inline: d.inline, n: d.n + 1}

	if d.n < inlineSlots {
		next.inline[d.n] = id

		return next, true
	}

	// The backing array may be shared with sibling detectors, always copy.
	next.overflow = make([]ID, len(d.overflow), len(d.overflow)+1)
	copy(next.overflow, d.overflow)
	next.overflow = append(next.overflow, id)

	return next, true
}

// Chain returns the ids of d in the order they were added.
func (d Detector) Chain() []ID {
	chain := make([]ID, d.n)
	for i := range d.n {
		chain[i] = d.at(i)
	}

	return chain
}

type contextKey struct{}

// NewContext returns a copy of ctx carrying d.
func NewContext(ctx context.Context, d Detector) context.Context {
	return context.WithValue(ctx, contextKey{}, d)
}

// FromContext returns the Detector carried by ctx, or an empty one.
func FromContext(ctx context.Context) Detector {
	if ctx == nil {
		return Detector{}
	}

	d, _ := ctx.Value(contextKey{}).(Detector)

	return d
}

// Extend adds id to the detector carried by ctx. The returned context is ctx
// itself when id was already present.
func Extend(ctx context.Context, id ID) context.Context {
	d, added := FromContext(ctx).TryAdd(id)
	if !added {
		return ctx
	}

	return NewContext(ctx, d)
}

// CycleError is returned when a machine operation is re-entered on its own
// call chain.
type CycleError struct {
	Chain []ID
	Entry ID
}

func (e *CycleError) Error() string {
	names := make([]string, 0, len(e.Chain)+1)
	for _, id := range e.Chain {
		names = append(names, id.TypeName)
	}

	names = append(names, e.Entry.TypeName)

	return fmt.Sprintf("circular machine %s detected: %s", e.Entry.Kind, strings.Join(names, " -> "))
}

// Mode selects what happens when a cycle is detected.
type Mode int

const (
	// ModeThrow rejects the call with a *CycleError.
	ModeThrow Mode = iota
	// ModeSilent drops the call without an error.
	ModeSilent
	// ModeDisabled skips detection entirely.
	ModeDisabled
)

func (m Mode) String() string {
	switch m {
	case ModeThrow:
		return "throw"
	case ModeSilent:
		return "silent"
	case ModeDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses the names returned by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "throw", "strict":
		return ModeThrow, nil
	case "silent", "lenient":
		return ModeSilent, nil
	case "disabled", "off":
		return ModeDisabled, nil
	default:
		return ModeThrow, fmt.Errorf("unknown loop check mode %q", s)
	}
}

// Enter records id on the call chain carried by ctx. Any operation of the same
// machine already on the chain counts as a cycle, since the machine lock is
// held by the outer operation and the inner call could never acquire it.
//
// proceed is false when the caller must not run the operation. err is set only
// in ModeThrow.
func Enter(ctx context.Context, id ID, mode Mode) (next context.Context, proceed bool, err error) {
	if mode == ModeDisabled {
		return ctx, true, nil
	}

	d := FromContext(ctx)
	if d.ContainsMachine(id.Serial) {
		if mode == ModeSilent {
			return ctx, false, nil
		}

		return ctx, false, &CycleError{Chain: d.Chain(), Entry: id}
	}

	d, _ = d.TryAdd(id)

	return NewContext(ctx, d), true, nil
}
