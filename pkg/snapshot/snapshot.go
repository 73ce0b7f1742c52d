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

// Package snapshot is the byte format groups serialize their machines to.
package snapshot

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/united-manufacturing-hub/bigmachines/pkg/machine"
)

// Version of the envelope layout.
const Version = 1

var (
	ErrVersion      = errors.New("unsupported snapshot version")
	ErrTypeMismatch = errors.New("snapshot belongs to another machine type")
)

// Entry is one persisted machine.
type Entry struct {
	Identifier json.RawMessage `json:"identifier,omitempty"`
	Record     machine.Record  `json:"record"`
}

// Envelope holds the machines of one group.
type Envelope struct {
	Group   string  `json:"group"`
	Type    string  `json:"type"`
	Entries []Entry `json:"entries"`
	TypeID  uint64  `json:"typeId"`
	Version int     `json:"version"`
}

// Encode marshals and compresses env.
func Encode(env Envelope) ([]byte, error) {
	env.Version = Version

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot of %s: %w", env.Group, err)
	}

	return Compress(data)
}

// Decode reverses Encode. An empty input is an empty envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if len(data) == 0 {
		return env, nil
	}

	raw, err := Decompress(data)
	if err != nil {
		return env, fmt.Errorf("decompress snapshot: %w", err)
	}

	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("decode snapshot: %w", err)
	}

	if env.Version != Version {
		return env, fmt.Errorf("%w: %d", ErrVersion, env.Version)
	}

	return env, nil
}

// Check returns an error unless env holds machines of type t.
func (env Envelope) Check(t *machine.Type) error {
	if len(env.Entries) == 0 {
		return nil
	}

	if env.TypeID != t.ID {
		return fmt.Errorf("%w: %s, want %s", ErrTypeMismatch, env.Type, t.Name)
	}

	return nil
}

// EncodeIdentifier marshals a group identifier.
func EncodeIdentifier(identifier any) (json.RawMessage, error) {
	if identifier == nil {
		return nil, nil
	}

	return json.Marshal(identifier)
}

// DecodeIdentifier unmarshals a group identifier into ID.
func DecodeIdentifier[ID any](raw json.RawMessage) (ID, error) {
	var id ID
	if len(raw) == 0 {
		return id, nil
	}

	err := json.Unmarshal(raw, &id)

	return id, err
}
