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

package control

import (
	"github.com/united-manufacturing-hub/bigmachines/pkg/group"
)

// NewSingle creates a Single group of typeName and adds it to b.
func NewSingle(b *BigMachine, typeName string, opts ...group.Option) (*group.Single, error) {
	g, err := group.NewSingle(b.Deps(), typeName, opts...)
	if err != nil {
		return nil, err
	}

	if err := b.AddGroup(g); err != nil {
		return nil, err
	}

	return g, nil
}

// NewUnordered creates an Unordered group of typeName and adds it to b.
func NewUnordered[ID comparable](b *BigMachine, typeName string, opts ...group.Option) (*group.Unordered[ID], error) {
	g, err := group.NewUnordered[ID](b.Deps(), typeName, opts...)
	if err != nil {
		return nil, err
	}

	if err := b.AddGroup(g); err != nil {
		return nil, err
	}

	return g, nil
}

// NewSequential creates a Sequential group of typeName and adds it to b.
func NewSequential[ID comparable](b *BigMachine, typeName string, opts ...group.Option) (*group.Sequential[ID], error) {
	g, err := group.NewSequential[ID](b.Deps(), typeName, opts...)
	if err != nil {
		return nil, err
	}

	if err := b.AddGroup(g); err != nil {
		return nil, err
	}

	return g, nil
}
