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

package commandpost

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tiendc/go-deepcopy"

	"github.com/united-manufacturing-hub/bigmachines/pkg/recursion"
)

// CommandType tells one-way and two-way commands apart. Two-way commands
// become TypeResponded once the receiver answered.
type CommandType int32

const (
	TypeOneWay CommandType = iota
	TypeTwoWay
	TypeResponded
)

func (t CommandType) String() string {
	switch t {
	case TypeOneWay:
		return "one_way"
	case TypeTwoWay:
		return "two_way"
	case TypeResponded:
		return "responded"
	default:
		return "unknown"
	}
}

// delivery states of a command
const (
	statePending int32 = iota
	stateResponded
	stateAbandoned
	stateDropped
)

// Command is one message travelling through a Post. The receiver reads it,
// the post writes Type and Response.
type Command struct {
	Sent       time.Time
	Identifier any
	Message    any
	Response   any
	done       chan struct{}
	Channel    string
	trace      recursion.Detector
	ID         uuid.UUID
	state      atomic.Int32
	Type       CommandType
}

func newCommand(ctx context.Context, kind CommandType, channel string, identifier, message any) *Command {
	return &Command{
		ID:         uuid.New(),
		Type:       kind,
		Channel:    channel,
		Identifier: identifier,
		Message:    message,
		Sent:       time.Now(),
		done:       make(chan struct{}),
		trace:      recursion.FromContext(ctx),
	}
}

// finish settles the command once. It returns false when the command was
// already abandoned or dropped.
func (c *Command) finish(response any) bool {
	if !c.state.CompareAndSwap(statePending, stateResponded) {
		return false
	}

	c.Response = response
	if c.Type == TypeTwoWay {
		c.Type = TypeResponded
	}

	close(c.done)

	return true
}

func (c *Command) drop() bool {
	if !c.state.CompareAndSwap(statePending, stateDropped) {
		return false
	}

	close(c.done)

	return true
}

func (c *Command) abandon() bool {
	return c.state.CompareAndSwap(statePending, stateAbandoned)
}

// result must only be called after done is closed.
func (c *Command) result() (any, bool) {
	if c.state.Load() != stateResponded {
		return nil, false
	}

	return c.Response, true
}

// clone isolates the sender's message from the receiver.
func clone(message any) (any, error) {
	if message == nil {
		return nil, nil
	}

	var out any
	if err := deepcopy.Copy(&out, message); err != nil {
		return nil, err
	}

	return out, nil
}
