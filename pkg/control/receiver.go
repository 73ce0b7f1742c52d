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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/united-manufacturing-hub/bigmachines/pkg/commandpost"
	"github.com/united-manufacturing-hub/bigmachines/pkg/machine"
)

// ErrInvalidMessage is returned for posted messages that are not a
// machine.Command.
var ErrInvalidMessage = errors.New("posted message is not a machine command")

// receive is the CommandPost receiver. The channel of a command names the
// group, its identifier the machine, and its message is a machine.Command.
func (b *BigMachine) receive(ctx context.Context, cmd *commandpost.Command) (any, error) {
	g, ok := b.Group(cmd.Channel)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, cmd.Channel)
	}

	var mc machine.Command

	switch msg := cmd.Message.(type) {
	case machine.Command:
		mc = msg
	case *machine.Command:
		if msg == nil {
			return nil, fmt.Errorf("%w: nil", ErrInvalidMessage)
		}

		mc = *msg
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidMessage, cmd.Message)
	}

	response, result, err := g.Dispatch(ctx, cmd.Identifier, mc)
	if err != nil {
		return nil, err
	}

	if result == machine.CommandIgnored {
		b.logger.Debugf("Command %d ignored by %s/%v", mc.ID, cmd.Channel, cmd.Identifier)
	}

	return response, nil
}

// Send posts a command for the machine identifier of the group named
// groupName without waiting for it.
func (b *BigMachine) Send(ctx context.Context, groupName string, identifier any, id machine.CommandID, message any) error {
	return b.post.Send(ctx, groupName, identifier, machine.Command{ID: id, Message: message})
}

// Request posts a command and waits up to timeout for the response. It
// returns false when the machine did not answer in time, does not exist or
// failed.
func (b *BigMachine) Request(ctx context.Context, groupName string, identifier any, id machine.CommandID, message any, timeout time.Duration) (any, bool) {
	return b.post.SendTwoWay(ctx, groupName, identifier, machine.Command{ID: id, Message: message}, timeout)
}

// Broadcast posts the same command to several machines of one group and
// collects the responses that arrive before timeout, in identifier order.
func (b *BigMachine) Broadcast(ctx context.Context, groupName string, identifiers []any, id machine.CommandID, message any, timeout time.Duration) ([]commandpost.Reply, error) {
	return b.post.SendAndReceiveGroup(ctx, groupName, identifiers, machine.Command{ID: id, Message: message}, timeout)
}

// ChangeStateVia posts a state change request.
func (b *BigMachine) ChangeStateVia(ctx context.Context, groupName string, identifier any, state machine.State, rerun bool, timeout time.Duration) (machine.ChangeStateResult, bool) {
	response, ok := b.Request(ctx, groupName, identifier, machine.CommandChangeState, machine.StateChange{State: state, Rerun: rerun}, timeout)
	if !ok {
		return 0, false
	}

	result, ok := response.(machine.ChangeStateResult)

	return result, ok
}
