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
	"fmt"
	"time"

	"github.com/united-manufacturing-hub/bigmachines/pkg/recursion"
)

// Reply is the answer of one identifier to SendAndReceiveGroup.
type Reply struct {
	Identifier any
	Response   any
}

func withTrace(ctx context.Context, cmd *Command) context.Context {
	if cmd.trace.Len() == 0 {
		return ctx
	}

	return recursion.NewContext(ctx, cmd.trace)
}

func (p *Post) build(ctx context.Context, kind CommandType, channel string, identifier, message any) (*Command, error) {
	cloned, err := clone(message)
	if err != nil {
		return nil, fmt.Errorf("clone message for %s/%v: %w", channel, identifier, err)
	}

	return newCommand(ctx, kind, channel, identifier, cloned), nil
}

// dispatch queues cmds on the main queue. Two-way commands sent while
// delivering go to the next lane instead, since the sender blocks the lane
// it is delivering on.
func (p *Post) dispatch(ctx context.Context, kind CommandType, cmds ...*Command) error {
	depth, delivering := deliveryDepth(ctx, p)
	if kind != TypeTwoWay || !delivering {
		return p.enqueue(cmds...)
	}

	return p.enqueueNested(depth+1, cmds...)
}

// Send delivers a copy of message to identifier on channel without waiting.
func (p *Post) Send(ctx context.Context, channel string, identifier, message any) error {
	cmd, err := p.build(ctx, TypeOneWay, channel, identifier, message)
	if err != nil {
		return err
	}

	return p.dispatch(ctx, TypeOneWay, cmd)
}

// SendTwoWay delivers a copy of message and waits for the response.
//
// A non-positive timeout uses the configured default, anything above the
// configured maximum is capped. On timeout, cancellation of ctx or a stopped
// post it returns false; the command may still be processed later and its
// response is then discarded.
func (p *Post) SendTwoWay(ctx context.Context, channel string, identifier, message any, timeout time.Duration) (any, bool) {
	cmd, err := p.build(ctx, TypeTwoWay, channel, identifier, message)
	if err != nil {
		p.logger.Debugf("SendTwoWay: %v", err)

		return nil, false
	}

	if err := p.dispatch(ctx, TypeTwoWay, cmd); err != nil {
		p.logger.Debugf("SendTwoWay to %s/%v: %v", channel, identifier, err)

		return nil, false
	}

	timer := time.NewTimer(p.clampTimeout(timeout))
	defer timer.Stop()

	select {
	case <-cmd.done:
		return cmd.result()
	case <-timer.C:
	case <-ctx.Done():
	case <-p.stopped:
	}

	return p.giveUp(cmd)
}

// giveUp abandons cmd unless it got settled in the meantime.
func (p *Post) giveUp(cmd *Command) (any, bool) {
	if cmd.abandon() {
		p.markAbandoned(cmd)

		return nil, false
	}

	<-cmd.done

	return cmd.result()
}

// SendGroup sends a copy of message to every identifier on channel.
func (p *Post) SendGroup(ctx context.Context, channel string, identifiers []any, message any) error {
	cmds := make([]*Command, 0, len(identifiers))

	for _, identifier := range identifiers {
		cmd, err := p.build(ctx, TypeOneWay, channel, identifier, message)
		if err != nil {
			return err
		}

		cmds = append(cmds, cmd)
	}

	return p.dispatch(ctx, TypeOneWay, cmds...)
}

// SendAndReceiveGroup sends a copy of message to every identifier and
// collects responses until the shared timeout. The replies keep the order of
// identifiers and only contain those that answered in time.
func (p *Post) SendAndReceiveGroup(ctx context.Context, channel string, identifiers []any, message any, timeout time.Duration) ([]Reply, error) {
	cmds := make([]*Command, 0, len(identifiers))

	for _, identifier := range identifiers {
		cmd, err := p.build(ctx, TypeTwoWay, channel, identifier, message)
		if err != nil {
			return nil, err
		}

		cmds = append(cmds, cmd)
	}

	if err := p.dispatch(ctx, TypeTwoWay, cmds...); err != nil {
		return nil, err
	}

	deadline := time.NewTimer(p.clampTimeout(timeout))
	defer deadline.Stop()

	replies := make([]Reply, 0, len(cmds))
	expired := false

	for _, cmd := range cmds {
		if !expired {
			select {
			case <-cmd.done:
			case <-deadline.C:
				expired = true
			case <-ctx.Done():
				expired = true
			case <-p.stopped:
				expired = true
			}
		}

		var (
			response any
			ok       bool
		)

		if expired {
			response, ok = p.giveUp(cmd)
		} else {
			response, ok = cmd.result()
		}

		if ok {
			replies = append(replies, Reply{Identifier: cmd.Identifier, Response: response})
		}
	}

	return replies, nil
}
