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

// Package commandpost is an in-process pub/sub transport. Producers enqueue
// commands from any goroutine, a single consumer loop hands them to the one
// open receiver, one command at a time and in FIFO order.
package commandpost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/bigmachines/pkg/constants"
	"github.com/united-manufacturing-hub/bigmachines/pkg/logger"
	"github.com/united-manufacturing-hub/bigmachines/pkg/metrics"
	"github.com/united-manufacturing-hub/bigmachines/pkg/sentry"
)

var (
	// ErrChannelAlreadyOpen is returned by Open while another channel is open.
	ErrChannelAlreadyOpen = errors.New("a command post channel is already open")
	// ErrNoChannel is returned by Send when no receiver is registered.
	ErrNoChannel = errors.New("no command post channel is open")
	ErrAlreadyRunning = errors.New("command post loop is already running")
	// ErrStopped is returned once the consumer loop has exited.
	ErrStopped = errors.New("command post is stopped")
	// ErrNestingTooDeep is returned for two-way commands sent from receivers
	// that are themselves nested constants.MaxNestedDelivery levels deep.
	ErrNestingTooDeep = errors.New("two-way commands nested too deep")
)

// Receiver handles the commands of a Post. The response is handed to the
// sender of a two-way command; an error means no response.
type Receiver interface {
	Receive(ctx context.Context, cmd *Command) (any, error)
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx context.Context, cmd *Command) (any, error)

func (f ReceiverFunc) Receive(ctx context.Context, cmd *Command) (any, error) {
	return f(ctx, cmd)
}

// Config of a Post. Zero values fall back to the defaults in constants.
type Config struct {
	Interval       time.Duration
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = constants.DefaultCommandPostInterval
	}

	if c.MaxTimeout <= 0 || c.MaxTimeout > constants.MaxTwoWayTimeout {
		c.MaxTimeout = constants.MaxTwoWayTimeout
	}

	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = constants.DefaultTwoWayTimeout
	}

	if c.DefaultTimeout > c.MaxTimeout {
		c.DefaultTimeout = c.MaxTimeout
	}

	return c
}

// Post is the transport. Create it with New, register a receiver with Open
// and drive it with Run.
//
// Commands are delivered from the main queue by the consumer loop. A two-way
// command sent by a receiver while it handles a command cannot go through the
// queue it is blocking, so it goes to the lane one level below, a queue with
// its own worker. Every lane is FIFO and has exactly one worker.
type Post struct {
	channel   *Channel
	abandoned *expiremap.ExpireMap[string, time.Time]
	logger    *zap.SugaredLogger
	runCtx    context.Context
	signal    chan struct{}
	stopped   chan struct{}
	queue     []*Command
	lanes     []*lane
	cfg       Config
	running   atomic.Bool
	mu        sync.Mutex
}

// lane is a nested delivery queue. Guarded by Post.mu.
type lane struct {
	signal chan struct{}
	queue  []*Command
}

func New(cfg Config) *Post {
	return &Post{
		cfg:       cfg.withDefaults(),
		abandoned: expiremap.NewEx[string, time.Time](constants.AbandonedCommandCullInterval, constants.AbandonedCommandTTL),
		logger:    logger.For(logger.ComponentCommandPost),
		signal:    make(chan struct{}, 1),
		stopped:   make(chan struct{}),
	}
}

// Channel is the registration of the receiver of a Post.
type Channel struct {
	post     *Post
	receiver Receiver
}

// Open registers receiver. Only one channel may be open at a time.
func (p *Post) Open(receiver Receiver) (*Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		return nil, ErrChannelAlreadyOpen
	}

	p.channel = &Channel{post: p, receiver: receiver}

	return p.channel, nil
}

// Close unregisters the channel. Queued commands are dropped by the consumer.
func (c *Channel) Close() {
	c.post.mu.Lock()
	defer c.post.mu.Unlock()

	if c.post.channel == c {
		c.post.channel = nil
	}
}

// Close unregisters whatever channel is open.
func (p *Post) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.channel = nil
}

func (p *Post) currentChannel() *Channel {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.channel
}

// Pending returns the number of queued commands, nested lanes included.
func (p *Post) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.queue)
	for _, l := range p.lanes {
		n += len(l.queue)
	}

	return n
}

// Abandoned returns how many timed out two-way commands are still
// remembered.
func (p *Post) Abandoned() int {
	return p.abandoned.Length()
}

func (p *Post) isStopped() bool {
	select {
	case <-p.stopped:
		return true
	default:
		return false
	}
}

func (p *Post) acceptingLocked() error {
	if p.channel == nil {
		return ErrNoChannel
	}

	if p.isStopped() {
		return ErrStopped
	}

	return nil
}

func (p *Post) enqueue(cmds ...*Command) error {
	p.mu.Lock()
	if err := p.acceptingLocked(); err != nil {
		p.mu.Unlock()

		return err
	}

	p.queue = append(p.queue, cmds...)
	p.mu.Unlock()

	notify(p.signal)

	return nil
}

// enqueueNested queues cmds on the lane at depth, starting its worker on
// first use.
func (p *Post) enqueueNested(depth int, cmds ...*Command) error {
	if depth > constants.MaxNestedDelivery {
		return fmt.Errorf("%w: %d", ErrNestingTooDeep, depth)
	}

	p.mu.Lock()
	if err := p.acceptingLocked(); err != nil {
		p.mu.Unlock()

		return err
	}

	for len(p.lanes) < depth {
		l := &lane{signal: make(chan struct{}, 1)}
		p.lanes = append(p.lanes, l)

		go p.runLane(p.runCtx, len(p.lanes), l)
	}

	l := p.lanes[depth-1]
	l.queue = append(l.queue, cmds...)
	p.mu.Unlock()

	notify(l.signal)

	return nil
}

func notify(signal chan struct{}) {
	select {
	case signal <- struct{}{}:
	default:
	}
}

func (p *Post) pop() *Command {
	p.mu.Lock()
	defer p.mu.Unlock()

	return popFront(&p.queue)
}

func (p *Post) popLane(l *lane) *Command {
	p.mu.Lock()
	defer p.mu.Unlock()

	return popFront(&l.queue)
}

// popFront must be called with Post.mu held.
func popFront(queue *[]*Command) *Command {
	q := *queue
	if len(q) == 0 {
		return nil
	}

	cmd := q[0]
	q[0] = nil
	*queue = q[1:]

	return cmd
}

func (p *Post) clampTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return p.cfg.DefaultTimeout
	}

	if timeout > p.cfg.MaxTimeout {
		return p.cfg.MaxTimeout
	}

	return timeout
}

type consumerKey struct{}

// consumer marks a ctx handed to a receiver with the post and the lane it is
// delivered on. Depth 0 is the main queue.
type consumer struct {
	post  *Post
	depth int
}

func withConsumer(ctx context.Context, p *Post, depth int) context.Context {
	return context.WithValue(ctx, consumerKey{}, consumer{post: p, depth: depth})
}

// deliveryDepth reports the lane ctx is delivering on, if it belongs to p.
func deliveryDepth(ctx context.Context, p *Post) (int, bool) {
	c, ok := ctx.Value(consumerKey{}).(consumer)
	if !ok || c.post != p {
		return 0, false
	}

	return c.depth, true
}

// Run is the consumer loop. It returns when ctx is done; commands still
// queued at that point are dropped and their senders released. Run may be
// called once.
func (p *Post) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	defer p.shutdown()

	p.mu.Lock()
	p.runCtx = ctx
	p.mu.Unlock()

	ctx = withConsumer(ctx, p, 0)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Debugf("Command post started with interval %s", p.cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.signal:
		case <-ticker.C:
		}

		for ctx.Err() == nil {
			cmd := p.pop()
			if cmd == nil {
				break
			}

			p.deliver(ctx, cmd)
		}
	}
}

// runLane is the worker of a nested lane. It runs until ctx is done.
func (p *Post) runLane(ctx context.Context, depth int, l *lane) {
	ctx = withConsumer(ctx, p, depth)

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.signal:
		}

		for ctx.Err() == nil {
			cmd := p.popLane(l)
			if cmd == nil {
				break
			}

			p.deliver(ctx, cmd)
		}
	}
}

func (p *Post) shutdown() {
	p.mu.Lock()
	close(p.stopped)
	queued := p.queue
	p.queue = nil

	for _, l := range p.lanes {
		queued = append(queued, l.queue...)
		l.queue = nil
	}
	p.mu.Unlock()

	for _, cmd := range queued {
		cmd.drop()
	}

	p.logger.Debugf("Command post stopped, dropped %d queued commands", len(queued))
}

// deliver hands cmd to the receiver and settles it.
func (p *Post) deliver(ctx context.Context, cmd *Command) {
	ch := p.currentChannel()
	if ch == nil {
		p.logger.Debugf("Dropping command %s for %s/%v: no channel open", cmd.ID, cmd.Channel, cmd.Identifier)
		cmd.drop()

		return
	}

	metrics.IncCommand(cmd.Channel, cmd.Type.String())

	response, err := p.receive(ctx, ch, cmd)
	if err != nil {
		metrics.IncErrorCountAndLog(metrics.ComponentCommandPost, cmd.Channel, err, p.logger)
		cmd.drop()

		return
	}

	if !cmd.finish(response) {
		metrics.IncLateResponse(cmd.Channel)

		if at, ok := p.abandoned.Load(cmd.ID.String()); ok {
			p.logger.Debugf("Dropping late response of command %s, sender gave up %s ago", cmd.ID, time.Since(*at))
		}
	}
}

func (p *Post) receive(ctx context.Context, ch *Channel, cmd *Command) (response any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("receiver panicked on command %s: %v", cmd.ID, r)
			sentry.ReportIssue(err, sentry.IssueTypeError, p.logger)
		}
	}()

	return ch.receiver.Receive(withTrace(ctx, cmd), cmd)
}

func (p *Post) markAbandoned(cmd *Command) {
	p.abandoned.Set(cmd.ID.String(), time.Now())
	metrics.IncCommandTimeout(cmd.Channel)
}
