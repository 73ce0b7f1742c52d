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

// Package control implements the BigMachine, the scheduler that drives every
// machine group of a process.
//
// Each tick the BigMachine:
//   - drains the exception queue into the exception handler
//   - processes all non-continuous groups in parallel, which runs the
//     machines whose timer elapsed and terminates those past their lifespan
//   - records tick metrics and feeds the starvation checker
//
// Continuous groups are driven by their own goroutines instead. The
// BigMachine also owns the CommandPost and routes posted commands to the
// group named by the command's channel.
package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/bigmachines/pkg/commandpost"
	"github.com/united-manufacturing-hub/bigmachines/pkg/config"
	"github.com/united-manufacturing-hub/bigmachines/pkg/constants"
	"github.com/united-manufacturing-hub/bigmachines/pkg/ctxutil"
	"github.com/united-manufacturing-hub/bigmachines/pkg/group"
	"github.com/united-manufacturing-hub/bigmachines/pkg/logger"
	"github.com/united-manufacturing-hub/bigmachines/pkg/metrics"
	"github.com/united-manufacturing-hub/bigmachines/pkg/recursion"
	"github.com/united-manufacturing-hub/bigmachines/pkg/registry"
	"github.com/united-manufacturing-hub/bigmachines/pkg/sentry"
	"github.com/united-manufacturing-hub/bigmachines/pkg/starvationchecker"
)

var (
	ErrDuplicateGroup = errors.New("a group with this name already exists")
	ErrUnknownGroup   = errors.New("no group with this name")
)

// Options configure a BigMachine. Zero values fall back to the defaults in
// constants.
type Options struct {
	// Registry holds the machine types. A fresh registry is created when nil.
	Registry *registry.Registry
	// Name identifies the BigMachine on /debug/machines.
	Name                string
	Post                commandpost.Config
	TickInterval        time.Duration
	StarvationThreshold time.Duration
	MaxConcurrentSweeps int
	GroupParallelism    int
	LoopCheck           recursion.Mode
}

// OptionsFromConfig maps the process configuration to Options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Post: commandpost.Config{
			Interval:       cfg.CommandPost.Interval,
			DefaultTimeout: cfg.CommandPost.DefaultTimeout,
			MaxTimeout:     cfg.CommandPost.MaxTimeout,
		},
		TickInterval:        cfg.Scheduler.TickInterval,
		StarvationThreshold: cfg.Scheduler.StarvationThreshold,
		MaxConcurrentSweeps: cfg.Scheduler.MaxConcurrentSweeps,
		GroupParallelism:    cfg.Scheduler.GroupParallelism,
		LoopCheck:           cfg.LoopCheckMode(),
	}
}

func (o Options) withDefaults() Options {
	if o.Registry == nil {
		o.Registry = registry.New()
	}

	if o.Name == "" {
		o.Name = "bigmachine"
	}

	if o.TickInterval <= 0 {
		o.TickInterval = constants.DefaultTickerTime
	}

	if o.StarvationThreshold <= 0 {
		o.StarvationThreshold = constants.StarvationThreshold
	}

	if o.MaxConcurrentSweeps <= 0 {
		o.MaxConcurrentSweeps = constants.MaxConcurrentGroupSweeps
	}

	if o.GroupParallelism <= 0 {
		o.GroupParallelism = constants.DefaultGroupParallelism
	}

	return o
}

// BigMachine is the scheduler. Create it with New, add groups, then Start it.
type BigMachine struct {
	handler           atomic.Pointer[ExceptionHandler]
	registry          *registry.Registry
	post              *commandpost.Post
	channel           *commandpost.Channel
	logger            *zap.SugaredLogger
	starvation        *starvationchecker.StarvationChecker
	groups            map[string]group.Group
	exceptions        chan MachineError
	cancel            context.CancelFunc
	done              chan struct{}
	loopCtx           context.Context
	order             []string
	lastTick          time.Time
	opts              Options
	workers           sync.WaitGroup
	ticks             atomic.Uint64
	droppedExceptions atomic.Int64
	mu                sync.RWMutex
	started           atomic.Bool
	stopped           atomic.Bool
}

// New creates a BigMachine and opens its CommandPost channel.
func New(opts Options) *BigMachine {
	opts = opts.withDefaults()

	log := logger.For(logger.ComponentBigMachine)
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	b := &BigMachine{
		opts:       opts,
		registry:   opts.Registry,
		post:       commandpost.New(opts.Post),
		logger:     log,
		groups:     make(map[string]group.Group),
		exceptions: make(chan MachineError, constants.ExceptionQueueSize),
		done:       make(chan struct{}),
	}

	b.SetExceptionHandler(nil)

	channel, err := b.post.Open(commandpost.ReceiverFunc(b.receive))
	if err != nil {
		// The post was created above, so its channel cannot be taken.
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to open command post channel: %v", err)
	}

	b.channel = channel

	metrics.InitErrorCounter(metrics.ComponentBigMachine, opts.Name)

	return b
}

func (b *BigMachine) Registry() *registry.Registry {
	return b.registry
}

func (b *BigMachine) Post() *commandpost.Post {
	return b.post
}

// Deps returns what groups of this BigMachine are built from. Machine
// failures of such groups go to the exception queue.
func (b *BigMachine) Deps() group.Deps {
	return group.Deps{
		Registry:    b.registry,
		Errors:      b,
		LoopCheck:   b.opts.LoopCheck,
		Parallelism: b.opts.GroupParallelism,
	}
}

// AddGroup registers g under its name. A continuous group added after Start
// is started right away.
func (b *BigMachine) AddGroup(g group.Group) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.groups[g.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateGroup, g.Name())
	}

	b.groups[g.Name()] = g
	b.order = append(b.order, g.Name())

	if g.Continuous() && b.loopCtx != nil {
		b.startContinuous(b.loopCtx, g)
	}

	b.logger.Debugf("Added %s group %s", g.Type().Name, g.Name())

	return nil
}

// Group returns the group registered under name.
func (b *BigMachine) Group(name string) (group.Group, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	g, ok := b.groups[name]

	return g, ok
}

// Groups returns all groups in the order they were added.
func (b *BigMachine) Groups() []group.Group {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]group.Group, 0, len(b.order))
	for _, name := range b.order {
		out = append(out, b.groups[name])
	}

	return out
}

// Start launches the scheduler loop, the CommandPost consumer and the
// continuous groups. It derives its context from parent, so cancelling
// parent stops everything. It returns false if the BigMachine was started
// before.
func (b *BigMachine) Start(parent context.Context) bool {
	if !b.started.CompareAndSwap(false, true) {
		return false
	}

	ctx, cancel := context.WithCancel(parent)
	b.cancel = cancel
	b.starvation = starvationchecker.NewStarvationChecker(b.opts.StarvationThreshold)

	metrics.RegisterDebugProvider(b.opts.Name, b)

	b.workers.Add(1)

	go func() {
		defer b.workers.Done()

		if err := b.post.Run(ctx); err != nil {
			b.logger.Errorf("Command post stopped: %v", err)
		}
	}()

	b.mu.Lock()
	b.loopCtx = ctx

	for _, name := range b.order {
		if g := b.groups[name]; g.Continuous() {
			b.startContinuous(ctx, g)
		}
	}
	b.mu.Unlock()

	go func() {
		defer close(b.done)

		b.loop(ctx)
	}()

	b.logger.Infof("BigMachine %s started with tick interval %s", b.opts.Name, b.opts.TickInterval)

	return true
}

// startContinuous runs g on its own goroutine. Caller holds mu.
func (b *BigMachine) startContinuous(ctx context.Context, g group.Group) {
	b.workers.Add(1)

	go func() {
		defer b.workers.Done()

		g.RunContinuous(ctx)
	}()
}

// Stop cancels the loops and waits for them to exit. Without a deadline on
// ctx the wait is bounded by constants.ShutdownTimeout. Failures still in
// the exception queue are handled before Stop returns.
func (b *BigMachine) Stop(ctx context.Context) error {
	if !b.started.Load() || !b.stopped.CompareAndSwap(false, true) {
		return nil
	}

	ctx, cancel := ctxutil.BudgetFraction(ctx, 1, constants.ShutdownTimeout)
	defer cancel()

	b.cancel()

	finished := make(chan struct{})

	go func() {
		<-b.done
		b.workers.Wait()
		close(finished)
	}()

	var err error

	select {
	case <-finished:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for the BigMachine loops: %w", ctx.Err())
	}

	b.starvation.Stop()
	metrics.UnregisterDebugProvider(b.opts.Name)
	b.drainExceptions(context.WithoutCancel(ctx))

	b.logger.Infof("BigMachine %s stopped after %d ticks", b.opts.Name, b.ticks.Load())

	return err
}

// loop is the scheduler. It runs until ctx is done.
func (b *BigMachine) loop(ctx context.Context) {
	ticker := time.NewTicker(b.opts.TickInterval)
	defer ticker.Stop()

	b.lastTick = time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			start := time.Now()

			tickCtx, cancel := context.WithTimeout(ctx, b.opts.TickInterval)
			b.Tick(tickCtx, now)
			cancel()

			cycleTime := time.Since(start)
			if cycleTime > b.opts.TickInterval {
				b.logger.Warnf("Tick took %s, longer than the tick interval %s", cycleTime, b.opts.TickInterval)
			}

			metrics.ObserveTickTime(metrics.ComponentBigMachine, b.opts.Name, cycleTime)
			b.starvation.Tick()
		}
	}
}

// Tick runs one scheduler iteration at now. The loop started by Start calls
// it; tests and embedders that drive time themselves call it directly and
// must not do so while the loop runs.
func (b *BigMachine) Tick(ctx context.Context, now time.Time) {
	b.ticks.Add(1)
	b.drainExceptions(ctx)

	elapsed := now.Sub(b.lastTick)
	if b.lastTick.IsZero() || elapsed < 0 {
		elapsed = 0
	}

	b.lastTick = now

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.MaxConcurrentSweeps)

	for _, grp := range b.Groups() {
		if grp.Continuous() {
			continue
		}

		g.Go(func() error {
			if remaining, sufficient, err := ctxutil.HasSufficientTime(gctx, constants.MinGroupProcessTime); err == nil && !sufficient {
				b.logger.Debugf("Skipping group %s this tick, only %s left", grp.Name(), remaining)

				return nil
			}

			b.process(gctx, grp, now, elapsed)

			return nil
		})
	}

	_ = g.Wait()
}

// process runs one group. A panic in a group is reported and does not reach
// the other groups.
func (b *BigMachine) process(ctx context.Context, g group.Group, now time.Time, elapsed time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncErrorCount(metrics.ComponentGroup, g.Name())
			sentry.ReportIssuef(sentry.IssueTypeError, b.logger, "group %s panicked: %v", g.Name(), r)
		}
	}()

	g.Process(ctx, now, elapsed)
}

// DroppedExceptions returns how many machine failures did not fit into the
// exception queue.
func (b *BigMachine) DroppedExceptions() int64 {
	return b.droppedExceptions.Load()
}
