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

package group_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/bigmachines/internal/machinetest"
	"github.com/united-manufacturing-hub/bigmachines/pkg/group"
	"github.com/united-manufacturing-hub/bigmachines/pkg/machine"
	"github.com/united-manufacturing-hub/bigmachines/pkg/recursion"
	"github.com/united-manufacturing-hub/bigmachines/pkg/registry"
	"github.com/united-manufacturing-hub/bigmachines/pkg/snapshot"
)

func newDeps() (group.Deps, *machinetest.Sink) {
	reg := registry.New()
	reg.MustRegister(machinetest.ProbeInfo("Probe"))

	volatile := machinetest.ProbeInfo("Scratch")
	volatile.Volatile = true
	reg.MustRegister(volatile)

	sink := &machinetest.Sink{}

	return group.Deps{Registry: reg, Errors: sink, LoopCheck: recursion.ModeThrow}, sink
}

var _ = Describe("Unordered", func() {
	var (
		ctx  context.Context
		deps group.Deps
		g    *group.Unordered[int]
	)

	BeforeEach(func() {
		ctx = context.Background()
		deps, _ = newDeps()

		var err error
		g, err = group.NewUnordered[int](deps, "Probe")
		Expect(err).ToNot(HaveOccurred())
	})

	It("rejects unknown machine types", func() {
		_, err := group.NewUnordered[int](deps, "Nope")
		Expect(err).To(MatchError(registry.ErrUnknownType))
	})

	It("echoes a command and guards a state change", func() {
		m := g.GetOrCreate(42)

		response, result, err := m.Command(ctx, machinetest.CommandTest, "hello")
		Expect(err).ToNot(HaveOccurred())
		Expect(result).To(Equal(machine.CommandSuccess))
		Expect(response).To(Equal("hello"))

		changed, err := m.ChangeState(ctx, machinetest.StateWorking, false)
		Expect(err).ToNot(HaveOccurred())
		Expect(changed).To(Equal(machine.ChangeStateUnableToEnter))

		changed, err = m.ChangeState(ctx, machinetest.StateWorking, false)
		Expect(err).ToNot(HaveOccurred())
		Expect(changed).To(Equal(machine.ChangeStateSuccess))

		state, ok := m.TryGetState()
		Expect(ok).To(BeTrue())
		Expect(state).To(Equal(machinetest.StateWorking))
	})

	Describe("identifiers", func() {
		It("returns the same machine for the same identifier", func() {
			first := g.GetOrCreate(1)
			second := g.GetOrCreate(1)

			Expect(second.Machine()).To(BeIdenticalTo(first.Machine()))
			Expect(g.Count()).To(Equal(1))

			_, created := g.TryCreate(1)
			Expect(created).To(BeFalse())

			_, created = g.TryCreate(2)
			Expect(created).To(BeTrue())
			Expect(g.Identifiers()).To(ConsistOf(1, 2))
		})

		It("terminates the previous occupant on insert", func() {
			old := g.GetOrCreate(7)
			replacement := g.Insert(ctx, 7)

			Expect(g.Count()).To(Equal(1))
			Expect(old.IsTerminated()).To(BeTrue())
			Expect(machinetest.ProbeOf(old.Machine()).Terminated.Load()).To(Equal(int64(1)))

			current, ok := g.TryGet(7)
			Expect(ok).To(BeTrue())
			Expect(current.Machine()).To(BeIdenticalTo(replacement.Machine()))
		})

		It("forgets machines once they terminate", func() {
			m := g.GetOrCreate(3)
			g.GetOrCreate(4)

			_, result, err := m.Command(ctx, machinetest.CommandStop, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(result).To(Equal(machine.CommandTerminated))

			_, ok := g.TryGet(3)
			Expect(ok).To(BeFalse())
			Expect(g.Identifiers()).To(ConsistOf(4))

			visited := 0
			g.ForEach(func(id int, _ *machine.Interface) bool {
				Expect(id).To(Equal(4))
				visited++

				return true
			})
			Expect(visited).To(Equal(1))
		})

		It("deletes on request", func() {
			m := g.GetOrCreate(5)

			Expect(g.Delete(ctx, 5)).To(BeTrue())
			Expect(g.Delete(ctx, 5)).To(BeFalse())
			Expect(m.IsTerminated()).To(BeTrue())
			Expect(g.Count()).To(BeZero())
		})
	})

	Describe("Process", func() {
		It("runs due machines with the timer run type", func() {
			m := g.GetOrCreate(1)
			probe := machinetest.ProbeOf(m.Machine())
			seen := make(chan machine.RunType, 1)
			probe.OnRun = func(_ context.Context, m *machine.Machine) (machine.Result, error) {
				seen <- m.RunType()

				return machine.Continue, nil
			}

			g.Process(ctx, time.Now(), time.Millisecond)
			Expect(probe.Runs.Load()).To(Equal(int64(1)))
			Expect(seen).To(Receive(Equal(machine.Timer)))
		})

		It("skips machines whose timer is disabled or not yet due", func() {
			off := g.GetOrCreate(1)
			off.Machine().SetTimeout(-1)

			later := g.GetOrCreate(2)
			later.Machine().SetTimeout(time.Hour)

			g.Process(ctx, time.Now(), time.Millisecond)
			Expect(machinetest.ProbeOf(off.Machine()).Runs.Load()).To(BeZero())
			Expect(machinetest.ProbeOf(later.Machine()).Runs.Load()).To(BeZero())
		})

		It("skips paused machines but still delivers commands", func() {
			m := g.GetOrCreate(1)
			Expect(m.SetOperationalState(ctx, machine.OperationalStatePaused)).To(Succeed())

			g.Process(ctx, time.Now(), time.Millisecond)
			Expect(machinetest.ProbeOf(m.Machine()).Runs.Load()).To(BeZero())

			_, result, err := m.Command(ctx, machinetest.CommandTest, "still here")
			Expect(err).ToNot(HaveOccurred())
			Expect(result).To(Equal(machine.CommandSuccess))
		})

		It("terminates machines past their lifespan", func() {
			m := g.GetOrCreate(1)
			m.Machine().SetTerminationDate(time.Now().Add(-time.Second))
			g.GetOrCreate(2)

			g.Process(ctx, time.Now(), time.Millisecond)

			Expect(m.IsTerminated()).To(BeTrue())
			Expect(machinetest.ProbeOf(m.Machine()).Runs.Load()).To(BeZero())
			Expect(g.Identifiers()).To(ConsistOf(2))
		})

		It("records the tick in the snapshot", func() {
			g.GetOrCreate(1)
			now := time.Now()
			g.Process(ctx, now, 20*time.Millisecond)

			s := g.Snapshot()
			Expect(s.Kind).To(Equal("unordered"))
			Expect(s.LastTick).To(BeTemporally("~", now, time.Millisecond))
			Expect(s.LastElapsed).To(Equal(20 * time.Millisecond))
			Expect(s.Machines).To(HaveLen(1))
			Expect(s.Machines[0].State).To(Equal("Idle"))
			Expect(s.Machines[0].Identifier).To(Equal(1))
		})
	})

	Describe("Dispatch", func() {
		It("routes commands by identifier", func() {
			g.GetOrCreate(9)

			response, result, err := g.Dispatch(ctx, 9, machine.Command{ID: machinetest.CommandTest, Message: "ping"})
			Expect(err).ToNot(HaveOccurred())
			Expect(result).To(Equal(machine.CommandSuccess))
			Expect(response).To(Equal("ping"))
		})

		It("reports unknown identifiers", func() {
			_, _, err := g.Dispatch(ctx, 10, machine.Command{ID: machinetest.CommandTest})
			Expect(err).To(MatchError(group.ErrNotFound))

			_, _, err = g.Dispatch(ctx, "10", machine.Command{ID: machinetest.CommandTest})
			Expect(err).To(MatchError(group.ErrIdentifierType))
		})
	})

	Describe("Serialize", func() {
		It("restores machines with their state and payload", func() {
			first := g.GetOrCreate(1)
			machinetest.ProbeOf(first.Machine()).Value = "kept"
			first.Machine().SetTimeout(time.Minute)
			Expect(first.SetOperationalState(ctx, machine.OperationalStatePaused)).To(Succeed())

			second := g.GetOrCreate(2)
			_, err := second.ChangeState(ctx, machinetest.StateDone, false)
			Expect(err).ToNot(HaveOccurred())

			data, err := g.Serialize(ctx)
			Expect(err).ToNot(HaveOccurred())

			restored, err := group.NewUnordered[int](deps, "Probe")
			Expect(err).ToNot(HaveOccurred())
			Expect(restored.Deserialize(ctx, data)).To(Succeed())
			Expect(restored.Identifiers()).To(ConsistOf(1, 2))

			one, ok := restored.TryGet(1)
			Expect(ok).To(BeTrue())
			Expect(one.Machine()).ToNot(BeIdenticalTo(first.Machine()))
			Expect(machinetest.ProbeOf(one.Machine()).Value).To(Equal("kept"))
			Expect(one.GetOperationalState()).To(Equal(machine.OperationalStatePaused))
			Expect(one.Machine().Timeout()).To(Equal(time.Minute))
			Expect(one.Machine().NextRun()).To(BeTemporally("==", first.Machine().NextRun()))

			two, ok := restored.TryGet(2)
			Expect(ok).To(BeTrue())
			Expect(two.Machine().CurrentState()).To(Equal(machinetest.StateDone))
		})

		It("leaves out terminated machines", func() {
			g.GetOrCreate(1)
			Expect(g.Delete(ctx, 1)).To(BeTrue())
			g.GetOrCreate(2)

			data, err := g.Serialize(ctx)
			Expect(err).ToNot(HaveOccurred())

			env, err := snapshot.Decode(data)
			Expect(err).ToNot(HaveOccurred())
			Expect(env.Entries).To(HaveLen(1))
		})

		It("writes nothing for volatile types", func() {
			scratch, err := group.NewUnordered[int](deps, "Scratch")
			Expect(err).ToNot(HaveOccurred())
			scratch.GetOrCreate(1)

			data, err := scratch.Serialize(ctx)
			Expect(err).ToNot(HaveOccurred())

			restored, err := group.NewUnordered[int](deps, "Scratch")
			Expect(err).ToNot(HaveOccurred())
			Expect(restored.Deserialize(ctx, data)).To(Succeed())
			Expect(restored.Count()).To(BeZero())
		})

		It("refuses snapshots of another type", func() {
			g.GetOrCreate(1)
			data, err := g.Serialize(ctx)
			Expect(err).ToNot(HaveOccurred())

			other, err := group.NewUnordered[int](deps, "Scratch")
			Expect(err).ToNot(HaveOccurred())
			Expect(other.Deserialize(ctx, data)).To(MatchError(snapshot.ErrTypeMismatch))
		})
	})
})

var _ = Describe("Single", func() {
	var (
		ctx context.Context
		g   *group.Single
	)

	BeforeEach(func() {
		ctx = context.Background()
		deps, _ := newDeps()

		var err error
		g, err = group.NewSingle(deps, "Probe", group.WithName("only"))
		Expect(err).ToNot(HaveOccurred())
	})

	It("holds one machine without identifier", func() {
		_, ok := g.Get()
		Expect(ok).To(BeFalse())

		m := g.GetOrCreate()
		Expect(m.Identifier()).To(BeNil())
		Expect(g.GetOrCreate().Machine()).To(BeIdenticalTo(m.Machine()))
		Expect(g.Count()).To(Equal(1))
		Expect(g.Name()).To(Equal("only"))
	})

	It("terminates the previous machine on replace", func() {
		old := g.GetOrCreate()
		fresh := g.Replace(ctx)

		Expect(old.IsTerminated()).To(BeTrue())
		current, ok := g.Get()
		Expect(ok).To(BeTrue())
		Expect(current.Machine()).To(BeIdenticalTo(fresh.Machine()))
	})

	It("dispatches regardless of identifier", func() {
		_, _, err := g.Dispatch(ctx, nil, machine.Command{ID: machinetest.CommandTest})
		Expect(err).To(MatchError(group.ErrNotFound))

		g.GetOrCreate()
		response, result, err := g.Dispatch(ctx, "anything", machine.Command{ID: machinetest.CommandTest, Message: 3})
		Expect(err).ToNot(HaveOccurred())
		Expect(result).To(Equal(machine.CommandSuccess))
		Expect(response).To(Equal(3))
	})

	It("empties once its machine terminates", func() {
		m := g.GetOrCreate()
		m.Machine().SetTerminationDate(time.Now().Add(-time.Millisecond))

		g.Process(ctx, time.Now(), 0)
		Expect(g.Count()).To(BeZero())
		Expect(g.Clear(ctx)).To(BeFalse())
	})

	It("round-trips through Serialize", func() {
		m := g.GetOrCreate()
		machinetest.ProbeOf(m.Machine()).Value = "single"

		data, err := g.Serialize(ctx)
		Expect(err).ToNot(HaveOccurred())

		Expect(g.Deserialize(ctx, data)).To(Succeed())
		Expect(m.IsTerminated()).To(BeTrue())

		restored, ok := g.Get()
		Expect(ok).To(BeTrue())
		Expect(restored.Identifier()).To(BeNil())
		Expect(machinetest.ProbeOf(restored.Machine()).Value).To(Equal("single"))
	})
})

var _ = Describe("Sequential", func() {
	var (
		ctx context.Context
		g   *group.Sequential[string]
	)

	runs := func(m *machine.Interface) int64 {
		return machinetest.ProbeOf(m.Machine()).Runs.Load()
	}

	BeforeEach(func() {
		ctx = context.Background()
		deps, _ := newDeps()

		var err error
		g, err = group.NewSequential[string](deps, "Probe")
		Expect(err).ToNot(HaveOccurred())
	})

	It("runs only the head of the queue", func() {
		a := g.Enqueue(ctx, "a")
		b := g.Enqueue(ctx, "b")

		g.Process(ctx, time.Now(), 0)
		g.Process(ctx, time.Now(), 0)

		Expect(runs(a)).To(Equal(int64(2)))
		Expect(runs(b)).To(BeZero())

		head, ok := g.Head()
		Expect(ok).To(BeTrue())
		Expect(head.Identifier()).To(Equal("a"))
	})

	It("advances once the head terminates", func() {
		a := g.Enqueue(ctx, "a")
		b := g.Enqueue(ctx, "b")
		g.Enqueue(ctx, "c")

		_, result, err := a.Command(ctx, machinetest.CommandStop, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(result).To(Equal(machine.CommandTerminated))
		Expect(g.Identifiers()).To(Equal([]string{"b", "c"}))

		g.Process(ctx, time.Now(), 0)
		Expect(runs(b)).To(Equal(int64(1)))
	})

	It("expires queued machines that are not at the head", func() {
		g.Enqueue(ctx, "a")
		b := g.Enqueue(ctx, "b")
		b.Machine().SetTerminationDate(time.Now().Add(-time.Second))

		g.Process(ctx, time.Now(), 0)

		Expect(b.IsTerminated()).To(BeTrue())
		Expect(g.Identifiers()).To(Equal([]string{"a"}))
	})

	It("moves a re-enqueued identifier to the back", func() {
		first := g.Enqueue(ctx, "a")
		g.Enqueue(ctx, "b")
		g.Enqueue(ctx, "a")

		Expect(first.IsTerminated()).To(BeTrue())
		Expect(g.Identifiers()).To(Equal([]string{"b", "a"}))
		Expect(g.GetOrCreate("b").Identifier()).To(Equal("b"))
		Expect(g.Count()).To(Equal(2))
	})

	It("keeps the queue order through Serialize", func() {
		for _, id := range []string{"x", "y", "z"} {
			g.Enqueue(ctx, id)
		}

		data, err := g.Serialize(ctx)
		Expect(err).ToNot(HaveOccurred())

		deps, _ := newDeps()
		restored, err := group.NewSequential[string](deps, "Probe")
		Expect(err).ToNot(HaveOccurred())
		Expect(restored.Deserialize(ctx, data)).To(Succeed())
		Expect(restored.Identifiers()).To(Equal([]string{"x", "y", "z"}))
	})
})

var _ = Describe("Continuous groups", func() {
	It("drive their machines until cancelled and are not persisted", func() {
		deps, _ := newDeps()
		g, err := group.NewUnordered[int](deps, "Probe", group.WithContinuous(), group.WithIdleDelay(time.Millisecond))
		Expect(err).ToNot(HaveOccurred())
		Expect(g.Continuous()).To(BeTrue())

		m := g.GetOrCreate(1)
		m.Machine().SetTimeout(time.Hour)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			defer close(done)

			g.RunContinuous(ctx)
		}()

		Eventually(func() int64 {
			return machinetest.ProbeOf(m.Machine()).Runs.Load()
		}).Should(BeNumerically(">=", 3))

		cancel()
		Eventually(done).Should(BeClosed())

		data, err := g.Serialize(context.Background())
		Expect(err).ToNot(HaveOccurred())

		env, err := snapshot.Decode(data)
		Expect(err).ToNot(HaveOccurred())
		Expect(env.Entries).To(BeEmpty())
	})
})
