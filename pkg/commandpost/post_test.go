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

package commandpost_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/bigmachines/pkg/commandpost"
	"github.com/united-manufacturing-hub/bigmachines/pkg/constants"
	"github.com/united-manufacturing-hub/bigmachines/pkg/recursion"
)

type order struct {
	Items []string
	Qty   int
}

// recorder is a receiver that keeps every message it sees.
type recorder struct {
	delays map[any]time.Duration
	seen   []any
	mu     sync.Mutex
}

func (r *recorder) Receive(ctx context.Context, cmd *commandpost.Command) (any, error) {
	if d, ok := r.delays[cmd.Identifier]; ok {
		time.Sleep(d)
	}

	r.mu.Lock()
	r.seen = append(r.seen, cmd.Message)
	r.mu.Unlock()

	if cmd.Identifier == "broken" {
		return nil, errors.New("no such machine")
	}

	return cmd.Message, nil
}

func (r *recorder) messages() []any {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]any(nil), r.seen...)
}

var _ = Describe("Post", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		post   *commandpost.Post
		rec    *recorder
		done   chan struct{}
	)

	start := func() {
		done = make(chan struct{})
		go func() {
			defer GinkgoRecover()
			defer close(done)

			Expect(post.Run(ctx)).To(Succeed())
		}()
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		post = commandpost.New(commandpost.Config{Interval: 5 * time.Millisecond})
		rec = &recorder{delays: map[any]time.Duration{}}

		_, err := post.Open(rec)
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		cancel()
		if done != nil {
			Eventually(done).Should(BeClosed())
		}
	})

	Describe("Open", func() {
		It("allows only one channel at a time", func() {
			_, err := post.Open(rec)
			Expect(err).To(MatchError(commandpost.ErrChannelAlreadyOpen))
		})

		It("can be reopened after the channel was closed", func() {
			post.Close()

			channel, err := post.Open(rec)
			Expect(err).ToNot(HaveOccurred())

			channel.Close()
			Expect(post.Send(ctx, "orders", 1, "x")).To(MatchError(commandpost.ErrNoChannel))
		})
	})

	Describe("Send", func() {
		It("delivers commands to the same identifier in order", func() {
			start()

			for i := range 50 {
				Expect(post.Send(ctx, "orders", 1, i)).To(Succeed())
			}

			Eventually(func() int { return len(rec.messages()) }).Should(Equal(50))
			for i, msg := range rec.messages() {
				Expect(msg).To(Equal(i))
			}
		})

		It("keeps the order of commands a receiver sends while handling another", func() {
			var (
				inside  atomic.Int32
				overlap atomic.Bool
				mu      sync.Mutex
				inner   []int
			)

			post = commandpost.New(commandpost.Config{Interval: 5 * time.Millisecond})
			_, err := post.Open(commandpost.ReceiverFunc(func(ctx context.Context, cmd *commandpost.Command) (any, error) {
				if inside.Add(1) > 1 {
					overlap.Store(true)
				}
				defer inside.Add(-1)

				if cmd.Identifier == "outer" {
					for i := range 200 {
						if err := post.Send(ctx, "orders", "inner", i); err != nil {
							return nil, err
						}
					}

					return nil, nil
				}

				mu.Lock()
				inner = append(inner, cmd.Message.(int))
				mu.Unlock()

				return nil, nil
			}))
			Expect(err).ToNot(HaveOccurred())
			start()

			Expect(post.Send(ctx, "orders", "outer", "go")).To(Succeed())

			received := func() []int {
				mu.Lock()
				defer mu.Unlock()

				return append([]int(nil), inner...)
			}

			Eventually(func() int { return len(received()) }).Should(Equal(200))
			for i, v := range received() {
				Expect(v).To(Equal(i))
			}
			Expect(overlap.Load()).To(BeFalse())
		})

		It("isolates the receiver from later changes by the sender", func() {
			msg := &order{Items: []string{"bolt"}, Qty: 1}
			Expect(post.Send(ctx, "orders", 1, msg)).To(Succeed())

			msg.Items[0] = "nut"
			msg.Qty = 99
			start()

			Eventually(func() int { return len(rec.messages()) }).Should(Equal(1))
			got, ok := rec.messages()[0].(*order)
			Expect(ok).To(BeTrue())
			Expect(got.Items).To(Equal([]string{"bolt"}))
			Expect(got.Qty).To(Equal(1))
		})

		It("rejects commands once the post has stopped", func() {
			start()
			cancel()
			Eventually(done).Should(BeClosed())

			Expect(post.Send(context.Background(), "orders", 1, "late")).To(MatchError(commandpost.ErrStopped))
		})
	})

	Describe("SendTwoWay", func() {
		It("returns the receiver's response", func() {
			start()

			response, ok := post.SendTwoWay(ctx, "orders", 1, "ping", time.Second)
			Expect(ok).To(BeTrue())
			Expect(response).To(Equal("ping"))
		})

		It("gives up after the timeout and drops the late response", func() {
			rec.delays["slow"] = 200 * time.Millisecond
			start()

			begin := time.Now()
			response, ok := post.SendTwoWay(ctx, "orders", "slow", "ping", 50*time.Millisecond)
			Expect(ok).To(BeFalse())
			Expect(response).To(BeNil())
			Expect(time.Since(begin)).To(BeNumerically("<", 150*time.Millisecond))
			Expect(post.Abandoned()).To(Equal(1))

			Eventually(func() int { return len(rec.messages()) }).Should(Equal(1))
		})

		It("caps the timeout at the configured maximum", func() {
			post = commandpost.New(commandpost.Config{Interval: 5 * time.Millisecond, MaxTimeout: 30 * time.Millisecond})
			_, err := post.Open(rec)
			Expect(err).ToNot(HaveOccurred())
			rec.delays["slow"] = 200 * time.Millisecond
			start()

			begin := time.Now()
			_, ok := post.SendTwoWay(ctx, "orders", "slow", "ping", time.Hour)
			Expect(ok).To(BeFalse())
			Expect(time.Since(begin)).To(BeNumerically("<", 150*time.Millisecond))
		})

		It("returns false when the receiver fails", func() {
			start()

			_, ok := post.SendTwoWay(ctx, "orders", "broken", "ping", time.Second)
			Expect(ok).To(BeFalse())
		})

		It("releases waiters when the post stops", func() {
			rec.delays["slow"] = 100 * time.Millisecond
			start()

			Expect(post.Send(ctx, "orders", "slow", "first")).To(Succeed())

			result := make(chan bool, 1)
			go func() {
				_, ok := post.SendTwoWay(context.Background(), "orders", 2, "second", 3*time.Second)
				result <- ok
			}()

			time.Sleep(20 * time.Millisecond)
			cancel()

			Eventually(result, time.Second).Should(Receive(BeFalse()))
		})

		It("does not deadlock when the receiver itself sends two-way", func() {
			post = commandpost.New(commandpost.Config{Interval: 5 * time.Millisecond})
			_, err := post.Open(commandpost.ReceiverFunc(func(ctx context.Context, cmd *commandpost.Command) (any, error) {
				if cmd.Identifier == "outer" {
					inner, ok := post.SendTwoWay(ctx, "orders", "inner", "nested", time.Second)
					if !ok {
						return nil, errors.New("inner timed out")
					}

					return inner, nil
				}

				return "answer from " + cmd.Identifier.(string), nil
			}))
			Expect(err).ToNot(HaveOccurred())
			start()

			response, ok := post.SendTwoWay(ctx, "orders", "outer", "ping", 2*time.Second)
			Expect(ok).To(BeTrue())
			Expect(response).To(Equal("answer from inner"))
		})

		It("answers two-way commands nested several receivers deep", func() {
			post = commandpost.New(commandpost.Config{Interval: 5 * time.Millisecond})
			_, err := post.Open(commandpost.ReceiverFunc(func(ctx context.Context, cmd *commandpost.Command) (any, error) {
				level := cmd.Identifier.(int)
				if level == 3 {
					return "bottom", nil
				}

				below, ok := post.SendTwoWay(ctx, "orders", level+1, nil, time.Second)
				if !ok {
					return nil, fmt.Errorf("level %d got no answer", level+1)
				}

				return fmt.Sprintf("%d/%v", level, below), nil
			}))
			Expect(err).ToNot(HaveOccurred())
			start()

			response, ok := post.SendTwoWay(ctx, "orders", 0, nil, 2*time.Second)
			Expect(ok).To(BeTrue())
			Expect(response).To(Equal("0/1/2/bottom"))
		})

		It("refuses two-way commands nested without bound", func() {
			var deepest atomic.Int32

			post = commandpost.New(commandpost.Config{Interval: 5 * time.Millisecond})
			_, err := post.Open(commandpost.ReceiverFunc(func(ctx context.Context, cmd *commandpost.Command) (any, error) {
				level := cmd.Identifier.(int)
				if int32(level) > deepest.Load() {
					deepest.Store(int32(level))
				}

				if _, ok := post.SendTwoWay(ctx, "orders", level+1, nil, time.Second); !ok {
					return nil, errors.New("no answer")
				}

				return level, nil
			}))
			Expect(err).ToNot(HaveOccurred())
			start()

			_, ok := post.SendTwoWay(ctx, "orders", 0, nil, 2*time.Second)
			Expect(ok).To(BeFalse())
			Expect(deepest.Load()).To(BeEquivalentTo(constants.MaxNestedDelivery))
		})

		It("carries the sender's call chain to the receiver", func() {
			post = commandpost.New(commandpost.Config{Interval: 5 * time.Millisecond})
			_, err := post.Open(commandpost.ReceiverFunc(func(ctx context.Context, _ *commandpost.Command) (any, error) {
				return recursion.FromContext(ctx).Len(), nil
			}))
			Expect(err).ToNot(HaveOccurred())
			start()

			sender := recursion.Extend(ctx, recursion.ID{Kind: recursion.KindRun, Serial: 1, TypeID: 1, TypeName: "A"})
			response, ok := post.SendTwoWay(sender, "orders", 1, nil, time.Second)
			Expect(ok).To(BeTrue())
			Expect(response).To(Equal(1))
		})
	})

	Describe("SendAndReceiveGroup", func() {
		It("returns the identifiers that answered in time, in order", func() {
			rec.delays["slow"] = 300 * time.Millisecond
			start()

			replies, err := post.SendAndReceiveGroup(ctx, "orders", []any{"a", "b", "slow", "c"}, "ping", 100*time.Millisecond)
			Expect(err).ToNot(HaveOccurred())

			identifiers := make([]any, 0, len(replies))
			for _, r := range replies {
				identifiers = append(identifiers, r.Identifier)
				Expect(r.Response).To(Equal("ping"))
			}

			Expect(identifiers).To(Equal([]any{"a", "b"}))
		})

		It("sends a separate copy to every identifier", func() {
			start()

			Expect(post.SendGroup(ctx, "orders", []any{1, 2, 3}, &order{Qty: 5})).To(Succeed())
			Eventually(func() int { return len(rec.messages()) }).Should(Equal(3))

			msgs := rec.messages()
			Expect(msgs[0]).ToNot(BeIdenticalTo(msgs[1]))
		})
	})

	It("can only be run once", func() {
		start()

		_, ok := post.SendTwoWay(ctx, "orders", 1, "ping", time.Second)
		Expect(ok).To(BeTrue())
		Expect(post.Run(ctx)).To(MatchError(commandpost.ErrAlreadyRunning))
	})
})
