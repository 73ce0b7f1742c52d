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

package persistence_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/bigmachines/pkg/backoff"
	"github.com/united-manufacturing-hub/bigmachines/pkg/persistence"
)

var fastPolicy = backoff.Policy{
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
	MaxElapsedTime:  200 * time.Millisecond,
}

func behavesLikeAStore(open func() persistence.Store) {
	var (
		ctx   context.Context
		store persistence.Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = open()
		DeferCleanup(func() {
			_ = store.Close()
		})
	})

	It("loads what was saved", func() {
		Expect(store.Save(ctx, "counters", []byte{1, 2, 3})).To(Succeed())

		data, err := store.Load(ctx, "counters")
		Expect(err).ToNot(HaveOccurred())
		Expect(data).To(Equal([]byte{1, 2, 3}))
	})

	It("overwrites on save", func() {
		Expect(store.Save(ctx, "counters", []byte("old"))).To(Succeed())
		Expect(store.Save(ctx, "counters", []byte("new"))).To(Succeed())

		data, err := store.Load(ctx, "counters")
		Expect(err).ToNot(HaveOccurred())
		Expect(string(data)).To(Equal("new"))
	})

	It("reports missing keys", func() {
		_, err := store.Load(ctx, "nothing")
		Expect(err).To(MatchError(persistence.ErrNotFound))

		data, err := persistence.LoadTimed(ctx, store, "nothing")
		Expect(err).ToNot(HaveOccurred())
		Expect(data).To(BeNil())
	})

	It("lists and deletes keys", func() {
		for _, k := range []string{"b", "a", "c"} {
			Expect(store.Save(ctx, k, []byte(k))).To(Succeed())
		}

		keys, err := store.Keys(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(keys).To(Equal([]string{"a", "b", "c"}))

		Expect(store.Delete(ctx, "b")).To(Succeed())
		keys, err = store.Keys(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(keys).To(Equal([]string{"a", "c"}))
	})

	It("stops retrying once closed", func() {
		Expect(store.Close()).To(Succeed())

		err := persistence.SaveWithPolicy(ctx, store, "k", []byte("v"), fastPolicy, nil)
		Expect(err).To(MatchError(persistence.ErrClosed))
	})
}

var _ = Describe("MemoryStore", func() {
	behavesLikeAStore(func() persistence.Store {
		return persistence.NewMemoryStore()
	})

	It("keeps its own copy of saved data", func() {
		store := persistence.NewMemoryStore()
		data := []byte("abc")
		Expect(store.Save(context.Background(), "k", data)).To(Succeed())
		data[0] = 'x'

		stored, err := store.Load(context.Background(), "k")
		Expect(err).ToNot(HaveOccurred())
		Expect(string(stored)).To(Equal("abc"))
	})
})

var _ = Describe("SQLiteStore", func() {
	behavesLikeAStore(func() persistence.Store {
		store, err := persistence.OpenSQLite(filepath.Join(GinkgoT().TempDir(), "state", "machines.db"))
		Expect(err).ToNot(HaveOccurred())

		return store
	})

	It("survives a reopen", func() {
		path := filepath.Join(GinkgoT().TempDir(), "machines.db")
		ctx := context.Background()

		store, err := persistence.OpenSQLite(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(store.Save(ctx, "k", []byte("kept"))).To(Succeed())
		Expect(store.Close()).To(Succeed())

		reopened, err := persistence.OpenSQLite(path)
		Expect(err).ToNot(HaveOccurred())
		defer reopened.Close()

		data, err := reopened.Load(ctx, "k")
		Expect(err).ToNot(HaveOccurred())
		Expect(string(data)).To(Equal("kept"))
	})
})

type flakyStore struct {
	*persistence.MemoryStore
	err      error
	failures int32
	attempts atomic.Int32
}

func (s *flakyStore) Save(ctx context.Context, key string, data []byte) error {
	if s.attempts.Add(1) <= s.failures {
		return s.err
	}

	return s.MemoryStore.Save(ctx, key, data)
}

var _ = Describe("SaveWithPolicy", func() {
	ctx := context.Background()

	It("retries transient failures", func() {
		store := &flakyStore{
			MemoryStore: persistence.NewMemoryStore(),
			err:         backoff.NewTransientError(errors.New("busy")),
			failures:    2,
		}

		log := zaptest.NewLogger(GinkgoT()).Sugar()

		Expect(persistence.SaveWithPolicy(ctx, store, "k", []byte("v"), fastPolicy, log)).To(Succeed())
		Expect(store.attempts.Load()).To(Equal(int32(3)))
	})

	It("gives up on permanent failures", func() {
		cause := errors.New("disk full")
		store := &flakyStore{
			MemoryStore: persistence.NewMemoryStore(),
			err:         backoff.NewPermanentError(cause),
			failures:    10,
		}

		err := persistence.SaveWithPolicy(ctx, store, "k", []byte("v"), fastPolicy, nil)
		Expect(err).To(MatchError(cause))
		Expect(store.attempts.Load()).To(Equal(int32(1)))
	})
})
