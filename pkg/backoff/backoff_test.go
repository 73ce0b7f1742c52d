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

package backoff_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/bigmachines/pkg/backoff"
)

var fastPolicy = backoff.Policy{
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
	MaxElapsedTime:  200 * time.Millisecond,
}

var _ = Describe("Error categories", func() {
	It("treats uncategorized errors as transient", func() {
		err := errors.New("disk busy") //nolint:err113 // Test needs dynamic error
		Expect(backoff.CategoryOf(err)).To(Equal(backoff.CategoryTransient))
		Expect(backoff.IsTransientError(err)).To(BeTrue())
		Expect(backoff.IsPermanentError(err)).To(BeFalse())
	})

	It("finds the category through wrapping", func() {
		root := errors.New("schema mismatch") //nolint:err113 // Test needs dynamic error
		wrapped := fmt.Errorf("restore group: %w", backoff.NewPermanentError(root))

		Expect(backoff.IsPermanentError(wrapped)).To(BeTrue())
		Expect(backoff.ExtractOriginalError(wrapped)).To(Equal(root))
	})

	It("reports nothing for nil", func() {
		Expect(backoff.IsIgnoredError(nil)).To(BeFalse())
		Expect(backoff.IsTransientError(nil)).To(BeFalse())
		Expect(backoff.ExtractOriginalError(nil)).ToNot(HaveOccurred())
	})
})

var _ = Describe("Retry", func() {
	It("retries transient errors until the operation succeeds", func() {
		calls := 0
		err := backoff.Retry(context.Background(), fastPolicy, nil, func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("locked") //nolint:err113 // Test needs dynamic error
			}

			return nil
		})

		Expect(err).ToNot(HaveOccurred())
		Expect(calls).To(Equal(3))
	})

	It("stops at the first permanent error", func() {
		calls := 0
		err := backoff.Retry(context.Background(), fastPolicy, nil, func(context.Context) error {
			calls++

			return backoff.NewPermanentError(errors.New("corrupt")) //nolint:err113 // Test needs dynamic error
		})

		Expect(backoff.IsPermanentError(err)).To(BeTrue())
		Expect(calls).To(Equal(1))
	})

	It("swallows ignored errors", func() {
		err := backoff.Retry(context.Background(), fastPolicy, nil, func(context.Context) error {
			return backoff.NewIgnoredError(errors.New("volatile")) //nolint:err113 // Test needs dynamic error
		})

		Expect(err).ToNot(HaveOccurred())
	})

	It("gives up once the policy runs out of time", func() {
		err := backoff.Retry(context.Background(), fastPolicy, nil, func(context.Context) error {
			return errors.New("still locked") //nolint:err113 // Test needs dynamic error
		})

		Expect(err).To(MatchError("still locked"))
	})
})
