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

package sentry

import (
	"strconv"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("goroutineThreads", func() {
	It("parses every goroutine and marks the caller as current", func() {
		release := make(chan struct{})
		defer close(release)

		go func() { <-release }()

		threads, dump := goroutineThreads()
		Expect(dump).ToNot(BeEmpty())
		Expect(len(threads)).To(BeNumerically(">=", 2))

		Expect(threads[0].Current).To(BeTrue())
		for _, t := range threads[1:] {
			Expect(t.Current).To(BeFalse())
		}

		id, err := strconv.Atoi(threads[0].ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(threads[0].Name).To(HavePrefix("goroutine " + strconv.Itoa(id) + " ["))

		var inApp []string
		for _, f := range threads[0].Stacktrace.Frames {
			if f.InApp {
				inApp = append(inApp, f.Function)
			}
		}

		Expect(inApp).To(ContainElement(HaveSuffix("pkg/sentry.goroutineThreads")))
		for _, fn := range inApp {
			Expect(strings.HasPrefix(fn, modulePrefix)).To(BeTrue())
		}
	})

	It("keeps dumps within the size bound", func() {
		Expect(len(dumpGoroutines())).To(BeNumerically("<=", maxStackDump))
	})
})
