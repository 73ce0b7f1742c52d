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
	"context"
	"errors"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type recordingTransport struct {
	events []*sentry.Event
	mu     sync.Mutex
}

func (t *recordingTransport) Configure(sentry.ClientOptions)          {}
func (t *recordingTransport) Flush(time.Duration) bool                { return true }
func (t *recordingTransport) FlushWithContext(context.Context) bool   { return true }
func (t *recordingTransport) Close()                                  {}

func (t *recordingTransport) SendEvent(event *sentry.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.events = append(t.events, event)
}

func (t *recordingTransport) Events() []*sentry.Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]*sentry.Event(nil), t.events...)
}

var _ = Describe("SentryHook", func() {
	var (
		transport *recordingTransport
		log       *zap.Logger
	)

	BeforeEach(func() {
		transport = &recordingTransport{}
		Expect(sentry.Init(sentry.ClientOptions{
			Dsn:       "https://test@sentry.io/123",
			Transport: transport,
		})).To(Succeed())

		core := zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(GinkgoWriter),
			zapcore.DebugLevel,
		)
		log = zap.New(NewSentryHook(core))
	})

	It("forwards warnings and errors", func() {
		log.Warn("slow tick")
		log.Error("machine failed", zap.String("machine_type", "Counter"), zap.String("operation", "run"))

		Eventually(transport.Events).Should(HaveLen(2))
	})

	It("leaves info and debug alone", func() {
		log.Info("tick")
		log.Debug("tock")

		Consistently(transport.Events, 200*time.Millisecond).Should(BeEmpty())
	})

	It("groups by the machine fields", func() {
		log.With(zap.String("group", "counters")).Error("machine failed",
			zap.String("machine_type", "Counter"),
			zap.Int("serial", 7))

		Eventually(transport.Events).Should(HaveLen(1))

		event := transport.Events()[0]
		Expect(event.Fingerprint).To(ContainElements("machine_type: Counter", "group: counters"))
		Expect(event.Tags).To(HaveKeyWithValue("serial", "7"))
	})
})

var _ = Describe("fieldTags", func() {
	It("renders scalar fields and errors", func() {
		tags := fieldTags([]zapcore.Field{
			zap.Bool("volatile", true),
			zap.Duration("timeout", time.Second),
			zap.Error(errors.New("boom")),
			zap.Uint64("type_id", 42),
		})

		Expect(tags).To(HaveKeyWithValue("volatile", "true"))
		Expect(tags).To(HaveKeyWithValue("timeout", "1000000000"))
		Expect(tags).To(HaveKeyWithValue("error", "boom"))
		Expect(tags).To(HaveKeyWithValue("type_id", "42"))
	})
})
