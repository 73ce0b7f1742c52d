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

package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/bigmachines/pkg/config"
	"github.com/united-manufacturing-hub/bigmachines/pkg/constants"
	"github.com/united-manufacturing-hub/bigmachines/pkg/recursion"
)

var _ = Describe("Config", func() {
	log := zap.NewNop().Sugar()

	BeforeEach(func() {
		for _, key := range []string{
			config.EnvTickInterval,
			config.EnvPostInterval,
			config.EnvPostMaxTimeout,
			config.EnvLoopCheck,
			config.EnvMetricsAddr,
			config.EnvMetricsEnabled,
			config.EnvStatePath,
			config.EnvSentryDSN,
		} {
			GinkgoT().Setenv(key, "")
		}
	})

	It("uses the defaults without a file", func() {
		cfg, err := config.Load(filepath.Join(GinkgoT().TempDir(), "missing.yaml"), log)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg).To(Equal(config.Default()))
		Expect(cfg.LoopCheckMode()).To(Equal(recursion.ModeThrow))
	})

	It("reads a YAML file on top of the defaults", func() {
		path := filepath.Join(GinkgoT().TempDir(), "bigmachines.yaml")
		Expect(os.WriteFile(path, []byte(`
scheduler:
  tickInterval: 250ms
  loopCheck: silent
commandPost:
  maxTimeout: 2s
metrics:
  addr: ":9090"
`), 0o600)).To(Succeed())

		cfg, err := config.Load(path, log)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Scheduler.TickInterval).To(Equal(250 * time.Millisecond))
		Expect(cfg.LoopCheckMode()).To(Equal(recursion.ModeSilent))
		Expect(cfg.CommandPost.MaxTimeout).To(Equal(2 * time.Second))
		Expect(cfg.CommandPost.Interval).To(Equal(constants.DefaultCommandPostInterval))
		Expect(cfg.Metrics.Addr).To(Equal(":9090"))
	})

	It("rejects unknown keys", func() {
		_, err := config.Parse([]byte("scheduler:\n  tickRate: 1s\n"))
		Expect(err).To(HaveOccurred())
	})

	It("lets the environment win over the file", func() {
		GinkgoT().Setenv(config.EnvTickInterval, "100")
		GinkgoT().Setenv(config.EnvPostInterval, "20ms")
		GinkgoT().Setenv(config.EnvLoopCheck, "disabled")
		GinkgoT().Setenv(config.EnvMetricsAddr, ":9999")

		cfg := config.ApplyEnv(config.Default(), log)
		Expect(cfg.Scheduler.TickInterval).To(Equal(100 * time.Millisecond))
		Expect(cfg.CommandPost.Interval).To(Equal(20 * time.Millisecond))
		Expect(cfg.Scheduler.LoopCheck).To(Equal("disabled"))
		Expect(cfg.Metrics.Addr).To(Equal(":9999"))
	})

	It("switches the metrics endpoint off from the file or the environment", func() {
		cfg, err := config.Parse([]byte("metrics:\n  enabled: false\n"))
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Metrics.Enabled).To(BeFalse())
		Expect(config.Default().Metrics.Enabled).To(BeTrue())

		GinkgoT().Setenv(config.EnvMetricsEnabled, "off")
		Expect(config.ApplyEnv(config.Default(), log).Metrics.Enabled).To(BeFalse())

		GinkgoT().Setenv(config.EnvMetricsEnabled, "maybe")
		Expect(config.ApplyEnv(config.Default(), log).Metrics.Enabled).To(BeTrue())
	})

	It("ignores malformed durations", func() {
		GinkgoT().Setenv(config.EnvTickInterval, "soon")

		cfg := config.ApplyEnv(config.Default(), log)
		Expect(cfg.Scheduler.TickInterval).To(Equal(constants.DefaultTickerTime))
	})

	It("clamps two-way timeouts to the ceiling", func() {
		cfg := config.Default()
		cfg.CommandPost.MaxTimeout = 10 * time.Second
		cfg.CommandPost.DefaultTimeout = 5 * time.Second

		cfg, err := cfg.Validate(log)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.CommandPost.MaxTimeout).To(Equal(constants.MaxTwoWayTimeout))
		Expect(cfg.CommandPost.DefaultTimeout).To(Equal(constants.MaxTwoWayTimeout))
	})

	It("clamps the ceiling given in the environment", func() {
		GinkgoT().Setenv(config.EnvPostMaxTimeout, "60000")

		cfg, err := config.Load(filepath.Join(GinkgoT().TempDir(), "missing.yaml"), log)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.CommandPost.MaxTimeout).To(Equal(constants.MaxTwoWayTimeout))
	})

	It("refuses unknown loop check modes", func() {
		cfg := config.Default()
		cfg.Scheduler.LoopCheck = "sometimes"

		_, err := cfg.Validate(log)
		Expect(err).To(HaveOccurred())
	})
})
