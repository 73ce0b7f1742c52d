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

// Package config loads the runtime configuration of a BigMachine process.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/bigmachines/pkg/constants"
	"github.com/united-manufacturing-hub/bigmachines/pkg/env"
	"github.com/united-manufacturing-hub/bigmachines/pkg/recursion"
	"github.com/united-manufacturing-hub/bigmachines/pkg/sentry"
)

// Environment variables that override the file.
const (
	EnvTickInterval   = "BIGMACHINE_TICK_INTERVAL"
	EnvPostInterval   = "BIGMACHINE_POST_INTERVAL"
	EnvPostMaxTimeout = "BIGMACHINE_POST_MAX_TIMEOUT"
	EnvLoopCheck      = "BIGMACHINE_LOOP_CHECK"
	EnvMetricsAddr    = "BIGMACHINE_METRICS_ADDR"
	EnvMetricsEnabled = "BIGMACHINE_METRICS_ENABLED"
	EnvStatePath      = "BIGMACHINE_STATE_PATH"
	EnvSentryDSN      = "SENTRY_DSN"
)

type Config struct {
	Sentry      SentryConfig      `yaml:"sentry"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	CommandPost CommandPostConfig `yaml:"commandPost"`
}

type SchedulerConfig struct {
	// LoopCheck is one of throw, silent or disabled.
	LoopCheck           string        `yaml:"loopCheck"`
	TickInterval        time.Duration `yaml:"tickInterval"`
	StarvationThreshold time.Duration `yaml:"starvationThreshold"`
	MaxConcurrentSweeps int           `yaml:"maxConcurrentSweeps"`
	GroupParallelism    int           `yaml:"groupParallelism"`
}

type CommandPostConfig struct {
	Interval       time.Duration `yaml:"interval"`
	DefaultTimeout time.Duration `yaml:"defaultTimeout"`
	MaxTimeout     time.Duration `yaml:"maxTimeout"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
	// Enabled serves /metrics and /debug/machines on Addr.
	Enabled bool `yaml:"enabled"`
}

type PersistenceConfig struct {
	// Path of the sqlite database. Empty disables persistence.
	Path string `yaml:"path"`
}

type SentryConfig struct {
	DSN string `yaml:"dsn"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			LoopCheck:           recursion.ModeThrow.String(),
			TickInterval:        constants.DefaultTickerTime,
			StarvationThreshold: constants.StarvationThreshold,
			MaxConcurrentSweeps: constants.MaxConcurrentGroupSweeps,
			GroupParallelism:    constants.DefaultGroupParallelism,
		},
		CommandPost: CommandPostConfig{
			Interval:       constants.DefaultCommandPostInterval,
			DefaultTimeout: constants.DefaultTwoWayTimeout,
			MaxTimeout:     constants.MaxTwoWayTimeout,
		},
		Metrics:     MetricsConfig{Addr: constants.DefaultMetricsAddr, Enabled: true},
		Persistence: PersistenceConfig{Path: constants.DefaultStatePath},
	}
}

// Parse reads YAML on top of the defaults. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// Load reads the file at path, applies the environment and validates the
// result. A missing file yields the defaults.
func Load(path string, log *zap.SugaredLogger) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)

	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Debugf("No config file at %s, using defaults", path)
	case err != nil:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	default:
		cfg, err = Parse(data)
		if err != nil {
			return Config{}, err
		}
	}

	cfg = ApplyEnv(cfg, log)

	return cfg.Validate(log)
}

// ApplyEnv overrides cfg with the BIGMACHINE_* variables that are set.
// Malformed values are reported and ignored.
func ApplyEnv(cfg Config, log *zap.SugaredLogger) Config {
	var err error

	cfg.Scheduler.TickInterval, err = env.GetAsDuration(EnvTickInterval, false, cfg.Scheduler.TickInterval)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get %s: %w", EnvTickInterval, err)
	}

	cfg.CommandPost.Interval, err = env.GetAsDuration(EnvPostInterval, false, cfg.CommandPost.Interval)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get %s: %w", EnvPostInterval, err)
	}

	cfg.CommandPost.MaxTimeout, err = env.GetAsDuration(EnvPostMaxTimeout, false, cfg.CommandPost.MaxTimeout)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get %s: %w", EnvPostMaxTimeout, err)
	}

	cfg.Metrics.Enabled, err = env.GetAsBool(EnvMetricsEnabled, false, cfg.Metrics.Enabled)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get %s: %w", EnvMetricsEnabled, err)
	}

	overrides := []struct {
		target *string
		key    string
	}{
		{&cfg.Scheduler.LoopCheck, EnvLoopCheck},
		{&cfg.Metrics.Addr, EnvMetricsAddr},
		{&cfg.Persistence.Path, EnvStatePath},
		{&cfg.Sentry.DSN, EnvSentryDSN},
	}

	for _, s := range overrides {
		*s.target, err = env.GetAsString(s.key, false, *s.target)
		if err != nil {
			sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get %s: %w", s.key, err)
		}
	}

	return cfg
}

// Validate fills zero values with defaults and clamps the two-way timeouts
// to constants.MaxTwoWayTimeout. Only an unknown loop check mode is an error.
func (c Config) Validate(log *zap.SugaredLogger) (Config, error) {
	if _, err := recursion.ParseMode(c.Scheduler.LoopCheck); err != nil {
		return Config{}, err
	}

	defaults := Default()

	if c.Scheduler.TickInterval <= 0 {
		c.Scheduler.TickInterval = defaults.Scheduler.TickInterval
	}

	if c.Scheduler.StarvationThreshold <= 0 {
		c.Scheduler.StarvationThreshold = defaults.Scheduler.StarvationThreshold
	}

	if c.Scheduler.MaxConcurrentSweeps <= 0 {
		c.Scheduler.MaxConcurrentSweeps = defaults.Scheduler.MaxConcurrentSweeps
	}

	if c.Scheduler.GroupParallelism <= 0 {
		c.Scheduler.GroupParallelism = defaults.Scheduler.GroupParallelism
	}

	if c.CommandPost.Interval <= 0 {
		c.CommandPost.Interval = defaults.CommandPost.Interval
	}

	if c.CommandPost.MaxTimeout <= 0 || c.CommandPost.MaxTimeout > constants.MaxTwoWayTimeout {
		if c.CommandPost.MaxTimeout > constants.MaxTwoWayTimeout && log != nil {
			log.Warnf("Command post max timeout %s exceeds %s, clamping", c.CommandPost.MaxTimeout, constants.MaxTwoWayTimeout)
		}

		c.CommandPost.MaxTimeout = constants.MaxTwoWayTimeout
	}

	if c.CommandPost.DefaultTimeout <= 0 {
		c.CommandPost.DefaultTimeout = defaults.CommandPost.DefaultTimeout
	}

	c.CommandPost.DefaultTimeout = min(c.CommandPost.DefaultTimeout, c.CommandPost.MaxTimeout)

	return c, nil
}

// LoopCheckMode returns the parsed loop check mode. Call it on a validated
// Config.
func (c Config) LoopCheckMode() recursion.Mode {
	mode, _ := recursion.ParseMode(c.Scheduler.LoopCheck)

	return mode
}
