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

package metrics

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/bigmachines/pkg/logger"
	"github.com/united-manufacturing-hub/bigmachines/pkg/sentry"
)

const (
	// Component labels.
	ComponentBigMachine  = "big_machine"
	ComponentGroup       = "group"
	ComponentMachine     = "machine"
	ComponentCommandPost = "command_post"
	ComponentPersistence = "persistence"
)

var (
	namespace = "bigmachines"
	subsystem = "core"

	errorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors encountered by component",
		},
		[]string{"component", "instance"},
	)

	tickTime = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tick_duration_milliseconds",
			Help:      "Time taken to process one scheduler tick (in milliseconds)",
			Objectives: map[float64]float64{
				0.5:  0.01,
				0.9:  0.01,
				0.95: 0.01,
				0.99: 0.01,
			},
		},
		[]string{"component", "instance"},
	)

	starvationSeconds = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tick_starved_total_seconds",
			Help:      "Total seconds the scheduler loop was starved",
		},
	)

	machineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "machine_runs_total",
			Help:      "Total number of machine runs by machine type and trigger",
		},
		[]string{"type", "run_type"},
	)

	machineTerminations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "machine_terminations_total",
			Help:      "Total number of terminated machines by machine type and reason",
		},
		[]string{"type", "reason"},
	)

	machinesGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "machines",
			Help:      "Number of machines currently held by a group",
		},
		[]string{"group"},
	)

	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commandpost",
			Name:      "commands_total",
			Help:      "Total number of commands delivered by channel and kind",
		},
		[]string{"channel", "kind"},
	)

	commandTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commandpost",
			Name:      "timeouts_total",
			Help:      "Total number of two-way commands that timed out",
		},
		[]string{"channel"},
	)

	lateResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commandpost",
			Name:      "late_responses_total",
			Help:      "Total number of responses that arrived after their sender gave up",
		},
		[]string{"channel"},
	)

	persistenceOps = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "ops_duration_seconds",
			Help:      "Duration of persistence operations in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"operation"},
	)
)

// DebugProvider provides introspection data for the /debug/machines endpoint.
// Implementations return a JSON-serializable value.
type DebugProvider interface {
	GetDebugInfo() interface{}
}

var debugRegistry struct {
	providers map[string]DebugProvider
	mu        sync.RWMutex
}

// RegisterDebugProvider exposes provider under name on /debug/machines.
func RegisterDebugProvider(name string, provider DebugProvider) {
	debugRegistry.mu.Lock()
	defer debugRegistry.mu.Unlock()

	if debugRegistry.providers == nil {
		debugRegistry.providers = make(map[string]DebugProvider)
	}

	debugRegistry.providers[name] = provider
}

// UnregisterDebugProvider removes a provider registered under name.
func UnregisterDebugProvider(name string) {
	debugRegistry.mu.Lock()
	defer debugRegistry.mu.Unlock()

	delete(debugRegistry.providers, name)
}

func handleMachinesDebug(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)

		return
	}

	debugRegistry.mu.RLock()
	defer debugRegistry.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")

	if len(debugRegistry.providers) == 0 {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"no_providers_registered"}`))

		return
	}

	response := make(map[string]interface{}, len(debugRegistry.providers))
	for name, provider := range debugRegistry.providers {
		response[name] = provider.GetDebugInfo()
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(response); err != nil {
		http.Error(w, "Failed to encode debug info", http.StatusInternalServerError)
	}
}

// NewHandler returns the mux served by SetupMetricsEndpoint.
func NewHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/machines", handleMachinesDebug)

	return mux
}

// SetupMetricsEndpoint starts an HTTP server to expose metrics
// This should be called once at application startup.
func SetupMetricsEndpoint(addr string) *http.Server {
	server := &http.Server{
		Addr:        addr,
		Handler:     NewHandler(),
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssue(err, sentry.IssueTypeError, logger.For("metrics"))
		}
	}()

	return server
}

// IncErrorCountAndLog increments the error counter for a component and logs a debug message if a logger is provided.
func IncErrorCountAndLog(component, instance string, err error, log *zap.SugaredLogger) {
	IncErrorCount(component, instance)

	if log != nil {
		log.Debugf("Component %s instance %s failed: %v", component, instance, err)
	}
}

func IncErrorCount(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Inc()
}

// InitErrorCounter initializes the error counter for a component.
func InitErrorCounter(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Add(0)
}

// ObserveTickTime records the time taken for one scheduler tick.
func ObserveTickTime(component, instance string, duration time.Duration) {
	tickTime.WithLabelValues(component, instance).Observe(float64(duration.Milliseconds()))
}

// AddStarvationTime increases the starvation counter by the specified seconds.
func AddStarvationTime(seconds float64) {
	starvationSeconds.Add(seconds)
}

func IncMachineRun(machineType, runType string) {
	machineRuns.WithLabelValues(machineType, runType).Inc()
}

func IncMachineTermination(machineType, reason string) {
	machineTerminations.WithLabelValues(machineType, reason).Inc()
}

// SetMachineCount publishes the number of machines a group holds.
func SetMachineCount(group string, count int) {
	machinesGauge.WithLabelValues(group).Set(float64(count))
}

func IncCommand(channel, kind string) {
	commandsTotal.WithLabelValues(channel, kind).Inc()
}

func IncCommandTimeout(channel string) {
	commandTimeouts.WithLabelValues(channel).Inc()
}

func IncLateResponse(channel string) {
	lateResponses.WithLabelValues(channel).Inc()
}

// ObservePersistenceOp records how long a store operation took.
func ObservePersistenceOp(operation string, duration time.Duration) {
	persistenceOps.WithLabelValues(operation).Observe(duration.Seconds())
}
