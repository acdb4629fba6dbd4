// Copyright 2025 Arbor Works
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

package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// runsLaunched tracks run materializations
	runsLaunched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_runs_launched_total",
			Help: "Total runs launched by tree key",
		},
		[]string{"tree_key"},
	)

	// runsTerminal tracks runs reaching a terminal status
	runsTerminal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_runs_terminal_total",
			Help: "Total runs reaching a terminal status by tree key and status",
		},
		[]string{"tree_key", "status"},
	)

	// nodesDispatched tracks node attempt dispatches
	nodesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_node_dispatches_total",
			Help: "Total node attempt dispatches by provider",
		},
		[]string{"provider"},
	)

	// nodeAttemptsTerminal tracks node attempts reaching a terminal status
	nodeAttemptsTerminal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_node_attempts_terminal_total",
			Help: "Total terminal node attempts by provider and status",
		},
		[]string{"provider", "status"},
	)

	// nodeRetries tracks in-place node retries
	nodeRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_node_retries_total",
			Help: "Total in-place node retries by provider",
		},
		[]string{"provider"},
	)

	// nodeDuration tracks node attempt wall time
	nodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arbor_node_duration_seconds",
			Help:    "Node attempt duration by provider",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"provider"},
	)

	// fanOutChildren tracks children created per spawner completion
	fanOutChildren = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arbor_fan_out_children_total",
			Help: "Total fan-out child nodes created",
		},
	)
)

func recordRunLaunched(treeKey string) {
	runsLaunched.WithLabelValues(treeKey).Inc()
}

func recordRunTerminal(treeKey, status string) {
	runsTerminal.WithLabelValues(treeKey, status).Inc()
}

func recordDispatch(providerName string) {
	nodesDispatched.WithLabelValues(providerName).Inc()
}

func recordAttemptTerminal(providerName, status string, duration time.Duration) {
	nodeAttemptsTerminal.WithLabelValues(providerName, status).Inc()
	nodeDuration.WithLabelValues(providerName).Observe(duration.Seconds())
}

func recordRetry(providerName string) {
	nodeRetries.WithLabelValues(providerName).Inc()
}

func recordFanOut(children int) {
	fanOutChildren.Add(float64(children))
}
