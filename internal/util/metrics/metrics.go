/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics holds the prometheus collectors of cdromd. They are registered to the default registry, which
// is served by the metrics server of the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cdromd"

const (
	ResultSuccess  = "success"
	ResultDegraded = "degraded"
	ResultFailure  = "failure"
)

var (
	// ChangeISOTotal counts image switch requests by strategy and result.
	ChangeISOTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "change_iso_total",
		Help:      "Number of image switch requests, by strategy and result.",
	}, []string{"strategy", "result"})

	// StoreTransactionRetriesTotal counts transactions rerun after a conflicting commit.
	StoreTransactionRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_transaction_retries_total",
		Help:      "Number of store transactions rerun because of a concurrent writer.",
	})

	// TapOperationsTotal counts tap control plane invocations by operation and result.
	TapOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tap_operations_total",
		Help:      "Number of tap control plane operations, by operation and result.",
	}, []string{"op", "result"})

	// RebindDurationSeconds observes how long rebinding a slot takes, close handshake included.
	RebindDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "rebind_duration_seconds",
		Help:      "Time spent rebinding a CD-ROM slot to another tap device.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})
)

// Result returns the result label of an operation.
func Result(err error) string {
	if err != nil {
		return ResultFailure
	}

	return ResultSuccess
}
