// Copyright 2025 The shellybridge Authors
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

// Package metrics provides Prometheus instrumentation for the bridge.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal counts accepted transport connections.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shellybridge_connections_total",
		Help: "The total number of device connections accepted by the listener.",
	})

	// SessionsActive tracks live authenticated sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shellybridge_sessions_active",
		Help: "The number of currently authenticated device sessions.",
	})

	// AuthRejectionsTotal counts refused CONNECT attempts by cause.
	AuthRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shellybridge_auth_rejections_total",
		Help: "The total number of refused CONNECT attempts.",
	},
		[]string{"cause"},
	)

	// RetransmissionsTotal counts QoS frames resent by the retry engine.
	RetransmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shellybridge_retransmissions_total",
		Help: "The total number of QoS frames retransmitted, by frame kind.",
	},
		[]string{"kind"},
	)

	// RetryExhaustedTotal counts deliveries abandoned after the attempt cap.
	RetryExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shellybridge_retry_exhausted_total",
		Help: "The total number of in-flight exchanges abandoned after the retry cap.",
	})

	// UnmatchedAcksTotal counts acknowledgments with no matching record.
	UnmatchedAcksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shellybridge_unmatched_acks_total",
		Help: "The total number of acknowledgments that matched no in-flight record.",
	})

	// MessagesInTotal counts accepted device-originated PUBLISH frames.
	MessagesInTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shellybridge_messages_in_total",
		Help: "The total number of inbound PUBLISH frames accepted from devices.",
	})

	// SupervisorRestartsTotal counts supervised actor restarts.
	SupervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shellybridge_supervisor_restarts_total",
		Help: "The total number of times a supervised actor has been restarted.",
	},
		[]string{"actor_id"},
	)
)

// Serve starts an HTTP server exposing the Prometheus metrics endpoint.
func Serve(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	log.Printf("Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		logFatalf("Metrics server failed: %v", err)
	}
}

// logFatalf can be replaced by tests to prevent process exit.
var logFatalf = log.Fatalf
