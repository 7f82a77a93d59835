// Sunfish is a Redfish fabric aggregation manager.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package metrics exposes Prometheus instrumentation for the service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	redfishRequests        *prometheus.CounterVec
	redfishRequestDuration *prometheus.HistogramVec
	agentForwards          *prometheus.CounterVec
	eventsReceived         *prometheus.CounterVec
	eventNotifications     prometheus.Counter
	resourcesIngested      *prometheus.CounterVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveRequest records a completed northbound Redfish request.
func ObserveRequest(method string, code int, duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if redfishRequests != nil {
		redfishRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	}
	if redfishRequestDuration != nil {
		redfishRequestDuration.WithLabelValues(method).Observe(durationSeconds(duration))
	}
}

// ObserveAgentForward records one southbound request to an agent.
func ObserveAgentForward(op string, ok bool) {
	outcome := "error"
	if ok {
		outcome = "ok"
	}

	mu.RLock()
	defer mu.RUnlock()
	if agentForwards != nil {
		agentForwards.WithLabelValues(op, outcome).Inc()
	}
}

// ObserveEvent records a received event by message id.
func ObserveEvent(messageID string) {
	mu.RLock()
	defer mu.RUnlock()
	if eventsReceived != nil {
		eventsReceived.WithLabelValues(messageID).Inc()
	}
}

// AddNotifications counts subscriber deliveries for a forwarded event.
func AddNotifications(n int) {
	if n <= 0 {
		return
	}
	mu.RLock()
	defer mu.RUnlock()
	if eventNotifications != nil {
		eventNotifications.Add(float64(n))
	}
}

// ObserveIngested counts resources pulled from an agent during discovery.
func ObserveIngested(agentID string, n int) {
	if n <= 0 {
		return
	}
	mu.RLock()
	defer mu.RUnlock()
	if resourcesIngested != nil {
		resourcesIngested.WithLabelValues(agentID).Add(float64(n))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	reqTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sunfish",
		Name:      "redfish_requests_total",
		Help:      "Total northbound Redfish requests grouped by method and status code.",
	}, []string{"method", "code"})

	reqDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sunfish",
		Name:      "redfish_request_duration_seconds",
		Help:      "Duration of northbound Redfish requests by method.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"method"})

	forwards := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sunfish",
		Name:      "agent_forwards_total",
		Help:      "Total southbound requests to fabric agents by operation and outcome.",
	}, []string{"op", "outcome"})

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sunfish",
		Name:      "events_received_total",
		Help:      "Total events received on the event listener by message id.",
	}, []string{"message_id"})

	notifications := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sunfish",
		Name:      "event_notifications_total",
		Help:      "Total event deliveries to subscribers.",
	})

	ingested := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sunfish",
		Name:      "resources_ingested_total",
		Help:      "Total resources ingested from agents during discovery.",
	}, []string{"agent"})

	registry.MustRegister(reqTotal, reqDuration, forwards, events, notifications, ingested)

	reg = registry
	redfishRequests = reqTotal
	redfishRequestDuration = reqDuration
	agentForwards = forwards
	eventsReceived = events
	eventNotifications = notifications
	resourcesIngested = ingested
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
