// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ipupm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the broker's Prometheus metrics in a private registry.
type Collector struct {
	registry *prometheus.Registry

	messages       *prometheus.CounterVec
	acks           *prometheus.CounterVec
	leases         *prometheus.GaugeVec
	notifyLatency  *prometheus.HistogramVec
	hibernateTotal *prometheus.CounterVec
}

// NewCollector creates the metrics under namespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "ipupm"
	}
	c := &Collector{registry: prometheus.NewRegistry()}

	c.messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "messages_total",
			Help:      "Inbound resource messages, accepted or dropped on a full queue",
		},
		[]string{"core", "result"},
	)
	c.acks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "acks_total",
			Help:      "Acks sent back to the remote cores",
		},
		[]string{"core", "type", "status"},
	)
	c.leases = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resource",
			Name:      "leases",
			Help:      "Outstanding leases per resource kind",
		},
		[]string{"kind"},
	)
	c.notifyLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "duration_seconds",
			Help:      "Time from sending a notification to the last reply",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
		[]string{"event", "result"},
	)
	c.hibernateTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hibernate",
			Name:      "transitions_total",
			Help:      "Context save and restore attempts",
		},
		[]string{"op", "result"},
	)

	c.registry.MustRegister(c.messages, c.acks, c.leases, c.notifyLatency, c.hibernateTotal)
	return c
}

// Registry returns the registry to expose.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) message(core CoreID, accepted bool) {
	result := "accepted"
	if !accepted {
		result = "dropped"
	}
	c.messages.WithLabelValues(core.String(), result).Inc()
}

func (c *Collector) ack(core CoreID, t MsgType, s Status) {
	c.acks.WithLabelValues(core.String(), t.String(), s.String()).Inc()
}

func (c *Collector) lease(k Kind, delta int) {
	c.leases.WithLabelValues(k.String()).Add(float64(delta))
}

func (c *Collector) notify(ev Event, start time.Time, err error) {
	c.notifyLatency.WithLabelValues(ev.String(), result(err)).Observe(time.Since(start).Seconds())
}

func (c *Collector) hibernate(op string, err error) {
	c.hibernateTotal.WithLabelValues(op, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
