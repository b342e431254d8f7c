// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons for worker frames and outbound messages that reach no
// client.
const (
	dropUnregistered     = "unregistered"
	dropNotAnnounced     = "not_announced"
	dropConnectionClosed = "connection_closed"
	dropQueueFull        = "queue_full"
	dropShutdown         = "shutdown"
)

// Upload results.
const (
	uploadOK             = "ok"
	uploadConflict       = "conflict"
	uploadDigestMismatch = "digest_mismatch"
	uploadRejected       = "rejected"
	uploadPersistFailure = "persist_failure"
)

// metrics is the server's Prometheus instrumentation. Each server has
// its own registry so tests can run servers side by side.
type metrics struct {
	registry *prometheus.Registry

	droppedFrames      *prometheus.CounterVec
	droppedMessages    *prometheus.CounterVec
	unknownMethods     prometheus.Counter
	peerUnavailable    *prometheus.CounterVec
	pipelinesActive    prometheus.Gauge
	processExits       prometheus.Counter
	spawnFailures      prometheus.Counter
	uploads            *prometheus.CounterVec
	ledgerPersistFails prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		droppedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hddl",
			Name:      "dropped_frames_total",
			Help:      "Worker frames dropped before reaching a control client.",
		}, []string{"reason"}),
		droppedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hddl",
			Name:      "dropped_messages_total",
			Help:      "Queued outbound messages dropped before reaching a control client.",
		}, []string{"reason"}),
		unknownMethods: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hddl",
			Name:      "unknown_methods_total",
			Help:      "Control messages with a method the server does not handle.",
		}),
		peerUnavailable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hddl",
			Name:      "peer_unavailable_total",
			Help:      "Operations that needed a worker's ipc connection before it announced.",
		}, []string{"operation"}),
		pipelinesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hddl",
			Name:      "pipelines_active",
			Help:      "Pipelines currently registered.",
		}),
		processExits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hddl",
			Name:      "process_exits_total",
			Help:      "Worker processes that exited.",
		}),
		spawnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hddl",
			Name:      "spawn_failures_total",
			Help:      "Worker processes that could not be started.",
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hddl",
			Name:      "uploads_total",
			Help:      "Model uploads by result.",
		}, []string{"result"}),
		ledgerPersistFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hddl",
			Name:      "ledger_persist_failures_total",
			Help:      "Model ledger writes that failed.",
		}),
	}
	m.registry.MustRegister(
		m.droppedFrames,
		m.droppedMessages,
		m.unknownMethods,
		m.peerUnavailable,
		m.pipelinesActive,
		m.processExits,
		m.spawnFailures,
		m.uploads,
		m.ledgerPersistFails,
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
