// MatchCall Copyright 2024 amoryapp.com. All rights reserved.

package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricOnlineSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "matchcall_online_sessions",
		Help: "Number of registered websocket sessions",
	})
	metricCallsInitiated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matchcall_calls_initiated_total",
		Help: "Total call:calling announcements routed to a receiver",
	})
	metricCallsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matchcall_calls_completed_total",
		Help: "Total calls that reached the ended status",
	})
	metricCallsMissed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matchcall_calls_missed_total",
		Help: "Total calls that reached the missed status",
	})
	metricMessagesRouted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matchcall_messages_routed_total",
		Help: "Total signaling messages forwarded between peers",
	})
	metricRouteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matchcall_route_failures_total",
		Help: "Total forwards that failed because the target was offline",
	})
)
