// Package metrics exposes Prometheus counters and gauges for the poller,
// CEP engine, dispatcher, and rule-sync client, grounded on the
// promauto registration pattern used throughout the retrieval pack.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PollsTotal counts completed poll iterations per rule.
	PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventcore_polls_total",
		Help: "the number of poll iterations completed, by rule and outcome",
	}, []string{"rule_id", "outcome"})

	// PollDuration measures how long a single poll iteration took.
	PollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "eventcore_poll_duration_seconds",
		Help:    "the length of time a poll iteration took to execute",
		Buckets: prometheus.DefBuckets,
	}, []string{"rule_id"})

	// TriggersTotal counts CEP trigger emissions per rule.
	TriggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventcore_triggers_total",
		Help: "the number of CEP triggers emitted, by rule",
	}, []string{"rule_id"})

	// NotificationsTotal counts dispatched notifications by action result kind.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventcore_notifications_total",
		Help: "the number of notifications dispatched, by action outcome",
	}, []string{"outcome"})

	// RuleSyncAvailable reports whether the external rule-sync service was
	// reachable on the last probe (1) or not (0).
	RuleSyncAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventcore_rulesync_available",
		Help: "1 if the external rule-sync service was reachable on the last probe, 0 otherwise",
	})

	// ActiveRules reports the current count of active rules in the registry.
	ActiveRules = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventcore_active_rules",
		Help: "the current number of active rules in the registry",
	})
)
