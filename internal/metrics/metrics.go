// Package metrics provides Prometheus instrumentation for the card emulator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all card metrics
	Namespace = "carcard"

	// Label names
	LabelCategory = "category"
	LabelOutcome  = "outcome"
)

var (
	// MessagesTotal counts processed messages by category and outcome
	// (reply, error, dropped).
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "messages_total",
			Help:      "Total number of card messages by category and outcome",
		},
		[]string{LabelCategory, LabelOutcome},
	)

	// CommitsTotal counts ledger commits to durable storage.
	CommitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "commits_total",
			Help:      "Total number of usage ledger commits",
		},
	)
)

// Recorder feeds engine events into the package counters.
type Recorder struct{}

func (Recorder) RecordMessage(category, outcome string) {
	MessagesTotal.WithLabelValues(category, outcome).Inc()
}

func (Recorder) RecordCommit() {
	CommitsTotal.Inc()
}
