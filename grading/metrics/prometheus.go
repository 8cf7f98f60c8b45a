/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Item outcomes.
const (
	OutcomeGraded    = "graded"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

var (
	itemCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rolloutgrader_items_total",
			Help: "Transcripts processed, by final outcome",
		},
		[]string{"provider", "metric", "outcome"},
	)

	ungroundedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rolloutgrader_ungrounded_grades_total",
			Help: "Grades accepted without a verified quote",
		},
		[]string{"provider", "metric"},
	)

	retryCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rolloutgrader_retries_total",
			Help: "Provider calls repeated, by reason",
		},
		[]string{"provider", "reason"},
	)

	activeJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rolloutgrader_active_jobs",
			Help: "Grading jobs currently running",
		},
		[]string{"provider"},
	)
)

// ObserveItem counts one finished transcript.
func ObserveItem(provider, metric, outcome string) {
	ObserveItems(provider, metric, outcome, 1)
}

// ObserveItems counts n transcripts with the same outcome.
func ObserveItems(provider, metric, outcome string, n int) {
	if n <= 0 {
		return
	}
	itemCounter.With(prometheus.Labels{"provider": provider, "metric": metric, "outcome": outcome}).Add(float64(n))
}

// ObserveUngrounded counts a grade accepted with no supporting quote.
func ObserveUngrounded(provider, metric string) {
	ungroundedCounter.With(prometheus.Labels{"provider": provider, "metric": metric}).Inc()
}

// ObserveRetry counts a repeated provider call. Reason is an error kind or
// "quotes" for a quote re-prompt.
func ObserveRetry(provider, reason string) {
	retryCounter.With(prometheus.Labels{"provider": provider, "reason": reason}).Inc()
}

// JobStarted marks a job as running and returns the function that marks it done.
func JobStarted(provider string) (done func()) {
	g := activeJobs.With(prometheus.Labels{"provider": provider})
	g.Inc()
	return g.Dec
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
