/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

// Package metrics provides the Prometheus metrics of the relay service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stash.kopano.io/kgol/smtprelay/relay"
)

const namespace = "smtprelayd"

var (
	// MessagesTotal counts handled messages by outcome and reply code.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Total number of handled messages by outcome and reply code",
		},
		[]string{"outcome", "code"},
	)

	// MessageDuration measures the time from receiving a message to its reply.
	MessageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "message_duration_seconds",
			Help:      "Message relay duration in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"outcome"},
	)

	// RecipientsRejectedTotal counts recipients refused by relay servers.
	RecipientsRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "recipients_rejected_total",
			Help:      "Total number of recipients refused by relay servers",
		},
	)

	// MessageSize measures relayed message sizes in bytes.
	MessageSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "message_size_bytes",
			Help:      "Size of handled messages in bytes",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)
)

var (
	// RulesReloadsTotal counts rule file loads by result.
	RulesReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "reloads_total",
			Help:      "Total number of relay rule loads by result",
		},
		[]string{"result"},
	)

	// RulesDomains tracks the number of domains in the active rules.
	RulesDomains = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "domains",
			Help:      "Number of sender domains with a relay rule",
		},
	)

	// SessionsOpen tracks open inbound SMTP sessions.
	SessionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dagent",
			Name:      "sessions_open",
			Help:      "Number of open inbound SMTP sessions",
		},
	)
)

func init() {
	// Make every outcome visible with zero values from the start.
	for _, kind := range relay.OutcomeKinds() {
		MessageDuration.WithLabelValues(kind.String())
	}
}

// ObserveResult records one handled message.
func ObserveResult(env *relay.Envelope, result *relay.Result) {
	outcome := result.Outcome.Kind.String()

	MessagesTotal.WithLabelValues(outcome, codeLabel(result.Reply.Code)).Inc()
	MessageDuration.WithLabelValues(outcome).Observe(result.Duration.Seconds())
	RecipientsRejectedTotal.Add(float64(len(result.Outcome.Rejected)))
	if env != nil {
		MessageSize.Observe(float64(len(env.Content)))
	}
}

// ObserveReload records one rule load attempt.
func ObserveReload(domains int, err error) {
	if err != nil {
		RulesReloadsTotal.WithLabelValues("failure").Inc()
		return
	}
	RulesReloadsTotal.WithLabelValues("success").Inc()
	RulesDomains.Set(float64(domains))
}

func codeLabel(code int) string {
	if code < 100 || code > 999 {
		return "unknown"
	}
	return strconv.Itoa(code)
}

// NewHandler returns the HTTP handler exposing all metrics.
func NewHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// NewServer returns the HTTP server for the metrics listener.
func NewServer(listenAddress string) *http.Server {
	return &http.Server{
		Addr:              listenAddress,
		Handler:           NewHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
