// Package metrics exposes the bridge's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SOAPActions counts SOAP actions sent to renderers, by action name
	// and outcome (ok, rejected, error).
	SOAPActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Name:      "soap_actions_total",
		Help:      "SOAP actions sent to renderers.",
	}, []string{"action", "outcome"})

	// Devices is the number of renderers currently registered.
	Devices = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bridge",
		Name:      "devices",
		Help:      "Renderers currently registered.",
	})

	// TimelineSubscribers is the number of controller subscriptions.
	TimelineSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bridge",
		Name:      "timeline_subscribers",
		Help:      "Controller timeline subscriptions.",
	})

	// TimelineNotifies counts timeline pushes to subscribers.
	TimelineNotifies = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bridge",
		Name:      "timeline_notifies_total",
		Help:      "Timeline messages pushed to subscribers.",
	})
)
