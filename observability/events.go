package observability

import (
	"math/big"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	events    *prometheus.CounterVec
	transfers *prometheus.CounterVec
	volume    *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking published ledger events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Count of committed events segmented by type.",
			}, []string{"type"}),
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "transfers_total",
				Help:      "Count of token transfers segmented by asset.",
			}, []string{"asset"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "transfer_volume",
				Help:      "Sum of transferred base units segmented by asset.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(eventRegistry.events, eventRegistry.transfers, eventRegistry.volume)
	})
	return eventRegistry
}

// RecordEvent increments the counter for a published event type.
func (m *eventMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		eventType = "unknown"
	}
	m.events.WithLabelValues(eventType).Inc()
}

// RecordTransfer counts a token transfer of amount for the supplied ticker.
func (m *eventMetrics) RecordTransfer(asset string, amount *big.Int) {
	if m == nil {
		return
	}
	label := labelAsset(asset)
	m.transfers.WithLabelValues(label).Inc()
	if amount != nil && amount.Sign() > 0 {
		m.volume.WithLabelValues(label).Add(bigToFloat(amount))
	}
}
