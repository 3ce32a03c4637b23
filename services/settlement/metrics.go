package settlement

import (
	"github.com/prometheus/client_golang/prometheus"
)

var countProcessorEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "settlement_processor_events_total",
		Help: "a count of processor notifications by event type and outcome",
	},
	[]string{"type", "outcome"},
)

const (
	outcomeInvalidSignature = "invalid_signature"
	outcomeMalformed        = "malformed"
	outcomeIgnored          = "ignored"
	outcomeDuplicate        = "duplicate"
	outcomeRecordFailed     = "record_failed"
	outcomeDeadLettered     = "dead_lettered"
	outcomeApplied          = "applied"
)

func init() {
	// register our metrics with prometheus
	if err := prometheus.Register(countProcessorEvents); err != nil {
		if ae, ok := err.(prometheus.AlreadyRegisteredError); ok {
			countProcessorEvents = ae.ExistingCollector.(*prometheus.CounterVec)
		}
	}
}
