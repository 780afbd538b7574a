package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsStarted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "receipts_jobs_started_total", Help: "Jobs that entered processing (step 0)"})
	JobsCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "receipts_jobs_completed_total", Help: "Jobs finalized as Complete"})
	JobsErrored       = prometheus.NewCounter(prometheus.CounterOpts{Name: "receipts_jobs_errored_total", Help: "Jobs finalized as Error"})
	RetriesEscalated  = prometheus.NewCounter(prometheus.CounterOpts{Name: "receipts_retries_escalated_total", Help: "Retry outcomes escalated back to the coordinator"})
	Redeliveries      = prometheus.NewCounter(prometheus.CounterOpts{Name: "receipts_transport_redeliveries_total", Help: "Transport-level redeliveries requested by the dispatcher"})
	CallbacksReceived = prometheus.NewCounter(prometheus.CounterOpts{Name: "receipts_callbacks_received_total", Help: "OCR outcome callbacks accepted by the relay"})
	ProtocolAnomalies = prometheus.NewCounter(prometheus.CounterOpts{Name: "receipts_protocol_anomalies_total", Help: "Malformed or unrecognized pipeline messages"})
	QueueDepthGauge   = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "receipts_queue_depth", Help: "Ready queue depth"}, []string{"queue"})
	DLQDepthGauge     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "receipts_dlq_depth", Help: "Dead-letter queue depth"}, []string{"queue"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsStarted,
			JobsCompleted,
			JobsErrored,
			RetriesEscalated,
			Redeliveries,
			CallbacksReceived,
			ProtocolAnomalies,
			QueueDepthGauge,
			DLQDepthGauge,
		)
	})
	return promhttp.Handler()
}
