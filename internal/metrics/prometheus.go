package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FinalizeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_intake_finalize_total",
			Help: "Finalization attempts by outcome",
		},
		[]string{"outcome"},
	)

	FinalizeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "order_intake_finalize_duration_seconds",
			Help:    "Finalization attempt duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"outcome"},
	)

	ExtractionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_intake_extraction_total",
			Help: "Structured extraction calls by status",
		},
		[]string{"status"},
	)

	ExtractionCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_intake_extraction_cache_total",
			Help: "Extraction cache lookups by result",
		},
		[]string{"result"},
	)

	TriggerItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_intake_trigger_items_total",
			Help: "Trigger items handled by result",
		},
		[]string{"result"},
	)

	ChangeReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_intake_change_reports_total",
			Help: "Change reports produced by status",
		},
		[]string{"status"},
	)

	RecordsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_intake_records_ingested_total",
			Help: "Records stored by kind",
		},
		[]string{"kind"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_intake_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	DispatcherQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "order_intake_dispatcher_queue_depth",
			Help: "Triggers waiting in the in-process dispatcher",
		},
	)

	DecisionSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "order_intake_decision_subscribers",
			Help: "Connected decision feed subscribers",
		},
	)
)

func Init() {
	prometheus.MustRegister(FinalizeTotal)
	prometheus.MustRegister(FinalizeDuration)
	prometheus.MustRegister(ExtractionTotal)
	prometheus.MustRegister(ExtractionCache)
	prometheus.MustRegister(TriggerItems)
	prometheus.MustRegister(ChangeReports)
	prometheus.MustRegister(RecordsIngested)
	prometheus.MustRegister(LLMTokensUsed)
	prometheus.MustRegister(DispatcherQueueDepth)
	prometheus.MustRegister(DecisionSubscribers)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
