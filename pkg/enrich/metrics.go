package enrich

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Task kinds.
const (
	KindClassify = "classify"
	KindPrice    = "price"
)

var (
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickertrail_enrich_tasks_total",
		Help: "Total enrichment tasks by kind and outcome",
	}, []string{"kind", "outcome"})

	tasksInflight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tickertrail_enrich_inflight",
		Help: "Enrichment tasks submitted and not yet merged by kind",
	}, []string{"kind"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tickertrail_enrich_task_duration_seconds",
		Help:    "Enrichment task run time in seconds by kind",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"kind"})
)
