package backfill

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickertrail_backfill_pages_total",
		Help: "Backfill page fetches by outcome",
	}, []string{"outcome"})

	recordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickertrail_backfill_records_total",
		Help: "Records upserted by backfills",
	})

	jobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tickertrail_backfill_active",
		Help: "Backfill continuations currently running",
	})
)
