package postgres

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricLabels  = []string{"query", "success"}
	databaseTimer = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "salve",
		Subsystem: "datastore_postgres",
		Name:      "query_duration_seconds",
		Help:      "Database query duration for noted query, including data read time.",
	}, metricLabels)
	databaseCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "salve",
		Subsystem: "datastore_postgres",
		Name:      "query_total",
		Help:      "Database query count for noted query.",
	}, metricLabels)
)

// observe records one query execution. Meant for deferred use:
//
//	defer observe("savePatch", time.Now())(&err)
func observe(name string, start time.Time) func(err *error) {
	return func(err *error) {
		l := prometheus.Labels{
			"query":   name,
			"success": strconv.FormatBool(*err == nil),
		}
		databaseCounter.With(l).Inc()
		databaseTimer.With(l).Observe(time.Since(start).Seconds())
	}
}
