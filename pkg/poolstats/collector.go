// Package poolstats exports pgxpool connection statistics as prometheus
// metrics. The datastore registers one Collector per pool, labelled with
// the application name so multiple pools stay distinguishable.
package poolstats

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	_ prometheus.Collector = (*Collector)(nil)
	_ stat                 = (*pgxpool.Stat)(nil)
)

// stat is the subset of pgxpool.Stat the collector reads. Keeping it an
// interface lets tests feed synthetic numbers without a live pool.
type stat interface {
	AcquireCount() int64
	AcquireDuration() time.Duration
	AcquiredConns() int32
	CanceledAcquireCount() int64
	ConstructingConns() int32
	EmptyAcquireCount() int64
	IdleConns() int32
	MaxConns() int32
	TotalConns() int32
}

type staterFunc func() stat

// Stater is a provider of the Stat() function. Implemented by pgxpool.Pool.
type Stater interface {
	Stat() *pgxpool.Stat
}

// metricDesc pairs a descriptor with the reader that produces its value.
type metricDesc struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(stat) float64
}

// Collector reports the nine statistics pgxpool.Stat exposes.
type Collector struct {
	name    string
	stat    staterFunc
	metrics []metricDesc
}

// NewCollector returns a Collector reading from stater. The appname
// becomes the application_name label on every series.
func NewCollector(stater Stater, appname string) *Collector {
	return newCollector(func() stat { return stater.Stat() }, appname)
}

func newCollector(fn staterFunc, name string) *Collector {
	desc := func(n, help string) *prometheus.Desc {
		return prometheus.NewDesc("salve_pgxpool_"+n, help, staticLabels, nil)
	}
	return &Collector{
		name: name,
		stat: fn,
		metrics: []metricDesc{
			{
				desc:  desc("acquire_count", "Cumulative count of successful acquires from the pool."),
				kind:  prometheus.CounterValue,
				value: func(s stat) float64 { return float64(s.AcquireCount()) },
			},
			{
				desc:  desc("acquire_duration_seconds_total", "Total duration of all successful acquires from the pool."),
				kind:  prometheus.CounterValue,
				value: func(s stat) float64 { return s.AcquireDuration().Seconds() },
			},
			{
				desc:  desc("acquired_conns", "Number of currently acquired connections in the pool."),
				kind:  prometheus.GaugeValue,
				value: func(s stat) float64 { return float64(s.AcquiredConns()) },
			},
			{
				desc:  desc("canceled_acquire_count", "Cumulative count of acquires from the pool that were canceled by a context."),
				kind:  prometheus.CounterValue,
				value: func(s stat) float64 { return float64(s.CanceledAcquireCount()) },
			},
			{
				desc:  desc("constructing_conns", "Number of conns with construction in progress in the pool."),
				kind:  prometheus.GaugeValue,
				value: func(s stat) float64 { return float64(s.ConstructingConns()) },
			},
			{
				desc:  desc("empty_acquire", "Cumulative count of acquires that waited because the pool was empty."),
				kind:  prometheus.CounterValue,
				value: func(s stat) float64 { return float64(s.EmptyAcquireCount()) },
			},
			{
				desc:  desc("idle_conns", "Number of currently idle conns in the pool."),
				kind:  prometheus.GaugeValue,
				value: func(s stat) float64 { return float64(s.IdleConns()) },
			},
			{
				desc:  desc("max_conns", "Maximum size of the pool."),
				kind:  prometheus.GaugeValue,
				value: func(s stat) float64 { return float64(s.MaxConns()) },
			},
			{
				desc:  desc("total_conns", "Total number of resources currently in the pool."),
				kind:  prometheus.GaugeValue,
				value: func(s stat) float64 { return float64(s.TotalConns()) },
			},
		},
	}
}

var staticLabels = []string{"application_name"}

// Describe implements the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.stat()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(s), c.name)
	}
}
