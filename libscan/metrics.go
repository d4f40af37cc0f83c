package libscan

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	meter  = otel.Meter("salve/libscan")
	tracer = otel.Tracer("salve/libscan")
)

// The instruments used in this package.
var (
	cycleCount    metric.Int64Counter
	ingestedCount metric.Int64Counter
)

func must[T any](t T, err error) T {
	if err != nil {
		panic(err)
	}
	return t
}

func init() {
	cycleCount = must(meter.Int64Counter("salve.libscan.cycle.count",
		metric.WithDescription("Scan cycles run, by outcome.")))
	ingestedCount = must(meter.Int64Counter("salve.libscan.findings.ingested",
		metric.WithDescription("Enriched findings written to the store.")))
}
