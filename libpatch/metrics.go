package libpatch

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	meter  = otel.Meter("salve/libpatch")
	tracer = otel.Tracer("salve/libpatch")
)

// The instruments used in this package.
var (
	generateCount metric.Int64Counter
	testCount     metric.Int64Counter
)

func must[T any](t T, err error) T {
	if err != nil {
		panic(err)
	}
	return t
}

func init() {
	generateCount = must(meter.Int64Counter("salve.libpatch.generate.count",
		metric.WithDescription("Patch generation attempts, by outcome.")))
	testCount = must(meter.Int64Counter("salve.libpatch.test.count",
		metric.WithDescription("Sandbox patch tests, by status.")))
}
