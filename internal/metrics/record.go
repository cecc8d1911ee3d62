package metrics

import (
	"time"

	"github.com/roach88/settle/internal/ir"
)

// ObserveError counts err by kind and code. Errors outside the engine
// taxonomy are counted under kind "internal".
func ObserveError(err error) {
	if err == nil {
		return
	}
	if e, ok := ir.AsError(err); ok {
		ErrorsTotal.WithLabelValues(string(e.Kind), string(e.Code)).Inc()
		return
	}
	ErrorsTotal.WithLabelValues("internal", "").Inc()
}

// Timer starts timing an operation; call the returned function when done.
func Timer(operation string) func() {
	start := time.Now()
	return func() {
		OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}
