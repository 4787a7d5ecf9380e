package invoker

import (
	"context"
	"errors"
	"time"

	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/apperr"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/metrics"
)

// Instrumented wraps a ModelInvoker with latency and throttle counters, so
// any concrete invoker implementation gets observability for free.
type Instrumented struct {
	Inner ModelInvoker
}

func (i Instrumented) Invoke(ctx context.Context, modelID string, prompt string, parameters map[string]interface{}) (Response, error) {
	start := time.Now()
	resp, err := i.Inner.Invoke(ctx, modelID, prompt, parameters)
	metrics.InvokerLatencySeconds.WithLabelValues(modelID).Observe(time.Since(start).Seconds())

	var transient *apperr.TransientError
	if err != nil && errors.As(err, &transient) {
		metrics.InvokerThrottlesTotal.WithLabelValues(modelID).Inc()
	}
	return resp, err
}
