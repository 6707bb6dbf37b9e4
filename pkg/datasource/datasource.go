package datasource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opscart/k8s-capacity-forecaster/pkg/analyzer"
	"github.com/opscart/k8s-capacity-forecaster/pkg/scope"
)

// Metric names a resource series the engine can query.
type Metric string

const (
	MetricCPU    Metric = "cpu"
	MetricMemory Metric = "memory"
)

// ErrHistoryUnsupported is returned by sources that only expose current
// snapshots (metrics-server). Trend analysis degrades on it.
var ErrHistoryUnsupported = errors.New("metrics source does not retain history")

// UnavailableError marks a metrics-store failure (timeout, non-200,
// transport error) with the underlying cause attached. Empty result
// sets are not errors; they resolve to zero-valued metrics with
// SampleCount 0.
type UnavailableError struct {
	Source string
	Err    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("metrics source %s unavailable: %v", e.Source, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// MetricsSource answers scoped usage queries. Implementations are
// selected by configuration at startup (live Prometheus, metrics-server,
// or synthetic), never branched at request time.
type MetricsSource interface {
	// CurrentUsage returns rolling cpu/memory utilization means (as
	// fractions in [0,1]) over the trailing window.
	CurrentUsage(ctx context.Context, sc *scope.Spec, window time.Duration) (*analyzer.RollingMetrics, error)

	// History returns an ordered, time-bounded sample sequence for one
	// metric at the given resolution.
	History(ctx context.Context, sc *scope.Spec, metric Metric, window, step time.Duration) ([]analyzer.MetricSample, error)

	IsAvailable(ctx context.Context) bool
	Name() string
}

// retryOnce runs fn, and on failure retries a single time after backoff.
// Transient store errors get one more chance inside the request budget;
// anything beyond that is surfaced to the caller.
func retryOnce(ctx context.Context, backoff time.Duration, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return err
	case <-time.After(backoff):
	}
	return fn()
}
