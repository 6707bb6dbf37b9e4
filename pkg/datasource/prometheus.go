package datasource

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/sirupsen/logrus"

	"github.com/opscart/k8s-capacity-forecaster/pkg/analyzer"
	"github.com/opscart/k8s-capacity-forecaster/pkg/scope"
)

// PrometheusSource answers scoped queries against a Prometheus server.
// Utilization is expressed as fractions: CPU from per-container usage
// rates, memory as usage over the container memory limit.
type PrometheusSource struct {
	client  v1.API
	url     string
	backoff time.Duration
	log     *logrus.Logger
}

func NewPrometheusSource(url string, log *logrus.Logger) (*PrometheusSource, error) {
	client, err := api.NewClient(api.Config{
		Address: url,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &PrometheusSource{
		client:  v1.NewAPI(client),
		url:     url,
		backoff: 250 * time.Millisecond,
		log:     log,
	}, nil
}

func (p *PrometheusSource) Name() string { return "prometheus" }

func (p *PrometheusSource) IsAvailable(ctx context.Context) bool {
	_, _, err := p.client.Query(ctx, "up", time.Now())
	return err == nil
}

// CurrentUsage fetches rolling cpu and memory utilization means over the
// trailing window. An empty result set means the scope matched nothing
// and resolves to zero means with SampleCount 0, not an error.
func (p *PrometheusSource) CurrentUsage(ctx context.Context, sc *scope.Spec, window time.Duration) (*analyzer.RollingMetrics, error) {
	now := time.Now()

	cpuVec, err := p.queryVector(ctx, p.cpuExpr(sc, window))
	if err != nil {
		return nil, err
	}
	memVec, err := p.queryVector(ctx, p.memoryExpr(sc))
	if err != nil {
		return nil, err
	}

	return &analyzer.RollingMetrics{
		CPUMean:     clampUnit(vectorMean(cpuVec)),
		MemoryMean:  clampUnit(vectorMean(memVec)),
		WindowStart: now.Add(-window),
		WindowEnd:   now,
		SampleCount: len(cpuVec) + len(memVec),
	}, nil
}

// History fetches an averaged utilization series for one metric at the
// given resolution.
func (p *PrometheusSource) History(ctx context.Context, sc *scope.Spec, metric Metric, window, step time.Duration) ([]analyzer.MetricSample, error) {
	var expr string
	switch metric {
	case MetricCPU:
		expr = fmt.Sprintf(`avg(%s)`, p.cpuExpr(sc, step))
	case MetricMemory:
		expr = fmt.Sprintf(`avg(%s)`, p.memoryExpr(sc))
	default:
		return nil, fmt.Errorf("unknown metric %q", string(metric))
	}

	end := time.Now()
	r := v1.Range{Start: end.Add(-window), End: end, Step: step}

	var matrix model.Matrix
	err := retryOnce(ctx, p.backoff, func() error {
		result, warnings, err := p.client.QueryRange(ctx, expr, r)
		if err != nil {
			return err
		}
		if len(warnings) > 0 {
			p.log.WithField("warnings", warnings).Warn("Prometheus range query returned warnings")
		}
		m, ok := result.(model.Matrix)
		if !ok {
			return fmt.Errorf("unexpected result type %s for range query", result.Type())
		}
		matrix = m
		return nil
	})
	if err != nil {
		return nil, &UnavailableError{Source: p.Name(), Err: err}
	}

	if len(matrix) == 0 {
		return nil, nil
	}

	samples := make([]analyzer.MetricSample, 0, len(matrix[0].Values))
	for _, pair := range matrix[0].Values {
		samples = append(samples, analyzer.MetricSample{
			Timestamp: pair.Timestamp.Time(),
			Value:     float64(pair.Value),
		})
	}
	return samples, nil
}

// cpuExpr builds the per-container CPU usage rate expression for the
// scope. The scope's label filters are rendered once, here, at the
// query boundary.
func (p *PrometheusSource) cpuExpr(sc *scope.Spec, window time.Duration) string {
	sel := baseSelector().Concat(sc.Selector())
	return fmt.Sprintf(`rate(container_cpu_usage_seconds_total{%s}[%s])`, sel.Render(), promDuration(window))
}

// memoryExpr builds the memory usage-over-limit ratio expression.
func (p *PrometheusSource) memoryExpr(sc *scope.Spec) string {
	sel := baseSelector().Concat(sc.Selector()).Render()
	return fmt.Sprintf(`container_memory_usage_bytes{%s} / container_spec_memory_limit_bytes{%s} > 0`, sel, sel)
}

// baseSelector excludes the pause-container and pod-less cadvisor series
// every cluster exposes.
func baseSelector() scope.Selector {
	return scope.NewSelector().NotEqual("container", "").NotEqual("pod", "")
}

func (p *PrometheusSource) queryVector(ctx context.Context, expr string) (model.Vector, error) {
	var vector model.Vector
	err := retryOnce(ctx, p.backoff, func() error {
		result, warnings, err := p.client.Query(ctx, expr, time.Now())
		if err != nil {
			return err
		}
		if len(warnings) > 0 {
			p.log.WithField("warnings", warnings).Warn("Prometheus query returned warnings")
		}
		v, ok := result.(model.Vector)
		if !ok {
			return fmt.Errorf("unexpected result type %s for instant query", result.Type())
		}
		vector = v
		return nil
	})
	if err != nil {
		return nil, &UnavailableError{Source: p.Name(), Err: err}
	}
	return vector, nil
}

func vectorMean(vec model.Vector) float64 {
	if len(vec) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range vec {
		sum += float64(s.Value)
	}
	return sum / float64(len(vec))
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// promDuration renders a Go duration in PromQL's duration syntax.
func promDuration(d time.Duration) string {
	if d <= 0 {
		return "1m"
	}
	if d%time.Hour == 0 {
		return fmt.Sprintf("%dh", int64(d/time.Hour))
	}
	if d%time.Minute == 0 {
		return fmt.Sprintf("%dm", int64(d/time.Minute))
	}
	return fmt.Sprintf("%ds", int64(d/time.Second))
}
