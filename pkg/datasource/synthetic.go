package datasource

import (
	"context"
	"math"
	"time"

	"github.com/opscart/k8s-capacity-forecaster/pkg/analyzer"
	"github.com/opscart/k8s-capacity-forecaster/pkg/scope"
)

// SyntheticSource generates a deterministic business-hours usage pattern
// for demos and tests. It is selected by configuration at startup and
// implements the same interface as the live sources, so no business
// logic branches on it.
type SyntheticSource struct {
	// BaseCPU/BaseMemory are the mean utilization fractions the daily
	// wave oscillates around.
	BaseCPU    float64
	BaseMemory float64
	// DailyGrowth shifts the baseline per day, letting trend analysis
	// see an increasing series.
	DailyGrowth float64
}

func NewSyntheticSource() *SyntheticSource {
	return &SyntheticSource{
		BaseCPU:    0.55,
		BaseMemory: 0.65,
	}
}

func (s *SyntheticSource) Name() string { return "synthetic" }

func (s *SyntheticSource) IsAvailable(ctx context.Context) bool { return true }

func (s *SyntheticSource) CurrentUsage(ctx context.Context, sc *scope.Spec, window time.Duration) (*analyzer.RollingMetrics, error) {
	now := time.Now()
	cpuSamples, _ := s.History(ctx, sc, MetricCPU, window, 5*time.Minute)
	memSamples, _ := s.History(ctx, sc, MetricMemory, window, 5*time.Minute)

	return &analyzer.RollingMetrics{
		CPUMean:     analyzer.Mean(cpuSamples),
		MemoryMean:  analyzer.Mean(memSamples),
		WindowStart: now.Add(-window),
		WindowEnd:   now,
		SampleCount: len(cpuSamples) + len(memSamples),
	}, nil
}

func (s *SyntheticSource) History(ctx context.Context, sc *scope.Spec, metric Metric, window, step time.Duration) ([]analyzer.MetricSample, error) {
	if step <= 0 {
		step = 5 * time.Minute
	}
	end := time.Now()
	start := end.Add(-window)

	base := s.BaseCPU
	amplitude := 0.15
	if metric == MetricMemory {
		base = s.BaseMemory
		amplitude = 0.10
	}

	var samples []analyzer.MetricSample
	for t := start; !t.After(end); t = t.Add(step) {
		samples = append(samples, analyzer.MetricSample{
			Timestamp: t,
			Value:     clampUnit(s.valueAt(t, start, base, amplitude)),
		})
	}
	return samples, nil
}

// valueAt peaks mid-afternoon and bottoms out overnight.
func (s *SyntheticSource) valueAt(t, seriesStart time.Time, base, amplitude float64) float64 {
	hour := float64(t.Hour()) + float64(t.Minute())/60.0
	wave := amplitude * math.Sin(2*math.Pi*(hour-9)/24)
	growth := s.DailyGrowth * t.Sub(seriesStart).Hours() / 24.0
	return base + wave + growth
}
