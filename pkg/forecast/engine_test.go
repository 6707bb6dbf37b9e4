package forecast

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opscart/k8s-capacity-forecaster/pkg/analyzer"
	"github.com/opscart/k8s-capacity-forecaster/pkg/cache"
	"github.com/opscart/k8s-capacity-forecaster/pkg/capacity"
	"github.com/opscart/k8s-capacity-forecaster/pkg/datasource"
	"github.com/opscart/k8s-capacity-forecaster/pkg/inference"
	"github.com/opscart/k8s-capacity-forecaster/pkg/quota"
	"github.com/opscart/k8s-capacity-forecaster/pkg/scope"
)

type fakeMetrics struct {
	rolling     *analyzer.RollingMetrics
	rollingErr  error
	history     []analyzer.MetricSample
	historyErr  error
	usageCalls  int
	historyCall int
}

func (f *fakeMetrics) CurrentUsage(ctx context.Context, sc *scope.Spec, window time.Duration) (*analyzer.RollingMetrics, error) {
	f.usageCalls++
	if f.rollingErr != nil {
		return nil, f.rollingErr
	}
	return f.rolling, nil
}

func (f *fakeMetrics) History(ctx context.Context, sc *scope.Spec, metric datasource.Metric, window, step time.Duration) ([]analyzer.MetricSample, error) {
	f.historyCall++
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.history, nil
}

func (f *fakeMetrics) IsAvailable(ctx context.Context) bool { return true }

func (f *fakeMetrics) Name() string { return "fake" }

type fakeQuota struct {
	snap *quota.Snapshot
	err  error
}

func (f *fakeQuota) GetQuota(ctx context.Context, namespace string) (*quota.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.snap, nil
}

type fakeInference struct {
	prediction *inference.Prediction
	err        error
	calls      int
	gotModel   string
	gotRows    [][]float64
}

func (f *fakeInference) Predict(ctx context.Context, model string, instances [][]float64) (*inference.Prediction, error) {
	f.calls++
	f.gotModel = model
	f.gotRows = instances
	if f.err != nil {
		return nil, f.err
	}
	return f.prediction, nil
}

func (f *fakeInference) Ready(ctx context.Context, model string) error { return f.err }

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testOptions() Options {
	return Options{
		RollingWindow:         24 * time.Hour,
		TrendWindow:           7 * 24 * time.Hour,
		TrendStep:             time.Hour,
		TrendThresholdPercent: 80,
		SafetyMarginPercent:   15,
		CacheTTL:              time.Minute,
	}
}

func healthyMetrics() *fakeMetrics {
	return &fakeMetrics{
		rolling: &analyzer.RollingMetrics{
			CPUMean:     0.682,
			MemoryMean:  0.745,
			WindowStart: time.Now().Add(-24 * time.Hour),
			WindowEnd:   time.Now(),
			SampleCount: 288,
		},
	}
}

func healthyInference() *fakeInference {
	return &fakeInference{
		prediction: &inference.Prediction{
			Predictions:  [][]float64{{0.745, 0.812}},
			Confidence:   []float64{0.91},
			ModelVersion: "v3",
		},
	}
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func TestPredictNamespaceScope(t *testing.T) {
	metrics := healthyMetrics()
	inf := healthyInference()
	engine := NewEngine(metrics, &fakeQuota{}, inf, cache.New(), quietLogger(), testOptions())

	resp, err := engine.Predict(context.Background(), PredictionRequest{
		Namespace: "ns1",
		Hour:      intPtr(15),
		DayOfWeek: intPtr(3),
	})
	require.NoError(t, err)

	assert.Equal(t, "namespace", resp.Scope)
	assert.Equal(t, "ns1", resp.Target)
	assert.InDelta(t, 74.5, resp.PredictedCPUPercent, 0.001)
	assert.InDelta(t, 81.2, resp.PredictedMemoryPercent, 0.001)
	assert.Equal(t, 0.91, resp.Confidence)
	assert.False(t, resp.LowConfidence)
	assert.Equal(t, "predictive-analytics", resp.Model)
	assert.Equal(t, "v3", resp.ModelVersion)

	// Feature vector order is fixed: hour, day, cpu mean, memory mean.
	require.Len(t, inf.gotRows, 1)
	assert.Equal(t, []float64{15, 3, 0.682, 0.745}, inf.gotRows[0])

	assert.Equal(t, 15, resp.TargetTimestamp.Hour())
	assert.InDelta(t, 68.2, resp.CurrentMetrics.CPURollingMean, 0.001)
	assert.Equal(t, 288, resp.CurrentMetrics.SampleCount)
}

func TestPredictInfersScopeFromFields(t *testing.T) {
	engine := NewEngine(healthyMetrics(), &fakeQuota{}, healthyInference(), cache.New(), quietLogger(), testOptions())

	resp, err := engine.Predict(context.Background(), PredictionRequest{
		Namespace:  "ns1",
		Deployment: "api",
	})
	require.NoError(t, err)
	assert.Equal(t, "deployment", resp.Scope)
	assert.Equal(t, "ns1/api", resp.Target)
}

func TestPredictValidation(t *testing.T) {
	engine := NewEngine(healthyMetrics(), &fakeQuota{}, healthyInference(), cache.New(), quietLogger(), testOptions())

	cases := []struct {
		name string
		req  PredictionRequest
	}{
		{"hour out of range", PredictionRequest{Namespace: "ns1", Hour: intPtr(24)}},
		{"negative hour", PredictionRequest{Namespace: "ns1", Hour: intPtr(-1)}},
		{"day out of range", PredictionRequest{Namespace: "ns1", DayOfWeek: intPtr(7)}},
		{"pod and deployment together", PredictionRequest{Namespace: "ns1", Pod: "p1", Deployment: "api"}},
		{"pod without namespace", PredictionRequest{Kind: scope.KindPod, Pod: "p1"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.Predict(context.Background(), tc.req)
			var engineErr *Error
			require.ErrorAs(t, err, &engineErr)
			assert.Equal(t, CodeInvalidRequest, engineErr.Code)
		})
	}
}

func TestPredictFailsFastOnMetricsError(t *testing.T) {
	metrics := &fakeMetrics{rollingErr: &datasource.UnavailableError{Source: "fake", Err: errors.New("refused")}}
	inf := healthyInference()
	engine := NewEngine(metrics, &fakeQuota{}, inf, cache.New(), quietLogger(), testOptions())

	_, err := engine.Predict(context.Background(), PredictionRequest{Namespace: "ns1"})
	var engineErr *Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, CodeMetricsUnavailable, engineErr.Code)

	// The model must never be called with fabricated inputs.
	assert.Zero(t, inf.calls)
}

func TestPredictModelUnavailable(t *testing.T) {
	inf := &fakeInference{err: &inference.Error{Kind: inference.KindModelUnavailable, Model: "m", Err: errors.New("503")}}
	engine := NewEngine(healthyMetrics(), &fakeQuota{}, inf, cache.New(), quietLogger(), testOptions())

	_, err := engine.Predict(context.Background(), PredictionRequest{Namespace: "ns1"})
	var engineErr *Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, CodeModelUnavailable, engineErr.Code)
}

func TestPredictShortPredictionRow(t *testing.T) {
	inf := &fakeInference{prediction: &inference.Prediction{Predictions: [][]float64{{0.7}}}}
	engine := NewEngine(healthyMetrics(), &fakeQuota{}, inf, cache.New(), quietLogger(), testOptions())

	_, err := engine.Predict(context.Background(), PredictionRequest{Namespace: "ns1"})
	var engineErr *Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, CodeInvalidModelOutput, engineErr.Code)
}

func TestPredictEmptyPredictionSet(t *testing.T) {
	inf := &fakeInference{prediction: &inference.Prediction{Predictions: [][]float64{}}}
	engine := NewEngine(healthyMetrics(), &fakeQuota{}, inf, cache.New(), quietLogger(), testOptions())

	_, err := engine.Predict(context.Background(), PredictionRequest{Namespace: "ns1"})
	var engineErr *Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, CodeInvalidModelOutput, engineErr.Code)
}

func TestPredictClampsOutOfRangeOutputs(t *testing.T) {
	inf := &fakeInference{prediction: &inference.Prediction{Predictions: [][]float64{{1.2, -0.1}}}}
	engine := NewEngine(healthyMetrics(), &fakeQuota{}, inf, cache.New(), quietLogger(), testOptions())

	resp, err := engine.Predict(context.Background(), PredictionRequest{Namespace: "ns1"})
	require.NoError(t, err)
	assert.Equal(t, 100.0, resp.PredictedCPUPercent)
	assert.Equal(t, 0.0, resp.PredictedMemoryPercent)
}

func TestPredictLowConfidenceFlag(t *testing.T) {
	cases := []struct {
		confidence float64
		low        bool
	}{
		{0.49, true},
		{0.50, false},
		{0.91, false},
	}

	for _, tc := range cases {
		inf := &fakeInference{prediction: &inference.Prediction{
			Predictions: [][]float64{{0.5, 0.5}},
			Confidence:  []float64{tc.confidence},
		}}
		engine := NewEngine(healthyMetrics(), &fakeQuota{}, inf, cache.New(), quietLogger(), testOptions())

		resp, err := engine.Predict(context.Background(), PredictionRequest{Namespace: "ns1"})
		require.NoError(t, err)
		assert.Equal(t, tc.low, resp.LowConfidence, "confidence %g", tc.confidence)
		assert.Equal(t, tc.confidence, resp.Confidence)
	}
}

func TestPredictDefaultConfidence(t *testing.T) {
	inf := &fakeInference{prediction: &inference.Prediction{Predictions: [][]float64{{0.5, 0.5}}}}
	engine := NewEngine(healthyMetrics(), &fakeQuota{}, inf, cache.New(), quietLogger(), testOptions())

	resp, err := engine.Predict(context.Background(), PredictionRequest{Namespace: "ns1"})
	require.NoError(t, err)
	assert.Equal(t, defaultConfidence, resp.Confidence)
	assert.False(t, resp.LowConfidence)
}

func TestPredictCachesWithinBucket(t *testing.T) {
	metrics := healthyMetrics()
	inf := healthyInference()
	engine := NewEngine(metrics, &fakeQuota{}, inf, cache.New(), quietLogger(), testOptions())

	req := PredictionRequest{Namespace: "ns1", Hour: intPtr(10), DayOfWeek: intPtr(1)}
	first, err := engine.Predict(context.Background(), req)
	require.NoError(t, err)
	second, err := engine.Predict(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 1, metrics.usageCalls)
	assert.Equal(t, 1, inf.calls)
	assert.Equal(t, first.PredictedCPUPercent, second.PredictedCPUPercent)

	// Different hour is a different cache entry.
	_, err = engine.Predict(context.Background(), PredictionRequest{Namespace: "ns1", Hour: intPtr(11), DayOfWeek: intPtr(1)})
	require.NoError(t, err)
	assert.Equal(t, 2, inf.calls)
}

func TestPredictIncludeTrend(t *testing.T) {
	metrics := healthyMetrics()
	start := time.Now().Add(-7 * 24 * time.Hour)
	for i := 0; i < 7; i++ {
		metrics.history = append(metrics.history, analyzer.MetricSample{
			Timestamp: start.Add(time.Duration(i) * 24 * time.Hour),
			Value:     0.5 + float64(i)*0.02,
		})
	}
	engine := NewEngine(metrics, &fakeQuota{}, healthyInference(), cache.New(), quietLogger(), testOptions())

	resp, err := engine.Predict(context.Background(), PredictionRequest{Namespace: "ns1", IncludeTrend: true})
	require.NoError(t, err)
	assert.Equal(t, analyzer.DirectionIncreasing, resp.TrendDirection)
}

func boundedSnapshot() *quota.Snapshot {
	return &quota.Snapshot{
		Quota: capacity.QuotaSnapshot{
			CPULimitMillicores: 2000,
			MemoryLimitBytes:   2048 * 1024 * 1024,
			PodCountLimit:      50,
			HasQuota:           true,
		},
		Used: capacity.Usage{
			CPUMillicores: 500,
			MemoryBytes:   512 * 1024 * 1024,
			PodCount:      10,
		},
	}
}

func TestAnalyzeCapacityDefaults(t *testing.T) {
	engine := NewEngine(healthyMetrics(), &fakeQuota{snap: boundedSnapshot()}, healthyInference(), cache.New(), quietLogger(), testOptions())

	report, err := engine.AnalyzeCapacity(context.Background(), CapacityRequest{Namespace: "ns1"})
	require.NoError(t, err)

	// All three builtin sizes are evaluated when nothing is selected.
	assert.Len(t, report.PodEstimates, 3)
	assert.Contains(t, report.PodEstimates, "small")
	assert.Contains(t, report.PodEstimates, "medium")
	assert.Contains(t, report.PodEstimates, "large")
	assert.False(t, report.Unbounded)
	assert.Nil(t, report.Trending)
	assert.False(t, report.Incomplete)
}

func TestAnalyzeCapacityQuotaUnavailable(t *testing.T) {
	quotas := &fakeQuota{err: &quota.UnavailableError{Err: errors.New("api down")}}
	engine := NewEngine(healthyMetrics(), quotas, healthyInference(), cache.New(), quietLogger(), testOptions())

	_, err := engine.AnalyzeCapacity(context.Background(), CapacityRequest{Namespace: "ns1"})
	var engineErr *Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, CodeQuotaUnavailable, engineErr.Code)
}

func TestAnalyzeCapacityTrendingDegradesWithoutHistory(t *testing.T) {
	metrics := healthyMetrics()
	metrics.historyErr = datasource.ErrHistoryUnsupported
	engine := NewEngine(metrics, &fakeQuota{snap: boundedSnapshot()}, healthyInference(), cache.New(), quietLogger(), testOptions())

	report, err := engine.AnalyzeCapacity(context.Background(), CapacityRequest{Namespace: "ns1", IncludeTrending: true})
	require.NoError(t, err)

	assert.Nil(t, report.Trending)
	assert.True(t, report.Incomplete)
	assert.Contains(t, report.IncompleteReason, "trending omitted")
}

func TestAnalyzeCapacityWithTrending(t *testing.T) {
	metrics := healthyMetrics()
	start := time.Now().Add(-7 * 24 * time.Hour)
	for i := 0; i < 7; i++ {
		metrics.history = append(metrics.history, analyzer.MetricSample{
			Timestamp: start.Add(time.Duration(i) * 24 * time.Hour),
			Value:     0.5 + float64(i)*0.02,
		})
	}
	engine := NewEngine(metrics, &fakeQuota{snap: boundedSnapshot()}, healthyInference(), cache.New(), quietLogger(), testOptions())

	report, err := engine.AnalyzeCapacity(context.Background(), CapacityRequest{Namespace: "ns1", IncludeTrending: true})
	require.NoError(t, err)

	require.NotNil(t, report.Trending)
	assert.Equal(t, analyzer.DirectionIncreasing, report.Trending.Direction)
	assert.False(t, report.Incomplete)
}

func TestAnalyzeCapacityMarginOverride(t *testing.T) {
	engine := NewEngine(healthyMetrics(), &fakeQuota{snap: boundedSnapshot()}, healthyInference(), cache.New(), quietLogger(), testOptions())

	_, err := engine.AnalyzeCapacity(context.Background(), CapacityRequest{
		Namespace:           "ns1",
		SafetyMarginPercent: floatPtr(150),
	})
	var engineErr *Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, CodeInvalidRequest, engineErr.Code)
}

func TestAnalyzeCapacityReturnsIndependentCopies(t *testing.T) {
	engine := NewEngine(healthyMetrics(), &fakeQuota{snap: boundedSnapshot()}, healthyInference(), cache.New(), quietLogger(), testOptions())

	first, err := engine.AnalyzeCapacity(context.Background(), CapacityRequest{Namespace: "ns1"})
	require.NoError(t, err)
	first.PodEstimates["small"] = capacity.PodEstimate{MaxPods: -99}

	second, err := engine.AnalyzeCapacity(context.Background(), CapacityRequest{Namespace: "ns1"})
	require.NoError(t, err)
	assert.NotEqual(t, int64(-99), second.PodEstimates["small"].MaxPods,
		"mutating one caller's report leaked into the cache")
}

func TestAnalyzeCapacityDistinguishesCustomProfileSizes(t *testing.T) {
	engine := NewEngine(healthyMetrics(), &fakeQuota{snap: boundedSnapshot()}, healthyInference(), cache.New(), quietLogger(), testOptions())

	small, err := capacity.ParseProfile("custom", "100m", "128Mi")
	require.NoError(t, err)
	large, err := capacity.ParseProfile("custom", "1000m", "1Gi")
	require.NoError(t, err)

	// Both requests land in the same TTL window and hour bucket; only
	// the profile requests differ. 1500m/1536Mi headroom fits 12 of the
	// small profile and 1 of the large one.
	first, err := engine.AnalyzeCapacity(context.Background(), CapacityRequest{
		Namespace: "ns1",
		Profiles:  []capacity.PodProfile{small},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(12), first.PodEstimates["custom"].MaxPods)

	second, err := engine.AnalyzeCapacity(context.Background(), CapacityRequest{
		Namespace: "ns1",
		Profiles:  []capacity.PodProfile{large},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.PodEstimates["custom"].MaxPods,
		"same-name profiles with different requests must not share a cache entry")
}

func TestTargetTimestamp(t *testing.T) {
	// Wednesday 2026-03-11 10:00 UTC; wire format 0=Monday.
	now := time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC)
	require.Equal(t, time.Wednesday, now.Weekday())

	cases := []struct {
		name string
		hour *int
		day  *int
		want time.Time
	}{
		{"both unset means current hour today", nil, nil,
			time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC)},
		{"future hour today", intPtr(15), nil,
			time.Date(2026, 3, 11, 15, 0, 0, 0, time.UTC)},
		{"passed hour rolls to tomorrow", intPtr(8), nil,
			time.Date(2026, 3, 12, 8, 0, 0, 0, time.UTC)},
		{"same day future hour", intPtr(15), intPtr(2),
			time.Date(2026, 3, 11, 15, 0, 0, 0, time.UTC)},
		{"same day unset hour stays today", nil, intPtr(2),
			time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC)},
		{"same day passed hour rolls a week", intPtr(9), intPtr(2),
			time.Date(2026, 3, 18, 9, 0, 0, 0, time.UTC)},
		{"next monday", intPtr(9), intPtr(0),
			time.Date(2026, 3, 16, 9, 0, 0, 0, time.UTC)},
		{"upcoming sunday", intPtr(12), intPtr(6),
			time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := targetTimestamp(now, tc.hour, tc.day)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMondayIndexed(t *testing.T) {
	assert.Equal(t, 0, mondayIndexed(time.Monday))
	assert.Equal(t, 2, mondayIndexed(time.Wednesday))
	assert.Equal(t, 6, mondayIndexed(time.Sunday))
}

func TestClassifyDeadline(t *testing.T) {
	engineErr := classify(context.DeadlineExceeded)
	assert.Equal(t, CodeDeadlineExceeded, engineErr.Code)
}
