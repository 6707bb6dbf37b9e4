package forecast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opscart/k8s-capacity-forecaster/pkg/analyzer"
	"github.com/opscart/k8s-capacity-forecaster/pkg/cache"
	"github.com/opscart/k8s-capacity-forecaster/pkg/capacity"
	"github.com/opscart/k8s-capacity-forecaster/pkg/datasource"
	"github.com/opscart/k8s-capacity-forecaster/pkg/inference"
	"github.com/opscart/k8s-capacity-forecaster/pkg/quota"
	"github.com/opscart/k8s-capacity-forecaster/pkg/scope"
)

const (
	// lowConfidenceThreshold flags, but does not suppress, weak
	// predictions.
	lowConfidenceThreshold = 0.5

	// defaultConfidence is assumed when the model omits a confidence
	// block.
	defaultConfidence = 0.85
)

// Options tune the engine's windows and defaults.
type Options struct {
	RollingWindow         time.Duration
	TrendWindow           time.Duration
	TrendStep             time.Duration
	TrendThresholdPercent float64
	SafetyMarginPercent   float64
	CacheTTL              time.Duration
	DefaultModel          string
}

// Engine turns raw resource metrics into usage predictions and capacity
// reports. All state is request-scoped except the response cache, which
// it owns for its lifetime.
type Engine struct {
	metrics   datasource.MetricsSource
	quotas    quota.Source
	inference inference.Client
	cache     *cache.ResponseCache
	log       *logrus.Logger
	opts      Options
}

func NewEngine(metrics datasource.MetricsSource, quotas quota.Source, inf inference.Client, responseCache *cache.ResponseCache, log *logrus.Logger, opts Options) *Engine {
	if opts.DefaultModel == "" {
		opts.DefaultModel = "predictive-analytics"
	}
	return &Engine{
		metrics:   metrics,
		quotas:    quotas,
		inference: inf,
		cache:     responseCache,
		log:       log,
		opts:      opts,
	}
}

// Close releases engine-owned state.
func (e *Engine) Close() {
	e.cache.Clear()
}

// Predict resolves the scope, fetches rolling means, invokes the
// inference service with the fixed-order feature vector
// [hour, dayOfWeek, cpuRollingMean, memoryRollingMean], and maps the
// fractional outputs to percentages. A metrics failure fails fast
// before inference: calling the model with zeroed inputs would produce
// a plausible-looking wrong answer.
func (e *Engine) Predict(ctx context.Context, req PredictionRequest) (*PredictionResponse, error) {
	kind := req.Kind
	if kind == "" {
		kind = scope.Infer(req.Namespace, req.Deployment, req.Pod)
	}
	spec, err := scope.Resolve(kind, req.Namespace, req.Deployment, req.Pod)
	if err != nil {
		return nil, classify(err)
	}

	if req.Hour != nil && (*req.Hour < 0 || *req.Hour > 23) {
		return nil, invalidRequest("hour must be between 0-23")
	}
	if req.DayOfWeek != nil && (*req.DayOfWeek < 0 || *req.DayOfWeek > 6) {
		return nil, invalidRequest("day_of_week must be between 0-6 (0=Monday, 6=Sunday)")
	}

	model := req.Model
	if model == "" {
		model = e.opts.DefaultModel
	}

	now := time.Now().UTC()
	hour := now.Hour()
	if req.Hour != nil {
		hour = *req.Hour
	}
	dayOfWeek := mondayIndexed(now.Weekday())
	if req.DayOfWeek != nil {
		dayOfWeek = *req.DayOfWeek
	}

	key := cache.KeyWithParams(cache.Key("predict", spec.Key(), model, now), hour, dayOfWeek, req.IncludeTrend)
	value, err := e.cache.GetOrCompute(key, e.opts.CacheTTL, func() (interface{}, error) {
		resp, err := e.predict(ctx, spec, model, hour, dayOfWeek, req)
		if err != nil {
			return nil, err
		}
		return *resp, nil
	})
	if err != nil {
		return nil, classify(err)
	}

	resp := value.(PredictionResponse)
	return &resp, nil
}

func (e *Engine) predict(ctx context.Context, spec *scope.Spec, model string, hour, dayOfWeek int, req PredictionRequest) (*PredictionResponse, error) {
	rolling, err := e.metrics.CurrentUsage(ctx, spec, e.opts.RollingWindow)
	if err != nil {
		return nil, err
	}

	instances := [][]float64{{float64(hour), float64(dayOfWeek), rolling.CPUMean, rolling.MemoryMean}}
	prediction, err := e.inference.Predict(ctx, model, instances)
	if err != nil {
		return nil, err
	}

	if len(prediction.Predictions) == 0 {
		return nil, &inference.Error{
			Kind:  inference.KindInvalidModelOutput,
			Model: model,
			Err:   errors.New("model returned no prediction rows"),
		}
	}
	row := prediction.Predictions[0]
	if len(row) < 2 {
		return nil, &inference.Error{
			Kind:  inference.KindInvalidModelOutput,
			Model: model,
			Err:   errors.New("prediction row needs cpu and memory values"),
		}
	}

	confidence := defaultConfidence
	if len(prediction.Confidence) > 0 {
		confidence = prediction.Confidence[0]
	}

	resp := &PredictionResponse{
		Scope:                  string(spec.Kind),
		Target:                 spec.Target(),
		PredictedCPUPercent:    clampPercent(row[0] * 100),
		PredictedMemoryPercent: clampPercent(row[1] * 100),
		Confidence:             confidence,
		LowConfidence:          confidence < lowConfidenceThreshold,
		CurrentMetrics: CurrentMetrics{
			CPURollingMean:    rolling.CPUMean * 100,
			MemoryRollingMean: rolling.MemoryMean * 100,
			WindowStart:       rolling.WindowStart,
			WindowEnd:         rolling.WindowEnd,
			SampleCount:       rolling.SampleCount,
		},
		TargetTimestamp: targetTimestamp(time.Now().UTC(), req.Hour, req.DayOfWeek),
		Model:           model,
		ModelVersion:    prediction.ModelVersion,
	}

	if req.IncludeTrend {
		resp.TrendDirection = e.trendLabel(ctx, spec)
	}

	e.log.WithFields(logrus.Fields{
		"scope":          resp.Scope,
		"target":         resp.Target,
		"cpu_percent":    resp.PredictedCPUPercent,
		"memory_percent": resp.PredictedMemoryPercent,
		"confidence":     resp.Confidence,
		"model":          model,
	}).Info("Prediction completed")

	return resp, nil
}

// trendLabel is best-effort response augmentation; any failure just
// leaves the label empty.
func (e *Engine) trendLabel(ctx context.Context, spec *scope.Spec) analyzer.Direction {
	samples, err := e.metrics.History(ctx, spec, datasource.MetricCPU, e.opts.TrendWindow, e.opts.TrendStep)
	if err != nil {
		return ""
	}
	trend, err := analyzer.Analyze(samples, e.opts.TrendThresholdPercent/100)
	if err != nil {
		return ""
	}
	return trend.Direction
}

// AnalyzeCapacity combines quota, current usage, and pod-profile sizing
// into a headroom report. The quota lookup and the trend history query
// are independent reads and run in parallel. Missing history degrades
// the report (trending omitted, marked incomplete) instead of failing
// it.
func (e *Engine) AnalyzeCapacity(ctx context.Context, req CapacityRequest) (*capacity.Report, error) {
	profiles := req.Profiles
	if len(profiles) == 0 {
		builtin := capacity.BuiltinProfiles()
		for _, name := range []string{"small", "medium", "large"} {
			profiles = append(profiles, builtin[name])
		}
	}

	margin := e.opts.SafetyMarginPercent
	if req.SafetyMarginPercent != nil {
		margin = *req.SafetyMarginPercent
	}
	calc, err := capacity.NewCalculator(margin)
	if err != nil {
		return nil, invalidRequest("%v", err)
	}

	kind := scope.KindNamespace
	if req.Namespace == "" {
		kind = scope.KindCluster
	}
	spec, err := scope.Resolve(kind, req.Namespace, "", "")
	if err != nil {
		return nil, classify(err)
	}

	key := cache.KeyWithParams(cache.Key("capacity", spec.Key(), "usage", time.Now().UTC()), margin, profilesKey(profiles), req.IncludeTrending)
	value, err := e.cache.GetOrCompute(key, e.opts.CacheTTL, func() (interface{}, error) {
		report, err := e.analyzeCapacity(ctx, spec, calc, profiles, req)
		if err != nil {
			return nil, err
		}
		return *report, nil
	})
	if err != nil {
		return nil, classify(err)
	}

	// Hand each caller its own copy so a cached report can never be
	// mutated through a shared map.
	report := value.(capacity.Report)
	return cloneReport(&report), nil
}

func (e *Engine) analyzeCapacity(ctx context.Context, spec *scope.Spec, calc *capacity.Calculator, profiles []capacity.PodProfile, req CapacityRequest) (*capacity.Report, error) {
	var (
		snap             *quota.Snapshot
		trend            *analyzer.TrendResult
		trendDegradation string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := e.quotas.GetQuota(gctx, req.Namespace)
		if err != nil {
			return err
		}
		snap = s
		return nil
	})
	if req.IncludeTrending {
		g.Go(func() error {
			samples, err := e.metrics.History(gctx, spec, datasource.MetricCPU, e.opts.TrendWindow, e.opts.TrendStep)
			if errors.Is(err, datasource.ErrHistoryUnsupported) {
				trendDegradation = "metrics source keeps no history"
				return nil
			}
			if err != nil {
				return err
			}
			t, err := analyzer.Analyze(samples, e.opts.TrendThresholdPercent/100)
			if errors.Is(err, analyzer.ErrInsufficientData) {
				trendDegradation = "fewer than two historical samples"
				return nil
			}
			if err != nil {
				return err
			}
			trend = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report, err := calc.Analyze(snap.Quota, snap.Used, profiles)
	if err != nil {
		return nil, invalidRequest("%v", err)
	}

	if req.IncludeTrending {
		if trend != nil {
			report.Trending = trend
		} else {
			report.Incomplete = true
			report.IncompleteReason = "trending omitted: " + trendDegradation
		}
	}

	e.log.WithFields(logrus.Fields{
		"target":          spec.Target(),
		"limiting_factor": report.LimitingFactor,
		"unbounded":       report.Unbounded,
		"incomplete":      report.Incomplete,
	}).Info("Capacity analysis completed")

	return report, nil
}

// targetTimestamp advances now to the next occurrence of the requested
// hour and day of week. Wire format is 0=Monday..6=Sunday; Go weekdays
// are Sunday-based. An unset hour means the current hour and is always
// satisfiable today; only an explicitly requested hour that has already
// passed rolls the target forward (a day, or a week when a day of week
// was requested).
func targetTimestamp(now time.Time, hour, dayOfWeek *int) time.Time {
	h := now.Hour()
	if hour != nil {
		h = *hour
	}

	if dayOfWeek == nil {
		target := time.Date(now.Year(), now.Month(), now.Day(), h, 0, 0, 0, time.UTC)
		if hour != nil && h <= now.Hour() && !target.After(now) {
			target = target.AddDate(0, 0, 1)
		}
		return target
	}

	goTargetDay := (*dayOfWeek + 1) % 7
	daysUntil := goTargetDay - int(now.Weekday())
	if daysUntil < 0 {
		daysUntil += 7
	}
	if daysUntil == 0 && hour != nil && h <= now.Hour() {
		daysUntil = 7
	}

	targetDate := now.AddDate(0, 0, daysUntil)
	return time.Date(targetDate.Year(), targetDate.Month(), targetDate.Day(), h, 0, 0, 0, time.UTC)
}

// mondayIndexed converts Go's Sunday-based weekday to the wire format.
func mondayIndexed(d time.Weekday) int {
	return (int(d) + 6) % 7
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// profilesKey canonicalizes the profile list for the cache key. The
// name alone cannot distinguish entries: custom profiles all share one
// name and differ only in their requests.
func profilesKey(profiles []capacity.PodProfile) string {
	key := ""
	for _, p := range profiles {
		key += fmt.Sprintf("%s:%d:%d;", p.Name, p.CPUMillicores, p.MemoryBytes)
	}
	return key
}

func cloneReport(r *capacity.Report) *capacity.Report {
	out := *r
	out.PodEstimates = make(map[string]capacity.PodEstimate, len(r.PodEstimates))
	for name, est := range r.PodEstimates {
		out.PodEstimates[name] = est
	}
	if r.Trending != nil {
		trend := *r.Trending
		out.Trending = &trend
	}
	return &out
}
