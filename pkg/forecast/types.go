package forecast

import (
	"time"

	"github.com/opscart/k8s-capacity-forecaster/pkg/analyzer"
	"github.com/opscart/k8s-capacity-forecaster/pkg/capacity"
	"github.com/opscart/k8s-capacity-forecaster/pkg/scope"
)

// PredictionRequest asks for a time-specific usage forecast for a scope.
// Hour and DayOfWeek are optional; unset means "this hour" and "today".
// DayOfWeek uses 0=Monday..6=Sunday on the wire.
type PredictionRequest struct {
	Kind       scope.Kind
	Namespace  string
	Deployment string
	Pod        string

	Hour      *int
	DayOfWeek *int
	Model     string

	// IncludeTrend augments the response with a trend direction label
	// at the cost of one extra historical query.
	IncludeTrend bool
}

// CurrentMetrics echoes the rolling means the forecast was based on,
// expressed as percentages.
type CurrentMetrics struct {
	CPURollingMean    float64   `json:"cpu_rolling_mean"`
	MemoryRollingMean float64   `json:"memory_rolling_mean"`
	WindowStart       time.Time `json:"window_start"`
	WindowEnd         time.Time `json:"window_end"`
	SampleCount       int       `json:"sample_count"`
}

// PredictionResponse is a pure function of the request and the external
// services' state at the time of the call; it is never persisted.
type PredictionResponse struct {
	Scope  string `json:"scope"`
	Target string `json:"target"`

	PredictedCPUPercent    float64 `json:"predicted_cpu_percent"`
	PredictedMemoryPercent float64 `json:"predicted_memory_percent"`
	Confidence             float64 `json:"confidence"`

	// LowConfidence flags predictions the model scored below 0.5. The
	// numeric values are still returned; policy is left to the caller.
	LowConfidence bool `json:"low_confidence,omitempty"`

	CurrentMetrics  CurrentMetrics `json:"current_metrics"`
	TargetTimestamp time.Time      `json:"target_timestamp"`

	Model        string `json:"model"`
	ModelVersion string `json:"model_version,omitempty"`

	TrendDirection analyzer.Direction `json:"trend_direction,omitempty"`
}

// CapacityRequest asks how much additional workload fits in a namespace
// (or the cluster, when Namespace is empty).
type CapacityRequest struct {
	Namespace string
	Profiles  []capacity.PodProfile

	// SafetyMarginPercent overrides the configured default when set.
	SafetyMarginPercent *float64

	IncludeTrending bool
}
