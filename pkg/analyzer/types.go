package analyzer

import "time"

// MetricSample represents a single metric data point.
type MetricSample struct {
	Timestamp time.Time
	Value     float64
}

// RollingMetrics is a current-state snapshot derived by averaging a
// sample sequence over a trailing window. SampleCount distinguishes
// "no load" (zero means, zero samples) from a zero-valued average.
type RollingMetrics struct {
	CPUMean     float64
	MemoryMean  float64
	WindowStart time.Time
	WindowEnd   time.Time
	SampleCount int
}

// Direction classifies a usage trend.
type Direction string

const (
	DirectionIncreasing       Direction = "increasing"
	DirectionDecreasing       Direction = "decreasing"
	DirectionStable           Direction = "stable"
	DirectionInsufficientData Direction = "insufficient_data"
)

// TrendResult describes the fitted trend over a historical window.
// DaysUntilThreshold is -1 when the series is non-increasing and will
// never cross an upward threshold; ProjectedDate is nil in that case.
type TrendResult struct {
	DailyChangePercent  float64    `json:"daily_change_percent"`
	WeeklyChangePercent float64    `json:"weekly_change_percent"`
	Direction           Direction  `json:"direction"`
	DaysUntilThreshold  int        `json:"days_until_threshold"`
	ProjectedDate       *time.Time `json:"projected_date,omitempty"`
	Confidence          float64    `json:"confidence"`
}
