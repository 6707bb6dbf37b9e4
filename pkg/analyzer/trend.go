package analyzer

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInsufficientData is returned when fewer than two samples are
// available. Callers degrade by omitting trend fields rather than
// failing the whole request.
var ErrInsufficientData = errors.New("insufficient data for trend analysis (need 2+ samples)")

// InvalidSampleError reports a sample the store should never surface for
// a usage metric. Values are not clamped; bad input is rejected.
type InvalidSampleError struct {
	Index int
	Value float64
}

func (e *InvalidSampleError) Error() string {
	return fmt.Sprintf("invalid sample at index %d: negative usage value %g", e.Index, e.Value)
}

// Analyze fits an ordinary least-squares line through the samples and
// projects when the given threshold will be crossed. Timestamps are
// converted to a day offset from the first sample, so the slope is in
// value units per day. Deliberately simple: no seasonality, O(n).
func Analyze(samples []MetricSample, threshold float64) (*TrendResult, error) {
	for i, s := range samples {
		if s.Value < 0 {
			return nil, &InvalidSampleError{Index: i, Value: s.Value}
		}
	}

	if len(samples) < 2 {
		return &TrendResult{
			Direction:          DirectionInsufficientData,
			DaysUntilThreshold: -1,
			Confidence:         0,
		}, ErrInsufficientData
	}

	start := samples[0].Timestamp
	x := make([]float64, len(samples))
	y := make([]float64, len(samples))
	for i, s := range samples {
		x[i] = s.Timestamp.Sub(start).Hours() / 24.0
		y[i] = s.Value
	}

	slope, _, r2 := linearRegression(x, y)

	firstValue := samples[0].Value
	currentValue := samples[len(samples)-1].Value

	dailyChange := 0.0
	direction := DirectionStable
	if firstValue != 0 {
		dailyChange = slope / firstValue * 100
		if dailyChange > 0.5 {
			direction = DirectionIncreasing
		} else if dailyChange < -0.5 {
			direction = DirectionDecreasing
		}
	}

	result := &TrendResult{
		DailyChangePercent:  dailyChange,
		WeeklyChangePercent: dailyChange * 7,
		Direction:           direction,
		DaysUntilThreshold:  -1,
		Confidence:          clamp01(r2),
	}

	if dailyChange > 0 && slope > 0 {
		days := int(math.Ceil((threshold - currentValue) / slope))
		if days < 0 {
			days = 0
		}
		result.DaysUntilThreshold = days
		projected := time.Now().AddDate(0, 0, days)
		result.ProjectedDate = &projected
	}

	return result, nil
}

// Mean averages the sample values. Zero for an empty series.
func Mean(samples []MetricSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += s.Value
	}
	return sum / float64(len(samples))
}

// linearRegression fits y = slope*x + intercept and reports the
// coefficient of determination.
func linearRegression(x, y []float64) (slope, intercept, r2 float64) {
	n := float64(len(x))
	if n == 0 {
		return 0, 0, 0
	}

	meanX := mean(x)
	meanY := mean(y)

	numerator := 0.0
	denominator := 0.0
	for i := range x {
		numerator += (x[i] - meanX) * (y[i] - meanY)
		denominator += (x[i] - meanX) * (x[i] - meanX)
	}
	if denominator == 0 {
		return 0, meanY, 0
	}

	slope = numerator / denominator
	intercept = meanY - slope*meanX

	ssRes := 0.0
	ssTot := 0.0
	for i := range x {
		predicted := slope*x[i] + intercept
		ssRes += (y[i] - predicted) * (y[i] - predicted)
		ssTot += (y[i] - meanY) * (y[i] - meanY)
	}

	if ssTot == 0 {
		return slope, intercept, 0
	}
	return slope, intercept, 1.0 - ssRes/ssTot
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
