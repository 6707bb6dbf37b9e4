package datasource

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opscart/k8s-capacity-forecaster/pkg/scope"
)

func clusterScope(t *testing.T) *scope.Spec {
	t.Helper()
	sc, err := scope.Resolve(scope.KindCluster, "", "", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	return sc
}

func TestSyntheticCurrentUsage(t *testing.T) {
	src := NewSyntheticSource()
	sc := clusterScope(t)

	rolling, err := src.CurrentUsage(context.Background(), sc, 24*time.Hour)
	if err != nil {
		t.Fatalf("CurrentUsage failed: %v", err)
	}

	if rolling.CPUMean < 0 || rolling.CPUMean > 1 {
		t.Errorf("CPU mean outside unit range: %g", rolling.CPUMean)
	}
	if rolling.MemoryMean < 0 || rolling.MemoryMean > 1 {
		t.Errorf("Memory mean outside unit range: %g", rolling.MemoryMean)
	}
	if rolling.SampleCount == 0 {
		t.Error("Expected non-zero sample count")
	}

	// Over a full day the wave averages out near the baseline.
	if rolling.CPUMean < src.BaseCPU-0.05 || rolling.CPUMean > src.BaseCPU+0.05 {
		t.Errorf("Expected cpu mean near %g, got %g", src.BaseCPU, rolling.CPUMean)
	}
	if rolling.WindowEnd.Before(rolling.WindowStart) {
		t.Error("Window end precedes window start")
	}
}

func TestSyntheticHistory(t *testing.T) {
	src := NewSyntheticSource()
	sc := clusterScope(t)

	samples, err := src.History(context.Background(), sc, MetricCPU, 6*time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}

	if len(samples) != 7 {
		t.Errorf("Expected 7 hourly samples across 6 hours, got %d", len(samples))
	}
	for i := 1; i < len(samples); i++ {
		if !samples[i].Timestamp.After(samples[i-1].Timestamp) {
			t.Fatal("Samples are not in ascending time order")
		}
	}
	for i, s := range samples {
		if s.Value < 0 || s.Value > 1 {
			t.Errorf("Sample %d outside unit range: %g", i, s.Value)
		}
	}
}

func TestSyntheticGrowthVisibleInHistory(t *testing.T) {
	src := NewSyntheticSource()
	src.DailyGrowth = 0.05
	sc := clusterScope(t)

	samples, err := src.History(context.Background(), sc, MetricCPU, 7*24*time.Hour, 24*time.Hour)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(samples) < 2 {
		t.Fatalf("Expected multiple samples, got %d", len(samples))
	}

	// Daily steps cancel the diurnal wave, leaving only the growth term.
	first := samples[0].Value
	last := samples[len(samples)-1].Value
	if last <= first {
		t.Errorf("Expected growth across the window, got %g -> %g", first, last)
	}
}

func TestSyntheticIsAlwaysAvailable(t *testing.T) {
	src := NewSyntheticSource()
	if !src.IsAvailable(context.Background()) {
		t.Error("Synthetic source must always report available")
	}
	if src.Name() != "synthetic" {
		t.Errorf("Unexpected source name %q", src.Name())
	}
}

func TestRetryOnceRecovers(t *testing.T) {
	calls := 0
	err := retryOnce(context.Background(), time.Millisecond, func() error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected recovery on second attempt, got %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls)
	}
}

func TestRetryOnceGivesUpAfterSecondFailure(t *testing.T) {
	calls := 0
	boom := errors.New("still down")
	err := retryOnce(context.Background(), time.Millisecond, func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected the persistent error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected exactly 2 attempts, got %d", calls)
	}
}

func TestRetryOnceHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	boom := errors.New("down")
	err := retryOnce(ctx, time.Minute, func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected first error back, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Cancelled context must suppress the retry, got %d attempts", calls)
	}
}
