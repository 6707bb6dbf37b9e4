package capacity

import "fmt"

// Calculator combines quota, current usage, and pod-profile sizing into
// headroom reports.
type Calculator struct {
	safetyMarginPercent float64
}

// NewCalculator creates a calculator withholding the given percentage of
// headroom from safe-pod estimates.
func NewCalculator(safetyMarginPercent float64) (*Calculator, error) {
	if safetyMarginPercent < 0 || safetyMarginPercent >= 100 {
		return nil, fmt.Errorf("safety margin must be in [0, 100), got %g", safetyMarginPercent)
	}
	return &Calculator{safetyMarginPercent: safetyMarginPercent}, nil
}

// Analyze computes remaining headroom and per-profile pod fit. For each
// profile, maxPods is the minimum across the bounded dimensions of
// floor(available / request); safePods applies the safety margin to the
// cpu and memory headroom before dividing. The limiting factor is the
// dimension that produced the minimum.
func (c *Calculator) Analyze(quota QuotaSnapshot, usage Usage, profiles []PodProfile) (*Report, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("at least one pod profile is required")
	}
	for _, p := range profiles {
		if p.CPUMillicores <= 0 || p.MemoryBytes <= 0 {
			return nil, fmt.Errorf("profile %q: cpu and memory requests must be positive", p.Name)
		}
	}

	avail := availableHeadroom(quota, usage)

	report := &Report{
		CurrentUsage: usage,
		Available:    avail,
		PodEstimates: make(map[string]PodEstimate, len(profiles)),
	}

	// Overall limiting factor is taken from the tightest profile: the
	// one with the smallest remaining-slot count.
	report.LimitingFactor = LimitNone
	tightest := int64(-1)

	for _, p := range profiles {
		est := estimateProfile(avail, p, c.safetyMarginPercent)
		report.PodEstimates[p.Name] = est

		if est.Unbounded {
			continue
		}
		if tightest < 0 || est.MaxPods < tightest {
			tightest = est.MaxPods
			report.LimitingFactor = est.LimitingFactor
		}
	}

	if avail.CPUUnbounded && avail.MemoryUnbounded && avail.PodsUnbounded {
		report.Unbounded = true
	}

	return report, nil
}

// availableHeadroom derives per-dimension headroom from quota and usage.
// A missing quota object, or a zero limit on one resource, marks that
// dimension unbounded rather than producing a zero or negative slot
// count.
func availableHeadroom(quota QuotaSnapshot, usage Usage) Available {
	avail := Available{
		CPUUnbounded:    true,
		MemoryUnbounded: true,
		PodsUnbounded:   true,
	}
	if !quota.HasQuota {
		// Pod-count limits can exist independently of a resource quota
		// (e.g. from cluster allocatable totals).
		if quota.PodCountLimit > 0 {
			avail.PodsUnbounded = false
			avail.PodSlots = clampNonNegative(quota.PodCountLimit - usage.PodCount)
		}
		return avail
	}

	if quota.CPULimitMillicores > 0 {
		avail.CPUUnbounded = false
		avail.CPUMillicores = clampNonNegative(quota.CPULimitMillicores - usage.CPUMillicores)
	}
	if quota.MemoryLimitBytes > 0 {
		avail.MemoryUnbounded = false
		avail.MemoryBytes = clampNonNegative(quota.MemoryLimitBytes - usage.MemoryBytes)
	}
	if quota.PodCountLimit > 0 {
		avail.PodsUnbounded = false
		avail.PodSlots = clampNonNegative(quota.PodCountLimit - usage.PodCount)
	}
	return avail
}

func estimateProfile(avail Available, p PodProfile, marginPercent float64) PodEstimate {
	type dim struct {
		factor LimitingFactor
		max    int64
		safe   int64
	}

	scale := 1.0 - marginPercent/100.0

	var dims []dim
	if !avail.CPUUnbounded {
		dims = append(dims, dim{
			factor: LimitCPU,
			max:    avail.CPUMillicores / p.CPUMillicores,
			safe:   int64(float64(avail.CPUMillicores) * scale) / p.CPUMillicores,
		})
	}
	if !avail.MemoryUnbounded {
		dims = append(dims, dim{
			factor: LimitMemory,
			max:    avail.MemoryBytes / p.MemoryBytes,
			safe:   int64(float64(avail.MemoryBytes) * scale) / p.MemoryBytes,
		})
	}
	if !avail.PodsUnbounded {
		dims = append(dims, dim{
			factor: LimitPodCount,
			max:    avail.PodSlots,
			safe:   avail.PodSlots,
		})
	}

	if len(dims) == 0 {
		return PodEstimate{Unbounded: true, LimitingFactor: LimitNone}
	}

	est := PodEstimate{MaxPods: dims[0].max, SafePods: dims[0].safe, LimitingFactor: dims[0].factor}
	for _, d := range dims[1:] {
		if d.max < est.MaxPods {
			est.MaxPods = d.max
			est.LimitingFactor = d.factor
		}
		if d.safe < est.SafePods {
			est.SafePods = d.safe
		}
	}
	return est
}

func clampNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
