package capacity

import (
	"fmt"

	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/opscart/k8s-capacity-forecaster/pkg/analyzer"
)

// QuotaSnapshot is the quota source's view of a namespace (or the
// cluster's allocatable totals). HasQuota=false means no quota object
// exists and the namespace is unlimited; percent-of-quota values are
// undefined in that case, never infinite or zero. A limit of zero on an
// individual resource means that resource is unconstrained.
type QuotaSnapshot struct {
	CPULimitMillicores int64
	MemoryLimitBytes   int64
	PodCountLimit      int64
	HasQuota           bool
}

// Usage is the current consumption the headroom is measured against.
type Usage struct {
	CPUMillicores int64
	MemoryBytes   int64
	PodCount      int64
}

// LimitingFactor names the dimension that caps additional pods.
type LimitingFactor string

const (
	LimitCPU      LimitingFactor = "cpu"
	LimitMemory   LimitingFactor = "memory"
	LimitPodCount LimitingFactor = "podCount"
	LimitNone     LimitingFactor = "none"
)

// PodProfile is a named resource-request template used to estimate how
// many additional pods of that size fit in available headroom.
type PodProfile struct {
	Name          string
	CPUMillicores int64
	MemoryBytes   int64
}

// ParseProfile builds a profile from Kubernetes quantity strings such as
// "200m" and "128Mi".
func ParseProfile(name, cpu, memory string) (PodProfile, error) {
	cpuQty, err := resource.ParseQuantity(cpu)
	if err != nil {
		return PodProfile{}, fmt.Errorf("profile %q: invalid cpu %q: %w", name, cpu, err)
	}
	memQty, err := resource.ParseQuantity(memory)
	if err != nil {
		return PodProfile{}, fmt.Errorf("profile %q: invalid memory %q: %w", name, memory, err)
	}
	p := PodProfile{
		Name:          name,
		CPUMillicores: cpuQty.MilliValue(),
		MemoryBytes:   memQty.Value(),
	}
	if p.CPUMillicores <= 0 || p.MemoryBytes <= 0 {
		return PodProfile{}, fmt.Errorf("profile %q: cpu and memory requests must be positive", name)
	}
	return p, nil
}

// BuiltinProfiles are the standard t-shirt sizes offered when a request
// names a profile instead of supplying custom resources.
func BuiltinProfiles() map[string]PodProfile {
	return map[string]PodProfile{
		"small":  {Name: "small", CPUMillicores: 100, MemoryBytes: 128 * 1024 * 1024},
		"medium": {Name: "medium", CPUMillicores: 200, MemoryBytes: 256 * 1024 * 1024},
		"large":  {Name: "large", CPUMillicores: 500, MemoryBytes: 512 * 1024 * 1024},
	}
}

// Available is the remaining headroom per dimension. An unbounded flag
// set means the matching numeric field is meaningless and omitted from
// serialized reports.
type Available struct {
	CPUMillicores   int64 `json:"cpu_millicores,omitempty"`
	MemoryBytes     int64 `json:"memory_bytes,omitempty"`
	PodSlots        int64 `json:"pod_slots,omitempty"`
	CPUUnbounded    bool  `json:"cpu_unbounded,omitempty"`
	MemoryUnbounded bool  `json:"memory_unbounded,omitempty"`
	PodsUnbounded   bool  `json:"pods_unbounded,omitempty"`
}

// PodEstimate is the fit of one profile into the available headroom.
// When every dimension is unbounded the numeric counts are omitted
// rather than reporting a misleading large integer.
type PodEstimate struct {
	MaxPods        int64          `json:"max_pods"`
	SafePods       int64          `json:"safe_pods"`
	Unbounded      bool           `json:"unbounded,omitempty"`
	LimitingFactor LimitingFactor `json:"limiting_factor"`
}

// Report is the capacity analysis for one scope, built once per request.
type Report struct {
	CurrentUsage   Usage                  `json:"current_usage"`
	Available      Available              `json:"available"`
	PodEstimates   map[string]PodEstimate `json:"pod_estimates"`
	Trending       *analyzer.TrendResult  `json:"trending,omitempty"`
	LimitingFactor LimitingFactor         `json:"limiting_factor"`
	Unbounded      bool                   `json:"unbounded,omitempty"`

	// Incomplete marks a degraded report (e.g. trending omitted for
	// lack of history) so partial results are never silent.
	Incomplete       bool   `json:"incomplete,omitempty"`
	IncompleteReason string `json:"incomplete_reason,omitempty"`
}
