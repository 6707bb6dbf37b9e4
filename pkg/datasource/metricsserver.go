package datasource

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/opscart/k8s-capacity-forecaster/pkg/analyzer"
	"github.com/opscart/k8s-capacity-forecaster/pkg/scope"
)

// MetricsServerSource derives utilization snapshots from metrics-server.
// It keeps no history, so trend analysis degrades when it is the
// configured source. Utilization is the matched pods' usage as a share
// of total node allocatable.
type MetricsServerSource struct {
	metricsClient *metricsv.Clientset
	kubeClient    kubernetes.Interface
	log           *logrus.Logger
}

func NewMetricsServerSource(metricsClient *metricsv.Clientset, kubeClient kubernetes.Interface, log *logrus.Logger) *MetricsServerSource {
	return &MetricsServerSource{
		metricsClient: metricsClient,
		kubeClient:    kubeClient,
		log:           log,
	}
}

func (m *MetricsServerSource) Name() string { return "metrics-server" }

func (m *MetricsServerSource) IsAvailable(ctx context.Context) bool {
	_, err := m.metricsClient.MetricsV1beta1().NodeMetricses().List(ctx, metav1.ListOptions{Limit: 1})
	return err == nil
}

func (m *MetricsServerSource) CurrentUsage(ctx context.Context, sc *scope.Spec, window time.Duration) (*analyzer.RollingMetrics, error) {
	now := time.Now()

	podMetrics, err := m.metricsClient.MetricsV1beta1().PodMetricses(sc.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, &UnavailableError{Source: m.Name(), Err: err}
	}

	var usedCPU, usedMemory int64
	matched := 0
	for _, pm := range podMetrics.Items {
		if !podInScope(sc, pm.Name) {
			continue
		}
		matched++
		for _, c := range pm.Containers {
			usedCPU += c.Usage.Cpu().MilliValue()
			usedMemory += c.Usage.Memory().Value()
		}
	}

	allocCPU, allocMemory, err := m.allocatable(ctx)
	if err != nil {
		return nil, &UnavailableError{Source: m.Name(), Err: err}
	}

	metrics := &analyzer.RollingMetrics{
		WindowStart: now.Add(-window),
		WindowEnd:   now,
		SampleCount: matched,
	}
	if allocCPU > 0 {
		metrics.CPUMean = clampUnit(float64(usedCPU) / float64(allocCPU))
	}
	if allocMemory > 0 {
		metrics.MemoryMean = clampUnit(float64(usedMemory) / float64(allocMemory))
	}
	return metrics, nil
}

// History is unsupported: metrics-server only serves the latest scrape.
func (m *MetricsServerSource) History(ctx context.Context, sc *scope.Spec, metric Metric, window, step time.Duration) ([]analyzer.MetricSample, error) {
	return nil, ErrHistoryUnsupported
}

func (m *MetricsServerSource) allocatable(ctx context.Context) (cpuMillicores, memoryBytes int64, err error) {
	nodes, err := m.kubeClient.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return 0, 0, err
	}
	for _, node := range nodes.Items {
		cpuMillicores += node.Status.Allocatable.Cpu().MilliValue()
		memoryBytes += node.Status.Allocatable.Memory().Value()
	}
	return cpuMillicores, memoryBytes, nil
}

// podInScope mirrors the Prometheus selector semantics: exact pod match
// for pod scope, name-prefix match for deployment scope.
func podInScope(sc *scope.Spec, podName string) bool {
	switch sc.Kind {
	case scope.KindPod:
		return podName == sc.Pod
	case scope.KindDeployment:
		return strings.HasPrefix(podName, sc.Deployment+"-")
	default:
		return true
	}
}
