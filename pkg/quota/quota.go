package quota

import (
	"context"
	"fmt"
	"path/filepath"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"

	"github.com/opscart/k8s-capacity-forecaster/pkg/capacity"
)

// UnavailableError marks a quota-source failure. Capacity analysis
// cannot proceed without quota data; prediction does not depend on it.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("quota source unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Snapshot pairs resource limits with the current counts measured
// against them.
type Snapshot struct {
	Quota capacity.QuotaSnapshot
	Used  capacity.Usage
}

// Source answers quota lookups. An empty namespace means the whole
// cluster. Absence of a quota object is a valid response
// (HasQuota=false), not an error.
type Source interface {
	GetQuota(ctx context.Context, namespace string) (*Snapshot, error)
}

// UnavailableSource stands in when no cluster is reachable. Every
// lookup fails with a typed error, so capacity requests report
// QUOTA_UNAVAILABLE instead of fabricated limits.
type UnavailableSource struct{}

func (UnavailableSource) GetQuota(ctx context.Context, namespace string) (*Snapshot, error) {
	return nil, &UnavailableError{Err: fmt.Errorf("no cluster connection configured")}
}

// KubeSource reads ResourceQuota objects and node allocatable totals
// through the Kubernetes API.
type KubeSource struct {
	client kubernetes.Interface
}

func NewKubeSource(client kubernetes.Interface) *KubeSource {
	return &KubeSource{client: client}
}

// NewKubeSourceFromKubeconfig builds a client the way the CLI does:
// in-cluster config first, then ~/.kube/config.
func NewKubeSourceFromKubeconfig() (*KubeSource, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		var kubeconfig string
		if home := homedir.HomeDir(); home != "" {
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build config: %w", err)
		}
	}

	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}
	return &KubeSource{client: client}, nil
}

func (k *KubeSource) GetQuota(ctx context.Context, namespace string) (*Snapshot, error) {
	if namespace == "" {
		return k.clusterCapacity(ctx)
	}
	return k.namespaceQuota(ctx, namespace)
}

// namespaceQuota folds every ResourceQuota in the namespace into one
// snapshot. With multiple quota objects the effective limit per
// resource is the tightest one; used takes the highest reported count
// so headroom stays conservative.
func (k *KubeSource) namespaceQuota(ctx context.Context, namespace string) (*Snapshot, error) {
	quotas, err := k.client.CoreV1().ResourceQuotas(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, &UnavailableError{Err: err}
	}

	snap := &Snapshot{}
	for _, rq := range quotas.Items {
		snap.Quota.HasQuota = true
		foldLimit(&snap.Quota.CPULimitMillicores, quantityMilli(rq.Status.Hard, corev1.ResourceRequestsCPU, corev1.ResourceCPU))
		foldLimit(&snap.Quota.MemoryLimitBytes, quantityValue(rq.Status.Hard, corev1.ResourceRequestsMemory, corev1.ResourceMemory))
		foldLimit(&snap.Quota.PodCountLimit, quantityValue(rq.Status.Hard, corev1.ResourcePods))

		foldUsed(&snap.Used.CPUMillicores, quantityMilli(rq.Status.Used, corev1.ResourceRequestsCPU, corev1.ResourceCPU))
		foldUsed(&snap.Used.MemoryBytes, quantityValue(rq.Status.Used, corev1.ResourceRequestsMemory, corev1.ResourceMemory))
		foldUsed(&snap.Used.PodCount, quantityValue(rq.Status.Used, corev1.ResourcePods))
	}

	// No quota object limits pods, so count them live: callers still
	// need the current count for pod-slot math and reporting.
	if !snap.Quota.HasQuota || snap.Quota.PodCountLimit == 0 {
		count, err := k.countPods(ctx, namespace)
		if err != nil {
			return nil, &UnavailableError{Err: err}
		}
		snap.Used.PodCount = count
	}

	return snap, nil
}

// clusterCapacity treats summed node allocatable as the cluster's hard
// limits.
func (k *KubeSource) clusterCapacity(ctx context.Context) (*Snapshot, error) {
	nodes, err := k.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, &UnavailableError{Err: err}
	}

	snap := &Snapshot{}
	snap.Quota.HasQuota = true
	for _, node := range nodes.Items {
		snap.Quota.CPULimitMillicores += node.Status.Allocatable.Cpu().MilliValue()
		snap.Quota.MemoryLimitBytes += node.Status.Allocatable.Memory().Value()
		snap.Quota.PodCountLimit += node.Status.Allocatable.Pods().Value()
	}

	pods, err := k.client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, &UnavailableError{Err: err}
	}
	for _, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
			continue
		}
		snap.Used.PodCount++
		for _, c := range pod.Spec.Containers {
			snap.Used.CPUMillicores += c.Resources.Requests.Cpu().MilliValue()
			snap.Used.MemoryBytes += c.Resources.Requests.Memory().Value()
		}
	}

	return snap, nil
}

func (k *KubeSource) countPods(ctx context.Context, namespace string) (int64, error) {
	pods, err := k.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return 0, err
	}
	var count int64
	for _, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
			continue
		}
		count++
	}
	return count, nil
}

// quantityMilli reads the first present key as millicores.
func quantityMilli(list corev1.ResourceList, keys ...corev1.ResourceName) int64 {
	for _, key := range keys {
		if q, ok := list[key]; ok {
			return q.MilliValue()
		}
	}
	return 0
}

// quantityValue reads the first present key as a plain value.
func quantityValue(list corev1.ResourceList, keys ...corev1.ResourceName) int64 {
	for _, key := range keys {
		if q, ok := list[key]; ok {
			return q.Value()
		}
	}
	return 0
}

// foldLimit keeps the tightest non-zero limit.
func foldLimit(dst *int64, v int64) {
	if v <= 0 {
		return
	}
	if *dst == 0 || v < *dst {
		*dst = v
	}
}

// foldUsed keeps the highest reported count.
func foldUsed(dst *int64, v int64) {
	if v > *dst {
		*dst = v
	}
}
