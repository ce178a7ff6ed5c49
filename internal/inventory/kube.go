package inventory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/selection"
	"k8s.io/client-go/kubernetes"

	"github.com/skobkin/gpuavail/internal/fault"
)

// KubeOptions configures a KubeSource.
type KubeOptions struct {
	Labels  Labels
	Timeout time.Duration
}

// KubeSource implements Source on top of the Kubernetes API.
type KubeSource struct {
	kube    kubernetes.Interface
	labels  Labels
	timeout time.Duration
}

var _ Source = (*KubeSource)(nil)

// NewKubeSource returns a Source backed by kube.
func NewKubeSource(kube kubernetes.Interface, opts KubeOptions) *KubeSource {
	if opts.Labels == (Labels{}) {
		opts.Labels = DefaultLabels()
	}
	return &KubeSource{
		kube:    kube,
		labels:  opts.Labels,
		timeout: opts.Timeout,
	}
}

// ListGPUNodes lists nodes where the product label exists, narrowed by sel.
func (s *KubeSource) ListGPUNodes(ctx context.Context, sel Selector) ([]Node, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	selector, err := s.nodeSelector(sel)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	list, err := s.kube.CoreV1().Nodes().List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return nil, classify("list gpu nodes", err)
	}

	nodes := make([]Node, 0, len(list.Items))
	for _, item := range list.Items {
		if !selector.Matches(labels.Set(item.Labels)) {
			continue
		}
		nodes = append(nodes, Node{
			Name:   item.Name,
			Labels: copyLabels(item.Labels),
		})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	return nodes, nil
}

// ListWorkloadsOnNode lists pods bound to nodeName that are not in a terminal phase.
func (s *KubeSource) ListWorkloadsOnNode(ctx context.Context, nodeName string) ([]Workload, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	fieldSelector := fields.AndSelectors(
		fields.OneTermEqualSelector("spec.nodeName", nodeName),
		fields.OneTermNotEqualSelector("status.phase", string(corev1.PodSucceeded)),
		fields.OneTermNotEqualSelector("status.phase", string(corev1.PodFailed)),
	)
	list, err := s.kube.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: fieldSelector.String(),
	})
	if err != nil {
		return nil, classify(fmt.Sprintf("list pods on node %s", nodeName), err)
	}

	workloads := make([]Workload, 0, len(list.Items))
	for _, pod := range list.Items {
		if pod.Spec.NodeName != nodeName {
			continue
		}
		if pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
			continue
		}
		workloads = append(workloads, Workload{
			Namespace:      pod.Namespace,
			Name:           pod.Name,
			Containers:     convertContainers(pod.Spec.Containers),
			InitContainers: convertContainers(pod.Spec.InitContainers),
		})
	}
	return workloads, nil
}

func (s *KubeSource) nodeSelector(sel Selector) (labels.Selector, error) {
	exists, err := labels.NewRequirement(s.labels.Product, selection.Exists, nil)
	if err != nil {
		return nil, fmt.Errorf("product label requirement: %w", err)
	}
	selector := labels.NewSelector().Add(*exists)

	var extra *labels.Requirement
	switch {
	case sel.Product != "":
		extra, err = labels.NewRequirement(s.labels.Product, selection.Equals, []string{sel.Product})
	case sel.MemoryMB != 0:
		extra, err = labels.NewRequirement(s.labels.Memory, selection.Equals, []string{strconv.Itoa(sel.MemoryMB)})
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fault.ErrInvalidSelector, err)
	}
	if extra != nil {
		selector = selector.Add(*extra)
	}
	return selector, nil
}

func (s *KubeSource) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}

func classify(op string, err error) error {
	if apierrors.IsUnauthorized(err) || apierrors.IsForbidden(err) {
		return fault.Auth(op, err)
	}
	if apierrors.IsTimeout(err) || apierrors.IsServerTimeout(err) {
		return fmt.Errorf("%s: %w: %w", op, fault.ErrUpstreamTimeout, err)
	}
	return fault.Upstream(op, err)
}

func convertContainers(containers []corev1.Container) []Container {
	if len(containers) == 0 {
		return nil
	}
	out := make([]Container, 0, len(containers))
	for _, c := range containers {
		var requests map[string]int64
		if len(c.Resources.Requests) > 0 {
			requests = make(map[string]int64, len(c.Resources.Requests))
			for name, qty := range c.Resources.Requests {
				requests[string(name)] = qty.Value()
			}
		}
		out = append(out, Container{Requests: requests})
	}
	return out
}

func copyLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
