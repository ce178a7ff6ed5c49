package availability

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/skobkin/gpuavail/internal/fault"
	"github.com/skobkin/gpuavail/internal/inventory"
)

// Options tells the calculator where to find GPU declarations.
type Options struct {
	Labels   inventory.Labels
	Resource string
}

// DefaultOptions matches the labels and resource key of the NVIDIA device plugin.
func DefaultOptions() Options {
	return Options{
		Labels:   inventory.DefaultLabels(),
		Resource: inventory.DefaultResource,
	}
}

// LabelError reports a node whose GPU label is missing or unparseable.
type LabelError struct {
	Node   string
	Label  string
	Value  string
	Reason string
}

func (e *LabelError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("node %s: label %s: %s", e.Node, e.Label, e.Reason)
	}
	return fmt.Sprintf("node %s: label %s=%q: %s", e.Node, e.Label, e.Value, e.Reason)
}

func (e *LabelError) Unwrap() error {
	return fault.ErrMalformedNodeLabel
}

// ParseNodeLabel reads the product, memory and instance count a node declares.
func ParseNodeLabel(opts Options, node inventory.Node) (NodeGPULabel, error) {
	product := strings.TrimSpace(node.Labels[opts.Labels.Product])
	if product == "" {
		return NodeGPULabel{}, &LabelError{Node: node.Name, Label: opts.Labels.Product, Reason: "missing"}
	}
	memory, err := intLabel(node, opts.Labels.Memory)
	if err != nil {
		return NodeGPULabel{}, err
	}
	count, err := intLabel(node, opts.Labels.Count)
	if err != nil {
		return NodeGPULabel{}, err
	}
	return NodeGPULabel{Product: product, MemoryMB: memory, InstanceCount: count}, nil
}

func intLabel(node inventory.Node, key string) (int, error) {
	raw, ok := node.Labels[key]
	if !ok || strings.TrimSpace(raw) == "" {
		return 0, &LabelError{Node: node.Name, Label: key, Reason: "missing"}
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, &LabelError{Node: node.Name, Label: key, Value: raw, Reason: "not an integer"}
	}
	if value < 0 {
		return 0, &LabelError{Node: node.Name, Label: key, Value: raw, Reason: "negative"}
	}
	return value, nil
}

// Calculate aggregates per-product capacity and requests over the nodes that match sel.
// The result is ordered by memory ascending, then by product name. Any malformed
// node label fails the whole calculation.
func Calculate(opts Options, sel inventory.Selector, nodes []NodeWorkloads) ([]GPUProduct, error) {
	ordered := append([]NodeWorkloads(nil), nodes...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Node.Name < ordered[j].Node.Name })

	products := make(map[string]*GPUProduct)
	for _, entry := range ordered {
		label, err := ParseNodeLabel(opts, entry.Node)
		if err != nil {
			return nil, err
		}
		if !sel.Matches(label.Product, label.MemoryMB) {
			continue
		}

		record, ok := products[label.Product]
		if !ok {
			record = &GPUProduct{Product: label.Product, MemoryMB: label.MemoryMB}
			products[label.Product] = record
		}
		record.Count += label.InstanceCount
		for _, workload := range entry.Workloads {
			record.TotalRequests += WorkloadRequest(workload, opts.Resource)
		}
	}

	out := make([]GPUProduct, 0, len(products))
	for _, record := range products {
		record.Available = max(record.Count-record.TotalRequests, 0)
		out = append(out, *record)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MemoryMB != out[j].MemoryMB {
			return out[i].MemoryMB < out[j].MemoryMB
		}
		return out[i].Product < out[j].Product
	})
	return out, nil
}

// WorkloadRequest returns the instances of resource a workload holds. App containers
// run together and are summed; init containers run one at a time before them, so
// only the largest init request competes with that sum.
func WorkloadRequest(w inventory.Workload, resource string) int {
	sum := 0
	for _, c := range w.Containers {
		sum += containerRequest(c, resource)
	}
	initMax := 0
	for _, c := range w.InitContainers {
		initMax = max(initMax, containerRequest(c, resource))
	}
	return max(sum, initMax)
}

func containerRequest(c inventory.Container, resource string) int {
	value, ok := c.Requests[resource]
	if !ok || value < 0 {
		return 0
	}
	return int(value)
}
