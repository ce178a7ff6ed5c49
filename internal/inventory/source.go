// Package inventory lists GPU-labeled nodes and the workloads bound to them.
package inventory

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/skobkin/gpuavail/internal/fault"
)

// Labels names the node labels that declare a node's GPU inventory.
type Labels struct {
	Product string
	Memory  string
	Count   string
}

// DefaultLabels returns the label keys published by NVIDIA GPU feature discovery.
func DefaultLabels() Labels {
	return Labels{
		Product: "nvidia.com/gpu.product",
		Memory:  "nvidia.com/gpu.memory",
		Count:   "nvidia.com/gpu.count",
	}
}

// DefaultResource is the container resource key that requests GPU instances.
const DefaultResource = "nvidia.com/gpu"

// Node is a GPU-labeled cluster node.
type Node struct {
	Name   string
	Labels map[string]string
}

// Container carries the resource requests declared by one container.
type Container struct {
	Requests map[string]int64
}

// Workload is a pod scheduled on a node.
type Workload struct {
	Namespace      string
	Name           string
	Containers     []Container
	InitContainers []Container
}

// Source abstracts the cluster orchestration API.
type Source interface {
	// ListGPUNodes returns nodes carrying the product label that also match sel.
	ListGPUNodes(ctx context.Context, sel Selector) ([]Node, error)
	// ListWorkloadsOnNode returns the non-terminated workloads bound to nodeName.
	ListWorkloadsOnNode(ctx context.Context, nodeName string) ([]Workload, error)
}

// Selector narrows node selection. Product and MemoryMB are mutually exclusive;
// the zero value selects every GPU-labeled node.
type Selector struct {
	Product  string
	MemoryMB int
}

// ParseSelector builds a Selector from raw query values.
func ParseSelector(product, memory string) (Selector, error) {
	sel := Selector{Product: strings.TrimSpace(product)}
	if value := strings.TrimSpace(memory); value != "" {
		mem, err := strconv.Atoi(value)
		if err != nil {
			return Selector{}, fmt.Errorf("%w: memory %q is not an integer", fault.ErrInvalidSelector, memory)
		}
		if mem <= 0 {
			return Selector{}, fmt.Errorf("%w: memory must be positive, got %d", fault.ErrInvalidSelector, mem)
		}
		sel.MemoryMB = mem
	}
	if err := sel.Validate(); err != nil {
		return Selector{}, err
	}
	return sel, nil
}

// Validate reports whether the selector can be applied.
func (s Selector) Validate() error {
	if s.Product != "" && s.MemoryMB != 0 {
		return fmt.Errorf("%w: product and memory are mutually exclusive", fault.ErrInvalidSelector)
	}
	if s.MemoryMB < 0 {
		return fmt.Errorf("%w: memory must be positive", fault.ErrInvalidSelector)
	}
	return nil
}

// IsZero reports whether the selector matches all GPU-labeled nodes.
func (s Selector) IsZero() bool {
	return s.Product == "" && s.MemoryMB == 0
}

// Key returns a canonical string suitable for cache keys.
func (s Selector) Key() string {
	switch {
	case s.Product != "":
		return "product=" + s.Product
	case s.MemoryMB != 0:
		return "memory=" + strconv.Itoa(s.MemoryMB)
	default:
		return "all"
	}
}

// Matches reports whether a node declaring product and memoryMB passes the selector.
func (s Selector) Matches(product string, memoryMB int) bool {
	switch {
	case s.Product != "":
		return product == s.Product
	case s.MemoryMB != 0:
		return memoryMB == s.MemoryMB
	default:
		return true
	}
}
