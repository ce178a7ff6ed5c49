// Package availability turns GPU node inventory and the workloads placed on it
// into per-product availability counts.
package availability

import (
	"time"

	"github.com/skobkin/gpuavail/internal/inventory"
)

// GPUProduct is the availability of one GPU product across the selected nodes.
type GPUProduct struct {
	Product       string `json:"product"`
	MemoryMB      int    `json:"memory"`
	Count         int    `json:"count"`
	TotalRequests int    `json:"total_requests"`
	Available     int    `json:"available"`
}

// NodeGPULabel is the GPU inventory a node declares through its labels.
type NodeGPULabel struct {
	Product       string
	MemoryMB      int
	InstanceCount int
}

// NodeWorkloads pairs a node with the workloads scheduled on it.
type NodeWorkloads struct {
	Node      inventory.Node
	Workloads []inventory.Workload
}

// Snapshot is the result of one aggregation pass.
type Snapshot struct {
	Selector   inventory.Selector
	Products   []GPUProduct
	ComputedAt time.Time
	Bucket     int64
	Stale      bool
}

// Clone returns a copy that does not share the product slice.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.Products != nil {
		out.Products = append([]GPUProduct(nil), s.Products...)
	}
	return out
}
