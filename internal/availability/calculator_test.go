package availability

import (
	"errors"
	"math/rand"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/gpuavail/internal/fault"
	"github.com/skobkin/gpuavail/internal/inventory"
)

func node(name, product string, memory, count int) inventory.Node {
	return inventory.Node{
		Name: name,
		Labels: map[string]string{
			"nvidia.com/gpu.product": product,
			"nvidia.com/gpu.memory":  strconv.Itoa(memory),
			"nvidia.com/gpu.count":   strconv.Itoa(count),
		},
	}
}

func workload(gpus ...int64) inventory.Workload {
	w := inventory.Workload{Name: "pod"}
	for _, n := range gpus {
		w.Containers = append(w.Containers, inventory.Container{
			Requests: map[string]int64{"nvidia.com/gpu": n, "cpu": 2},
		})
	}
	return w
}

func TestCalculateScenario(t *testing.T) {
	t.Parallel()

	nodes := []NodeWorkloads{
		{Node: node("a100-1", "A100", 40536, 4), Workloads: []inventory.Workload{workload(1)}},
		{Node: node("v100-1", "V100", 16384, 2), Workloads: []inventory.Workload{workload(1, 1)}},
	}

	got, err := Calculate(DefaultOptions(), inventory.Selector{}, nodes)
	require.NoError(t, err)

	want := []GPUProduct{
		{Product: "V100", MemoryMB: 16384, Count: 2, TotalRequests: 2, Available: 0},
		{Product: "A100", MemoryMB: 40536, Count: 4, TotalRequests: 1, Available: 3},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected diff (-want +got):\n%s", diff)
	}
}

func TestCalculateSumsNodesOfSameProduct(t *testing.T) {
	t.Parallel()

	nodes := []NodeWorkloads{
		{Node: node("n2", "A100", 40536, 8), Workloads: []inventory.Workload{workload(3), workload(2)}},
		{Node: node("n1", "A100", 40536, 4)},
		{Node: node("n3", "T4", 15360, 1), Workloads: []inventory.Workload{{Name: "no-gpu"}}},
	}

	got, err := Calculate(DefaultOptions(), inventory.Selector{}, nodes)
	require.NoError(t, err)

	want := []GPUProduct{
		{Product: "T4", MemoryMB: 15360, Count: 1, TotalRequests: 0, Available: 1},
		{Product: "A100", MemoryMB: 40536, Count: 12, TotalRequests: 5, Available: 7},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected diff (-want +got):\n%s", diff)
	}
}

func TestCalculateClampsOversubscription(t *testing.T) {
	t.Parallel()

	nodes := []NodeWorkloads{
		{Node: node("n1", "V100", 16384, 2), Workloads: []inventory.Workload{workload(2), workload(3)}},
	}

	got, err := Calculate(DefaultOptions(), inventory.Selector{}, nodes)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 5, got[0].TotalRequests)
	assert.Equal(t, 0, got[0].Available)
}

func TestCalculateOrdersEqualMemoryByName(t *testing.T) {
	t.Parallel()

	nodes := []NodeWorkloads{
		{Node: node("n1", "RTX-8000", 49152, 1)},
		{Node: node("n2", "A40", 49152, 1)},
		{Node: node("n3", "L40", 49152, 1)},
	}

	got, err := Calculate(DefaultOptions(), inventory.Selector{}, nodes)
	require.NoError(t, err)

	names := []string{got[0].Product, got[1].Product, got[2].Product}
	assert.Equal(t, []string{"A40", "L40", "RTX-8000"}, names)
}

func TestCalculateAppliesSelector(t *testing.T) {
	t.Parallel()

	nodes := []NodeWorkloads{
		{Node: node("n1", "A100", 40536, 4)},
		{Node: node("n2", "V100", 16384, 2)},
	}

	byProduct, err := Calculate(DefaultOptions(), inventory.Selector{Product: "V100"}, nodes)
	require.NoError(t, err)
	require.Len(t, byProduct, 1)
	assert.Equal(t, "V100", byProduct[0].Product)

	byMemory, err := Calculate(DefaultOptions(), inventory.Selector{MemoryMB: 40536}, nodes)
	require.NoError(t, err)
	require.Len(t, byMemory, 1)
	assert.Equal(t, "A100", byMemory[0].Product)
}

func TestCalculateEmpty(t *testing.T) {
	t.Parallel()

	got, err := Calculate(DefaultOptions(), inventory.Selector{}, nil)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestCalculateMalformedLabels(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		labels map[string]string
		label  string
	}{
		{
			name:   "MissingProduct",
			labels: map[string]string{"nvidia.com/gpu.memory": "1", "nvidia.com/gpu.count": "1"},
			label:  "nvidia.com/gpu.product",
		},
		{
			name:   "MissingMemory",
			labels: map[string]string{"nvidia.com/gpu.product": "A100", "nvidia.com/gpu.count": "1"},
			label:  "nvidia.com/gpu.memory",
		},
		{
			name:   "NonNumericCount",
			labels: map[string]string{"nvidia.com/gpu.product": "A100", "nvidia.com/gpu.memory": "40536", "nvidia.com/gpu.count": "four"},
			label:  "nvidia.com/gpu.count",
		},
		{
			name:   "NegativeMemory",
			labels: map[string]string{"nvidia.com/gpu.product": "A100", "nvidia.com/gpu.memory": "-1", "nvidia.com/gpu.count": "1"},
			label:  "nvidia.com/gpu.memory",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			nodes := []NodeWorkloads{
				{Node: node("good", "V100", 16384, 2)},
				{Node: inventory.Node{Name: "bad", Labels: tc.labels}},
			}
			_, err := Calculate(DefaultOptions(), inventory.Selector{}, nodes)
			require.ErrorIs(t, err, fault.ErrMalformedNodeLabel)

			var labelErr *LabelError
			require.True(t, errors.As(err, &labelErr))
			assert.Equal(t, "bad", labelErr.Node)
			assert.Equal(t, tc.label, labelErr.Label)
		})
	}
}

func TestWorkloadRequestWithInitContainers(t *testing.T) {
	t.Parallel()

	w := inventory.Workload{
		Containers: []inventory.Container{
			{Requests: map[string]int64{"nvidia.com/gpu": 1}},
			{Requests: map[string]int64{"nvidia.com/gpu": 1}},
		},
		InitContainers: []inventory.Container{
			{Requests: map[string]int64{"nvidia.com/gpu": 3}},
			{Requests: map[string]int64{"nvidia.com/gpu": 1}},
		},
	}
	assert.Equal(t, 3, WorkloadRequest(w, "nvidia.com/gpu"))

	w.InitContainers = w.InitContainers[1:]
	assert.Equal(t, 2, WorkloadRequest(w, "nvidia.com/gpu"))
	assert.Equal(t, 0, WorkloadRequest(inventory.Workload{}, "nvidia.com/gpu"))
}

func TestCalculateProperties(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	products := []struct {
		name   string
		memory int
	}{
		{"A100", 40536}, {"V100", 16384}, {"T4", 15360}, {"A10", 24576}, {"L4", 24576},
	}

	for round := 0; round < 50; round++ {
		var nodes []NodeWorkloads
		wantCount := map[string]int{}
		nodeCount := rng.Intn(12)
		for i := 0; i < nodeCount; i++ {
			p := products[rng.Intn(len(products))]
			count := rng.Intn(9)
			entry := NodeWorkloads{Node: node("n"+strconv.Itoa(i), p.name, p.memory, count)}
			pods := rng.Intn(5)
			for j := 0; j < pods; j++ {
				entry.Workloads = append(entry.Workloads, workload(int64(rng.Intn(4))))
			}
			nodes = append(nodes, entry)
			wantCount[p.name] += count
		}

		first, err := Calculate(DefaultOptions(), inventory.Selector{}, nodes)
		require.NoError(t, err)
		second, err := Calculate(DefaultOptions(), inventory.Selector{}, nodes)
		require.NoError(t, err)
		if diff := cmp.Diff(first, second); diff != "" {
			t.Fatalf("round %d: calculation not idempotent (-first +second):\n%s", round, diff)
		}

		gotCount := map[string]int{}
		for i, record := range first {
			assert.GreaterOrEqual(t, record.Available, 0)
			assert.Equal(t, max(record.Count-record.TotalRequests, 0), record.Available)
			gotCount[record.Product] = record.Count
			if i > 0 {
				prev := first[i-1]
				ordered := prev.MemoryMB < record.MemoryMB ||
					(prev.MemoryMB == record.MemoryMB && prev.Product < record.Product)
				assert.True(t, ordered, "round %d: %v before %v", round, prev, record)
			}
		}
		assert.Equal(t, wantCount, gotCount, "round %d", round)
	}
}
