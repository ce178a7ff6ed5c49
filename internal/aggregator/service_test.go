package aggregator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/skobkin/gpuavail/internal/availability"
	"github.com/skobkin/gpuavail/internal/capacity"
	"github.com/skobkin/gpuavail/internal/fault"
	"github.com/skobkin/gpuavail/internal/inventory"
	"github.com/skobkin/gpuavail/internal/usage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeInventory struct {
	mu        sync.Mutex
	nodes     []inventory.Node
	workloads map[string][]inventory.Workload
	nodeErr   error

	nodeCalls     atomic.Int32
	workloadCalls atomic.Int32
	inFlight      atomic.Int32
	maxInFlight   atomic.Int32
}

func (f *fakeInventory) ListGPUNodes(_ context.Context, sel inventory.Selector) ([]inventory.Node, error) {
	f.nodeCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nodeErr != nil {
		return nil, f.nodeErr
	}
	return append([]inventory.Node(nil), f.nodes...), nil
}

func (f *fakeInventory) ListWorkloadsOnNode(_ context.Context, nodeName string) ([]inventory.Workload, error) {
	f.workloadCalls.Add(1)
	current := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxInFlight.Load()
		if current <= seen || f.maxInFlight.CompareAndSwap(seen, current) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workloads[nodeName], nil
}

func (f *fakeInventory) fail(err error) {
	f.mu.Lock()
	f.nodeErr = err
	f.mu.Unlock()
}

type fakeSessions struct {
	sessions []usage.Session
	err      error
	calls    atomic.Int32
}

func (f *fakeSessions) ListSessions(context.Context) ([]usage.Session, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.sessions, nil
}

func gpuNode(name, product string, memory, count int) inventory.Node {
	return inventory.Node{Name: name, Labels: map[string]string{
		"nvidia.com/gpu.product": product,
		"nvidia.com/gpu.memory":  strconv.Itoa(memory),
		"nvidia.com/gpu.count":   strconv.Itoa(count),
	}}
}

func gpuWorkload(n int64) inventory.Workload {
	return inventory.Workload{Name: "pod", Containers: []inventory.Container{{Requests: map[string]int64{"nvidia.com/gpu": n}}}}
}

func scenarioInventory() *fakeInventory {
	return &fakeInventory{
		nodes: []inventory.Node{
			gpuNode("a100-1", "A100", 40536, 4),
			gpuNode("v100-1", "V100", 16384, 2),
		},
		workloads: map[string][]inventory.Workload{
			"a100-1": {gpuWorkload(1)},
			"v100-1": {gpuWorkload(2)},
		},
	}
}

func newService(t *testing.T, inv inventory.Source, sessions SessionLister, table capacity.Table, clock *fakeClock) *Service {
	t.Helper()
	svc, err := New(inv, sessions, capacity.StaticSource(table), Options{
		Concurrency: 2,
		Window:      time.Minute,
		MaxEntries:  8,
		Clock:       clock,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return svc
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func TestGetAvailabilitySnapshotScenario(t *testing.T) {
	t.Parallel()

	clock := newClock()
	svc := newService(t, scenarioInventory(), nil, capacity.Table{}, clock)

	snapshot, err := svc.GetAvailabilitySnapshot(context.Background(), inventory.Selector{})
	require.NoError(t, err)

	want := []availability.GPUProduct{
		{Product: "V100", MemoryMB: 16384, Count: 2, TotalRequests: 2, Available: 0},
		{Product: "A100", MemoryMB: 40536, Count: 4, TotalRequests: 1, Available: 3},
	}
	if diff := cmp.Diff(want, snapshot.Products); diff != "" {
		t.Fatalf("unexpected diff (-want +got):\n%s", diff)
	}
	assert.False(t, snapshot.Stale)
	assert.Equal(t, clock.Now().Unix()/60, snapshot.Bucket)
	assert.Equal(t, clock.Now(), snapshot.ComputedAt)
}

func TestGetAvailabilitySnapshotTTL(t *testing.T) {
	t.Parallel()

	clock := newClock()
	inv := scenarioInventory()
	svc := newService(t, inv, nil, capacity.Table{}, clock)

	_, err := svc.GetAvailabilitySnapshot(context.Background(), inventory.Selector{})
	require.NoError(t, err)
	clock.Advance(5 * time.Second)
	_, err = svc.GetAvailabilitySnapshot(context.Background(), inventory.Selector{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), inv.nodeCalls.Load())
	assert.Equal(t, int32(2), inv.workloadCalls.Load())

	_, err = svc.GetAvailabilitySnapshot(context.Background(), inventory.Selector{Product: "A100"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), inv.nodeCalls.Load(), "distinct selector is a distinct entry")

	clock.Advance(time.Minute)
	_, err = svc.GetAvailabilitySnapshot(context.Background(), inventory.Selector{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), inv.nodeCalls.Load())

	stats := svc.CacheStats().Availability
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(3), stats.Misses)
}

func TestGetAvailabilitySnapshotReturnsIndependentCopies(t *testing.T) {
	t.Parallel()

	svc := newService(t, scenarioInventory(), nil, capacity.Table{}, newClock())

	first, err := svc.GetAvailabilitySnapshot(context.Background(), inventory.Selector{})
	require.NoError(t, err)
	first.Products[0].Available = 99

	second, err := svc.GetAvailabilitySnapshot(context.Background(), inventory.Selector{})
	require.NoError(t, err)
	assert.Equal(t, 0, second.Products[0].Available)
}

func TestGetAvailabilitySnapshotInvalidSelector(t *testing.T) {
	t.Parallel()

	inv := scenarioInventory()
	svc := newService(t, inv, nil, capacity.Table{}, newClock())

	_, err := svc.GetAvailabilitySnapshot(context.Background(), inventory.Selector{Product: "A100", MemoryMB: 40536})
	require.ErrorIs(t, err, fault.ErrInvalidSelector)
	assert.Zero(t, inv.nodeCalls.Load())
}

func TestGetAvailabilitySnapshotMalformedLabelIsNotCached(t *testing.T) {
	t.Parallel()

	inv := scenarioInventory()
	inv.nodes = append(inv.nodes, inventory.Node{Name: "broken", Labels: map[string]string{"nvidia.com/gpu.product": "A100"}})
	svc := newService(t, inv, nil, capacity.Table{}, newClock())

	_, err := svc.GetAvailabilitySnapshot(context.Background(), inventory.Selector{})
	require.ErrorIs(t, err, fault.ErrMalformedNodeLabel)

	_, err = svc.GetAvailabilitySnapshot(context.Background(), inventory.Selector{})
	require.ErrorIs(t, err, fault.ErrMalformedNodeLabel)
	assert.Equal(t, int32(2), inv.nodeCalls.Load())
}

func TestGetAvailabilitySnapshotServesStaleOnUpstreamFailure(t *testing.T) {
	t.Parallel()

	clock := newClock()
	inv := scenarioInventory()
	svc := newService(t, inv, nil, capacity.Table{}, clock)

	fresh, err := svc.GetAvailabilitySnapshot(context.Background(), inventory.Selector{})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	inv.fail(fault.Upstream("list nodes", errors.New("connection refused")))

	stale, err := svc.GetAvailabilitySnapshot(context.Background(), inventory.Selector{})
	require.NoError(t, err)
	assert.True(t, stale.Stale)
	assert.Equal(t, fresh.Bucket, stale.Bucket)
	assert.Equal(t, fresh.Products, stale.Products)

	_, err = svc.GetAvailabilitySnapshot(context.Background(), inventory.Selector{Product: "A100"})
	require.ErrorIs(t, err, fault.ErrUpstreamUnavailable, "no earlier snapshot for this selector")
}

func TestGetAvailabilitySnapshotAuthFailureIsNotMasked(t *testing.T) {
	t.Parallel()

	clock := newClock()
	inv := scenarioInventory()
	svc := newService(t, inv, nil, capacity.Table{}, clock)

	_, err := svc.GetAvailabilitySnapshot(context.Background(), inventory.Selector{})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	inv.fail(fault.Auth("list nodes", errors.New("forbidden")))
	_, err = svc.GetAvailabilitySnapshot(context.Background(), inventory.Selector{})
	require.ErrorIs(t, err, fault.ErrAuthenticationFailure)
}

func TestGetAvailabilitySnapshotBoundsConcurrency(t *testing.T) {
	t.Parallel()

	inv := &fakeInventory{workloads: map[string][]inventory.Workload{}}
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("node-%02d", i)
		inv.nodes = append(inv.nodes, gpuNode(name, "T4", 15360, 1))
		inv.workloads[name] = []inventory.Workload{gpuWorkload(1)}
	}
	svc := newService(t, inv, nil, capacity.Table{}, newClock())

	snapshot, err := svc.GetAvailabilitySnapshot(context.Background(), inventory.Selector{})
	require.NoError(t, err)
	require.Len(t, snapshot.Products, 1)
	assert.Equal(t, 20, snapshot.Products[0].Count)
	assert.Equal(t, 20, snapshot.Products[0].TotalRequests)
	assert.Equal(t, int32(20), inv.workloadCalls.Load())
	assert.LessOrEqual(t, inv.maxInFlight.Load(), int32(2))
}

func TestGetAvailabilitySnapshotWithKubeSource(t *testing.T) {
	t.Parallel()

	node := &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "gpu-1", Labels: map[string]string{
		"nvidia.com/gpu.product": "A100",
		"nvidia.com/gpu.memory":  "40536",
		"nvidia.com/gpu.count":   "4",
	}}}
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Namespace: "jhub", Name: "jupyter-ada"},
		Spec: corev1.PodSpec{
			NodeName: "gpu-1",
			Containers: []corev1.Container{{
				Name: "notebook",
				Resources: corev1.ResourceRequirements{Requests: corev1.ResourceList{
					"nvidia.com/gpu": resource.MustParse("2"),
				}},
			}},
		},
		Status: corev1.PodStatus{Phase: corev1.PodRunning},
	}
	source := inventory.NewKubeSource(fake.NewSimpleClientset(node, pod), inventory.KubeOptions{Timeout: time.Second})
	svc := newService(t, source, nil, capacity.Table{}, newClock())

	snapshot, err := svc.GetAvailabilitySnapshot(context.Background(), inventory.Selector{})
	require.NoError(t, err)
	assert.Equal(t, []availability.GPUProduct{
		{Product: "A100", MemoryMB: 40536, Count: 4, TotalRequests: 2, Available: 2},
	}, snapshot.Products)
}

func siteTable() capacity.Table {
	return capacity.Table{Sites: []capacity.Site{{ID: "siteX", GPUs: []capacity.GPU{{Product: "A100", Count: 8}}}}}
}

func TestGetMergedSiteConfigScenario(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{sessions: []usage.Session{
		{User: "ada", Ready: true, Site: "siteX", GPUModel: "A100", GPUCount: "2"},
		{User: "bob", Ready: true, Site: "siteX", GPUModel: "A100", GPUCount: "1"},
		{User: "cy", Ready: true, Site: "siteY", GPUModel: "A100", GPUCount: "4"},
		{User: "dee", Ready: true, Site: "siteX", GPUModel: "A100", GPUCount: "lots"},
		{User: "eve", Ready: false, Site: "siteX", GPUModel: "A100", GPUCount: "8"},
	}}
	svc := newService(t, scenarioInventory(), sessions, siteTable(), newClock())

	report, err := svc.GetMergedSiteConfig(context.Background())
	require.NoError(t, err)

	want := []capacity.SiteAvailability{
		{ID: "siteX", GPUs: []capacity.ProductAvailability{{Product: "A100", Capacity: 8, Used: 3, Available: 5}}},
	}
	if diff := cmp.Diff(want, report.Sites); diff != "" {
		t.Fatalf("unexpected diff (-want +got):\n%s", diff)
	}
	require.Len(t, report.Anomalies, 1)
	assert.ErrorIs(t, report.Anomalies[0], fault.ErrUnknownSiteInUsage)
	assert.Equal(t, 1, report.SkippedSessions)
	assert.False(t, report.Stale)

	_, err = svc.GetMergedSiteConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), sessions.calls.Load())
}

func TestGetMergedSiteConfigWithoutLedger(t *testing.T) {
	t.Parallel()

	svc := newService(t, scenarioInventory(), nil, siteTable(), newClock())

	report, err := svc.GetMergedSiteConfig(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Sites, 1)
	assert.Equal(t, 8, report.Sites[0].GPUs[0].Available)
	assert.Empty(t, report.Anomalies)
}

func TestGetMergedSiteConfigStaleAndFatalFailures(t *testing.T) {
	t.Parallel()

	clock := newClock()
	sessions := &fakeSessions{sessions: []usage.Session{
		{User: "ada", Ready: true, Site: "siteX", GPUModel: "A100", GPUCount: "2"},
	}}
	svc := newService(t, scenarioInventory(), sessions, siteTable(), clock)

	_, err := svc.GetMergedSiteConfig(context.Background())
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	sessions.err = fault.Upstream("list hub users", context.DeadlineExceeded)
	report, err := svc.GetMergedSiteConfig(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Stale)
	assert.Equal(t, 6, report.Sites[0].GPUs[0].Available)

	clock.Advance(2 * time.Minute)
	sessions.err = fault.Auth("list hub users", errors.New("hub responded 403"))
	_, err = svc.GetMergedSiteConfig(context.Background())
	require.ErrorIs(t, err, fault.ErrAuthenticationFailure)
}

func TestGetMergedSiteConfigCapacityError(t *testing.T) {
	t.Parallel()

	svc, err := New(scenarioInventory(), nil, capacity.FileSource{Path: "/nonexistent/capacity.yaml"}, Options{
		Window:     time.Minute,
		MaxEntries: 4,
	}, nil)
	require.NoError(t, err)

	_, err = svc.GetMergedSiteConfig(context.Background())
	require.ErrorIs(t, err, fault.ErrInvalidCapacityConfig)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil, capacity.StaticSource{}, Options{Window: time.Minute, MaxEntries: 1}, nil)
	require.Error(t, err)
	_, err = New(scenarioInventory(), nil, nil, Options{Window: time.Minute, MaxEntries: 1}, nil)
	require.Error(t, err)
	_, err = New(scenarioInventory(), nil, capacity.StaticSource{}, Options{}, nil)
	require.Error(t, err)
}
