// Package aggregator serves availability snapshots and merged site capacity,
// memoizing the expensive upstream scans per time window.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/skobkin/gpuavail/internal/availability"
	"github.com/skobkin/gpuavail/internal/capacity"
	"github.com/skobkin/gpuavail/internal/fault"
	"github.com/skobkin/gpuavail/internal/inventory"
	"github.com/skobkin/gpuavail/internal/snapcache"
	"github.com/skobkin/gpuavail/internal/tracing"
	"github.com/skobkin/gpuavail/internal/usage"
)

const (
	availabilityKeyPrefix = "availability:"
	usageKey              = "usage:sessions"
)

// SessionLister lists active sessions from the session ledger.
type SessionLister interface {
	ListSessions(ctx context.Context) ([]usage.Session, error)
}

// Options configures a Service.
type Options struct {
	Calculator availability.Options
	Usage      usage.Options
	// Concurrency bounds parallel per-node workload listings.
	Concurrency int
	Window      time.Duration
	MaxEntries  int
	Clock       snapcache.Clock
}

// SiteReport is the merged per-site view returned by GetMergedSiteConfig.
type SiteReport struct {
	Sites     []capacity.SiteAvailability
	Anomalies []*capacity.Anomaly
	// SkippedSessions counts sessions left out because their usage fields were malformed.
	SkippedSessions int
	ComputedAt      time.Time
	Bucket          int64
	Stale           bool
}

// CacheStats reports the snapshot and usage caches.
type CacheStats struct {
	Availability snapcache.Stats
	Usage        snapcache.Stats
}

// Service is the aggregation entry point used by the HTTP layer and the watcher.
type Service struct {
	inventory inventory.Source
	sessions  SessionLister
	capacity  capacity.Source
	opts      Options
	clock     snapcache.Clock
	logger    *slog.Logger

	snapshots *snapcache.Cache[availability.Snapshot]
	usage     *snapcache.Cache[usage.Result]
}

// New creates a Service. sessions may be nil, in which case usage is always empty.
func New(inv inventory.Source, sessions SessionLister, capacitySource capacity.Source, opts Options, logger *slog.Logger) (*Service, error) {
	if inv == nil {
		return nil, errors.New("aggregator: inventory source is required")
	}
	if capacitySource == nil {
		return nil, errors.New("aggregator: capacity source is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Calculator.Resource == "" {
		opts.Calculator = availability.DefaultOptions()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	clock := opts.Clock
	if clock == nil {
		clock = snapcache.SystemClock
	}

	cacheOpts := snapcache.Options{Window: opts.Window, MaxEntries: opts.MaxEntries, Clock: clock}
	snapshots, err := snapcache.New[availability.Snapshot](cacheOpts)
	if err != nil {
		return nil, fmt.Errorf("aggregator: availability cache: %w", err)
	}
	usageCache, err := snapcache.New[usage.Result](cacheOpts)
	if err != nil {
		return nil, fmt.Errorf("aggregator: usage cache: %w", err)
	}

	return &Service{
		inventory: inv,
		sessions:  sessions,
		capacity:  capacitySource,
		opts:      opts,
		clock:     clock,
		logger:    logger,
		snapshots: snapshots,
		usage:     usageCache,
	}, nil
}

// GetAvailabilitySnapshot returns per-product availability for the nodes matching sel.
// When the upstream is unavailable and an earlier snapshot exists, that snapshot is
// returned flagged as stale.
func (s *Service) GetAvailabilitySnapshot(ctx context.Context, sel inventory.Selector) (availability.Snapshot, error) {
	if err := sel.Validate(); err != nil {
		return availability.Snapshot{}, err
	}

	ctx, span := tracing.StartSpan(ctx, "aggregator.GetAvailabilitySnapshot", attribute.String("selector", sel.Key()))
	defer span.End()

	key := availabilityKeyPrefix + sel.Key()
	entry, err := s.snapshots.Get(ctx, key, func(ctx context.Context) (availability.Snapshot, error) {
		return s.computeSnapshot(ctx, sel)
	})
	if err != nil {
		if stale, ok := s.staleSnapshot(key, err); ok {
			s.logger.Warn("serving stale availability snapshot", "selector", sel.Key(), "bucket", stale.Bucket, "err", err)
			tracing.AddEvent(ctx, "stale_fallback")
			return stale, nil
		}
		tracing.SetError(ctx, err)
		return availability.Snapshot{}, err
	}

	snapshot := entry.Value.Clone()
	snapshot.Bucket = entry.Bucket
	return snapshot, nil
}

func (s *Service) staleSnapshot(key string, err error) (availability.Snapshot, bool) {
	if !servesStale(err) {
		return availability.Snapshot{}, false
	}
	entry, ok := s.snapshots.Fallback(key)
	if !ok {
		return availability.Snapshot{}, false
	}
	snapshot := entry.Value.Clone()
	snapshot.Bucket = entry.Bucket
	snapshot.Stale = true
	return snapshot, true
}

func (s *Service) computeSnapshot(ctx context.Context, sel inventory.Selector) (availability.Snapshot, error) {
	ctx, span := tracing.StartSpan(ctx, "aggregator.computeSnapshot")
	defer span.End()

	started := s.clock.Now()
	nodes, err := s.inventory.ListGPUNodes(ctx, sel)
	if err != nil {
		tracing.SetError(ctx, err)
		return availability.Snapshot{}, err
	}
	span.SetAttributes(attribute.Int("nodes", len(nodes)))

	pairs := make([]availability.NodeWorkloads, len(nodes))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.opts.Concurrency)
	for i, node := range nodes {
		group.Go(func() error {
			workloads, err := s.inventory.ListWorkloadsOnNode(groupCtx, node.Name)
			if err != nil {
				return err
			}
			pairs[i] = availability.NodeWorkloads{Node: node, Workloads: workloads}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		tracing.SetError(ctx, err)
		return availability.Snapshot{}, err
	}

	products, err := availability.Calculate(s.opts.Calculator, sel, pairs)
	if err != nil {
		s.logger.Error("availability calculation failed", "selector", sel.Key(), "err", err)
		tracing.SetError(ctx, err)
		return availability.Snapshot{}, err
	}

	s.logger.Debug("computed availability snapshot",
		"selector", sel.Key(),
		"nodes", len(nodes),
		"products", len(products),
		"duration", s.clock.Now().Sub(started),
	)
	return availability.Snapshot{
		Selector:   sel,
		Products:   products,
		ComputedAt: s.clock.Now(),
	}, nil
}

// GetMergedSiteConfig subtracts reconciled session usage from the static capacity table.
// The table is read on every call; session usage is cached per window.
func (s *Service) GetMergedSiteConfig(ctx context.Context) (SiteReport, error) {
	ctx, span := tracing.StartSpan(ctx, "aggregator.GetMergedSiteConfig")
	defer span.End()

	table, err := s.capacity.Load(ctx)
	if err != nil {
		tracing.SetError(ctx, err)
		return SiteReport{}, err
	}

	report := SiteReport{ComputedAt: s.clock.Now()}
	used := usage.Usage{}

	if s.sessions != nil {
		entry, err := s.usage.Get(ctx, usageKey, s.computeUsage)
		if err != nil {
			if !servesStale(err) {
				tracing.SetError(ctx, err)
				return SiteReport{}, err
			}
			fallback, ok := s.usage.Fallback(usageKey)
			if !ok {
				tracing.SetError(ctx, err)
				return SiteReport{}, err
			}
			s.logger.Warn("serving stale session usage", "bucket", fallback.Bucket, "err", err)
			entry = fallback
			report.Stale = true
		}
		used = entry.Value.Usage
		report.SkippedSessions = len(entry.Value.Warnings)
		report.ComputedAt = entry.StoredAt
		report.Bucket = entry.Bucket
	} else {
		report.Bucket = s.snapshots.Bucket(report.ComputedAt)
	}

	merged := capacity.Merge(table, used)
	for _, anomaly := range merged.Anomalies {
		s.logger.Warn("usage without capacity", "site", anomaly.Site, "product", anomaly.Product, "err", anomaly)
	}
	report.Sites = merged.Sites
	report.Anomalies = merged.Anomalies
	return report, nil
}

func (s *Service) computeUsage(ctx context.Context) (usage.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "aggregator.computeUsage")
	defer span.End()

	sessions, err := s.sessions.ListSessions(ctx)
	if err != nil {
		tracing.SetError(ctx, err)
		return usage.Result{}, err
	}
	result := usage.Reconcile(sessions, s.opts.Usage)
	for _, warning := range result.Warnings {
		s.logger.Warn("skipping malformed session", "err", warning)
	}
	span.SetAttributes(
		attribute.Int("sessions", result.Sessions),
		attribute.Int("counted", result.Counted),
	)
	return result, nil
}

// CacheStats returns counters of both caches.
func (s *Service) CacheStats() CacheStats {
	return CacheStats{
		Availability: s.snapshots.Stats(),
		Usage:        s.usage.Stats(),
	}
}

// servesStale reports whether err allows answering from an earlier result.
func servesStale(err error) bool {
	return errors.Is(err, fault.ErrUpstreamUnavailable) && !errors.Is(err, fault.ErrAuthenticationFailure)
}
