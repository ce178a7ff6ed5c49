// Command gpuavail-probe computes availability once against the configured cluster
// and hub, without starting the HTTP server. It reads the same APP_* environment.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/skobkin/gpuavail/internal/aggregator"
	"github.com/skobkin/gpuavail/internal/api"
	"github.com/skobkin/gpuavail/internal/app"
	"github.com/skobkin/gpuavail/internal/availability"
	"github.com/skobkin/gpuavail/internal/capacity"
	"github.com/skobkin/gpuavail/internal/config"
	"github.com/skobkin/gpuavail/internal/inventory"
)

type options struct {
	output  string
	verbose bool
	timeout time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "gpuavail-probe",
		Short:         "Query GPU availability once",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "output format: table or json")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall deadline")

	root.AddCommand(newResourcesCmd(opts), newSitesCmd(opts), newCheckCapacityCmd(opts))
	return root
}

func newResourcesCmd(opts *options) *cobra.Command {
	var product, memory string
	cmd := &cobra.Command{
		Use:   "resources",
		Short: "Show per-product availability from node labels and workload requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sel, err := inventory.ParseSelector(product, memory)
			if err != nil {
				return err
			}
			return withService(cmd.Context(), opts, func(ctx context.Context, svc *aggregator.Service) error {
				snapshot, err := svc.GetAvailabilitySnapshot(ctx, sel)
				if err != nil {
					return err
				}
				return renderResources(cmd.OutOrStdout(), opts.output, snapshot)
			})
		},
	}
	cmd.Flags().StringVar(&product, "product", "", "only nodes with this GPU product")
	cmd.Flags().StringVar(&memory, "memory", "", "only nodes with this GPU memory in MB")
	cmd.MarkFlagsMutuallyExclusive("product", "memory")
	return cmd
}

func newSitesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sites",
		Short: "Show configured site capacity minus active session usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd.Context(), opts, func(ctx context.Context, svc *aggregator.Service) error {
				report, err := svc.GetMergedSiteConfig(ctx)
				if err != nil {
					return err
				}
				return renderSites(cmd.OutOrStdout(), opts.output, report)
			})
		},
	}
}

func newCheckCapacityCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check-capacity <file>",
		Short: "Validate a capacity file without contacting the cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := capacity.FileSource{Path: args[0]}.Load(cmd.Context())
			if err != nil {
				return err
			}
			report := aggregator.SiteReport{Sites: capacity.Merge(table, nil).Sites}
			return renderSites(cmd.OutOrStdout(), opts.output, report)
		},
	}
}

func withService(parent context.Context, opts *options, fn func(context.Context, *aggregator.Service) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	services, err := app.Build(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = services.Close(context.Background()) }()

	return fn(ctx, services.Aggregator)
}

func renderResources(w io.Writer, format string, snapshot availability.Snapshot) error {
	if format == "json" {
		return writeJSON(w, api.NewResourcesResponse(snapshot))
	}
	if len(snapshot.Products) == 0 {
		_, err := fmt.Fprintln(w, "No GPU nodes matched")
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("Product", "Memory (MB)", "Count", "Requested", "Available")
	for _, product := range snapshot.Products {
		table.Append(
			product.Product,
			strconv.Itoa(product.MemoryMB),
			strconv.Itoa(product.Count),
			strconv.Itoa(product.TotalRequests),
			strconv.Itoa(product.Available),
		)
	}
	if err := table.Render(); err != nil {
		return err
	}
	return writeFooter(w, snapshot.Stale, nil)
}

func renderSites(w io.Writer, format string, report aggregator.SiteReport) error {
	if format == "json" {
		return writeJSON(w, api.NewSitesResponse(report))
	}
	if len(report.Sites) == 0 {
		_, err := fmt.Fprintln(w, "No sites configured")
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("Site", "Product", "Capacity", "Used", "Available")
	for _, site := range report.Sites {
		name := site.ID
		if site.Name != "" {
			name = fmt.Sprintf("%s (%s)", site.ID, site.Name)
		}
		for _, gpu := range site.GPUs {
			table.Append(
				name,
				gpu.Product,
				strconv.Itoa(gpu.Capacity),
				strconv.Itoa(gpu.Used),
				strconv.Itoa(gpu.Available),
			)
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	anomalies := make([]string, 0, len(report.Anomalies))
	for _, anomaly := range report.Anomalies {
		anomalies = append(anomalies, anomaly.Error())
	}
	return writeFooter(w, report.Stale, anomalies)
}

func writeFooter(w io.Writer, stale bool, anomalies []string) error {
	if stale {
		if _, err := fmt.Fprintln(w, "\nUpstream unavailable: showing the last successful result."); err != nil {
			return err
		}
	}
	for _, anomaly := range anomalies {
		if _, err := fmt.Fprintf(w, "warning: %s\n", anomaly); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(w io.Writer, payload any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}
