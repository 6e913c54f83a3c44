package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ManuelReschke/POSBridge/internal/pkg/bootstrap"
	"github.com/ManuelReschke/POSBridge/internal/pkg/ingest"
	"github.com/ManuelReschke/POSBridge/internal/pkg/jobqueue"
	"github.com/ManuelReschke/POSBridge/internal/pkg/pos"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "posctl",
		Short:        "Operate POS provider connections",
		SilenceUsage: true,
	}
	root.AddCommand(newSyncCmd(), newHealthCmd(), newRefreshCmd())
	return root
}

func setup(cmd *cobra.Command) (*bootstrap.Services, error) {
	return bootstrap.Setup(cmd.Context())
}

func newSyncCmd() *cobra.Command {
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a sync for one connection",
	}

	var inv struct {
		connection  uint
		incremental bool
		dryRun      bool
		transform   bool
		clear       bool
		async       bool
	}
	inventory := &cobra.Command{
		Use:   "inventory",
		Short: "Sync the catalog and stock counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			services, err := setup(cmd)
			if err != nil {
				return err
			}
			defer services.Close()

			if inv.async {
				job, err := services.Queue.EnqueueInventorySync(cmd.Context(), jobqueue.SyncInventoryJobPayload{
					ConnectionID:    inv.connection,
					Incremental:     inv.incremental,
					Transform:       inv.transform,
					ClearBeforeSync: inv.clear,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, job)
			}

			result, err := services.Orchestrator.RunInventory(cmd.Context(), inv.connection, ingest.InventoryOptions{
				Incremental:     inv.incremental,
				DryRun:          inv.dryRun,
				Transform:       inv.transform,
				ClearBeforeSync: inv.clear,
			})
			return printResult(cmd, result, err)
		},
	}
	inventory.Flags().UintVar(&inv.connection, "connection", 0, "connection id")
	inventory.Flags().BoolVar(&inv.incremental, "incremental", false, "only fetch objects changed since the last sync")
	inventory.Flags().BoolVar(&inv.dryRun, "dry-run", false, "fetch and transform without writing")
	inventory.Flags().BoolVar(&inv.transform, "transform", true, "transform raw records into inventory items")
	inventory.Flags().BoolVar(&inv.clear, "clear", false, "remove stored catalog records first")
	inventory.Flags().BoolVar(&inv.async, "async", false, "queue the sync instead of running it")
	inventory.MarkFlagsMutuallyExclusive("dry-run", "async")
	_ = inventory.MarkFlagRequired("connection")

	var sales struct {
		connection uint
		start      string
		end        string
		dryRun     bool
		transform  bool
	}
	salesCmd := &cobra.Command{
		Use:   "sales",
		Short: "Sync orders for a date range (YYYY-MM-DD, inclusive)",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := parseRange(sales.start, sales.end)
			if err != nil {
				return err
			}
			services, err := setup(cmd)
			if err != nil {
				return err
			}
			defer services.Close()

			result, err := services.Orchestrator.RunSales(cmd.Context(), sales.connection, ingest.SalesOptions{
				StartDate: start,
				EndDate:   end,
				DryRun:    sales.dryRun,
				Transform: sales.transform,
			})
			return printResult(cmd, result, err)
		},
	}
	salesCmd.Flags().UintVar(&sales.connection, "connection", 0, "connection id")
	salesCmd.Flags().StringVar(&sales.start, "start", "", "first day")
	salesCmd.Flags().StringVar(&sales.end, "end", "", "last day")
	salesCmd.Flags().BoolVar(&sales.dryRun, "dry-run", false, "fetch and transform without writing")
	salesCmd.Flags().BoolVar(&sales.transform, "transform", true, "transform raw records into sales transactions")
	_ = salesCmd.MarkFlagRequired("connection")
	_ = salesCmd.MarkFlagRequired("start")
	_ = salesCmd.MarkFlagRequired("end")

	syncCmd.AddCommand(inventory, salesCmd)
	return syncCmd
}

func newHealthCmd() *cobra.Command {
	var restaurant uint
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check adapters and active connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			services, err := setup(cmd)
			if err != nil {
				return err
			}
			defer services.Close()

			var report *pos.HealthReport
			if restaurant != 0 {
				report, err = services.Registry.HealthCheckRestaurant(cmd.Context(), restaurant)
			} else {
				report, err = services.Registry.HealthCheckAll(cmd.Context())
			}
			if err != nil {
				return err
			}
			if err := printJSON(cmd, report); err != nil {
				return err
			}
			if !report.Healthy {
				return fmt.Errorf("unhealthy")
			}
			return nil
		},
	}
	cmd.Flags().UintVar(&restaurant, "restaurant", 0, "limit the check to one restaurant")
	return cmd
}

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh-tokens",
		Short: "Refresh access tokens that expire within POS_TOKEN_REFRESH_WINDOW",
		RunE: func(cmd *cobra.Command, args []string) error {
			services, err := setup(cmd)
			if err != nil {
				return err
			}
			defer services.Close()

			n, err := services.Manager.RefreshExpiringTokens(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("refreshed %d connection(s)\n", n)
			return nil
		},
	}
}

// parseRange reads two YYYY-MM-DD days; the end day is included completely.
func parseRange(start, end string) (time.Time, time.Time, error) {
	s, err := time.Parse("2006-01-02", start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("--start: %w", err)
	}
	e, err := time.Parse("2006-01-02", end)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("--end: %w", err)
	}
	if s.After(e) {
		return time.Time{}, time.Time{}, ingest.ErrInvalidRange
	}
	return s, e.Add(24*time.Hour - time.Nanosecond), nil
}

func printResult(cmd *cobra.Command, result *ingest.SyncResult, err error) error {
	if err != nil {
		return err
	}
	if perr := printJSON(cmd, result); perr != nil {
		return perr
	}
	if !result.Succeeded() {
		return fmt.Errorf("sync %s failed in %s phase", result.SyncID, result.Phase)
	}
	return nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
