package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"dsawrangler/internal/core/record"
	coresync "dsawrangler/internal/core/sync"
	"dsawrangler/internal/dsa"
	"dsawrangler/internal/infra/logx"
	"dsawrangler/internal/ui"
)

var (
	syncPlain       bool
	syncMetricsAddr string
	syncIDs         []string
	syncBatchSize   int
	syncTimeout     time.Duration
	syncDryRun      bool

	resetAll bool
)

func init() {
	for _, c := range []*cobra.Command{syncCmd, resetCmd} {
		c.Flags().BoolVar(&syncPlain, "plain", false, "print progress lines instead of the progress view")
		c.Flags().StringVar(&syncMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running (default from settings)")
		c.Flags().StringSliceVar(&syncIDs, "ids", nil, "limit to these record ids")
		c.Flags().IntVar(&syncBatchSize, "batch-size", 0, "records pushed concurrently (default from settings)")
		c.Flags().DurationVar(&syncTimeout, "timeout", 0, "cancel the job after this long (default from settings)")
		rootCmd.AddCommand(c)
	}
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "compare with the server and show what would change without pushing")
	resetCmd.Flags().BoolVar(&resetAll, "all", false, "reset every record with a DSA item id")
	resetCmd.MarkFlagsOneRequired("ids", "all")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push every record with pending changes to the DSA server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireServer(); err != nil {
			return err
		}
		return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
			recs := selectRecords(s.store.DirtyRecords(), syncIDs)
			if len(recs) == 0 {
				fmt.Println("nothing to sync")
				return nil
			}
			if syncDryRun {
				return preview(ctx, recs)
			}
			return push(ctx, s, "Syncing", recs, false)
		})
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear bdsaLocal metadata on the DSA items of the selected records",
	Long: `Reset pushes an empty bdsaLocal block for each selected record. Local
records and their pending changes are left as they are.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireServer(); err != nil {
			return err
		}
		return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
			if err := requireRecords(s); err != nil {
				return err
			}
			recs := s.store.Records()
			if !resetAll {
				recs = selectRecords(recs, syncIDs)
			}
			return push(ctx, s, "Resetting", recs, true)
		})
	},
}

func selectRecords(recs []record.Record, ids []string) []record.Record {
	if len(ids) == 0 {
		return recs
	}
	return slices.DeleteFunc(recs, func(r record.Record) bool { return !slices.Contains(ids, r.ID) })
}

func push(ctx context.Context, s *session, title string, recs []record.Record, reset bool) error {
	metrics := dsa.NewMetrics()
	defer serveMetrics(metrics)()

	opts := syncOptions()
	opts.LeaveDirty = reset
	if syncBatchSize > 0 {
		opts.BatchSize = syncBatchSize
	}
	if syncTimeout > 0 {
		opts.Timeout = syncTimeout
	}
	eng := coresync.NewEngine(s.store, coresync.NewDSASubmitter(transportOptions(metrics), requestTimeout, reset))

	var res coresync.Result
	var err error
	if syncPlain {
		res, err = eng.Start(ctx, recs, opts, func(p coresync.Progress) {
			fmt.Printf("[%d/%d] %.0f%%  ok %d  errors %d  skipped %d\n", p.Current, p.Total, p.Percentage, p.Success, p.Errors, p.Skipped)
		})
	} else {
		res, err = ui.RunSync(ctx, title, eng, recs, opts, metrics)
	}
	if jerr := s.ws.RecordJob(context.WithoutCancel(ctx), res); jerr != nil {
		logx.Warn("job history not written", logx.F{"err": jerr})
	}
	fmt.Println(ui.RenderSyncSummary(res, err))
	if err != nil {
		return err
	}
	if res.Errors > 0 {
		return fmt.Errorf("%d of %d records failed", res.Errors, res.TotalItems)
	}
	return nil
}

func preview(ctx context.Context, recs []record.Record) error {
	remote, err := coresync.FetchRemote(ctx, dsaClient(nil), recs, settings.Sync.BatchSize)
	if err != nil {
		return err
	}
	plan := coresync.BuildPlan(recs, remote)
	for _, it := range plan {
		line := fmt.Sprintf("%-9s %s", it.Action, it.RecordID)
		if it.RemoteID != "" {
			line += " (" + it.RemoteID + ")"
		}
		if len(it.Changed) > 0 {
			line += ": " + strings.Join(it.Changed, ", ")
		}
		fmt.Println(line)
	}
	c := coresync.CountPlan(plan)
	fmt.Printf("\n%d create, %d update, %d unchanged, %d skipped\n",
		c[coresync.PlanCreate], c[coresync.PlanUpdate], c[coresync.PlanUnchanged], c[coresync.PlanSkip])
	return nil
}

// serveMetrics exposes the transport collector while a job runs.
func serveMetrics(m *dsa.Metrics) (stop func()) {
	addr := syncMetricsAddr
	if addr == "" {
		addr = settings.Metrics.Address
	}
	if addr == "" {
		return func() {}
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(m, collectors.NewGoCollector())
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Error("metrics server failed", logx.F{"addr": addr, "err": err})
		}
	}()
	logx.Info("serving metrics", logx.F{"addr": addr})
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
