package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"dsawrangler/internal/core/caseid"
	"dsawrangler/internal/core/conflict"
	"dsawrangler/internal/core/record"
	"dsawrangler/internal/workspace"
)

var statusJobs int

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().IntVar(&statusJobs, "jobs", 5, "number of recent sync jobs to show")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize the workspace: records, pending changes, conflicts and sync history",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
			source, _ := s.ws.Meta(ctx, workspace.MetaSource)
			origin, _ := s.ws.Meta(ctx, workspace.MetaResourceID)
			loaded, _ := s.ws.Meta(ctx, workspace.MetaLoadedAt)

			recs := s.store.Records()
			rel := conflict.Detect(recs)
			fmt.Printf("Workspace:  %s\n", s.ws.Path())
			if source != "" {
				fmt.Printf("Source:     %s %s (loaded %s)\n", source, origin, loaded)
			}
			fmt.Printf("Server:     %s\n", valueOr(cfg.APIURL, "(not configured)"))
			fmt.Printf("Records:    %d\n", len(recs))
			fmt.Printf("Dirty:      %d\n", s.store.DirtyCount())
			fmt.Printf("Unmapped:   %d local case ids without %s id\n", len(caseid.Unmapped(recs)), settings.Identifiers.Prefix)
			fmt.Printf("Protocols:  %d records without stain, %d without region protocol\n",
				countUnmapped(recs, record.Stain), countUnmapped(recs, record.Region))
			fmt.Printf("Conflicts:  %d local, %d external\n", len(rel.Local), len(rel.External))

			jobs, err := s.ws.Jobs(ctx, statusJobs)
			if err != nil {
				return err
			}
			if len(jobs) > 0 {
				fmt.Println("\nRecent syncs:")
				for _, j := range jobs {
					fmt.Printf("  %s  %-9s %d/%d ok, %d errors, %d skipped in %s  (%s)\n",
						j.StartedAt.Local().Format(time.DateTime), j.State, j.Success, j.Total, j.Errors, j.Skipped,
						j.Duration.Round(time.Millisecond), j.JobID)
				}
			}
			return nil
		})
	},
}

func countUnmapped(recs []record.Record, kind record.ProtocolKind) int {
	n := 0
	for _, r := range recs {
		if r.LocalTypeID(kind) != "" && len(r.Protocols(kind)) == 0 {
			n++
		}
	}
	return n
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
