package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"dsawrangler/internal/core/conflict"
	"dsawrangler/internal/core/record"
	"dsawrangler/internal/dsa"
	"dsawrangler/internal/ingest"
	"dsawrangler/internal/workspace"
)

var (
	loadResourceID   string
	loadResourceType string
	loadMarkDirty    bool
)

func init() {
	rootCmd.AddCommand(loadCmd)
	loadCmd.PersistentFlags().BoolVar(&loadMarkDirty, "mark-dirty", false, "mark every record with a DSA item id dirty after loading")

	loadDSACmd.Flags().StringVar(&loadResourceID, "resource", "", "DSA folder or collection id (default DSA_RESOURCE_ID)")
	loadDSACmd.Flags().StringVar(&loadResourceType, "type", "", "resource type: folder or collection (default DSA_RESOURCE_TYPE or folder)")

	loadCmd.AddCommand(loadCSVCmd)
	loadCmd.AddCommand(loadDSACmd)
}

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Replace the workspace with records from a CSV file or a DSA folder",
	Long: `Load replaces every record in the workspace and clears all pending
changes. Use --mark-dirty to queue the loaded records for the next sync.`,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

var loadCSVCmd = &cobra.Command{
	Use:   "csv [file]",
	Short: "Load records from a CSV export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
			recs, err := ingest.LoadCSVFile(args[0], settings.CSV)
			if err != nil {
				return err
			}
			return replaceRecords(ctx, s, recs, "csv", args[0])
		})
	},
}

var loadDSACmd = &cobra.Command{
	Use:   "dsa",
	Short: "Load records from the items of a DSA folder or collection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireServer(); err != nil {
			return err
		}
		opt := dsa.ListItemsOpts{ResourceID: cfg.ResourceID, ResourceType: cfg.ResourceType}
		if loadResourceID != "" {
			opt.ResourceID = loadResourceID
		}
		if loadResourceType != "" {
			opt.ResourceType = loadResourceType
		}
		if opt.ResourceID == "" {
			return fmt.Errorf("no resource id; pass --resource or set DSA_RESOURCE_ID")
		}
		return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
			recs, err := ingest.LoadDSA(ctx, dsaClient(nil), opt)
			if err != nil {
				return err
			}
			return replaceRecords(ctx, s, recs, "dsa", opt.ResourceID)
		})
	},
}

func replaceRecords(ctx context.Context, s *session, recs []record.Record, source, origin string) error {
	if err := s.store.Load(recs); err != nil {
		return err
	}
	marked := 0
	if loadMarkDirty {
		for _, r := range recs {
			if r.RemoteID != "" && s.store.MarkDirty(r.ID) {
				marked++
			}
		}
	}
	for k, v := range map[string]string{
		workspace.MetaSource:     source,
		workspace.MetaResourceID: origin,
		workspace.MetaLoadedAt:   time.Now().UTC().Format(time.RFC3339),
	} {
		if err := s.ws.SetMeta(ctx, k, v); err != nil {
			return err
		}
	}
	fmt.Printf("✅ Loaded %d records from %s %s\n", len(recs), source, origin)
	if marked > 0 {
		fmt.Printf("   %d records queued for sync\n", marked)
	}
	rel := conflict.Detect(s.store.Records())
	if !rel.Empty() {
		fmt.Printf("⚠️  %d local and %d external conflicts; run 'dsawrangler conflicts'\n", len(rel.Local), len(rel.External))
	}
	return nil
}
