package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"dsawrangler/internal/core/conflict"
	"dsawrangler/internal/ui"
)

var (
	conflictsPlain bool
	resolveChoose  string
	resolveClear   bool
)

func init() {
	rootCmd.AddCommand(conflictsCmd)
	conflictsCmd.Flags().BoolVar(&conflictsPlain, "plain", false, "print a plain listing instead of the table view")

	rootCmd.AddCommand(resolveCmd)
	for _, c := range []*cobra.Command{resolveLocalCmd, resolveExternalCmd} {
		c.Flags().StringVar(&resolveChoose, "choose", "", "value to keep")
		c.Flags().BoolVar(&resolveClear, "clear", false, "remove the external id from every record involved")
		c.MarkFlagsMutuallyExclusive("choose", "clear")
		c.MarkFlagsOneRequired("choose", "clear")
		resolveCmd.AddCommand(c)
	}
}

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List local case ids with several external ids and external ids shared by several cases",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
			rel := conflict.Detector{Store: s.store}.Compute()
			if conflictsPlain || rel.Empty() {
				fmt.Println(ui.RenderConflicts(rel))
				return nil
			}
			return ui.BrowseConflicts(rel)
		})
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve one conflict by choosing the value to keep or clearing it",
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

var resolveLocalCmd = &cobra.Command{
	Use:   "local [localCaseId]",
	Short: "Give every record of a local case the chosen external id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
			var n int
			var err error
			if resolveClear {
				n, err = conflict.ClearLocal(s.store, args[0])
			} else {
				n, err = conflict.ResolveLocal(s.store, args[0], resolveChoose)
			}
			if err != nil {
				return err
			}
			fmt.Printf("✅ %d records of local case %s updated\n", n, args[0])
			return nil
		})
	},
}

var resolveExternalCmd = &cobra.Command{
	Use:   "external [externalId]",
	Short: "Keep an external id only on the chosen local case",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
			var n int
			var err error
			if resolveClear {
				n, err = conflict.ClearExternal(s.store, args[0])
			} else {
				n, err = conflict.ResolveExternal(s.store, args[0], resolveChoose)
			}
			if err != nil {
				return err
			}
			fmt.Printf("✅ %d records carrying %s updated\n", n, args[0])
			return nil
		})
	},
}
