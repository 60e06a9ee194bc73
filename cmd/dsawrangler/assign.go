package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"dsawrangler/internal/core/caseid"
	"dsawrangler/internal/ui"
)

var (
	assignLocal       string
	assignAll         bool
	assignInstitution string
	assignPlain       bool
)

func init() {
	rootCmd.AddCommand(assignCmd)
	assignCmd.Flags().StringVar(&assignLocal, "local", "", "assign the next id to this local case id")
	assignCmd.Flags().BoolVar(&assignAll, "all", false, "assign ids to every unmapped local case id")
	assignCmd.Flags().StringVar(&assignInstitution, "institution", "", "three digit institution id (default BDSA_INSTITUTION_ID)")
	assignCmd.Flags().BoolVar(&assignPlain, "plain", false, "print progress lines instead of the progress view")
	assignCmd.MarkFlagsMutuallyExclusive("local", "all")
	assignCmd.MarkFlagsOneRequired("local", "all")
}

var assignCmd = &cobra.Command{
	Use:   "assign",
	Short: "Assign BDSA case identifiers to local case ids",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		inst := assignInstitution
		if inst == "" {
			inst = cfg.InstitutionID
		}
		return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
			if err := requireRecords(s); err != nil {
				return err
			}
			a := s.assigner()
			if !assignAll {
				id, err := a.AssignNext(assignLocal, inst)
				if err != nil {
					return err
				}
				fmt.Printf("✅ %s → %s\n", assignLocal, id)
				return nil
			}

			var sum caseid.Summary
			var err error
			if assignPlain {
				sum, err = a.AssignAllUnmapped(ctx, inst, func(p caseid.Progress) {
					if p.Skipped {
						fmt.Printf("[%d/%d] %s already mapped, skipped\n", p.Current, p.Total, p.LocalCaseID)
						return
					}
					fmt.Printf("[%d/%d] %s → %s\n", p.Current, p.Total, p.LocalCaseID, p.ExternalCaseID)
				})
			} else {
				sum, err = ui.RunAssign(ctx, a, inst)
			}
			if errors.Is(err, context.Canceled) {
				fmt.Println(ui.RenderAssignSummary(sum, err))
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Println(ui.RenderAssignSummary(sum, nil))
			return nil
		})
	},
}
