package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"dsawrangler/internal/core/protocol"
	"dsawrangler/internal/core/record"
)

var (
	protoKind      string
	protoLocalType string
	protoMinConf   float64
)

func init() {
	rootCmd.AddCommand(protocolCmd)
	protocolCmd.PersistentFlags().StringVar(&protoKind, "kind", "stain", "protocol kind: stain or region")

	for _, c := range []*cobra.Command{protocolAddCmd, protocolRemoveCmd} {
		c.Flags().StringVar(&protoLocalType, "local-type", "", "target every record with this local stain/region id")
	}
	for _, c := range []*cobra.Command{protocolSuggestCmd, protocolApplyCmd} {
		c.Flags().Float64Var(&protoMinConf, "min-confidence", -1, "only use suggestions at or above this confidence (default from settings)")
	}
	protocolCmd.AddCommand(protocolAddCmd, protocolRemoveCmd, protocolSuggestCmd, protocolApplyCmd)
}

var protocolCmd = &cobra.Command{
	Use:   "protocol",
	Short: "Map stain and region protocols onto records",
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

var protocolAddCmd = &cobra.Command{
	Use:   "add [protocol] [recordId...]",
	Short: "Add a protocol to records",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editProtocols(cmd, args, (*protocol.Engine).AddMapping, "added to")
	},
}

var protocolRemoveCmd = &cobra.Command{
	Use:   "remove [protocol] [recordId...]",
	Short: "Remove a protocol from records",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editProtocols(cmd, args, (*protocol.Engine).RemoveMapping, "removed from")
	},
}

type mappingFunc func(e *protocol.Engine, recordID, name string, kind record.ProtocolKind) (bool, error)

func editProtocols(cmd *cobra.Command, args []string, apply mappingFunc, verb string) error {
	kind, err := parseKind(protoKind)
	if err != nil {
		return err
	}
	name, ids := args[0], args[1:]
	if len(ids) == 0 && protoLocalType == "" {
		return fmt.Errorf("name record ids or pass --local-type")
	}
	return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
		if protoLocalType != "" {
			for _, r := range s.store.Records() {
				if strings.EqualFold(strings.TrimSpace(r.LocalTypeID(kind)), protoLocalType) {
					ids = append(ids, r.ID)
				}
			}
		}
		e := s.protocols()
		changed := 0
		for _, id := range ids {
			ok, err := apply(e, id, name, kind)
			if err != nil {
				return err
			}
			if ok {
				changed++
			}
		}
		fmt.Printf("✅ %s %s %d of %d records\n", name, verb, changed, len(ids))
		return nil
	})
}

var protocolSuggestCmd = &cobra.Command{
	Use:   "suggest",
	Short: "Suggest protocols for records that have none",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKind(protoKind)
		if err != nil {
			return err
		}
		return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
			cands := s.protocols().SuggestUnmapped(kind, minConfidence())
			if len(cands) == 0 {
				fmt.Println("no suggestions")
				return nil
			}
			for _, c := range cands {
				printCandidate(c)
			}
			return nil
		})
	},
}

var protocolApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply every suggestion at or above the confidence threshold",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKind(protoKind)
		if err != nil {
			return err
		}
		return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
			e := s.protocols()
			cands := e.SuggestUnmapped(kind, minConfidence())
			for _, c := range cands {
				printCandidate(c)
			}
			n, err := e.ApplySuggestions(cands)
			if err != nil {
				return err
			}
			fmt.Printf("✅ %d records updated\n", n)
			return nil
		})
	},
}

func minConfidence() float64 {
	if protoMinConf >= 0 {
		return protoMinConf
	}
	return settings.Protocols.MinConfidence
}

func printCandidate(c protocol.Candidate) {
	sg := c.Suggestion
	from := ""
	if sg.MatchedLocalID != c.LocalTypeID {
		from = fmt.Sprintf(" (via %s)", sg.MatchedLocalID)
	}
	fmt.Printf("%-20s → %-20s %3.0f%% %-5s %d/%d%s  [%d records]\n",
		c.LocalTypeID, sg.Protocol, sg.Confidence*100, sg.Kind, sg.Count, sg.Total, from, len(c.RecordIDs))
}
