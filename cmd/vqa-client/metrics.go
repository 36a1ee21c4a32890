package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/example/vqa-verify/internal/artifacts"
	"github.com/example/vqa-verify/internal/evaluation"
)

func newMetricsCommand() *cobra.Command {
	var (
		runDir string
		labels string
		subset int
		update bool
	)
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Recompute metrics for a finished run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := artifacts.ReadStats(runDir)
			if err != nil {
				return err
			}
			store, err := evaluation.LoadLabels(labels)
			if err != nil {
				return err
			}
			m, err := evaluation.Compute(stats.AcceptedIDs, store, subset)
			if err != nil {
				return err
			}

			if update {
				stats.Metrics = &m
				stats.TruePositiveIDs = m.TruePositiveIDs
				if err := (&artifacts.Dir{Path: runDir}).WriteStats(stats); err != nil {
					return err
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(m)
		},
	}
	cmd.Flags().StringVar(&runDir, "run-dir", "", "Run directory containing stats_overall.json")
	cmd.Flags().StringVar(&labels, "labels", "", "Label store (JSON or YAML)")
	cmd.Flags().IntVar(&subset, "subset", 0, "Evaluate against the first N labels in id order")
	cmd.Flags().BoolVar(&update, "update", false, "Write the metrics back into stats_overall.json")
	_ = cmd.MarkFlagRequired("run-dir")
	_ = cmd.MarkFlagRequired("labels")
	return cmd
}
