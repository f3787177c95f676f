package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lockstep/lockstep/internal/config"
	"github.com/lockstep/lockstep/internal/core/checkpoint"
	"github.com/lockstep/lockstep/pkg/lockstep"
)

func newSnapshotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "Inspect stored var snapshots",
		Long:  `Commands for reading the snapshot store selected by snapshot.driver.`,
	}
	cmd.AddCommand(newSnapshotsListCmd())
	return cmd
}

func newSnapshotsListCmd() *cobra.Command {
	var f checkpoint.Filter
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest timestep first",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			if s.Snapshot.Driver == config.DriverNone {
				return fmt.Errorf("snapshots are disabled (snapshot.driver is %q)", config.DriverNone)
			}
			if since > 0 {
				t := time.Now().Add(-since)
				f.Since = &t
			}

			saver, closeFn, err := lockstep.OpenSaver(cmd.Context(), s)
			if err != nil {
				return err
			}
			defer closeFn()

			cps, err := saver.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				if cps == nil {
					cps = []*checkpoint.Checkpoint{}
				}
				return writeJSON(cmd.OutOrStdout(), cps)
			}
			if len(cps) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no snapshots")
				return nil
			}
			for _, cp := range cps {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  run=%s  process=%s  t=%d  source=%s  vars=%d\n",
					cp.Timestamp.Format(time.RFC3339), cp.RunID, cp.Process, cp.Timestep, cp.Metadata.Source, len(cp.Vars))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&f.RunID, "run-id", "", "Only snapshots of this run")
	cmd.Flags().StringVar(&f.Process, "process", "", "Only snapshots of this process")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "Maximum number of snapshots")
	cmd.Flags().StringSliceVar(&f.Tags, "tag", nil, "Only snapshots carrying every tag")
	cmd.Flags().DurationVar(&since, "since", 0, "Only snapshots newer than this age")
	return cmd
}
