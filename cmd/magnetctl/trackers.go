package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"magplay/internal/tracker"
)

func newTrackersCmd() *cobra.Command {
	var (
		refresh bool
		merge   string
	)
	cmd := &cobra.Command{
		Use:   "trackers",
		Short: "Print the tracker list, or merge it into a magnet link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if refresh {
				if err := os.Remove(opts.trackerPath); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("remove tracker cache: %w", err)
				}
			}
			rt := newRuntime()
			list := rt.trackers.Trackers(cmd.Context())

			if merge != "" {
				fmt.Fprintln(cmd.OutOrStdout(), tracker.MergeTrackers(merge, list))
				return nil
			}
			for _, tr := range list {
				fmt.Fprintln(cmd.OutOrStdout(), tr)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Discard the cached list and fetch again")
	cmd.Flags().StringVar(&merge, "merge", "", "Magnet link to append the trackers to")
	return cmd
}
