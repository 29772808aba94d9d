package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"magplay/internal/domain"
	"magplay/internal/resolver"
)

func newResolveCmd() *cobra.Command {
	var (
		timeout    time.Duration
		stagingDir string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "resolve <magnet>",
		Short: "Fetch torrent metadata for a magnet link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			rt := newRuntime()
			defer rt.close()

			r := resolver.New(rt.session, rt.trackers, resolver.Config{
				StagingDir: stagingDir,
				Timeout:    timeout,
				Logger:     rt.logger,
			})
			meta, err := r.Resolve(ctx, args[0], timeout)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(meta)
			}
			printMetadata(meta)
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", resolver.DefaultTimeout, "How long to wait for metadata")
	cmd.Flags().StringVar(&stagingDir, "staging-dir", os.TempDir(), "Directory for metadata-only fetches")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print metadata as JSON")
	return cmd
}

func printMetadata(meta *domain.TorrentMetadata) {
	fmt.Printf("Name:      %s\n", meta.Name)
	fmt.Printf("Info hash: %s\n", meta.InfoHash)
	fmt.Printf("Size:      %s in %d files\n", formatSize(meta.TotalSize), meta.NumFiles)
	fmt.Printf("Created:   %s\n", formatTime(meta.CreationDate))
	if meta.Creator != "" {
		fmt.Printf("Creator:   %s\n", meta.Creator)
	}
	if meta.Comment != "" {
		fmt.Printf("Comment:   %s\n", meta.Comment)
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tSIZE\tPATH")
	for i, f := range meta.Files {
		fmt.Fprintf(w, "%d\t%s\t%s\n", i, formatSize(f.Size), f.Path)
	}
	w.Flush()
}
