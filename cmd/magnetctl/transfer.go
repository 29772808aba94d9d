package main

import (
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"magplay/internal/domain"
	"magplay/internal/transfer"
)

func newDownloadCmd() *cobra.Command {
	var fileIndex int
	cmd := &cobra.Command{
		Use:   "download <magnet>",
		Short: "Download a single file from a torrent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransfer(cmd, args[0], fileIndex, domain.TransferModeDownload, 0)
		},
	}
	cmd.Flags().IntVarP(&fileIndex, "file", "f", 0, "Index of the file to download")
	return cmd
}

func newStreamCmd() *cobra.Command {
	var (
		fileIndex int
		threshold float64
	)
	cmd := &cobra.Command{
		Use:   "stream <magnet>",
		Short: "Download a file and report when it is playable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransfer(cmd, args[0], fileIndex, domain.TransferModeStream, threshold)
		},
	}
	cmd.Flags().IntVarP(&fileIndex, "file", "f", 0, "Index of the file to stream")
	cmd.Flags().Float64Var(&threshold, "ready-at", transfer.DefaultReadyThreshold, "Fraction of the file needed before it is playable")
	return cmd
}

// runTransfer shows a progress bar until the file is complete or the user
// interrupts. Streams keep running after they become ready.
func runTransfer(cmd *cobra.Command, magnetURI string, fileIndex int, mode domain.TransferMode, threshold float64) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	rt := newRuntime()
	defer rt.close()

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("waiting for metadata"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(200*time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
	)

	finished := make(chan struct{})
	var complete bool
	cb := transfer.Callbacks{
		OnMetadata: func(meta domain.TorrentMetadata) {
			name := meta.Name
			if fileIndex < len(meta.Files) {
				name = meta.Files[fileIndex].Path
			}
			bar.Describe(name)
		},
		OnProgress: func(percent float64) {
			_ = bar.Set(int(percent))
			if percent >= 100 && !complete {
				complete = true
				close(finished)
			}
		},
		OnSpeed: func(down, up int64) {
			bar.Describe(fmt.Sprintf("down %s up %s", formatRate(down), formatRate(up)))
		},
		OnReady: func(path string) {
			fmt.Fprintf(os.Stderr, "\nready to play: %s\n", path)
		},
		OnError: func(err error) {
			fmt.Fprintf(os.Stderr, "\nwarning: %v\n", err)
		},
	}

	cfg := transfer.Config{DownloadRoot: opts.dataDir, ReadyThreshold: threshold, Logger: rt.logger}
	var (
		t   *transfer.Transfer
		err error
	)
	if mode == domain.TransferModeStream {
		t, err = transfer.NewStreamer(rt.session, rt.trackers, nil, cfg).StartStream(ctx, magnetURI, fileIndex, cb)
	} else {
		t, err = transfer.NewDownloader(rt.session, rt.trackers, cfg).StartDownload(ctx, magnetURI, fileIndex, cb)
	}
	if err != nil {
		return err
	}
	defer t.Stop()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "\ninterrupted")
	case <-finished:
		_ = bar.Finish()
		fmt.Fprintf(os.Stderr, "done: %s\n", t.FilePath())
	}
	return nil
}
