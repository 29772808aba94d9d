package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"magplay/internal/engine"
	"magplay/internal/engine/anacrolix"
	"magplay/internal/logging"
	"magplay/internal/session"
	"magplay/internal/tracker"
)

type options struct {
	dataDir     string
	trackerPath string
	logLevel    string
	noDHT       bool
	listenPort  int
}

var opts options

var rootCmd = &cobra.Command{
	Use:   "magnetctl",
	Short: "Resolve magnets and fetch single files from the command line",
	Long: `magnetctl drives the same engine session as the server without any
persistence. It can resolve magnet metadata, download one file from a
torrent, or stream one file and report when it becomes playable.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&opts.dataDir, "data-dir", "d", "data/downloads", "Download directory")
	rootCmd.PersistentFlags().StringVar(&opts.trackerPath, "tracker-cache", "data/trackers.txt", "Tracker list cache file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVar(&opts.noDHT, "no-dht", false, "Disable DHT peer discovery")
	rootCmd.PersistentFlags().IntVarP(&opts.listenPort, "port", "p", 0, "Peer listen port (0 picks one)")

	rootCmd.AddCommand(newResolveCmd(), newDownloadCmd(), newStreamCmd(), newTrackersCmd())
}

// runtime is the engine stack shared by the subcommands.
type runtime struct {
	logger   *logrus.Logger
	session  *session.Session
	trackers *tracker.Provider
}

func newRuntime() *runtime {
	logger := logging.New(logging.Config{Level: opts.logLevel})
	settings := engine.DefaultSettings()
	settings.DataDir = opts.dataDir
	settings.ListenPort = opts.listenPort
	settings.EnableDHT = !opts.noDHT

	return &runtime{
		logger: logger,
		session: session.New(session.Config{
			Settings: settings,
			Factory:  func() engine.Engine { return anacrolix.New(logger) },
			Logger:   logger,
		}),
		trackers: tracker.NewProvider(tracker.Config{
			CachePath: opts.trackerPath,
			Logger:    logger,
		}),
	}
}

func (r *runtime) close() {
	if err := r.session.Stop(); err != nil {
		r.logger.Warnf("stop engine: %v", err)
	}
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func formatRate(bytesPerSec int64) string {
	return fmt.Sprintf("%.1f MiB/s", float64(bytesPerSec)/1024/1024)
}

func formatSize(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
