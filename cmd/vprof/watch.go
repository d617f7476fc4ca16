package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/vprof/internal/ingest"
)

var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Upload every file dropped into a directory",
	Long: `Upload every file dropped into a directory into the active chat.

Files already in the directory are left alone. Partial downloads and
hidden files are skipped.

Example:
  vprof watch ~/Desktop/lecture-inbox`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := args[0]
		info, err := os.Stat(dir)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", dir)
		}
		settle, _ := cmd.Flags().GetDuration("settle")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		printStep("Watching %s (Ctrl-C to stop)", dir)
		return ingest.NewWatcher(dir, client, settle).Run(ctx)
	},
}

func init() {
	watchCmd.Flags().Duration("settle", 500*time.Millisecond, "wait this long after the last write before uploading")
}

var _ ingest.Uploader = (*apiClient)(nil)
