package main

import (
	"log/slog"
	"os"
	_ "time/tzdata"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:     "voicenote",
		Short:   "Record and send short voice notes",
		Long:    "voicenote records voice clips from a microphone command and delivers them to a contact, a few per day.",
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ~/.voicenote/config.yaml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(recordCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(listenCmd())
	root.AddCommand(quotaCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
