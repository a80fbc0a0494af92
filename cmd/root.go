package cmd

import (
	"fmt"
	"os"

	"worshiproom/config"
	"worshiproom/logger"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "worshiproom",
	Short: "Worship room playback engine.",
	Long:  `Runs synchronized worship rooms: shared playback, a voted request queue and scheduled live events.`,
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initLogger(cfg *config.Config) {
	logger.InitLogger(logger.Config{
		Level:      logger.LogLevel(cfg.LogLevel),
		OutputPath: cfg.LogFile,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAgeDays,
		Compress:   true,
	})
}
