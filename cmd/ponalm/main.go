// Command ponalm builds vocabularies and datasets, trains small language
// models on them and samples text from the checkpoints.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// version is set at link time.
var version = "dev"

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "ponalm",
	Short: "Train and sample small language models",
	Long: `
ponalm trains a small next-token language model from an indexed token
store, with token-budget batching, AdamW, warmup schedules and checkpoints.
	`,
	SilenceUsage: true,
	Version:      version,
}

func newLogger() *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "ponalm",
	})
	if verbose {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Debug logging")
	rootCmd.AddCommand(newTrainCmd())
	rootCmd.AddCommand(newBuildVocabCmd())
	rootCmd.AddCommand(newBuildDataCmd())
	rootCmd.AddCommand(newGenerateCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		newLogger().Error("fatal", "err", err)
		stop()
		os.Exit(1)
	}
}
