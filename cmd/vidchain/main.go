package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vidchain/vidchain/internal/config"
	"github.com/vidchain/vidchain/internal/logger"
)

var (
	envFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vidchain",
		Short: "Publish and browse videos recorded on a ledger",
		Long: `vidchain uploads media to a content-addressed store, records it on a
ledger under your wallet address, and lists everything published so far.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			slog.SetDefault(logger.NewWithWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat))
		},
	}

	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "dotenv file to load")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL")

	rootCmd.AddCommand(
		serveCmd(),
		walletCmd(),
		whoamiCmd(),
		publishCmd(),
		commitCmd(),
		pendingCmd(),
		videosCmd(),
		searchCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() config.Config {
	cfg := config.Load(envFile)
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg
}
