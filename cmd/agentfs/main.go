package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// Store flags, overriding the config file
	storeBackend string
	storeDir     string
	storePath    string
	storeURL     string
	modelFlag    string

	logger *zap.Logger
	cfg    *fileConfig
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "agentfs",
	Short: "agentfs - durable conversational sessions on plain storage",
	Long: `agentfs keeps agent conversations in a durable session store: ordered
records on the filesystem, SQLite, or PostgreSQL, repaired on load and
compacted when they outgrow the context budget.

Set ANTHROPIC_API_KEY for commands that talk to the completion service.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = loadConfig(configPath)
		if err != nil {
			return err
		}
		cfg.applyFlags()
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.agentfs.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&storeBackend, "store", "", "storage backend: fs, sqlite or postgres")
	rootCmd.PersistentFlags().StringVar(&storeDir, "dir", "", "session root for the fs backend")
	rootCmd.PersistentFlags().StringVar(&storePath, "db", "", "database file for the sqlite backend")
	rootCmd.PersistentFlags().StringVar(&storeURL, "database-url", "", "connection URL for the postgres backend")
	rootCmd.PersistentFlags().StringVarP(&modelFlag, "model", "m", "", "model for the main conversation")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(sweepCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
