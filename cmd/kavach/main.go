package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GuruMachanica/KavachG/internal/config"
	"github.com/GuruMachanica/KavachG/internal/logging"
)

var (
	envFile  string
	logLevel string

	cfg        *config.Config
	logger     *zap.Logger
	undoLogger func()
)

var rootCmd = &cobra.Command{
	Use:   "kavach",
	Short: "KavachG - workplace safety incident detection",
	Long: `KavachG watches camera streams for safety violations (missing PPE, fire or
smoke, falls, restricted-area entry), records a clip once a violation has
persisted, and files an incident with the incident store.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(envFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logger, undoLogger, err = logging.Install(logging.Options{
			Level:       cfg.Log.Level,
			Format:      cfg.Log.Format,
			OutputPaths: cfg.Log.OutputPaths,
			Development: cfg.Log.Development,
		})
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		if undoLogger != nil {
			undoLogger()
		}
	},
	// No RunE - defaults to showing help when no subcommand is provided
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "Path to a .env file (missing is fine)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override KAVACH_LOG_LEVEL")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(incidentsCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(camerasCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
