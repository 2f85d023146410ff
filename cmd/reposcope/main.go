// Package main implements the reposcope CLI - evidence-grounded code Q&A
// and PR security review for PHP/Laravel-style repositories.
//
// Command implementations are split across cmd_*.go files:
//   - cmd_index.go  - indexCmd: parse a checkout and land a generation
//   - cmd_ask.go    - askCmd: hybrid retrieval + constrained answering
//   - cmd_review.go - reviewCmd: diff-scoped security review
//   - cmd_query.go  - routesCmd, symbolsCmd, usageCmd: index inspection
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"reposcope/internal/config"
	"reposcope/internal/logging"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string
	sourceRoot string
	timeout    time.Duration

	// Loaded configuration
	cfg *config.Config

	// Logger for terminal output
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "reposcope",
	Short: "reposcope - evidence-grounded code Q&A and PR review",
	Long: `reposcope ingests PHP/Laravel-style repositories and answers questions
about them with hard evidence: every claim carries a (file, line-range,
snippet) citation an external reader can verify.

Detection is deterministic, retrieval is hybrid (trigram + vectors), and
the language model only phrases - it never detects facts and never invents
locations.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Local secrets, if present, before config resolution.
		_ = godotenv.Load()

		zapCfg := zap.NewProductionConfig()
		zapCfg.Encoding = "console"
		zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		ws := workspace
		if ws == "" {
			ws, _ = os.Getwd()
		}
		if err := logging.Initialize(ws); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to initialize file logging: %v\n", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		return cfg.Validate()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose terminal output")
	rootCmd.PersistentFlags().StringVar(&workspace, "workspace", "", "workspace directory (default: cwd)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "reposcope.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVar(&sourceRoot, "source-root", "checkouts", "root of commit-addressed checkouts")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "overall command timeout")

	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(routesCmd)
	rootCmd.AddCommand(symbolsCmd)
	rootCmd.AddCommand(usageCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
