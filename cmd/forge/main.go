// Package main implements forge, the thin operator CLI driving the
// forge core library end to end: propose, build, verify, promote, run.
// It is a scriptable surface over the library, not the excluded
// conversational layer.
//
// # File Index
//
//   - main.go        - entry point, rootCmd, global flags, app wiring
//   - cmd_propose.go - proposeCmd
//   - cmd_build.go   - buildCmd
//   - cmd_verify.go  - verifyCmd
//   - cmd_promote.go - promoteCmd
//   - cmd_run.go     - runCmd
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"forge/internal/config"
	"forge/internal/logging"
	"forge/internal/pathconv"
	"forge/internal/store"
)

var (
	dataRoot   string
	configPath string
)

// app bundles the library handles every subcommand needs. Built lazily
// in PersistentPreRunE so `forge --help` never touches disk.
type app struct {
	cfg        *config.Config
	ledger     *store.Ledger
	artifacts  *store.ArtifactStore
	convention pathconv.Convention
}

var current *app

func buildApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if dataRoot != "" {
		cfg.Paths.DataRoot = dataRoot
	}

	if err := logging.Initialize(logging.Options{
		DebugMode: cfg.Logging.DebugMode,
		DataRoot:  cfg.Paths.DataRoot,
		Level:     parseLevel(cfg.Logging.Level),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to initialize logging: %v\n", err)
	}

	ledger, err := store.Open(cfg.Paths.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	artifacts := store.NewArtifactStore(ledger, cfg.Paths.BlobRoot)
	conv := pathconv.New(cfg.Paths.SkillRoot, cfg.Paths.TestRoot)

	return &app{cfg: cfg, ledger: ledger, artifacts: artifacts, convention: conv}, nil
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "forge - operator CLI for the skill trust pipeline",
	Long: `forge drives a governed skill's lifecycle from proposal through
hash-verified execution: propose a capability, build it in a sandbox,
run the verification battery, promote a trusted skill into the
registry, and run it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		current = a
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if current != nil && current.ledger != nil {
			current.ledger.Close()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "forge.yaml", "path to the forge config file")
	rootCmd.PersistentFlags().StringVar(&dataRoot, "data-root", "", "override the configured data root")

	rootCmd.AddCommand(proposeCmd, buildCmd, verifyCmd, promoteCmd, runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
