package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"forge/internal/registry"
	"forge/internal/runtime"
	"forge/internal/toolrunner"
)

var runInputJSON string

var runCmd = &cobra.Command{
	Use:   "run <skill-name>",
	Short: "Execute a trusted skill through the runtime loader",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		var input map[string]any
		if runInputJSON != "" {
			if err := json.Unmarshal([]byte(runInputJSON), &input); err != nil {
				return fmt.Errorf("parse --input: %w", err)
			}
		}

		reg, err := registry.Open(current.cfg.Paths.RegistryPath)
		if err != nil {
			return fmt.Errorf("open registry: %w", err)
		}

		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getwd: %w", err)
		}

		loader := runtime.New(reg, toolrunner.Subprocess{}, current.cfg.Runtime, current.convention, cwd, current.cfg.Paths.ScratchRoot)

		result := loader.Run(context.Background(), name, input)

		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		fmt.Fprintln(os.Stdout, string(out))
		if !result.Success {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runInputJSON, "input", "{}", "JSON input for the skill")
}
