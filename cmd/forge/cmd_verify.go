package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"forge/internal/model"
	"forge/internal/toolrunner"
	"forge/internal/verify"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <build-id>",
	Short: "Run the verification battery against a build's skill source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		buildID := args[0]
		build, err := current.ledger.GetBuild(buildID)
		if err != nil {
			return fmt.Errorf("lookup build: %w", err)
		}
		proposal, err := current.ledger.GetProposal(build.ProposalID)
		if err != nil {
			return fmt.Errorf("lookup proposal: %w", err)
		}

		battery, err := verify.New(toolrunner.Subprocess{KillGrace: 5 * time.Second}, current.cfg.Verify, current.cfg.Policy, current.convention)
		if err != nil {
			return fmt.Errorf("build battery: %w", err)
		}

		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getwd: %w", err)
		}
		sourcePath, testPath := current.convention.RequiredPaths(proposal.Name)

		ctx, cancel := context.WithTimeout(context.Background(), current.cfg.Verify.GateTimeout*6)
		defer cancel()

		results, record, err := battery.Run(ctx, verify.Input{
			WorkspaceDir: cwd,
			SkillName:    proposal.Name,
			SideEffect:   proposal.SideEffectClass,
			ChangedFiles: []string{sourcePath, testPath},
		})
		if err != nil {
			return fmt.Errorf("run verification battery: %w", err)
		}

		report, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
		reportArtifactID, err := current.artifacts.Put(report, model.KindVerificationReport)
		if err != nil {
			return fmt.Errorf("store verification report: %w", err)
		}

		record.BuildID = buildID
		record.ReportArtifactID = reportArtifactID
		if _, err := current.ledger.RecordVerification(record); err != nil {
			return fmt.Errorf("record verification: %w", err)
		}

		fmt.Fprintf(os.Stdout, "verification for build %s: all_ok=%v\n", buildID, record.AllOK)
		for _, r := range results {
			fmt.Fprintf(os.Stdout, "  %-12s ok=%v\n", r.Name, r.OK)
		}
		return nil
	},
}
