package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"forge/internal/classify"
	"forge/internal/diff"
	"forge/internal/forgeerr"
	"forge/internal/logging"
	"forge/internal/model"
	"forge/internal/sandbox"
	"forge/internal/store"
	"forge/internal/toolrunner"
)

var (
	buildParentID  string
	buildPacketFile string
)

var buildCmd = &cobra.Command{
	Use:   "build <proposal-id>",
	Short: "Open a build attempt and invoke the build worker in a sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		proposalID := args[0]
		proposal, err := current.ledger.GetProposal(proposalID)
		if err != nil {
			return fmt.Errorf("lookup proposal: %w", err)
		}

		packet, err := os.ReadFile(buildPacketFile)
		if err != nil {
			return fmt.Errorf("read packet file: %w", err)
		}

		buildID, err := current.ledger.OpenBuild(proposalID, buildParentID)
		if err != nil {
			return fmt.Errorf("open build: %w", err)
		}

		packetArtifactID, err := current.artifacts.Put(packet, model.KindBuildPacket)
		if err != nil {
			return fmt.Errorf("store packet: %w", err)
		}
		if err := current.ledger.SetBuildPacket(buildID, packetArtifactID); err != nil {
			return fmt.Errorf("set build packet: %w", err)
		}

		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getwd: %w", err)
		}

		builder := sandbox.New(toolrunner.Subprocess{KillGrace: current.cfg.Sandbox.KillGracePeriod}, current.cfg.Sandbox, current.convention)

		ctx, cancel := context.WithTimeout(context.Background(), current.cfg.Sandbox.BuildTimeout+current.cfg.Sandbox.KillGracePeriod)
		defer cancel()

		ws, err := builder.Prepare(ctx, cwd, current.cfg.Paths.ScratchRoot, buildID)
		if err != nil {
			return fmt.Errorf("prepare sandbox: %w", err)
		}

		invokeResult, invokeErr := builder.Invoke(ctx, ws, string(packet))

		outcome, failureKind, failureDetail, diffArtifactID, recordErr := recordBuildOutcome(builder, current.artifacts, ws, cwd, proposal.Name, invokeResult, invokeErr)
		if recordErr != nil {
			builder.Cleanup(ws, false)
			return recordErr
		}

		logArtifactID, err := current.artifacts.Put([]byte(invokeResult.Combined()), model.KindBuildLog)
		if err != nil {
			builder.Cleanup(ws, false)
			return fmt.Errorf("store build log: %w", err)
		}

		if err := current.ledger.RecordBuildResult(buildID, outcome, logArtifactID, failureKind, failureDetail); err != nil {
			builder.Cleanup(ws, false)
			return fmt.Errorf("record build result: %w", err)
		}
		if diffArtifactID != "" {
			if err := current.ledger.SetBuildDiffPreview(buildID, diffArtifactID); err != nil {
				builder.Cleanup(ws, false)
				return fmt.Errorf("set build diff preview: %w", err)
			}
		}

		builder.Cleanup(ws, outcome == model.OutcomeSucceeded)
		fmt.Fprintf(os.Stdout, "build %s %s\n", buildID, outcome)
		return nil
	},
}

// recordBuildOutcome gates and (on success) copies back the worker's
// changes, returning the outcome, classified failure, and diff preview
// artifact id (empty if none was computed) for the ledger.
func recordBuildOutcome(builder *sandbox.Builder, artifacts *store.ArtifactStore, ws *sandbox.Workspace, canonicalRoot, skillName string, invokeResult toolrunner.Result, invokeErr error) (model.BuildOutcome, model.FailureKind, string, string, error) {
	in := classify.Input{TimedOut: invokeResult.TimedOut, WorkerExitCode: invokeResult.ExitCode, BuildStderrTail: invokeResult.Stderr}

	if invokeErr != nil && !forgeerr.Is(invokeErr, forgeerr.ErrTimeout) {
		return model.OutcomeFailed, model.FailureBuildError, invokeErr.Error(), "", nil
	}
	if invokeResult.TimedOut {
		rec := classify.Classify(in)
		return model.OutcomeFailed, rec.Kind, fmt.Sprintf("%v", rec.Facts), "", nil
	}
	if !invokeResult.OK() {
		in.WorkerFailed = true
		rec := classify.Classify(in)
		return model.OutcomeFailed, rec.Kind, fmt.Sprintf("%v", rec.Facts), "", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	changed, gateErr := builder.Gate(ctx, ws, skillName, nil)
	if gateErr != nil {
		in.GateViolation = true
		rec := classify.Classify(in)
		return model.OutcomeFailed, rec.Kind, gateErr.Error(), "", nil
	}

	diffArtifactID, err := storeDiffPreview(artifacts, canonicalRoot, ws, changed)
	if err != nil {
		logging.Get(logging.CategorySandbox).Warn("diff preview skipped for %s: %v", skillName, err)
	}

	if err := builder.CopyBack(canonicalRoot, ws, changed); err != nil {
		return model.OutcomeFailed, model.FailureBuildError, err.Error(), "", fmt.Errorf("copy back: %w", err)
	}

	return model.OutcomeSucceeded, "", "", diffArtifactID, nil
}

// storeDiffPreview renders the pre-copy-back diff between canonicalRoot and
// the sandbox workspace for each changed path and stores it as a
// PATCH_SUMMARY artifact. Must run before CopyBack, which overwrites
// canonicalRoot with the sandbox's content.
func storeDiffPreview(artifacts *store.ArtifactStore, canonicalRoot string, ws *sandbox.Workspace, changed []string) (string, error) {
	files := make(map[string]diff.ChangedFile, len(changed))
	for _, rel := range changed {
		before, _ := os.ReadFile(filepath.Join(canonicalRoot, rel))
		after, err := os.ReadFile(filepath.Join(ws.Dir, rel))
		if err != nil {
			return "", fmt.Errorf("read sandbox copy of %s: %w", rel, err)
		}
		files[rel] = diff.ChangedFile{Before: string(before), After: string(after)}
	}

	rendered := diff.BuildPreview(files).RenderUnified()
	if rendered == "" {
		return "", nil
	}
	return artifacts.Put([]byte(rendered), model.KindPatchSummary)
}

func init() {
	buildCmd.Flags().StringVar(&buildParentID, "parent-build", "", "parent build id, for a retry attempt")
	buildCmd.Flags().StringVar(&buildPacketFile, "packet", "", "path to the build packet text file")
	buildCmd.MarkFlagRequired("packet")
}
