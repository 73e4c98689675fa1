package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"forge/internal/model"
	"forge/internal/registry"
)

var promoteApprover string

var promoteCmd = &cobra.Command{
	Use:   "promote <proposal-id>",
	Short: "Promote a verified proposal to TRUSTED and publish it to the registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		proposalID := args[0]
		proposal, err := current.ledger.GetProposal(proposalID)
		if err != nil {
			return fmt.Errorf("lookup proposal: %w", err)
		}

		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getwd: %w", err)
		}
		sourcePath := filepath.Join(cwd, current.convention.SkillSourcePath(proposal.Name))
		source, err := os.ReadFile(sourcePath)
		if err != nil {
			return fmt.Errorf("read skill source: %w", err)
		}
		sum := sha256.Sum256(source)
		hash := hex.EncodeToString(sum[:])

		if _, err := current.ledger.RecordPromotion(proposalID, promoteApprover, hash); err != nil {
			return fmt.Errorf("record promotion: %w", err)
		}

		reg, err := registry.Open(current.cfg.Paths.RegistryPath)
		if err != nil {
			return fmt.Errorf("open registry: %w", err)
		}
		entry := model.RegistryEntry{
			Name:            proposal.Name,
			Module:          current.convention.ModuleReference(proposal.Name),
			SideEffectClass: proposal.SideEffectClass,
			RequiredSecrets: proposal.RequiredSecrets,
		}
		if err := reg.Promote(entry, source); err != nil {
			return fmt.Errorf("promote to registry: %w", err)
		}

		fmt.Fprintf(os.Stdout, "%s promoted to TRUSTED by %s (hash %s)\n", proposal.Name, promoteApprover, hash)
		return nil
	},
}

func init() {
	promoteCmd.Flags().StringVar(&promoteApprover, "approver", "", "identity of the human approving this promotion")
	promoteCmd.MarkFlagRequired("approver")
}
