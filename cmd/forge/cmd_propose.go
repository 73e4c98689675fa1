package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"forge/internal/model"
	"forge/internal/pathconv"
)

var (
	proposeName            string
	proposeDescription     string
	proposeSideEffectClass string
	proposeInputSchema     string
	proposeOutputSchema    string
	proposeSecrets         []string
)

var proposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Register a new skill proposal",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !pathconv.ValidName(proposeName) {
			return fmt.Errorf("invalid skill name %q: must be lowercase, start with a letter, only [a-z0-9_]", proposeName)
		}
		sec := model.SideEffectClass(proposeSideEffectClass)
		if !model.ValidSideEffectClass(sec) {
			return fmt.Errorf("invalid side-effect-class %q", proposeSideEffectClass)
		}

		proposal := model.SkillProposal{
			Name:            proposeName,
			Description:     proposeDescription,
			SideEffectClass: sec,
			InputSchema:     proposeInputSchema,
			OutputSchema:    proposeOutputSchema,
			RequiredSecrets: proposeSecrets,
		}
		id, err := current.ledger.CreateProposal(proposal)
		if err != nil {
			return fmt.Errorf("create proposal: %w", err)
		}
		fmt.Fprintf(os.Stdout, "proposal %s created (PROPOSED)\n", id)
		return nil
	},
}

func init() {
	proposeCmd.Flags().StringVar(&proposeName, "name", "", "skill name, e.g. write_note")
	proposeCmd.Flags().StringVar(&proposeDescription, "description", "", "what the skill does")
	proposeCmd.Flags().StringVar(&proposeSideEffectClass, "side-effect-class", "", "READ_ONLY|FILE_WRITE|NETWORK|SECRET_READ")
	proposeCmd.Flags().StringVar(&proposeInputSchema, "input-schema", "", "JSON Schema text for the skill's input")
	proposeCmd.Flags().StringVar(&proposeOutputSchema, "output-schema", "", "JSON Schema text for the skill's output")
	proposeCmd.Flags().StringSliceVar(&proposeSecrets, "secret", nil, "a required secret name, may be repeated")
	proposeCmd.MarkFlagRequired("name")
	proposeCmd.MarkFlagRequired("side-effect-class")
}
