package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vigil/policy"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Validate and compare policy documents",
	}
	cmd.AddCommand(newPolicyValidateCmd(), newPolicyDiffCmd())
	return cmd
}

func newPolicyValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "validate <policy.yaml>",
		Short:   "Check a policy document before deploying it",
		Example: `  vigil policy validate /etc/vigil/policy.yaml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := policy.LoadFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s policy %s is valid\n", green("✓"), doc.Version)
			fmt.Fprintf(out, "   Tiers:            %d\n", len(doc.Tiers))
			fmt.Fprintf(out, "   Hard rules:       %d\n", len(doc.HardRules.AlwaysBlock))
			fmt.Fprintf(out, "   Validation rules: %d\n", len(doc.ValidationRules))
			fmt.Fprintf(out, "   Guards:           %d\n", len(doc.Guards))
			return nil
		},
	}
}

func newPolicyDiffCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "diff <old.yaml> <new.yaml>",
		Short:   "Show what a reload from old to new would change",
		Example: `  vigil policy diff policy.yaml policy.next.yaml`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			old, err := policy.LoadFile(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			updated, err := policy.LoadFile(cmd.Context(), args[1])
			if err != nil {
				return fmt.Errorf("%s: %w", args[1], err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s -> %s\n", old.Version, updated.Version)
			printChanges(out, policy.Diff(old, updated))
			return nil
		},
	}
}
