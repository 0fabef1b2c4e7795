package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vigil/types"
	"github.com/yairfalse/vigil/wal"
)

func newAuditCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read and verify the audit log",
		Long: `Read and verify the local audit log. Both commands only read the
segment files, so they are safe to run next to a serving gatekeeper.`,
	}
	cmd.AddCommand(newAuditListCmd(opts), newAuditVerifyCmd(opts))
	return cmd
}

func newAuditListCmd(opts *globalOptions) *cobra.Command {
	var (
		kind       string
		subject    string
		after      uint64
		limit      int
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit entries",
		Example: `  vigil audit list --kind evaluation --limit 20
  vigil audit list --subject netops-agent --after 1200
  vigil audit list --kind error --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			page, err := wal.QueryDir(cfg.Audit.Dir, cfg.WALConfig(), wal.Query{
				Kind:    types.AuditKind(kind),
				Subject: subject,
				After:   after,
				Limit:   limit,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(page)
			}
			for _, e := range page.Entries {
				printEntry(out, e)
			}
			if page.Next != 0 {
				fmt.Fprintln(out, faint(fmt.Sprintf("more entries: --after %d", page.Next)))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Only entries of this kind")
	cmd.Flags().StringVar(&subject, "subject", "", "Only entries about this subject")
	cmd.Flags().Uint64Var(&after, "after", 0, "Only entries after this sequence")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries to print")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the page as JSON")
	return cmd
}

func newAuditVerifyCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check sequence continuity and the hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			n, err := wal.Verify(cfg.Audit.Dir, cfg.WALConfig())
			out := cmd.OutOrStdout()
			if err != nil {
				fmt.Fprintf(out, "%s audit log failed verification after %d entries\n", red("✗"), n)
				return err
			}
			fmt.Fprintf(out, "%s %d entries verified\n", green("✓"), n)
			return nil
		},
	}
}
