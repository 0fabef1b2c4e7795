package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/yairfalse/vigil/types"
	"github.com/yairfalse/vigil/wal"
)

var (
	green  = color.New(color.FgGreen, color.Bold).SprintFunc()
	yellow = color.New(color.FgYellow, color.Bold).SprintFunc()
	red    = color.New(color.FgRed, color.Bold).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
)

func verdictColor(v types.Verdict) string {
	switch v {
	case types.VerdictPermit:
		return green(string(v))
	case types.VerdictEscalate:
		return yellow(string(v))
	default:
		return red(string(v))
	}
}

func printDecision(out io.Writer, d types.Decision) {
	fmt.Fprintf(out, "%s  tier %d  %s\n", verdictColor(d.Verdict), d.Tier, d.Action)
	fmt.Fprintf(out, "   Reason:     %s\n", d.Reason)
	fmt.Fprintf(out, "   Confidence: %.3f (threshold %.3f, trust %.3f)\n", d.Confidence, d.Threshold, d.TrustScore)
	fmt.Fprintf(out, "   Policy:     %s\n", d.PolicyVersion)
	if d.RequiresSeniorApproval {
		fmt.Fprintln(out, "   Senior approval required")
	}
	if d.SeniorApprovalWaived {
		fmt.Fprintf(out, "   Senior approval waived (maintenance window %s)\n", d.MaintenanceWindow)
	}
	for _, rule := range d.GuardRules {
		fmt.Fprintf(out, "   Guard:      %s\n", rule)
	}
}

func printEntry(out io.Writer, e wal.Entry) {
	line := fmt.Sprintf("%6d  %s  %-20s %s", e.Sequence, e.Timestamp.UTC().Format("2006-01-02T15:04:05Z"), e.Kind, e.Subject)
	if e.Error != "" {
		fmt.Fprintf(out, "%s  %s\n", line, red(e.Error))
		return
	}
	fmt.Fprintln(out, line)
}

func printChanges(out io.Writer, changes []string) {
	if len(changes) == 0 {
		fmt.Fprintln(out, faint("no changes"))
		return
	}
	for _, c := range changes {
		fmt.Fprintf(out, "  • %s\n", c)
	}
}
