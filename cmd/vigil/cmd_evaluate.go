package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vigil/policy"
	"github.com/yairfalse/vigil/types"
)

type evaluateOptions struct {
	policyPath  string
	requestPath string
	trust       float64
	jsonOutput  bool
}

func newEvaluateCmd() *cobra.Command {
	opts := &evaluateOptions{}
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Dry-run a request against a policy document",
		Long: `Evaluate an action request against a policy document without touching
devices, the trust store or the audit log. The trust score is supplied
on the command line.`,
		Example: `  vigil evaluate --policy policy.yaml --request req.json
  vigil evaluate -p policy.yaml -r - --trust 0.8 < req.json
  vigil evaluate -p policy.yaml -r req.json --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.policyPath, "policy", "p", "policy.yaml", "Policy document")
	cmd.Flags().StringVarP(&opts.requestPath, "request", "r", "", "Action request JSON file, or - for stdin")
	cmd.Flags().Float64Var(&opts.trust, "trust", 0.1, "Agent trust score to evaluate with")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Print the decision as JSON")
	_ = cmd.MarkFlagRequired("request")
	return cmd
}

func runEvaluate(ctx context.Context, stdin io.Reader, out io.Writer, opts *evaluateOptions) error {
	if opts.trust < 0 || opts.trust > 1 {
		return fmt.Errorf("%w: trust must be within [0, 1]", types.ErrValidation)
	}

	doc, err := policy.LoadFile(ctx, opts.policyPath)
	if err != nil {
		return err
	}

	req, err := readRequest(stdin, opts.requestPath)
	if err != nil {
		return err
	}

	engine := policy.NewEngine(policy.NewHolder(doc), fixedTrust(opts.trust), discardAudit{}, nil)
	d, err := engine.Evaluate(ctx, req)
	if err != nil {
		return err
	}

	if opts.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	}
	printDecision(out, d)
	return nil
}

func readRequest(stdin io.Reader, path string) (types.ActionRequest, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return types.ActionRequest{}, fmt.Errorf("open request: %w", err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	var req types.ActionRequest
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return types.ActionRequest{}, fmt.Errorf("%w: decode request: %v", types.ErrValidation, err)
	}
	return req, nil
}

type fixedTrust float64

func (f fixedTrust) Score(context.Context, string) (float64, error) {
	return float64(f), nil
}

// discardAudit drops entries; dry runs leave no trail.
type discardAudit struct{}

func (discardAudit) Append(types.AuditKind, string, any) error { return nil }

func (discardAudit) AppendError(types.AuditKind, string, any, error) error { return nil }
