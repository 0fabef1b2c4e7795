package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vigil/internal/authz"
	"github.com/yairfalse/vigil/types"
	"github.com/yairfalse/vigil/wal"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestEvaluate_ReadOnlyActionPermitted(t *testing.T) {
	req := writeFile(t, "req.json", `{"agent_id":"netops-agent","action":"show_running_config","devices":["edge1"],"confidence":0.9}`)

	out, err := execute(t, "", "evaluate", "-p", "testdata/policy.yaml", "-r", req)
	require.NoError(t, err)
	assert.Contains(t, out, "PERMIT")
	assert.Contains(t, out, "tier 1")
	assert.Contains(t, out, "1.2.0")
}

func TestEvaluate_HardRuleFromStdinAsJSON(t *testing.T) {
	stdin := `{"agent_id":"netops-agent","action":"write_erase","devices":["edge1"],"confidence":1.0}`

	out, err := execute(t, stdin, "evaluate", "-p", "testdata/policy.yaml", "-r", "-", "--trust", "1", "--json")
	require.NoError(t, err)

	var d types.Decision
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.Equal(t, types.VerdictBlock, d.Verdict)
	assert.True(t, d.HardRule)
	assert.NotEmpty(t, d.EvaluationID)
}

func TestEvaluate_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		stdin string
		args  []string
	}{
		{name: "trust out of range", stdin: `{}`, args: []string{"--trust", "1.5"}},
		{name: "unknown field", stdin: `{"agent_id":"a","action":"ping","devices":["r1"],"confidence":1,"shell":"x"}`},
		{name: "invalid request", stdin: `{"agent_id":"a","action":"ping","devices":["r1"],"confidence":2}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"evaluate", "-p", "testdata/policy.yaml", "-r", "-"}, tt.args...)
			_, err := execute(t, tt.stdin, args...)
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}
}

func TestPolicyValidate(t *testing.T) {
	out, err := execute(t, "", "policy", "validate", "testdata/policy.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "policy 1.2.0 is valid")

	broken := writeFile(t, "policy.yaml", "version: [\n")
	_, err = execute(t, "", "policy", "validate", broken)
	assert.Error(t, err)
}

func TestPolicyDiff(t *testing.T) {
	data, err := os.ReadFile("testdata/policy.yaml")
	require.NoError(t, err)
	next := strings.Replace(string(data), `version: "1.2.0"`, `version: "1.3.0"`, 1)
	nextPath := writeFile(t, "next.yaml", next)

	out, err := execute(t, "", "policy", "diff", "testdata/policy.yaml", nextPath)
	require.NoError(t, err)
	assert.Contains(t, out, "1.2.0 -> 1.3.0")
	assert.Contains(t, out, "version")
}

func TestAudit_ListAndVerify(t *testing.T) {
	dir := t.TempDir()
	auditDir := filepath.Join(dir, "audit")
	log, err := wal.Open(auditDir)
	require.NoError(t, err)
	require.NoError(t, log.Append(types.AuditEvaluation, "netops-agent", map[string]string{"verdict": "PERMIT"}))
	require.NoError(t, log.Append(types.AuditExecution, "eval-1", map[string]string{"status": "success"}))
	require.NoError(t, log.AppendError(types.AuditError, "netops-agent", map[string]string{"op": "submit"}, types.ErrForbidden))
	require.NoError(t, log.Close())

	cfgPath := filepath.Join(dir, "vigil.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("[audit]\ndir = \""+auditDir+"\"\n"), 0o600))

	out, err := execute(t, "", "-c", cfgPath, "audit", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "3 entries verified")

	out, err = execute(t, "", "-c", cfgPath, "audit", "list", "--subject", "netops-agent")
	require.NoError(t, err)
	assert.Contains(t, out, "evaluation")
	assert.Contains(t, out, "error")
	assert.NotContains(t, out, "eval-1")

	out, err = execute(t, "", "-c", cfgPath, "audit", "list", "--limit", "2", "--json")
	require.NoError(t, err)
	var page wal.Page
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	assert.Len(t, page.Entries, 2)
	assert.Equal(t, uint64(2), page.Next)
}

func TestTokenIssue(t *testing.T) {
	cfgPath := writeFile(t, "vigil.toml", "[auth]\njwt_secret = \"test-secret\"\n")

	out, err := execute(t, "", "-c", cfgPath, "token", "issue", "--subject", "alice", "--role", "operator")
	require.NoError(t, err)

	auth, err := authz.NewAuthenticator(authz.Config{Secret: "test-secret", Issuer: "vigil"})
	require.NoError(t, err)
	p, err := auth.Authenticate(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Subject)
	assert.Equal(t, authz.RoleOperator, p.Role)
}

func TestTokenIssue_Rejects(t *testing.T) {
	noSecret := writeFile(t, "vigil.toml", "")
	_, err := execute(t, "", "-c", noSecret, "token", "issue", "--subject", "alice")
	assert.ErrorIs(t, err, types.ErrConfiguration)

	withSecret := writeFile(t, "vigil.toml", "[auth]\njwt_secret = \"s\"\n")
	_, err = execute(t, "", "-c", withSecret, "token", "issue", "--subject", "alice", "--role", "root")
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	cfg, err := loadConfig(&globalOptions{configPath: defaultConfigPath})
	require.NoError(t, err)
	assert.Equal(t, ":9464", cfg.Server.Listen)

	_, err = loadConfig(&globalOptions{configPath: "/nonexistent/vigil.toml"})
	assert.Error(t, err)
}

func TestServeHelp_NamesHTTPSurface(t *testing.T) {
	out, err := execute(t, "", "serve", "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "only /health and /metrics")
	assert.Contains(t, out, "no request")
	assert.Contains(t, out, "vigil evaluate")
}
