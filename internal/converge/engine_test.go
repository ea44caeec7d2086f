package converge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/simpleclaw/fleet/internal/model"
	"github.com/simpleclaw/fleet/internal/sshx"
)

// fakeRunner scripts remote command responses by substring match and
// records everything the engine does.
type fakeRunner struct {
	uploads map[string][]byte
	cmds    []string
	respond func(cmd string) (sshx.ExecResult, error)
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{uploads: map[string][]byte{}}
}

func (f *fakeRunner) Exec(_ context.Context, cmd string, _ time.Duration) (sshx.ExecResult, error) {
	f.cmds = append(f.cmds, cmd)
	if f.respond != nil {
		return f.respond(cmd)
	}
	return sshx.ExecResult{}, nil
}

func (f *fakeRunner) Upload(_ context.Context, data []byte, remotePath string) error {
	f.uploads[remotePath] = data
	return nil
}

func (f *fakeRunner) Close() error { return nil }

func (f *fakeRunner) countCmds(substr string) int {
	n := 0
	for _, c := range f.cmds {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

func testEngine() *Engine {
	e := NewEngine("/root/openclaw", "openclaw/openclaw:latest", 18789, "openrouter/")
	e.Sleep = func(context.Context, time.Duration) error { return nil }
	return e
}

func testSpec() *DesiredSpec {
	return &DesiredSpec{
		RouterKey:    "sk-or-v1-secret",
		BotToken:     "100:AAA",
		Model:        "openrouter/anthropic/claude-sonnet-4",
		DMPolicy:     DMPolicyPairing,
		AllowFrom:    []string{"12345"},
		GatewayToken: "gw-token",
	}
}

// healthyResponder answers every verification probe the way a converged
// node would. dmPolicy answers are taken from the front of policies so
// tests can script drift on early attempts.
func healthyResponder(policies []string) func(cmd string) (sshx.ExecResult, error) {
	polIdx := 0
	return func(cmd string) (sshx.ExecResult, error) {
		switch {
		case strings.Contains(cmd, "config get channels.telegram.dmPolicy"):
			p := policies[len(policies)-1]
			if polIdx < len(policies) {
				p = policies[polIdx]
				polIdx++
			}
			return sshx.ExecResult{Stdout: p + "\n"}, nil
		case strings.Contains(cmd, "grep 'agent model:'"):
			return sshx.ExecResult{Stdout: "agent model: openrouter/anthropic/claude-sonnet-4\n"}, nil
		case strings.Contains(cmd, "auth-profiles.json"):
			return sshx.ExecResult{Stdout: `{"profiles":{"openrouter":{"apiKey":"sk-or-v1-secret"}}}`}, nil
		case strings.Contains(cmd, "docker inspect"):
			return sshx.ExecResult{Stdout: "running\n"}, nil
		case strings.Contains(cmd, "logs --tail 20"):
			return sshx.ExecResult{Stdout: "all quiet\n"}, nil
		case strings.Contains(cmd, "logs --tail 50"):
			return sshx.ExecResult{Stdout: "starting provider telegram\n"}, nil
		case strings.Contains(cmd, "telegram-allowFrom.json"):
			return sshx.ExecResult{Stdout: `{"version":1,"allowFrom":["12345"]}`}, nil
		}
		return sshx.ExecResult{}, nil
	}
}

func TestApplyAndVerify_FirstAttempt(t *testing.T) {
	r := newFakeRunner()
	r.respond = healthyResponder([]string{"pairing"})

	if err := testEngine().ApplyAndVerify(context.Background(), r, testSpec()); err != nil {
		t.Fatalf("converge: %v", err)
	}
	if got := r.countCmds("restart openclaw"); got != 1 {
		t.Fatalf("restarts = %d, want 1", got)
	}
}

func TestApplyAndVerify_SecondAttemptWins(t *testing.T) {
	// The runtime rewrote dmPolicy on first boot; attempt two converges.
	r := newFakeRunner()
	r.respond = healthyResponder([]string{"open", "pairing"})

	if err := testEngine().ApplyAndVerify(context.Background(), r, testSpec()); err != nil {
		t.Fatalf("converge: %v", err)
	}
	if got := r.countCmds("restart openclaw"); got != 2 {
		t.Fatalf("restarts = %d, want 2", got)
	}
}

func TestApplyAndVerify_ExhaustsAttempts(t *testing.T) {
	r := newFakeRunner()
	r.respond = func(cmd string) (sshx.ExecResult, error) {
		return sshx.ExecResult{}, nil // every probe comes back empty
	}

	err := testEngine().ApplyAndVerify(context.Background(), r, testSpec())
	if err == nil {
		t.Fatal("expected failure")
	}
	var verr *VerifyError
	if !errors.As(err, &verr) {
		t.Fatalf("expected VerifyError, got %v", err)
	}
	if len(verr.Failures) < 4 {
		t.Fatalf("expected every diverged probe listed, got %v", verr.Failures)
	}
	if got := r.countCmds("restart openclaw"); got != applyAttempts {
		t.Fatalf("restarts = %d, want %d", got, applyAttempts)
	}
}

func TestApplyAll_DeliversEverySurface(t *testing.T) {
	r := newFakeRunner()
	e := testEngine()
	if err := e.applyAll(context.Background(), r, testSpec()); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if _, ok := r.uploads["/root/openclaw/data/openclaw.yaml"]; !ok {
		t.Error("runtime config not uploaded")
	}
	// One docker cp per agent workspace plus main plus the allow list.
	if got, want := r.countCmds("docker cp"), len(AgentNames)+2; got != want {
		t.Errorf("docker cp count = %d, want %d", got, want)
	}
	if got := r.countCmds("config set channels.telegram.dmPolicy 'pairing'"); got != 1 {
		t.Errorf("dm policy not set, cmds: %v", r.cmds)
	}
}

func TestVerify_OpenAllowList(t *testing.T) {
	r := newFakeRunner()
	base := healthyResponder([]string{"pairing"})
	r.respond = func(cmd string) (sshx.ExecResult, error) {
		if strings.Contains(cmd, "telegram-allowFrom.json") {
			return sshx.ExecResult{Stdout: `{"version":1,"allowFrom":["*"]}`}, nil
		}
		return base(cmd)
	}

	spec := testSpec()
	spec.AllowFrom = nil
	if err := testEngine().Verify(context.Background(), r, spec); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestQuickDeploy_StageOrder(t *testing.T) {
	r := newFakeRunner()
	r.respond = healthyResponder([]string{"pairing"})

	var stages []model.DeployStage
	err := testEngine().QuickDeploy(context.Background(), r, testSpec(), func(s model.DeployStage) {
		stages = append(stages, s)
	})
	if err != nil {
		t.Fatalf("quick deploy: %v", err)
	}

	want := []model.DeployStage{
		model.StageConfiguringKeys,
		model.StageDeployingRuntime,
		model.StageInstallingAgents,
		model.StageConfiguringSearch,
	}
	if len(stages) != len(want) {
		t.Fatalf("stages = %v", stages)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Fatalf("stage[%d] = %s, want %s", i, stages[i], want[i])
		}
	}

	for _, agent := range AgentNames {
		if _, ok := r.uploads["/root/openclaw/data/agents/"+agent+"/agent/SOUL.md"]; !ok {
			t.Errorf("agent %s workspace not installed", agent)
		}
	}
}

func TestResolveModel(t *testing.T) {
	e := testEngine()
	cases := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "claude-sonnet-4", want: "openrouter/anthropic/claude-sonnet-4"},
		{in: "mistralai/mistral-large", want: "openrouter/mistralai/mistral-large"},
		{in: "openrouter/openai/gpt-4o", want: "openrouter/openai/gpt-4o"},
		{in: "no-such-model", wantErr: true},
	}
	for _, tc := range cases {
		got, err := e.ResolveModel(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ResolveModel(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("ResolveModel(%q) = %q, %v, want %q", tc.in, got, err, tc.want)
		}
	}
}

func TestInstallSkill_RejectsBadInput(t *testing.T) {
	r := newFakeRunner()
	e := testEngine()
	ctx := context.Background()

	if err := e.InstallSkill(ctx, r, "Bad Name", "https://github.com/a/b"); err == nil {
		t.Error("expected rejection of invalid name")
	}
	if err := e.InstallSkill(ctx, r, "ok-skill", "https://example.com/a/b"); err == nil {
		t.Error("expected rejection of non-github source")
	}
	if len(r.cmds) != 0 {
		t.Errorf("rejected input reached the shell: %v", r.cmds)
	}
}

func TestApprovePairing_QuotesCode(t *testing.T) {
	r := newFakeRunner()
	e := testEngine()

	if err := e.ApprovePairing(context.Background(), r, "bad code; rm -rf /"); err == nil {
		t.Fatal("expected rejection of invalid code")
	}
	if err := e.ApprovePairing(context.Background(), r, "AB-12_cd"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if got := r.countCmds("pairing approve telegram 'AB-12_cd'"); got != 1 {
		t.Fatalf("pairing command missing, cmds: %v", r.cmds)
	}
}
