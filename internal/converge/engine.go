package converge

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/simpleclaw/fleet/internal/sshx"
)

const (
	applyAttempts   = 5
	postRestartWait = 12 * time.Second
	postApplyWait   = 8 * time.Second
	retryBackoff    = 5 * time.Second

	defaultExecTimeout = 60 * time.Second
	defaultPullTimeout = 600 * time.Second
	defaultApplyBudget = 300 * time.Second
)

// Engine drives the remote runtime toward a desired spec over a shell
// session. It holds no per-node state; callers pass a live Runner.
type Engine struct {
	InstallPath string // install root on the node, e.g. /root/openclaw
	Image       string
	GatewayPort int
	ModelPrefix string // required prefix on converged model ids

	ExecTimeout time.Duration
	PullTimeout time.Duration
	ApplyBudget time.Duration

	// Sleep overrides the settle waits; tests install a no-op.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine builds an engine with production timeouts.
func NewEngine(installPath, image string, gatewayPort int, modelPrefix string) *Engine {
	return &Engine{
		InstallPath: installPath,
		Image:       image,
		GatewayPort: gatewayPort,
		ModelPrefix: modelPrefix,
	}
}

func (e *Engine) execTimeout() time.Duration {
	if e.ExecTimeout > 0 {
		return e.ExecTimeout
	}
	return defaultExecTimeout
}

func (e *Engine) pullTimeout() time.Duration {
	if e.PullTimeout > 0 {
		return e.PullTimeout
	}
	return defaultPullTimeout
}

func (e *Engine) applyBudget() time.Duration {
	if e.ApplyBudget > 0 {
		return e.ApplyBudget
	}
	return defaultApplyBudget
}

func (e *Engine) wait(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// composeCmd prefixes a docker compose invocation with the install root.
func (e *Engine) composeCmd(args string) string {
	return fmt.Sprintf("cd %s && docker compose %s", e.InstallPath, args)
}

// runtimeCmd runs the runtime CLI inside the container.
func (e *Engine) runtimeCmd(args string) string {
	return e.composeCmd("exec -T openclaw openclaw " + args)
}

// runOK executes cmd and fails on a non-zero exit code.
func (e *Engine) runOK(ctx context.Context, r sshx.Runner, cmd string, timeout time.Duration) (sshx.ExecResult, error) {
	if timeout <= 0 {
		timeout = e.execTimeout()
	}
	res, err := r.Exec(ctx, cmd, timeout)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, fmt.Errorf("remote command failed (exit %d): %s", res.ExitCode, firstLine(res.Stderr))
	}
	return res, nil
}

// deliverJSON uploads data to a temp file on the host and copies it into
// the container, so file ownership inside the container is the runtime
// user's rather than the upload user's.
func (e *Engine) deliverJSON(ctx context.Context, r sshx.Runner, data []byte, containerPath string) error {
	tmp := fmt.Sprintf("/tmp/fleet-%016x.json", xxh3.HashString(containerPath))
	if err := r.Upload(ctx, data, tmp); err != nil {
		return fmt.Errorf("upload %s: %w", containerPath, err)
	}
	cmd := fmt.Sprintf("docker cp %s openclaw:%s && rm -f %s", tmp, sshx.Quote(containerPath), tmp)
	if _, err := e.runOK(ctx, r, cmd, 0); err != nil {
		return fmt.Errorf("deliver %s: %w", containerPath, err)
	}
	return nil
}

// fixPermissions re-owns the bind-mounted data tree for the container
// user. Uploads land as root; the runtime runs as uid 1000.
func (e *Engine) fixPermissions(ctx context.Context, r sshx.Runner) error {
	cmd := fmt.Sprintf("chown -R 1000:1000 %s/data && chmod -R u+rwX %s/data", e.InstallPath, e.InstallPath)
	if _, err := e.runOK(ctx, r, cmd, 0); err != nil {
		return fmt.Errorf("fix permissions: %w", err)
	}
	return nil
}

// applyAll pushes every config surface: the runtime spec file, per-agent
// auth profiles, the messaging allow-list, and the live config keys.
// Each step is idempotent; applyAll is safe to run repeatedly.
func (e *Engine) applyAll(ctx context.Context, r sshx.Runner, spec *DesiredSpec) error {
	specYAML, err := spec.RuntimeYAML(e.GatewayPort)
	if err != nil {
		return err
	}
	if err := r.Upload(ctx, specYAML, e.InstallPath+"/data/openclaw.yaml"); err != nil {
		return fmt.Errorf("upload runtime config: %w", err)
	}

	profiles, err := spec.AuthProfilesJSON()
	if err != nil {
		return err
	}
	for _, agent := range append([]string{mainAgent}, AgentNames...) {
		if err := e.deliverJSON(ctx, r, profiles, authProfilesContainerPath(agent)); err != nil {
			return err
		}
	}

	allow, err := spec.AllowFromJSON()
	if err != nil {
		return err
	}
	if err := e.deliverJSON(ctx, r, allow, allowFromContainerPath); err != nil {
		return err
	}

	sets := []struct{ key, value string }{
		{"channels.telegram.dmPolicy", spec.DMPolicy},
		{"channels.telegram.botToken", spec.BotToken},
		{"model", spec.Model},
		{"gateway.auth.token", spec.GatewayToken},
	}
	if spec.MaxTokensPerMessage > 0 {
		sets = append(sets, struct{ key, value string }{
			"limits.max_tokens_per_message", fmt.Sprintf("%d", spec.MaxTokensPerMessage)})
	}
	if spec.MaxContextMessages > 0 {
		sets = append(sets, struct{ key, value string }{
			"limits.max_context_messages", fmt.Sprintf("%d", spec.MaxContextMessages)})
	}
	for _, s := range sets {
		cmd := e.runtimeCmd(fmt.Sprintf("config set %s %s", s.key, sshx.Quote(s.value)))
		if _, err := e.runOK(ctx, r, cmd, 0); err != nil {
			return fmt.Errorf("config set %s: %w", s.key, err)
		}
	}
	return nil
}

// restart bounces the runtime container so file and config changes take
// effect.
func (e *Engine) restart(ctx context.Context, r sshx.Runner) error {
	if _, err := e.runOK(ctx, r, e.composeCmd("restart openclaw"), 2*e.execTimeout()); err != nil {
		return fmt.Errorf("restart runtime: %w", err)
	}
	return nil
}

// ApplyAndVerify converges the node to spec and proves it: apply, restart,
// settle, apply again (the runtime rewrites parts of its config on boot,
// so the second apply wins), settle, then verify live state. Retries the
// whole cycle with growing backoff inside a fixed budget.
func (e *Engine) ApplyAndVerify(ctx context.Context, r sshx.Runner, spec *DesiredSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, e.applyBudget())
	defer cancel()

	fp := spec.Fingerprint()
	var lastErr error
	for attempt := 1; attempt <= applyAttempts; attempt++ {
		log.Printf("[converge] spec %s apply attempt %d/%d", fp, attempt, applyAttempts)
		lastErr = e.applyCycle(ctx, r, spec)
		if lastErr == nil {
			log.Printf("[converge] spec %s verified on attempt %d", fp, attempt)
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		log.Printf("[converge] spec %s attempt %d failed: %v", fp, attempt, lastErr)
		if attempt < applyAttempts {
			if err := e.wait(ctx, time.Duration(attempt)*retryBackoff); err != nil {
				break
			}
		}
	}
	return fmt.Errorf("converge spec %s: %w", fp, lastErr)
}

func (e *Engine) applyCycle(ctx context.Context, r sshx.Runner, spec *DesiredSpec) error {
	if err := e.fixPermissions(ctx, r); err != nil {
		return err
	}
	if err := e.applyAll(ctx, r, spec); err != nil {
		return err
	}
	if err := e.restart(ctx, r); err != nil {
		return err
	}
	if err := e.wait(ctx, postRestartWait); err != nil {
		return err
	}
	if err := e.fixPermissions(ctx, r); err != nil {
		return err
	}
	if err := e.applyAll(ctx, r, spec); err != nil {
		return err
	}
	if err := e.wait(ctx, postApplyWait); err != nil {
		return err
	}
	return e.Verify(ctx, r, spec)
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
