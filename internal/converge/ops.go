package converge

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/simpleclaw/fleet/internal/sshx"
)

// modelAliases maps short user-facing model slugs to full router ids.
// Anything not listed must already carry a provider path.
var modelAliases = map[string]string{
	"claude-sonnet-4": "anthropic/claude-sonnet-4",
	"claude-opus-4":   "anthropic/claude-opus-4",
	"gpt-4o":          "openai/gpt-4o",
	"gpt-4o-mini":     "openai/gpt-4o-mini",
	"deepseek":        "deepseek/deepseek-chat-v3",
	"gemini-pro":      "google/gemini-2.5-pro",
	"gemini-flash":    "google/gemini-2.5-flash",
	"llama":           "meta-llama/llama-3.3-70b-instruct",
}

// ResolveModel expands a user slug into the full router model id,
// applying the router prefix. Unknown slugs without a provider path are
// rejected.
func (e *Engine) ResolveModel(slug string) (string, error) {
	id, ok := modelAliases[slug]
	if !ok {
		if !strings.Contains(slug, "/") {
			return "", fmt.Errorf("unknown model %q", slug)
		}
		id = slug
	}
	if !strings.HasPrefix(id, e.ModelPrefix) {
		id = e.ModelPrefix + id
	}
	return id, nil
}

// KnownModels lists the user-selectable slugs.
func KnownModels() []string {
	out := make([]string, 0, len(modelAliases))
	for slug := range modelAliases {
		out = append(out, slug)
	}
	return out
}

// SetModel switches the active model, restarts the runtime, and checks
// the boot log picked it up. Cheaper than a full converge cycle.
func (e *Engine) SetModel(ctx context.Context, r sshx.Runner, modelID string) error {
	cmd := e.runtimeCmd("config set model " + sshx.Quote(modelID))
	if _, err := e.runOK(ctx, r, cmd, 0); err != nil {
		return fmt.Errorf("set model: %w", err)
	}
	if err := e.restart(ctx, r); err != nil {
		return err
	}
	if err := e.wait(ctx, postApplyWait); err != nil {
		return err
	}
	res, err := r.Exec(ctx, e.composeCmd("logs openclaw 2>&1 | grep 'agent model:' | tail -1"), e.execTimeout())
	if err != nil {
		return fmt.Errorf("model readback: %w", err)
	}
	if !strings.Contains(res.Stdout, modelID) {
		return &VerifyError{Failures: []string{
			fmt.Sprintf("model: want %q in boot log, got %q", modelID, strings.TrimSpace(res.Stdout)),
		}}
	}
	return nil
}

// pairingCodeRe bounds pairing codes before they touch a shell line.
var pairingCodeRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ApprovePairing confirms a messaging-channel pairing request on the
// node. The code is validated and quoted; it originates from an
// untrusted chat message.
func (e *Engine) ApprovePairing(ctx context.Context, r sshx.Runner, code string) error {
	if !pairingCodeRe.MatchString(code) {
		return fmt.Errorf("invalid pairing code")
	}
	cmd := e.runtimeCmd("pairing approve telegram " + sshx.Quote(code))
	if _, err := e.runOK(ctx, r, cmd, 0); err != nil {
		return fmt.Errorf("approve pairing: %w", err)
	}
	return nil
}

var (
	skillNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

	// skillSourcePrefix pins skill installs to public repositories.
	skillSourcePrefix = "https://github.com/"
)

// InstallSkill clones a skill repository into the runtime's skill tree
// and enables it. Name and source are validated; both come from user
// input.
func (e *Engine) InstallSkill(ctx context.Context, r sshx.Runner, name, sourceURL string) error {
	if !skillNameRe.MatchString(name) {
		return fmt.Errorf("invalid skill name %q", name)
	}
	if !strings.HasPrefix(sourceURL, skillSourcePrefix) {
		return fmt.Errorf("skill source must be a github.com repository")
	}
	dir := fmt.Sprintf("%s/data/skills/%s", e.InstallPath, name)
	clone := fmt.Sprintf("rm -rf %s && git clone --depth 1 %s %s", dir, sshx.Quote(sourceURL), dir)
	if _, err := e.runOK(ctx, r, clone, e.pullTimeout()); err != nil {
		return fmt.Errorf("install skill %s: %w", name, err)
	}
	if err := e.fixPermissions(ctx, r); err != nil {
		return err
	}
	if _, err := e.runOK(ctx, r, e.runtimeCmd("skills enable "+name), 0); err != nil {
		return fmt.Errorf("enable skill %s: %w", name, err)
	}
	return nil
}

// UninstallSkill disables a skill and removes its tree.
func (e *Engine) UninstallSkill(ctx context.Context, r sshx.Runner, name string) error {
	if !skillNameRe.MatchString(name) {
		return fmt.Errorf("invalid skill name %q", name)
	}
	if _, err := e.runOK(ctx, r, e.runtimeCmd("skills disable "+name), 0); err != nil {
		return fmt.Errorf("disable skill %s: %w", name, err)
	}
	dir := fmt.Sprintf("%s/data/skills/%s", e.InstallPath, name)
	if _, err := e.runOK(ctx, r, "rm -rf "+dir, 0); err != nil {
		return fmt.Errorf("remove skill %s: %w", name, err)
	}
	return nil
}

// EnableExtension turns on the multi-agent extension: ensures the
// skeleton, writes the handoff quality gates, enables the skill, and
// restarts so the runtime loads it.
func (e *Engine) EnableExtension(ctx context.Context, r sshx.Runner) error {
	if err := e.installExtensionSkeleton(ctx, r); err != nil {
		return err
	}
	gates := e.InstallPath + "/data/extensions/clawdmatrix/CLAUDE.md"
	if err := r.Upload(ctx, []byte(extensionQualityGates), gates); err != nil {
		return fmt.Errorf("write extension gates: %w", err)
	}
	if err := e.fixPermissions(ctx, r); err != nil {
		return err
	}
	if _, err := e.runOK(ctx, r, e.runtimeCmd("skills enable clawdmatrix"), 0); err != nil {
		return fmt.Errorf("enable extension: %w", err)
	}
	if err := e.restart(ctx, r); err != nil {
		return err
	}
	return e.VerifyExtension(ctx, r)
}

// DisableExtension turns the extension off without removing the skeleton.
func (e *Engine) DisableExtension(ctx context.Context, r sshx.Runner) error {
	if _, err := e.runOK(ctx, r, e.runtimeCmd("skills disable clawdmatrix"), 0); err != nil {
		return fmt.Errorf("disable extension: %w", err)
	}
	return e.restart(ctx, r)
}

// VerifyExtension checks that the extension is present and enabled.
func (e *Engine) VerifyExtension(ctx context.Context, r sshx.Runner) error {
	var failures []string

	res, err := r.Exec(ctx, fmt.Sprintf("test -d %s/data/extensions/clawdmatrix", e.InstallPath), e.execTimeout())
	if err != nil || res.ExitCode != 0 {
		failures = append(failures, "extension tree missing")
	}
	res, err = r.Exec(ctx, fmt.Sprintf("test -f %s/data/extensions/clawdmatrix/CLAUDE.md", e.InstallPath), e.execTimeout())
	if err != nil || res.ExitCode != 0 {
		failures = append(failures, "extension gates missing")
	}
	res, err = r.Exec(ctx, e.runtimeCmd("skills list"), e.execTimeout())
	if err != nil || !strings.Contains(res.Stdout, "clawdmatrix") {
		failures = append(failures, "extension not enabled")
	}

	if len(failures) > 0 {
		return &VerifyError{Failures: failures}
	}
	return nil
}

// ContainerStatus reports the runtime container's docker state, e.g.
// "running" or "exited". Empty when the container does not exist.
func (e *Engine) ContainerStatus(ctx context.Context, r sshx.Runner) (string, error) {
	res, err := r.Exec(ctx, "docker inspect -f '{{.State.Status}}' openclaw", e.execTimeout())
	if err != nil {
		return "", fmt.Errorf("container status: %w", err)
	}
	if res.ExitCode != 0 {
		return "", nil
	}
	return strings.TrimSpace(res.Stdout), nil
}

// StartRuntime brings the runtime container up without recreating it.
func (e *Engine) StartRuntime(ctx context.Context, r sshx.Runner) error {
	if _, err := e.runOK(ctx, r, e.composeCmd("up -d openclaw"), e.pullTimeout()); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}
	return nil
}

// StopRuntime stops the container, leaving data in place for a later
// reactivation.
func (e *Engine) StopRuntime(ctx context.Context, r sshx.Runner) error {
	if _, err := e.runOK(ctx, r, e.composeCmd("stop openclaw"), 2*e.execTimeout()); err != nil {
		return fmt.Errorf("stop runtime: %w", err)
	}
	return nil
}
