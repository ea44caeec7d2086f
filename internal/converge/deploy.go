package converge

import (
	"context"
	"fmt"
	"log"

	"github.com/simpleclaw/fleet/internal/model"
	"github.com/simpleclaw/fleet/internal/sshx"
)

// StageFunc reports deployment progress. Implementations persist the
// stage so the status endpoint can show it mid-deploy.
type StageFunc func(stage model.DeployStage)

// WarmDeploy prepares a fresh node for the pool: container engine, the
// runtime image, the search stack, the watchdog, and the extension
// skeleton. No user configuration is touched; a warm node boots the
// runtime with a placeholder env so the first user deploy only swaps
// config and restarts.
func (e *Engine) WarmDeploy(ctx context.Context, r sshx.Runner) error {
	log.Printf("[converge] warm deploy into %s", e.InstallPath)

	if err := e.installDocker(ctx, r); err != nil {
		return err
	}

	if _, err := e.runOK(ctx, r, fmt.Sprintf("mkdir -p %s/data %s/searxng", e.InstallPath, e.InstallPath), 0); err != nil {
		return fmt.Errorf("create install tree: %w", err)
	}
	if err := r.Upload(ctx, []byte(composeFile(e.Image, e.GatewayPort)), e.InstallPath+"/docker-compose.yml"); err != nil {
		return fmt.Errorf("upload compose file: %w", err)
	}
	if err := r.Upload(ctx, []byte("GATEWAY_TOKEN=warm-standby\n"), e.InstallPath+"/.env"); err != nil {
		return fmt.Errorf("upload env file: %w", err)
	}
	if err := e.configureSearch(ctx, r); err != nil {
		return err
	}

	// The image pull dominates warm deploy time; it gets its own budget.
	if _, err := e.runOK(ctx, r, e.composeCmd("pull"), e.pullTimeout()); err != nil {
		return fmt.Errorf("pull runtime image: %w", err)
	}
	if _, err := e.runOK(ctx, r, e.composeCmd("up -d"), e.pullTimeout()); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}

	if err := e.installBrowser(ctx, r); err != nil {
		return err
	}
	if err := e.installExtensionSkeleton(ctx, r); err != nil {
		return err
	}
	if err := e.installWatchdog(ctx, r); err != nil {
		return err
	}
	return nil
}

// installDocker installs the container engine if absent. The apt lock
// wait handles cloud-init still running on a fresh node.
func (e *Engine) installDocker(ctx context.Context, r sshx.Runner) error {
	check, err := r.Exec(ctx, "command -v docker", e.execTimeout())
	if err != nil {
		return fmt.Errorf("probe docker: %w", err)
	}
	if check.ExitCode == 0 {
		return nil
	}
	wait := "while fuser /var/lib/dpkg/lock-frontend >/dev/null 2>&1; do sleep 2; done"
	if _, err := e.runOK(ctx, r, wait, 3*e.execTimeout()); err != nil {
		return fmt.Errorf("wait for package lock: %w", err)
	}
	install := "curl -fsSL https://get.docker.com | sh && systemctl enable --now docker"
	if _, err := e.runOK(ctx, r, install, e.pullTimeout()); err != nil {
		return fmt.Errorf("install docker: %w", err)
	}
	return nil
}

// installBrowser puts a headless Chromium inside the runtime container
// for agents that need JavaScript rendering.
func (e *Engine) installBrowser(ctx context.Context, r sshx.Runner) error {
	cmd := e.composeCmd("exec -T --user root openclaw sh -c " +
		sshx.Quote("command -v chromium >/dev/null 2>&1 || (apt-get update -qq && apt-get install -y -qq chromium)"))
	if _, err := e.runOK(ctx, r, cmd, e.pullTimeout()); err != nil {
		return fmt.Errorf("install browser: %w", err)
	}
	return nil
}

// installExtensionSkeleton clones the multi-agent extension so enabling
// it later is a config flip, not a network fetch.
func (e *Engine) installExtensionSkeleton(ctx context.Context, r sshx.Runner) error {
	dir := e.InstallPath + "/data/extensions/clawdmatrix"
	cmd := fmt.Sprintf("test -d %s/.git || git clone --depth 1 %s %s", dir, extensionRepoURL, dir)
	if _, err := e.runOK(ctx, r, cmd, e.pullTimeout()); err != nil {
		return fmt.Errorf("install extension skeleton: %w", err)
	}
	return nil
}

// installWatchdog installs the restart script and schedules it.
func (e *Engine) installWatchdog(ctx context.Context, r sshx.Runner) error {
	if err := r.Upload(ctx, []byte(watchdogScript), "/usr/local/bin/openclaw-watchdog.sh"); err != nil {
		return fmt.Errorf("upload watchdog: %w", err)
	}
	entry := fmt.Sprintf("*/5 * * * * /usr/local/bin/openclaw-watchdog.sh %s", e.InstallPath)
	cmd := fmt.Sprintf("chmod +x /usr/local/bin/openclaw-watchdog.sh && "+
		"( crontab -l 2>/dev/null | grep -v openclaw-watchdog ; echo %s ) | crontab -", sshx.Quote(entry))
	if _, err := e.runOK(ctx, r, cmd, 0); err != nil {
		return fmt.Errorf("install watchdog cron: %w", err)
	}
	return nil
}

// configureSearch uploads the private metasearch config and the agent
// adapter notes.
func (e *Engine) configureSearch(ctx context.Context, r sshx.Runner) error {
	if err := r.Upload(ctx, []byte(searxngSettings), e.InstallPath+"/searxng/settings.yml"); err != nil {
		return fmt.Errorf("upload search settings: %w", err)
	}
	if err := r.Upload(ctx, []byte(searchAdapter), e.InstallPath+"/data/SEARCH.md"); err != nil {
		return fmt.Errorf("upload search adapter: %w", err)
	}
	if err := r.Upload(ctx, []byte(browserAdapter), e.InstallPath+"/data/BROWSER.md"); err != nil {
		return fmt.Errorf("upload browser adapter: %w", err)
	}
	return nil
}

// installAgents seeds the specialist workspaces.
func (e *Engine) installAgents(ctx context.Context, r sshx.Runner) error {
	for _, name := range AgentNames {
		dir := workspacePath(e.InstallPath, name)
		persona := agentWorkspaces[name]
		files := map[string]string{
			dir + "/SOUL.md":     persona.soul,
			dir + "/IDENTITY.md": persona.identity,
			dir + "/TOOLS.md":    persona.tools,
		}
		for path, content := range files {
			if err := r.Upload(ctx, []byte(content), path); err != nil {
				return fmt.Errorf("install agent %s: %w", name, err)
			}
		}
	}
	return nil
}

// QuickDeploy turns a warm node into the user's node: user env and
// files, a forced recreate, converge-and-verify, agent workspaces, and
// the search refresh. Stages are reported as they begin.
func (e *Engine) QuickDeploy(ctx context.Context, r sshx.Runner, spec *DesiredSpec, setStage StageFunc) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if setStage == nil {
		setStage = func(model.DeployStage) {}
	}

	setStage(model.StageConfiguringKeys)
	env := fmt.Sprintf("GATEWAY_TOKEN=%s\n", spec.GatewayToken)
	if err := r.Upload(ctx, []byte(env), e.InstallPath+"/.env"); err != nil {
		return fmt.Errorf("upload user env: %w", err)
	}

	setStage(model.StageDeployingRuntime)
	if _, err := e.runOK(ctx, r, e.composeCmd("up -d --force-recreate openclaw"), e.pullTimeout()); err != nil {
		return fmt.Errorf("recreate runtime: %w", err)
	}
	if err := e.ApplyAndVerify(ctx, r, spec); err != nil {
		return err
	}

	setStage(model.StageInstallingAgents)
	if err := e.installAgents(ctx, r); err != nil {
		return err
	}
	if err := e.fixPermissions(ctx, r); err != nil {
		return err
	}

	setStage(model.StageConfiguringSearch)
	if err := e.configureSearch(ctx, r); err != nil {
		return err
	}

	if spec.ExtensionEnabled {
		if err := e.EnableExtension(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// FullDeploy provisions a node from bare OS to serving the user. Used
// when the warm pool is empty or a node is rebuilt after an error.
func (e *Engine) FullDeploy(ctx context.Context, r sshx.Runner, spec *DesiredSpec, setStage StageFunc) error {
	if err := e.WarmDeploy(ctx, r); err != nil {
		return err
	}
	return e.QuickDeploy(ctx, r, spec, setStage)
}
