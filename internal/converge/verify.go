package converge

import (
	"context"
	"fmt"
	"strings"

	"github.com/simpleclaw/fleet/internal/sshx"
)

// VerifyError lists every probe that failed, so a deploy error names the
// divergence instead of just "verification failed".
type VerifyError struct {
	Failures []string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verification failed: %s", strings.Join(e.Failures, "; "))
}

// Verify checks the live node against the spec. Every probe reads
// observable state: config readback, container status, log output. All
// probes run even after a failure so the error names every divergence.
func (e *Engine) Verify(ctx context.Context, r sshx.Runner, spec *DesiredSpec) error {
	var failures []string
	fail := func(format string, args ...any) {
		failures = append(failures, fmt.Sprintf(format, args...))
	}

	// 1. DM policy readback.
	res, err := r.Exec(ctx, e.runtimeCmd("config get channels.telegram.dmPolicy"), e.execTimeout())
	if err != nil {
		fail("dm policy readback: %v", err)
	} else if !strings.Contains(res.Stdout, spec.DMPolicy) {
		fail("dm policy: want %q, got %q", spec.DMPolicy, strings.TrimSpace(res.Stdout))
	}

	// 2. Active model from the boot log.
	res, err = r.Exec(ctx, e.composeCmd("logs openclaw 2>&1 | grep 'agent model:' | tail -1"), e.execTimeout())
	if err != nil {
		fail("model readback: %v", err)
	} else if !strings.Contains(res.Stdout, e.ModelPrefix) {
		fail("model: no %q model in boot log, got %q", e.ModelPrefix, strings.TrimSpace(res.Stdout))
	}

	// 3. Auth profiles landed and carry the key.
	res, err = r.Exec(ctx, e.composeCmd("exec -T openclaw cat "+sshx.Quote(authProfilesContainerPath(mainAgent))), e.execTimeout())
	switch {
	case err != nil:
		fail("auth profiles readback: %v", err)
	case res.ExitCode != 0:
		fail("auth profiles missing for agent %s", mainAgent)
	case !strings.Contains(res.Stdout, spec.RouterKey):
		fail("auth profiles do not carry the provisioned key")
	}

	// 4. Container is running.
	res, err = r.Exec(ctx, "docker inspect -f '{{.State.Status}}' openclaw", e.execTimeout())
	if err != nil {
		fail("container status: %v", err)
	} else if got := strings.TrimSpace(res.Stdout); got != "running" {
		fail("container status: want running, got %q", got)
	}

	// 5. No fresh permission errors.
	res, err = r.Exec(ctx, e.composeCmd("logs --tail 20 openclaw 2>&1"), e.execTimeout())
	if err != nil {
		fail("permission probe: %v", err)
	} else if strings.Contains(res.Stdout, "EACCES") {
		fail("permission errors in recent log output")
	}

	// 6. Messaging channel came up.
	res, err = r.Exec(ctx, e.composeCmd("logs --tail 50 openclaw 2>&1"), e.execTimeout())
	if err != nil {
		fail("channel probe: %v", err)
	} else if !strings.Contains(res.Stdout, "starting provider") {
		fail("messaging channel did not start")
	}

	// 7. Allow-list includes the owner (or is open).
	res, err = r.Exec(ctx, e.composeCmd("exec -T openclaw cat "+sshx.Quote(allowFromContainerPath)), e.execTimeout())
	if err != nil || res.ExitCode != 0 {
		fail("allow list readback failed")
	} else if !allowListCovers(res.Stdout, spec.AllowFrom) {
		fail("allow list does not include the owner")
	}

	if len(failures) > 0 {
		return &VerifyError{Failures: failures}
	}
	return nil
}

// allowListCovers reports whether the live allow-list admits the desired
// peers. A wildcard on either side covers everything.
func allowListCovers(live string, want []string) bool {
	if strings.Contains(live, `"*"`) {
		return true
	}
	if len(want) == 0 {
		return false
	}
	for _, peer := range want {
		if peer == "*" || strings.Contains(live, `"`+peer+`"`) {
			return true
		}
	}
	return false
}
