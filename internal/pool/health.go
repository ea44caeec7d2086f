package pool

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/simpleclaw/fleet/internal/converge"
	"github.com/simpleclaw/fleet/internal/model"
	"github.com/simpleclaw/fleet/internal/notify"
	"github.com/simpleclaw/fleet/internal/sshx"
	"github.com/simpleclaw/fleet/internal/state"
)

// HealthMonitor probes bound nodes and restarts a stopped runtime.
// Unreachable nodes are recorded and reported but not reaped; only the
// operator decides the fate of a node holding user data.
type HealthMonitor struct {
	Store    *state.Store
	Engine   *converge.Engine
	Dial     sshx.Dialer
	Notifier *notify.Notifier
}

// Run performs one health pass over every bound, active node.
func (h *HealthMonitor) Run(ctx context.Context) {
	nodes, err := h.Store.ListBoundActive()
	if err != nil {
		log.Printf("[health] list nodes: %v", err)
		return
	}
	for _, n := range nodes {
		if ctx.Err() != nil {
			return
		}
		h.probe(ctx, n)
	}
}

func (h *HealthMonitor) probe(ctx context.Context, n *model.Node) {
	r, err := h.Dial(ctx, sshx.Target{
		Host: n.IP, Port: n.SSHPort, User: n.SSHUser,
		Password: n.SSHPassword, KnownHostKey: n.HostKey,
	})
	if err != nil {
		log.Printf("[health] node %d unreachable: %v", n.ID, err)
		h.markDown(n, fmt.Sprintf("unreachable: %v", err))
		return
	}
	defer r.Close()

	status, err := h.Engine.ContainerStatus(ctx, r)
	if err != nil {
		h.markDown(n, fmt.Sprintf("status probe: %v", err))
		return
	}

	if status == "running" {
		if err := h.Store.SetNodeRuntimeRunning(n.ID, true, time.Now().UnixNano()); err != nil {
			log.Printf("[health] node %d: persist health: %v", n.ID, err)
		}
		return
	}

	log.Printf("[health] node %d runtime status %q, restarting", n.ID, status)
	if err := h.Engine.StartRuntime(ctx, r); err != nil {
		h.markDown(n, fmt.Sprintf("restart failed: %v", err))
		h.Notifier.NotifyAdmin(fmt.Sprintf("🚨 Node %d (%s): runtime down and restart failed: %v", n.ID, n.IP, err))
		return
	}
	if err := h.Store.SetNodeRuntimeRunning(n.ID, true, time.Now().UnixNano()); err != nil {
		log.Printf("[health] node %d: persist health: %v", n.ID, err)
	}
	h.Notifier.NotifyAdmin(fmt.Sprintf("ℹ️ Node %d (%s): runtime was %q, restarted", n.ID, n.IP, status))
}

func (h *HealthMonitor) markDown(n *model.Node, diag string) {
	if err := h.Store.SetNodeRuntimeRunning(n.ID, false, time.Now().UnixNano()); err != nil {
		log.Printf("[health] node %d: persist health: %v", n.ID, err)
	}
	// Keep the diagnosis without flipping a bound node to error state.
	if err := h.Store.UpdateNodeDiag(n.ID, diag); err != nil && err != state.ErrNotFound {
		log.Printf("[health] node %d: persist diag: %v", n.ID, err)
	}
}
