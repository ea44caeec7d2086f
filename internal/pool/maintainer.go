// Package pool keeps a floor of warm, unbound nodes ready for instant
// assignment, reaps broken ones, and watches the health of bound nodes.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/simpleclaw/fleet/internal/converge"
	"github.com/simpleclaw/fleet/internal/model"
	"github.com/simpleclaw/fleet/internal/notify"
	"github.com/simpleclaw/fleet/internal/provider"
	"github.com/simpleclaw/fleet/internal/sshx"
	"github.com/simpleclaw/fleet/internal/state"
)

const (
	createRetries = 3

	// stuckAfter bounds how long an unbound node may sit in
	// creating/provisioning before the maintainer reclaims it.
	stuckAfter = 30 * time.Minute
)

// Maintainer runs the pool reconciliation pass: reap, then refill up to
// the floor while respecting the fleet cap.
type Maintainer struct {
	Store    *state.Store
	Provider provider.API
	Engine   *converge.Engine
	Dial     sshx.Dialer
	Notifier *notify.Notifier

	MinAvailable int
	MaxTotal     int
	WaitReady    time.Duration
	OpenclawPath string
}

// Run performs one reconciliation pass. Invoked on the pool schedule;
// each pass is independent and safe to rerun.
func (m *Maintainer) Run(ctx context.Context) {
	m.reap(ctx)

	counts, err := m.Store.GetPoolCounts()
	if err != nil {
		log.Printf("[pool] counts: %v", err)
		return
	}
	warm := counts.Available + counts.InProgress
	deficit := m.MinAvailable - warm
	headroom := m.MaxTotal - counts.TotalHealthy
	if deficit > headroom {
		deficit = headroom
	}
	log.Printf("[pool] available=%d in_progress=%d bound=%d errored=%d deficit=%d",
		counts.Available, counts.InProgress, counts.Bound, counts.Errored, deficit)

	for i := 0; i < deficit; i++ {
		if ctx.Err() != nil {
			return
		}
		if _, err := m.CreateWarmNode(ctx); err != nil {
			log.Printf("[pool] create warm node: %v", err)
			m.Notifier.NotifyAdmin(fmt.Sprintf("⚠️ Pool refill failed: %v", err))
			return
		}
	}
}

// reap deletes failed unbound nodes and unbound nodes stuck mid-create.
// Bound nodes are never reaped automatically; a user's data lives there.
func (m *Maintainer) reap(ctx context.Context) {
	errored, err := m.Store.ListErrorUnbound()
	if err != nil {
		log.Printf("[pool] list errored: %v", err)
		return
	}
	cutoff := time.Now().Add(-stuckAfter).UnixNano()
	stuck, err := m.Store.ListStuckUnbound(cutoff)
	if err != nil {
		log.Printf("[pool] list stuck: %v", err)
		return
	}

	for _, n := range append(errored, stuck...) {
		log.Printf("[pool] reaping node %d (state=%s, err=%q)", n.ID, n.State, n.LastError)
		if n.ProviderID != "" {
			if err := m.Provider.DeleteNode(ctx, n.ProviderID); err != nil {
				log.Printf("[pool] delete provider server %s: %v", n.ProviderID, err)
				continue
			}
		}
		if err := m.Store.DeleteNode(n.ID); err != nil && !errors.Is(err, state.ErrNotFound) {
			log.Printf("[pool] delete node row %d: %v", n.ID, err)
		}
	}
}

// CreateWarmNode provisions one node end to end: provider create, wait
// for boot, warm deploy, then active. Retries the whole sequence; a
// partial failure leaves an error row for the reaper and a best-effort
// provider cleanup.
func (m *Maintainer) CreateWarmNode(ctx context.Context) (*model.Node, error) {
	var lastErr error
	for attempt := 1; attempt <= createRetries; attempt++ {
		n, err := m.createOnce(ctx)
		if err == nil {
			return n, nil
		}
		lastErr = err
		log.Printf("[pool] warm create attempt %d/%d failed: %v", attempt, createRetries, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("create warm node after %d attempts: %w", createRetries, lastErr)
}

func (m *Maintainer) createOnce(ctx context.Context) (*model.Node, error) {
	name := fmt.Sprintf("fleet-%d", time.Now().UnixNano())
	providerID, err := m.Provider.CreateNode(ctx, name)
	if err != nil {
		return nil, err
	}

	n := &model.Node{
		ProviderID:   providerID,
		SSHUser:      "root",
		SSHPort:      22,
		State:        model.NodeStateCreating,
		Stage:        model.StageNone,
		OpenclawPath: m.Engine.InstallPath,
	}
	if _, err := m.Store.InsertNode(n); err != nil {
		// The server exists but we cannot track it; release it.
		m.releaseProvider(providerID)
		return nil, err
	}

	ready, err := m.Provider.WaitReady(ctx, providerID, m.WaitReady)
	if err != nil {
		return nil, m.abandon(n, fmt.Errorf("wait ready: %w", err))
	}
	n.IP = ready.IPv4
	n.SSHPassword = ready.RootPassword
	n.State = model.NodeStateProvisioning
	if err := m.Store.UpdateNode(n); err != nil {
		return nil, m.abandon(n, err)
	}

	r, err := m.Dial(ctx, sshx.Target{Host: n.IP, Port: n.SSHPort, User: n.SSHUser, Password: n.SSHPassword})
	if err != nil {
		return nil, m.abandon(n, fmt.Errorf("dial: %w", err))
	}
	defer r.Close()
	if hk, ok := r.(interface{ HostKey() string }); ok && hk.HostKey() != "" {
		if err := m.Store.SetNodeHostKey(n.ID, hk.HostKey()); err != nil {
			return nil, m.abandon(n, err)
		}
		n.HostKey = hk.HostKey()
	}

	if err := m.Engine.WarmDeploy(ctx, r); err != nil {
		return nil, m.abandon(n, fmt.Errorf("warm deploy: %w", err))
	}

	if err := m.Store.SetNodeState(n.ID, model.NodeStateActive); err != nil {
		return nil, m.abandon(n, err)
	}
	n.State = model.NodeStateActive
	log.Printf("[pool] node %d (%s) warmed and active", n.ID, n.IP)
	return n, nil
}

// abandon records the failure on the node row so the reaper picks it up
// on the next pass.
func (m *Maintainer) abandon(n *model.Node, cause error) error {
	if err := m.Store.SetNodeError(n.ID, cause.Error()); err != nil {
		log.Printf("[pool] mark node %d errored: %v", n.ID, err)
	}
	return cause
}

func (m *Maintainer) releaseProvider(providerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.Provider.DeleteNode(ctx, providerID); err != nil {
		log.Printf("[pool] release untracked server %s: %v", providerID, err)
	}
}
