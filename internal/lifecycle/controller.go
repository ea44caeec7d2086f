// Package lifecycle owns node state transitions. The controller
// serializes work per node and runs deploys through the convergence
// engine; the coordinator reacts to billing events.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/simpleclaw/fleet/internal/converge"
	"github.com/simpleclaw/fleet/internal/model"
	"github.com/simpleclaw/fleet/internal/notify"
	"github.com/simpleclaw/fleet/internal/sshx"
	"github.com/simpleclaw/fleet/internal/state"
)

// ErrDeployInFlight is returned when a node is already mid-deploy.
var ErrDeployInFlight = errors.New("deploy already in progress")

// DefaultModelSlug is used when a profile has not picked a model.
const DefaultModelSlug = "claude-sonnet-4"

// hostKeyer is satisfied by the real SSH client; fakes may skip it.
type hostKeyer interface {
	HostKey() string
}

// Controller runs node-level operations with per-node serialization.
// Two deploys against one node never interleave; different nodes run
// concurrently.
type Controller struct {
	Store    *state.Store
	Engine   *converge.Engine
	Dial     sshx.Dialer
	Notifier *notify.Notifier

	locks *xsync.Map[int64, *sync.Mutex]
}

// NewController wires a controller.
func NewController(store *state.Store, engine *converge.Engine, dial sshx.Dialer, notifier *notify.Notifier) *Controller {
	return &Controller{
		Store:    store,
		Engine:   engine,
		Dial:     dial,
		Notifier: notifier,
		locks:    xsync.NewMap[int64, *sync.Mutex](),
	}
}

// tryLockNode acquires the node's mutex without blocking. Callers that
// hit contention surface ErrDeployInFlight instead of queueing, so a
// user cannot stack redeploys.
func (c *Controller) tryLockNode(id int64) (func(), error) {
	mu, _ := c.locks.LoadOrStore(id, &sync.Mutex{})
	if !mu.TryLock() {
		return nil, ErrDeployInFlight
	}
	return mu.Unlock, nil
}

// lockNode blocks until the node is free. Background maintenance uses
// this; user-facing paths use tryLockNode.
func (c *Controller) lockNode(id int64) func() {
	mu, _ := c.locks.LoadOrStore(id, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

// Connect dials the node and persists the host key seen on first use.
func (c *Controller) Connect(ctx context.Context, n *model.Node) (sshx.Runner, error) {
	r, err := c.Dial(ctx, sshx.Target{
		Host:         n.IP,
		Port:         n.SSHPort,
		User:         n.SSHUser,
		Password:     n.SSHPassword,
		KnownHostKey: n.HostKey,
	})
	if err != nil {
		return nil, fmt.Errorf("connect node %d: %w", n.ID, err)
	}
	if n.HostKey == "" {
		if hk, ok := r.(hostKeyer); ok && hk.HostKey() != "" {
			if err := c.Store.SetNodeHostKey(n.ID, hk.HostKey()); err != nil {
				r.Close()
				return nil, err
			}
			n.HostKey = hk.HostKey()
		}
	}
	return r, nil
}

// BuildSpec assembles the desired runtime spec for a profile on a node.
func (c *Controller) BuildSpec(p *model.UserProfile, n *model.Node) (*converge.DesiredSpec, error) {
	slug := p.SelectedModel
	if slug == "" {
		slug = DefaultModelSlug
	}
	modelID, err := c.Engine.ResolveModel(slug)
	if err != nil {
		return nil, err
	}
	var allowFrom []string
	if p.OwnerPeerID != "" {
		allowFrom = []string{p.OwnerPeerID}
	}
	return &converge.DesiredSpec{
		RouterKey:        p.RouterKey,
		BotToken:         p.BotToken,
		Model:            modelID,
		DMPolicy:         converge.DMPolicyPairing,
		AllowFrom:        allowFrom,
		GatewayToken:     n.GatewayToken,
		ExtensionEnabled: p.ExtensionEnabled,
	}, nil
}

// DeployUser converges a bound node onto its user's spec. The node only
// reaches the ready stage through a verified deploy; any failure records
// the diagnosis and flips the node to error.
func (c *Controller) DeployUser(ctx context.Context, n *model.Node, spec *converge.DesiredSpec, full bool) error {
	unlock, err := c.tryLockNode(n.ID)
	if err != nil {
		return err
	}
	defer unlock()
	return c.deployLocked(ctx, n, spec, full)
}

func (c *Controller) deployLocked(ctx context.Context, n *model.Node, spec *converge.DesiredSpec, full bool) error {
	r, err := c.Connect(ctx, n)
	if err != nil {
		c.failNode(n, err)
		return err
	}
	defer r.Close()

	setStage := func(stage model.DeployStage) {
		if err := c.Store.SetNodeStage(n.ID, stage); err != nil {
			log.Printf("[lifecycle] node %d: persist stage %s: %v", n.ID, stage, err)
		}
	}

	if full {
		err = c.Engine.FullDeploy(ctx, r, spec, setStage)
	} else {
		err = c.Engine.QuickDeploy(ctx, r, spec, setStage)
	}
	if err != nil {
		c.failNode(n, err)
		return err
	}

	if err := c.Store.SetNodeStage(n.ID, model.StageReady); err != nil {
		return err
	}
	if err := c.Store.SetNodeState(n.ID, model.NodeStateActive); err != nil {
		return err
	}
	if err := c.Store.SetNodeRuntimeRunning(n.ID, true, time.Now().UnixNano()); err != nil {
		return err
	}
	if err := c.Store.ClearNodeError(n.ID); err != nil {
		return err
	}
	if spec.ExtensionEnabled {
		if err := c.Store.SetNodeExtensionInstalled(n.ID, true); err != nil {
			return err
		}
	}
	log.Printf("[lifecycle] node %d ready, spec %s", n.ID, spec.Fingerprint())
	return nil
}

func (c *Controller) failNode(n *model.Node, cause error) {
	log.Printf("[lifecycle] node %d deploy failed: %v", n.ID, cause)
	if err := c.Store.SetNodeError(n.ID, cause.Error()); err != nil {
		log.Printf("[lifecycle] node %d: persist error state: %v", n.ID, err)
	}
	c.Notifier.NotifyAdmin(fmt.Sprintf("⚠️ Node %d (%s) deploy failed: %v", n.ID, n.IP, cause))
}

// Redeploy rebuilds the user's bound node from the base layers up.
func (c *Controller) Redeploy(ctx context.Context, profileID int64) error {
	n, err := c.Store.GetNodeByProfileID(profileID)
	if err != nil {
		return err
	}
	p, err := c.Store.GetProfileByID(profileID)
	if err != nil {
		return err
	}
	spec, err := c.BuildSpec(p, n)
	if err != nil {
		return err
	}
	return c.DeployUser(ctx, n, spec, true)
}

// Busy reports whether a deploy currently holds the node. The answer
// can go stale immediately; it only pre-empts the obvious case of a
// second redeploy queued while one is running.
func (c *Controller) Busy(nodeID int64) bool {
	unlock, err := c.tryLockNode(nodeID)
	if err != nil {
		return true
	}
	unlock()
	return false
}

// SetModel validates, applies and persists a model switch for a profile.
func (c *Controller) SetModel(ctx context.Context, profileID int64, slug string) error {
	modelID, err := c.Engine.ResolveModel(slug)
	if err != nil {
		return err
	}
	n, err := c.Store.GetNodeByProfileID(profileID)
	if err != nil {
		return err
	}
	unlock, err := c.tryLockNode(n.ID)
	if err != nil {
		return err
	}
	defer unlock()

	r, err := c.Connect(ctx, n)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := c.Engine.SetModel(ctx, r, modelID); err != nil {
		return err
	}
	// Persist only after the node demonstrably runs the new model.
	return c.Store.SetProfileModel(profileID, slug)
}

// ApprovePairing forwards a pairing confirmation to the node.
func (c *Controller) ApprovePairing(ctx context.Context, profileID int64, code string) error {
	return c.withNode(ctx, profileID, func(r sshx.Runner) error {
		return c.Engine.ApprovePairing(ctx, r, code)
	})
}

// InstallSkill installs a marketplace skill on the user's node.
func (c *Controller) InstallSkill(ctx context.Context, profileID int64, name, sourceURL string) error {
	return c.withNode(ctx, profileID, func(r sshx.Runner) error {
		return c.Engine.InstallSkill(ctx, r, name, sourceURL)
	})
}

// UninstallSkill removes a skill from the user's node.
func (c *Controller) UninstallSkill(ctx context.Context, profileID int64, name string) error {
	return c.withNode(ctx, profileID, func(r sshx.Runner) error {
		return c.Engine.UninstallSkill(ctx, r, name)
	})
}

// SetExtension toggles the multi-agent extension and persists the flag
// only after the node change succeeded.
func (c *Controller) SetExtension(ctx context.Context, profileID int64, enabled bool) error {
	err := c.withNode(ctx, profileID, func(r sshx.Runner) error {
		if enabled {
			return c.Engine.EnableExtension(ctx, r)
		}
		return c.Engine.DisableExtension(ctx, r)
	})
	if err != nil {
		return err
	}
	if err := c.Store.SetProfileExtensionEnabled(profileID, enabled); err != nil {
		return err
	}
	n, err := c.Store.GetNodeByProfileID(profileID)
	if err != nil {
		return err
	}
	return c.Store.SetNodeExtensionInstalled(n.ID, enabled)
}

// Deactivate stops the runtime and parks the node. The binding is kept
// so a renewal can reactivate in place.
func (c *Controller) Deactivate(ctx context.Context, n *model.Node) error {
	unlock := c.lockNode(n.ID)
	defer unlock()

	r, err := c.Connect(ctx, n)
	if err == nil {
		defer r.Close()
		if serr := c.Engine.StopRuntime(ctx, r); serr != nil {
			log.Printf("[lifecycle] node %d: stop runtime: %v", n.ID, serr)
		}
	} else {
		log.Printf("[lifecycle] node %d: unreachable during deactivation: %v", n.ID, err)
	}

	if err := c.Store.SetNodeRuntimeRunning(n.ID, false, time.Now().UnixNano()); err != nil {
		return err
	}
	return c.Store.SetNodeState(n.ID, model.NodeStateDeactivated)
}

// Reactivate brings a deactivated node back for its user.
func (c *Controller) Reactivate(ctx context.Context, n *model.Node, spec *converge.DesiredSpec) error {
	unlock := c.lockNode(n.ID)
	defer unlock()

	if err := c.Store.SetNodeState(n.ID, model.NodeStateActive); err != nil {
		return err
	}
	r, err := c.Connect(ctx, n)
	if err != nil {
		c.failNode(n, err)
		return err
	}
	defer r.Close()

	if err := c.Engine.StartRuntime(ctx, r); err != nil {
		c.failNode(n, err)
		return err
	}
	if err := c.Engine.ApplyAndVerify(ctx, r, spec); err != nil {
		c.failNode(n, err)
		return err
	}
	if err := c.Store.SetNodeRuntimeRunning(n.ID, true, time.Now().UnixNano()); err != nil {
		return err
	}
	return c.Store.SetNodeStage(n.ID, model.StageReady)
}

// withNode resolves the profile's node, serializes on it, connects and
// runs fn.
func (c *Controller) withNode(ctx context.Context, profileID int64, fn func(r sshx.Runner) error) error {
	n, err := c.Store.GetNodeByProfileID(profileID)
	if err != nil {
		return err
	}
	unlock, err := c.tryLockNode(n.ID)
	if err != nil {
		return err
	}
	defer unlock()

	r, err := c.Connect(ctx, n)
	if err != nil {
		return err
	}
	defer r.Close()
	return fn(r)
}
