package state

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/simpleclaw/fleet/internal/model"
)

const nodeColumns = `id, provider_id, ip, ssh_user, ssh_password, ssh_port, host_key, state,
	deployment_stage, runtime_running, extension_installed, gateway_token, bound_profile_id,
	openclaw_path, last_error, last_health_check_ns, created_at_ns, updated_at_ns`

// InsertNode persists a new node record and returns its id.
func (s *Store) InsertNode(n *model.Node) (int64, error) {
	now := nowNs()
	res, err := s.db.Exec(
		`INSERT INTO nodes (provider_id, ip, ssh_user, ssh_password, ssh_port, host_key, state,
			deployment_stage, runtime_running, extension_installed, gateway_token, bound_profile_id,
			openclaw_path, last_error, last_health_check_ns, created_at_ns, updated_at_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ProviderID, n.IP, n.SSHUser, n.SSHPassword, n.SSHPort, n.HostKey, string(n.State),
		string(n.Stage), n.RuntimeRunning, n.ExtensionInstalled, nullStr(n.GatewayToken), nullID(n.BoundProfileID),
		n.OpenclawPath, n.LastError, n.LastHealthCheckNs, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("insert node: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert node id: %w", err)
	}
	n.ID = id
	n.CreatedAtNs = now
	n.UpdatedAtNs = now
	return id, nil
}

// UpdateNode writes the full mutable portion of a node row.
func (s *Store) UpdateNode(n *model.Node) error {
	n.UpdatedAtNs = nowNs()
	res, err := s.db.Exec(
		`UPDATE nodes SET provider_id = ?, ip = ?, ssh_user = ?, ssh_password = ?, ssh_port = ?,
			host_key = ?, state = ?, deployment_stage = ?, runtime_running = ?, extension_installed = ?,
			gateway_token = ?, bound_profile_id = ?, openclaw_path = ?, last_error = ?,
			last_health_check_ns = ?, updated_at_ns = ?
		 WHERE id = ?`,
		n.ProviderID, n.IP, n.SSHUser, n.SSHPassword, n.SSHPort,
		n.HostKey, string(n.State), string(n.Stage), n.RuntimeRunning, n.ExtensionInstalled,
		nullStr(n.GatewayToken), nullID(n.BoundProfileID), n.OpenclawPath, n.LastError,
		n.LastHealthCheckNs, n.UpdatedAtNs,
		n.ID,
	)
	if err != nil {
		return fmt.Errorf("update node %d: %w", n.ID, err)
	}
	return checkAffected(res, ErrNotFound)
}

// GetNode returns the node with the given id.
func (s *Store) GetNode(id int64) (*model.Node, error) {
	return s.scanNode(s.db.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id))
}

// GetNodeByProfileID returns the non-deactivated node bound to a profile.
func (s *Store) GetNodeByProfileID(profileID int64) (*model.Node, error) {
	return s.scanNode(s.db.QueryRow(
		`SELECT `+nodeColumns+` FROM nodes WHERE bound_profile_id = ? AND state != ? ORDER BY id DESC LIMIT 1`,
		profileID, string(model.NodeStateDeactivated),
	))
}

// GetNodeByGatewayToken resolves a gateway token to its node.
func (s *Store) GetNodeByGatewayToken(token string) (*model.Node, error) {
	return s.scanNode(s.db.QueryRow(
		`SELECT `+nodeColumns+` FROM nodes WHERE gateway_token = ?`, token,
	))
}

// ClaimNode atomically binds one warmed unbound node to profileID and
// moves its stage to pool-assigned. Returns ErrNotFound when the pool is
// empty. The WHERE re-checks bound_profile_id IS NULL so two concurrent
// claims can never take the same row.
func (s *Store) ClaimNode(profileID int64) (*model.Node, error) {
	res, err := s.db.Exec(
		`UPDATE nodes SET bound_profile_id = ?, deployment_stage = ?, updated_at_ns = ?
		  WHERE id = (SELECT id FROM nodes WHERE state = ? AND bound_profile_id IS NULL ORDER BY id LIMIT 1)
		    AND bound_profile_id IS NULL`,
		profileID, string(model.StagePoolAssigned), nowNs(), string(model.NodeStateActive),
	)
	if err != nil {
		return nil, fmt.Errorf("claim node: %w", err)
	}
	if err := checkAffected(res, ErrNotFound); err != nil {
		return nil, err
	}
	return s.GetNodeByProfileID(profileID)
}

// BindNode claims a specific node for a profile; ErrConflict when it is
// already bound.
func (s *Store) BindNode(nodeID, profileID int64) error {
	res, err := s.db.Exec(
		`UPDATE nodes SET bound_profile_id = ?, deployment_stage = ?, updated_at_ns = ?
		  WHERE id = ? AND bound_profile_id IS NULL`,
		profileID, string(model.StagePoolAssigned), nowNs(), nodeID,
	)
	if err != nil {
		return fmt.Errorf("bind node %d: %w", nodeID, err)
	}
	return checkAffected(res, ErrConflict)
}

// SetNodeState moves a node to a lifecycle state.
func (s *Store) SetNodeState(id int64, st model.NodeState) error {
	return s.execNode(id, `UPDATE nodes SET state = ?, updated_at_ns = ? WHERE id = ?`,
		string(st), nowNs(), id)
}

// SetNodeStage updates the user-visible deployment stage.
func (s *Store) SetNodeStage(id int64, stage model.DeployStage) error {
	return s.execNode(id, `UPDATE nodes SET deployment_stage = ?, updated_at_ns = ? WHERE id = ?`,
		string(stage), nowNs(), id)
}

// SetNodeError marks the node failed with a diagnosis.
func (s *Store) SetNodeError(id int64, msg string) error {
	return s.execNode(id, `UPDATE nodes SET state = ?, last_error = ?, updated_at_ns = ? WHERE id = ?`,
		string(model.NodeStateError), msg, nowNs(), id)
}

// UpdateNodeDiag records a diagnosis without changing the lifecycle
// state. Health probes use this for bound nodes.
func (s *Store) UpdateNodeDiag(id int64, msg string) error {
	return s.execNode(id, `UPDATE nodes SET last_error = ?, updated_at_ns = ? WHERE id = ?`,
		msg, nowNs(), id)
}

// ClearNodeError resets the diagnosis after a successful converge.
func (s *Store) ClearNodeError(id int64) error {
	return s.execNode(id, `UPDATE nodes SET last_error = '', updated_at_ns = ? WHERE id = ?`,
		nowNs(), id)
}

// SetNodeHostKey records the TOFU host key seen on first connect.
func (s *Store) SetNodeHostKey(id int64, hostKey string) error {
	return s.execNode(id, `UPDATE nodes SET host_key = ?, updated_at_ns = ? WHERE id = ?`,
		hostKey, nowNs(), id)
}

// SetNodeRuntimeRunning records the observed container state plus the
// health-check timestamp.
func (s *Store) SetNodeRuntimeRunning(id int64, running bool, checkedNs int64) error {
	return s.execNode(id,
		`UPDATE nodes SET runtime_running = ?, last_health_check_ns = ?, updated_at_ns = ? WHERE id = ?`,
		running, checkedNs, nowNs(), id)
}

// SetNodeGatewayToken sets the per-node gateway secret.
func (s *Store) SetNodeGatewayToken(id int64, token string) error {
	return s.execNode(id, `UPDATE nodes SET gateway_token = ?, updated_at_ns = ? WHERE id = ?`,
		nullStr(token), nowNs(), id)
}

// SetNodeExtensionInstalled records the extension install flag.
func (s *Store) SetNodeExtensionInstalled(id int64, installed bool) error {
	return s.execNode(id, `UPDATE nodes SET extension_installed = ?, updated_at_ns = ? WHERE id = ?`,
		installed, nowNs(), id)
}

// DeleteNode removes the row entirely. Only reaped error/stuck nodes and
// operator deletions go through here.
func (s *Store) DeleteNode(id int64) error {
	res, err := s.db.Exec(`DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete node %d: %w", id, err)
	}
	return checkAffected(res, ErrNotFound)
}

// PoolCounts is a read-only snapshot of pool occupancy.
type PoolCounts struct {
	Available    int `json:"available"`     // active and unbound
	InProgress   int `json:"in_progress"`   // creating/provisioning and unbound
	Bound        int `json:"bound"`         // non-deactivated with a binding
	Errored      int `json:"errored"`       // state = error
	TotalHealthy int `json:"total_healthy"` // everything but error
}

// GetPoolCounts computes pool occupancy in one pass.
func (s *Store) GetPoolCounts() (PoolCounts, error) {
	var c PoolCounts
	err := s.db.QueryRow(`SELECT
		COALESCE(SUM(CASE WHEN state = 'active' AND bound_profile_id IS NULL THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN state IN ('creating','provisioning') AND bound_profile_id IS NULL THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN bound_profile_id IS NOT NULL AND state != 'deactivated' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN state = 'error' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN state != 'error' THEN 1 ELSE 0 END), 0)
	  FROM nodes`).Scan(&c.Available, &c.InProgress, &c.Bound, &c.Errored, &c.TotalHealthy)
	if err != nil {
		return PoolCounts{}, fmt.Errorf("pool counts: %w", err)
	}
	return c, nil
}

// ListNodesByState returns all nodes in a given lifecycle state.
func (s *Store) ListNodesByState(st model.NodeState) ([]*model.Node, error) {
	return s.queryNodes(`SELECT `+nodeColumns+` FROM nodes WHERE state = ? ORDER BY id`, string(st))
}

// ListErrorUnbound returns failed nodes with no user attached; the pool
// maintainer reaps these.
func (s *Store) ListErrorUnbound() ([]*model.Node, error) {
	return s.queryNodes(
		`SELECT `+nodeColumns+` FROM nodes WHERE state = ? AND bound_profile_id IS NULL ORDER BY id`,
		string(model.NodeStateError),
	)
}

// ListStuckUnbound returns unbound nodes sitting in creating/provisioning
// with no progress since cutoffNs.
func (s *Store) ListStuckUnbound(cutoffNs int64) ([]*model.Node, error) {
	return s.queryNodes(
		`SELECT `+nodeColumns+` FROM nodes
		  WHERE state IN ('creating','provisioning') AND bound_profile_id IS NULL AND updated_at_ns < ?
		  ORDER BY id`,
		cutoffNs,
	)
}

// ListBoundActive returns bound, non-deactivated nodes for health probing.
func (s *Store) ListBoundActive() ([]*model.Node, error) {
	return s.queryNodes(
		`SELECT ` + nodeColumns + ` FROM nodes
		  WHERE bound_profile_id IS NOT NULL AND state IN ('active') ORDER BY id`,
	)
}

func (s *Store) queryNodes(query string, args ...any) ([]*model.Node, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var out []*model.Node
	for rows.Next() {
		n, err := scanNodeRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanNode(row *sql.Row) (*model.Node, error) {
	n, err := scanNodeRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return n, err
}

func scanNodeRow(r rowScanner) (*model.Node, error) {
	var n model.Node
	var st, stage string
	var gateway sql.NullString
	var bound sql.NullInt64
	err := r.Scan(
		&n.ID, &n.ProviderID, &n.IP, &n.SSHUser, &n.SSHPassword, &n.SSHPort, &n.HostKey, &st,
		&stage, &n.RuntimeRunning, &n.ExtensionInstalled, &gateway, &bound,
		&n.OpenclawPath, &n.LastError, &n.LastHealthCheckNs, &n.CreatedAtNs, &n.UpdatedAtNs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan node: %w", err)
	}
	n.State = model.NodeState(st)
	n.Stage = model.DeployStage(stage)
	n.GatewayToken = gateway.String
	n.BoundProfileID = bound.Int64
	return &n, nil
}

func (s *Store) execNode(id int64, query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update node %d: %w", id, err)
	}
	return checkAffected(res, ErrNotFound)
}

func checkAffected(res sql.Result, zeroErr error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return zeroErr
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
