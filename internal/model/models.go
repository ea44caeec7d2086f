// Package model defines domain structs shared across the persistence layer.
package model

// NodeState is the lifecycle state of a managed node.
type NodeState string

const (
	NodeStateCreating     NodeState = "creating"
	NodeStateProvisioning NodeState = "provisioning"
	NodeStateActive       NodeState = "active"
	NodeStateError        NodeState = "error"
	NodeStateDeactivated  NodeState = "deactivated"
)

// IsValid reports whether s is a known node state.
func (s NodeState) IsValid() bool {
	switch s {
	case NodeStateCreating, NodeStateProvisioning, NodeStateActive, NodeStateError, NodeStateDeactivated:
		return true
	}
	return false
}

// DeployStage is the user-visible deployment sub-state of a bound node.
type DeployStage string

const (
	StageNone              DeployStage = "none"
	StagePoolAssigned      DeployStage = "pool-assigned"
	StageConfiguringKeys   DeployStage = "configuring-keys"
	StageDeployingRuntime  DeployStage = "deploying-runtime"
	StageInstallingAgents  DeployStage = "installing-agents"
	StageConfiguringSearch DeployStage = "configuring-search"
	StageReady             DeployStage = "ready"
)

// Node is the persistent record of one single-tenant compute host.
// BoundProfileID == 0 means the node is unbound (stored as NULL so the
// claim update can test "bound_profile_id IS NULL").
type Node struct {
	ID                 int64       `json:"id"`
	ProviderID         string      `json:"provider_id"`
	IP                 string      `json:"ip"`
	SSHUser            string      `json:"ssh_user"`
	SSHPassword        string      `json:"-"`
	SSHPort            int         `json:"ssh_port"`
	HostKey            string      `json:"-"`
	State              NodeState   `json:"state"`
	Stage              DeployStage `json:"deployment_stage"`
	RuntimeRunning     bool        `json:"runtime_running"`
	ExtensionInstalled bool        `json:"extension_installed"`
	GatewayToken       string      `json:"-"`
	BoundProfileID     int64       `json:"bound_profile_id"`
	OpenclawPath       string      `json:"openclaw_path"`
	LastError          string      `json:"last_error"`
	LastHealthCheckNs  int64       `json:"last_health_check_ns"`
	CreatedAtNs        int64       `json:"created_at_ns"`
	UpdatedAtNs        int64       `json:"updated_at_ns"`
}

// Unbound reports whether the node has no user binding.
func (n *Node) Unbound() bool { return n.BoundProfileID == 0 }

// AuthProvider identifies the OAuth issuer that verified a user.
type AuthProvider string

const (
	AuthProviderGoogle AuthProvider = "google"
	AuthProviderApple  AuthProvider = "apple"
)

// User is an account created on first verified OAuth sign-in.
type User struct {
	ID             int64        `json:"id"`
	Email          string       `json:"email"`
	AuthProvider   AuthProvider `json:"auth_provider"`
	ProviderUserID string       `json:"provider_user_id"`
	CreatedAtNs    int64        `json:"created_at_ns"`
}

// UserProfile carries per-user runtime configuration and the model-router
// credential. Lifetime equals the user's.
type UserProfile struct {
	ID                 int64   `json:"id"`
	UserID             int64   `json:"user_id"`
	SelectedModel      string  `json:"selected_model"`
	SubscriptionStatus string  `json:"subscription_status"`
	RouterKey          string  `json:"-"`
	RouterKeyHandle    string  `json:"-"`
	UsageUSD           float64 `json:"usage_usd"`
	LimitUSD           float64 `json:"limit_usd"`
	BotToken           string  `json:"-"`
	BotUsername        string  `json:"bot_username"`
	OwnerPeerID        string  `json:"owner_peer_id"`
	SalesChatID        string  `json:"-"`
	ExtensionEnabled   bool    `json:"extension_enabled"`
	UpdatedAtNs        int64   `json:"updated_at_ns"`
}

// Subscription status values are monotonic within a billing period.
const (
	SubStatusActive    = "active"
	SubStatusCancelled = "cancelled"
	SubStatusExpired   = "expired"
	SubStatusPastDue   = "past-due"
)

// Subscription is the 1:1 billing record for a user.
type Subscription struct {
	ID                 int64  `json:"id"`
	UserID             int64  `json:"user_id"`
	Active             bool   `json:"active"`
	AutoRenew          bool   `json:"auto_renew"`
	Status             string `json:"status"`
	PeriodStartNs      int64  `json:"period_start_ns"`
	PeriodEndNs        int64  `json:"period_end_ns"`
	PaymentMethodToken string `json:"-"`
	CancelledAtNs      int64  `json:"cancelled_at_ns"`
}

// Payment status values; transitions are forward-only.
const (
	PaymentPending   = "pending"
	PaymentSucceeded = "succeeded"
	PaymentCanceled  = "canceled"
	PaymentRefunded  = "refunded"
)

// Payment is one row per payment attempt. ExternalID is the gateway's
// payment id and is unique; webhook replays are deduplicated on it.
type Payment struct {
	ID          int64   `json:"id"`
	UserID      int64   `json:"user_id"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Status      string  `json:"status"`
	Recurring   bool    `json:"recurring"`
	ExternalID  string  `json:"external_id"`
	CreatedAtNs int64   `json:"created_at_ns"`
}

// APIToken maps a bearer token to a user.
type APIToken struct {
	Token       string `json:"-"`
	UserID      int64  `json:"user_id"`
	CreatedAtNs int64  `json:"created_at_ns"`
}

// Job statuses for the durable work queue.
const (
	JobPending = "pending"
	JobRunning = "running"
	JobDone    = "done"
	JobError   = "error"
)

// Job is one durable unit of background work. Payload is JSON; its schema
// depends on Kind.
type Job struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Payload     string `json:"payload"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	LastError   string `json:"last_error"`
	CreatedAtNs int64  `json:"created_at_ns"`
	UpdatedAtNs int64  `json:"updated_at_ns"`
}
