// Package converge makes the remote runtime on a node match a desired
// spec. All mutations go through the shell driver; all checks read live
// observable state. Nothing here is transactional: correctness comes
// from converge-then-verify with idempotent retries.
package converge

import (
	"encoding/json"
	"fmt"

	"github.com/zeebo/xxh3"
	"gopkg.in/yaml.v3"
)

// DM policies accepted by the runtime's messaging channel.
const (
	DMPolicyPairing = "pairing"
	DMPolicyOpen    = "open"
)

// AgentNames are the workspaces installed on every user node.
var AgentNames = []string{"researcher", "writer", "coder", "analyst", "assistant"}

// mainAgent is the workspace the runtime boots with; its auth profile is
// the one verification reads back.
const mainAgent = "main"

// DesiredSpec fingerprints every knob convergence is responsible for.
type DesiredSpec struct {
	RouterKey           string
	BotToken            string
	Model               string // full model-router id, e.g. openrouter/anthropic/claude-sonnet-4
	FallbackModels      []string
	DMPolicy            string
	AllowFrom           []string // messaging-channel peer ids, or "*"
	GatewayToken        string
	MaxTokensPerMessage int
	MaxContextMessages  int
	ExtensionEnabled    bool
}

// Fingerprint returns a short stable hash of the spec, used to tag log
// lines and detect no-op re-deploys.
func (s *DesiredSpec) Fingerprint() string {
	buf, _ := json.Marshal(s)
	return fmt.Sprintf("%016x", xxh3.Hash(buf))
}

// runtimeConfig is the per-user runtime spec file, uploaded as YAML.
type runtimeConfig struct {
	Provider string         `yaml:"provider"`
	Model    string         `yaml:"model"`
	APIKey   string         `yaml:"api_key"`
	Gateway  gatewayConfig  `yaml:"gateway"`
	Channels channelsConfig `yaml:"channels"`
	Limits   limitsConfig   `yaml:"limits"`
}

type gatewayConfig struct {
	Mode      string        `yaml:"mode"`
	Bind      string        `yaml:"bind"`
	Auth      gatewayAuth   `yaml:"auth"`
	ControlUI gatewayWebCfg `yaml:"controlUi"`
}

type gatewayAuth struct {
	Type  string `yaml:"type"`
	Token string `yaml:"token"`
}

type gatewayWebCfg struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

type channelsConfig struct {
	Telegram telegramChannel `yaml:"telegram"`
}

type telegramChannel struct {
	Enabled     bool     `yaml:"enabled"`
	BotToken    string   `yaml:"botToken"`
	DMPolicy    string   `yaml:"dmPolicy"`
	AllowFrom   []string `yaml:"allowFrom"`
	GroupPolicy string   `yaml:"groupPolicy"`
	StreamMode  string   `yaml:"streamMode"`
}

type limitsConfig struct {
	MaxTokensPerMessage int `yaml:"max_tokens_per_message"`
	MaxContextMessages  int `yaml:"max_context_messages"`
}

// RuntimeYAML renders the runtime spec file.
func (s *DesiredSpec) RuntimeYAML(gatewayPort int) ([]byte, error) {
	cfg := runtimeConfig{
		Provider: "openrouter",
		Model:    s.Model,
		APIKey:   s.RouterKey,
		Gateway: gatewayConfig{
			Mode: "token",
			Bind: fmt.Sprintf("0.0.0.0:%d", gatewayPort),
			Auth: gatewayAuth{Type: "token", Token: s.GatewayToken},
			ControlUI: gatewayWebCfg{
				AllowedOrigins: []string{"*"},
			},
		},
		Channels: channelsConfig{
			Telegram: telegramChannel{
				Enabled:     true,
				BotToken:    s.BotToken,
				DMPolicy:    s.DMPolicy,
				AllowFrom:   s.allowFromOrWildcard(),
				GroupPolicy: "allowlist",
				StreamMode:  "partial",
			},
		},
		Limits: limitsConfig{
			MaxTokensPerMessage: s.MaxTokensPerMessage,
			MaxContextMessages:  s.MaxContextMessages,
		},
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("render runtime config: %w", err)
	}
	return out, nil
}

// authProfiles mirrors the provider credential into the runtime's
// auth-profiles file, one per agent workspace.
type authProfiles struct {
	Profiles map[string]authProfile `json:"profiles"`
	Default  string                 `json:"default"`
}

type authProfile struct {
	Provider string `json:"provider"`
	APIKey   string `json:"apiKey"`
}

// AuthProfilesJSON renders the auth-profiles file.
func (s *DesiredSpec) AuthProfilesJSON() ([]byte, error) {
	doc := authProfiles{
		Profiles: map[string]authProfile{
			"openrouter": {Provider: "openrouter", APIKey: s.RouterKey},
		},
		Default: "openrouter",
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render auth profiles: %w", err)
	}
	return out, nil
}

// allowFromFile is the messaging-channel allow-list file.
type allowFromFile struct {
	Version   int      `json:"version"`
	AllowFrom []string `json:"allowFrom"`
}

// AllowFromJSON renders the allow-list file.
func (s *DesiredSpec) AllowFromJSON() ([]byte, error) {
	doc := allowFromFile{Version: 1, AllowFrom: s.allowFromOrWildcard()}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render allow list: %w", err)
	}
	return out, nil
}

func (s *DesiredSpec) allowFromOrWildcard() []string {
	if len(s.AllowFrom) == 0 {
		return []string{"*"}
	}
	return s.AllowFrom
}

// Validate rejects specs that cannot converge.
func (s *DesiredSpec) Validate() error {
	if s.RouterKey == "" {
		return fmt.Errorf("desired spec: missing router key")
	}
	if s.BotToken == "" {
		return fmt.Errorf("desired spec: missing bot token")
	}
	if s.Model == "" {
		return fmt.Errorf("desired spec: missing model")
	}
	if s.DMPolicy != DMPolicyPairing && s.DMPolicy != DMPolicyOpen {
		return fmt.Errorf("desired spec: invalid dm policy %q", s.DMPolicy)
	}
	if s.GatewayToken == "" {
		return fmt.Errorf("desired spec: missing gateway token")
	}
	return nil
}
