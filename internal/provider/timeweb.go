// Package provider wraps the node-provider REST API. It hides the
// provider's eventual consistency: creation is asynchronous, IPv4
// attachment commits in the background, and readiness is polled.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"
)

const (
	readyPollInterval  = 15 * time.Second
	ipv4AttachAttempts = 5
	ipv4AttachDelay    = 20 * time.Second
)

// ErrUnavailable marks provider 5xx responses and transport failures.
var ErrUnavailable = errors.New("node provider unavailable")

// ErrNoIPv4 is returned when a node never receives a public IPv4 address.
var ErrNoIPv4 = errors.New("node has no IPv4 address")

// errNotYet is the eventually-consistent "not ready" sentinel.
var errNotYet = errors.New("not yet")

// NodeInfo is the provider's view of one server.
type NodeInfo struct {
	Status       string
	IPv4         string
	IPv6         string
	RootPassword string
}

// ReadyNode is what WaitReady resolves to.
type ReadyNode struct {
	IPv4         string
	RootPassword string
}

// API is the node-provider surface consumed by the pool and lifecycle
// layers. Implemented by Client; faked in tests.
type API interface {
	CreateNode(ctx context.Context, name string) (string, error)
	GetNode(ctx context.Context, providerID string) (NodeInfo, error)
	AttachIPv4(ctx context.Context, providerID string) (string, error)
	DeleteNode(ctx context.Context, providerID string) error
	WaitReady(ctx context.Context, providerID string, deadline time.Duration) (ReadyNode, error)
}

// Client talks to a Timeweb-compatible cloud API.
type Client struct {
	BaseURL  string
	Token    string
	PresetID int
	OSTag    string
	HTTP     *http.Client
}

var _ API = (*Client)(nil)

// NewClient builds a provider client with a 30 s per-call deadline.
func NewClient(baseURL, token string, presetID int, osTag string) *Client {
	return &Client{
		BaseURL:  baseURL,
		Token:    token,
		PresetID: presetID,
		OSTag:    osTag,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

type createServerRequest struct {
	Name                   string `json:"name"`
	PresetID               int    `json:"preset_id"`
	OSTag                  string `json:"os"`
	IsRootPasswordRequired bool   `json:"is_root_password_required"`
}

type serverEnvelope struct {
	Server struct {
		ID       int64  `json:"id"`
		Status   string `json:"status"`
		RootPass string `json:"root_pass"`
		Networks []struct {
			Type string `json:"type"`
			IPs  []struct {
				Type string `json:"type"`
				IP   string `json:"ip"`
			} `json:"ips"`
		} `json:"networks"`
	} `json:"server"`
}

// CreateNode submits a server creation request. Not idempotent: callers
// must persist the returned id before exposing success.
func (c *Client) CreateNode(ctx context.Context, name string) (string, error) {
	body := createServerRequest{
		Name:                   name,
		PresetID:               c.PresetID,
		OSTag:                  c.OSTag,
		IsRootPasswordRequired: true,
	}
	var env serverEnvelope
	if err := c.do(ctx, http.MethodPost, "/servers", body, &env); err != nil {
		return "", fmt.Errorf("create node %q: %w", name, err)
	}
	if env.Server.ID == 0 {
		return "", fmt.Errorf("create node %q: provider returned no id", name)
	}
	return strconv.FormatInt(env.Server.ID, 10), nil
}

// GetNode reads the current server state. A server that exists but has
// not finished provisioning comes back with its in-progress status.
func (c *Client) GetNode(ctx context.Context, providerID string) (NodeInfo, error) {
	var env serverEnvelope
	if err := c.do(ctx, http.MethodGet, "/servers/"+providerID, nil, &env); err != nil {
		return NodeInfo{}, fmt.Errorf("get node %s: %w", providerID, err)
	}
	info := NodeInfo{
		Status:       env.Server.Status,
		RootPassword: env.Server.RootPass,
	}
	for _, nw := range env.Server.Networks {
		if nw.Type != "public" {
			continue
		}
		for _, ip := range nw.IPs {
			switch ip.Type {
			case "ipv4":
				info.IPv4 = ip.IP
			case "ipv6":
				info.IPv6 = ip.IP
			}
		}
	}
	return info, nil
}

// AttachIPv4 requests a public IPv4 and polls until the provider commits
// it, up to 5 attempts 20 s apart. The assignment is asynchronous on the
// provider side.
func (c *Client) AttachIPv4(ctx context.Context, providerID string) (string, error) {
	req := map[string]string{"type": "ipv4"}
	if err := c.do(ctx, http.MethodPost, "/servers/"+providerID+"/ips", req, nil); err != nil {
		return "", fmt.Errorf("attach ipv4 to %s: %w", providerID, err)
	}

	for attempt := 1; attempt <= ipv4AttachAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(ipv4AttachDelay):
		}
		info, err := c.GetNode(ctx, providerID)
		if err != nil {
			return "", err
		}
		if info.IPv4 != "" {
			return info.IPv4, nil
		}
		log.Printf("[provider] node %s: ipv4 not committed yet (attempt %d/%d)", providerID, attempt, ipv4AttachAttempts)
	}
	return "", fmt.Errorf("node %s: %w", providerID, ErrNoIPv4)
}

// DeleteNode removes the server. Deleting an already-deleted server is
// treated as success.
func (c *Client) DeleteNode(ctx context.Context, providerID string) error {
	err := c.do(ctx, http.MethodDelete, "/servers/"+providerID, nil, nil)
	if err != nil && !errors.Is(err, errNotFound) {
		return fmt.Errorf("delete node %s: %w", providerID, err)
	}
	return nil
}

// WaitReady polls every 15 s until the server is running with an IPv4
// address and a root password, or the deadline passes. An IPv6-only
// server gets one AttachIPv4 attempt.
func (c *Client) WaitReady(ctx context.Context, providerID string, deadline time.Duration) (ReadyNode, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	for {
		info, err := c.GetNode(ctx, providerID)
		if err == nil {
			ready, rerr := c.checkReady(ctx, providerID, info)
			if rerr == nil {
				return ready, nil
			}
			if !errors.Is(rerr, errNotYet) {
				return ReadyNode{}, rerr
			}
		} else if !errors.Is(err, ErrUnavailable) {
			return ReadyNode{}, err
		}

		select {
		case <-ctx.Done():
			return ReadyNode{}, fmt.Errorf("node %s not ready within %v: %w", providerID, deadline, ctx.Err())
		case <-time.After(readyPollInterval):
		}
	}
}

func (c *Client) checkReady(ctx context.Context, providerID string, info NodeInfo) (ReadyNode, error) {
	if info.Status != "on" {
		return ReadyNode{}, errNotYet
	}
	if info.RootPassword == "" {
		return ReadyNode{}, errNotYet
	}
	if info.IPv4 != "" {
		return ReadyNode{IPv4: info.IPv4, RootPassword: info.RootPassword}, nil
	}
	if info.IPv6 == "" {
		return ReadyNode{}, errNotYet
	}
	ip, err := c.AttachIPv4(ctx, providerID)
	if err != nil {
		return ReadyNode{}, err
	}
	return ReadyNode{IPv4: ip, RootPassword: info.RootPassword}, nil
}

var errNotFound = errors.New("provider resource not found")

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("provider %s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(payload))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
