// Package modelrouter manages per-user model-router API keys through the
// router's admin API: mint, inspect, limit, disable, revoke.
package modelrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUnavailable marks router 5xx responses and transport failures.
var ErrUnavailable = errors.New("model router unavailable")

// Key is the admin view of one provisioned key.
type Key struct {
	Handle   string
	Label    string
	Disabled bool
	LimitUSD float64
	UsageUSD float64
}

// Usage is the self-reported consumption of a key secret.
type Usage struct {
	UsageUSD     float64
	LimitUSD     float64
	RemainingUSD float64
}

// Patch carries optional key mutations; nil fields are left untouched.
type Patch struct {
	LimitUSD     *float64
	Disabled     *bool
	MonthlyReset *bool
}

// API is the key-lifecycle surface consumed by assignment and sweeping.
type API interface {
	CreateKey(ctx context.Context, label string, monthlyLimitUSD float64) (secret, handle string, err error)
	GetKey(ctx context.Context, handle string) (Key, error)
	PatchKey(ctx context.Context, handle string, p Patch) error
	DeleteKey(ctx context.Context, handle string) error
	CheckKeyUsage(ctx context.Context, secret string) (Usage, error)
}

// Client talks to an OpenRouter-compatible admin API.
type Client struct {
	BaseURL  string
	AdminKey string
	HTTP     *http.Client
}

var _ API = (*Client)(nil)

// NewClient builds a router client with a 30 s per-call deadline.
func NewClient(baseURL, adminKey string) *Client {
	return &Client{
		BaseURL:  baseURL,
		AdminKey: adminKey,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

type keyData struct {
	Hash     string  `json:"hash"`
	Name     string  `json:"name"`
	Disabled bool    `json:"disabled"`
	Limit    float64 `json:"limit"`
	Usage    float64 `json:"usage"`
}

type keyEnvelope struct {
	Key  string  `json:"key"`
	Data keyData `json:"data"`
}

// CreateKey mints a key with a monthly-resetting spend limit. The secret
// is shown exactly once; callers must persist both the secret and the
// returned handle before exposing success.
func (c *Client) CreateKey(ctx context.Context, label string, monthlyLimitUSD float64) (string, string, error) {
	body := map[string]any{
		"name":        label,
		"limit":       monthlyLimitUSD,
		"limit_reset": "monthly",
	}
	var env keyEnvelope
	if err := c.do(ctx, http.MethodPost, "/keys", c.AdminKey, body, &env); err != nil {
		return "", "", fmt.Errorf("create key %q: %w", label, err)
	}
	if env.Key == "" || env.Data.Hash == "" {
		return "", "", fmt.Errorf("create key %q: router returned no secret/handle", label)
	}
	return env.Key, env.Data.Hash, nil
}

// GetKey reads the key's current usage and limit.
func (c *Client) GetKey(ctx context.Context, handle string) (Key, error) {
	var env keyEnvelope
	if err := c.do(ctx, http.MethodGet, "/keys/"+handle, c.AdminKey, nil, &env); err != nil {
		return Key{}, fmt.Errorf("get key: %w", err)
	}
	return Key{
		Handle:   env.Data.Hash,
		Label:    env.Data.Name,
		Disabled: env.Data.Disabled,
		LimitUSD: env.Data.Limit,
		UsageUSD: env.Data.Usage,
	}, nil
}

// PatchKey applies the non-nil fields of p. Disabling and re-enabling a
// key is idempotent on the router side.
func (c *Client) PatchKey(ctx context.Context, handle string, p Patch) error {
	body := map[string]any{}
	if p.LimitUSD != nil {
		body["limit"] = *p.LimitUSD
	}
	if p.Disabled != nil {
		body["disabled"] = *p.Disabled
	}
	if p.MonthlyReset != nil {
		if *p.MonthlyReset {
			body["limit_reset"] = "monthly"
		} else {
			body["limit_reset"] = nil
		}
	}
	if len(body) == 0 {
		return nil
	}
	if err := c.do(ctx, http.MethodPatch, "/keys/"+handle, c.AdminKey, body, nil); err != nil {
		return fmt.Errorf("patch key: %w", err)
	}
	return nil
}

// DeleteKey revokes the key permanently.
func (c *Client) DeleteKey(ctx context.Context, handle string) error {
	if err := c.do(ctx, http.MethodDelete, "/keys/"+handle, c.AdminKey, nil, nil); err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	return nil
}

type usageEnvelope struct {
	Data struct {
		Usage          float64  `json:"usage"`
		Limit          *float64 `json:"limit"`
		LimitRemaining *float64 `json:"limit_remaining"`
	} `json:"data"`
}

// CheckKeyUsage asks the router how much of the key's limit is spent,
// authenticated with the key secret itself.
func (c *Client) CheckKeyUsage(ctx context.Context, secret string) (Usage, error) {
	var env usageEnvelope
	if err := c.do(ctx, http.MethodGet, "/key", secret, nil, &env); err != nil {
		return Usage{}, fmt.Errorf("check key usage: %w", err)
	}
	u := Usage{UsageUSD: env.Data.Usage}
	if env.Data.Limit != nil {
		u.LimitUSD = *env.Data.Limit
	}
	if env.Data.LimitRemaining != nil {
		u.RemainingUSD = *env.Data.LimitRemaining
	} else if env.Data.Limit != nil {
		u.RemainingUSD = u.LimitUSD - u.UsageUSD
	}
	return u, nil
}

func (c *Client) do(ctx context.Context, method, path, bearer string, body, out any) error {
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
	req.Header.Set("Authorization", "Bearer "+bearer)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("router %s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(payload))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
