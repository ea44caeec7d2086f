package config

import (
	"strings"
	"testing"
	"time"
)

// requiredEnvs returns the minimum env vars needed for LoadEnvConfig to succeed.
func requiredEnvs() map[string]string {
	return map[string]string{
		"FLEET_ADMIN_TOKEN":         "a9f73d18e5249b6a35f7419d11c603e2",
		"FLEET_WEBHOOK_SECRET":      "wh-7f31b2a6",
		"FLEET_PROVIDER_TOKEN":      "tw-token",
		"FLEET_PROVIDER_PRESET_ID":  "4211",
		"FLEET_ROUTER_ADMIN_KEY":    "sk-or-admin",
		"FLEET_GOOGLE_CLIENT_ID":    "client.apps.googleusercontent.com",
		"FLEET_APPLE_BUNDLE_ID":     "ai.simpleclaw.app",
		"FLEET_ADMIN_BOT_TOKEN":     "100:AAA",
		"FLEET_ADMIN_CHAT_ID":       "997273934",
		"FLEET_SALES_BOT_TOKEN":     "200:BBB",
		"FLEET_PAYMENTS_SHOP_ID":    "shop-1",
		"FLEET_PAYMENTS_SECRET_KEY": "live_secret",
	}
}

func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

func TestLoadEnvConfig_Defaults(t *testing.T) {
	setEnvs(t, requiredEnvs())

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.StateDir != "/var/lib/fleet" {
		t.Errorf("StateDir = %q", cfg.StateDir)
	}
	if cfg.Port != 8040 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if cfg.PoolMinAvailable != 5 || cfg.PoolMaxTotal != 10 {
		t.Errorf("pool defaults = %d/%d", cfg.PoolMinAvailable, cfg.PoolMaxTotal)
	}
	if cfg.DeployParallelism != 8 {
		t.Errorf("DeployParallelism = %d", cfg.DeployParallelism)
	}
	if cfg.SSHExecTimeout != 60*time.Second {
		t.Errorf("SSHExecTimeout = %v", cfg.SSHExecTimeout)
	}
	if cfg.ImagePullTimeout != 600*time.Second {
		t.Errorf("ImagePullTimeout = %v", cfg.ImagePullTimeout)
	}
	if cfg.ApplyVerifyTimeout != 300*time.Second {
		t.Errorf("ApplyVerifyTimeout = %v", cfg.ApplyVerifyTimeout)
	}
	if cfg.OpenclawPath != "/root/openclaw" {
		t.Errorf("OpenclawPath = %q", cfg.OpenclawPath)
	}
	if cfg.GatewayPort != 18789 {
		t.Errorf("GatewayPort = %d", cfg.GatewayPort)
	}
	if cfg.SweepSchedule != "0 3 * * *" {
		t.Errorf("SweepSchedule = %q", cfg.SweepSchedule)
	}
}

func TestLoadEnvConfig_MissingSecrets(t *testing.T) {
	envs := requiredEnvs()
	delete(envs, "FLEET_PROVIDER_TOKEN")
	envs["FLEET_PROVIDER_TOKEN"] = ""
	setEnvs(t, envs)

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected error for missing provider token")
	}
	if !strings.Contains(err.Error(), "FLEET_PROVIDER_TOKEN") {
		t.Fatalf("error does not name the missing var: %v", err)
	}
}

func TestLoadEnvConfig_WeakAdminToken(t *testing.T) {
	envs := requiredEnvs()
	envs["FLEET_ADMIN_TOKEN"] = "password"
	setEnvs(t, envs)

	_, err := LoadEnvConfig()
	if err == nil || !strings.Contains(err.Error(), "too weak") {
		t.Fatalf("expected weak-token error, got %v", err)
	}
}

func TestLoadEnvConfig_InvalidCron(t *testing.T) {
	envs := requiredEnvs()
	envs["FLEET_SWEEP_SCHEDULE"] = "not-a-cron"
	setEnvs(t, envs)

	_, err := LoadEnvConfig()
	if err == nil || !strings.Contains(err.Error(), "FLEET_SWEEP_SCHEDULE") {
		t.Fatalf("expected cron validation error, got %v", err)
	}
}

func TestLoadEnvConfig_PoolBounds(t *testing.T) {
	envs := requiredEnvs()
	envs["FLEET_POOL_MIN_AVAILABLE"] = "12"
	setEnvs(t, envs)

	_, err := LoadEnvConfig()
	if err == nil || !strings.Contains(err.Error(), "FLEET_POOL_MAX_TOTAL") {
		t.Fatalf("expected max>=min validation error, got %v", err)
	}
}
