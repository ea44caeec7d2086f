// Package config handles environment-based configuration loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Directories
	StateDir string

	// Network
	ListenAddress   string
	Port            int
	APIMaxBodyBytes int

	// Auth
	AdminToken    string
	WebhookSecret string

	// Node provider
	ProviderBaseURL     string
	ProviderToken       string
	ProviderPresetID    int
	ProviderOSTag       string
	ProviderWaitTimeout time.Duration

	// Model router
	RouterBaseURL      string
	RouterAdminKey     string
	MonthlyLimitUSD    float64
	RouterModelPrefix  string

	// OAuth issuers
	GoogleClientID string
	AppleBundleID  string

	// Messaging channel
	AdminBotToken  string
	AdminChatID    string
	SalesBotToken  string

	// Payment gateway
	PaymentsBaseURL      string
	PaymentsShopID       string
	PaymentsSecretKey    string
	SubscriptionPriceUSD float64
	SubscriptionCurrency string
	CheckoutReturnURL    string

	// Pool
	PoolMinAvailable int
	PoolMaxTotal     int
	PoolSchedule     string
	SweepSchedule    string
	KeyResetSchedule string

	// Deploy
	DeployParallelism  int
	SSHExecTimeout     time.Duration
	ImagePullTimeout   time.Duration
	ApplyVerifyTimeout time.Duration

	// Runtime on the node
	OpenclawPath string
	RuntimeImage string
	GatewayPort  int
}

// LoadEnvConfig reads a .env file (if present) plus environment variables
// and returns a validated EnvConfig. Returns an error listing every
// missing or invalid value.
func LoadEnvConfig() (*EnvConfig, error) {
	_ = godotenv.Load()

	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.StateDir = envStr("FLEET_STATE_DIR", "/var/lib/fleet")

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("FLEET_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("FLEET_PORT", 8040, &errs)
	cfg.APIMaxBodyBytes = envInt("FLEET_API_MAX_BODY_BYTES", 1<<20, &errs)

	// --- Auth ---
	cfg.AdminToken = os.Getenv("FLEET_ADMIN_TOKEN")
	cfg.WebhookSecret = os.Getenv("FLEET_WEBHOOK_SECRET")

	// --- Node provider ---
	cfg.ProviderBaseURL = envStr("FLEET_PROVIDER_BASE_URL", "https://api.timeweb.cloud/api/v1")
	cfg.ProviderToken = os.Getenv("FLEET_PROVIDER_TOKEN")
	cfg.ProviderPresetID = envInt("FLEET_PROVIDER_PRESET_ID", 0, &errs)
	cfg.ProviderOSTag = envStr("FLEET_PROVIDER_OS_TAG", "ubuntu-24.04")
	cfg.ProviderWaitTimeout = envDuration("FLEET_PROVIDER_WAIT_TIMEOUT", 300*time.Second, &errs)

	// --- Model router ---
	cfg.RouterBaseURL = envStr("FLEET_ROUTER_BASE_URL", "https://openrouter.ai/api/v1")
	cfg.RouterAdminKey = os.Getenv("FLEET_ROUTER_ADMIN_KEY")
	cfg.MonthlyLimitUSD = envFloat("FLEET_MONTHLY_LIMIT_USD", 10.0, &errs)
	cfg.RouterModelPrefix = envStr("FLEET_ROUTER_MODEL_PREFIX", "openrouter/")

	// --- OAuth issuers ---
	cfg.GoogleClientID = os.Getenv("FLEET_GOOGLE_CLIENT_ID")
	cfg.AppleBundleID = os.Getenv("FLEET_APPLE_BUNDLE_ID")

	// --- Messaging channel ---
	cfg.AdminBotToken = os.Getenv("FLEET_ADMIN_BOT_TOKEN")
	cfg.AdminChatID = os.Getenv("FLEET_ADMIN_CHAT_ID")
	cfg.SalesBotToken = os.Getenv("FLEET_SALES_BOT_TOKEN")

	// --- Payment gateway ---
	cfg.PaymentsBaseURL = envStr("FLEET_PAYMENTS_BASE_URL", "https://api.yookassa.ru/v3")
	cfg.PaymentsShopID = os.Getenv("FLEET_PAYMENTS_SHOP_ID")
	cfg.PaymentsSecretKey = os.Getenv("FLEET_PAYMENTS_SECRET_KEY")
	cfg.SubscriptionPriceUSD = envFloat("FLEET_SUBSCRIPTION_PRICE", 20.0, &errs)
	cfg.SubscriptionCurrency = envStr("FLEET_SUBSCRIPTION_CURRENCY", "RUB")
	cfg.CheckoutReturnURL = envStr("FLEET_CHECKOUT_RETURN_URL", "https://simpleclaw.com/paid")

	// --- Pool ---
	cfg.PoolMinAvailable = envInt("FLEET_POOL_MIN_AVAILABLE", 5, &errs)
	cfg.PoolMaxTotal = envInt("FLEET_POOL_MAX_TOTAL", 10, &errs)
	cfg.PoolSchedule = envStr("FLEET_POOL_SCHEDULE", "*/5 * * * *")
	cfg.SweepSchedule = envStr("FLEET_SWEEP_SCHEDULE", "0 3 * * *")
	cfg.KeyResetSchedule = envStr("FLEET_KEY_RESET_SCHEDULE", "10 0 1 * *")

	// --- Deploy ---
	cfg.DeployParallelism = envInt("FLEET_DEPLOY_PARALLELISM", 8, &errs)
	cfg.SSHExecTimeout = envDuration("FLEET_SSH_EXEC_TIMEOUT", 60*time.Second, &errs)
	cfg.ImagePullTimeout = envDuration("FLEET_IMAGE_PULL_TIMEOUT", 600*time.Second, &errs)
	cfg.ApplyVerifyTimeout = envDuration("FLEET_APPLY_VERIFY_TIMEOUT", 300*time.Second, &errs)

	// --- Runtime ---
	cfg.OpenclawPath = envStr("FLEET_OPENCLAW_PATH", "/root/openclaw")
	cfg.RuntimeImage = envStr("FLEET_RUNTIME_IMAGE", "openclaw/openclaw:latest")
	cfg.GatewayPort = envInt("FLEET_GATEWAY_PORT", 18789, &errs)

	// --- Validation ---
	requireSecret := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, name+" must be set")
		}
	}
	requireSecret("FLEET_ADMIN_TOKEN", cfg.AdminToken)
	requireSecret("FLEET_WEBHOOK_SECRET", cfg.WebhookSecret)
	requireSecret("FLEET_PROVIDER_TOKEN", cfg.ProviderToken)
	requireSecret("FLEET_ROUTER_ADMIN_KEY", cfg.RouterAdminKey)
	requireSecret("FLEET_GOOGLE_CLIENT_ID", cfg.GoogleClientID)
	requireSecret("FLEET_APPLE_BUNDLE_ID", cfg.AppleBundleID)
	requireSecret("FLEET_ADMIN_BOT_TOKEN", cfg.AdminBotToken)
	requireSecret("FLEET_ADMIN_CHAT_ID", cfg.AdminChatID)
	requireSecret("FLEET_SALES_BOT_TOKEN", cfg.SalesBotToken)
	requireSecret("FLEET_PAYMENTS_SHOP_ID", cfg.PaymentsShopID)
	requireSecret("FLEET_PAYMENTS_SECRET_KEY", cfg.PaymentsSecretKey)

	if IsWeakToken(cfg.AdminToken) {
		errs = append(errs, "FLEET_ADMIN_TOKEN is too weak (zxcvbn score < 3)")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "FLEET_LISTEN_ADDRESS must not be empty")
	}

	validatePort("FLEET_PORT", cfg.Port, &errs)
	validatePort("FLEET_GATEWAY_PORT", cfg.GatewayPort, &errs)
	validatePositive("FLEET_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)
	validatePositive("FLEET_POOL_MIN_AVAILABLE", cfg.PoolMinAvailable, &errs)
	validatePositive("FLEET_POOL_MAX_TOTAL", cfg.PoolMaxTotal, &errs)
	validatePositive("FLEET_DEPLOY_PARALLELISM", cfg.DeployParallelism, &errs)
	if cfg.ProviderPresetID <= 0 {
		errs = append(errs, "FLEET_PROVIDER_PRESET_ID must be a positive preset id")
	}
	if cfg.PoolMaxTotal < cfg.PoolMinAvailable {
		errs = append(errs, "FLEET_POOL_MAX_TOTAL must be >= FLEET_POOL_MIN_AVAILABLE")
	}
	if cfg.MonthlyLimitUSD <= 0 {
		errs = append(errs, "FLEET_MONTHLY_LIMIT_USD must be positive")
	}
	if cfg.SubscriptionPriceUSD <= 0 {
		errs = append(errs, "FLEET_SUBSCRIPTION_PRICE must be positive")
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"FLEET_PROVIDER_WAIT_TIMEOUT", cfg.ProviderWaitTimeout},
		{"FLEET_SSH_EXEC_TIMEOUT", cfg.SSHExecTimeout},
		{"FLEET_IMAGE_PULL_TIMEOUT", cfg.ImagePullTimeout},
		{"FLEET_APPLY_VERIFY_TIMEOUT", cfg.ApplyVerifyTimeout},
	} {
		if d.val <= 0 {
			errs = append(errs, d.name+" must be positive")
		}
	}
	validateCron("FLEET_POOL_SCHEDULE", cfg.PoolSchedule, &errs)
	validateCron("FLEET_SWEEP_SCHEDULE", cfg.SweepSchedule, &errs)
	validateCron("FLEET_KEY_RESET_SCHEDULE", cfg.KeyResetSchedule, &errs)

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envFloat(key string, defaultVal float64, errs *[]string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid number %q", key, v))
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validateCron(name, expr string, errs *[]string) {
	if _, err := cron.ParseStandard(expr); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid cron expression %q: %v", name, expr, err))
	}
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
