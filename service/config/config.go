package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brojonat/orbitt/service/rotation"
	"github.com/brojonat/orbitt/service/solana"
	"github.com/brojonat/orbitt/service/swap"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
)

// Credential sources for ring keys.
const (
	CredentialsDB   = "db"
	CredentialsFile = "file"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Database configuration
	DatabaseURL string

	// NATS configuration. Empty disables step events.
	NATSURL string

	// Solana configuration
	SolanaRPCURL     string
	SolanaWSURL      string // optional; enables signature subscriptions
	SolanaCommitment string

	// Where ring keys come from: "db" or "file"
	CredentialSource string
	RingFile         string

	// Swap routing
	SwapAPIURL      string
	SwapPriorityFee string

	// Submission
	TxResendInterval     time.Duration
	TxPollInterval       time.Duration
	TxSafetyMargin       int
	TxLookupAttempts     int
	TxLookupSpacing      time.Duration
	TransferAttempts     int
	LamportsPerSignature int

	// Rotation
	RotationLowThreshold  decimal.Decimal
	RotationHighThreshold decimal.Decimal
	RotationHoldInBand    bool
	TradePercent          decimal.Decimal
	ForwardPercent        decimal.Decimal
	SlippageBps           int
	SettleDelay           time.Duration
	StepDelay             time.Duration
	CoolDown              time.Duration
	StepsPerRun           int // workflow steps before continue-as-new

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.NATSURL = os.Getenv("NATS_URL")

	// Solana configuration
	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")
	if cfg.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required"))
	}
	cfg.SolanaWSURL = os.Getenv("SOLANA_WS_URL")
	cfg.SolanaCommitment = getEnvOrDefault("SOLANA_COMMITMENT", string(rpc.CommitmentConfirmed))

	cfg.CredentialSource = getEnvOrDefault("CREDENTIAL_SOURCE", CredentialsDB)
	cfg.RingFile = os.Getenv("RING_FILE")

	cfg.SwapAPIURL = getEnvOrDefault("SWAP_API_URL", swap.DefaultBaseURL)
	cfg.SwapPriorityFee = getEnvOrDefault("SWAP_PRIORITY_FEE", "auto")

	// Submission
	waiter := solana.DefaultWaiterConfig()
	var err error
	cfg.TxResendInterval, err = parseDuration("TX_RESEND_INTERVAL", waiter.ResendInterval.String())
	collect(err)
	cfg.TxPollInterval, err = parseDuration("TX_POLL_INTERVAL", waiter.PollInterval.String())
	collect(err)
	cfg.TxSafetyMargin, err = parseInt("TX_SAFETY_MARGIN", int(waiter.SafetyMargin))
	collect(err)
	cfg.TxLookupAttempts, err = parseInt("TX_LOOKUP_ATTEMPTS", waiter.LookupAttempts)
	collect(err)
	cfg.TxLookupSpacing, err = parseDuration("TX_LOOKUP_SPACING", waiter.LookupSpacing.String())
	collect(err)
	cfg.TransferAttempts, err = parseInt("TRANSFER_ATTEMPTS", 3)
	collect(err)
	cfg.LamportsPerSignature, err = parseInt("LAMPORTS_PER_SIGNATURE", solana.DefaultLamportsPerSignature)
	collect(err)

	// Rotation
	rot := rotation.DefaultConfig()
	cfg.RotationLowThreshold, err = parseDecimal("ROTATION_LOW_THRESHOLD", rot.Thresholds.Low)
	collect(err)
	cfg.RotationHighThreshold, err = parseDecimal("ROTATION_HIGH_THRESHOLD", rot.Thresholds.High)
	collect(err)
	cfg.RotationHoldInBand, err = parseBool("ROTATION_HOLD_IN_BAND", false)
	collect(err)
	cfg.TradePercent, err = parseDecimal("TRADE_PERCENT", rot.TradePercent)
	collect(err)
	cfg.ForwardPercent, err = parseDecimal("FORWARD_PERCENT", rot.ForwardPercent)
	collect(err)
	cfg.SlippageBps, err = parseInt("SLIPPAGE_BPS", rot.SlippageBps)
	collect(err)
	cfg.SettleDelay, err = parseDuration("SETTLE_DELAY", rot.SettleDelay.String())
	collect(err)
	cfg.StepDelay, err = parseDuration("STEP_DELAY", rot.StepDelay.String())
	collect(err)
	cfg.CoolDown, err = parseDuration("COOL_DOWN", rot.CoolDown.String())
	collect(err)
	cfg.StepsPerRun, err = parseInt("STEPS_PER_RUN", 100)
	collect(err)

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "orbitt-rotation")

	if len(errs) == 0 {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}

	switch rpc.CommitmentType(c.SolanaCommitment) {
	case rpc.CommitmentProcessed, rpc.CommitmentConfirmed, rpc.CommitmentFinalized:
	default:
		errs = append(errs, fmt.Errorf("SolanaCommitment must be processed, confirmed or finalized, got %q", c.SolanaCommitment))
	}

	switch c.CredentialSource {
	case CredentialsDB:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DatabaseURL is required when CredentialSource is %q", CredentialsDB))
		}
	case CredentialsFile:
		if c.RingFile == "" {
			errs = append(errs, fmt.Errorf("RingFile is required when CredentialSource is %q", CredentialsFile))
		}
	default:
		errs = append(errs, fmt.Errorf("CredentialSource must be %q or %q, got %q", CredentialsDB, CredentialsFile, c.CredentialSource))
	}

	if c.TxPollInterval <= 0 || c.TxResendInterval <= 0 {
		errs = append(errs, fmt.Errorf("TxPollInterval and TxResendInterval must be positive"))
	}
	if c.TxSafetyMargin < 0 {
		errs = append(errs, fmt.Errorf("TxSafetyMargin cannot be negative"))
	}
	if c.TxLookupAttempts < 1 {
		errs = append(errs, fmt.Errorf("TxLookupAttempts must be at least 1"))
	}
	if c.TransferAttempts < 1 {
		errs = append(errs, fmt.Errorf("TransferAttempts must be at least 1"))
	}

	if !c.RotationLowThreshold.LessThanOrEqual(c.RotationHighThreshold) {
		errs = append(errs, fmt.Errorf("RotationLowThreshold (%s) cannot be greater than RotationHighThreshold (%s)",
			c.RotationLowThreshold, c.RotationHighThreshold))
	}
	for name, p := range map[string]decimal.Decimal{"TradePercent": c.TradePercent, "ForwardPercent": c.ForwardPercent} {
		if p.IsNegative() || p.GreaterThan(decimal.NewFromInt(100)) {
			errs = append(errs, fmt.Errorf("%s must be between 0 and 100, got %s", name, p))
		}
	}
	if c.SlippageBps < 0 || c.SlippageBps > 10_000 {
		errs = append(errs, fmt.Errorf("SlippageBps must be between 0 and 10000, got %d", c.SlippageBps))
	}
	if c.StepsPerRun < 1 {
		errs = append(errs, fmt.Errorf("StepsPerRun must be at least 1"))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}
	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}
	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// Commitment returns the configured commitment level.
func (c *Config) Commitment() rpc.CommitmentType {
	return rpc.CommitmentType(c.SolanaCommitment)
}

// WaiterConfig returns the confirmation waiter timings.
func (c *Config) WaiterConfig() solana.WaiterConfig {
	return solana.WaiterConfig{
		ResendInterval: c.TxResendInterval,
		PollInterval:   c.TxPollInterval,
		SafetyMargin:   uint64(c.TxSafetyMargin),
		LookupAttempts: c.TxLookupAttempts,
		LookupSpacing:  c.TxLookupSpacing,
	}
}

// RotationConfig returns the rotation settings. MaxSteps is left at zero;
// the caller bounds runs.
func (c *Config) RotationConfig() rotation.Config {
	return rotation.Config{
		Thresholds: rotation.Thresholds{
			Low:        c.RotationLowThreshold,
			High:       c.RotationHighThreshold,
			HoldInBand: c.RotationHoldInBand,
		},
		TradePercent:   c.TradePercent,
		ForwardPercent: c.ForwardPercent,
		SlippageBps:    c.SlippageBps,
		SettleDelay:    c.SettleDelay,
		StepDelay:      c.StepDelay,
		CoolDown:       c.CoolDown,
	}
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q: %w", key, value, err)
	}
	return result, nil
}

func parseDecimal(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q: %w", key, value, err)
	}
	return result, nil
}
