// Package config loads registrar settings from voterledger.yaml and the
// environment. Secrets are referenced, never embedded: a credential ref is
// either env:NAME or file:/path.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Ledger drivers.
const (
	LedgerChain    = "chain"
	LedgerEthereum = "ethereum"
)

// Config is the full registrar configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Ledger    LedgerConfig
	Notary    NotaryConfig
	Recovery  RecoveryConfig
	Lock      LockConfig
	Biometric BiometricConfig
	Operator  OperatorConfig
	Health    HealthConfig
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port         int
	CORSOrigins  []string
	RateLimitRPS int
	MaxBodyBytes int64
}

// DatabaseConfig selects the record store. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL string
}

// LedgerConfig selects and addresses the notarization ledger.
type LedgerConfig struct {
	Driver string
	// Endpoint is the JSON-RPC URL for the ethereum driver.
	Endpoint             string
	SigningCredentialRef string
	ContractRef          string
	GasLimit             uint64
	FromBlock            uint64
}

// NotaryConfig is the per-commit retry budget.
type NotaryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CommitTimeout  time.Duration

	// Unconfirmed writes are abandoned and resubmitted after this many
	// checks or this age.
	MaxPendingChecks int
	PendingTTL       time.Duration
}

// RecoveryConfig controls the startup and periodic recovery sweeps.
type RecoveryConfig struct {
	OnStartup   bool
	Interval    time.Duration
	Concurrency int
	MaxAttempts int
}

// LockConfig selects the per-voter lock. An empty RedisURL selects the
// in-process lock.
type LockConfig struct {
	RedisURL string
	TTL      time.Duration
}

// BiometricConfig configures signature validation and face scan extraction.
type BiometricConfig struct {
	Dimension          int
	ExtractorURL       string
	ExtractorTimeout   time.Duration
	ExtractorHealthURL string
}

// OperatorConfig configures operator bearer tokens. An empty SecretRef
// leaves operator routes open.
type OperatorConfig struct {
	SecretRef string
	Issuer    string
	TokenTTL  time.Duration
}

// HealthConfig configures dependency checks.
type HealthConfig struct {
	CheckInterval time.Duration
	CheckTimeout  time.Duration
}

// SetDefaults registers every key with its default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.rate_limit_rps", 20)
	v.SetDefault("server.max_body_bytes", 10<<20)
	v.SetDefault("database.url", "")
	v.SetDefault("ledger.driver", LedgerChain)
	v.SetDefault("ledger.endpoint", "")
	v.SetDefault("ledger.signing_credential_ref", "")
	v.SetDefault("ledger.contract_ref", "")
	v.SetDefault("ledger.gas_limit", 2_000_000)
	v.SetDefault("ledger.from_block", 0)
	v.SetDefault("notary.max_attempts", 8)
	v.SetDefault("notary.initial_backoff", "1s")
	v.SetDefault("notary.max_backoff", "30s")
	v.SetDefault("notary.commit_timeout", "2m")
	v.SetDefault("notary.max_pending_checks", 24)
	v.SetDefault("notary.pending_ttl", "15m")
	v.SetDefault("recovery.on_startup", true)
	v.SetDefault("recovery.interval", "5m")
	v.SetDefault("recovery.concurrency", 4)
	v.SetDefault("recovery.max_attempts", 10)
	v.SetDefault("lock.redis_url", "")
	v.SetDefault("lock.ttl", "3m")
	v.SetDefault("biometric.dimension", 128)
	v.SetDefault("biometric.extractor_url", "")
	v.SetDefault("biometric.extractor_timeout", "15s")
	v.SetDefault("biometric.extractor_health_url", "")
	v.SetDefault("operator.secret_ref", "")
	v.SetDefault("operator.issuer", "voterledger")
	v.SetDefault("operator.token_ttl", "1h")
	v.SetDefault("health.check_interval", "30s")
	v.SetDefault("health.check_timeout", "5s")
}

// New returns a viper instance that reads voterledger.yaml from configs/ or
// the working directory, with environment overrides such as LEDGER_ENDPOINT.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigName("voterledger")
	v.SetConfigType("yaml")
	v.AddConfigPath("configs")
	v.AddConfigPath(".")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads the config file if one exists and decodes v into a Config.
// A missing file is not an error; found reports whether one was read.
func Load(v *viper.Viper) (cfg *Config, found bool, err error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, false, fmt.Errorf("read config: %w", err)
		}
	} else {
		found = true
	}

	cfg = FromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, found, err
	}
	return cfg, found, nil
}

// FromViper decodes the current values of v.
func FromViper(v *viper.Viper) *Config {
	return &Config{
		Server: ServerConfig{
			Port:         v.GetInt("server.port"),
			CORSOrigins:  v.GetStringSlice("server.cors_origins"),
			RateLimitRPS: v.GetInt("server.rate_limit_rps"),
			MaxBodyBytes: v.GetInt64("server.max_body_bytes"),
		},
		Database: DatabaseConfig{URL: v.GetString("database.url")},
		Ledger: LedgerConfig{
			Driver:               v.GetString("ledger.driver"),
			Endpoint:             v.GetString("ledger.endpoint"),
			SigningCredentialRef: v.GetString("ledger.signing_credential_ref"),
			ContractRef:          v.GetString("ledger.contract_ref"),
			GasLimit:             v.GetUint64("ledger.gas_limit"),
			FromBlock:            v.GetUint64("ledger.from_block"),
		},
		Notary: NotaryConfig{
			MaxAttempts:      v.GetInt("notary.max_attempts"),
			InitialBackoff:   v.GetDuration("notary.initial_backoff"),
			MaxBackoff:       v.GetDuration("notary.max_backoff"),
			CommitTimeout:    v.GetDuration("notary.commit_timeout"),
			MaxPendingChecks: v.GetInt("notary.max_pending_checks"),
			PendingTTL:       v.GetDuration("notary.pending_ttl"),
		},
		Recovery: RecoveryConfig{
			OnStartup:   v.GetBool("recovery.on_startup"),
			Interval:    v.GetDuration("recovery.interval"),
			Concurrency: v.GetInt("recovery.concurrency"),
			MaxAttempts: v.GetInt("recovery.max_attempts"),
		},
		Lock: LockConfig{
			RedisURL: v.GetString("lock.redis_url"),
			TTL:      v.GetDuration("lock.ttl"),
		},
		Biometric: BiometricConfig{
			Dimension:          v.GetInt("biometric.dimension"),
			ExtractorURL:       v.GetString("biometric.extractor_url"),
			ExtractorTimeout:   v.GetDuration("biometric.extractor_timeout"),
			ExtractorHealthURL: v.GetString("biometric.extractor_health_url"),
		},
		Operator: OperatorConfig{
			SecretRef: v.GetString("operator.secret_ref"),
			Issuer:    v.GetString("operator.issuer"),
			TokenTTL:  v.GetDuration("operator.token_ttl"),
		},
		Health: HealthConfig{
			CheckInterval: v.GetDuration("health.check_interval"),
			CheckTimeout:  v.GetDuration("health.check_timeout"),
		},
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Ledger.Driver {
	case LedgerChain:
	case LedgerEthereum:
		if c.Ledger.Endpoint == "" {
			return errors.New("ledger.endpoint is required for the ethereum driver")
		}
		if c.Ledger.ContractRef == "" {
			return errors.New("ledger.contract_ref is required for the ethereum driver")
		}
		if c.Ledger.SigningCredentialRef == "" {
			return errors.New("ledger.signing_credential_ref is required for the ethereum driver")
		}
	default:
		return fmt.Errorf("unknown ledger.driver %q (want %s or %s)", c.Ledger.Driver, LedgerChain, LedgerEthereum)
	}
	if c.Biometric.Dimension <= 0 {
		return errors.New("biometric.dimension must be positive")
	}
	// The lock is held across the commit and the status write after it.
	if c.Lock.RedisURL != "" && c.Lock.TTL <= c.Notary.CommitTimeout {
		return fmt.Errorf("lock.ttl (%s) must exceed notary.commit_timeout (%s)", c.Lock.TTL, c.Notary.CommitTimeout)
	}
	return nil
}

// ResolveCredential returns the secret a credential ref points at. It
// accepts env:NAME and file:/path; surrounding whitespace in the value is
// trimmed.
func ResolveCredential(ref string) (string, error) {
	kind, target, ok := strings.Cut(ref, ":")
	if !ok || target == "" {
		return "", fmt.Errorf("credential ref %q: want env:NAME or file:/path", ref)
	}

	var val string
	switch kind {
	case "env":
		v, set := os.LookupEnv(target)
		if !set {
			return "", fmt.Errorf("credential ref %q: environment variable not set", ref)
		}
		val = v
	case "file":
		b, err := os.ReadFile(target)
		if err != nil {
			return "", fmt.Errorf("credential ref %q: %w", ref, err)
		}
		val = string(b)
	default:
		return "", fmt.Errorf("credential ref %q: unknown scheme %q", ref, kind)
	}

	val = strings.TrimSpace(val)
	if val == "" {
		return "", fmt.Errorf("credential ref %q: empty value", ref)
	}
	return val, nil
}
