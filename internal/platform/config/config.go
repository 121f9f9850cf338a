package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/money"
	"gopkg.in/yaml.v3"
)

const insecureDevSecret = "dev-insecure-change-me"

var (
	ErrDatabaseRequired  = errors.New("database.url is required in production")
	ErrTLSRequired       = errors.New("tls must be enabled in production")
	ErrDefaultJWTSecret  = errors.New("auth.jwtSecret must be changed from the development default in production")
	ErrBootstrapPassword = errors.New("bootstrap.powerhousePassword is required when bootstrap.powerhouseEmail is set")
)

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	TrustedCIDRs    []string      `yaml:"trustedCIDRs"`
	LoginRate       float64       `yaml:"loginRatePerSecond"`
	LoginBurst      int           `yaml:"loginBurst"`
}

type TLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CertFile          string `yaml:"certFile"`
	KeyFile           string `yaml:"keyFile"`
	ClientCAFile      string `yaml:"clientCAFile"`
	RequireClientCert bool   `yaml:"requireClientCert"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	AutoMigrate     bool          `yaml:"autoMigrate"`
}

type AuthConfig struct {
	JWTSecret        string        `yaml:"jwtSecret"`
	JWTKeys          string        `yaml:"jwtKeys"`
	ActiveKID        string        `yaml:"activeKid"`
	KeysetFile       string        `yaml:"keysetFile"`
	AccessTTL        time.Duration `yaml:"accessTTL"`
	RefreshTTL       time.Duration `yaml:"refreshTTL"`
	TOTPIssuer       string        `yaml:"totpIssuer"`
	LoginMaxFailures int           `yaml:"loginMaxFailures"`
	LoginLockout     time.Duration `yaml:"loginLockout"`
}

// DefaultSecret reports whether JWTSecret is still the development value.
func (a AuthConfig) DefaultSecret() bool {
	return a.JWTSecret == insecureDevSecret
}

type PINConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	Lockout     time.Duration `yaml:"lockout"`
	SessionTTL  time.Duration `yaml:"sessionTTL"`
}

type WalletConfig struct {
	DefaultExposureLimit money.Amount  `yaml:"defaultExposureLimit"`
	TransferLimit        int           `yaml:"transferLimit"`
	TransferWindow       time.Duration `yaml:"transferWindow"`
	BonusSweepInterval   time.Duration `yaml:"bonusSweepInterval"`
	BonusValidity        time.Duration `yaml:"bonusValidity"`
	ReconcileInterval    time.Duration `yaml:"reconcileInterval"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

type BootstrapConfig struct {
	PowerhouseEmail    string `yaml:"powerhouseEmail"`
	PowerhousePassword string `yaml:"powerhousePassword"`
	PowerhousePIN      string `yaml:"powerhousePIN"`
}

type Config struct {
	Env       string          `yaml:"env"`
	Version   string          `yaml:"version"`
	HTTP      HTTPConfig      `yaml:"http"`
	TLS       TLSConfig       `yaml:"tls"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	PIN       PINConfig       `yaml:"pin"`
	Wallet    WalletConfig    `yaml:"wallet"`
	Logging   LoggingConfig   `yaml:"logging"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
}

func Default() Config {
	return Config{
		Env:     "development",
		Version: "dev",
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			TrustedCIDRs:    []string{"127.0.0.1/32", "::1/128"},
			LoginRate:       1,
			LoginBurst:      10,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			AutoMigrate:     true,
		},
		Auth: AuthConfig{
			JWTSecret:        insecureDevSecret,
			AccessTTL:        15 * time.Minute,
			RefreshTTL:       24 * time.Hour,
			TOTPIssuer:       "KarnaliX",
			LoginMaxFailures: 5,
			LoginLockout:     15 * time.Minute,
		},
		PIN: PINConfig{
			MaxAttempts: 5,
			Lockout:     60 * time.Second,
			SessionTTL:  5 * time.Minute,
		},
		Wallet: WalletConfig{
			DefaultExposureLimit: money.FromMinor(10000000),
			TransferLimit:        5,
			TransferWindow:       60 * time.Minute,
			BonusSweepInterval:   time.Minute,
			BonusValidity:        7 * 24 * time.Hour,
			ReconcileInterval:    15 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 7,
			MaxAgeDays: 30,
		},
	}
}

// Load merges, in increasing precedence: defaults, the YAML file at path (if
// any), a .env file in the working directory, and KARNALIX_* variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (cfg *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup("KARNALIX_" + key); ok && v != "" {
			*dst = v
		}
	}
	var firstErr error
	fail := func(key string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("parse KARNALIX_%s: %w", key, err)
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup("KARNALIX_" + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup("KARNALIX_" + key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup("KARNALIX_" + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = n
		}
	}

	str("ENV", &cfg.Env)
	str("VERSION", &cfg.Version)
	str("HTTP_ADDR", &cfg.HTTP.Addr)
	if v, ok := lookup("KARNALIX_TRUSTED_CIDRS"); ok && v != "" {
		cfg.HTTP.TrustedCIDRs = strings.Split(v, ",")
	}
	boolean("TLS_ENABLED", &cfg.TLS.Enabled)
	str("TLS_CERT_FILE", &cfg.TLS.CertFile)
	str("TLS_KEY_FILE", &cfg.TLS.KeyFile)
	str("TLS_CLIENT_CA_FILE", &cfg.TLS.ClientCAFile)
	boolean("TLS_REQUIRE_CLIENT_CERT", &cfg.TLS.RequireClientCert)
	str("DATABASE_URL", &cfg.Database.URL)
	boolean("DATABASE_AUTO_MIGRATE", &cfg.Database.AutoMigrate)
	str("JWT_SECRET", &cfg.Auth.JWTSecret)
	str("JWT_KEYS", &cfg.Auth.JWTKeys)
	str("JWT_ACTIVE_KID", &cfg.Auth.ActiveKID)
	str("JWT_KEYSET_FILE", &cfg.Auth.KeysetFile)
	dur("ACCESS_TTL", &cfg.Auth.AccessTTL)
	dur("REFRESH_TTL", &cfg.Auth.RefreshTTL)
	integer("PIN_MAX_ATTEMPTS", &cfg.PIN.MaxAttempts)
	dur("PIN_LOCKOUT", &cfg.PIN.Lockout)
	dur("PIN_SESSION_TTL", &cfg.PIN.SessionTTL)
	if v, ok := lookup("KARNALIX_DEFAULT_EXPOSURE_LIMIT"); ok && v != "" {
		a, err := money.Parse(v)
		if err != nil {
			fail("DEFAULT_EXPOSURE_LIMIT", err)
		} else {
			cfg.Wallet.DefaultExposureLimit = a
		}
	}
	integer("TRANSFER_LIMIT", &cfg.Wallet.TransferLimit)
	dur("TRANSFER_WINDOW", &cfg.Wallet.TransferWindow)
	dur("BONUS_SWEEP_INTERVAL", &cfg.Wallet.BonusSweepInterval)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FILE", &cfg.Logging.File)
	str("BOOTSTRAP_EMAIL", &cfg.Bootstrap.PowerhouseEmail)
	str("BOOTSTRAP_PASSWORD", &cfg.Bootstrap.PowerhousePassword)
	str("BOOTSTRAP_PIN", &cfg.Bootstrap.PowerhousePIN)
	return firstErr
}

func (cfg *Config) Production() bool {
	env := strings.ToLower(strings.TrimSpace(cfg.Env))
	return env == "production" || env == "prod"
}

func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.HTTP.Addr) == "" {
		return fmt.Errorf("http.addr is required")
	}
	for i, c := range cfg.HTTP.TrustedCIDRs {
		c = strings.TrimSpace(c)
		if _, _, err := net.ParseCIDR(c); err != nil {
			return fmt.Errorf("http.trustedCIDRs[%d]: %w", i, err)
		}
		cfg.HTTP.TrustedCIDRs[i] = c
	}
	if cfg.HTTP.LoginRate <= 0 || cfg.HTTP.LoginBurst <= 0 {
		return fmt.Errorf("http login rate and burst must be positive")
	}
	if cfg.TLS.Enabled && (cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "") {
		return fmt.Errorf("tls.certFile and tls.keyFile are required when tls is enabled")
	}
	if cfg.Auth.JWTSecret == "" && cfg.Auth.JWTKeys == "" && cfg.Auth.KeysetFile == "" {
		return fmt.Errorf("one of auth.jwtSecret, auth.jwtKeys or auth.keysetFile is required")
	}
	if cfg.Auth.AccessTTL <= 0 || cfg.Auth.RefreshTTL <= 0 {
		return fmt.Errorf("auth token ttls must be positive")
	}
	if cfg.PIN.MaxAttempts <= 0 || cfg.PIN.Lockout <= 0 || cfg.PIN.SessionTTL <= 0 {
		return fmt.Errorf("pin attempts, lockout and session ttl must be positive")
	}
	if cfg.Wallet.DefaultExposureLimit < 0 {
		return fmt.Errorf("wallet.defaultExposureLimit must not be negative")
	}
	if cfg.Wallet.TransferLimit <= 0 || cfg.Wallet.TransferWindow <= 0 {
		return fmt.Errorf("wallet transfer limit and window must be positive")
	}
	if cfg.Bootstrap.PowerhouseEmail != "" && cfg.Bootstrap.PowerhousePassword == "" {
		return ErrBootstrapPassword
	}
	if cfg.Production() {
		if cfg.Database.URL == "" {
			return ErrDatabaseRequired
		}
		if !cfg.TLS.Enabled {
			return ErrTLSRequired
		}
		if cfg.Auth.JWTSecret == insecureDevSecret && cfg.Auth.JWTKeys == "" && cfg.Auth.KeysetFile == "" {
			return ErrDefaultJWTSecret
		}
	}
	return nil
}
