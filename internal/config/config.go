package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config captures runtime settings for the trustchain application server.
type Config struct {
	Server struct {
		Listen                 string `yaml:"listen"`
		ReadTimeoutSeconds     int    `yaml:"read_timeout_seconds"`
		WriteTimeoutSeconds    int    `yaml:"write_timeout_seconds"`
		ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
	} `yaml:"server"`

	Storage struct {
		Backend     string `yaml:"backend"`
		PostgresDSN string `yaml:"postgres_dsn"`
		MaxConns    int32  `yaml:"max_conns"`
		MinConns    int32  `yaml:"min_conns"`
		SQLitePath  string `yaml:"sqlite_path"`
	} `yaml:"storage"`

	Ledger struct {
		URL                  string `yaml:"url"`
		WriteToken           string `yaml:"write_token"`
		SubmitTimeoutSeconds int    `yaml:"submit_timeout_seconds"`
		ReadTimeoutSeconds   int    `yaml:"read_timeout_seconds"`
		RequireHTTPS         *bool  `yaml:"require_https"`
	} `yaml:"ledger"`

	Authz struct {
		BootstrapAdmins []string `yaml:"bootstrap_admins"`
	} `yaml:"authz"`

	Lifecycle struct {
		BlockExpiredDispense bool `yaml:"block_expired_dispense"`
	} `yaml:"lifecycle"`

	Query struct {
		FreshnessSeconds int `yaml:"freshness_seconds"`
	} `yaml:"query"`

	Security struct {
		BearerToken      string   `yaml:"bearer_token"`
		TrustedCIDRs     []string `yaml:"trusted_cidrs"`
		EnableIPAllow    *bool    `yaml:"enable_ip_allow_list"`
		EnableBearerAuth *bool    `yaml:"enable_bearer_auth"`
		EnforceSecureTLS *bool    `yaml:"enforce_secure_transport"`
	} `yaml:"security"`

	Logging struct {
		Service string `yaml:"service"`
		Version string `yaml:"version"`
		Commit  string `yaml:"commit"`
		Region  string `yaml:"region"`
	} `yaml:"logging"`
}

// Load reads and validates config from disk.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.expandEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 10
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 20
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 15
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "postgres"
	}
	if c.Storage.MaxConns <= 0 {
		c.Storage.MaxConns = 12
	}
	if c.Storage.MinConns < 0 {
		c.Storage.MinConns = 0
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "trustchain.db"
	}
	if c.Ledger.SubmitTimeoutSeconds <= 0 {
		c.Ledger.SubmitTimeoutSeconds = 10
	}
	if c.Ledger.ReadTimeoutSeconds <= 0 {
		c.Ledger.ReadTimeoutSeconds = 5
	}
	if c.Ledger.RequireHTTPS == nil {
		c.Ledger.RequireHTTPS = boolPtr(false)
	}
	if c.Query.FreshnessSeconds <= 0 {
		c.Query.FreshnessSeconds = 30
	}
	if c.Security.EnableBearerAuth == nil {
		c.Security.EnableBearerAuth = boolPtr(true)
	}
	if c.Security.EnableIPAllow == nil {
		c.Security.EnableIPAllow = boolPtr(false)
	}
	if c.Security.EnforceSecureTLS == nil {
		c.Security.EnforceSecureTLS = boolPtr(true)
	}
	if len(c.Security.TrustedCIDRs) == 0 {
		c.Security.TrustedCIDRs = []string{
			"127.0.0.1/32",
			"10.0.0.0/8",
			"172.16.0.0/12",
			"192.168.0.0/16",
		}
	}
	if c.Logging.Service == "" {
		c.Logging.Service = "trustchain-server"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "dev"
	}
	if c.Logging.Commit == "" {
		c.Logging.Commit = "unknown"
	}
	if c.Logging.Region == "" {
		c.Logging.Region = "local"
	}
}

func (c *Config) validate() error {
	switch strings.TrimSpace(strings.ToLower(c.Storage.Backend)) {
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn is required for the postgres backend")
		}
		if *c.Security.EnforceSecureTLS && dsnUsesInsecureSSL(c.Storage.PostgresDSN) {
			return errors.New("storage.postgres_dsn must use sslmode=require|verify-ca|verify-full when enforce_secure_transport is enabled")
		}
	case "sqlite", "memory":
	default:
		return errors.New("storage.backend must be one of postgres|sqlite|memory")
	}
	if c.Ledger.URL == "" {
		return errors.New("ledger.url is required")
	}
	if c.Ledger.WriteToken == "" {
		return errors.New("ledger.write_token is required")
	}
	if *c.Ledger.RequireHTTPS && !isHTTPSURL(c.Ledger.URL) {
		return errors.New("ledger.url must be https when ledger.require_https is enabled")
	}
	if len(c.Authz.BootstrapAdmins) == 0 {
		return errors.New("authz.bootstrap_admins must list at least one administrator identity")
	}
	if *c.Security.EnableBearerAuth && strings.TrimSpace(c.Security.BearerToken) == "" {
		return errors.New("security.bearer_token is required when bearer auth is enabled")
	}
	if *c.Security.EnableIPAllow && len(c.Security.TrustedCIDRs) == 0 {
		return errors.New("security.trusted_cidrs is required when ip allow list is enabled")
	}
	for i, cidr := range c.Security.TrustedCIDRs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("security.trusted_cidrs[%d] is invalid: %w", i, err)
		}
	}
	return nil
}

func (c *Config) expandEnv() {
	c.Storage.PostgresDSN = os.ExpandEnv(strings.TrimSpace(c.Storage.PostgresDSN))
	c.Storage.SQLitePath = os.ExpandEnv(strings.TrimSpace(c.Storage.SQLitePath))
	c.Ledger.URL = os.ExpandEnv(strings.TrimSpace(c.Ledger.URL))
	c.Ledger.WriteToken = os.ExpandEnv(strings.TrimSpace(c.Ledger.WriteToken))
	c.Security.BearerToken = os.ExpandEnv(strings.TrimSpace(c.Security.BearerToken))
}
