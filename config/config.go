// Package config provides loading and parsing of the control plane's own
// configuration: where the default config store lives and how to reach it.
//
// Configuration comes from a YAML file, with PM2_REDIS_* environment variables
// taking precedence so deployments keep working with the variables the process
// manager layer already exports. Sentinel deployments are supported through a
// comma-separated sentinel list and a master name.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration file.
type Config struct {
	// Store describes the default Redis deployment holding persisted
	// connection and queue configs.
	Store StoreConfig `yaml:"store"`
}

// StoreConfig describes how to reach the config store's Redis deployment.
type StoreConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password,omitempty"`

	// KeyPrefix is prepended to every store key. Defaults to "banteng:".
	KeyPrefix string `yaml:"key_prefix,omitempty"`

	// Sentinels is a comma-separated "host:port" list. When set, the client
	// is a sentinel-backed failover client and Host/Port are ignored.
	Sentinels string `yaml:"sentinels,omitempty"`

	// SentinelMaster is the monitored master name. Required with Sentinels.
	SentinelMaster string `yaml:"sentinel_master,omitempty"`
}

// Load reads and parses a YAML config file, then applies environment
// overrides and defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromEnv builds a config purely from PM2_REDIS_* environment variables.
func FromEnv() (*Config, error) {
	var cfg Config
	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PM2_REDIS_HOST"); v != "" {
		c.Store.Host = v
	}
	if v := os.Getenv("PM2_REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Store.Port = port
		}
	}
	if v := os.Getenv("PM2_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Store.DB = db
		}
	}
	if v := os.Getenv("PM2_REDIS_PASS"); v != "" {
		c.Store.Password = v
	}
	if v := os.Getenv("PM2_REDIS_SENTINELS"); v != "" {
		c.Store.Sentinels = v
	}
	if v := os.Getenv("PM2_REDIS_SENTINELS_MASTER"); v != "" {
		c.Store.SentinelMaster = v
	}
}

func (c *Config) applyDefaults() {
	if c.Store.Host == "" && c.Store.Sentinels == "" {
		c.Store.Host = "localhost"
	}
	if c.Store.Port == 0 {
		c.Store.Port = 6379
	}
	if c.Store.KeyPrefix == "" {
		c.Store.KeyPrefix = "banteng:"
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Store.Sentinels != "" && c.Store.SentinelMaster == "" {
		return fmt.Errorf("sentinel_master is required when sentinels are configured")
	}
	return nil
}

// SentinelAddrs parses the comma-separated sentinel list. Entries without a
// port get the conventional sentinel port 26379.
func (c *StoreConfig) SentinelAddrs() []string {
	if c.Sentinels == "" {
		return nil
	}

	parts := strings.Split(c.Sentinels, ",")
	addrs := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		host, port, err := net.SplitHostPort(p)
		if err != nil || port == "" {
			addrs = append(addrs, net.JoinHostPort(p, "26379"))
			continue
		}
		addrs = append(addrs, net.JoinHostPort(host, port))
	}
	return addrs
}

// NewClient builds the go-redis client for the config store: a failover
// client when sentinels are configured, a plain client otherwise.
func (c *StoreConfig) NewClient() redis.UniversalClient {
	if c.Sentinels != "" {
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    c.SentinelMaster,
			SentinelAddrs: c.SentinelAddrs(),
			Password:      c.Password,
			DB:            c.DB,
		})
	}

	return redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Password: c.Password,
		DB:       c.DB,
	})
}
