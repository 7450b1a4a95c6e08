// Package config loads and validates the patchkit configuration.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/schaermu/patchkit/internal/digest"
	"github.com/schaermu/patchkit/internal/lock"
)

// CacheBackend selects where the hash cache is persisted
type CacheBackend string

const (
	CacheFile   CacheBackend = "file"
	CacheBadger CacheBackend = "badger"
	CacheMemory CacheBackend = "memory"
)

// Config represents the complete patchkit configuration
type Config struct {
	Install    InstallConfig    `mapstructure:"install" yaml:"install"`
	SelfUpdate SelfUpdateConfig `mapstructure:"selfupdate" yaml:"selfupdate"`
	Cache      CacheConfig      `mapstructure:"cache" yaml:"cache"`
	Fetch      FetchConfig      `mapstructure:"fetch" yaml:"fetch"`
	Locks      LocksConfig      `mapstructure:"locks" yaml:"locks"`
	Publish    PublishConfig    `mapstructure:"publish" yaml:"publish"`
	Serve      ServeConfig      `mapstructure:"serve" yaml:"serve"`
}

// InstallConfig describes the installation tree kept up to date
type InstallConfig struct {
	Root        string `mapstructure:"root" yaml:"root"`
	ManifestURL string `mapstructure:"manifest_url" yaml:"manifest_url"`
	// LaunchCommand is started after a successful patch by "patchkit launch".
	// A relative program is resolved against Root.
	LaunchCommand string `mapstructure:"launch_command" yaml:"launch_command"`
}

// SelfUpdateConfig configures replacement of the patchkit executable itself
type SelfUpdateConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	ManifestURL  string `mapstructure:"manifest_url" yaml:"manifest_url" validate:"required_if=Enabled true"`
	ShadowPrefix string `mapstructure:"shadow_prefix" yaml:"shadow_prefix" validate:"required,excludesall=/\\"`
}

// CacheConfig configures the persistent hash cache
type CacheConfig struct {
	Backend CacheBackend `mapstructure:"backend" yaml:"backend" validate:"oneof=file badger memory"`
	Path    string       `mapstructure:"path" yaml:"path"`
}

// FetchConfig configures how manifests and files are downloaded
type FetchConfig struct {
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gte=0"`
	UserAgent string        `mapstructure:"user_agent" yaml:"user_agent"`
	S3        S3Config      `mapstructure:"s3" yaml:"s3"`
}

// S3Config configures the client used for s3:// sources
type S3Config struct {
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint" validate:"omitempty,url"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id" validate:"required_with=SecretAccessKey"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key" validate:"required_with=AccessKeyID"`
	MaxRetries      int    `mapstructure:"max_retries" yaml:"max_retries" validate:"gte=0"`
}

// LocksConfig configures the named system-wide locks
type LocksConfig struct {
	Dir          string        `mapstructure:"dir" yaml:"dir"`
	InstanceName string        `mapstructure:"instance_name" yaml:"instance_name" validate:"required,excludesall=/\\"`
	UpdateName   string        `mapstructure:"update_name" yaml:"update_name" validate:"required,excludesall=/\\,nefield=InstanceName"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gte=0"`
}

// PublishConfig configures "patchkit publish"
type PublishConfig struct {
	HashAlgorithm string `mapstructure:"hash_algorithm" yaml:"hash_algorithm" validate:"oneof=md5 sha256 blake3"`
}

// ServeConfig configures the control server
type ServeConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr" validate:"required"`
	TokenFile  string `mapstructure:"token_file" yaml:"token_file"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		SelfUpdate: SelfUpdateConfig{ShadowPrefix: "_"},
		Cache:      CacheConfig{Backend: CacheFile},
		Fetch: FetchConfig{
			Timeout:   60 * time.Second,
			UserAgent: "patchkit",
			S3:        S3Config{MaxRetries: 5},
		},
		Locks: LocksConfig{
			InstanceName: lock.InstanceName,
			UpdateName:   lock.SelfUpdateName,
			Timeout:      lock.DefaultTimeout,
		},
		Publish: PublishConfig{HashAlgorithm: string(digest.Default)},
		Serve:   ServeConfig{ListenAddr: "127.0.0.1:8787"},
	}
}

// Load reads the configuration file at path, or the default location when
// path is empty. A missing file at the default location yields defaults.
// Environment variables prefixed with PATCHKIT_ override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setupViper(v, os.ExpandEnv(path))

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setupViper(v *viper.Viper, path string) {
	// PATCHKIT_INSTALL_ROOT overrides install.root
	v.SetEnvPrefix("PATCHKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a default so AutomaticEnv can see it during Unmarshal
	d := Default()
	v.SetDefault("install.root", d.Install.Root)
	v.SetDefault("install.manifest_url", d.Install.ManifestURL)
	v.SetDefault("install.launch_command", d.Install.LaunchCommand)
	v.SetDefault("selfupdate.enabled", d.SelfUpdate.Enabled)
	v.SetDefault("selfupdate.manifest_url", d.SelfUpdate.ManifestURL)
	v.SetDefault("selfupdate.shadow_prefix", d.SelfUpdate.ShadowPrefix)
	v.SetDefault("cache.backend", string(d.Cache.Backend))
	v.SetDefault("cache.path", d.Cache.Path)
	v.SetDefault("fetch.timeout", d.Fetch.Timeout)
	v.SetDefault("fetch.user_agent", d.Fetch.UserAgent)
	v.SetDefault("fetch.s3.region", d.Fetch.S3.Region)
	v.SetDefault("fetch.s3.endpoint", d.Fetch.S3.Endpoint)
	v.SetDefault("fetch.s3.access_key_id", d.Fetch.S3.AccessKeyID)
	v.SetDefault("fetch.s3.secret_access_key", d.Fetch.S3.SecretAccessKey)
	v.SetDefault("fetch.s3.max_retries", d.Fetch.S3.MaxRetries)
	v.SetDefault("locks.dir", d.Locks.Dir)
	v.SetDefault("locks.instance_name", d.Locks.InstanceName)
	v.SetDefault("locks.update_name", d.Locks.UpdateName)
	v.SetDefault("locks.timeout", d.Locks.Timeout)
	v.SetDefault("publish.hash_algorithm", d.Publish.HashAlgorithm)
	v.SetDefault("serve.listen_addr", d.Serve.ListenAddr)
	v.SetDefault("serve.token_file", d.Serve.TokenFile)

	if path != "" {
		v.SetConfigFile(path)
		return
	}
	v.AddConfigPath(Dir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

// readConfigFile reads the config file. Only a file searched for in the
// default location may be absent.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// Dir returns the directory holding the default config file
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "patchkit")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "patchkit")
}

// CacheDir returns $XDG_CACHE_HOME/patchkit, else ~/.cache/patchkit
func CacheDir() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "patchkit")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(Dir(), "cache")
	}
	return filepath.Join(home, ".cache", "patchkit")
}

// DefaultPath returns the default config file path
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// expandEnv expands environment variables in all path-like fields
func (c *Config) expandEnv() {
	c.Install.Root = os.ExpandEnv(c.Install.Root)
	c.Install.ManifestURL = os.ExpandEnv(c.Install.ManifestURL)
	c.Install.LaunchCommand = os.ExpandEnv(c.Install.LaunchCommand)
	c.SelfUpdate.ManifestURL = os.ExpandEnv(c.SelfUpdate.ManifestURL)
	c.Cache.Path = os.ExpandEnv(c.Cache.Path)
	c.Locks.Dir = os.ExpandEnv(c.Locks.Dir)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.TokenFile = os.ExpandEnv(c.Serve.TokenFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	d := Default()
	if c.SelfUpdate.ShadowPrefix == "" {
		c.SelfUpdate.ShadowPrefix = d.SelfUpdate.ShadowPrefix
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = d.Cache.Backend
	}
	c.Cache.Backend = CacheBackend(strings.ToLower(string(c.Cache.Backend)))
	if c.Locks.InstanceName == "" {
		c.Locks.InstanceName = d.Locks.InstanceName
	}
	if c.Locks.UpdateName == "" {
		c.Locks.UpdateName = d.Locks.UpdateName
	}
	if c.Locks.Timeout == 0 {
		c.Locks.Timeout = d.Locks.Timeout
	}
	if c.Publish.HashAlgorithm == "" {
		c.Publish.HashAlgorithm = d.Publish.HashAlgorithm
	}
	c.Publish.HashAlgorithm = strings.ToLower(c.Publish.HashAlgorithm)
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = d.Serve.ListenAddr
	}
}

// CachePath returns where the hash cache is persisted. Without an explicit
// path each install root gets its own directory under CacheDir, never inside
// the managed tree itself.
func (c *Config) CachePath() string {
	if c.Cache.Path != "" {
		return c.Cache.Path
	}
	name := "hashcache.json"
	if c.Cache.Backend == CacheBadger {
		name = "hashcache.db"
	}
	if c.Install.Root == "" {
		return filepath.Join(CacheDir(), name)
	}
	sum := sha256.Sum256([]byte(filepath.Clean(c.Install.Root)))
	return filepath.Join(CacheDir(), hex.EncodeToString(sum[:8]), name)
}

// HashAlgorithm returns the parsed publish digest
func (c *Config) HashAlgorithm() digest.Algorithm {
	alg, err := digest.Parse(c.Publish.HashAlgorithm)
	if err != nil {
		return digest.Default
	}
	return alg
}

// ReadToken returns the control server bearer token, or "" when none is configured
func (c *Config) ReadToken() (string, error) {
	if c.Serve.TokenFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.Serve.TokenFile)
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", c.Serve.TokenFile)
	}
	return token, nil
}
