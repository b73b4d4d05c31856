package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// LocalSettingsFile is the project-local developer settings file. It is
	// not meant to be committed.
	LocalSettingsFile = "depfetch.local.toml"
	// GlobalSettingsFile lives in ~/.depfetch.
	GlobalSettingsFile = "config.toml"
	// EnvPrefix prefixes environment overrides, e.g. DEPFETCH_CACHE_ROOT.
	EnvPrefix = "DEPFETCH"

	RefreshAlways   = "always"
	RefreshExplicit = "explicit"

	DefaultCacheRoot   = "_deps"
	DefaultWorkers     = 4
	DefaultLockTimeout = 10 * time.Minute
)

// Settings are the engine knobs. They are resolved with Viper precedence:
// CLI flags > DEPFETCH_* environment (.env included) > depfetch.local.toml >
// ~/.depfetch/config.toml > defaults.
type Settings struct {
	CacheRoot      string            `mapstructure:"cache_root" toml:"cache_root,omitempty"`
	Workers        int               `mapstructure:"workers" toml:"workers,omitempty"`
	FailFast       bool              `mapstructure:"fail_fast" toml:"fail_fast,omitempty"`
	Refresh        string            `mapstructure:"refresh" toml:"refresh,omitempty"`
	Offline        bool              `mapstructure:"offline" toml:"offline,omitempty"`
	LockTimeout    time.Duration     `mapstructure:"lock_timeout" toml:"lock_timeout,omitempty"`
	NetworkRetries int               `mapstructure:"network_retries" toml:"network_retries,omitempty"`
	LogLevel       string            `mapstructure:"log_level" toml:"log_level,omitempty"`
	SourceDirs     map[string]string `mapstructure:"source_dirs" toml:"source_dirs,omitempty"`
	S3             S3Settings        `mapstructure:"s3" toml:"s3,omitempty"`
}

// S3Settings configure the client used for s3:// archive locators.
type S3Settings struct {
	Endpoint  string `mapstructure:"endpoint" toml:"endpoint,omitempty"`
	Region    string `mapstructure:"region" toml:"region,omitempty"`
	AccessKey string `mapstructure:"access_key" toml:"access_key,omitempty"`
	SecretKey string `mapstructure:"secret_key" toml:"secret_key,omitempty"`
	UseSSL    bool   `mapstructure:"use_ssl" toml:"use_ssl,omitempty"`
}

// Enabled reports whether enough is configured to build an S3 client.
func (s S3Settings) Enabled() bool {
	return strings.TrimSpace(s.Endpoint) != ""
}

// flagKeys maps CLI flag names to settings keys.
var flagKeys = map[string]string{
	"cache-root":      "cache_root",
	"workers":         "workers",
	"fail-fast":       "fail_fast",
	"refresh-policy":  "refresh",
	"offline":         "offline",
	"lock-timeout":    "lock_timeout",
	"network-retries": "network_retries",
	"log-level":       "log_level",
}

// LoadSettings resolves settings for the project in projectDir. flags may be
// nil; only flags the user actually set override lower layers.
func LoadSettings(projectDir string, flags *pflag.FlagSet) (*Settings, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	globalPath := filepath.Join(home, ".depfetch", GlobalSettingsFile)
	localPath := filepath.Join(projectDir, LocalSettingsFile)

	// .env values never override variables already present in the environment.
	if envFile := filepath.Join(projectDir, ".env"); fileExists(envFile) {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	return loadSettings(flags, globalPath, localPath)
}

// loadSettings is the internal implementation that accepts explicit paths,
// making it testable without touching the real home directory.
func loadSettings(flags *pflag.FlagSet, globalPath, localPath string) (*Settings, error) {
	v := viper.New()
	v.SetConfigType("toml")

	v.SetDefault("cache_root", DefaultCacheRoot)
	v.SetDefault("workers", DefaultWorkers)
	v.SetDefault("fail_fast", false)
	v.SetDefault("refresh", RefreshAlways)
	v.SetDefault("offline", false)
	v.SetDefault("lock_timeout", DefaultLockTimeout)
	v.SetDefault("network_retries", 0)
	v.SetDefault("log_level", "info")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("s3.use_ssl", true)

	// Lowest file priority: global settings; ignore if missing.
	if fileExists(globalPath) {
		v.SetConfigFile(globalPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", globalPath, err)
		}
	}

	if fileExists(localPath) {
		v.SetConfigFile(localPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", localPath, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Highest priority: flags the user set explicitly.
	if flags != nil {
		for flagName, key := range flagKeys {
			if f := flags.Lookup(flagName); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag --%s: %w", flagName, err)
				}
			}
		}
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("unmarshaling settings: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks value ranges and enumerations.
func (s *Settings) Validate() error {
	var err error
	if strings.TrimSpace(s.CacheRoot) == "" {
		err = errors.Join(err, fmt.Errorf("cache_root must not be empty"))
	}
	if s.Workers < 1 {
		err = errors.Join(err, fmt.Errorf("workers must be at least 1, got %d", s.Workers))
	}
	if s.Refresh != RefreshAlways && s.Refresh != RefreshExplicit {
		err = errors.Join(err, fmt.Errorf("refresh must be %q or %q, got %q", RefreshAlways, RefreshExplicit, s.Refresh))
	}
	if s.LockTimeout <= 0 {
		err = errors.Join(err, fmt.Errorf("lock_timeout must be positive, got %s", s.LockTimeout))
	}
	if s.NetworkRetries < 0 {
		err = errors.Join(err, fmt.Errorf("network_retries must not be negative, got %d", s.NetworkRetries))
	}
	return err
}

// ResolveCacheRoot returns the cache root as an absolute path, relative
// paths being taken from projectDir.
func (s *Settings) ResolveCacheRoot(projectDir string) string {
	if filepath.IsAbs(s.CacheRoot) {
		return filepath.Clean(s.CacheRoot)
	}
	return filepath.Join(projectDir, s.CacheRoot)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
