package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "securechat"
	// EnvPrefix prefixes every environment override, e.g. SECURECHAT_CHUNK_SIZE.
	EnvPrefix = "SECURECHAT"
	// DataDirEnv overrides the data directory.
	DataDirEnv = EnvPrefix + "_DATA_DIR"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// ClientConfig contains persistent client settings.
type ClientConfig struct {
	ClientID        string `mapstructure:"client_id"`
	Identity        string `mapstructure:"identity"`
	ServerURL       string `mapstructure:"server_url"`
	APIURL          string `mapstructure:"api_url"`
	IdentityKeyPath string `mapstructure:"identity_key_path"`
	DownloadDir     string `mapstructure:"download_dir"`

	KeyTTL time.Duration `mapstructure:"key_ttl"`

	HandshakeTimeout   time.Duration `mapstructure:"handshake_timeout"`
	AcceptTimeout      time.Duration `mapstructure:"accept_timeout"`
	TransferTimeout    time.Duration `mapstructure:"transfer_timeout"`
	WatchdogMultiplier int           `mapstructure:"watchdog_multiplier"`
	ChunkSize          int           `mapstructure:"chunk_size"`
	HighWaterMark      int64         `mapstructure:"high_water_mark"`

	FallbackPartSize     int           `mapstructure:"fallback_part_size"`
	FallbackStallTimeout time.Duration `mapstructure:"fallback_stall_timeout"`

	IdleTimeout          time.Duration `mapstructure:"idle_timeout"`
	ActivityPingInterval time.Duration `mapstructure:"activity_ping_interval"`
	StaleRetryDelay      time.Duration `mapstructure:"stale_retry_delay"`

	// AllowPlaintextFallback is a runtime policy switch; it is off unless set.
	AllowPlaintextFallback bool `mapstructure:"allow_plaintext_fallback"`

	LinkListenAddress string `mapstructure:"link_listen_address"`
	MDNSEnabled       bool   `mapstructure:"mdns_enabled"`

	// SecurityEventRetention bounds how long security events are kept.
	SecurityEventRetention time.Duration `mapstructure:"security_event_retention"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If SECURECHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "downloads"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

func setDefaults(v *viper.Viper, dataDir string) {
	v.SetDefault("client_id", "")
	v.SetDefault("identity", "")
	v.SetDefault("server_url", "wss://localhost:8443/ws")
	v.SetDefault("api_url", "https://localhost:8443")
	v.SetDefault("identity_key_path", filepath.Join(dataDir, "keys", "identity_x25519.pem"))
	v.SetDefault("download_dir", filepath.Join(dataDir, "downloads"))

	v.SetDefault("key_ttl", "10m")

	v.SetDefault("handshake_timeout", "10s")
	v.SetDefault("accept_timeout", "60s")
	v.SetDefault("transfer_timeout", "30s")
	v.SetDefault("watchdog_multiplier", 3)
	v.SetDefault("chunk_size", 16*1024)
	v.SetDefault("high_water_mark", 1024*1024)

	v.SetDefault("fallback_part_size", 256*1024)
	v.SetDefault("fallback_stall_timeout", "30s")

	v.SetDefault("idle_timeout", "30m")
	v.SetDefault("activity_ping_interval", "1m")
	v.SetDefault("stale_retry_delay", "500ms")

	v.SetDefault("allow_plaintext_fallback", false)

	v.SetDefault("link_listen_address", ":0")
	v.SetDefault("mdns_enabled", true)

	v.SetDefault("security_event_retention", "2160h")
}

// Load reads config.json under dataDir, applies defaults for missing keys
// and SECURECHAT_* environment overrides. A missing file is not an error.
func Load(dataDir string) (*ClientConfig, error) {
	v := viper.New()
	v.SetConfigFile(ConfigPath(dataDir))
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, dataDir)

	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to path. Durations are stored in their string form.
func Save(path string, cfg *ClientConfig) error {
	raw, err := json.MarshalIndent(cfg.settings(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
// A first run generates the client instance id.
func LoadOrCreate() (*ClientConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	_, statErr := os.Stat(cfgPath)
	missing := errors.Is(statErr, fs.ErrNotExist)

	cfg, err := Load(dataDir)
	if err != nil {
		return nil, "", err
	}

	if missing || cfg.ClientID == "" {
		if cfg.ClientID == "" {
			cfg.ClientID = uuid.NewString()
		}
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

// Validate rejects settings the transfer and session layers cannot run with.
func (c *ClientConfig) Validate() error {
	switch {
	case c.ChunkSize <= 0:
		return fmt.Errorf("config: chunk_size must be > 0")
	case c.HighWaterMark < int64(c.ChunkSize):
		return fmt.Errorf("config: high_water_mark must be >= chunk_size")
	case c.WatchdogMultiplier < 1:
		return fmt.Errorf("config: watchdog_multiplier must be >= 1")
	case c.HandshakeTimeout <= 0, c.AcceptTimeout <= 0, c.TransferTimeout <= 0:
		return fmt.Errorf("config: transfer timeouts must be > 0")
	case c.IdleTimeout < 0:
		return fmt.Errorf("config: idle_timeout must not be negative")
	case c.SecurityEventRetention <= 0:
		return fmt.Errorf("config: security_event_retention must be > 0")
	}
	return nil
}

func (c *ClientConfig) settings() map[string]any {
	return map[string]any{
		"client_id":                c.ClientID,
		"identity":                 c.Identity,
		"server_url":               c.ServerURL,
		"api_url":                  c.APIURL,
		"identity_key_path":        c.IdentityKeyPath,
		"download_dir":             c.DownloadDir,
		"key_ttl":                  c.KeyTTL.String(),
		"handshake_timeout":        c.HandshakeTimeout.String(),
		"accept_timeout":           c.AcceptTimeout.String(),
		"transfer_timeout":         c.TransferTimeout.String(),
		"watchdog_multiplier":      c.WatchdogMultiplier,
		"chunk_size":               c.ChunkSize,
		"high_water_mark":          c.HighWaterMark,
		"fallback_part_size":       c.FallbackPartSize,
		"fallback_stall_timeout":   c.FallbackStallTimeout.String(),
		"idle_timeout":             c.IdleTimeout.String(),
		"activity_ping_interval":   c.ActivityPingInterval.String(),
		"stale_retry_delay":        c.StaleRetryDelay.String(),
		"allow_plaintext_fallback": c.AllowPlaintextFallback,
		"link_listen_address":      c.LinkListenAddress,
		"mdns_enabled":             c.MDNSEnabled,
		"security_event_retention": c.SecurityEventRetention.String(),
	}
}
