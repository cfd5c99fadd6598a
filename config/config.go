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

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "chatsync"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "CHATSYNC_DATA_DIR"
	// DefaultRelayListenAddress is where `chatsync relay` listens when unset.
	DefaultRelayListenAddress = ":8787"
	// DefaultRelayURL is the relay the chat client dials when unset.
	DefaultRelayURL = "ws://127.0.0.1:8787/v1/store"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// ClientConfig contains persistent local-user settings.
type ClientConfig struct {
	UserID             string `json:"user_id"`
	DisplayName        string `json:"display_name"`
	Avatar             string `json:"avatar"`
	RelayURL           string `json:"relay_url"`
	RelayListenAddress string `json:"relay_listen_address"`
	RelayID            string `json:"relay_id"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CHATSYNC_DATA_DIR is set, its value is used as an explicit override.
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

// RelayDataDir is where the relay keeps its SQLite document store.
func RelayDataDir(dataDir string) string {
	return filepath.Join(dataDir, "relay")
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		RelayDataDir(dataDir),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
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
func LoadOrCreate() (*ClientConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultDisplayName() string {
	if user := strings.TrimSpace(os.Getenv("USER")); user != "" {
		return user
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "Chat User"
}

func defaultConfig() *ClientConfig {
	return &ClientConfig{
		UserID:             uuid.NewString(),
		DisplayName:        defaultDisplayName(),
		RelayURL:           DefaultRelayURL,
		RelayListenAddress: DefaultRelayListenAddress,
		RelayID:            uuid.NewString(),
	}
}

func normalizeDefaults(cfg *ClientConfig) bool {
	updated := false

	if cfg.UserID == "" {
		cfg.UserID = uuid.NewString()
		updated = true
	}
	if strings.TrimSpace(cfg.DisplayName) == "" {
		cfg.DisplayName = defaultDisplayName()
		updated = true
	}
	if cfg.RelayURL == "" {
		cfg.RelayURL = DefaultRelayURL
		updated = true
	}
	if cfg.RelayListenAddress == "" {
		cfg.RelayListenAddress = DefaultRelayListenAddress
		updated = true
	}
	if cfg.RelayID == "" {
		cfg.RelayID = uuid.NewString()
		updated = true
	}

	return updated
}
