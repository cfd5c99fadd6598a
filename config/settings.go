package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	// DefaultMaxPageSize is the history page size when unset.
	DefaultMaxPageSize = 20
	// DefaultTypingTimeoutMs is the typing debounce window when unset.
	DefaultTypingTimeoutMs = 3000
	// DefaultEncryptionSalt is the PBKDF2 salt when unset.
	DefaultEncryptionSalt = "salt"
	// DefaultEncryptionIterations is the PBKDF2 iteration count when unset.
	DefaultEncryptionIterations = 5000
	// DefaultEncryptionKeyLength is the derived key length in bits when unset.
	DefaultEncryptionKeyLength = 256

	settingsFileName = "settings.toml"
)

// EncryptionSettings configures conversation key derivation.
type EncryptionSettings struct {
	Salt       string `toml:"salt"`
	Iterations int    `toml:"iterations"`
	KeyLength  int    `toml:"key_length"`
}

// Settings is the engine tuning surface, kept in settings.toml for hand editing.
type Settings struct {
	EnableEncrypt   bool               `toml:"enable_encrypt"`
	Encryption      EncryptionSettings `toml:"encryption"`
	MaxPageSize     int                `toml:"max_page_size"`
	EnableTyping    bool               `toml:"enable_typing"`
	TypingTimeoutMs int                `toml:"typing_timeout_ms"`
}

// DefaultSettings returns the settings used when no file exists.
func DefaultSettings() Settings {
	return Settings{
		EnableEncrypt: true,
		Encryption: EncryptionSettings{
			Salt:       DefaultEncryptionSalt,
			Iterations: DefaultEncryptionIterations,
			KeyLength:  DefaultEncryptionKeyLength,
		},
		MaxPageSize:     DefaultMaxPageSize,
		EnableTyping:    true,
		TypingTimeoutMs: DefaultTypingTimeoutMs,
	}
}

// WithDefaults fills zero-valued numeric and string fields.
func (s Settings) WithDefaults() Settings {
	out := s
	if out.Encryption.Salt == "" {
		out.Encryption.Salt = DefaultEncryptionSalt
	}
	if out.Encryption.Iterations <= 0 {
		out.Encryption.Iterations = DefaultEncryptionIterations
	}
	if out.Encryption.KeyLength == 0 {
		out.Encryption.KeyLength = DefaultEncryptionKeyLength
	}
	if out.MaxPageSize <= 0 {
		out.MaxPageSize = DefaultMaxPageSize
	}
	if out.TypingTimeoutMs <= 0 {
		out.TypingTimeoutMs = DefaultTypingTimeoutMs
	}
	return out
}

// Validate rejects settings the engine cannot run with.
func (s Settings) Validate() error {
	switch s.Encryption.KeyLength {
	case 128, 192, 256:
	default:
		return fmt.Errorf("invalid encryption key_length %d", s.Encryption.KeyLength)
	}
	if s.MaxPageSize <= 0 {
		return errors.New("max_page_size must be > 0")
	}
	if s.TypingTimeoutMs <= 0 {
		return errors.New("typing_timeout_ms must be > 0")
	}
	return nil
}

// TypingTimeout returns the typing debounce window as a duration.
func (s Settings) TypingTimeout() time.Duration {
	return time.Duration(s.TypingTimeoutMs) * time.Millisecond
}

// SettingsPath returns the full path to settings.toml for a data directory.
func SettingsPath(dataDir string) string {
	return filepath.Join(dataDir, settingsFileName)
}

// LoadSettings reads settings.toml, writing the defaults when it does not exist.
func LoadSettings(path string) (Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return Settings{}, fmt.Errorf("read settings: %w", err)
		}
		settings := DefaultSettings()
		if err := SaveSettings(path, settings); err != nil {
			return Settings{}, err
		}
		return settings, nil
	}

	settings := DefaultSettings()
	if err := toml.Unmarshal(raw, &settings); err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	settings = settings.WithDefaults()
	if err := settings.Validate(); err != nil {
		return Settings{}, fmt.Errorf("validate settings: %w", err)
	}
	return settings, nil
}

// SaveSettings marshals and writes settings.toml to disk.
func SaveSettings(path string, settings Settings) error {
	raw, err := toml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}
