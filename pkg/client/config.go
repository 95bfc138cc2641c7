package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the client config file
type TOMLConfig struct {
	Connection ConnectionSection `toml:"connection"`
	Local      LocalSection      `toml:"local"`
	UI         UISection         `toml:"ui"`
}

type ConnectionSection struct {
	ConnectTimeoutSeconds int    `toml:"connect_timeout_seconds"`
	ReconnectDelaySeconds int    `toml:"reconnect_delay_seconds"`
	Transport             string `toml:"transport"` // tcp, websocket or auto
}

type LocalSection struct {
	StateDB string `toml:"state_db"`
}

type UISection struct {
	Mode           string `toml:"mode"` // line or tui
	NotifyMentions bool   `toml:"notify_mentions"`
}

// ConfigError represents a structured configuration error
type ConfigError struct {
	Path       string
	Message    string
	LineNumber int // 0 if not a parse error
}

func (e *ConfigError) Error() string {
	if e.LineNumber > 0 {
		return fmt.Sprintf("%s: %s (line %d)", e.Path, e.Message, e.LineNumber)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// getXDGConfigHome returns the XDG config directory
func getXDGConfigHome() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return xdg
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config")
}

// getXDGDataHome returns the XDG data directory
func getXDGDataHome() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return xdg
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".local", "share")
}

// DefaultConfigPath is where the client looks for its config file
func DefaultConfigPath() string {
	return filepath.Join(getXDGConfigHome(), "minichat", "client.toml")
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Connection: ConnectionSection{
			ConnectTimeoutSeconds: 3,
			ReconnectDelaySeconds: 5,
			Transport:             TransportAuto,
		},
		Local: LocalSection{
			StateDB: filepath.Join(getXDGDataHome(), "minichat", "state.db"),
		},
		UI: UISection{
			Mode:           "line",
			NotifyMentions: false,
		},
	}
}

// LoadClientConfig loads configuration from a TOML file, creates default if not found
func LoadClientConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// Unwritable locations still run on defaults
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		cfgErr := &ConfigError{
			Path:    path,
			Message: strings.TrimPrefix(err.Error(), "toml: "),
		}

		var parseErr toml.ParseError
		if errors.As(err, &parseErr) {
			cfgErr.Message = parseErr.Message
			cfgErr.LineNumber = parseErr.Position.Line
		}
		return TOMLConfig{}, cfgErr
	}

	if err := validateConfig(&config); err != nil {
		return TOMLConfig{}, &ConfigError{
			Path:    path,
			Message: err.Error(),
		}
	}

	return config, nil
}

// validateConfig validates configuration values
func validateConfig(config *TOMLConfig) error {
	var problems []string

	if config.Connection.ConnectTimeoutSeconds < 0 {
		problems = append(problems, "Connect timeout cannot be negative")
	}
	if config.Connection.ReconnectDelaySeconds < 0 {
		problems = append(problems, "Reconnect delay cannot be negative")
	}

	switch strings.ToLower(config.Connection.Transport) {
	case "", TransportAuto, TransportTCP, TransportWebSocket:
	default:
		problems = append(problems, fmt.Sprintf("Invalid transport: %q (must be 'tcp', 'websocket' or 'auto')", config.Connection.Transport))
	}

	switch config.UI.Mode {
	case "", "line", "tui":
	default:
		problems = append(problems, fmt.Sprintf("Invalid UI mode: %q (must be 'line' or 'tui')", config.UI.Mode))
	}

	if strings.TrimSpace(config.Local.StateDB) == "" {
		problems = append(problems, "State database path cannot be empty")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n  • %s", strings.Join(problems, "\n  • "))
	}

	return nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# MiniChat Client Configuration
# This file was auto-generated with default values
# Command-line flags override these values

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// GetStateDBPath returns the state database path with ~ expanded
func (c *TOMLConfig) GetStateDBPath() (string, error) {
	return expandHome(c.Local.StateDB)
}

// ConnectTimeout returns the configured connect timeout, defaulting to 3s
func (c *TOMLConfig) ConnectTimeout() time.Duration {
	if c.Connection.ConnectTimeoutSeconds <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.Connection.ConnectTimeoutSeconds) * time.Second
}

// ReconnectDelay returns the configured backoff between connect attempts, defaulting to 5s
func (c *TOMLConfig) ReconnectDelay() time.Duration {
	if c.Connection.ReconnectDelaySeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Connection.ReconnectDelaySeconds) * time.Second
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}
