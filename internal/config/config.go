package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds application configuration.
type Config struct {
	// MaxSessions bounds the number of retained conversations. When a new
	// conversation would exceed the bound, the conversation with the oldest
	// most-recent-entry timestamp is evicted together with its entries.
	MaxSessions int `json:"max_sessions,omitempty"`

	// IdleWindowMinutes is the idle-timeout window for threading tools that
	// resend full history with no native session id. Two structurally
	// identical exchanges further apart than this window start separate
	// conversations.
	IdleWindowMinutes int `json:"idle_window_minutes,omitempty"`

	// CompactMessageCap is the number of most-recent messages kept per entry
	// after compaction.
	CompactMessageCap int `json:"compact_message_cap,omitempty"`

	// Bind is the address the web server listens on.
	Bind string `json:"bind,omitempty"`

	// Port is the web server port.
	Port int `json:"port,omitempty"`

	// CapturesDir is an optional directory watched for capture files written
	// by the passive mitmproxy add-on. Empty disables the watcher.
	CapturesDir string `json:"captures_dir,omitempty"`

	// ContextLimits overrides the built-in model context-window table.
	// Keys are model-name substrings, values are token limits.
	ContextLimits map[string]int `json:"context_limits,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	// Unknown tool names are logged as warnings.
	DisabledTools []string `json:"disabled_tools,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxSessions:       50,
		IdleWindowMinutes: 5,
		CompactMessageCap: 30,
		Bind:              "127.0.0.1",
		Port:              4041,
	}
}

// IdleWindow returns the threading idle window as a duration.
func (c *Config) IdleWindow() time.Duration {
	return time.Duration(c.IdleWindowMinutes) * time.Minute
}

// Load loads configuration from baseDir/config.json.
// Returns default config if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of the
// default data directory.
func Load(baseDir string) (*Config, error) {
	cfg, err := loadFileRaw(filepath.Join(baseDir, "config.json"))
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// DefaultBaseDir returns the default data directory (~/.context-lens).
func DefaultBaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".context-lens"), nil
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and
// deduplicated; maps are overlaid key by key.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	result.MaxSessions = overlay.MaxSessions
	if result.MaxSessions == 0 {
		result.MaxSessions = base.MaxSessions
	}

	result.IdleWindowMinutes = overlay.IdleWindowMinutes
	if result.IdleWindowMinutes == 0 {
		result.IdleWindowMinutes = base.IdleWindowMinutes
	}

	result.CompactMessageCap = overlay.CompactMessageCap
	if result.CompactMessageCap == 0 {
		result.CompactMessageCap = base.CompactMessageCap
	}

	result.Bind = overlay.Bind
	if result.Bind == "" {
		result.Bind = base.Bind
	}

	result.Port = overlay.Port
	if result.Port == 0 {
		result.Port = base.Port
	}

	result.CapturesDir = overlay.CapturesDir
	if result.CapturesDir == "" {
		result.CapturesDir = base.CapturesDir
	}

	result.ContextLimits = mergeIntMap(base.ContextLimits, overlay.ContextLimits)
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)

	return result
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range a {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	for _, s := range b {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}

// mergeIntMap overlays b onto a key by key.
func mergeIntMap(a, b map[string]int) map[string]int {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	result := make(map[string]int, len(a)+len(b))
	for k, v := range a {
		result[k] = v
	}
	for k, v := range b {
		result[k] = v
	}
	return result
}
