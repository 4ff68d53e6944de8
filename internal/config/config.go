package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/opencode-ai/conductor/internal/session"
	"github.com/opencode-ai/conductor/pkg/types"
)

// Default ports and topics.
const (
	DefaultPort          = 4300
	DefaultHostname      = "127.0.0.1"
	DefaultEventsTopic   = "agent.events"
	DefaultCommandsTopic = "agent.commands"
)

// Config is the conductor configuration file.
type Config struct {
	Schema        string               `json:"$schema,omitempty"`
	LogLevel      string               `json:"logLevel,omitempty"`
	Digest        *DigestConfig        `json:"digest,omitempty"`
	Notifications *NotificationsConfig `json:"notifications,omitempty"`
	Defaults      *types.RequestParams `json:"defaults,omitempty"`
	Tools         *ToolsConfig         `json:"tools,omitempty"`
	Draft         *DraftConfig         `json:"draft,omitempty"`
	Server        *ServerConfig        `json:"server,omitempty"`
	Topics        *TopicsConfig        `json:"topics,omitempty"`

	files []string
}

// DigestConfig controls background recap generation.
type DigestConfig struct {
	Enabled     *bool `json:"enabled,omitempty"`
	MaxAttempts int   `json:"maxAttempts,omitempty"`
}

// NotificationsConfig controls attention notifications.
type NotificationsConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
}

// ToolsConfig names the tools the state machine treats specially.
type ToolsConfig struct {
	Question []string `json:"question,omitempty"`
	ExitPlan []string `json:"exitPlan,omitempty"`
	ReadFile []string `json:"readFile,omitempty"`
}

// DraftConfig controls draft persistence.
type DraftConfig struct {
	Debounce int `json:"debounce,omitempty"` // milliseconds
}

// ServerConfig is the HTTP listen address.
type ServerConfig struct {
	Port     int    `json:"port,omitempty"`
	Hostname string `json:"hostname,omitempty"`
}

// TopicsConfig names the transport topics shared with the agent process.
type TopicsConfig struct {
	Events   string `json:"events,omitempty"`
	Commands string `json:"commands,omitempty"`
}

// Load loads configuration from multiple sources (priority order):
// 1. Global config (~/.config/conductor/)
// 2. Project config (<dir>/conductor.json[c], <dir>/.conductor/)
// 3. CONDUCTOR_CONFIG file
// 4. CONDUCTOR_CONFIG_CONTENT inline JSON
// 5. Environment variables
func Load(directory string) (*Config, error) {
	config := &Config{}

	// Track loaded files to avoid duplicates
	loaded := make(map[string]bool)

	loadOnce := func(path string, baseDir string) error {
		absPath, err := filepath.Abs(path)
		if err != nil || loaded[absPath] {
			return nil
		}
		if err := loadConfigFile(path, config, baseDir); err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return &FileError{Path: path, Err: err}
		}
		loaded[absPath] = true
		config.files = append(config.files, absPath)
		return nil
	}

	var candidates [][2]string
	globalPath := GetPaths().Config
	candidates = append(candidates,
		[2]string{filepath.Join(globalPath, "conductor.json"), globalPath},
		[2]string{filepath.Join(globalPath, "conductor.jsonc"), globalPath},
	)

	if directory != "" {
		projectConfigDir := filepath.Join(directory, ".conductor")
		candidates = append(candidates,
			[2]string{filepath.Join(directory, "conductor.json"), directory},
			[2]string{filepath.Join(directory, "conductor.jsonc"), directory},
			[2]string{filepath.Join(projectConfigDir, "conductor.json"), projectConfigDir},
			[2]string{filepath.Join(projectConfigDir, "conductor.jsonc"), projectConfigDir},
		)
	}

	if configPath := os.Getenv("CONDUCTOR_CONFIG"); configPath != "" {
		candidates = append(candidates, [2]string{configPath, filepath.Dir(configPath)})
	}

	for _, c := range candidates {
		if err := loadOnce(c[0], c[1]); err != nil {
			return nil, err
		}
	}

	if content := os.Getenv("CONDUCTOR_CONFIG_CONTENT"); content != "" {
		var inline Config
		if err := json.Unmarshal(jsonc.ToJSON([]byte(content)), &inline); err != nil {
			return nil, &FileError{Path: "CONDUCTOR_CONFIG_CONTENT", Err: err}
		}
		mergeConfig(config, &inline)
	}

	applyEnvOverrides(config)
	return config, nil
}

// FileError reports a config source that exists but cannot be parsed.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string { return "config " + e.Path + ": " + e.Err.Error() }
func (e *FileError) Unwrap() error { return e.Err }

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = jsonc.ToJSON(data)
	data = interpolate(data, baseDir)

	var fileConfig Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := envPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		return jsonEscape(os.Getenv(envPattern.FindStringSubmatch(match)[1]))
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]
		if strings.HasPrefix(filePath, "~/") {
			filePath = filepath.Join(os.Getenv("HOME"), filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match
		}
		return jsonEscape(strings.TrimRight(string(content), "\n"))
	})

	return []byte(str)
}

func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}

// mergeConfig merges source config into target. Set fields of source win.
func mergeConfig(target, source *Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}

	if source.Digest != nil {
		if target.Digest == nil {
			target.Digest = &DigestConfig{}
		}
		if source.Digest.Enabled != nil {
			target.Digest.Enabled = source.Digest.Enabled
		}
		if source.Digest.MaxAttempts > 0 {
			target.Digest.MaxAttempts = source.Digest.MaxAttempts
		}
	}

	if source.Notifications != nil && source.Notifications.Enabled != nil {
		target.Notifications = &NotificationsConfig{Enabled: source.Notifications.Enabled}
	}

	if source.Defaults != nil {
		if target.Defaults == nil {
			target.Defaults = &types.RequestParams{}
		}
		if source.Defaults.Model != "" {
			target.Defaults.Model = source.Defaults.Model
		}
		if source.Defaults.ExecutionMode != "" {
			target.Defaults.ExecutionMode = source.Defaults.ExecutionMode
		}
		if source.Defaults.ThinkingLevel != "" {
			target.Defaults.ThinkingLevel = source.Defaults.ThinkingLevel
		}
		if len(source.Defaults.AllowedTools) > 0 {
			target.Defaults.AllowedTools = source.Defaults.AllowedTools
		}
	}

	if source.Tools != nil {
		if target.Tools == nil {
			target.Tools = &ToolsConfig{}
		}
		if len(source.Tools.Question) > 0 {
			target.Tools.Question = source.Tools.Question
		}
		if len(source.Tools.ExitPlan) > 0 {
			target.Tools.ExitPlan = source.Tools.ExitPlan
		}
		if len(source.Tools.ReadFile) > 0 {
			target.Tools.ReadFile = source.Tools.ReadFile
		}
	}

	if source.Draft != nil && source.Draft.Debounce > 0 {
		target.Draft = &DraftConfig{Debounce: source.Draft.Debounce}
	}

	if source.Server != nil {
		if target.Server == nil {
			target.Server = &ServerConfig{}
		}
		if source.Server.Port != 0 {
			target.Server.Port = source.Server.Port
		}
		if source.Server.Hostname != "" {
			target.Server.Hostname = source.Server.Hostname
		}
	}

	if source.Topics != nil {
		if target.Topics == nil {
			target.Topics = &TopicsConfig{}
		}
		if source.Topics.Events != "" {
			target.Topics.Events = source.Topics.Events
		}
		if source.Topics.Commands != "" {
			target.Topics.Commands = source.Topics.Commands
		}
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *Config) {
	if level := os.Getenv("CONDUCTOR_LOG_LEVEL"); level != "" {
		config.LogLevel = level
	}

	if model := os.Getenv("CONDUCTOR_MODEL"); model != "" {
		if config.Defaults == nil {
			config.Defaults = &types.RequestParams{}
		}
		config.Defaults.Model = model
	}

	if v, ok := envBool("CONDUCTOR_DIGEST"); ok {
		if config.Digest == nil {
			config.Digest = &DigestConfig{}
		}
		config.Digest.Enabled = &v
	}

	if v, ok := envBool("CONDUCTOR_NOTIFICATIONS"); ok {
		config.Notifications = &NotificationsConfig{Enabled: &v}
	}

	if port, err := strconv.Atoi(os.Getenv("CONDUCTOR_PORT")); err == nil && port > 0 {
		if config.Server == nil {
			config.Server = &ServerConfig{}
		}
		config.Server.Port = port
	}
}

func envBool(key string) (bool, bool) {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return false, false
	}
	return v, true
}

// Files returns the absolute paths of the config files that were loaded.
func (c *Config) Files() []string {
	return append([]string(nil), c.files...)
}

// Settings converts the config into state machine settings.
func (c *Config) Settings() session.Settings {
	s := session.DefaultSettings()
	if c.Digest != nil {
		if c.Digest.Enabled != nil {
			s.DigestEnabled = *c.Digest.Enabled
		}
		if c.Digest.MaxAttempts > 0 {
			s.DigestMaxAttempts = c.Digest.MaxAttempts
		}
	}
	if c.Notifications != nil && c.Notifications.Enabled != nil {
		s.NotificationsEnabled = *c.Notifications.Enabled
	}
	if c.Tools != nil {
		if len(c.Tools.Question) > 0 {
			s.QuestionTools = c.Tools.Question
		}
		if len(c.Tools.ExitPlan) > 0 {
			s.ExitPlanTools = c.Tools.ExitPlan
		}
		if len(c.Tools.ReadFile) > 0 {
			s.ReadTools = c.Tools.ReadFile
		}
	}
	if c.Defaults != nil {
		s.Defaults = *c.Defaults
	}
	return s
}

// DraftDebounce returns the draft save delay, zero meaning the default.
func (c *Config) DraftDebounce() time.Duration {
	if c.Draft == nil {
		return 0
	}
	return time.Duration(c.Draft.Debounce) * time.Millisecond
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() (string, int) {
	host, port := DefaultHostname, DefaultPort
	if c.Server != nil {
		if c.Server.Hostname != "" {
			host = c.Server.Hostname
		}
		if c.Server.Port != 0 {
			port = c.Server.Port
		}
	}
	return host, port
}

// EventsTopic returns the topic agent events arrive on.
func (c *Config) EventsTopic() string {
	if c.Topics != nil && c.Topics.Events != "" {
		return c.Topics.Events
	}
	return DefaultEventsTopic
}

// CommandsTopic returns the topic backend commands are published to.
func (c *Config) CommandsTopic() string {
	if c.Topics != nil && c.Topics.Commands != "" {
		return c.Topics.Commands
	}
	return DefaultCommandsTopic
}

// Save saves the configuration to a file.
func Save(config *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
