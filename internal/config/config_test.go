package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/conductor/internal/session"
)

// isolate points every config source at an empty temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpDir, ".config"))
	for _, k := range []string{
		"CONDUCTOR_CONFIG", "CONDUCTOR_CONFIG_CONTENT", "CONDUCTOR_LOG_LEVEL",
		"CONDUCTOR_MODEL", "CONDUCTOR_DIGEST", "CONDUCTOR_NOTIFICATIONS", "CONDUCTOR_PORT",
	} {
		t.Setenv(k, "")
	}
	return tmpDir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLoad_Defaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Empty(t, cfg.Files())

	s := cfg.Settings()
	assert.Equal(t, session.DefaultSettings(), s)

	host, port := cfg.Addr()
	assert.Equal(t, DefaultHostname, host)
	assert.Equal(t, DefaultPort, port)
	assert.Equal(t, DefaultEventsTopic, cfg.EventsTopic())
	assert.Equal(t, DefaultCommandsTopic, cfg.CommandsTopic())
	assert.Zero(t, cfg.DraftDebounce())
}

func TestLoad_JSONCProjectConfig(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, ".conductor", "conductor.jsonc"), `{
		// digests off for this project
		"digest": { "enabled": false, "maxAttempts": 5 },
		"notifications": { "enabled": false },
		"defaults": { "model": "opus", "executionMode": "plan", },
		"tools": { "question": ["Ask"], "readFile": ["Read", "View"] },
		"draft": { "debounce": 250 },
		"server": { "port": 9000 },
		"topics": { "events": "ev", "commands": "cmd" },
	}`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, cfg.Files(), 1)

	s := cfg.Settings()
	assert.False(t, s.DigestEnabled)
	assert.Equal(t, 5, s.DigestMaxAttempts)
	assert.False(t, s.NotificationsEnabled)
	assert.Equal(t, "opus", s.Defaults.Model)
	assert.Equal(t, "plan", s.Defaults.ExecutionMode)
	assert.Equal(t, []string{"Ask"}, s.QuestionTools)
	assert.Equal(t, []string{session.DefaultExitPlanTool}, s.ExitPlanTools)
	assert.Equal(t, []string{"Read", "View"}, s.ReadTools)

	assert.Equal(t, 250*time.Millisecond, cfg.DraftDebounce())
	_, port := cfg.Addr()
	assert.Equal(t, 9000, port)
	assert.Equal(t, "ev", cfg.EventsTopic())
	assert.Equal(t, "cmd", cfg.CommandsTopic())
}

func TestLoad_ProjectOverridesGlobal(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, ".config", "conductor", "conductor.json"),
		`{"logLevel":"debug","defaults":{"model":"haiku","thinkingLevel":"think"}}`)
	writeFile(t, filepath.Join(dir, "conductor.json"), `{"defaults":{"model":"opus"}}`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Len(t, cfg.Files(), 2)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "opus", cfg.Defaults.Model)
	assert.Equal(t, "think", cfg.Defaults.ThinkingLevel)
}

func TestLoad_Interpolation(t *testing.T) {
	dir := isolate(t)
	t.Setenv("TEST_MODEL", `so "quoted"`)
	writeFile(t, filepath.Join(dir, ".conductor", "model.txt"), "from-file\n")
	writeFile(t, filepath.Join(dir, ".conductor", "conductor.json"),
		`{"logLevel":"{file:model.txt}","defaults":{"model":"{env:TEST_MODEL}"}}`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, `so "quoted"`, cfg.Defaults.Model)
	assert.Equal(t, "from-file", cfg.LogLevel)
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, "conductor.json"), `{"digest":{"enabled":true},"server":{"port":1}}`)
	t.Setenv("CONDUCTOR_CONFIG_CONTENT", `{"logLevel":"warn"}`)
	t.Setenv("CONDUCTOR_DIGEST", "false")
	t.Setenv("CONDUCTOR_NOTIFICATIONS", "0")
	t.Setenv("CONDUCTOR_MODEL", "sonnet")
	t.Setenv("CONDUCTOR_PORT", "8123")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)

	s := cfg.Settings()
	assert.False(t, s.DigestEnabled)
	assert.False(t, s.NotificationsEnabled)
	assert.Equal(t, "sonnet", s.Defaults.Model)
	_, port := cfg.Addr()
	assert.Equal(t, 8123, port)
}

func TestLoad_ConfigFileEnv(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "elsewhere", "custom.json")
	writeFile(t, path, `{"logLevel":"error"}`)
	t.Setenv("CONDUCTOR_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.LogLevel)
}

func TestLoad_InvalidFile(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, "conductor.json"), `{"digest": nope}`)

	_, err := Load(dir)
	var fe *FileError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Path, "conductor.json")
}

func TestSave(t *testing.T) {
	dir := isolate(t)
	enabled := false
	path := ProjectConfigPath(dir)

	require.NoError(t, Save(&Config{Notifications: &NotificationsConfig{Enabled: &enabled}}, path))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.False(t, cfg.Settings().NotificationsEnabled)
}

func TestGetPaths(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/tmp/data")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/config")

	p := GetPaths()
	assert.Equal(t, "/tmp/data/conductor", p.Data)
	assert.Equal(t, "/tmp/config/conductor", p.Config)
	assert.Equal(t, "/tmp/data/conductor/storage", p.StoragePath())
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "conductor.json")
	writeFile(t, path, `{"digest":{"enabled":true}}`)

	cfg, err := Load(dir)
	require.NoError(t, err)

	reloaded := make(chan *Config, 4)
	w, err := Watch(dir, cfg, func(c *Config) { reloaded <- c })
	require.NoError(t, err)
	defer w.Stop()

	writeFile(t, path, `{"digest":{"enabled":false}}`)

	select {
	case c := <-reloaded:
		assert.False(t, c.Settings().DigestEnabled)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
}

func TestWatch_IgnoresInvalidChange(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "conductor.json")
	writeFile(t, path, `{}`)

	cfg, err := Load(dir)
	require.NoError(t, err)

	reloaded := make(chan *Config, 4)
	w, err := Watch(dir, cfg, func(c *Config) { reloaded <- c })
	require.NoError(t, err)

	writeFile(t, path, `{not json`)
	select {
	case <-reloaded:
		t.Fatal("invalid config must not be applied")
	case <-time.After(500 * time.Millisecond):
	}
	require.NoError(t, w.Stop())
}
