package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(configPathEnvVariable, "")
	t.Setenv("RBROKER_URLS", "")
	t.Setenv("RBROKER_JOURNAL_PATH", "")
	t.Setenv("RBROKER_INTERPRETERS", "")
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := New()
	require.NoError(t, err)
	b, err := Load(cfg)
	require.NoError(t, err)

	home, _ := os.UserHomeDir()
	assert.Equal(t, defaultURLs, b.URLs)
	assert.Equal(t, filepath.Join(home, ".rbroker", "sessions.db"), b.JournalPath)
	assert.Equal(t, "rbroker", b.Name)
	assert.Empty(t, b.Interpreters)
}

func TestLoad_ConfigFileOverridesDefault(t *testing.T) {
	isolate(t)

	configPath := filepath.Join(t.TempDir(), "config.json")
	content := `{"journal": {"path": "/from/config/file.db"}, "interpreters": {"r43": "/opt/R/4.3"}}`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))
	t.Setenv(configPathEnvVariable, configPath)

	cfg, err := New()
	require.NoError(t, err)
	b, err := Load(cfg)
	require.NoError(t, err)

	assert.Equal(t, "/from/config/file.db", b.JournalPath)
	assert.Equal(t, map[string]string{"r43": "/opt/R/4.3"}, b.Interpreters)
}

func TestLoad_EnvOverridesConfigFile(t *testing.T) {
	isolate(t)

	configPath := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"journal": {"path": "/from/file.db"}}`), 0644))
	t.Setenv(configPathEnvVariable, configPath)
	t.Setenv("RBROKER_JOURNAL_PATH", "/from/env.db")
	t.Setenv("RBROKER_INTERPRETERS", "a=/opt/A, b=/opt/B")

	cfg, err := New()
	require.NoError(t, err)
	b, err := Load(cfg)
	require.NoError(t, err)

	assert.Equal(t, "/from/env.db", b.JournalPath)
	assert.Equal(t, map[string]string{"a": "/opt/A", "b": "/opt/B"}, b.Interpreters)
	assert.Equal(t, []string{"a", "b"}, b.InterpreterIDs())
}

func TestLoad_FlagsOverrideEverything(t *testing.T) {
	isolate(t)
	t.Setenv("RBROKER_URLS", "http://127.0.0.1:9999")

	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"--urls", "http://127.0.0.1:0",
		"--security.secret", "s3cret",
		"--lifetime.parent-pid", "42",
		"--interpreters", "local=/opt/R",
		"--logging.log-packets",
	}))

	cfg, err := New()
	require.NoError(t, err)
	require.NoError(t, BindFlags(cfg, fs))

	b, err := Load(cfg)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:0", b.URLs)
	assert.Equal(t, "s3cret", b.Secret)
	assert.Equal(t, 42, b.ParentPID)
	assert.True(t, b.LogPackets)
	assert.Equal(t, map[string]string{"local": "/opt/R"}, b.Interpreters)
}

func TestParseInterpreters_RejectsMalformedPair(t *testing.T) {
	_, err := parseInterpreters([]string{"no-equals-sign"})
	assert.Error(t, err)

	_, err = parseInterpreters(map[string]interface{}{"x": 3})
	assert.Error(t, err)
}
