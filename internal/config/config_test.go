package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "127.0.0.1", cfg.Listen)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 60, cfg.CheckEverySec)
	assert.Equal(t, 587, cfg.SMTP.Port)
	assert.Equal(t, "rewire@localhost", cfg.SMTP.From)
	assert.Equal(t, 240, cfg.RateLimitPerMinute)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rewire.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_path: /var/lib/rewire.db
base_url: https://rewire.example.com
port: 9090
admin_token: secret
smtp:
  host: mail.example.com
  from: alerts@example.com
webhooks:
  - https://hooks.example.com/a
  - https://hooks.example.com/b
`), 0o600))

	cfg, err := Load(path, Default())
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/rewire.db", cfg.DBPath)
	assert.Equal(t, "https://rewire.example.com", cfg.BaseURL)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "secret", cfg.AdminToken)
	assert.Equal(t, "mail.example.com", cfg.SMTP.Host)
	assert.Equal(t, "alerts@example.com", cfg.SMTP.From)
	assert.Equal(t, []string{"https://hooks.example.com/a", "https://hooks.example.com/b"}, cfg.Webhooks)

	// Untouched keys keep their base values.
	assert.Equal(t, "127.0.0.1", cfg.Listen)
	assert.Equal(t, 60, cfg.CheckEverySec)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), Default())
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("REWIRE_DB", "/tmp/env.db")
	t.Setenv("REWIRE_PORT", "7070")
	t.Setenv("REWIRE_ADMIN_TOKEN", "env-token")
	t.Setenv("REWIRE_SMTP_HOST", "smtp.env")
	t.Setenv("REWIRE_CHECK_EVERY", "30")

	cfg := ApplyEnv(Default())
	assert.Equal(t, "/tmp/env.db", cfg.DBPath)
	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, "env-token", cfg.AdminToken)
	assert.Equal(t, "smtp.env", cfg.SMTP.Host)
	assert.Equal(t, 30, cfg.CheckEverySec)
}

func TestApplyEnvIgnoresBadInt(t *testing.T) {
	t.Setenv("REWIRE_PORT", "not-a-number")
	cfg := ApplyEnv(Default())
	assert.Equal(t, 8080, cfg.Port)
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rewire.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestResolveFileOnly(t *testing.T) {
	path := writeConfigFile(t, `
db_path: /var/lib/rewire.db
base_url: https://rewire.example.com
admin_token: file-token
smtp:
  host: mail.example.com
`)

	// No env, no flags set: the file's values must survive into the
	// effective config, and it must validate as-is.
	cfg, err := Resolve(path, Default(), map[string]bool{})
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/rewire.db", cfg.DBPath)
	assert.Equal(t, "https://rewire.example.com", cfg.BaseURL)
	assert.Equal(t, "file-token", cfg.AdminToken)
	assert.Equal(t, "mail.example.com", cfg.SMTP.Host)
	require.NoError(t, cfg.Validate())
}

func TestResolveEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
db_path: /var/lib/file.db
admin_token: file-token
`)
	t.Setenv("REWIRE_DB", "/var/lib/env.db")

	cfg, err := Resolve(path, Default(), map[string]bool{})
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/env.db", cfg.DBPath)
	assert.Equal(t, "file-token", cfg.AdminToken, "env must not disturb other file values")
}

func TestResolveFlagsOverrideFileAndEnv(t *testing.T) {
	path := writeConfigFile(t, `
db_path: /var/lib/file.db
port: 9090
`)
	t.Setenv("REWIRE_DB", "/var/lib/env.db")

	flagCfg := Default()
	flagCfg.DBPath = "/var/lib/flag.db"
	flagCfg.Port = 1234 // parsed but not explicitly set

	cfg, err := Resolve(path, flagCfg, map[string]bool{"db": true})
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/flag.db", cfg.DBPath)
	assert.Equal(t, 9090, cfg.Port, "an unset flag's default must not clobber the file")
}

func TestResolveMissingFile(t *testing.T) {
	_, err := Resolve(filepath.Join(t.TempDir(), "absent.yaml"), Default(), nil)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	good := Default()
	good.DBPath = "/tmp/x.db"
	good.BaseURL = "http://localhost:8080"
	require.NoError(t, good.Validate())

	bad := good
	bad.DBPath = ""
	require.Error(t, bad.Validate())

	bad = good
	bad.BaseURL = ""
	require.Error(t, bad.Validate())

	bad = good
	bad.CheckEverySec = 0
	require.Error(t, bad.Validate())

	bad = good
	bad.RenotifyAfterSec = -1
	require.Error(t, bad.Validate())
}
