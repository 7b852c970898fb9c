// ABOUTME: Tests for configuration loading
// ABOUTME: Covers env expansion, duration parsing, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
server:
  http_addr: ":8080"
database:
  path: /tmp/tapbank.db
auth:
  jwt_secret: secret
admin:
  key: admin-key
`

func TestLoad_Minimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, DefaultSessionTTL, cfg.Sessions.TTL)
	assert.Equal(t, DefaultScanWindow, cfg.Sessions.ScanWindow)
	assert.Equal(t, DefaultPIN, cfg.Bank.DefaultPIN)
	assert.Equal(t, DefaultChargeInterval, cfg.Bank.ChargeInterval)
}

func TestLoad_Durations(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
sessions:
  ttl: 10m
  scan_window: 90s
  sweep_interval: 30s
bank:
  charge_interval: 2m
`))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.Sessions.TTL)
	assert.Equal(t, 90*time.Second, cfg.Sessions.ScanWindow)
	assert.Equal(t, 30*time.Second, cfg.Sessions.SweepInterval)
	assert.Equal(t, 2*time.Minute, cfg.Bank.ChargeInterval)
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
sessions:
  ttl: banana
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sessions.ttl")
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TAPBANK_TEST_SECRET", "from-env")

	cfg, err := Load(writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: /tmp/tapbank.db
auth:
  jwt_secret: ${TAPBANK_TEST_SECRET}
admin:
  key: admin-key
`))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
}

func TestLoad_PostgresDriver(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  http_addr: ":8080"
database:
  driver: postgres
  dsn: postgres://tapbank@localhost/tapbank
auth:
  jwt_secret: secret
admin:
  key: admin-key
`))
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)

	// DSN required for the postgres driver
	_, err = Load(writeConfig(t, `
server:
  http_addr: ":8080"
database:
  driver: postgres
auth:
  jwt_secret: secret
admin:
  key: admin-key
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.dsn")
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr string
	}{
		{
			name: "missing http_addr",
			config: `
database:
  path: /tmp/tapbank.db
auth:
  jwt_secret: secret
admin:
  key: admin-key
`,
			wantErr: "server.http_addr",
		},
		{
			name: "missing database path",
			config: `
server:
  http_addr: ":8080"
auth:
  jwt_secret: secret
admin:
  key: admin-key
`,
			wantErr: "database.path",
		},
		{
			name: "missing jwt secret",
			config: `
server:
  http_addr: ":8080"
database:
  path: /tmp/tapbank.db
admin:
  key: admin-key
`,
			wantErr: "auth.jwt_secret",
		},
		{
			name: "missing admin key",
			config: `
server:
  http_addr: ":8080"
database:
  path: /tmp/tapbank.db
auth:
  jwt_secret: secret
`,
			wantErr: "admin.key",
		},
		{
			name: "unknown driver",
			config: `
server:
  http_addr: ":8080"
database:
  driver: oracle
  path: /tmp/tapbank.db
auth:
  jwt_secret: secret
admin:
  key: admin-key
`,
			wantErr: "database.driver",
		},
		{
			name: "gist enabled without credentials",
			config: minimalConfig + `
backup:
  gist:
    enabled: true
`,
			wantErr: "backup.gist",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.config))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_GistDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
backup:
  gist:
    enabled: true
    gist_id: abc123
    token: ghp_test
`))
	require.NoError(t, err)

	assert.Equal(t, DefaultGistDebounce, cfg.Backup.Gist.Debounce)
	assert.Equal(t, "tapbank-backup.json", cfg.Backup.Gist.Filename)
}
