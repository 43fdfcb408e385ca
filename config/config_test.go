package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stashgate/stashgate/config"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalConfig = `
download:
  bucket: media
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load([]string{writeConfigFile(t, minimalConfig)}, nil)
	require.NoError(t, err)

	assert.Equal(t, 5710, cfg.Server.Port)
	assert.Equal(t, "X-User-Id", cfg.Server.IdentityHeader)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, "stashgate_cells", cfg.Database.Table)
	assert.Equal(t, "auto", cfg.Storage.Signer.Region)
	assert.Equal(t, "s3", cfg.Storage.Signer.Service)
	assert.Equal(t, 120, cfg.Download.MaxTTLMinutes)
	assert.True(t, cfg.Download.OneTime)
	assert.Equal(t, time.Hour, cfg.Download.DedupWindow)
	assert.Equal(t, 50, cfg.Upload.UserLimit)
	assert.Contains(t, cfg.Upload.AllowedExtensions, "jpg")
	assert.Equal(t, "media", cfg.Download.Bucket)
	assert.Equal(t, "media", cfg.Upload.Bucket, "upload bucket mirrors download bucket")
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFileOverrides(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 9090
download:
  bucket: media
  max_ttl_minutes: 30
  one_time: false
upload:
  bucket: uploads-bucket
  allowed_extensions: [pdf]
storage:
  endpoint: http://127.0.0.1:9000
  account:
    account_id: acct
    access_key_id: key
    secret_access_key: secret
log:
  level: debug
  format: json
`)

	cfg, err := config.Load([]string{path}, nil)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 30, cfg.Download.MaxTTLMinutes)
	assert.False(t, cfg.Download.OneTime)
	assert.Equal(t, "uploads-bucket", cfg.Upload.Bucket)
	assert.Equal(t, []string{"pdf"}, cfg.Upload.AllowedExtensions)
	assert.Equal(t, "http://127.0.0.1:9000", cfg.Storage.Signer.Endpoint)
	assert.True(t, cfg.Storage.Account.Valid())
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFlagOverrides(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("port", 0, "")
	flags.String("db-type", "", "")
	require.NoError(t, flags.Parse([]string{"--port=7777", "--db-type=memory"}))

	cfg, err := config.Load([]string{writeConfigFile(t, minimalConfig)}, flags)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Database.Type)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("STASHGATE_SERVER_PORT", "8123")

	cfg, err := config.Load([]string{writeConfigFile(t, minimalConfig)}, nil)
	require.NoError(t, err)
	assert.Equal(t, 8123, cfg.Server.Port)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "missing bucket", content: `log: {level: info, format: text}`},
		{name: "bad log level", content: minimalConfig + `
log:
  level: loud
  format: text
`},
		{name: "bad database type", content: minimalConfig + `
database:
  type: cassandra
`},
		{name: "port out of range", content: minimalConfig + `
server:
  port: 99999
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load([]string{writeConfigFile(t, tt.content)}, nil)
			assert.Error(t, err)
		})
	}
}
