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
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "/var/lib/dicomgw", cfg.DataRoot)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, DefaultSCPPort, cfg.SCP.Port)
	assert.Equal(t, "DICOMGW", cfg.SCP.AETitle)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Empty(t, cfg.Metrics.Addr)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  format: json
data_root: /srv/dicom
shutdown_timeout: 45s
database:
  host: db.internal
  port: 5433
  password: secret
scp:
  port: 10411
  ae_title: ARCHIVE
  allowed_calling_aes:
    - CT_FLOOR2
    - MR_FLOOR1
  timeouts:
    idle: 2m
forwarder:
  workers: 8
  verify_before_send: true
backoff:
  base: 10s
  max: 30m
metrics:
  addr: ":9200"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "/srv/dicom", cfg.DataRoot)
	assert.Equal(t, 45*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, 10411, cfg.SCP.Port)
	assert.Equal(t, "ARCHIVE", cfg.SCP.AETitle)
	assert.Equal(t, []string{"CT_FLOOR2", "MR_FLOOR1"}, cfg.SCP.AllowedCallingAEs)
	assert.Equal(t, 2*time.Minute, cfg.SCP.Timeouts.Idle)
	assert.Equal(t, 8, cfg.Forwarder.Workers)
	assert.True(t, cfg.Forwarder.VerifyBeforeSend)
	assert.Equal(t, 10*time.Second, cfg.Backoff.Base)
	assert.Equal(t, 30*time.Minute, cfg.Backoff.Max)
	assert.Equal(t, ":9200", cfg.Metrics.Addr)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: info
data_root: /srv/dicom
`)
	t.Setenv("DICOMGW_LOGGING_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
}

func TestBareIntegerDurationsAreSeconds(t *testing.T) {
	path := writeConfig(t, `
shutdown_timeout: 45
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.ShutdownTimeout)
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: verbose
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oneof")
}

func TestValidateRejectsPortOutOfRange(t *testing.T) {
	path := writeConfig(t, `
scp:
  port: 70000
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max")
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := GetDefaultConfig()
	assert.NoError(t, Validate(cfg))
}

func TestServerTLSUnconfigured(t *testing.T) {
	var c TLSConfig
	tc, err := c.ServerTLS()
	require.NoError(t, err)
	assert.Nil(t, tc)
}

func TestServerTLSHalfConfigured(t *testing.T) {
	c := TLSConfig{ServerCert: "/etc/dicomgw/server.pem"}
	_, err := c.ServerTLS()
	assert.Error(t, err)
}

func TestClientTLSDefaults(t *testing.T) {
	var c TLSConfig
	tc, err := c.ClientTLS()
	require.NoError(t, err)
	require.NotNil(t, tc)
	assert.False(t, tc.InsecureSkipVerify)
	assert.Nil(t, tc.RootCAs)
}

func TestClientTLSInsecure(t *testing.T) {
	c := TLSConfig{InsecureSkipVerify: true}
	tc, err := c.ClientTLS()
	require.NoError(t, err)
	assert.True(t, tc.InsecureSkipVerify)
}
