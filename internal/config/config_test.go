package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/histdata/internal/models"
)

const sampleConfig = `
api:
  key_env_var: DATABENTO_API_KEY
  base_url: https://hist.databento.com
  timeout: 30
jobs:
  - name: ohlcv_1d
    api: databento
    dataset: GLBX.MDP3
    schema: ohlcv-1d
    symbols: [ES.c.0, CL.c.0]
    stype_in: continuous
    start_date: 2024-01-01
    end_date: 2024-12-31
    date_chunk_interval_days: 90
retry_policy:
  max_retries: 3
  base_delay: 1.0
  max_delay: 60.0
  backoff_multiplier: 2.0
  retry_on_status_codes: [429, 500, 502, 503, 504]
  respect_retry_after: true
transformation:
  mapping_config_path: configs/databento_mappings.yaml
validation:
  strict_validation: false
  quarantine_invalid_records: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_SampleConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "https://hist.databento.com", cfg.API.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.APITimeout())

	require.Len(t, cfg.Jobs, 1)
	job := cfg.Jobs[0]
	assert.Equal(t, "ohlcv_1d", job.Name)
	assert.Equal(t, models.SchemaOhlcv1d, job.Schema)
	assert.Equal(t, []string{"ES.c.0", "CL.c.0"}, job.Symbols)
	assert.Equal(t, "continuous", job.STypeIn)
	assert.Equal(t, 90, job.ChunkIntervalDays)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), job.StartDate.UTC())

	policy := cfg.RetryPolicy.Policy()
	assert.Equal(t, 3, policy.MaxRetries)
	assert.Equal(t, time.Second, policy.BaseDelay)
	assert.Equal(t, 60*time.Second, policy.MaxDelay)
	assert.True(t, policy.RespectRetryAfter)
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "DATABENTO_API_KEY", cfg.API.KeyEnvVar)
	assert.Equal(t, "dlq", cfg.QuarantineDir)
	assert.True(t, cfg.Validation.QuarantineInvalidRecords)
}

func TestLoad_RejectsDuplicateJobNames(t *testing.T) {
	dup := `
jobs:
  - name: a
    dataset: X
    schema: trades
  - name: a
    dataset: Y
    schema: tbbo
`
	_, err := Load(writeConfig(t, dup))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestAPIKey_FromEnvironment(t *testing.T) {
	cfg := Default()
	t.Setenv("DATABENTO_API_KEY", "db-secret")
	key, err := cfg.APIKey()
	require.NoError(t, err)
	assert.Equal(t, "db-secret", key)

	t.Setenv("DATABENTO_API_KEY", "")
	_, err = cfg.APIKey()
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestDSN_EnvOverridesFile(t *testing.T) {
	cfg := Default()
	cfg.Database = DatabaseConfig{Host: "filehost", DBName: "md", User: "u"}

	t.Setenv("TIMESCALEDB_HOST", "envhost")
	t.Setenv("TIMESCALEDB_PASSWORD", "pw")
	cfg.applyEnv()

	dsn, err := cfg.DSN()
	require.NoError(t, err)
	assert.Contains(t, dsn, "host=envhost")
	assert.Contains(t, dsn, "port=5432")
	assert.Contains(t, dsn, "dbname=md")
	assert.Contains(t, dsn, "password=pw")
	assert.Contains(t, dsn, "sslmode=disable")
}

func TestDSN_RequiresHostAndName(t *testing.T) {
	cfg := Default()
	_, err := cfg.DSN()
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestJobByName(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	job, err := cfg.JobByName("ohlcv_1d")
	require.NoError(t, err)
	assert.Equal(t, "GLBX.MDP3", job.Dataset)

	_, err = cfg.JobByName("missing")
	require.Error(t, err)
}
