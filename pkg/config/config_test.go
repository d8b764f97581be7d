package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Mining.WorkTTL)
	assert.Equal(t, 10*time.Minute, cfg.Mining.ProofTTL)
	assert.Equal(t, 3, cfg.Mining.MinMbps)
	assert.Equal(t, 7, cfg.Mining.MaxMbps)
	assert.Equal(t, 30*time.Second, cfg.Mining.Duration)
	assert.Equal(t, time.Minute, cfg.Mining.RateLimitWindow)
	assert.Equal(t, int64(1024), cfg.Mining.ByteTolerance)
	assert.Equal(t, DevWorkSecret, cfg.Mining.WorkSecret)
	assert.Equal(t, DevProofSecret, cfg.Mining.ProofSecret)
	assert.Equal(t, 20.0, cfg.Security.RateLimit.RequestsPerSecond)
	assert.Equal(t, "./data/audit.log", cfg.Audit.LogPath)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: production
database:
  driver: postgres
  url: postgres://localhost/shards
mining:
  work_secret: file-work-secret-0123456789
  proof_secret: file-proof-secret-0123456789
ice:
  urls: ["stun:stun.l.google.com:19302"]
`), 0o600))
	t.Setenv("SHARDMINER_MINING_PROOF_SECRET", "env-proof-secret-0123456789")
	t.Setenv("SHARDMINER_SERVER_PORT", "9090")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "file-work-secret-0123456789", cfg.Mining.WorkSecret)
	assert.Equal(t, "env-proof-secret-0123456789", cfg.Mining.ProofSecret)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICE.URLs)

	require.NoError(t, cfg.Validate(log.NewEntry(log.New())))
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestMasterSecretDerivation(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("SHARDMINER_MINING_MASTER_SECRET", "a-long-master-secret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Len(t, cfg.Mining.WorkSecret, 32)
	assert.Len(t, cfg.Mining.ProofSecret, 32)
	assert.NotEqual(t, cfg.Mining.WorkSecret, cfg.Mining.ProofSecret)

	again, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, cfg.Mining.WorkSecret, again.Mining.WorkSecret)

	cfg.Environment = EnvProduction
	assert.NoError(t, cfg.Validate(log.NewEntry(log.New())))
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Environment: EnvProduction,
			Database:    DatabaseConfig{Driver: "postgres"},
			Mining: MiningConfig{
				WorkSecret:  "work-secret-0123456789",
				ProofSecret: "proof-secret-0123456789",
			},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"dev work secret", func(c *Config) { c.Mining.WorkSecret = DevWorkSecret }},
		{"dev proof secret", func(c *Config) { c.Mining.ProofSecret = DevProofSecret }},
		{"short secret", func(c *Config) { c.Mining.WorkSecret = "short" }},
		{"shared secret", func(c *Config) { c.Mining.ProofSecret = c.Mining.WorkSecret }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate(log.NewEntry(log.New())))

			logger, hook := test.NewNullLogger()
			cfg.Environment = EnvDevelopment
			require.NoError(t, cfg.Validate(log.NewEntry(logger)))
			assert.NotEmpty(t, hook.AllEntries())
			assert.Equal(t, log.WarnLevel, hook.LastEntry().Level)
		})
	}

	cfg := base()
	cfg.Database.Driver = "mysql"
	assert.Error(t, cfg.Validate(log.NewEntry(log.New())))
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent to testing.T.Chdir in Go 1.24+).
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
