package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmemory/openmemory-go/pkg/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, config.ModeDevelopment, cfg.Mode)
	assert.Equal(t, config.BackendEmbedded, cfg.MetadataBackend)
	assert.Equal(t, config.EmbedSynthetic, cfg.EmbedKind)
	assert.Equal(t, 256, cfg.VecDim)
	assert.Equal(t, 24*time.Hour, cfg.DecayInterval)
	assert.Equal(t, 0.5, cfg.DecayRatio)
	assert.True(t, cfg.AutoReflect)
	assert.True(t, cfg.HybridFusion)
	assert.Equal(t, int64(1_000_000), cfg.MaxPayloadSize)
	assert.Equal(t, "./data/openmemory.db", cfg.DBPath)
	assert.Equal(t, "./data/backups", cfg.BackupDir)
	assert.Equal(t, "http", cfg.Protocol())
}

func TestLoad_BoolParsing(t *testing.T) {
	for _, v := range []string{"1", "true", "yes"} {
		t.Setenv("STRICT_TENANT", v)
		cfg, err := config.Load()
		require.NoError(t, err)
		assert.True(t, cfg.StrictTenant, "value %q", v)
	}
	t.Setenv("STRICT_TENANT", "0")
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.False(t, cfg.StrictTenant)
}

func TestLoad_RemoteRequiresDSN(t *testing.T) {
	t.Setenv("METADATA_BACKEND", "remote")
	_, err := config.Load()
	require.Error(t, err)

	t.Setenv("PG_DSN", "postgres://localhost/openmemory?sslmode=disable")
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, config.BackendRemote, cfg.MetadataBackend)
	assert.Equal(t, "openmemory_", cfg.PGPrefix)
}

func TestLoad_ProductionProtocol(t *testing.T) {
	t.Setenv("MODE", "production")
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "https", cfg.Protocol())
}

func TestHolder_Reload(t *testing.T) {
	t.Setenv("PORT", "9001")
	cfg, err := config.Load()
	require.NoError(t, err)
	holder := config.NewHolder(cfg)
	assert.Equal(t, 9001, holder.Get().Port)

	t.Setenv("PORT", "9002")
	_, err = holder.Reload()
	require.NoError(t, err)
	assert.Equal(t, 9002, holder.Get().Port)
}
