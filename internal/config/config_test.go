package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "supabase", cfg.Storage.Backend)
	assert.Equal(t, "datasets", cfg.Storage.Bucket)
	assert.Equal(t, 0.5, cfg.Ingest.SkipRatioThreshold)
	assert.Equal(t, int64(50<<20), cfg.Ingest.SingleShotThreshold)
	assert.Equal(t, int64(6<<20), cfg.Ingest.ChunkSize)
	assert.Equal(t, 25*time.Second, cfg.Ingest.CatalogDeadline)
	assert.Equal(t, "all", cfg.Ingest.PairPolicy)
	assert.Equal(t, "local", cfg.Retry.Backend)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("SUPABASE_URL", "https://example.supabase.co/")
	t.Setenv("INGEST_SKIP_RATIO", "0.25")
	t.Setenv("INGEST_PAIR_POLICY", "LAST")
	t.Setenv("UPLOAD_CHUNK_BYTES", "1048576")
	t.Setenv("CATALOG_WRITE_DEADLINE", "3s")
	t.Setenv("CATALOG_RETRY_BACKEND", "asynq")
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://app.example.com, ,https://admin.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "https://example.supabase.co", cfg.Storage.SupabaseURL)
	assert.Equal(t, 0.25, cfg.Ingest.SkipRatioThreshold)
	assert.Equal(t, "last", cfg.Ingest.PairPolicy)
	assert.Equal(t, int64(1<<20), cfg.Ingest.ChunkSize)
	assert.Equal(t, 3*time.Second, cfg.Ingest.CatalogDeadline)
	assert.Equal(t, "asynq", cfg.Retry.Backend)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.Server.CORSOrigins)
}

func TestLoad_InvalidNumber(t *testing.T) {
	t.Setenv("UPLOAD_CHUNK_BYTES", "six megabytes")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UPLOAD_CHUNK_BYTES")
}

func TestValidate_ReportsAllMissing(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	for _, key := range []string{"DATABASE_URL", "SUPABASE_JWT_SECRET", "SUPABASE_URL", "SUPABASE_SERVICE_KEY"} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestValidate_UnsupportedBackend(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "ftp")
	cfg, err := Load()
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ftp")
}

func TestIngestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*IngestConfig)
	}{
		{"zero skip ratio", func(c *IngestConfig) { c.SkipRatioThreshold = 0 }},
		{"negative empty ratio", func(c *IngestConfig) { c.EmptyFieldRatioThreshold = -0.1 }},
		{"zero chunk", func(c *IngestConfig) { c.ChunkSize = 0 }},
		{"unknown pair policy", func(c *IngestConfig) { c.PairPolicy = "first" }},
		{"zero deadline", func(c *IngestConfig) { c.CatalogDeadline = 0 }},
	}

	require.NoError(t, DefaultIngestConfig().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultIngestConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
