package config

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Transfer.MaxParallel)
	assert.Equal(t, int64(4*1024*1024), cfg.Transfer.ChunkSize)
	assert.Equal(t, "basic", cfg.Index.Mode)
	assert.Equal(t, 20, cfg.Search.Limit)
	assert.Empty(t, cfg.Search.Weights)
	assert.Equal(t, []string{"/media", "/run/media", "/mnt"}, cfg.Storage.MountRoots)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("TRANSFER_MAX_PARALLEL", "2")
	t.Setenv("INDEX_MODE", "full")
	t.Setenv("CACHE_MAX_ENTRIES", "10")
	t.Setenv("SEARCH_WEIGHTS", "core:1.5,medical:0.5")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Transfer.MaxParallel)
	assert.Equal(t, "full", cfg.Index.Mode)
	assert.Equal(t, 10, cfg.Cache.MaxEntries)
	assert.Equal(t, map[string]float64{"core": 1.5, "medical": 0.5}, cfg.Search.Weights)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "unknown index mode",
			env:     map[string]string{"INDEX_MODE": "phrase"},
			wantErr: "INDEX_MODE",
		},
		{
			name:    "zero parallelism",
			env:     map[string]string{"TRANSFER_MAX_PARALLEL": "0"},
			wantErr: "TRANSFER_MAX_PARALLEL",
		},
		{
			name: "critical above low",
			env: map[string]string{
				"STORAGE_LOW_SPACE_BYTES":      "100",
				"STORAGE_CRITICAL_SPACE_BYTES": "200",
			},
			wantErr: "critical space threshold",
		},
		{
			name:    "negative search weight",
			env:     map[string]string{"SEARCH_WEIGHTS": "core:-1"},
			wantErr: "SEARCH_WEIGHTS",
		},
		{
			name:    "malformed search weights",
			env:     map[string]string{"SEARCH_WEIGHTS": "core"},
			wantErr: "SEARCH_WEIGHTS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"Warn":    slog.LevelWarn,
		"ERROR":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}

	for in, want := range tests {
		cfg := &Config{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel(), in)
	}
}
