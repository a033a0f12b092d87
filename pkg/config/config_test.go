package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 4000, cfg.Chunking.SegmentSize)
	assert.Equal(t, 200, cfg.Chunking.Overlap)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docscope.yaml")
	content := `
chunking:
  segment_size: 8000
  overlap: 400
  strategy: line
sessions:
  max_per_project: 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Chunking.SegmentSize)
	assert.Equal(t, 400, cfg.Chunking.Overlap)
	assert.Equal(t, "line", cfg.Chunking.Strategy)
	assert.Equal(t, 3, cfg.Sessions.MaxPerProject)
	// Untouched sections keep defaults.
	assert.Equal(t, Default().Analysis.Model, cfg.Analysis.Model)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docscope.yaml")
	content := `
chunking:
  segment_size: 4000
  overlap: 4000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overlap")
}

func TestValidateChunkConfig(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		overlap int
		wantErr bool
	}{
		{"valid", 4000, 200, false},
		{"zero overlap", 4000, 0, false},
		{"overlap equals size", 4000, 4000, true},
		{"overlap exceeds size", 4000, 5000, true},
		{"negative overlap", 4000, -1, true},
		{"size below minimum", 100, 0, true},
		{"size above maximum", 100000, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChunkConfig(tt.size, tt.overlap)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidChunkConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
