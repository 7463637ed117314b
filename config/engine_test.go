package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEngine_ReturnsDefaultsWhenFileMissing(t *testing.T) {
	e, err := LoadEngine(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, defaultEngine(), e)
}

func TestLoadEngine_OverridesOnlySpecifiedFields(t *testing.T) {
	dir := t.TempDir()
	yaml := "model_size: large\nlanguage: en\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	e, err := LoadEngine(dir)
	require.NoError(t, err)
	assert.Equal(t, "large", e.ModelSize)
	assert.Equal(t, "en", e.Language)
	assert.Equal(t, defaultEngine().Device, e.Device, "unspecified fields keep their default")
}

func TestLoadEngine_RejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("not: valid: yaml: ["), 0o644))

	_, err := LoadEngine(dir)
	assert.Error(t, err)
}
