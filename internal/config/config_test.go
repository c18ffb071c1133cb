package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("CONTENT_ENGINE_DATA", "/srv/content")
	t.Setenv("CONTENT_ENGINE_LOCK_TTL", "90s")
	t.Setenv("CONTENT_ENGINE_CLONE_BATCH", "25")
	t.Setenv("CONTENT_ENGINE_TX_RETRIES", "not-a-number")

	cfg := FromEnv()
	assert.Equal(t, "/srv/content", cfg.DataDir)
	assert.Equal(t, filepath.Join("/srv/content", "content.db"), cfg.DBPath)
	assert.Equal(t, 90*time.Second, cfg.LockTTL)
	assert.Equal(t, 25, cfg.CloneBatchSize)
	assert.Equal(t, 5, cfg.TxRetries)
	assert.Equal(t, filepath.Join("/srv/content", "repos"), cfg.ReposDir())
}

func TestDefaultTypes(t *testing.T) {
	tc, err := LoadTypes("")
	require.NoError(t, err)

	org, ok := tc.Find("x-oli-organization")
	require.True(t, ok)
	assert.True(t, org.Structural)

	act, ok := tc.Find("x-oli-embed-activity")
	require.True(t, ok)
	assert.True(t, act.JSON)

	assert.Equal(t, "content/package.xml", tc.Layout.Manifest)
}

func TestLoadTypesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "types.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
types:
  - id: page
    segment: pages
    validator: xml-page
`), 0o644))

	tc, err := LoadTypes(path)
	require.NoError(t, err)
	require.Len(t, tc.Types, 1)
	assert.Equal(t, "pages", tc.Types[0].Segment)
}

func TestParseTypesRejectsDuplicates(t *testing.T) {
	_, err := ParseTypes([]byte(`
types:
  - {id: a, segment: a, validator: xml-page}
  - {id: a, segment: b, validator: xml-page}
`))
	assert.Error(t, err)
}
