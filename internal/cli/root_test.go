package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDataDirMovesDatabase(t *testing.T) {
	t.Setenv("CONTENT_ENGINE_DB", "")
	dir := t.TempDir()
	dataDir, dbPath = dir, ""
	t.Cleanup(func() { dataDir = "" })

	cfg := loadConfig()
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "content.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join(dir, "repos"), cfg.ReposDir())
}

func TestLoadConfigExplicitDatabaseWins(t *testing.T) {
	dataDir, dbPath = t.TempDir(), "/tmp/other.db"
	t.Cleanup(func() { dataDir, dbPath = "", "" })

	assert.Equal(t, "/tmp/other.db", loadConfig().DBPath)
}
