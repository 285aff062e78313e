package database

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatestMigrationVersion(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"000001_create_person_tables.up.sql",
		"000001_create_person_tables.down.sql",
		"000003_add_feature_flag_overrides.up.sql",
		"000010_drop.down.sql",
		"notes.up.sql",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o600))
	}

	latest, err := latestMigrationVersion(dir)

	require.NoError(t, err)
	assert.Equal(t, 3, latest)
}

func TestLatestMigrationVersion_Empty(t *testing.T) {
	_, err := latestMigrationVersion(t.TempDir())

	assert.Error(t, err)
}
