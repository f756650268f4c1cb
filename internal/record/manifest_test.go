package record

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultManifest(t *testing.T) {
	m := DefaultManifest("captures", "api_capture", "wiki", "article")

	assert.Equal(t, DirectionBidirectional, m.SyncPolicy.DirectionDefault)
	assert.Equal(t, StrategyPreferNewest, m.SyncPolicy.ConflictStrategy)
	assert.True(t, m.RedactionPolicy.Enabled)
	assert.False(t, m.EncryptionPolicy.Enabled)
	require.NoError(t, m.ValidateFor(OpSync))
}

func TestValidateForFailsClosedOnMissingSQLTarget(t *testing.T) {
	m := DefaultManifest("captures", "api_capture", "wiki", "article")
	m.SQLTarget.Table = ""

	for _, op := range []Operation{OpImport, OpExport, OpSync} {
		err := m.ValidateFor(op)
		require.Error(t, err, "op %s must fail without sql_target", op)
		assert.True(t, IsManifestInvalid(err))
	}

	// Operations that never touch SQL still pass.
	assert.NoError(t, m.ValidateFor(OpPack))
	assert.NoError(t, m.ValidateFor(OpInit))
}

func TestValidateForEncryptedPackNeedsKeySource(t *testing.T) {
	m := DefaultManifest("captures", "api_capture", "wiki", "article")
	m.EncryptionPolicy.Enabled = true
	m.EncryptionPolicy.KeySource = ""

	err := m.ValidateFor(OpPack)
	require.Error(t, err)
	assert.True(t, IsManifestInvalid(err))
}

func TestValidateForRejectsBadPolicyValues(t *testing.T) {
	m := DefaultManifest("captures", "api_capture", "wiki", "article")
	m.SyncPolicy.ConflictStrategy = "newest_wins"

	err := m.ValidateFor(OpSync)
	require.Error(t, err)
	assert.True(t, IsManifestInvalid(err))
}

func TestManifestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := DefaultManifest("captures", "api_capture", "wiki", "article")
	m.Description = "wiki article captures"
	m.Owner = "data-eng"

	require.NoError(t, m.SaveManifest(dir))

	loaded, err := LoadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, m, loaded)
}

func TestLoadManifestToleratesUnknownFields(t *testing.T) {
	dir := t.TempDir()
	payload := `{"dataset_name":"captures","some_future_field":{"x":1}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFileName), []byte(payload), 0o644))

	m, err := LoadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, "captures", m.DatasetName)
}

func TestLoadManifestMissingFile(t *testing.T) {
	_, err := LoadManifest(t.TempDir())
	require.Error(t, err)
	assert.Equal(t, CodeStorageIO, CodeOf(err))
}

func TestParseDirectionAndStrategy(t *testing.T) {
	_, err := ParseDirection("sideways")
	assert.Error(t, err)
	d, err := ParseDirection("sql_to_json")
	require.NoError(t, err)
	assert.Equal(t, DirectionSQLToJSON, d)

	_, err = ParseStrategy("coin_flip")
	assert.Error(t, err)
	s, err := ParseStrategy("fail")
	require.NoError(t, err)
	assert.Equal(t, StrategyFail, s)
}
