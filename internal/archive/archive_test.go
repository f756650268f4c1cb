package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/interchange-dev/packmirror/internal/canon"
	"github.com/interchange-dev/packmirror/internal/pack"
	"github.com/interchange-dev/packmirror/internal/record"
)

func init() {
	// Keep scrypt cheap in tests; the work factor is recorded in the age
	// header, so decryption follows automatically.
	scryptWorkFactor = 10
}

func buildTestPack(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	m := record.DefaultManifest("captures", "api_capture", "wiki", "article")
	require.NoError(t, pack.Init(dir, m))

	w := pack.NewWriter(dir)
	for _, key := range []string{"Q1", "Q2"} {
		rec, err := record.New(
			"api_capture", "wiki", "article", key,
			canon.Object{"url": canon.String("https://example.org/" + key)},
			canon.Object{"body": canon.String("body of " + key)},
			record.Provenance{Runner: "test"},
		)
		require.NoError(t, err)
		rec.ObservedAt = time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
		require.NoError(t, w.Append(rec))
	}
	return dir
}

func readTree(t *testing.T, dir string) map[string][]byte {
	t.Helper()
	out := make(map[string][]byte)
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		require.NoError(t, err)
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		require.NoError(t, err)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		out[filepath.ToSlash(rel)] = data
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestPackUnpackRoundTrip(t *testing.T) {
	src := buildTestPack(t)
	archivePath := filepath.Join(t.TempDir(), "captures.zip")
	require.NoError(t, Pack(src, archivePath, ""))

	out := t.TempDir()
	require.NoError(t, Unpack(archivePath, out, ""))

	want := readTree(t, src)
	got := readTree(t, out)
	require.Equal(t, len(want), len(got))
	for rel, data := range want {
		assert.Equal(t, data, got[rel], "file %s must round-trip byte-identical", rel)
	}

	// The unpacked index is usable and rebuildable.
	n, err := pack.RebuildIndex(out)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEncryptedRoundTrip(t *testing.T) {
	src := buildTestPack(t)
	archivePath := filepath.Join(t.TempDir(), "captures.zip.age")
	require.NoError(t, Pack(src, archivePath, "correct horse battery staple"))

	// The ciphertext carries the age header and none of the plaintext.
	data, err := os.ReadFile(archivePath)
	require.NoError(t, err)
	assert.True(t, len(data) > len(ageHeader))
	assert.Equal(t, ageHeader, string(data[:len(ageHeader)]))
	assert.NotContains(t, string(data), "manifest.json")

	out := t.TempDir()
	require.NoError(t, Unpack(archivePath, out, "correct horse battery staple"))
	assert.Equal(t, readTree(t, src), readTree(t, out))
}

func TestUnpackWrongPassphraseFailsClosed(t *testing.T) {
	src := buildTestPack(t)
	archivePath := filepath.Join(t.TempDir(), "captures.zip.age")
	require.NoError(t, Pack(src, archivePath, "right"))

	out := t.TempDir()
	err := Unpack(archivePath, out, "wrong")
	require.Error(t, err)
	assert.True(t, record.IsDecryptionFailed(err))

	entries, readErr := os.ReadDir(out)
	require.NoError(t, readErr)
	assert.Empty(t, entries, "zero partial writes on failed decryption")
}

func TestUnpackTamperedArchiveFailsClosed(t *testing.T) {
	src := buildTestPack(t)
	archivePath := filepath.Join(t.TempDir(), "captures.zip.age")
	require.NoError(t, Pack(src, archivePath, "passphrase"))

	// Flip one byte near the end of the ciphertext body.
	data, err := os.ReadFile(archivePath)
	require.NoError(t, err)
	data[len(data)-10] ^= 0xFF
	require.NoError(t, os.WriteFile(archivePath, data, 0o644))

	out := t.TempDir()
	err = Unpack(archivePath, out, "passphrase")
	require.Error(t, err)
	assert.True(t, record.IsDecryptionFailed(err))

	entries, readErr := os.ReadDir(out)
	require.NoError(t, readErr)
	assert.Empty(t, entries, "zero partial writes on tampered archive")
}

func TestUnpackEncryptedWithoutKey(t *testing.T) {
	src := buildTestPack(t)
	archivePath := filepath.Join(t.TempDir(), "captures.zip.age")
	require.NoError(t, Pack(src, archivePath, "passphrase"))

	err := Unpack(archivePath, t.TempDir(), "")
	require.Error(t, err)
	assert.True(t, record.IsManifestInvalid(err))
}
