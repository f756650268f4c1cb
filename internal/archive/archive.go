// Package archive packs a dataset directory into a zip for cold storage
// or migration, optionally wrapped in age authenticated encryption. The
// key is supplied out-of-band (an environment variable named by the
// manifest's encryption policy) and is never embedded in the archive.
package archive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"filippo.io/age"
	"github.com/klauspost/compress/flate"

	"github.com/interchange-dev/packmirror/internal/record"
)

// ageHeader prefixes every age v1 ciphertext.
const ageHeader = "age-encryption.org/v1"

// scryptWorkFactor is the age scrypt cost parameter (log2 N). Tests
// lower it to keep key derivation fast.
var scryptWorkFactor = 18

// Pack zips the pack directory into outPath. A non-empty passphrase
// wraps the zip bytes in age scrypt authenticated encryption.
func Pack(packDir, outPath, passphrase string) error {
	zipBytes, err := zipDirectory(packDir)
	if err != nil {
		return err
	}

	payload := zipBytes
	if passphrase != "" {
		payload, err = encrypt(zipBytes, passphrase)
		if err != nil {
			return err
		}
	}

	if err := os.WriteFile(outPath, payload, 0o644); err != nil {
		return record.WrapStorageIO("write archive "+outPath, err)
	}
	return nil
}

// Unpack reverses Pack into outDir. For an encrypted archive the whole
// payload is decrypted and authenticated in memory before any file is
// written: a tampered or corrupted archive fails closed with
// DecryptionFailed and zero partial writes.
func Unpack(archivePath, outDir, passphrase string) error {
	payload, err := os.ReadFile(archivePath)
	if err != nil {
		return record.WrapStorageIO("read archive "+archivePath, err)
	}

	if bytes.HasPrefix(payload, []byte(ageHeader)) {
		if passphrase == "" {
			return record.NewManifestInvalid("archive is encrypted but no key was supplied")
		}
		payload, err = decrypt(payload, passphrase)
		if err != nil {
			return record.NewDecryptionFailed(err)
		}
	}

	return unzipTo(payload, outDir)
}

// zipDirectory builds a deterministic zip of every file under dir:
// entries in sorted relative-path order, zero timestamps, deflate via
// the klauspost encoder.
func zipDirectory(dir string) ([]byte, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, record.WrapStorageIO("walk pack directory", err)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	for _, path := range paths {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil, record.WrapStorageIO("resolve archive path", err)
		}

		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:   filepath.ToSlash(rel),
			Method: zip.Deflate,
		})
		if err != nil {
			return nil, fmt.Errorf("create archive entry %s: %w", rel, err)
		}

		f, err := os.Open(path)
		if err != nil {
			return nil, record.WrapStorageIO("open "+path, err)
		}
		_, copyErr := io.Copy(w, f)
		f.Close()
		if copyErr != nil {
			return nil, record.WrapStorageIO("archive "+rel, copyErr)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}
	return buf.Bytes(), nil
}

// unzipTo extracts a zip payload under outDir, rejecting entries that
// would escape it.
func unzipTo(payload []byte, outDir string) error {
	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return fmt.Errorf("open archive payload: %w", err)
	}

	for _, entry := range zr.File {
		name := filepath.FromSlash(entry.Name)
		if strings.Contains(name, "..") || filepath.IsAbs(name) {
			return fmt.Errorf("archive entry %q escapes the output directory", entry.Name)
		}
		dest := filepath.Join(outDir, name)

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return record.WrapStorageIO("create "+filepath.Dir(dest), err)
		}

		rc, err := entry.Open()
		if err != nil {
			return fmt.Errorf("open archive entry %s: %w", entry.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("read archive entry %s: %w", entry.Name, err)
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return record.WrapStorageIO("write "+dest, err)
		}
	}
	return nil
}

func encrypt(plaintext []byte, passphrase string) ([]byte, error) {
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt recipient: %w", err)
	}
	recipient.SetWorkFactor(scryptWorkFactor)

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return buf.Bytes(), nil
}

// decrypt authenticates and decrypts the full ciphertext in memory.
// Any tampering surfaces here, before a single byte reaches disk.
func decrypt(ciphertext []byte, passphrase string) ([]byte, error) {
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, err
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}
