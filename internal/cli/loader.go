package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/interchange-dev/packmirror/internal/record"
)

// loadManifestSeed parses a user-authored YAML manifest seed for init.
// Fields omitted in the seed keep the defaults from base. Strict
// decoding: an unknown key in a seed file is a typo worth failing on,
// unlike the fail-open manifest.json read path.
func loadManifestSeed(path string, base record.Manifest) (record.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return record.Manifest{}, record.WrapStorageIO("read seed file "+path, err)
	}

	m := base
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return record.Manifest{}, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	return m, nil
}
