// Package pack reads and builds app packages. A package is a zip
// archive with a manifest.json at its root describing the app and the
// tool server it ships.
package pack

import (
	"archive/zip"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/blake2b"

	"github.com/nugget/wares"
)

// ManifestName is the required manifest file at the archive root.
const ManifestName = "manifest.json"

// maxManifestSize bounds the manifest read.
const maxManifestSize = 1 << 20

// ErrNoManifest is returned when an archive has no manifest.json at
// its root.
var ErrNoManifest = errors.New("package has no manifest.json")

var manifestValidator = validator.New(validator.WithRequiredStructEnabled())

// ReadManifest extracts and decodes the manifest from a package
// archive. The manifest is not validated; call Validate separately.
func ReadManifest(data []byte) (*wares.Manifest, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open package: %w", err)
	}

	for _, f := range zr.File {
		if f.Name != ManifestName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open manifest: %w", err)
		}
		defer rc.Close()

		raw, err := io.ReadAll(io.LimitReader(rc, maxManifestSize))
		if err != nil {
			return nil, fmt.Errorf("read manifest: %w", err)
		}

		var m wares.Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode manifest: %w", err)
		}
		return &m, nil
	}
	return nil, ErrNoManifest
}

// Validate checks a manifest for the fields the marketplace requires.
// The error message lists every failing field.
func Validate(m *wares.Manifest) error {
	if err := manifestValidator.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, validationMessage(fe))
			}
			return fmt.Errorf("invalid manifest: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid manifest: %w", err)
	}

	// Cross-field rules the tag syntax can't express.
	switch m.Type {
	case "local":
		if m.Entry == "" {
			return errors.New("invalid manifest: local apps require entry")
		}
	case "remote":
		if m.URL == "" {
			return errors.New("invalid manifest: remote apps require url")
		}
	}
	return nil
}

func validationMessage(fe validator.FieldError) string {
	field := strings.ToLower(fe.StructField())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// Checksum returns the BLAKE2b-256 digest of a package archive as a
// lowercase hex string. The registry records it at install time so
// upgrades and tamper checks can compare archives cheaply.
func Checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Entries lists the file names in a package archive, sorted.
// Directory entries are omitted.
func Entries(data []byte) ([]string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open package: %w", err)
	}

	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names, nil
}

// Build zips the contents of dir into a package archive. dir must
// contain a manifest.json at its root; the manifest is validated
// before anything is written. Dot-directories (.git and friends) are
// skipped.
func Build(dir string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ManifestName, err)
	}
	var m wares.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := Validate(&m); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		// Zip entries always use forward slashes.
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()

		_, err = io.Copy(w, src)
		return err
	})
	if err != nil {
		zw.Close()
		return nil, fmt.Errorf("pack %s: %w", dir, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize package: %w", err)
	}
	return buf.Bytes(), nil
}
