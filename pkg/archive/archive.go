// Package archive reads module archives. An archive is either a zip file or
// a plain directory; both expose the manifest at the root and code units at
// slash-separated paths such as com/example/Economy.unit.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/openfroyo/modhost/pkg/core"
)

const (
	// ManifestJSON is the primary manifest entry.
	ManifestJSON = "module.json"

	// ManifestYAML is accepted when ManifestJSON is absent.
	ManifestYAML = "module.yaml"

	// UnitExt is the extension of code unit entries.
	UnitExt = ".unit"

	// ZipExt is the extension of packed archives.
	ZipExt = ".zip"
)

// Archive gives byte-exact access to named entries.
type Archive interface {
	// Path returns the location the archive was opened from.
	Path() string

	// ReadEntry returns the bytes of a named entry. A missing entry is a NotFound error.
	ReadEntry(name string) ([]byte, error)

	// Exists reports whether a named entry is present.
	Exists(name string) bool

	// Units lists the symbols of all code units in the archive, sorted.
	Units() ([]string, error)

	// Close releases the archive. Further reads fail.
	Close() error
}

type fsArchive struct {
	path   string
	fsys   fs.FS
	closer io.Closer

	mu     sync.RWMutex
	closed bool
}

// Open opens the archive at p. Directories are read in place, anything else
// is treated as a zip file.
func Open(p string) (Archive, error) {
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, core.NewNotFoundError(fmt.Sprintf("archive %s does not exist", p), err)
		}
		return nil, core.NewConfigurationError(fmt.Sprintf("failed to stat archive %s", p), err)
	}

	if info.IsDir() {
		return &fsArchive{path: p, fsys: os.DirFS(p)}, nil
	}

	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, core.NewConfigurationError(fmt.Sprintf("failed to open zip archive %s", p), err)
	}
	return &fsArchive{path: p, fsys: zr, closer: zr}, nil
}

// IsCandidate reports whether p looks like a module archive: a .zip file or
// a directory holding a manifest.
func IsCandidate(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	if !info.IsDir() {
		return strings.EqualFold(filepath.Ext(p), ZipExt)
	}
	for _, name := range []string{ManifestJSON, ManifestYAML} {
		if fi, err := os.Stat(filepath.Join(p, name)); err == nil && fi.Mode().IsRegular() {
			return true
		}
	}
	return false
}

func (a *fsArchive) Path() string {
	return a.path
}

func (a *fsArchive) ReadEntry(name string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, fmt.Errorf("archive %s is closed", a.path)
	}

	data, err := fs.ReadFile(a.fsys, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, core.NewNotFoundError(fmt.Sprintf("entry %s not found in %s", name, a.path), err)
		}
		return nil, fmt.Errorf("failed to read %s from %s: %w", name, a.path, err)
	}
	return data, nil
}

func (a *fsArchive) Exists(name string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed || !fs.ValidPath(name) {
		return false
	}
	info, err := fs.Stat(a.fsys, name)
	return err == nil && !info.IsDir()
}

func (a *fsArchive) Units() ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, fmt.Errorf("archive %s is closed", a.path)
	}

	var symbols []string
	err := fs.WalkDir(a.fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && path.Ext(p) == UnitExt {
			symbols = append(symbols, SymbolForPath(p))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list units in %s: %w", a.path, err)
	}
	sort.Strings(symbols)
	return symbols, nil
}

func (a *fsArchive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}

// UnitPath maps a dotted symbol to its entry path: a.b.C becomes a/b/C.unit.
func UnitPath(symbol string) string {
	return strings.ReplaceAll(symbol, ".", "/") + UnitExt
}

// SymbolForPath is the inverse of UnitPath.
func SymbolForPath(p string) string {
	return strings.ReplaceAll(strings.TrimSuffix(p, UnitExt), "/", ".")
}

// ReadManifest extracts and parses the manifest of a. It does not validate it.
func ReadManifest(a Archive) (*core.Manifest, error) {
	switch {
	case a.Exists(ManifestJSON):
		data, err := a.ReadEntry(ManifestJSON)
		if err != nil {
			return nil, err
		}
		return core.ParseManifest(data, core.ManifestFormatJSON)
	case a.Exists(ManifestYAML):
		data, err := a.ReadEntry(ManifestYAML)
		if err != nil {
			return nil, err
		}
		return core.ParseManifest(data, core.ManifestFormatYAML)
	default:
		return nil, core.NewConfigurationError(
			fmt.Sprintf("archive %s does not contain %s", a.Path(), ManifestJSON), nil)
	}
}
