package archive

import (
	"archive/zip"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/openfroyo/modhost/pkg/core"
)

func writeZip(t *testing.T, p string, entries map[string]string) {
	t.Helper()

	f, err := os.Create(p)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	zw := zip.NewWriter(f)
	for name, body := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create entry %s: %v", name, err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatalf("write entry %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close zip file: %v", err)
	}
}

func writeDir(t *testing.T, dir string, entries map[string]string) {
	t.Helper()

	for name, body := range entries {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

var sampleEntries = map[string]string{
	ManifestJSON:                 `{"id":"economy","main":"com.example.Economy","type":"standard"}`,
	"com/example/Economy.unit":   "economy-main",
	"com/example/util/Gold.unit": "gold",
	"README.txt":                 "not a unit",
}

func TestOpen_ZipAndDirectory(t *testing.T) {
	root := t.TempDir()

	zipPath := filepath.Join(root, "economy.zip")
	writeZip(t, zipPath, sampleEntries)

	dirPath := filepath.Join(root, "economy-dir")
	writeDir(t, dirPath, sampleEntries)

	for name, p := range map[string]string{"zip": zipPath, "dir": dirPath} {
		t.Run(name, func(t *testing.T) {
			if !IsCandidate(p) {
				t.Errorf("IsCandidate(%s) = false", p)
			}

			a, err := Open(p)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer a.Close()

			data, err := a.ReadEntry("com/example/Economy.unit")
			if err != nil {
				t.Fatalf("ReadEntry() error = %v", err)
			}
			if string(data) != "economy-main" {
				t.Errorf("ReadEntry() = %q", data)
			}

			if !a.Exists("com/example/util/Gold.unit") {
				t.Error("expected Gold.unit to exist")
			}
			if a.Exists("com/example/Missing.unit") || a.Exists("com/example") {
				t.Error("missing entries and directories should not exist")
			}

			_, err = a.ReadEntry("com/example/Missing.unit")
			if !core.IsNotFound(err) {
				t.Errorf("expected not found error, got %v", err)
			}

			units, err := a.Units()
			if err != nil {
				t.Fatalf("Units() error = %v", err)
			}
			want := []string{"com.example.Economy", "com.example.util.Gold"}
			if !reflect.DeepEqual(units, want) {
				t.Errorf("Units() = %v, want %v", units, want)
			}

			m, err := ReadManifest(a)
			if err != nil {
				t.Fatalf("ReadManifest() error = %v", err)
			}
			if m.ID != "economy" || m.Type != "standard" {
				t.Errorf("unexpected manifest %+v", m)
			}
		})
	}
}

func TestOpen_Missing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.zip"))
	if !core.IsNotFound(err) {
		t.Errorf("expected not found error, got %v", err)
	}
}

func TestOpen_NotAZip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "broken.zip")
	if err := os.WriteFile(p, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(p)
	if !core.IsConfiguration(err) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestReadManifest_YAMLAndMissing(t *testing.T) {
	root := t.TempDir()

	yamlDir := filepath.Join(root, "yaml")
	writeDir(t, yamlDir, map[string]string{
		ManifestYAML: "id: vault\nmain: v.Vault\ntype: standard\nprovides: [economy-api]\n",
	})
	a, err := Open(yamlDir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer a.Close()

	m, err := ReadManifest(a)
	if err != nil {
		t.Fatalf("ReadManifest() error = %v", err)
	}
	if !m.Answers("economy-api") {
		t.Errorf("expected provides alias, got %+v", m.Provides)
	}

	emptyDir := filepath.Join(root, "empty")
	writeDir(t, emptyDir, map[string]string{"a/B.unit": "b"})
	if IsCandidate(emptyDir) {
		t.Error("directory without manifest should not be a candidate")
	}
	b, err := Open(emptyDir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer b.Close()
	if _, err := ReadManifest(b); !core.IsConfiguration(err) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	p := filepath.Join(t.TempDir(), "m.zip")
	writeZip(t, p, sampleEntries)

	a, err := Open(p)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if _, err := a.ReadEntry(ManifestJSON); err == nil {
		t.Error("read after close should fail")
	}
}

func TestUnitPath(t *testing.T) {
	if got := UnitPath("a.b.C"); got != "a/b/C.unit" {
		t.Errorf("UnitPath() = %q", got)
	}
	if got := SymbolForPath("a/b/C.unit"); got != "a.b.C" {
		t.Errorf("SymbolForPath() = %q", got)
	}
}
