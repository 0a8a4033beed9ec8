package pack

import (
	"archive/zip"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/wares"
)

// buildArchive assembles an in-memory zip from name → content pairs.
func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}
	return buf.Bytes()
}

const goodManifest = `{
	"name": "weather",
	"version": "1.0.0",
	"type": "remote",
	"url": "https://wx.example.net/mcp",
	"tools": [{"name": "current_conditions"}]
}`

func TestReadManifest(t *testing.T) {
	data := buildArchive(t, map[string]string{
		ManifestName: goodManifest,
		"README.md":  "# weather",
	})

	m, err := ReadManifest(data)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if m.Name != "weather" || m.Version != "1.0.0" {
		t.Errorf("unexpected manifest: %+v", m)
	}
	if len(m.Tools) != 1 || m.Tools[0].Name != "current_conditions" {
		t.Errorf("unexpected tools: %+v", m.Tools)
	}
}

func TestReadManifest_Missing(t *testing.T) {
	data := buildArchive(t, map[string]string{"README.md": "no manifest here"})

	_, err := ReadManifest(data)
	if !errors.Is(err, ErrNoManifest) {
		t.Errorf("ReadManifest = %v, want ErrNoManifest", err)
	}
}

func TestReadManifest_NestedIgnored(t *testing.T) {
	// Only a root-level manifest counts.
	data := buildArchive(t, map[string]string{
		"sub/" + ManifestName: goodManifest,
	})

	_, err := ReadManifest(data)
	if !errors.Is(err, ErrNoManifest) {
		t.Errorf("ReadManifest = %v, want ErrNoManifest", err)
	}
}

func TestReadManifest_BadJSON(t *testing.T) {
	data := buildArchive(t, map[string]string{ManifestName: "{not json"})

	_, err := ReadManifest(data)
	if err == nil {
		t.Fatal("expected decode error")
	}
}

func TestReadManifest_NotAZip(t *testing.T) {
	_, err := ReadManifest([]byte("plain text"))
	if err == nil {
		t.Fatal("expected open error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		manifest wares.Manifest
		wantErr  string // substring, empty means valid
	}{
		{
			"valid remote",
			wares.Manifest{Name: "wx", Version: "1.0.0", Type: "remote", URL: "https://wx.example.net"},
			"",
		},
		{
			"valid local",
			wares.Manifest{Name: "wx", Version: "1.0.0", Type: "local", Entry: "./bin/serve"},
			"",
		},
		{
			"missing name",
			wares.Manifest{Version: "1.0.0", Type: "remote", URL: "https://wx.example.net"},
			"name is required",
		},
		{
			"missing version",
			wares.Manifest{Name: "wx", Type: "remote", URL: "https://wx.example.net"},
			"version is required",
		},
		{
			"bad type",
			wares.Manifest{Name: "wx", Version: "1.0.0", Type: "hosted"},
			"type must be one of",
		},
		{
			"bad homepage",
			wares.Manifest{Name: "wx", Version: "1.0.0", Type: "local", Entry: "./run", Homepage: "not a url"},
			"homepage must be a valid URL",
		},
		{
			"bad visibility",
			wares.Manifest{Name: "wx", Version: "1.0.0", Type: "local", Entry: "./run", Visibility: "everyone"},
			"visibility must be one of",
		},
		{
			"local without entry",
			wares.Manifest{Name: "wx", Version: "1.0.0", Type: "local"},
			"local apps require entry",
		},
		{
			"remote without url",
			wares.Manifest{Name: "wx", Version: "1.0.0", Type: "remote"},
			"remote apps require url",
		},
		{
			"bad auth type",
			wares.Manifest{Name: "wx", Version: "1.0.0", Type: "remote", URL: "https://x.example.net",
				Auth: &wares.ManifestAuth{Type: "magic"}},
			"type must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.manifest)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestChecksum(t *testing.T) {
	a := Checksum([]byte("package one"))
	b := Checksum([]byte("package two"))

	if len(a) != 64 {
		t.Errorf("checksum length = %d, want 64 hex chars", len(a))
	}
	if a == b {
		t.Error("different archives produced the same checksum")
	}
	if a != Checksum([]byte("package one")) {
		t.Error("checksum is not deterministic")
	}
}

func TestEntries(t *testing.T) {
	data := buildArchive(t, map[string]string{
		"zz.txt":       "z",
		ManifestName:   goodManifest,
		"sub/file.txt": "nested",
	})

	names, err := Entries(data)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	want := []string{ManifestName, "sub/file.txt", "zz.txt"}
	if len(names) != len(want) {
		t.Fatalf("got %d entries, want %d: %v", len(names), len(want), names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("entries[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestBuild(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ManifestName, goodManifest)
	writeFile(t, dir, "README.md", "# weather")
	writeFile(t, dir, filepath.Join("tools", "schema.json"), "{}")
	writeFile(t, dir, filepath.Join(".git", "HEAD"), "ref: refs/heads/main")

	data, err := Build(dir)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	m, err := ReadManifest(data)
	if err != nil {
		t.Fatalf("ReadManifest of built package: %v", err)
	}
	if m.Name != "weather" {
		t.Errorf("name = %q, want weather", m.Name)
	}

	names, err := Entries(data)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	for _, n := range names {
		if strings.HasPrefix(n, ".git/") {
			t.Errorf("dot-directory leaked into package: %s", n)
		}
	}
	if !contains(names, "tools/schema.json") {
		t.Errorf("nested file missing from package: %v", names)
	}
}

func TestBuild_MissingManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "README.md", "no manifest")

	if _, err := Build(dir); err == nil {
		t.Fatal("expected error for missing manifest")
	}
}

func TestBuild_InvalidManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ManifestName, `{"name": "wx"}`)

	_, err := Build(dir)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "version is required") {
		t.Errorf("error = %q, want version complaint", err)
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir for %s: %v", name, err)
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
