package ghimport

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gogithub "github.com/google/go-github/v69/github"
)

// newTestImporter points an Importer at a local httptest server. The
// enterprise base URL makes go-github prefix paths with /api/v3/.
func newTestImporter(t *testing.T, handler http.Handler) *Importer {
	t.Helper()

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	im, err := New(ts.Client(), "test-token", ts.URL, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return im
}

func releaseJSON(tag string, assets string) string {
	return `{"tag_name": "` + tag + `", "assets": [` + assets + `]}`
}

func TestFetchLatestRelease(t *testing.T) {
	payload := []byte("PK\x03\x04 fake zip bytes")

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/nugget/weather/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, releaseJSON("v1.2.0",
			`{"id": 7, "name": "weather.zip", "size": 18},
			 {"id": 8, "name": "weather-sources.tar.gz", "size": 4096}`))
	})
	mux.HandleFunc("GET /api/v3/repos/nugget/weather/releases/assets/7", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(payload)
	})

	im := newTestImporter(t, mux)

	pkg, err := im.Fetch(context.Background(), "nugget/weather", "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if pkg.Repo != "nugget/weather" {
		t.Errorf("Repo = %q, want %q", pkg.Repo, "nugget/weather")
	}
	if pkg.Tag != "v1.2.0" {
		t.Errorf("Tag = %q, want %q", pkg.Tag, "v1.2.0")
	}
	if pkg.Asset != "weather.zip" {
		t.Errorf("Asset = %q, want %q", pkg.Asset, "weather.zip")
	}
	if string(pkg.Data) != string(payload) {
		t.Errorf("Data = %q, want %q", pkg.Data, payload)
	}
}

func TestFetchByTag(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/nugget/weather/releases/tags/v0.9.0", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, releaseJSON("v0.9.0", `{"id": 3, "name": "weather.zip", "size": 2}`))
	})
	mux.HandleFunc("GET /api/v3/repos/nugget/weather/releases/assets/3", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		io.WriteString(w, "ok")
	})

	im := newTestImporter(t, mux)

	pkg, err := im.Fetch(context.Background(), "nugget/weather", "v0.9.0")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if pkg.Tag != "v0.9.0" {
		t.Errorf("Tag = %q, want %q", pkg.Tag, "v0.9.0")
	}
}

func TestFetchSendsAuthHeader(t *testing.T) {
	var gotAuth string

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/nugget/weather/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		io.WriteString(w, releaseJSON("v1.0.0", `{"id": 1, "name": "weather.zip"}`))
	})
	mux.HandleFunc("GET /api/v3/repos/nugget/weather/releases/assets/1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		io.WriteString(w, "ok")
	})

	im := newTestImporter(t, mux)

	if _, err := im.Fetch(context.Background(), "nugget/weather", ""); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer test-token")
	}
}

func TestFetchNoZipAsset(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/nugget/weather/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, releaseJSON("v1.0.0", `{"id": 1, "name": "weather.tar.gz"}`))
	})

	im := newTestImporter(t, mux)

	_, err := im.Fetch(context.Background(), "nugget/weather", "")
	if err == nil {
		t.Fatal("expected error for release without .zip asset")
	}
	if !strings.Contains(err.Error(), "no .zip asset") {
		t.Errorf("error = %v, want mention of missing .zip asset", err)
	}
}

func TestFetchInvalidRepo(t *testing.T) {
	im := newTestImporter(t, http.NewServeMux())

	for _, repo := range []string{"", "weather", "/weather", "nugget/"} {
		if _, err := im.Fetch(context.Background(), repo, ""); err == nil {
			t.Errorf("Fetch(%q) succeeded, want error", repo)
		}
	}
}

func TestSplitRepo(t *testing.T) {
	tests := []struct {
		repo      string
		owner     string
		name      string
		expectErr bool
	}{
		{"nugget/weather", "nugget", "weather", false},
		{"hollow-oak/wares-tools", "hollow-oak", "wares-tools", false},
		{"nugget/weather/extra", "nugget", "weather/extra", false},
		{"weather", "", "", true},
		{"/weather", "", "", true},
		{"nugget/", "", "", true},
		{"", "", "", true},
	}

	for _, tt := range tests {
		owner, name, err := splitRepo(tt.repo)
		if tt.expectErr {
			if err == nil {
				t.Errorf("splitRepo(%q) succeeded, want error", tt.repo)
			}
			continue
		}
		if err != nil {
			t.Errorf("splitRepo(%q): %v", tt.repo, err)
			continue
		}
		if owner != tt.owner || name != tt.name {
			t.Errorf("splitRepo(%q) = %q, %q, want %q, %q", tt.repo, owner, name, tt.owner, tt.name)
		}
	}
}

func TestPickAsset(t *testing.T) {
	asset := func(name string, id int64) *gogithub.ReleaseAsset {
		return &gogithub.ReleaseAsset{ID: gogithub.Int64(id), Name: gogithub.String(name)}
	}

	tests := []struct {
		name   string
		assets []*gogithub.ReleaseAsset
		want   string
	}{
		{
			name:   "exact repo name wins",
			assets: []*gogithub.ReleaseAsset{asset("extras.zip", 1), asset("weather.zip", 2)},
			want:   "weather.zip",
		},
		{
			name:   "repo name substring beats first zip",
			assets: []*gogithub.ReleaseAsset{asset("extras.zip", 1), asset("weather-v2.zip", 2)},
			want:   "weather-v2.zip",
		},
		{
			name:   "first zip as fallback",
			assets: []*gogithub.ReleaseAsset{asset("a.zip", 1), asset("b.zip", 2)},
			want:   "a.zip",
		},
		{
			name:   "non-zip assets ignored",
			assets: []*gogithub.ReleaseAsset{asset("notes.txt", 1), asset("bundle.zip", 2)},
			want:   "bundle.zip",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pickAsset(tt.assets, "weather")
			if err != nil {
				t.Fatalf("pickAsset: %v", err)
			}
			if got.GetName() != tt.want {
				t.Errorf("pickAsset = %q, want %q", got.GetName(), tt.want)
			}
		})
	}

	if _, err := pickAsset(nil, "weather"); err == nil {
		t.Error("pickAsset(nil) succeeded, want error")
	}
}
