package wares

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"pgregory.net/rapid"
)

// Any identifier must survive the trip through path escaping: the
// server recovers exactly the ID the caller passed, whatever
// characters it contains.
func TestGetApp_IdentifierRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		escaped := strings.TrimPrefix(r.URL.EscapedPath(), "/api/apps/")
		id, err := url.PathUnescape(escaped)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"app": map[string]string{"id": id}})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	rapid.Check(t, func(rt *rapid.T) {
		id := rapid.String().Draw(rt, "id")
		app, err := c.GetApp(context.Background(), id)
		if err != nil {
			rt.Fatalf("GetApp(%q): %v", id, err)
		}
		if app.ID != id {
			rt.Fatalf("server saw %q, want %q", app.ID, id)
		}
	})
}

// Uploads carry a multipart body no matter what the caller supplies.
// A JSON content type on this operation would make the server reject
// the package.
func TestUploadApp_ContentTypeNeverJSON(t *testing.T) {
	var lastCT atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastCT.Store(r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"app":{"id":"x"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	rapid.Check(t, func(rt *rapid.T) {
		payload := rapid.SliceOf(rapid.Byte()).Draw(rt, "payload")
		filename := rapid.StringMatching(`[a-z0-9-]{1,16}\.zip`).Draw(rt, "filename")
		visibility := rapid.SampledFrom([]Visibility{"", VisibilityPrivate, VisibilityGlobal}).Draw(rt, "visibility")

		if _, err := c.UploadApp(context.Background(), payload, filename, visibility); err != nil {
			rt.Fatalf("UploadApp: %v", err)
		}
		ct, _ := lastCT.Load().(string)
		if !strings.HasPrefix(ct, "multipart/form-data") {
			rt.Fatalf("Content-Type = %q, want multipart/form-data", ct)
		}
		if strings.Contains(ct, "application/json") {
			rt.Fatalf("Content-Type = %q carries JSON", ct)
		}
	})
}

// Every non-2xx response surfaces as a typed *APIError with the
// operation fallback message when the body is not the error shape.
func TestListApps_NonOKAlwaysTypedError(t *testing.T) {
	var status atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		w.Write([]byte("backend error"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	rapid.Check(t, func(rt *rapid.T) {
		code := rapid.IntRange(400, 599).Draw(rt, "status")
		status.Store(int64(code))

		_, err := c.ListApps(context.Background(), nil)
		if err == nil {
			rt.Fatalf("status %d: expected error", code)
		}
		apiErr, ok := err.(*APIError)
		if !ok {
			rt.Fatalf("status %d: expected *APIError, got %T: %v", code, err, err)
		}
		if apiErr.Status != code {
			rt.Fatalf("status = %d, want %d", apiErr.Status, code)
		}
		if apiErr.Message != "Failed to fetch apps" {
			rt.Fatalf("message = %q, want fallback", apiErr.Message)
		}
	})
}
