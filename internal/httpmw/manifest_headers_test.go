package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeManifestInfo struct {
	version string
	hash    string
}

func (f *fakeManifestInfo) ManifestVersion() string { return f.version }
func (f *fakeManifestInfo) ManifestHash() string    { return f.hash }

func TestManifestHeaders_SetsBoth(t *testing.T) {
	info := &fakeManifestInfo{version: "2026-08-01", hash: "0123456789abcdef0123"}

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	ManifestHeaders(info)(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if got := rec.Header().Get("X-Pin-Manifest-Version"); got != "2026-08-01" {
		t.Fatalf("version header = %q", got)
	}
	if got := rec.Header().Get("X-Pin-Manifest-Hash"); got != "0123456789ab" {
		t.Fatalf("hash header = %q, want 12-char truncation", got)
	}
}

func TestManifestHeaders_ShortHashNotTruncated(t *testing.T) {
	info := &fakeManifestInfo{version: "v1", hash: "abc"}

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	rec := httptest.NewRecorder()
	ManifestHeaders(info)(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if got := rec.Header().Get("X-Pin-Manifest-Hash"); got != "abc" {
		t.Fatalf("hash header = %q, want abc", got)
	}
}

func TestManifestHeaders_EmptyValuesOmitted(t *testing.T) {
	info := &fakeManifestInfo{}

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	rec := httptest.NewRecorder()
	ManifestHeaders(info)(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if rec.Header().Get("X-Pin-Manifest-Version") != "" {
		t.Fatal("version header set for empty manifest")
	}
	if rec.Header().Get("X-Pin-Manifest-Hash") != "" {
		t.Fatal("hash header set for empty manifest")
	}
}

func TestManifestHeaders_NilInfo(t *testing.T) {
	called := false
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	rec := httptest.NewRecorder()
	ManifestHeaders(nil)(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if !called {
		t.Fatal("handler not called with nil info")
	}
	if rec.Header().Get("X-Pin-Manifest-Version") != "" {
		t.Fatal("header set with nil info")
	}
}
