package images

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

// 1x1 PNG
var pngBytes = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a,
	0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89,
}

func TestEnsureDownloadsOnce(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write(pngBytes)
	}))
	defer srv.Close()

	cache, err := NewCache(t.TempDir())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	url := srv.URL + "/p1.jpg"
	path, err := cache.Ensure(context.Background(), url)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if path != cache.PathFor(url) {
		t.Fatalf("path = %q, want %q", path, cache.PathFor(url))
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("cached file missing: %v", err)
	}

	if _, err := cache.Ensure(context.Background(), url); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if hits != 1 {
		t.Fatalf("server hit %d times, want 1", hits)
	}

	data, mime, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(data) != len(pngBytes) || !strings.HasPrefix(mime, "image/png") {
		t.Fatalf("load returned %d bytes, mime %q", len(data), mime)
	}
}

func TestEnsureDownloadError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	cache, err := NewCache(t.TempDir())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	if _, err := cache.Ensure(context.Background(), srv.URL+"/gone.jpg"); err == nil {
		t.Fatal("want error on 403 download")
	}
}

func TestPathForIsStable(t *testing.T) {
	cache, err := NewCache(t.TempDir())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	a := cache.PathFor("https://cdn/x.jpg")
	if a != cache.PathFor("https://cdn/x.jpg") {
		t.Fatal("same URL must map to same path")
	}
	if a == cache.PathFor("https://cdn/y.jpg") {
		t.Fatal("different URLs must not collide")
	}
}
