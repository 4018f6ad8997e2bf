// Package images maintains a local cache of downloaded post images so the
// extraction step never re-fetches media the host may have expired.
package images

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/Over-the-Edge-Newspaper-Society/Event-Monitor/internal/logging"
)

const downloadUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// Cache stores images under dir, named by the md5 of their source URL so a
// re-download of the same URL lands on the same file.
type Cache struct {
	dir        string
	httpClient *http.Client
}

// NewCache builds a cache rooted at dir, creating it if missing.
func NewCache(dir string) (*Cache, error) {
	if dir == "" {
		dir = "data/images"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("images: create cache dir: %w", err)
	}
	return &Cache{
		dir:        dir,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string { return c.dir }

// PathFor maps a source URL to its cache path without touching the network.
func (c *Cache) PathFor(imageURL string) string {
	sum := md5.Sum([]byte(imageURL))
	return filepath.Join(c.dir, fmt.Sprintf("%x.jpg", sum))
}

// Ensure returns the local path for imageURL, downloading it on a cache miss.
func (c *Cache) Ensure(ctx context.Context, imageURL string) (string, error) {
	path := c.PathFor(imageURL)
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return path, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", downloadUserAgent)
	req.Header.Set("Accept", "image/avif,image/webp,image/apng,image/*,*/*;q=0.8")
	req.Header.Set("Referer", "https://www.instagram.com/")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("images: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("images: download status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(c.dir, "dl-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("images: write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	logging.Debug("image cached", logging.Fields{"url": imageURL, "path": path})
	return path, nil
}

// Load returns the bytes and sniffed content type of a cached file.
func Load(path string) ([]byte, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	return data, http.DetectContentType(data), nil
}
