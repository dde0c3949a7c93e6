package scgo

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// fetch retrieves a remote resource with a single synchronous GET, no
// retries. When cacheDir is nonempty, responses are stored under a
// blake2b digest of the key and reused on later runs, so a transient
// network failure only hurts the first run.
func fetch(url, key, cacheDir string) ([]byte, error) {
	var cachePath string
	if cacheDir != "" {
		sum := blake2b.Sum256([]byte(key))
		cachePath = filepath.Join(cacheDir, fmt.Sprintf("%x", sum[:16]))
		if buf, err := os.ReadFile(cachePath); err == nil {
			log.Debugf("cache hit for %s", url)
			return buf, nil
		}
	}
	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if cachePath != "" {
		err = os.MkdirAll(cacheDir, 0777)
		if err == nil {
			err = os.WriteFile(cachePath, buf, 0666)
		}
		if err != nil {
			log.Warnf("cannot cache %s: %s", url, err)
		}
	}
	return buf, nil
}

// defaultCacheDir is the download cache location; empty (caching off)
// when the platform has no user cache directory.
func defaultCacheDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "scgo")
}

// readFileOrURL loads src from disk, or over http(s) when it looks
// like a URL.
func readFileOrURL(src, cacheDir string) ([]byte, error) {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return fetch(src, src, cacheDir)
	}
	return os.ReadFile(src)
}
