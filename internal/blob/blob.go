// Package blob stores uploaded map images and token portraits under a
// content-addressed layout: blobs/{sha256}/{name}. Identical bytes land on
// the same path, so re-uploading a map is free and URLs never go stale.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// URLPrefix is where the serve handler is mounted.
const URLPrefix = "/blobs/"

const maxUploadBytes = 16 << 20

type Store struct {
	baseDir string
	log     *log.Logger
}

func NewStore(baseDir string, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{baseDir: baseDir, log: logger}
}

// Put writes data and returns its serving URL path.
func (s *Store) Put(data []byte, name string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty blob")
	}
	name = sanitizeName(name)
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	dir := filepath.Join(s.baseDir, digest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, name)
	if _, err := os.Stat(dst); err == nil {
		return URLPrefix + digest + "/" + name, nil
	}
	// Write-then-rename so a crashed upload never serves a truncated file.
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return URLPrefix + digest + "/" + name, nil
}

// Open returns the file for a URL path previously returned by Put.
func (s *Store) Open(urlPath string) (*os.File, error) {
	digest, name, err := splitURL(urlPath)
	if err != nil {
		return nil, err
	}
	return os.Open(filepath.Join(s.baseDir, digest, name))
}

// UploadHandler accepts POST bodies and replies {"url": "/blobs/..."} with
// the name taken from the query string.
func (s *Store) UploadHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
		if err != nil {
			http.Error(rw, "read body", http.StatusBadRequest)
			return
		}
		if len(data) > maxUploadBytes {
			http.Error(rw, "blob too large", http.StatusRequestEntityTooLarge)
			return
		}
		url, err := s.Put(data, r.URL.Query().Get("name"))
		if err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		s.log.Printf("blob: stored %d bytes at %s", len(data), url)
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]string{"url": url})
	}
}

// ServeHandler serves stored blobs. Content is immutable, so clients may
// cache forever.
func (s *Store) ServeHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		f, err := s.Open(r.URL.Path)
		if err != nil {
			http.NotFound(rw, r)
			return
		}
		defer f.Close()
		st, err := f.Stat()
		if err != nil {
			http.NotFound(rw, r)
			return
		}
		rw.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		http.ServeContent(rw, r, path.Base(r.URL.Path), st.ModTime(), f)
	}
}

func splitURL(urlPath string) (digest, name string, err error) {
	rest, ok := strings.CutPrefix(urlPath, URLPrefix)
	if !ok {
		return "", "", fmt.Errorf("not a blob url: %s", urlPath)
	}
	digest, name, ok = strings.Cut(rest, "/")
	if !ok || len(digest) != 64 || name == "" {
		return "", "", fmt.Errorf("malformed blob url: %s", urlPath)
	}
	if name != sanitizeName(name) {
		return "", "", fmt.Errorf("malformed blob name: %s", name)
	}
	return digest, name, nil
}

func sanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "blob"
	}
	return out
}
