// Package storage persists uploaded files on the local filesystem and
// issues expiring HMAC-signed download URLs for them.
package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhiwei/internal/logging"
)

// Store writes objects under a root directory. Keys are slash-separated
// relative paths; anything escaping the root is rejected.
type Store struct {
	root      string
	signKey   []byte
	urlPrefix string
	log       zerolog.Logger
}

// New creates a store rooted at dir. The directory is created if absent.
func New(dir, signKey, urlPrefix string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Store{
		root:      dir,
		signKey:   []byte(signKey),
		urlPrefix: strings.TrimSuffix(urlPrefix, "/"),
		log:       logging.Component("storage"),
	}, nil
}

func (s *Store) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

// Put streams r to disk under key and returns the number of bytes written.
func (s *Store) Put(key string, r io.Reader) (int64, error) {
	p, err := s.path(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return 0, fmt.Errorf("create object dir: %w", err)
	}
	f, err := os.Create(p)
	if err != nil {
		return 0, fmt.Errorf("create object %s: %w", key, err)
	}
	defer f.Close()

	n, err := io.Copy(f, r)
	if err != nil {
		os.Remove(p)
		return 0, fmt.Errorf("write object %s: %w", key, err)
	}
	s.log.Debug().Str("key", key).Int64("bytes", n).Msg("stored object")
	return n, nil
}

// Open returns a reader over the stored object.
func (s *Store) Open(key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", key, err)
	}
	return f, nil
}

// ReadAll returns the full object contents.
func (s *Store) ReadAll(key string) ([]byte, error) {
	r, err := s.Open(key)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Delete removes the stored object. Missing objects are not an error.
func (s *Store) Delete(key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func (s *Store) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.signKey)
	fmt.Fprintf(mac, "%s\n%d", key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignedURL returns a download URL that the file handler accepts until
// the expiry passes.
func (s *Store) SignedURL(key string, ttl time.Duration) string {
	expires := time.Now().Add(ttl).Unix()
	return fmt.Sprintf("%s/%s?expires=%d&sig=%s", s.urlPrefix, key, expires, s.sign(key, expires))
}

// Verify checks a signature produced by SignedURL.
func (s *Store) Verify(key, expiresStr, sig string) error {
	expires, err := strconv.ParseInt(expiresStr, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed expiry")
	}
	if time.Now().Unix() > expires {
		return fmt.Errorf("url expired")
	}
	want := s.sign(key, expires)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return fmt.Errorf("bad signature")
	}
	return nil
}
