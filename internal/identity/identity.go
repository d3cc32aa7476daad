// Package identity resolves the per-device user id used for favorites.
//
// The id is generated once as the hex SHA-256 digest of a random seed and
// persisted in a key/value store; later runs reuse it.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"transitmap/internal/cache"
)

// Key is the storage key of the device fingerprint.
const Key = cache.KeyDeviceFingerprint

// Store persists small string values.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Resolve returns the stored fingerprint, generating and storing one on first use.
func Resolve(ctx context.Context, store Store, logger *slog.Logger) (string, error) {
	fp, ok, err := store.Get(ctx, Key)
	if err != nil {
		return "", fmt.Errorf("reading device fingerprint: %w", err)
	}
	if ok && fp != "" {
		return fp, nil
	}

	fp = NewFingerprint()
	if err := store.Set(ctx, Key, fp); err != nil {
		return "", fmt.Errorf("storing device fingerprint: %w", err)
	}
	logger.Info("generated device fingerprint", "component", "identity")
	return fp, nil
}

// NewFingerprint hashes a fresh random seed.
func NewFingerprint() string {
	seed := uuid.NewString() + time.Now().UTC().Format(time.RFC3339Nano)
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// FileStore keeps values in one file per key under a private directory.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// DefaultDir is $XDG_CONFIG_HOME/transitmap, or the OS equivalent. It fails
// when the user has no config directory; set IDENTITY_DIR then.
func DefaultDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locating identity directory: %w", err)
	}
	return filepath.Join(base, "transitmap"), nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key)
}

func (s *FileStore) Get(_ context.Context, key string) (string, bool, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return strings.TrimSpace(string(data)), true, nil
}

func (s *FileStore) Set(_ context.Context, key, value string) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}

	path := s.path(key)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(value), 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// RedisStore keeps values in Redis without expiry.
type RedisStore struct {
	cache *cache.RedisCache
}

func NewRedisStore(c *cache.RedisCache) *RedisStore {
	return &RedisStore{cache: c}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	data, err := s.cache.Get(ctx, key)
	if err != nil {
		return "", false, err
	}
	if data == nil {
		return "", false, nil
	}
	return string(data), true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	return s.cache.Set(ctx, key, []byte(value), 0)
}
