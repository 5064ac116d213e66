// Package disk provides the persistent, file-per-key image tier.
package disk

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/meigma/imagecache/cache"
	"github.com/meigma/imagecache/raster"
)

const (
	defaultDirPerm = 0o700
	tempPrefix     = ".tmp-"
)

// ErrInvalidKey is returned when a key does not have canonical form.
var ErrInvalidKey = errors.New("invalid cache key")

// Validator checks that stored bytes are usable before a hit is reported.
type Validator func(data []byte) error

// Cache implements cache.Disk using one file per key in a flat directory.
//
// The directory is the index: an entry exists if and only if a file named
// by its key exists. Entries that fail validation on read are deleted and
// reported as misses. The cache is safe for concurrent use; concurrent Puts
// of the same key are last-writer-wins.
type Cache struct {
	dir      string      // root directory for cached files
	dirPerm  os.FileMode // permissions for created directories
	validate Validator   // read-time content check
	maxBytes int64       // maximum cache size (0 = unlimited)
	pruneMu  sync.Mutex  // serializes prune operations
}

// Interface compliance.
var _ cache.Disk = (*Cache)(nil)

// Option configures a disk cache.
type Option func(*Cache)

// WithDirPerm sets the directory permissions used for the cache directory.
func WithDirPerm(mode os.FileMode) Option {
	return func(c *Cache) {
		c.dirPerm = mode
	}
}

// WithValidator replaces the read-time validation. Defaults to
// [raster.Validate], which requires a full image decode.
func WithValidator(v Validator) Option {
	return func(c *Cache) {
		c.validate = v
	}
}

// WithMaxBytes sets the maximum cache size in bytes. When a Put would exceed
// it, the oldest entries are pruned first. Values < 0 are invalid.
// Use 0 (the default) to keep entries until RemoveAll.
//
// A bounded disk tier is no longer authoritative: pruned entries are misses
// and are fetched again from the remote. The imagecache command leaves it
// unbounded.
func WithMaxBytes(n int64) Option {
	return func(c *Cache) {
		c.maxBytes = n
	}
}

// DefaultDir returns the default cache directory under the user cache root.
func DefaultDir() (string, error) {
	root, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("locate user cache dir: %w", err)
	}
	return filepath.Join(root, "imagecache", "images"), nil
}

// New creates a disk-backed cache rooted at dir.
//
// The directory is created lazily on the first write.
func New(dir string, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("cache dir is empty")
	}
	c := &Cache{
		dir:      filepath.Clean(dir),
		dirPerm:  defaultDirPerm,
		validate: raster.Validate,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxBytes < 0 {
		return nil, errors.New("max bytes must be >= 0")
	}
	if c.validate == nil {
		c.validate = func([]byte) error { return nil }
	}
	return c, nil
}

// Dir returns the cache root directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Path returns the file path used for key.
func (c *Cache) Path(key cache.Key) (string, error) {
	if !key.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(c.dir, key.String()), nil
}

// Get returns the bytes stored under key.
//
// Missing, unreadable, and invalid entries are all misses. Invalid entries
// are removed so the next Put starts clean.
func (c *Cache) Get(key cache.Key) ([]byte, bool) {
	if !key.Valid() {
		return nil, false
	}
	root, err := os.OpenRoot(c.dir)
	if err != nil {
		return nil, false
	}
	defer root.Close()

	name := key.String()
	data, info, err := readEntry(root, name)
	if err != nil {
		return nil, false
	}
	if err := c.validate(data); err != nil {
		removeIfUnchanged(root, name, info)
		return nil, false
	}
	return data, true
}

// readEntry reads name and returns the file info of the handle it read from.
func readEntry(root *os.Root, name string) ([]byte, os.FileInfo, error) {
	f, err := root.Open(name)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, err
	}
	return data, info, nil
}

// removeIfUnchanged deletes name only if it is still the file described by
// seen. A concurrent Put renames a new file into place, which must survive.
func removeIfUnchanged(root *os.Root, name string, seen os.FileInfo) {
	current, err := root.Stat(name)
	if err != nil || !os.SameFile(seen, current) {
		return
	}
	_ = root.Remove(name) //nolint:errcheck // best-effort cleanup of corrupt entry
}

// Put stores data under key.
//
// Content is written to a temporary file and renamed into place, so readers
// never observe a partial entry.
func (c *Cache) Put(key cache.Key, data []byte) error {
	if !key.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if err := c.ensureDir(); err != nil {
		return err
	}
	if ok, err := c.ensureCapacity(int64(len(data))); err != nil {
		return err
	} else if !ok {
		return nil // larger than the whole cache, skip silently
	}

	root, err := os.OpenRoot(c.dir)
	if err != nil {
		return fmt.Errorf("open cache root: %w", err)
	}
	defer root.Close()

	tmp, tmpPath, err := createTemp(root)
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = root.Remove(tmpPath)
		return fmt.Errorf("write cache file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = root.Remove(tmpPath)
		return fmt.Errorf("sync cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = root.Remove(tmpPath)
		return fmt.Errorf("close cache file: %w", err)
	}
	if err := root.Rename(tmpPath, key.String()); err != nil {
		_ = root.Remove(tmpPath)
		return fmt.Errorf("rename cache file: %w", err)
	}
	return nil
}

// Delete removes the entry for key.
func (c *Cache) Delete(key cache.Key) error {
	path, err := c.Path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// RemoveAll deletes the cache directory and recreates it empty.
func (c *Cache) RemoveAll() error {
	c.pruneMu.Lock()
	defer c.pruneMu.Unlock()

	if err := os.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("remove cache dir: %w", err)
	}
	return c.ensureDir()
}

// SizeBytes returns the total size of files in the cache directory.
//
// It scans the directory on every call, so it costs O(entries).
func (c *Cache) SizeBytes() (int64, error) {
	return dirSize(c.dir)
}

// MaxBytes returns the configured cache size limit (0 = unlimited).
func (c *Cache) MaxBytes() int64 {
	return c.maxBytes
}

// Prune removes the oldest entries until the cache is at or below targetBytes.
// Returns the number of bytes freed.
func (c *Cache) Prune(targetBytes int64) (int64, error) {
	c.pruneMu.Lock()
	defer c.pruneMu.Unlock()

	freed, _, err := pruneDir(c.dir, targetBytes)
	return freed, err
}

func (c *Cache) ensureDir() error {
	if err := os.MkdirAll(c.dir, c.dirPerm); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	return nil
}

func (c *Cache) ensureCapacity(need int64) (bool, error) {
	if c.maxBytes <= 0 {
		return true, nil
	}
	if need > c.maxBytes {
		return false, nil
	}
	size, err := c.SizeBytes()
	if err != nil {
		return false, err
	}
	if size+need <= c.maxBytes {
		return true, nil
	}
	if _, err := c.Prune(c.maxBytes - need); err != nil {
		return false, err
	}
	return true, nil
}

func createTemp(root *os.Root) (*os.File, string, error) {
	for tries := 0; tries < 10000; tries++ {
		var randBytes [8]byte
		if _, err := rand.Read(randBytes[:]); err != nil {
			return nil, "", err
		}
		name := tempPrefix + hex.EncodeToString(randBytes[:])
		f, err := root.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		return f, name, nil
	}
	return nil, "", errors.New("failed to create temp file")
}

func isTemp(name string) bool {
	return strings.HasPrefix(name, tempPrefix)
}
