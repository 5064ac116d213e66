// Package cache defines the tiers of the image cache and the canonical key
// shared by them.
//
// A remote path is mapped to a [Key] with [Canonicalize]. The same key
// addresses the memory tier and names the file in the disk tier, so a path
// always lands in the same slot across calls and process restarts.
package cache

import (
	digest "github.com/opencontainers/go-digest"

	"github.com/meigma/imagecache/raster"
)

// Key is the canonical, filesystem-safe identifier of a cached image.
type Key string

// keyLen is the length of a hex-encoded SHA256 sum.
const keyLen = 64

// Canonicalize derives the cache key for a remote path.
//
// The key is the lowercase hex SHA256 of the path bytes. Every string,
// including the empty string, has exactly one key.
func Canonicalize(path string) Key {
	return Key(digest.SHA256.FromString(path).Encoded())
}

// Valid reports whether k has the shape produced by [Canonicalize].
func (k Key) Valid() bool {
	if len(k) != keyLen {
		return false
	}
	for i := 0; i < len(k); i++ {
		ch := k[i]
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') {
			return false
		}
	}
	return true
}

// String returns the key as a plain string.
func (k Key) String() string {
	return string(k)
}

// Memory is a bounded in-process tier holding decoded-size-costed images.
//
// Implementations may evict entries at any time and must be safe for
// concurrent use.
type Memory interface {
	// Get returns the image cached under key.
	Get(key Key) (raster.Image, bool)

	// Set stores img under key with the given cost.
	Set(key Key, img raster.Image, cost int64)

	// Purge removes every entry.
	Purge()
}

// Disk is the persistent tier holding encoded image bytes.
//
// Get must only report hits for content that decodes as an image. Put must
// not expose partially written content to Get.
type Disk interface {
	// Get returns the encoded image stored under key.
	Get(key Key) ([]byte, bool)

	// Put stores encoded image bytes under key.
	Put(key Key, data []byte) error

	// RemoveAll deletes every entry.
	RemoveAll() error

	// SizeBytes returns the total size of stored entries.
	SizeBytes() (int64, error)
}
