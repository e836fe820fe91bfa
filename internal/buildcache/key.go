// Package buildcache is the persistent, content-addressed cache shared by
// the dependency resolver and the layer controller. Entries map a Key to the
// digest of a blob; blobs live in a BlobStore; writers of the same key are
// serialized by a Locker.
package buildcache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
)

// Key is a hex sha256 cache key.
type Key string

// NewKey deterministically computes a key for a list of parts.
// It prefixes each part with its length (8-byte big-endian) before hashing to
// avoid collisions between sequences like ["ab", "c"] and ["a", "bc"].
func NewKey(parts ...string) Key {
	h := sha256.New()
	var lenBuf [8]byte

	for _, part := range parts {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(part)))
		h.Write(lenBuf[:])
		io.WriteString(h, part)
	}

	return Key(hex.EncodeToString(h.Sum(nil)))
}

func (k Key) String() string { return string(k) }

// Short returns the first 12 characters, suitable for tags and log lines.
func (k Key) Short() string {
	if len(k) <= 12 {
		return string(k)
	}
	return string(k[:12])
}
