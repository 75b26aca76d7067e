package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Keyer builds cache keys.
type Keyer interface {
	// MetadataKey is the key for a package document fetched from registry.
	MetadataKey(registry, name string) string
}

// DefaultKeyer hashes the registry URL so entries from different registries
// never collide, and keeps the package name readable.
type DefaultKeyer struct{}

// NewDefaultKeyer creates the default keyer.
func NewDefaultKeyer() Keyer {
	return DefaultKeyer{}
}

// MetadataKey returns "meta:<registry-hash[:12]>:<name>".
func (DefaultKeyer) MetadataKey(registry, name string) string {
	reg := Hash([]byte(strings.TrimRight(registry, "/")))
	return "meta:" + reg[:12] + ":" + name
}

// Hash returns the hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
