package cache

// ScopedKeyer wraps a Keyer with a prefix.
// It keeps several tools, or several projects, apart when they share one
// Redis database:
//
//	keyer := NewScopedKeyer(NewDefaultKeyer(), "polypkg:")
type ScopedKeyer struct {
	inner  Keyer
	prefix string
}

// NewScopedKeyer creates a keyer with a prefix.
// The prefix is prepended to all generated keys.
func NewScopedKeyer(inner Keyer, prefix string) Keyer {
	if inner == nil {
		inner = NewDefaultKeyer()
	}
	return &ScopedKeyer{
		inner:  inner,
		prefix: prefix,
	}
}

// MetadataKey generates a prefixed metadata key.
func (k *ScopedKeyer) MetadataKey(registry, name string) string {
	return k.prefix + k.inner.MetadataKey(registry, name)
}
