package errors

import (
	"net/url"
	"path"
	"regexp"
	"strings"
	"unicode"
)

// packageNameRegex matches registry package names, optionally scoped.
var packageNameRegex = regexp.MustCompile(`^(@[a-z0-9-~][a-z0-9-._~]*/)?[a-z0-9-~][a-z0-9-._~]*$`)

// ValidatePackageName validates a package name for safety and correctness.
// It rejects names that could be used for path traversal when the name
// becomes a directory under the packages root.
//
// Rules:
//   - No empty names, maximum length of 214 characters
//   - No control characters, null bytes or backslashes
//   - No path traversal sequences
//   - Lowercase, optionally scoped as @scope/name
func ValidatePackageName(name string) error {
	if name == "" {
		return New(ErrCodeInvalidPackage, "package name cannot be empty")
	}

	if len(name) > 214 {
		return New(ErrCodeInvalidPackage, "package name too long (max 214 characters)")
	}

	for _, r := range name {
		if unicode.IsControl(r) {
			return New(ErrCodeInvalidPackage, "package name contains invalid control characters")
		}
	}

	for _, pattern := range []string{"..", "//", "\\"} {
		if strings.Contains(name, pattern) {
			return New(ErrCodeInvalidPackage, "package name contains invalid characters: %q", pattern)
		}
	}

	if strings.ToLower(name) != name {
		return New(ErrCodeInvalidPackage, "package names must be lowercase: %q", name)
	}

	if !packageNameRegex.MatchString(name) {
		return New(ErrCodeInvalidPackage, "invalid package name: %q", name)
	}

	return nil
}

// ValidateArchivePath validates a member path from a package archive after
// its wrapper directory has been removed. The path must stay inside the
// extraction root.
func ValidateArchivePath(p string) error {
	if p == "" {
		return New(ErrCodeInvalidPath, "path cannot be empty")
	}

	const maxPathLength = 1024
	if len(p) > maxPathLength {
		return New(ErrCodeInvalidPath, "path too long (max %d characters)", maxPathLength)
	}

	for _, r := range p {
		if r == '\x00' || unicode.IsControl(r) {
			return New(ErrCodeInvalidPath, "path contains invalid characters")
		}
	}

	if strings.HasPrefix(p, "/") {
		return New(ErrCodeInvalidPath, "path must be relative: %q", p)
	}

	if strings.Contains(p, "\\") {
		return New(ErrCodeInvalidPath, "path cannot contain backslashes: %q", p)
	}

	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return New(ErrCodeInvalidPath, "path escapes the package directory: %q", p)
	}

	return nil
}

// ValidateRegistryURL validates a registry base URL.
// It must be absolute and use http or https.
func ValidateRegistryURL(raw string) error {
	if raw == "" {
		return New(ErrCodeInvalidInput, "registry URL cannot be empty")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Wrap(ErrCodeInvalidInput, err, "invalid registry URL %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return New(ErrCodeInvalidInput, "registry URL must use http or https scheme")
	}
	if u.Host == "" {
		return New(ErrCodeInvalidInput, "registry URL must include a host")
	}

	return nil
}
