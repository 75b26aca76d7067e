package registry

import (
	"slices"

	"github.com/Masterminds/semver/v3"
)

// PackageMetadata is the registry document for one package name: every
// published version plus the dist-tags pointing into them.
//
// Only the fields the installer needs are kept; the rest of the registry
// response is discarded before caching.
type PackageMetadata struct {
	Name     string                 `json:"name"`
	DistTags map[string]string      `json:"dist-tags,omitempty"`
	Versions map[string]VersionInfo `json:"versions"`
}

// VersionInfo describes one published version.
type VersionInfo struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	Dist         Dist              `json:"dist"`
}

// Dist locates and fingerprints a version's tarball.
type Dist struct {
	Tarball   string `json:"tarball"`
	Shasum    string `json:"shasum,omitempty"`
	Integrity string `json:"integrity,omitempty"`
}

// Digest returns the strongest digest the registry published for the
// tarball: the subresource-integrity string when present, else the shasum.
func (d Dist) Digest() string {
	if d.Integrity != "" {
		return d.Integrity
	}
	return d.Shasum
}

// SortedVersions parses the published versions and returns them in
// ascending semver order. Versions that are not valid semver are skipped.
func (m *PackageMetadata) SortedVersions() []*semver.Version {
	out := make([]*semver.Version, 0, len(m.Versions))
	for raw := range m.Versions {
		v, err := semver.StrictNewVersion(raw)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b *semver.Version) int { return a.Compare(b) })
	return out
}

// Latest returns the "latest" dist-tag when it names a published version,
// otherwise the highest stable version, otherwise the highest version.
// Returns "" for a package with no versions.
func (m *PackageMetadata) Latest() string {
	if tag, ok := m.DistTags["latest"]; ok {
		if _, published := m.Versions[tag]; published {
			return tag
		}
	}
	versions := m.SortedVersions()
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Prerelease() == "" {
			return versions[i].Original()
		}
	}
	if len(versions) > 0 {
		return versions[len(versions)-1].Original()
	}
	return ""
}
