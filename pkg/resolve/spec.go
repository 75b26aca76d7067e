package resolve

import (
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/OpenChatGit/polypkg/pkg/errors"
	"github.com/OpenChatGit/polypkg/pkg/registry"
)

// PackageSpec is a dependency request: a package name plus the range of
// versions the requester accepts. An empty Range or "latest" means the
// registry's latest release.
type PackageSpec struct {
	Name  string `json:"name"`
	Range string `json:"range"`
}

// String renders the spec as name@range, or just name without a range.
func (s PackageSpec) String() string {
	if s.Range == "" {
		return s.Name
	}
	return s.Name + "@" + s.Range
}

// ParseSpec parses "name", "name@range", "@scope/name" or
// "@scope/name@range".
func ParseSpec(s string) (PackageSpec, error) {
	s = strings.TrimSpace(s)
	name, rng := s, ""
	if i := strings.LastIndex(s, "@"); i > 0 {
		name, rng = s[:i], strings.TrimSpace(s[i+1:])
	}
	if err := errors.ValidatePackageName(name); err != nil {
		return PackageSpec{}, err
	}
	if rng != "" {
		if _, err := newRequirement("", "", rng); err != nil {
			return PackageSpec{}, err
		}
	}
	return PackageSpec{Name: name, Range: rng}, nil
}

// Accepts reports whether version satisfies the spec's range without
// consulting the registry. Dist-tag ranges, "latest" included, cannot be
// judged offline and accept any version.
func (s PackageSpec) Accepts(version string) bool {
	req, err := newRequirement("", "", s.Range)
	if err != nil {
		return false
	}
	if req.latest || req.tag != "" {
		return true
	}
	v, err := semver.StrictNewVersion(version)
	if err != nil {
		return false
	}
	return req.allows(v, nil)
}

// HighestSatisfying returns the version of m that a fresh resolution of
// the range rng alone would pick.
func HighestSatisfying(m *registry.PackageMetadata, rng string) (string, bool) {
	req, err := newRequirement("", "", rng)
	if err != nil {
		return "", false
	}
	if req.latest {
		if tag, ok := m.DistTags["latest"]; ok {
			if _, published := m.Versions[tag]; published {
				return tag, true
			}
		}
	}
	versions := m.SortedVersions()
	for i := len(versions) - 1; i >= 0; i-- {
		if req.allows(versions[i], m.DistTags) {
			return versions[i].Original(), true
		}
	}
	return "", false
}
