package resolve

import (
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/OpenChatGit/polypkg/pkg/errors"
)

// Requirement records who asked for a package and with which range.
// From is empty for the project's own dependencies.
type Requirement struct {
	From  string `json:"from,omitempty"`
	Range string `json:"range"`
}

func (r Requirement) String() string {
	from := r.From
	if from == "" {
		from = "<project>"
	}
	return from + " wants " + displayRange(r.Range)
}

func displayRange(r string) string {
	if r == "" {
		return "latest"
	}
	return r
}

// requirement is the parsed, resolver-internal form of a [Requirement].
type requirement struct {
	from        string
	fromVersion string // version of the requirer that declared it
	raw         string

	constraint *semver.Constraints // nil for tags and unparseable ranges
	tag        string              // dist-tag name when raw is not a range
	latest     bool                // "" or "latest"
}

// newRequirement parses raw. Anything Masterminds cannot parse and that
// looks like a bare word is kept as a dist-tag reference, resolved later
// against the package document.
func newRequirement(from, fromVersion, raw string) (requirement, error) {
	r := requirement{from: from, fromVersion: fromVersion, raw: raw}
	trimmed := strings.TrimSpace(raw)
	switch trimmed {
	case "", "latest":
		r.latest = true
		return r, nil
	case "x", "X":
		trimmed = "*"
	}
	c, err := semver.NewConstraint(trimmed)
	if err == nil {
		r.constraint = c
		return r, nil
	}
	if isTagName(trimmed) {
		r.tag = trimmed
		return r, nil
	}
	return r, errors.Wrap(errors.ErrCodeInvalidInput, err, "invalid version range %q", raw)
}

func isTagName(s string) bool {
	if s == "" || !(s[0] >= 'a' && s[0] <= 'z' || s[0] >= 'A' && s[0] <= 'Z') {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}

// allows reports whether v satisfies the requirement. tags maps dist-tag
// names to versions for the package being checked.
func (r requirement) allows(v *semver.Version, tags map[string]string) bool {
	switch {
	case r.latest:
		// Any stable release; the tag itself only steers the initial pick.
		return v.Prerelease() == "" || tags["latest"] == v.Original()
	case r.constraint != nil:
		return r.constraint.Check(v)
	case r.tag != "":
		return tags[r.tag] == v.Original()
	default:
		return false
	}
}

func (r requirement) public() Requirement {
	return Requirement{From: r.from, Range: r.raw}
}

func (r requirement) same(o requirement) bool {
	return r.from == o.from && r.fromVersion == o.fromVersion && r.raw == o.raw
}
