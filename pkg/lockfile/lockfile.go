package lockfile

import (
	"maps"
	"slices"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/lo"

	"github.com/OpenChatGit/polypkg/pkg/errors"
	"github.com/OpenChatGit/polypkg/pkg/integrity"
	"github.com/OpenChatGit/polypkg/pkg/resolve"
)

// FileName is the lockfile name inside a project.
const FileName = "poly.lock"

// Entry is the locked state of one package.
type Entry struct {
	Version      string   `json:"version"`
	Integrity    string   `json:"integrity"`
	Dependencies []string `json:"dependencies"`
}

// Lockfile maps package names to their locked entries.
type Lockfile map[string]Entry

// Names returns the locked package names in sorted order.
func (lf Lockfile) Names() []string {
	return slices.Sorted(maps.Keys(lf))
}

// Versions maps each locked name to its version.
func (lf Lockfile) Versions() map[string]string {
	return lo.MapValues(lf, func(e Entry, _ string) string { return e.Version })
}

// FromGraph converts a resolved graph to a lockfile. Every node must carry
// a "sha256-<hex>" integrity, i.e. the digest computed while installing.
func FromGraph(g *resolve.Graph) (Lockfile, error) {
	lf := make(Lockfile, g.Len())
	for _, n := range g.Sorted() {
		lf[n.Name] = Entry{
			Version:      n.Version,
			Integrity:    n.Integrity,
			Dependencies: normalizeDeps(n.Dependencies),
		}
	}
	if err := lf.Validate(); err != nil {
		return nil, err
	}
	return lf, nil
}

// ToGraph rebuilds the resolved graph described by lf without any registry
// queries. urlFor derives each tarball URL from name and version; it may be
// nil when no downloads will happen. The returned graph has no roots; the
// caller sets them from the manifest when it needs them.
func ToGraph(lf Lockfile, urlFor func(name, version string) string) (*resolve.Graph, error) {
	if err := lf.Validate(); err != nil {
		return nil, err
	}
	g := resolve.NewGraph()
	for _, name := range lf.Names() {
		e := lf[name]
		n := &resolve.ResolvedNode{
			Name:         name,
			Version:      e.Version,
			Integrity:    e.Integrity,
			Dependencies: normalizeDeps(e.Dependencies),
		}
		if urlFor != nil {
			n.TarballURL = urlFor(name, e.Version)
		}
		g.Add(n)
	}
	return g, nil
}

// Validate checks every entry of lf.
func (lf Lockfile) Validate() error {
	for _, name := range lf.Names() {
		e := lf[name]
		if err := errors.ValidatePackageName(name); err != nil {
			return errors.Wrap(errors.ErrCodeLockfileInvalid, err, "entry %q", name)
		}
		if _, err := semver.StrictNewVersion(e.Version); err != nil {
			return errors.Wrap(errors.ErrCodeLockfileInvalid, err, "%s: invalid version %q", name, e.Version)
		}
		if !integrity.IsLockForm(e.Integrity) {
			return errors.New(errors.ErrCodeLockfileInvalid, "%s@%s: integrity must be sha256-<hex>, got %q", name, e.Version, e.Integrity)
		}
		for _, dep := range e.Dependencies {
			if _, ok := lf[dep]; !ok {
				return errors.New(errors.ErrCodeLockfileInvalid, "%s@%s depends on %s, which is not locked", name, e.Version, dep)
			}
		}
	}
	return nil
}

// Changes summarizes how a lockfile differs from an earlier one.
type Changes struct {
	Added   []string
	Removed []string
	Updated []string
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Updated) == 0
}

// Diff compares old and lf by name and version.
func (lf Lockfile) Diff(old Lockfile) Changes {
	var c Changes
	for _, name := range lf.Names() {
		prev, ok := old[name]
		switch {
		case !ok:
			c.Added = append(c.Added, name)
		case prev.Version != lf[name].Version:
			c.Updated = append(c.Updated, name)
		}
	}
	for _, name := range old.Names() {
		if _, ok := lf[name]; !ok {
			c.Removed = append(c.Removed, name)
		}
	}
	return c
}

func normalizeDeps(deps []string) []string {
	out := slices.Clone(deps)
	if out == nil {
		out = []string{}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
