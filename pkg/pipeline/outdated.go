package pipeline

import (
	"context"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/OpenChatGit/polypkg/pkg/install"
	"github.com/OpenChatGit/polypkg/pkg/lockfile"
	"github.com/OpenChatGit/polypkg/pkg/manifest"
	"github.com/OpenChatGit/polypkg/pkg/resolve"
)

// Outdated describes a locked package with a newer release.
type Outdated struct {
	Name    string `json:"name"`
	Current string `json:"current"`
	// Wanted is the highest version the manifest range allows. Empty for
	// transitive dependencies, which have no range of their own.
	Wanted string `json:"wanted,omitempty"`
	Latest string `json:"latest"`
	Direct bool   `json:"direct"`
}

// CheckOutdated compares every locked package with the registry and
// returns those behind their latest or wanted version, sorted by name.
func (r *Runner) CheckOutdated(ctx context.Context, opts Options) ([]Outdated, error) {
	if err := opts.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	lf, err := lockfile.Read(opts.LockPath())
	if err != nil {
		return nil, err
	}
	m, err := manifest.Load(opts.ManifestPath())
	if err != nil {
		return nil, err
	}
	direct := lo.SliceToMap(m.Specs(), func(s resolve.PackageSpec) (string, resolve.PackageSpec) { return s.Name, s })

	names := lf.Names()
	rows := make([]Outdated, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i, name := range names {
		g.Go(func() error {
			meta, err := r.Registry.FetchMetadata(gctx, name)
			if err != nil {
				return err
			}
			row := Outdated{Name: name, Current: lf[name].Version, Latest: meta.Latest()}
			if spec, ok := direct[name]; ok {
				row.Direct = true
				row.Wanted, _ = resolve.HighestSatisfying(meta, spec.Range)
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return lo.Filter(rows, func(o Outdated, _ int) bool {
		return newer(o.Latest, o.Current) || newer(o.Wanted, o.Current)
	}), nil
}

// newer reports whether candidate is a higher version than current. A
// locked prerelease ahead of the latest tag is not outdated.
func newer(candidate, current string) bool {
	if candidate == "" {
		return false
	}
	cv, err := semver.NewVersion(candidate)
	if err != nil {
		return false
	}
	v, err := semver.NewVersion(current)
	if err != nil {
		return candidate != current
	}
	return cv.GreaterThan(v)
}

// Verify checks the installed packages against poly.lock without network
// access.
func (r *Runner) Verify(opts Options) ([]install.Status, error) {
	if err := opts.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	lf, err := lockfile.Read(opts.LockPath())
	if err != nil {
		return nil, err
	}
	g, err := lockfile.ToGraph(lf, nil)
	if err != nil {
		return nil, err
	}
	return r.manager(opts, r.Logger).Check(g), nil
}
