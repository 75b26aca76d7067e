package pipeline

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/OpenChatGit/polypkg/pkg/errors"
	"github.com/OpenChatGit/polypkg/pkg/install"
	"github.com/OpenChatGit/polypkg/pkg/lockfile"
	"github.com/OpenChatGit/polypkg/pkg/manifest"
	"github.com/OpenChatGit/polypkg/pkg/resolve"
)

// Runner executes commands against one registry.
//
// The Runner holds no per-project state; one Runner may serve several
// projects and goroutines, as long as two runs never target the same
// project directory at the same time.
type Runner struct {
	Registry Registry
	Logger   *log.Logger
}

// NewRunner creates a runner. A nil logger uses log.Default().
func NewRunner(reg Registry, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{Registry: reg, Logger: logger}
}

// ResolveAndInstall resolves specs from scratch, installs the result and
// writes poly.lock.
func (r *Runner) ResolveAndInstall(ctx context.Context, opts Options, specs []resolve.PackageSpec) (*Result, error) {
	if err := opts.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return r.resolveAndInstall(ctx, opts, specs, nil)
}

// InstallFromLock installs exactly the packages poly.lock records, without
// resolving. A missing lockfile fails with LOCKFILE_NOT_FOUND.
func (r *Runner) InstallFromLock(ctx context.Context, opts Options) (*Result, error) {
	if err := opts.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	m, err := manifest.Load(opts.ManifestPath())
	if err != nil {
		return nil, err
	}
	lf, err := lockfile.Read(opts.LockPath())
	if err != nil {
		return nil, err
	}
	return r.installLocked(ctx, opts, lf, m.Specs())
}

// Install is the plain install command. It installs from poly.lock when
// the lockfile still covers poly.toml; otherwise it resolves again,
// keeping locked versions that still satisfy their ranges.
func (r *Runner) Install(ctx context.Context, opts Options) (*Result, error) {
	if err := opts.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	m, err := manifest.Load(opts.ManifestPath())
	if err != nil {
		return nil, err
	}
	specs := m.Specs()

	lf, err := lockfile.Read(opts.LockPath())
	switch {
	case err == nil && lockCovers(lf, specs):
		return r.installLocked(ctx, opts, lf, specs)
	case err == nil:
		r.Logger.Info("lockfile is out of date, resolving", "lockfile", opts.LockPath())
		return r.resolveAndInstall(ctx, opts, specs, lf.Versions())
	case errors.Is(err, errors.ErrCodeLockfileNotFound):
		return r.resolveAndInstall(ctx, opts, specs, nil)
	default:
		return nil, err
	}
}

// AddPackage declares spec in poly.toml and re-resolves. Without a range
// the manifest records ^<resolved version>. The manifest is only changed
// when the install succeeded.
func (r *Runner) AddPackage(ctx context.Context, opts Options, spec resolve.PackageSpec) (*Result, error) {
	if err := opts.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if _, err := resolve.ParseSpec(spec.String()); err != nil {
		return nil, err
	}
	m, err := manifest.Load(opts.ManifestPath())
	if err != nil {
		return nil, err
	}

	specs := withSpec(m.Specs(), spec)
	prefer := r.lockedVersions(opts)
	delete(prefer, spec.Name)

	res, err := r.resolveAndInstall(ctx, opts, specs, prefer)
	if err != nil {
		return res, err
	}

	rng := spec.Range
	if rng == "" {
		rng = "^" + res.Graph.Nodes[spec.Name].Version
	}
	if err := m.Set(spec.Name, rng); err != nil {
		return res, err
	}
	if err := m.Save(); err != nil {
		return res, err
	}
	res.Specs = m.Specs()
	res.Graph.Roots = res.Specs
	return res, nil
}

// RemovePackage drops name from poly.toml, re-resolves the remaining
// dependencies and deletes packages nothing needs any more.
func (r *Runner) RemovePackage(ctx context.Context, opts Options, name string) (*Result, error) {
	if err := opts.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	m, err := manifest.Load(opts.ManifestPath())
	if err != nil {
		return nil, err
	}
	if !m.Has(name) {
		return nil, errors.New(errors.ErrCodeInvalidInput, "%s is not a dependency in %s", name, opts.ManifestPath())
	}

	specs := lo.Reject(m.Specs(), func(s resolve.PackageSpec, _ int) bool { return s.Name == name })
	prefer := r.lockedVersions(opts)
	delete(prefer, name)

	res, err := r.resolveAndInstall(ctx, opts, specs, prefer)
	if err != nil {
		return res, err
	}
	if _, err := m.Remove(name); err != nil {
		return res, err
	}
	if err := m.Save(); err != nil {
		return res, err
	}
	return res, nil
}

// Update re-resolves ignoring locked versions. With names, only those
// direct dependencies move; every other package keeps its locked version
// when it still fits.
func (r *Runner) Update(ctx context.Context, opts Options, names ...string) (*Result, error) {
	if err := opts.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	m, err := manifest.Load(opts.ManifestPath())
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if !m.Has(name) {
			return nil, errors.New(errors.ErrCodeInvalidInput, "%s is not a dependency in %s", name, opts.ManifestPath())
		}
	}

	var prefer map[string]string
	if len(names) > 0 {
		prefer = r.lockedVersions(opts)
		for _, name := range names {
			delete(prefer, name)
		}
	}
	return r.resolveAndInstall(ctx, opts, m.Specs(), prefer)
}

// LoadGraph returns the project's dependency graph: from poly.lock when it
// exists, otherwise by resolving poly.toml without installing anything.
// The boolean reports whether the lockfile was used.
func (r *Runner) LoadGraph(ctx context.Context, opts Options) (*resolve.Graph, bool, error) {
	if err := opts.ValidateAndSetDefaults(); err != nil {
		return nil, false, err
	}
	m, err := manifest.Load(opts.ManifestPath())
	if err != nil {
		return nil, false, err
	}

	lf, err := lockfile.Read(opts.LockPath())
	if err == nil {
		g, err := lockfile.ToGraph(lf, r.Registry.TarballURL)
		if err != nil {
			return nil, false, err
		}
		g.Roots = m.Specs()
		return g, true, nil
	}
	if !errors.Is(err, errors.ErrCodeLockfileNotFound) {
		return nil, false, err
	}

	g, err := resolve.New(r.Registry, resolve.Options{Strict: opts.Strict, Logger: r.Logger}).Resolve(ctx, m.Specs())
	return g, false, err
}

func (r *Runner) resolveAndInstall(ctx context.Context, opts Options, specs []resolve.PackageSpec, prefer map[string]string) (*Result, error) {
	logger := r.Logger.With("run", runID())
	res := &Result{Specs: specs}

	start := time.Now()
	g, err := resolve.New(r.Registry, resolve.Options{
		Strict: opts.Strict,
		Prefer: prefer,
		Logger: logger,
	}).Resolve(ctx, specs)
	if err != nil {
		return nil, err
	}
	res.Graph = g
	res.Stats.ResolveTime = time.Since(start)
	res.Stats.Packages = g.Len()
	logger.Info("resolved dependencies", "packages", g.Len(), "conflicts", len(g.Conflicts), "duration", res.Stats.ResolveTime)

	if err := r.installGraph(ctx, opts, g, res, logger); err != nil {
		return res, err
	}

	for _, n := range g.Nodes {
		n.Integrity = res.Report.Digests[n.Name]
	}
	lf, err := lockfile.FromGraph(g)
	if err != nil {
		return res, err
	}
	old, _ := lockfile.Read(opts.LockPath())
	if err := lockfile.Write(opts.LockPath(), lf); err != nil {
		return res, err
	}
	res.Lockfile = lf
	res.Changes = lf.Diff(old)
	logger.Debug("wrote lockfile", "path", opts.LockPath(),
		"added", len(res.Changes.Added), "removed", len(res.Changes.Removed), "updated", len(res.Changes.Updated))

	return res, r.finish(opts, g, res, logger)
}

func (r *Runner) installLocked(ctx context.Context, opts Options, lf lockfile.Lockfile, specs []resolve.PackageSpec) (*Result, error) {
	logger := r.Logger.With("run", runID())

	g, err := lockfile.ToGraph(lf, r.Registry.TarballURL)
	if err != nil {
		return nil, err
	}
	g.Roots = specs
	res := &Result{Specs: specs, Graph: g, Lockfile: lf, FromLock: true}
	res.Stats.Packages = g.Len()
	logger.Info("installing from lockfile", "packages", g.Len())

	if err := r.installGraph(ctx, opts, g, res, logger); err != nil {
		return res, err
	}
	return res, r.finish(opts, g, res, logger)
}

func (r *Runner) installGraph(ctx context.Context, opts Options, g *resolve.Graph, res *Result, logger *log.Logger) error {
	start := time.Now()
	mgr := r.manager(opts, logger)
	report, err := mgr.Install(ctx, g)
	res.Report = report
	res.Stats.InstallTime = time.Since(start)
	if err != nil {
		return err
	}
	logger.Info("installed packages",
		"installed", len(report.Installed),
		"skipped", len(report.Skipped),
		"failed", len(report.Failures),
		"duration", res.Stats.InstallTime)
	return report.Err()
}

// finish removes packages outside g and makes sure packages/ is ignored
// by git.
func (r *Runner) finish(opts Options, g *resolve.Graph, res *Result, logger *log.Logger) error {
	keep := lo.SliceToMap(g.Names(), func(name string) (string, bool) { return name, true })
	pruned, err := r.manager(opts, logger).Prune(keep)
	res.Pruned = pruned
	if err != nil {
		return err
	}
	if len(pruned) > 0 {
		logger.Info("removed unused packages", "packages", pruned)
	}

	if changed, err := ensureGitignore(opts.Dir); err != nil {
		logger.Warn("could not update .gitignore", "err", err)
	} else if changed {
		logger.Debug("added packages directory to .gitignore")
	}
	return nil
}

func (r *Runner) manager(opts Options, logger *log.Logger) *install.Manager {
	return install.NewManager(r.Registry, opts.PackagesPath(), install.Options{
		Concurrency: opts.Concurrency,
		Force:       opts.Force,
		Logger:      logger,
	})
}

// lockedVersions returns the versions in poly.lock, or an empty map when
// there is no usable lockfile.
func (r *Runner) lockedVersions(opts Options) map[string]string {
	lf, err := lockfile.Read(opts.LockPath())
	if err != nil {
		if !errors.Is(err, errors.ErrCodeLockfileNotFound) {
			r.Logger.Warn("ignoring unreadable lockfile", "err", err)
		}
		return map[string]string{}
	}
	return lf.Versions()
}

// lockCovers reports whether lf still describes specs: every root is
// locked at a version its range accepts and nothing else is locked.
func lockCovers(lf lockfile.Lockfile, specs []resolve.PackageSpec) bool {
	roots := make([]string, 0, len(specs))
	for _, s := range specs {
		e, ok := lf[s.Name]
		if !ok || !s.Accepts(e.Version) {
			return false
		}
		roots = append(roots, s.Name)
	}
	g, err := lockfile.ToGraph(lf, nil)
	if err != nil {
		return false
	}
	return len(g.Reachable(roots)) == len(lf)
}

// withSpec returns specs with spec added or replacing the entry of the
// same name, sorted by name.
func withSpec(specs []resolve.PackageSpec, spec resolve.PackageSpec) []resolve.PackageSpec {
	byName := lo.SliceToMap(specs, func(s resolve.PackageSpec) (string, resolve.PackageSpec) { return s.Name, s })
	byName[spec.Name] = spec
	out := make([]resolve.PackageSpec, 0, len(byName))
	for _, name := range slices.Sorted(maps.Keys(byName)) {
		out = append(out, byName[name])
	}
	return out
}

func runID() string {
	return uuid.NewString()[:8]
}
