// Package install downloads, verifies and extracts resolved packages into a
// project's packages directory.
//
// Each package lands in packages/<name>/ with the archive's wrapper
// directory removed. Work runs on a bounded pool; one package failing does
// not stop the others, and every failure is collected in the [Report].
//
// A package is extracted into packages/.staging first and renamed into
// place only after the whole archive was written, so an interrupted run
// never leaves a half-extracted package behind. Installed directories carry
// a marker recording the verified digest; later runs skip packages whose
// marker matches.
package install

import (
	"context"
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/OpenChatGit/polypkg/pkg/errors"
	"github.com/OpenChatGit/polypkg/pkg/integrity"
	"github.com/OpenChatGit/polypkg/pkg/observability"
	"github.com/OpenChatGit/polypkg/pkg/resolve"
)

// DirName is the install directory inside a project.
const DirName = "packages"

const (
	defaultConcurrency = 8
	stagingDir         = ".staging"
	lockName           = ".polypkg.lock"
)

// Downloader fetches tarball bytes. [registry.Client] implements it.
type Downloader interface {
	DownloadTarball(ctx context.Context, url string) ([]byte, error)
}

// Options configures a [Manager].
type Options struct {
	// Concurrency bounds parallel package installs (default 8).
	Concurrency int

	// Force reinstalls packages even when their marker matches.
	Force bool

	Logger *log.Logger
}

// WithDefaults returns a copy of o with zero fields filled in.
func (o Options) WithDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = defaultConcurrency
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	return o
}

// Manager installs packages below one directory.
type Manager struct {
	dl   Downloader
	dir  string
	opts Options
}

// NewManager creates a Manager that installs into dir.
func NewManager(dl Downloader, dir string, opts Options) *Manager {
	return &Manager{dl: dl, dir: dir, opts: opts.WithDefaults()}
}

// Dir returns the install root.
func (m *Manager) Dir() string { return m.dir }

// PackageDir returns the directory of name. Scoped names nest under their
// scope: @scope/name installs into <dir>/@scope/name.
func (m *Manager) PackageDir(name string) string {
	return filepath.Join(m.dir, filepath.FromSlash(name))
}

// Install brings every node of g into place.
//
// The returned error covers failures of the run itself: the install root
// cannot be created or locked, or ctx ended. Per-package failures are
// reported in Report.Failures; check [Report.Err].
func (m *Manager) Install(ctx context.Context, g *resolve.Graph) (*Report, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrCodeExtractionFailed, err, "create %s", m.dir)
	}

	report := newReport()
	err := withLock(ctx, filepath.Join(m.dir, lockName), m.opts.Logger, func() error {
		os.RemoveAll(filepath.Join(m.dir, stagingDir))

		var (
			mu    sync.Mutex
			group errgroup.Group
		)
		group.SetLimit(m.opts.Concurrency)
		for _, n := range g.Sorted() {
			group.Go(func() error {
				res := m.installOne(ctx, n)
				mu.Lock()
				report.add(n, res)
				mu.Unlock()
				return nil
			})
		}
		group.Wait()
		return nil
	})
	if err != nil {
		return nil, err
	}

	report.sort()
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

type outcome struct {
	skipped bool
	digest  string
	err     error
}

func (m *Manager) installOne(ctx context.Context, n *resolve.ResolvedNode) (res outcome) {
	start := time.Now()
	hooks := observability.Install()
	hooks.OnPackageStart(ctx, n.Name, n.Version)
	defer func() {
		hooks.OnPackageComplete(ctx, n.Name, n.Version, res.skipped, time.Since(start), res.err)
	}()

	if err := ctx.Err(); err != nil {
		return outcome{err: err}
	}
	if err := errors.ValidatePackageName(n.Name); err != nil {
		return outcome{err: err}
	}

	dest := m.PackageDir(n.Name)
	if !m.opts.Force {
		if mk, ok := readMarker(dest); ok && mk.satisfies(n) {
			m.opts.Logger.Debug("already installed", "package", n.ID())
			return outcome{skipped: true, digest: mk.Integrity}
		}
	}

	if n.TarballURL == "" {
		return outcome{err: errors.New(errors.ErrCodeInvalidInput, "no tarball URL")}
	}
	data, err := m.dl.DownloadTarball(ctx, n.TarballURL)
	if err != nil {
		return outcome{err: err}
	}
	if err := integrity.Verify(data, n.Integrity); err != nil {
		return outcome{err: err}
	}
	digest := integrity.Sum256(data)

	if err := m.place(data, dest, marker{
		Name:      n.Name,
		Version:   n.Version,
		Integrity: digest,
		Source:    n.Integrity,
	}); err != nil {
		return outcome{err: err}
	}
	m.opts.Logger.Debug("installed", "package", n.ID(), "bytes", len(data), "took", time.Since(start).Round(time.Millisecond))
	return outcome{digest: digest}
}

// place extracts data into a fresh staging directory and swaps it in for
// dest.
func (m *Manager) place(data []byte, dest string, mk marker) error {
	staging := filepath.Join(m.dir, stagingDir, uuid.NewString())
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return errors.Wrap(errors.ErrCodeExtractionFailed, err, "create staging directory")
	}
	defer os.RemoveAll(staging)

	if err := extract(data, staging, m.opts.Logger); err != nil {
		return err
	}
	if err := writeMarker(staging, mk); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrap(errors.ErrCodeExtractionFailed, err, "create %s", filepath.Dir(dest))
	}
	old := staging + ".old"
	if err := os.Rename(dest, old); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return errors.Wrap(errors.ErrCodeExtractionFailed, err, "move aside %s", dest)
	}
	defer os.RemoveAll(old)
	if err := os.Rename(staging, dest); err != nil {
		os.Rename(old, dest)
		return errors.Wrap(errors.ErrCodeExtractionFailed, err, "move into %s", dest)
	}
	return nil
}

// Remove deletes the installed directory of name, if any.
func (m *Manager) Remove(name string) error {
	if err := errors.ValidatePackageName(name); err != nil {
		return err
	}
	if err := os.RemoveAll(m.PackageDir(name)); err != nil {
		return errors.Wrap(errors.ErrCodeExtractionFailed, err, "remove %s", name)
	}
	m.removeEmptyScope(name)
	return nil
}

// Prune removes installed packages not named in keep. Only directories
// carrying an install marker are touched. It returns the removed names,
// sorted.
func (m *Manager) Prune(keep map[string]bool) ([]string, error) {
	installed, err := m.Installed()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, name := range installed {
		if keep[name] {
			continue
		}
		if err := m.Remove(name); err != nil {
			return removed, err
		}
		removed = append(removed, name)
	}
	return removed, nil
}

// Installed lists the names of every package directory that carries an
// install marker, sorted.
func (m *Manager) Installed() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "read %s", m.dir)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() || e.Name() == stagingDir {
			continue
		}
		if e.Name()[0] != '@' {
			if _, ok := readMarker(filepath.Join(m.dir, e.Name())); ok {
				names = append(names, e.Name())
			}
			continue
		}
		scoped, err := os.ReadDir(filepath.Join(m.dir, e.Name()))
		if err != nil {
			continue
		}
		for _, s := range scoped {
			name := e.Name() + "/" + s.Name()
			if _, ok := readMarker(m.PackageDir(name)); s.IsDir() && ok {
				names = append(names, name)
			}
		}
	}
	slices.Sort(names)
	return names, nil
}

func (m *Manager) removeEmptyScope(name string) {
	if name[0] != '@' {
		return
	}
	scope := filepath.Dir(m.PackageDir(name))
	if entries, err := os.ReadDir(scope); err == nil && len(entries) == 0 {
		os.Remove(scope)
	}
}
