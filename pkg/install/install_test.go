package install

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenChatGit/polypkg/pkg/errors"
	"github.com/OpenChatGit/polypkg/pkg/httputil"
	"github.com/OpenChatGit/polypkg/pkg/integrity"
	"github.com/OpenChatGit/polypkg/pkg/registry"
	"github.com/OpenChatGit/polypkg/pkg/registrytest"
	"github.com/OpenChatGit/polypkg/pkg/resolve"
)

var quiet = log.New(io.Discard)

type fixture struct {
	srv    *registrytest.Server
	client *registry.Client
	dir    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := registrytest.New(t)
	client := registry.NewClient(registry.Options{
		BaseURL: srv.URL,
		Retry:   &httputil.Policy{Attempts: 3, Delay: time.Millisecond},
		Logger:  quiet,
	})
	return &fixture{srv: srv, client: client, dir: filepath.Join(t.TempDir(), DirName)}
}

func (f *fixture) manager(opts Options) *Manager {
	opts.Logger = quiet
	return NewManager(f.client, f.dir, opts)
}

// node describes a published release with the lockfile digest of its bytes.
func (f *fixture) node(name, version string, deps ...string) *resolve.ResolvedNode {
	if deps == nil {
		deps = []string{}
	}
	return &resolve.ResolvedNode{
		Name:         name,
		Version:      version,
		TarballURL:   f.client.TarballURL(name, version),
		Integrity:    integrity.Sum256(f.srv.Tarball(name, version)),
		Dependencies: deps,
	}
}

func graphOf(nodes ...*resolve.ResolvedNode) *resolve.Graph {
	g := resolve.NewGraph()
	for _, n := range nodes {
		g.Add(n)
	}
	return g
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestInstallExtractsPackages(t *testing.T) {
	f := newFixture(t)
	f.srv.PublishFiles("alpha", "1.2.0", nil, map[string]string{
		"index.js":      "export default 'alpha';\n",
		"dist/alpha.js": "alpha dist\n",
	})
	f.srv.Publish("beta", "2.1.5", nil)

	g := graphOf(f.node("alpha", "1.2.0", "beta"), f.node("beta", "2.1.5"))
	report, err := f.manager(Options{}).Install(context.Background(), g)
	require.NoError(t, err)
	require.NoError(t, report.Err())

	assert.Equal(t, []string{"alpha", "beta"}, report.Installed)
	assert.Empty(t, report.Skipped)
	assert.Equal(t, integrity.Sum256(f.srv.Tarball("alpha", "1.2.0")), report.Digests["alpha"])

	assert.Equal(t, "export default 'alpha';\n", readFile(t, filepath.Join(f.dir, "alpha", "index.js")))
	assert.Equal(t, "alpha dist\n", readFile(t, filepath.Join(f.dir, "alpha", "dist", "alpha.js")))
	assert.NoDirExists(t, filepath.Join(f.dir, "alpha", "package"), "wrapper directory is stripped")
	assert.FileExists(t, filepath.Join(f.dir, "beta", "package.json"))
	assert.FileExists(t, filepath.Join(f.dir, "beta", MarkerName))

	entries, err := os.ReadDir(filepath.Join(f.dir, stagingDir))
	if err == nil {
		assert.Empty(t, entries, "staging is cleaned up")
	}
}

func TestInstallAcceptsRegistryDigest(t *testing.T) {
	f := newFixture(t)
	f.srv.Publish("alpha", "1.0.0", nil)

	meta, err := f.client.FetchMetadata(context.Background(), "alpha")
	require.NoError(t, err)
	v := meta.Versions["1.0.0"]

	n := &resolve.ResolvedNode{Name: "alpha", Version: "1.0.0", TarballURL: v.Dist.Tarball, Integrity: v.Dist.Digest()}
	m := f.manager(Options{})

	report, err := m.Install(context.Background(), graphOf(n))
	require.NoError(t, err)
	require.NoError(t, report.Err())
	assert.Equal(t, integrity.Sum256(f.srv.Tarball("alpha", "1.0.0")), report.Digests["alpha"])

	// The same registry digest is recognised on the next run.
	report, err = m.Install(context.Background(), graphOf(n))
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, report.Skipped)
}

func TestInstallIdempotent(t *testing.T) {
	f := newFixture(t)
	f.srv.Publish("alpha", "1.0.0", nil)
	f.srv.Publish("@scope/beta", "1.0.0", nil)
	g := graphOf(f.node("alpha", "1.0.0"), f.node("@scope/beta", "1.0.0"))
	m := f.manager(Options{})

	_, err := m.Install(context.Background(), g)
	require.NoError(t, err)
	hits := f.srv.TarballHits()
	before := snapshot(t, f.dir)

	report, err := m.Install(context.Background(), g)
	require.NoError(t, err)
	require.NoError(t, report.Err())

	assert.Equal(t, hits, f.srv.TarballHits(), "no downloads on the second run")
	assert.Empty(t, report.Installed)
	assert.Equal(t, []string{"@scope/beta", "alpha"}, report.Skipped)
	assert.Len(t, report.Digests, 2)
	assert.Equal(t, before, snapshot(t, f.dir))
}

func TestInstallForce(t *testing.T) {
	f := newFixture(t)
	f.srv.Publish("alpha", "1.0.0", nil)
	g := graphOf(f.node("alpha", "1.0.0"))

	_, err := f.manager(Options{}).Install(context.Background(), g)
	require.NoError(t, err)
	report, err := f.manager(Options{Force: true}).Install(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, report.Installed)
	assert.Equal(t, 2, f.srv.Hits(registrytest.TarballPath("alpha", "1.0.0")))
}

func TestInstallIntegrityGate(t *testing.T) {
	f := newFixture(t)
	f.srv.Publish("alpha", "1.0.0", nil)
	f.srv.Publish("beta", "1.0.0", nil)
	g := graphOf(f.node("alpha", "1.0.0"), f.node("beta", "1.0.0"))

	corrupted := append([]byte(nil), f.srv.Tarball("beta", "1.0.0")...)
	corrupted[len(corrupted)/2] ^= 0xff
	f.srv.ReplaceTarball("beta", "1.0.0", corrupted)

	report, err := f.manager(Options{}).Install(context.Background(), g)
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha"}, report.Installed)
	require.Len(t, report.Failures, 1)
	fail := report.Failures[0]
	assert.Equal(t, "beta", fail.Name)
	assert.Equal(t, "integrity", fail.Kind())
	assert.True(t, errors.Is(report.Err(), errors.ErrCodeIntegrityMismatch))
	assert.True(t, report.HasIntegrityFailure())
	assert.Equal(t, []string{"beta"}, report.Failed())

	assert.NoDirExists(t, filepath.Join(f.dir, "beta"))
	assert.DirExists(t, filepath.Join(f.dir, "alpha"))
	assert.NotContains(t, report.Digests, "beta")
	assert.Equal(t, 1, f.srv.Hits(registrytest.TarballPath("beta", "1.0.0")), "mismatches are not retried")
}

func TestInstallMissingDigest(t *testing.T) {
	f := newFixture(t)
	f.srv.Publish("alpha", "1.0.0", nil)
	n := f.node("alpha", "1.0.0")
	n.Integrity = ""

	report, err := f.manager(Options{}).Install(context.Background(), graphOf(n))
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.True(t, errors.Is(report.Failures[0], errors.ErrCodeIntegrityInvalid))
	assert.NoDirExists(t, filepath.Join(f.dir, "alpha"))
}

func TestInstallDownloadFailureIsolated(t *testing.T) {
	f := newFixture(t)
	f.srv.Publish("alpha", "1.0.0", nil)
	f.srv.Publish("beta", "1.0.0", nil)
	f.srv.Fail(registrytest.TarballPath("alpha", "1.0.0"), 503)
	f.srv.Fail(registrytest.TarballPath("beta", "1.0.0"), 404)

	report, err := f.manager(Options{}).Install(context.Background(),
		graphOf(f.node("alpha", "1.0.0"), f.node("beta", "1.0.0")))
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha"}, report.Installed, "transient failure is retried")
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "registry", report.Failures[0].Kind())
	assert.True(t, errors.Is(report.Failures[0], errors.ErrCodeRegistryNotFound))
	assert.False(t, report.HasIntegrityFailure())
}

func TestInstallReplacesOtherVersion(t *testing.T) {
	f := newFixture(t)
	f.srv.PublishFiles("alpha", "1.0.0", nil, map[string]string{"old.js": "old", "index.js": "v1"})
	f.srv.PublishFiles("alpha", "1.1.0", nil, map[string]string{"index.js": "v2"})
	m := f.manager(Options{})

	_, err := m.Install(context.Background(), graphOf(f.node("alpha", "1.0.0")))
	require.NoError(t, err)
	report, err := m.Install(context.Background(), graphOf(f.node("alpha", "1.1.0")))
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha"}, report.Installed)
	assert.Equal(t, "v2", readFile(t, filepath.Join(f.dir, "alpha", "index.js")))
	assert.NoFileExists(t, filepath.Join(f.dir, "alpha", "old.js"))
}

func TestInstallRejectsHostileArchives(t *testing.T) {
	tests := []struct {
		name    string
		entries []registrytest.TarEntry
	}{
		{"parent traversal", []registrytest.TarEntry{
			{Name: "package/index.js", Body: "ok"},
			{Name: "package/../../escaped.js", Body: "evil"},
		}},
		{"absolute", []registrytest.TarEntry{
			{Name: "package//etc/evil", Body: "evil"},
		}},
		{"backslash", []registrytest.TarEntry{
			{Name: `package/..\..\evil`, Body: "evil"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			data, err := registrytest.BuildRawTarball(tt.entries)
			require.NoError(t, err)
			f.srv.PublishTarball("evil", "1.0.0", nil, data)

			report, err := f.manager(Options{}).Install(context.Background(), graphOf(f.node("evil", "1.0.0")))
			require.NoError(t, err)
			require.Len(t, report.Failures, 1)
			assert.Equal(t, "extraction", report.Failures[0].Kind())

			assert.NoDirExists(t, filepath.Join(f.dir, "evil"))
			assert.NoFileExists(t, filepath.Join(filepath.Dir(f.dir), "escaped.js"))
		})
	}
}

func TestInstallCorruptArchive(t *testing.T) {
	f := newFixture(t)
	// Digests match the bytes, so only extraction can catch this.
	f.srv.PublishTarball("broken", "1.0.0", nil, []byte("definitely not gzip"))

	report, err := f.manager(Options{}).Install(context.Background(), graphOf(f.node("broken", "1.0.0")))
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.True(t, errors.Is(report.Failures[0], errors.ErrCodeExtractionFailed))
	assert.NoDirExists(t, filepath.Join(f.dir, "broken"))
}

func TestInstallSkipsLinks(t *testing.T) {
	f := newFixture(t)
	data, err := registrytest.BuildRawTarball([]registrytest.TarEntry{
		{Name: "package/", Type: tar.TypeDir},
		{Name: "package/index.js", Body: "ok"},
		{Name: "package/passwd", Type: tar.TypeSymlink, Linkname: "/etc/passwd"},
		{Name: "package/hard", Type: tar.TypeLink, Linkname: "package/index.js"},
		{Name: "package/bin/run", Body: "#!/bin/sh\n", Mode: 0o755},
	})
	require.NoError(t, err)
	f.srv.PublishTarball("links", "1.0.0", nil, data)

	report, err := f.manager(Options{}).Install(context.Background(), graphOf(f.node("links", "1.0.0")))
	require.NoError(t, err)
	require.NoError(t, report.Err())

	dir := filepath.Join(f.dir, "links")
	assert.FileExists(t, filepath.Join(dir, "index.js"))
	_, err = os.Lstat(filepath.Join(dir, "passwd"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Lstat(filepath.Join(dir, "hard"))
	assert.True(t, os.IsNotExist(err))

	info, err := os.Stat(filepath.Join(dir, "bin", "run"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o100, "executable bit is kept")
}

// countingDownloader tracks how many downloads run at once.
type countingDownloader struct {
	inner   Downloader
	current atomic.Int32
	peak    atomic.Int32
}

func (d *countingDownloader) DownloadTarball(ctx context.Context, url string) ([]byte, error) {
	n := d.current.Add(1)
	defer d.current.Add(-1)
	for {
		p := d.peak.Load()
		if n <= p || d.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return d.inner.DownloadTarball(ctx, url)
}

func TestInstallBoundedConcurrency(t *testing.T) {
	f := newFixture(t)
	var nodes []*resolve.ResolvedNode
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		f.srv.Publish(name, "1.0.0", nil)
		nodes = append(nodes, f.node(name, "1.0.0"))
	}

	dl := &countingDownloader{inner: f.client}
	m := NewManager(dl, f.dir, Options{Concurrency: 3, Logger: quiet})
	report, err := m.Install(context.Background(), graphOf(nodes...))
	require.NoError(t, err)
	require.NoError(t, report.Err())

	assert.Len(t, report.Installed, 10)
	assert.LessOrEqual(t, dl.peak.Load(), int32(3))
}

func TestInstallCancelled(t *testing.T) {
	f := newFixture(t)
	f.srv.Publish("alpha", "1.0.0", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.manager(Options{}).Install(ctx, graphOf(f.node("alpha", "1.0.0")))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoDirExists(t, filepath.Join(f.dir, "alpha"))
}

func TestInstallWaitsForLock(t *testing.T) {
	f := newFixture(t)
	f.srv.Publish("alpha", "1.0.0", nil)
	require.NoError(t, os.MkdirAll(f.dir, 0o755))

	held := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		withLock(context.Background(), filepath.Join(f.dir, lockName), quiet, func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err := f.manager(Options{}).Install(ctx, graphOf(f.node("alpha", "1.0.0")))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	wg.Wait()

	report, err := f.manager(Options{}).Install(context.Background(), graphOf(f.node("alpha", "1.0.0")))
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, report.Installed)
}

func TestPruneAndInstalled(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"alpha", "beta", "@scope/gamma"} {
		f.srv.Publish(name, "1.0.0", nil)
	}
	m := f.manager(Options{})
	_, err := m.Install(context.Background(), graphOf(
		f.node("alpha", "1.0.0"), f.node("beta", "1.0.0"), f.node("@scope/gamma", "1.0.0")))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(f.dir, "handmade"), 0o755))

	names, err := m.Installed()
	require.NoError(t, err)
	assert.Equal(t, []string{"@scope/gamma", "alpha", "beta"}, names)

	removed, err := m.Prune(map[string]bool{"alpha": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"@scope/gamma", "beta"}, removed)

	assert.DirExists(t, filepath.Join(f.dir, "alpha"))
	assert.DirExists(t, filepath.Join(f.dir, "handmade"), "unmarked directories are left alone")
	assert.NoDirExists(t, filepath.Join(f.dir, "@scope"), "empty scope directories are removed")
}

func TestStripWrapper(t *testing.T) {
	tests := map[string]string{
		"package/":             "",
		"package":              "",
		"package/index.js":     "index.js",
		"./package/lib/a.js":   "lib/a.js",
		"other-root/dir/":      "dir",
		"package/../escape.js": "../escape.js",
	}
	for in, want := range tests {
		assert.Equal(t, want, stripWrapper(in), in)
	}
}

// snapshot maps every file below dir to its contents.
func snapshot(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || d.Name() == lockName {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[rel] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}
