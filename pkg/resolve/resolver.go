// Package resolve turns a set of root dependency requests into a flat
// dependency graph with exactly one version per package name.
//
// Resolution is breadth-first from the roots. Each package gets the highest
// published version that satisfies every range requested for it so far; when
// a later requester's range rejects the current pick, the package is
// re-resolved against the intersection of all ranges and its own
// dependencies are re-walked. Package documents are fetched by a pool of
// workers ahead of need, while all resolution decisions happen in a single
// goroutine, so the result depends only on registry contents and never on
// network timing.
//
// When no version satisfies every range, [Options.Strict] decides the
// outcome: strict resolution fails with RESOLUTION_UNSATISFIABLE; the default
// picks the version that satisfies the most requesters (highest on ties) and
// records a [Conflict] naming each range it could not honor.
package resolve

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/charmbracelet/log"
	"github.com/samber/lo"

	"github.com/OpenChatGit/polypkg/pkg/errors"
	"github.com/OpenChatGit/polypkg/pkg/observability"
	"github.com/OpenChatGit/polypkg/pkg/registry"
)

const (
	defaultWorkers    = 16
	defaultMaxChanges = 16
)

// MetadataSource provides package documents. It must be safe for concurrent
// use; [registry.Client] is the production implementation.
type MetadataSource interface {
	FetchMetadata(ctx context.Context, name string) (*registry.PackageMetadata, error)
}

// Options configures a [Resolver].
type Options struct {
	// Strict turns unsatisfiable ranges into errors instead of warnings.
	Strict bool

	// Workers bounds concurrent metadata fetches (default 16).
	Workers int

	// MaxChanges caps how often one package may switch versions during a
	// single resolution (default 16). Past the cap the current pick stays
	// and any unmet range is reported as a conflict.
	MaxChanges int

	// Prefer maps package names to versions to keep when they still satisfy
	// every range, typically the versions already in the lockfile.
	Prefer map[string]string

	Logger *log.Logger
}

// WithDefaults returns a copy of o with zero fields filled in.
func (o Options) WithDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = defaultWorkers
	}
	if o.MaxChanges <= 0 {
		o.MaxChanges = defaultMaxChanges
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	return o
}

// Resolver builds dependency graphs from a [MetadataSource].
type Resolver struct {
	source MetadataSource
	opts   Options
}

// New creates a Resolver.
func New(source MetadataSource, opts Options) *Resolver {
	return &Resolver{source: source, opts: opts.WithDefaults()}
}

// Resolve computes the graph for roots.
//
// Errors:
//   - INVALID_INPUT / INVALID_PACKAGE for malformed root specs
//   - RESOLUTION_FAILED wrapping the registry error when a document cannot
//     be fetched
//   - RESOLUTION_UNSATISFIABLE when a range matches no published version,
//     or in strict mode when ranges for one package do not intersect
func (r *Resolver) Resolve(ctx context.Context, roots []PackageSpec) (*Graph, error) {
	start := time.Now()
	observability.Resolve().OnResolveStart(ctx, len(roots))

	g, err := r.resolve(ctx, roots)

	nodes, conflicts := 0, 0
	if g != nil {
		nodes, conflicts = g.Len(), len(g.Conflicts)
	}
	observability.Resolve().OnResolveComplete(ctx, nodes, conflicts, time.Since(start), err)
	return g, err
}

func (r *Resolver) resolve(ctx context.Context, roots []PackageSpec) (*Graph, error) {
	roots = slices.Clone(roots)
	slices.SortStableFunc(roots, func(a, b PackageSpec) int { return strings.Compare(a.Name, b.Name) })

	reqs := make([]requirement, len(roots))
	for i, root := range roots {
		if err := errors.ValidatePackageName(root.Name); err != nil {
			return nil, err
		}
		req, err := newRequirement("", "", root.Range)
		if err != nil {
			return nil, err
		}
		reqs[i] = req
	}

	s := newSession(ctx, r)
	defer s.stop()

	for i, root := range roots {
		s.want(root.Name)
		s.enqueue(root.Name, reqs[i])
	}
	for len(s.queue) > 0 {
		item := s.queue[0]
		s.queue = s.queue[1:]
		if err := s.visit(item); err != nil {
			return nil, err
		}
		s.pump()
	}
	return s.finish(roots)
}

// session holds the state of one Resolve call. Everything except the
// worker goroutines is owned by the calling goroutine.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   Options
	source MetadataSource

	// Fetch pipeline
	jobs      chan string
	results   chan fetched
	wg        sync.WaitGroup
	backlog   []string
	requested map[string]bool
	meta      map[string]*registry.PackageMetadata
	errs      map[string]error

	// Resolution state
	queue   []queued
	reqs    map[string][]requirement
	chosen  map[string]*semver.Version
	nodes   map[string]*ResolvedNode
	changes map[string]int
}

type queued struct {
	name string
	req  requirement

	// recheck re-evaluates name against its live requirements after one of
	// its requirers switched versions.
	recheck bool
}

type fetched struct {
	name string
	meta *registry.PackageMetadata
	err  error
}

func newSession(ctx context.Context, r *Resolver) *session {
	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		ctx:       ctx,
		cancel:    cancel,
		opts:      r.opts,
		source:    r.source,
		jobs:      make(chan string, r.opts.Workers),
		results:   make(chan fetched, r.opts.Workers),
		requested: make(map[string]bool),
		meta:      make(map[string]*registry.PackageMetadata),
		errs:      make(map[string]error),
		reqs:      make(map[string][]requirement),
		chosen:    make(map[string]*semver.Version),
		nodes:     make(map[string]*ResolvedNode),
		changes:   make(map[string]int),
	}
	for range r.opts.Workers {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

func (s *session) worker() {
	defer s.wg.Done()
	for name := range s.jobs {
		m, err := s.source.FetchMetadata(s.ctx, name)
		s.results <- fetched{name: name, meta: m, err: err}
	}
}

// stop cancels outstanding fetches and waits for the workers to exit.
func (s *session) stop() {
	s.cancel()
	close(s.jobs)
	go func() {
		s.wg.Wait()
		close(s.results)
	}()
	for range s.results {
	}
}

// want schedules a document fetch for name if none was scheduled yet.
func (s *session) want(name string) {
	if s.requested[name] {
		return
	}
	s.requested[name] = true
	s.backlog = append(s.backlog, name)
}

func (s *session) store(res fetched) {
	if res.err != nil {
		s.errs[res.name] = res.err
		return
	}
	s.meta[res.name] = res.meta
}

// pump hands queued fetches to idle workers and collects finished ones
// without blocking.
func (s *session) pump() {
	for {
		var jobs chan string
		var next string
		if len(s.backlog) > 0 {
			jobs, next = s.jobs, s.backlog[0]
		}
		select {
		case jobs <- next:
			s.backlog = s.backlog[1:]
		case res := <-s.results:
			s.store(res)
		default:
			return
		}
	}
}

// await blocks until the document for name is available.
func (s *session) await(name string) (*registry.PackageMetadata, error) {
	s.want(name)
	if i := slices.Index(s.backlog, name); i > 0 {
		s.backlog = slices.Delete(s.backlog, i, i+1)
		s.backlog = slices.Insert(s.backlog, 0, name)
	}

	for {
		if m, ok := s.meta[name]; ok {
			return m, nil
		}
		if err, ok := s.errs[name]; ok {
			return nil, err
		}

		var jobs chan string
		var next string
		if len(s.backlog) > 0 {
			jobs, next = s.jobs, s.backlog[0]
		}
		select {
		case jobs <- next:
			s.backlog = s.backlog[1:]
		case res := <-s.results:
			s.store(res)
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		}
	}
}

func (s *session) enqueue(name string, req requirement) {
	s.queue = append(s.queue, queued{name: name, req: req})
}

func (s *session) addRequirement(name string, req requirement) {
	for _, existing := range s.reqs[name] {
		if existing.same(req) {
			return
		}
	}
	s.reqs[name] = append(s.reqs[name], req)
}

// live returns the requirements for name whose requirer is still at the
// version that declared them.
func (s *session) live(name string) []requirement {
	var out []requirement
	for _, r := range s.reqs[name] {
		if r.from == "" {
			out = append(out, r)
			continue
		}
		if v, ok := s.chosen[r.from]; ok && v.Original() == r.fromVersion {
			out = append(out, r)
		}
	}
	return out
}

func (s *session) visit(item queued) error {
	name := item.name
	if item.recheck {
		return s.recheck(name)
	}
	if r := item.req; r.from != "" {
		if v, ok := s.chosen[r.from]; !ok || v.Original() != r.fromVersion {
			return nil // requirer moved to another version
		}
	}

	m, err := s.await(name)
	if err != nil {
		if s.ctx.Err() != nil {
			return s.ctx.Err()
		}
		if item.req.from == "" {
			return errors.Wrap(errors.ErrCodeResolutionFailed, err, "resolve %s", name)
		}
		return errors.Wrap(errors.ErrCodeResolutionFailed, err, "resolve %s (required by %s)", name, item.req.from)
	}

	s.addRequirement(name, item.req)

	cur, resolved := s.chosen[name]
	if resolved && item.req.allows(cur, m.DistTags) {
		return nil
	}

	v, err := s.choose(name, m)
	if err != nil {
		return err
	}
	if !resolved {
		return s.pick(name, v, m)
	}
	return s.switchTo(name, cur, v, m)
}

// recheck chooses again for an already resolved name whose requirement set
// shrank. Names nothing live requires any more are left for finish to prune.
func (s *session) recheck(name string) error {
	cur, ok := s.chosen[name]
	if !ok || len(s.live(name)) == 0 {
		return nil
	}
	m := s.meta[name]
	v, err := s.choose(name, m)
	if err != nil {
		return err
	}
	return s.switchTo(name, cur, v, m)
}

// switchTo moves name from cur to v, bounded by MaxChanges.
func (s *session) switchTo(name string, cur, v *semver.Version, m *registry.PackageMetadata) error {
	if cur.Equal(v) {
		return nil
	}
	s.changes[name]++
	if s.changes[name] > s.opts.MaxChanges {
		s.opts.Logger.Debug("version change limit reached", "package", name, "keeping", cur.Original())
		return nil
	}
	s.opts.Logger.Debug("re-resolving", "package", name, "from", cur.Original(), "to", v.Original())
	return s.pick(name, v, m)
}

// choose selects the version for name given every live requirement.
func (s *session) choose(name string, m *registry.PackageMetadata) (*semver.Version, error) {
	versions := m.SortedVersions()
	if len(versions) == 0 {
		return nil, errors.New(errors.ErrCodeResolutionUnsatisfiable, "%s has no published versions", name)
	}
	live := s.live(name)
	tags := m.DistTags

	// A range no published version satisfies cannot be helped by any pick.
	for _, r := range live {
		if !slices.ContainsFunc(versions, func(v *semver.Version) bool { return r.allows(v, tags) }) {
			return nil, errors.Wrap(errors.ErrCodeResolutionUnsatisfiable,
				&UnsatisfiableError{Name: name, Requirements: []Requirement{r.public()}},
				"no version of %s satisfies %s", name, displayRange(r.raw))
		}
	}

	allowsAll := func(v *semver.Version) bool {
		for _, r := range live {
			if !r.allows(v, tags) {
				return false
			}
		}
		return true
	}

	if p, ok := s.opts.Prefer[name]; ok {
		if _, published := m.Versions[p]; published {
			if pv, err := semver.StrictNewVersion(p); err == nil && allowsAll(pv) {
				return pv, nil
			}
		}
	}

	if onlyLatest(live) {
		if tag, ok := tags["latest"]; ok {
			if tv, err := semver.StrictNewVersion(tag); err == nil {
				if _, published := m.Versions[tag]; published {
					return tv, nil
				}
			}
		}
	}

	for i := len(versions) - 1; i >= 0; i-- {
		if allowsAll(versions[i]) {
			return versions[i], nil
		}
	}

	reqs := publicRequirements(live)
	if s.opts.Strict {
		return nil, errors.Wrap(errors.ErrCodeResolutionUnsatisfiable,
			&UnsatisfiableError{Name: name, Requirements: reqs},
			"no version of %s satisfies every requirement", name)
	}
	return fallback(live, versions, tags), nil
}

// fallback picks the version satisfying the most requirements, preferring
// the higher version on ties.
func fallback(live []requirement, versions []*semver.Version, tags map[string]string) *semver.Version {
	var best *semver.Version
	bestCount := -1
	for i := len(versions) - 1; i >= 0; i-- {
		count := 0
		for _, r := range live {
			if r.allows(versions[i], tags) {
				count++
			}
		}
		if count > bestCount {
			best, bestCount = versions[i], count
		}
	}
	return best
}

func onlyLatest(live []requirement) bool {
	for _, r := range live {
		if !r.latest {
			return false
		}
	}
	return len(live) > 0
}

// pick records v as the version of name and queues its dependencies.
func (s *session) pick(name string, v *semver.Version, m *registry.PackageMetadata) error {
	info := m.Versions[v.Original()]
	deps := slices.Sorted(maps.Keys(info.Dependencies))

	var orphaned []string
	if old, ok := s.nodes[name]; ok {
		orphaned = old.Dependencies
	}

	s.chosen[name] = v
	s.nodes[name] = &ResolvedNode{
		Name:         name,
		Version:      v.Original(),
		TarballURL:   info.Dist.Tarball,
		Integrity:    info.Dist.Digest(),
		Dependencies: deps,
	}

	for _, dep := range deps {
		s.want(dep)
	}
	for _, dep := range deps {
		req, err := newRequirement(name, v.Original(), info.Dependencies[dep])
		if err != nil {
			return errors.Wrap(errors.ErrCodeResolutionUnsatisfiable, err,
				"%s@%s depends on %s with an unsupported range", name, v.Original(), dep)
		}
		s.enqueue(dep, req)
	}
	// The previous version's ranges no longer count; anything they held
	// back may move up again.
	for _, dep := range orphaned {
		s.queue = append(s.queue, queued{name: dep, recheck: true})
	}
	return nil
}

// finish keeps the nodes reachable from the roots and computes conflicts.
func (s *session) finish(roots []PackageSpec) (*Graph, error) {
	g := NewGraph()
	g.Roots = roots

	full := &Graph{Nodes: s.nodes}
	reach := full.Reachable(lo.Map(roots, func(r PackageSpec, _ int) string { return r.Name }))
	for name, n := range s.nodes {
		if reach[name] {
			g.Add(n)
		}
	}

	for _, name := range g.Names() {
		v := s.chosen[name]
		tags := s.meta[name].DistTags

		var live []requirement
		for _, r := range s.live(name) {
			if r.from == "" || reach[r.from] {
				live = append(live, r)
			}
		}

		var unhonored []requirement
		for _, r := range live {
			if !r.allows(v, tags) {
				unhonored = append(unhonored, r)
			}
		}
		if len(unhonored) == 0 {
			continue
		}
		g.Conflicts = append(g.Conflicts, Conflict{
			Name:         name,
			Chosen:       v.Original(),
			Requirements: publicRequirements(live),
			Unhonored:    publicRequirements(unhonored),
		})
	}

	if s.opts.Strict && len(g.Conflicts) > 0 {
		c := g.Conflicts[0]
		return nil, errors.Wrap(errors.ErrCodeResolutionUnsatisfiable,
			&UnsatisfiableError{Name: c.Name, Requirements: c.Requirements},
			"no version of %s satisfies every requirement", c.Name)
	}
	for _, c := range g.Conflicts {
		s.opts.Logger.Warn("version conflict", "package", c.Name, "chosen", c.Chosen, "unhonored", requirementList(c.Unhonored))
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func publicRequirements(reqs []requirement) []Requirement {
	out := make([]Requirement, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.public())
	}
	slices.SortFunc(out, func(a, b Requirement) int {
		if c := strings.Compare(a.From, b.From); c != 0 {
			return c
		}
		return strings.Compare(a.Range, b.Range)
	})
	return slices.Compact(out)
}

func requirementList(reqs []Requirement) string {
	parts := make([]string, len(reqs))
	for i, r := range reqs {
		parts[i] = r.String()
	}
	return strings.Join(parts, "; ")
}

// UnsatisfiableError lists the requirements that could not be met together.
type UnsatisfiableError struct {
	Name         string
	Requirements []Requirement
}

func (e *UnsatisfiableError) Error() string {
	return e.Name + ": " + requirementList(e.Requirements)
}
