package install

import (
	stderrors "errors"
	"slices"
	"strings"

	"github.com/OpenChatGit/polypkg/pkg/errors"
	"github.com/OpenChatGit/polypkg/pkg/resolve"
)

// PackageError is the failure of one package.
type PackageError struct {
	Name    string
	Version string
	Err     error
}

func (e *PackageError) Error() string {
	return e.Name + "@" + e.Version + ": " + e.Err.Error()
}

func (e *PackageError) Unwrap() error { return e.Err }

// Kind names the failure family, e.g. "integrity" or "registry".
func (e *PackageError) Kind() string { return errors.Kind(e.Err) }

// Report is the outcome of an install run. Name lists are sorted.
type Report struct {
	Installed []string // downloaded and extracted this run
	Skipped   []string // already present with matching content

	// Digests maps every package that is in place after the run to the
	// sha256 digest of its tarball.
	Digests map[string]string

	Failures []*PackageError
}

func newReport() *Report {
	return &Report{Digests: make(map[string]string)}
}

func (r *Report) add(n *resolve.ResolvedNode, o outcome) {
	switch {
	case o.err != nil:
		r.Failures = append(r.Failures, &PackageError{Name: n.Name, Version: n.Version, Err: o.err})
	case o.skipped:
		r.Skipped = append(r.Skipped, n.Name)
		r.Digests[n.Name] = o.digest
	default:
		r.Installed = append(r.Installed, n.Name)
		r.Digests[n.Name] = o.digest
	}
}

func (r *Report) sort() {
	slices.Sort(r.Installed)
	slices.Sort(r.Skipped)
	slices.SortFunc(r.Failures, func(a, b *PackageError) int { return strings.Compare(a.Name, b.Name) })
}

// OK reports whether every package is in place.
func (r *Report) OK() bool { return len(r.Failures) == 0 }

// Failed returns the names of the failed packages.
func (r *Report) Failed() []string {
	out := make([]string, len(r.Failures))
	for i, f := range r.Failures {
		out[i] = f.Name
	}
	return out
}

// HasIntegrityFailure reports whether any package failed verification.
func (r *Report) HasIntegrityFailure() bool {
	return slices.ContainsFunc(r.Failures, func(f *PackageError) bool { return f.Kind() == "integrity" })
}

// Err joins every package failure, or returns nil.
func (r *Report) Err() error {
	if r.OK() {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return stderrors.Join(errs...)
}
