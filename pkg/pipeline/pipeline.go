// Package pipeline implements polypkg's commands on top of the resolver,
// the installer and the lockfile.
//
// This package is the single place where the steps of a command are
// sequenced, so the CLI stays a thin presentation layer.
//
// # Commands
//
//   - [Runner.ResolveAndInstall]: resolve specs, install, write poly.lock
//   - [Runner.InstallFromLock]: install exactly what poly.lock records
//   - [Runner.Install]: use the lockfile when it still matches poly.toml,
//     otherwise resolve again keeping locked versions where possible
//   - [Runner.AddPackage] / [Runner.RemovePackage]: edit poly.toml and
//     re-resolve
//   - [Runner.Update]: re-resolve ignoring locked versions
//   - [Runner.CheckOutdated]: compare locked versions with the registry
//   - [Runner.Verify]: check installed packages against the lockfile offline
//
// # Usage
//
//	client := registry.NewClient(registry.Options{Logger: logger})
//	runner := pipeline.NewRunner(client, logger)
//	result, err := runner.Install(ctx, pipeline.Options{Dir: "."})
//	if result != nil && result.Report != nil {
//	    // per-package outcome, also on partial failure
//	}
//
// The lockfile is only written when every package installed successfully.
package pipeline

import (
	"context"
	"path/filepath"
	"time"

	"github.com/OpenChatGit/polypkg/pkg/errors"
	"github.com/OpenChatGit/polypkg/pkg/install"
	"github.com/OpenChatGit/polypkg/pkg/lockfile"
	"github.com/OpenChatGit/polypkg/pkg/manifest"
	"github.com/OpenChatGit/polypkg/pkg/registry"
	"github.com/OpenChatGit/polypkg/pkg/resolve"
)

// DefaultConcurrency is the default number of parallel package installs.
const DefaultConcurrency = 8

// Registry is everything the commands need from a registry.
// [registry.Client] implements it.
type Registry interface {
	FetchMetadata(ctx context.Context, name string) (*registry.PackageMetadata, error)
	DownloadTarball(ctx context.Context, url string) ([]byte, error)
	TarballURL(name, version string) string
}

// Options configures one command run.
type Options struct {
	// Dir is the project root holding poly.toml (default ".").
	Dir string

	// Strict fails resolution on version conflicts instead of warning.
	Strict bool

	// Concurrency bounds parallel installs (default DefaultConcurrency).
	Concurrency int

	// Force reinstalls packages that are already in place.
	Force bool
}

// ValidateAndSetDefaults checks o and fills in defaults.
func (o *Options) ValidateAndSetDefaults() error {
	if o.Dir == "" {
		o.Dir = "."
	}
	abs, err := filepath.Abs(o.Dir)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInvalidInput, err, "project directory %q", o.Dir)
	}
	o.Dir = abs
	if o.Concurrency < 0 {
		return errors.New(errors.ErrCodeInvalidInput, "concurrency must be positive, got %d", o.Concurrency)
	}
	if o.Concurrency == 0 {
		o.Concurrency = DefaultConcurrency
	}
	return nil
}

// ManifestPath returns the poly.toml path.
func (o Options) ManifestPath() string { return filepath.Join(o.Dir, manifest.FileName) }

// LockPath returns the poly.lock path.
func (o Options) LockPath() string { return filepath.Join(o.Dir, lockfile.FileName) }

// PackagesPath returns the install directory.
func (o Options) PackagesPath() string { return filepath.Join(o.Dir, install.DirName) }

// Result is the outcome of a command.
type Result struct {
	// Specs are the root dependencies the command worked from.
	Specs []resolve.PackageSpec

	Graph    *resolve.Graph
	Lockfile lockfile.Lockfile // nil unless written or read successfully
	Report   *install.Report

	// FromLock is true when resolution was skipped.
	FromLock bool

	// Changes compares the written lockfile with the previous one.
	Changes lockfile.Changes

	// Pruned lists package directories removed because nothing needs them.
	Pruned []string

	Stats Stats
}

// Stats holds timings and sizes of a run.
type Stats struct {
	ResolveTime time.Duration
	InstallTime time.Duration
	Packages    int
}
