// Package pkg provides the libraries behind the polypkg package manager.
//
// # Overview
//
// polypkg installs packages from an npm-compatible registry into a Poly
// project. The pkg directory is organized by the steps of an install:
//
//  1. [registry] - package documents and tarballs over HTTP, with retries
//     ([httputil]) and a metadata cache ([cache])
//  2. [resolve] - breadth-first version resolution into a [resolve.Graph]
//  3. [install] - parallel download, [integrity] verification and
//     extraction into packages/
//  4. [lockfile] - the reproducible poly.lock document
//  5. [pipeline] - the commands that sequence the steps above
//
// # Architecture
//
//	poly.toml ([manifest])          poly.lock ([lockfile])
//	         ↓                               ↓
//	    [resolve] ← [registry]               │
//	         ↓                               │
//	    [resolve.Graph] ←────────────────────┘
//	         ↓
//	    [install] → packages/<name>/
//	         ↓
//	    [lockfile] → poly.lock
//
// A locked install skips resolution entirely: the lockfile is turned back
// into a graph and handed to the installer, which checks every tarball
// against the recorded sha256 digest.
//
// # Quick Start
//
//	client := registry.NewClient(registry.Options{})
//	runner := pipeline.NewRunner(client, nil)
//	res, err := runner.ResolveAndInstall(ctx, pipeline.Options{Dir: "."},
//	    []resolve.PackageSpec{{Name: "alpha", Range: "^1.0.0"}})
//
// Errors carry codes from [errors]; [errors.Kind] names the failure family
// (registry, resolution, integrity, extraction, lockfile) for reports.
package pkg
