// Package lockfile reads and writes poly.lock, the persisted snapshot of a
// resolved dependency graph.
//
// # Format
//
// The document is a single JSON object keyed by package name:
//
//	{
//	  "alpha": {
//	    "version": "1.2.0",
//	    "integrity": "sha256-9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
//	    "dependencies": ["beta"]
//	  },
//	  "beta": {
//	    "version": "2.1.5",
//	    "integrity": "sha256-...",
//	    "dependencies": []
//	  }
//	}
//
// Keys are sorted, dependency lists are sorted and never null, indentation is
// two spaces and the file ends with a newline. Equal graphs therefore always
// produce identical bytes, which keeps the file diff-stable under version
// control.
//
// # Reading and writing
//
// Use [FromGraph] and [Write] after a successful resolution, [Read] and
// [ToGraph] to install without consulting the registry:
//
//	lf, err := lockfile.Read("poly.lock")
//	if errors.Is(err, errors.ErrCodeLockfileNotFound) {
//	    // resolve from the manifest instead
//	}
//	g, err := lockfile.ToGraph(lf, client.TarballURL)
//
// Every reader validates the document: versions must be strict semver,
// integrity must be "sha256-<hex>" and every dependency must have its own
// entry. Failures carry LOCKFILE_INVALID.
package lockfile
