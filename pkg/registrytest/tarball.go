package registrytest

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"maps"
	"slices"
	"strings"
	"time"
)

// modTime is fixed so identical inputs produce identical archives.
var modTime = time.Date(1985, 10, 26, 8, 15, 0, 0, time.UTC)

// BuildTarball creates a gzip tar with every file under a "package/"
// wrapper directory, the layout registries publish. Keys ending in "/" are
// written as directories.
func BuildTarball(files map[string]string) ([]byte, error) {
	entries := make([]TarEntry, 0, len(files))
	for _, name := range slices.Sorted(maps.Keys(files)) {
		e := TarEntry{Name: "package/" + name, Body: files[name]}
		if strings.HasSuffix(name, "/") {
			e.Type = tar.TypeDir
		}
		entries = append(entries, e)
	}
	return BuildRawTarball(entries)
}

// TarEntry is one member of a hand-built archive.
type TarEntry struct {
	Name     string
	Body     string
	Type     byte   // tar.TypeReg when zero
	Linkname string // symlink and hardlink targets
	Mode     int64  // 0644 when zero
}

// BuildRawTarball writes entries verbatim, without adding a wrapper
// directory. Use it for malformed or hostile archives.
func BuildRawTarball(entries []TarEntry) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, e := range entries {
		typ := e.Type
		if typ == 0 {
			typ = tar.TypeReg
		}
		mode := e.Mode
		if mode == 0 {
			mode = 0o644
			if typ == tar.TypeDir {
				mode = 0o755
			}
		}
		hdr := &tar.Header{
			Name:     e.Name,
			Typeflag: typ,
			Linkname: e.Linkname,
			Mode:     mode,
			ModTime:  modTime,
		}
		if typ == tar.TypeReg {
			hdr.Size = int64(len(e.Body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if typ == tar.TypeReg {
			if _, err := tw.Write([]byte(e.Body)); err != nil {
				return nil, err
			}
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
