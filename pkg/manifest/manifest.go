// Package manifest reads and edits the [dependencies] table of poly.toml.
//
// The manifest belongs to the surrounding project; this package only needs
// the dependency declarations:
//
//	[dependencies]
//	alpha = "^1.0.0"
//	"@scope/widgets" = "~2.1.0"
//
// Edits are applied line by line so that comments, ordering and every other
// table survive untouched. Every edited document is parsed again before it
// is accepted.
package manifest

import (
	"bytes"
	stderrors "errors"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/OpenChatGit/polypkg/pkg/errors"
	"github.com/OpenChatGit/polypkg/pkg/resolve"
)

// FileName is the manifest name inside a project.
const FileName = "poly.toml"

const section = "dependencies"

// Manifest is a loaded poly.toml.
type Manifest struct {
	Path string

	// Exists is false when Path did not exist at load time.
	Exists bool

	deps map[string]string
	text []byte
}

type document struct {
	Dependencies map[string]string `toml:"dependencies"`
}

// Load reads the manifest at path. A missing file loads as an empty
// manifest that Save will create.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return &Manifest{Path: path, deps: map[string]string{}}, nil
		}
		return nil, errors.Wrap(errors.ErrCodeInvalidManifest, err, "read %s", path)
	}
	deps, err := parse(data)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidManifest, err, "%s", path)
	}
	return &Manifest{Path: path, Exists: true, deps: deps, text: data}, nil
}

func parse(data []byte) (map[string]string, error) {
	var doc document
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Dependencies == nil {
		doc.Dependencies = map[string]string{}
	}
	for name, rng := range doc.Dependencies {
		if _, err := spec(name, rng); err != nil {
			return nil, err
		}
	}
	return doc.Dependencies, nil
}

func spec(name, rng string) (resolve.PackageSpec, error) {
	if rng == "" {
		return resolve.ParseSpec(name)
	}
	return resolve.ParseSpec(name + "@" + rng)
}

// Specs returns the declared dependencies sorted by name.
func (m *Manifest) Specs() []resolve.PackageSpec {
	out := make([]resolve.PackageSpec, 0, len(m.deps))
	for _, name := range slices.Sorted(maps.Keys(m.deps)) {
		out = append(out, resolve.PackageSpec{Name: name, Range: strings.TrimSpace(m.deps[name])})
	}
	return out
}

// Range returns the declared range for name.
func (m *Manifest) Range(name string) (string, bool) {
	r, ok := m.deps[name]
	return r, ok
}

// Has reports whether name is declared.
func (m *Manifest) Has(name string) bool {
	_, ok := m.deps[name]
	return ok
}

// Set declares name with rng, replacing any existing declaration.
func (m *Manifest) Set(name, rng string) error {
	if _, err := spec(name, rng); err != nil {
		return err
	}
	line := formatKey(name) + " = " + strconv.Quote(rng)

	lines := splitLines(m.text)
	start, end := findSection(lines)
	switch {
	case start < 0:
		if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) != "" {
			lines = append(lines, "")
		}
		lines = append(lines, "["+section+"]", line)
	default:
		if i := findKey(lines, start, end, name); i >= 0 {
			lines[i] = line
		} else {
			at := start + 1
			for j := start + 1; j < end; j++ {
				if strings.TrimSpace(lines[j]) != "" {
					at = j + 1
				}
			}
			lines = slices.Insert(lines, at, line)
		}
	}
	return m.apply(lines)
}

// Remove drops the declaration for name. It reports whether one existed.
func (m *Manifest) Remove(name string) (bool, error) {
	if !m.Has(name) {
		return false, nil
	}
	lines := splitLines(m.text)
	start, end := findSection(lines)
	i := findKey(lines, start, end, name)
	if i < 0 {
		return false, errors.New(errors.ErrCodeInvalidManifest,
			"%s declares %s outside a plain [%s] line; edit it by hand", m.Path, name, section)
	}
	lines = slices.Delete(lines, i, i+1)
	return true, m.apply(lines)
}

func (m *Manifest) apply(lines []string) error {
	text := []byte(strings.Join(lines, "\n") + "\n")
	deps, err := parse(text)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInvalidManifest, err, "edit %s", m.Path)
	}
	m.text, m.deps = text, deps
	return nil
}

// Bytes returns the current document.
func (m *Manifest) Bytes() []byte {
	return bytes.Clone(m.text)
}

// Save writes the manifest back to Path through a temporary file.
func (m *Manifest) Save() error {
	tmp := filepath.Join(filepath.Dir(m.Path), "."+filepath.Base(m.Path)+".tmp-"+uuid.NewString())
	if err := os.WriteFile(tmp, m.text, 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err, "write %s", m.Path)
	}
	if err := os.Rename(tmp, m.Path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(errors.ErrCodeInternal, err, "write %s", m.Path)
	}
	m.Exists = true
	return nil
}

var bareKey = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func formatKey(name string) string {
	if bareKey.MatchString(name) {
		return name
	}
	return strconv.Quote(name)
}

func splitLines(text []byte) []string {
	s := strings.TrimRight(string(text), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// findSection returns the header index of [dependencies] and the index of
// the next table header (or len(lines)). start is -1 when there is none.
func findSection(lines []string) (start, end int) {
	start, end = -1, len(lines)
	for i, l := range lines {
		t := strings.TrimSpace(l)
		if !strings.HasPrefix(t, "[") {
			continue
		}
		if start >= 0 {
			return start, i
		}
		if header(t) == section {
			start = i
		}
	}
	return start, end
}

func header(t string) string {
	if i := strings.Index(t, "#"); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	t = strings.TrimPrefix(t, "[")
	t = strings.TrimSuffix(t, "]")
	return strings.TrimSpace(t)
}

func findKey(lines []string, start, end int, name string) int {
	if start < 0 {
		return -1
	}
	for i := start + 1; i < end; i++ {
		key, _, ok := strings.Cut(strings.TrimSpace(lines[i]), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if unq, err := strconv.Unquote(key); err == nil {
			key = unq
		} else if strings.HasPrefix(key, "'") && strings.HasSuffix(key, "'") && len(key) >= 2 {
			key = key[1 : len(key)-1]
		}
		if key == name {
			return i
		}
	}
	return -1
}
