// Package registrytest provides an in-process npm-compatible registry for
// tests.
//
//	srv := registrytest.New(t)
//	srv.Publish("alpha", "1.2.0", map[string]string{"beta": "^2.0.0"})
//	srv.Publish("beta", "2.1.0", nil)
//	client := registry.NewClient(registry.Options{BaseURL: srv.URL})
//
// Published versions are served as package documents on /{name} and as
// gzip tarballs (wrapped in a "package/" directory) on the conventional
// /{name}/-/{basename}-{version}.tgz path. Faults can be queued per path
// and every request is counted.
package registrytest

import (
	"crypto/sha1"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
)

// Server is a fake registry backed by httptest.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	packages map[string]map[string]*release
	latest   map[string]string
	tarballs map[string]*release // by tarball path
	faults   map[string][]int
	hits     map[string]int
}

type release struct {
	name      string
	version   string
	deps      map[string]string
	tarball   []byte
	shasum    string
	integrity string
}

// New starts a server that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		packages: make(map[string]map[string]*release),
		latest:   make(map[string]string),
		tarballs: make(map[string]*release),
		faults:   make(map[string][]int),
		hits:     make(map[string]int),
	}

	r := chi.NewRouter()
	r.Use(s.instrument)
	r.Get("/{name}", s.handleMetadata)
	r.Get("/*", s.handleTarball)

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// Publish adds name@version with the given dependency ranges and a minimal
// package.json plus index.js.
func (s *Server) Publish(name, version string, deps map[string]string) {
	files := map[string]string{
		"package.json": fmt.Sprintf(`{"name":%q,"version":%q}`, name, version),
		"index.js":     fmt.Sprintf("module.exports = %q;\n", name+"@"+version),
	}
	s.PublishFiles(name, version, deps, files)
}

// PublishFiles adds name@version with explicit archive contents. Paths are
// relative to the package root.
func (s *Server) PublishFiles(name, version string, deps map[string]string, files map[string]string) {
	data, err := BuildTarball(files)
	if err != nil {
		panic(err)
	}
	s.PublishTarball(name, version, deps, data)
}

// PublishTarball adds name@version served from raw tarball bytes. The
// published digests are computed from data.
func (s *Server) PublishTarball(name, version string, deps map[string]string, data []byte) {
	sha := sha1.Sum(data)
	sri := sha512.Sum512(data)
	rel := &release{
		name:      name,
		version:   version,
		deps:      deps,
		tarball:   data,
		shasum:    hex.EncodeToString(sha[:]),
		integrity: "sha512-" + base64.StdEncoding.EncodeToString(sri[:]),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.packages[name] == nil {
		s.packages[name] = make(map[string]*release)
	}
	s.packages[name][version] = rel
	s.tarballs[TarballPath(name, version)] = rel
}

// SetLatest points the "latest" dist-tag at version. Without it the tag is
// omitted and clients fall back to the highest stable version.
func (s *Server) SetLatest(name, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[name] = version
}

// Tarball returns the bytes served for name@version.
func (s *Server) Tarball(name, version string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rel := s.tarballs[TarballPath(name, version)]; rel != nil {
		return rel.tarball
	}
	return nil
}

// ReplaceTarball swaps the bytes served for name@version while keeping the
// originally published digests, so downloads fail integrity checks.
func (s *Server) ReplaceTarball(name, version string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rel := s.tarballs[TarballPath(name, version)]; rel != nil {
		rel.tarball = data
	}
}

// Fail queues HTTP statuses for the next requests to path. Each request
// consumes one status; once drained the path behaves normally.
func (s *Server) Fail(path string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[path] = append(s.faults[path], statuses...)
}

// Hits returns how many requests reached path, faults included.
func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

// TarballHits sums requests for every tarball path.
func (s *Server) TarballHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for path, c := range s.hits {
		if strings.Contains(path, "/-/") {
			n += c
		}
	}
	return n
}

// MetadataPath is the request path of a package document.
func MetadataPath(name string) string {
	return "/" + name
}

// TarballPath is the request path of a tarball.
func TarballPath(name, version string) string {
	base := name
	if i := strings.LastIndex(name, "/"); i >= 0 {
		base = name[i+1:]
	}
	return fmt.Sprintf("/%s/-/%s-%s.tgz", name, base, version)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		s.mu.Lock()
		s.hits[path]++
		var status int
		if q := s.faults[path]; len(q) > 0 {
			status, s.faults[path] = q[0], q[1:]
		}
		s.mu.Unlock()

		if status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type document struct {
	Name     string                     `json:"name"`
	DistTags map[string]string          `json:"dist-tags,omitempty"`
	Versions map[string]documentVersion `json:"versions"`
}

type documentVersion struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	Dist         documentDist      `json:"dist"`
}

type documentDist struct {
	Tarball   string `json:"tarball"`
	Shasum    string `json:"shasum"`
	Integrity string `json:"integrity"`
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	versions, ok := s.packages[name]
	doc := document{Name: name, Versions: make(map[string]documentVersion, len(versions))}
	for v, rel := range versions {
		doc.Versions[v] = documentVersion{
			Name:         name,
			Version:      v,
			Dependencies: rel.deps,
			Dist: documentDist{
				Tarball:   s.URL + TarballPath(name, v),
				Shasum:    rel.shasum,
				Integrity: rel.integrity,
			},
		}
	}
	if tag, tagged := s.latest[name]; tagged {
		doc.DistTags = map[string]string{"latest": tag}
	}
	s.mu.Unlock()

	if !ok {
		http.Error(w, `{"error":"Not found"}`, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (s *Server) handleTarball(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	rel := s.tarballs[r.URL.Path]
	var data []byte
	if rel != nil {
		data = rel.tarball
	}
	s.mu.Unlock()

	if rel == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}
